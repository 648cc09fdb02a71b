// Package gates resolves and evaluates completion gates: the commands whose
// zero exit is required before a task may be declared complete. Gates come
// from the task text, the planner's COMPLETE reply, and auto-discovery over
// the workspace's build manifests.
package gates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zacedev/zace/internal/types"
)

// failurePreview bounds the stdout/stderr excerpt in a gate failure message.
const failurePreview = 180

// ErrApprovalDenied is returned by a RunFunc when the approval layer refused
// to run a gate command.
var ErrApprovalDenied = errors.New("gates: approval denied")

// FromCommands builds a plan labelling each command <namespace>:N in order.
func FromCommands(namespace string, commands []string, source types.GateSource) types.CompletionPlan {
	plan := types.CompletionPlan{Source: source}
	for i, cmd := range commands {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		plan.Gates = append(plan.Gates, types.CompletionGate{
			Label:   fmt.Sprintf("%s:%d", namespace, i+1),
			Command: cmd,
		})
	}
	return plan
}

// taskGateRe extracts explicit verification commands from the task text,
// lines of the form "verify: <command>".
var taskGateRe = regexp.MustCompile(`(?im)^\s*verify:\s*(.+)$`)

// ResolveTaskPlan derives task-declared gates from the task text. Always
// returns a valid (possibly empty) plan.
func ResolveTaskPlan(task string) types.CompletionPlan {
	var cmds []string
	for _, m := range taskGateRe.FindAllStringSubmatch(task, -1) {
		cmds = append(cmds, m[1])
	}
	return FromCommands("task", cmds, types.GateSourceTask)
}

// Merge concatenates plans in order, de-duplicating by exact command string.
// The first insertion of a command keeps its label; later duplicates are
// dropped.
func Merge(plans ...types.CompletionPlan) types.CompletionPlan {
	merged := types.CompletionPlan{Source: types.GateSourceMerged}
	seen := make(map[string]bool)
	sources := 0
	var lastSource types.GateSource
	for _, p := range plans {
		if len(p.Gates) > 0 {
			sources++
			lastSource = p.Source
		}
		for _, g := range p.Gates {
			if seen[g.Command] {
				continue
			}
			seen[g.Command] = true
			merged.Gates = append(merged.Gates, g)
		}
	}
	if sources == 1 {
		merged.Source = lastSource
	}
	return merged
}

// maskingPatterns are shell suffixes that force a zero exit, defeating the
// gate.
var maskingPatterns = []string{"|| true", "; true", "|| :", "|| exit 0"}

// DetectMasked scans gates in order and returns the first gate whose command
// masks its exit status, with a reason.
func DetectMasked(gs []types.CompletionGate) (types.CompletionGate, string, bool) {
	for _, g := range gs {
		for _, pat := range maskingPatterns {
			if strings.Contains(g.Command, pat) {
				return g, fmt.Sprintf("gate %s is masked: command contains %q which forces a zero exit", g.Label, pat), true
			}
		}
	}
	return types.CompletionGate{}, "", false
}

// packageManifest is the subset of package.json needed for discovery.
type packageManifest struct {
	Scripts map[string]string `json:"scripts"`
}

// jsRunner picks the script runner from the lockfile present in dir.
func jsRunner(dir string) string {
	for _, lf := range []struct{ file, runner string }{
		{"bun.lock", "bun"},
		{"bun.lockb", "bun"},
		{"pnpm-lock.yaml", "pnpm"},
		{"yarn.lock", "yarn"},
	} {
		if _, err := os.Stat(filepath.Join(dir, lf.file)); err == nil {
			return lf.runner
		}
	}
	return "npm"
}

// Discover returns auto-discovered gates for dir based on the build
// manifests present, labelled auto:lint / auto:test.
//
// Expectations:
//   - package.json scripts lint/test run through the runner implied by the
//     lockfile (bun, pnpm, yarn, else npm)
//   - go.mod yields go vet + go test; Cargo.toml yields cargo check + test
//   - Makefile lint/test targets are used only when no manifest matched
func Discover(dir string) []types.CompletionGate {
	var out []types.CompletionGate

	if raw, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
		var pm packageManifest
		if json.Unmarshal(raw, &pm) == nil {
			runner := jsRunner(dir)
			if _, ok := pm.Scripts["lint"]; ok {
				out = append(out, types.CompletionGate{Label: "auto:lint", Command: runner + " run lint"})
			}
			if _, ok := pm.Scripts["test"]; ok {
				cmd := runner + " test"
				if runner == "npm" || runner == "pnpm" {
					cmd = runner + " run test"
				}
				out = append(out, types.CompletionGate{Label: "auto:test", Command: cmd})
			}
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
		out = append(out,
			types.CompletionGate{Label: "auto:lint", Command: "go vet ./..."},
			types.CompletionGate{Label: "auto:test", Command: "go test ./..."},
		)
	}
	if _, err := os.Stat(filepath.Join(dir, "Cargo.toml")); err == nil {
		out = append(out,
			types.CompletionGate{Label: "auto:lint", Command: "cargo check"},
			types.CompletionGate{Label: "auto:test", Command: "cargo test"},
		)
	}
	if len(out) == 0 {
		if raw, err := os.ReadFile(filepath.Join(dir, "Makefile")); err == nil {
			text := string(raw)
			if regexp.MustCompile(`(?m)^lint:`).MatchString(text) {
				out = append(out, types.CompletionGate{Label: "auto:lint", Command: "make lint"})
			}
			if regexp.MustCompile(`(?m)^test:`).MatchString(text) {
				out = append(out, types.CompletionGate{Label: "auto:test", Command: "make test"})
			}
		}
	}
	return out
}

// validationRes match commands whose success counts as a validation run for
// the freshness check.
var validationRes = []*regexp.Regexp{
	regexp.MustCompile(`\bgo\s+(test|vet|build)\b`),
	regexp.MustCompile(`\b(npm|pnpm|yarn|bun)\s+(run\s+)?(test|lint|check|typecheck|build)\b`),
	regexp.MustCompile(`\b(pytest|tox|ruff|mypy|flake8)\b`),
	regexp.MustCompile(`\bcargo\s+(test|check|clippy|build)\b`),
	regexp.MustCompile(`\bmake\s+(test|lint|check)\b`),
	regexp.MustCompile(`\b(eslint|tsc|jest|vitest|golangci-lint)\b`),
}

// IsValidationCommand reports whether command looks like a validation tool
// invocation.
func IsValidationCommand(command string) bool {
	for _, re := range validationRes {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// Fresh reports whether completion is fresh: either nothing was written, or
// a successful validation ran at or after the last write.
func Fresh(lastWriteStep, lastSuccessfulValidationStep int) bool {
	if lastWriteStep == 0 {
		return true
	}
	return lastSuccessfulValidationStep >= lastWriteStep
}

// RunFunc executes one gate command in cwd, through the same approval path
// as planner-initiated commands. It returns ErrApprovalDenied when the
// approval layer refuses.
type RunFunc func(ctx context.Context, command, cwd string) (*types.ToolResult, error)

// Failure describes one failed gate.
type Failure struct {
	Gate    types.CompletionGate
	Message string
	Denied  bool
}

// Evaluate runs gates sequentially and returns the failures encountered.
// Execution stops at the first approval denial; command failures continue so
// the message can name every failing gate.
func Evaluate(ctx context.Context, gs []types.CompletionGate, cwd string, run RunFunc) []Failure {
	var failures []Failure
	for _, g := range gs {
		res, err := run(ctx, g.Command, cwd)
		if err != nil {
			if errors.Is(err, ErrApprovalDenied) {
				failures = append(failures, Failure{Gate: g, Denied: true,
					Message: fmt.Sprintf("%s failed (%s): approval denied", g.Label, g.Command)})
				return failures
			}
			failures = append(failures, Failure{Gate: g,
				Message: fmt.Sprintf("%s failed (%s): %s", g.Label, g.Command, preview(err.Error()))})
			continue
		}
		if res == nil || !res.Success {
			out := ""
			if res != nil {
				out = res.CombinedOutput()
				if res.Error != "" {
					out = strings.TrimSpace(out + "\n" + res.Error)
				}
			}
			failures = append(failures, Failure{Gate: g,
				Message: fmt.Sprintf("%s failed (%s): %s", g.Label, g.Command, preview(out))})
		}
	}
	return failures
}

// FailureMessage joins failure messages with " | ".
func FailureMessage(failures []Failure) string {
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = f.Message
	}
	return strings.Join(parts, " | ")
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > failurePreview {
		return s[:failurePreview]
	}
	return s
}
