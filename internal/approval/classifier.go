package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zacedev/zace/internal/llm"
	"github.com/zacedev/zace/internal/types"
)

// maxRedirectTargets bounds the overwrite-target list handed to the safety
// model and shown in the approval prompt.
const maxRedirectTargets = 12

// highRiskRes match commands that stay destructive even when every write
// lands inside the runtime directory.
var highRiskRes = []*regexp.Regexp{
	regexp.MustCompile(`(^|[;&|]\s*)rm\s`),
	regexp.MustCompile(`\brm\s+(-\w*\s+)*-\w*[rf]`),
	regexp.MustCompile(`\bgit\s+reset\s+--hard\b`),
	regexp.MustCompile(`\bgit\s+clean\s+-\w*f`),
	regexp.MustCompile(`\bgit\s+push\b.*(--force\b|\s-f\b)`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`(^|[;&|]\s*)dd\s`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
}

// destructiveRes are the broader deterministic destructive heuristics.
var destructiveRes = []*regexp.Regexp{
	regexp.MustCompile(`(^|[;&|]\s*)(rm|rmdir|unlink)\s`),
	regexp.MustCompile(`\btruncate\s+-s\s*0\b`),
	regexp.MustCompile(`\bgit\s+branch\s+-D\b`),
	regexp.MustCompile(`\bgit\s+checkout\s+--\s`),
	regexp.MustCompile(`\bgit\s+stash\s+drop\b`),
	regexp.MustCompile(`\b(chmod|chown)\s+(-\w*\s+)*-R\b`),
	regexp.MustCompile(`\bdrop\s+(table|database)\b`),
}

// RedirectTarget is one file a command's > redirection would overwrite.
// Exists is "yes", "no", or "unknown" (unexpandable path).
type RedirectTarget struct {
	Path   string `json:"path"`
	Exists string `json:"exists"`
}

// Assessment is the destructive-command verdict for one command.
type Assessment struct {
	Destructive     bool             `json:"destructive"`
	HighRisk        bool             `json:"highRisk"`
	Reason          string           `json:"reason"`
	RedirectTargets []RedirectTarget `json:"redirectTargets,omitempty"`
}

// Classifier decides whether a command needs user approval. The deterministic
// scan always runs; when a safety model is configured it can escalate (never
// clear) the verdict.
type Classifier struct {
	client llm.ChatClient // nil disables the LLM pass
	cwd    string
	runtimeDir string
}

// NewClassifier builds a Classifier rooted at workspaceRoot. client may be
// nil, in which case only the deterministic scan runs.
func NewClassifier(client llm.ChatClient, workspaceRoot string) *Classifier {
	return &Classifier{
		client:     client,
		cwd:        workspaceRoot,
		runtimeDir: filepath.Join(workspaceRoot, ".zace", "runtime"),
	}
}

// Assess classifies command.
//
// Expectations:
//   - High-risk patterns short-circuit to destructive regardless of targets
//   - Overwrite redirections into the runtime maintenance directory are
//     exempt, unless a high-risk pattern is also present
//   - At most 12 redirect targets are collected, each marked exists
//     yes/no/unknown
//   - The safety model may escalate a non-destructive verdict but a
//     deterministic destructive verdict is never downgraded
//   - A redirect write whose targets all land inside the runtime directory
//     never reaches the safety model
func (c *Classifier) Assess(ctx context.Context, command, cwd string) Assessment {
	if cwd == "" {
		cwd = c.cwd
	}
	a := Assessment{RedirectTargets: c.collectRedirectTargets(command, cwd)}

	for _, re := range highRiskRes {
		if re.MatchString(command) {
			a.Destructive = true
			a.HighRisk = true
			a.Reason = "matches high-risk pattern: " + re.String()
			return a
		}
	}
	for _, re := range destructiveRes {
		if re.MatchString(command) {
			a.Destructive = true
			a.Reason = "matches destructive pattern: " + re.String()
			return a
		}
	}

	// Overwrite redirections count as destructive when they clobber an
	// existing file outside the runtime directory.
	for _, rt := range a.RedirectTargets {
		if rt.Exists != "yes" {
			continue
		}
		if c.isRuntimePath(rt.Path, cwd) {
			continue
		}
		a.Destructive = true
		a.Reason = fmt.Sprintf("overwrites existing file %s", rt.Path)
		return a
	}

	// A runtime maintenance redirect write needs no second opinion: every
	// overwrite target is the agent's own runtime state.
	if len(a.RedirectTargets) > 0 && c.allRuntimeTargets(a.RedirectTargets, cwd) {
		return a
	}

	if c.client != nil {
		if esc, reason := c.safetyEscalation(ctx, command, a.RedirectTargets); esc {
			a.Destructive = true
			a.Reason = reason
		}
	}
	return a
}

func (c *Classifier) allRuntimeTargets(targets []RedirectTarget, cwd string) bool {
	for _, rt := range targets {
		if !c.isRuntimePath(rt.Path, cwd) {
			return false
		}
	}
	return true
}

func (c *Classifier) isRuntimePath(path, cwd string) bool {
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}
	rel, err := filepath.Rel(c.runtimeDir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// redirectRe finds > and >| redirections; >> appends and is not an overwrite.
var redirectRe = regexp.MustCompile(`(^|[^>])>\|?\s*([^\s;|&>]+)`)

func (c *Classifier) collectRedirectTargets(command, cwd string) []RedirectTarget {
	var out []RedirectTarget
	for _, m := range redirectRe.FindAllStringSubmatch(command, -1) {
		target := strings.Trim(m[2], `"'`)
		if target == "" || strings.HasPrefix(target, "&") {
			continue
		}
		rt := RedirectTarget{Path: target, Exists: "unknown"}
		if !strings.ContainsAny(target, "$*?~`") {
			abs := target
			if !filepath.IsAbs(abs) {
				abs = filepath.Join(cwd, abs)
			}
			if _, err := os.Stat(abs); err == nil {
				rt.Exists = "yes"
			} else if os.IsNotExist(err) {
				rt.Exists = "no"
			}
		}
		out = append(out, rt)
		if len(out) == maxRedirectTargets {
			break
		}
	}
	return out
}

const safetyPrompt = `You review shell commands before execution. Reply with a single JSON object: {"destructive": true|false, "reason": "..."}. A command is destructive if it can delete, overwrite, or irreversibly alter user data, version-control history, or system state.`

type safetyVerdict struct {
	Destructive bool   `json:"destructive"`
	Reason      string `json:"reason"`
}

// safetyEscalation asks the safety model for a second opinion. Any failure
// (transport, parse) keeps the deterministic verdict.
func (c *Classifier) safetyEscalation(ctx context.Context, command string, targets []RedirectTarget) (bool, string) {
	ctxLines := []string{"Command: " + command}
	for _, rt := range targets {
		ctxLines = append(ctxLines, fmt.Sprintf("Overwrite target: %s (exists: %s)", rt.Path, rt.Exists))
	}
	resp, err := c.client.Chat(ctx, llm.ChatRequest{
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: safetyPrompt},
			{Role: types.RoleUser, Content: strings.Join(ctxLines, "\n")},
		},
		CallKind: llm.KindSafety,
	}, nil)
	if err != nil {
		slog.Warn("[approval] safety model unavailable, keeping deterministic verdict", "error", err)
		return false, ""
	}
	var v safetyVerdict
	if jerr := json.Unmarshal([]byte(llm.StripFences(resp.Content)), &v); jerr != nil {
		return false, ""
	}
	if v.Destructive {
		return true, "safety review: " + v.Reason
	}
	return false, ""
}
