// Package guard holds the run-loop guardrails: pre-execution doom-loop
// detection, post-execution repetition, stagnation windows, read-only
// inspection stagnation, and the write-regression error-spike check.
package guard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/zacedev/zace/internal/types"
)

// repetitionLimit is how many identical consecutive loop signatures end the
// run.
const repetitionLimit = 3

// DoomLoop reports whether executing planned would extend a trailing run of
// identical canonical signatures to at least threshold (minimum 2).
func DoomLoop(history []string, planned string, threshold int) bool {
	if threshold < 2 {
		threshold = 2
	}
	trailing := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] != planned {
			break
		}
		trailing++
	}
	return trailing >= threshold
}

// Repetition tracks consecutive identical post-execution loop signatures.
type Repetition struct {
	last  string
	count int
}

// Observe records one loop signature and reports whether the repetition
// limit is reached.
func (r *Repetition) Observe(loopSignature string) bool {
	if loopSignature == r.last {
		r.count++
	} else {
		r.last = loopSignature
		r.count = 1
	}
	return r.count >= repetitionLimit
}

// Count returns the current consecutive-repeat count.
func (r *Repetition) Count() int { return r.count }

// toolBearing returns the last n steps carrying a tool result, oldest first.
// Returns nil when fewer than n exist.
func toolBearing(steps []types.AgentStep, n int) []types.AgentStep {
	var out []types.AgentStep
	for i := len(steps) - 1; i >= 0 && len(out) < n; i-- {
		if steps[i].ToolResult != nil {
			out = append(out, steps[i])
		}
	}
	if len(out) < n {
		return nil
	}
	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Stagnant evaluates the stagnation window over the last window tool-bearing
// steps.
//
// Expectations:
//   - Fewer than window tool-bearing steps: not stagnant
//   - Any step with progressSignal files_changed: not stagnant
//   - All steps failed: stagnant, "failures without progress"
//   - All steps succeeded without observable changes: stagnant, "success
//     without observable progress"
//   - Mixed success/failure without progress: not stagnant
func Stagnant(steps []types.AgentStep, window int) (bool, string) {
	recent := toolBearing(steps, window)
	if recent == nil {
		return false, ""
	}
	allFailed := true
	allIdleSuccess := true
	for _, s := range recent {
		res := s.ToolResult
		if res.Artifacts != nil && res.Artifacts.ProgressSignal == types.ProgressFilesChanged {
			return false, ""
		}
		if res.Success {
			allFailed = false
		} else {
			allIdleSuccess = false
		}
	}
	if allFailed {
		return true, "failures without progress"
	}
	if allIdleSuccess {
		return true, "success without observable progress"
	}
	return false, ""
}

// readonlyCommandRe matches the leading inspection tools after optional
// KEY=value environment assignments.
var readonlyCommandRe = regexp.MustCompile(`^(\w+=\S*\s+)*(cat|ls|wc|head|tail|rg|grep|stat|git\s+(diff|status))(\s|$)`)

// IsReadonlyInspection reports whether command is a read-only inspection.
func IsReadonlyInspection(command string) bool {
	return readonlyCommandRe.MatchString(strings.TrimSpace(command))
}

// ReadonlyStagnant reports whether the agent has been re-reading the
// workspace instead of validating a completed write.
//
// Expectations:
//   - Requires a past write (lastWriteStep set and before currentStep) and
//     no successful validation since that write
//   - The last window tool-bearing steps must all be successful read-only
//     inspections with no changed files
func ReadonlyStagnant(steps []types.AgentStep, window, lastWriteStep, currentStep, lastValidationStep int) bool {
	if lastWriteStep == 0 || lastWriteStep >= currentStep {
		return false
	}
	if lastValidationStep >= lastWriteStep {
		return false
	}
	recent := toolBearing(steps, window)
	if recent == nil {
		return false
	}
	for _, s := range recent {
		if s.ToolCall == nil || s.ToolCall.Name != "execute_command" {
			return false
		}
		if !IsReadonlyInspection(s.ToolCall.StringArg("command")) {
			return false
		}
		res := s.ToolResult
		if !res.Success {
			return false
		}
		if res.Artifacts != nil && len(res.Artifacts.ChangedFiles) > 0 {
			return false
		}
	}
	return true
}

// WriteRegression checks a write result against the diagnostic error count
// of the previous write. prev is nil when no prior write carried a count.
// When the count jumps by at least spike, the result's artifacts are
// annotated in place and a reason is returned. The run does not terminate on
// a regression; the caller records the note and event.
func WriteRegression(res *types.ToolResult, prev *int, spike int) (bool, string) {
	if res == nil || res.Artifacts == nil || spike <= 0 {
		return false, ""
	}
	a := res.Artifacts
	if len(a.ChangedFiles) == 0 || a.LspErrorCount == nil || prev == nil {
		return false, ""
	}
	delta := *a.LspErrorCount - *prev
	if delta < spike {
		return false, ""
	}
	reason := fmt.Sprintf("diagnostic errors rose from %d to %d (+%d) after this write", *prev, *a.LspErrorCount, delta)
	a.WriteRegressionDetected = true
	a.WriteRegressionReason = reason
	return true, reason
}
