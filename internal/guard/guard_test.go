package guard

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zacedev/zace/internal/types"
)

func TestDoomLoop_TrailingSuffixAtThreshold(t *testing.T) {
	history := []string{"a", "b", "sig", "sig", "sig"}
	assert.True(t, DoomLoop(history, "sig", 3))
	assert.False(t, DoomLoop(history, "sig", 4))
	assert.False(t, DoomLoop(history, "other", 3))
	// A non-matching entry breaks the trailing run
	assert.False(t, DoomLoop([]string{"sig", "b", "sig", "sig"}, "sig", 3))
}

func TestDoomLoop_MinimumThresholdIsTwo(t *testing.T) {
	history := []string{"sig", "sig"}
	assert.True(t, DoomLoop(history, "sig", 0))
	assert.False(t, DoomLoop([]string{"sig"}, "sig", 1))
}

func TestRepetition_TriggersAtThree(t *testing.T) {
	var r Repetition
	assert.False(t, r.Observe("s"))
	assert.False(t, r.Observe("s"))
	assert.True(t, r.Observe("s"))
}

func TestRepetition_ResetOnDifferentSignature(t *testing.T) {
	var r Repetition
	r.Observe("s")
	r.Observe("s")
	assert.False(t, r.Observe("t"))
	assert.Equal(t, 1, r.Count())
}

func stepWith(success bool, signal types.ProgressSignal) types.AgentStep {
	return types.AgentStep{ToolResult: &types.ToolResult{
		Success:   success,
		Artifacts: &types.Artifacts{ProgressSignal: signal},
	}}
}

func TestStagnant_RequiresFullWindow(t *testing.T) {
	steps := []types.AgentStep{stepWith(false, types.ProgressNone)}
	stag, _ := Stagnant(steps, 3)
	assert.False(t, stag)
}

func TestStagnant_AllFailed(t *testing.T) {
	steps := []types.AgentStep{
		stepWith(false, types.ProgressNone),
		stepWith(false, types.ProgressNone),
		stepWith(false, types.ProgressNone),
	}
	stag, reason := Stagnant(steps, 3)
	assert.True(t, stag)
	assert.Equal(t, "failures without progress", reason)
}

func TestStagnant_SuccessWithoutProgress(t *testing.T) {
	steps := []types.AgentStep{
		stepWith(true, types.ProgressSuccessWithoutChanges),
		stepWith(true, types.ProgressNone),
		stepWith(true, types.ProgressSuccessWithoutChanges),
	}
	stag, reason := Stagnant(steps, 3)
	assert.True(t, stag)
	assert.Equal(t, "success without observable progress", reason)
}

func TestStagnant_AnyFilesChangedClears(t *testing.T) {
	steps := []types.AgentStep{
		stepWith(false, types.ProgressNone),
		stepWith(true, types.ProgressFilesChanged),
		stepWith(false, types.ProgressNone),
	}
	stag, _ := Stagnant(steps, 3)
	assert.False(t, stag)
}

func TestStagnant_MixedOutcomesNotStagnant(t *testing.T) {
	steps := []types.AgentStep{
		stepWith(false, types.ProgressNone),
		stepWith(true, types.ProgressNone),
		stepWith(false, types.ProgressNone),
	}
	stag, _ := Stagnant(steps, 3)
	assert.False(t, stag)
}

func TestIsReadonlyInspection(t *testing.T) {
	for _, cmd := range []string{
		"cat main.go", "ls -la src", "wc -l *.go", "head -20 x",
		"tail -f log", "rg pattern", "grep -r x .", "git diff",
		"git status --short", "stat file", "FOO=1 cat x",
	} {
		assert.True(t, IsReadonlyInspection(cmd), cmd)
	}
	for _, cmd := range []string{
		"go test ./...", "rm -rf x", "echo hi > f", "git push", "catalog run",
	} {
		assert.False(t, IsReadonlyInspection(cmd), cmd)
	}
}

func readonlyStep(command string, changed ...string) types.AgentStep {
	args := map[string]json.RawMessage{"command": json.RawMessage(`"` + command + `"`)}
	return types.AgentStep{
		ToolCall:   &types.ToolCall{Name: "execute_command", Arguments: args},
		ToolResult: &types.ToolResult{Success: true, Artifacts: &types.Artifacts{ChangedFiles: changed}},
	}
}

func TestReadonlyStagnant(t *testing.T) {
	steps := []types.AgentStep{
		readonlyStep("cat a.go"),
		readonlyStep("git status"),
		readonlyStep("ls src"),
		readonlyStep("grep -r TODO ."),
	}
	// Write at step 2, now at step 8, no validation since
	assert.True(t, ReadonlyStagnant(steps, 4, 2, 8, 0))
	// Validation after the write clears the guard
	assert.False(t, ReadonlyStagnant(steps, 4, 2, 8, 3))
	// No write yet
	assert.False(t, ReadonlyStagnant(steps, 4, 0, 8, 0))
	// A non-readonly command in the window clears the guard
	mixed := append(steps[:3:3], types.AgentStep{
		ToolCall:   &types.ToolCall{Name: "execute_command", Arguments: map[string]json.RawMessage{"command": json.RawMessage(`"go test ./..."`)}},
		ToolResult: &types.ToolResult{Success: true},
	})
	assert.False(t, ReadonlyStagnant(mixed, 4, 2, 8, 0))
}

func intp(n int) *int { return &n }

func TestWriteRegression_SpikeAnnotates(t *testing.T) {
	res := &types.ToolResult{Success: true, Artifacts: &types.Artifacts{
		ChangedFiles:  []string{"a.go"},
		LspErrorCount: intp(9),
	}}
	detected, reason := WriteRegression(res, intp(2), 5)
	assert.True(t, detected)
	assert.Contains(t, reason, "from 2 to 9")
	assert.True(t, res.Artifacts.WriteRegressionDetected)
	assert.Equal(t, reason, res.Artifacts.WriteRegressionReason)
}

func TestWriteRegression_BelowSpikeOrNoBaseline(t *testing.T) {
	res := &types.ToolResult{Success: true, Artifacts: &types.Artifacts{
		ChangedFiles:  []string{"a.go"},
		LspErrorCount: intp(5),
	}}
	detected, _ := WriteRegression(res, intp(2), 5)
	assert.False(t, detected, "+3 is below a spike of 5")
	detected, _ = WriteRegression(res, nil, 5)
	assert.False(t, detected, "first write has no baseline")

	// No changed files: not a write
	res2 := &types.ToolResult{Artifacts: &types.Artifacts{LspErrorCount: intp(50)}}
	detected, _ = WriteRegression(res2, intp(0), 5)
	assert.False(t, detected)
}
