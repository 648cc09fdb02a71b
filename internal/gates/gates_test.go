package gates

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zacedev/zace/internal/types"
)

func TestFromCommands_LabelsAndSkipsBlank(t *testing.T) {
	p := FromCommands("planner", []string{"go vet ./...", "  ", "go test ./..."}, types.GateSourcePlanner)
	require.Len(t, p.Gates, 2)
	assert.Equal(t, "planner:1", p.Gates[0].Label)
	assert.Equal(t, "planner:2", p.Gates[1].Label)
	assert.Equal(t, "go test ./...", p.Gates[1].Command)
}

func TestResolveTaskPlan_ExtractsVerifyLines(t *testing.T) {
	task := "Fix the bug in parser.go\nverify: go test ./internal/...\nVerify: go vet ./..."
	p := ResolveTaskPlan(task)
	require.Len(t, p.Gates, 2)
	assert.Equal(t, "task:1", p.Gates[0].Label)
	assert.Equal(t, "go test ./internal/...", p.Gates[0].Command)
	assert.Equal(t, "go vet ./...", p.Gates[1].Command)
}

func TestMerge_OrderedDedupByCommand(t *testing.T) {
	task := FromCommands("task", []string{"go test ./..."}, types.GateSourceTask)
	planner := FromCommands("planner", []string{"go vet ./...", "go test ./..."}, types.GateSourcePlanner)
	auto := types.CompletionPlan{Source: types.GateSourceAutoDiscovered, Gates: []types.CompletionGate{
		{Label: "auto:lint", Command: "go vet ./..."},
		{Label: "auto:test", Command: "make test"},
	}}

	merged := Merge(task, planner, auto)
	require.Len(t, merged.Gates, 3)
	// First insertion keeps its label; later duplicates are dropped
	assert.Equal(t, "task:1", merged.Gates[0].Label)
	assert.Equal(t, "planner:1", merged.Gates[1].Label)
	assert.Equal(t, "auto:test", merged.Gates[2].Label)
	assert.Equal(t, types.GateSourceMerged, merged.Source)
}

func TestMerge_SingleSourceKeepsItsSource(t *testing.T) {
	planner := FromCommands("planner", []string{"go test ./..."}, types.GateSourcePlanner)
	merged := Merge(types.CompletionPlan{Source: types.GateSourceTask}, planner)
	assert.Equal(t, types.GateSourcePlanner, merged.Source)
}

func TestDetectMasked(t *testing.T) {
	gs := []types.CompletionGate{
		{Label: "planner:1", Command: "go test ./..."},
		{Label: "planner:2", Command: "echo ok || true"},
		{Label: "planner:3", Command: "lint ; true"},
	}
	g, reason, masked := DetectMasked(gs)
	require.True(t, masked)
	// Ordered scan returns the first offender
	assert.Equal(t, "planner:2", g.Label)
	assert.Contains(t, reason, "masked")

	_, _, masked = DetectMasked(gs[:1])
	assert.False(t, masked)
}

func TestDiscover_PackageJSONWithBunLock(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"),
		[]byte(`{"scripts":{"lint":"eslint .","test":"vitest run"}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bun.lock"), []byte(""), 0o644))

	gs := Discover(dir)
	require.Len(t, gs, 2)
	assert.Equal(t, types.CompletionGate{Label: "auto:lint", Command: "bun run lint"}, gs[0])
	assert.Equal(t, types.CompletionGate{Label: "auto:test", Command: "bun test"}, gs[1])
}

func TestDiscover_GoMod(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644))
	gs := Discover(dir)
	require.Len(t, gs, 2)
	assert.Equal(t, "go vet ./...", gs[0].Command)
	assert.Equal(t, "go test ./...", gs[1].Command)
}

func TestDiscover_MakefileFallbackOnly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Makefile"),
		[]byte("lint:\n\techo l\ntest:\n\techo t\n"), 0o644))
	gs := Discover(dir)
	require.Len(t, gs, 2)
	assert.Equal(t, "make lint", gs[0].Command)

	// With go.mod present the Makefile is ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644))
	gs = Discover(dir)
	require.Len(t, gs, 2)
	assert.Equal(t, "go vet ./...", gs[0].Command)
}

func TestDiscover_EmptyDir(t *testing.T) {
	assert.Empty(t, Discover(t.TempDir()))
}

func TestIsValidationCommand(t *testing.T) {
	for _, cmd := range []string{
		"go test ./...", "go vet ./pkg", "npm run lint", "bun test",
		"pytest -x", "cargo clippy", "make test", "npx tsc --noEmit",
	} {
		assert.True(t, IsValidationCommand(cmd), cmd)
	}
	for _, cmd := range []string{"ls -la", "cat main.go", "git status"} {
		assert.False(t, IsValidationCommand(cmd), cmd)
	}
}

func TestFresh(t *testing.T) {
	assert.True(t, Fresh(0, 0), "no write is always fresh")
	assert.False(t, Fresh(3, 2), "validation predates the write")
	assert.True(t, Fresh(3, 3))
	assert.True(t, Fresh(3, 5))
}

func TestEvaluate_CollectsFailuresWithPreview(t *testing.T) {
	gs := []types.CompletionGate{
		{Label: "auto:lint", Command: "lint"},
		{Label: "auto:test", Command: "test"},
	}
	run := func(_ context.Context, command, _ string) (*types.ToolResult, error) {
		if command == "lint" {
			return &types.ToolResult{Success: false, Output: "3 problems found"}, nil
		}
		return &types.ToolResult{Success: true, Output: "ok"}, nil
	}
	failures := Evaluate(context.Background(), gs, "/ws", run)
	require.Len(t, failures, 1)
	assert.Equal(t, "auto:lint failed (lint): 3 problems found", failures[0].Message)
	assert.Equal(t, "auto:lint failed (lint): 3 problems found", FailureMessage(failures))
}

func TestEvaluate_StopsOnApprovalDenial(t *testing.T) {
	gs := []types.CompletionGate{
		{Label: "planner:1", Command: "rm -rf cache && test"},
		{Label: "planner:2", Command: "test"},
	}
	var ran []string
	run := func(_ context.Context, command, _ string) (*types.ToolResult, error) {
		ran = append(ran, command)
		if command == gs[0].Command {
			return nil, ErrApprovalDenied
		}
		return &types.ToolResult{Success: true}, nil
	}
	failures := Evaluate(context.Background(), gs, "/ws", run)
	require.Len(t, failures, 1)
	assert.True(t, failures[0].Denied)
	assert.Len(t, ran, 1, "denial stops the gate run")
}

func TestEvaluate_TruncatesLongOutput(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'e'
	}
	gs := []types.CompletionGate{{Label: "auto:test", Command: "t"}}
	run := func(_ context.Context, _, _ string) (*types.ToolResult, error) {
		return &types.ToolResult{Success: false, Output: string(long)}, nil
	}
	failures := Evaluate(context.Background(), gs, "/ws", run)
	require.Len(t, failures, 1)
	// label + command wrapper + 180-char preview
	assert.Contains(t, failures[0].Message, string(long[:180]))
	assert.NotContains(t, failures[0].Message, string(long[:181]))
}
