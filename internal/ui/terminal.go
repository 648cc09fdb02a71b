// Package ui renders run progress to a terminal. It implements
// events.Observer; all output is width-truncated so streaming tool output
// never wraps into an unreadable wall.
package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mattn/go-runewidth"

	"github.com/zacedev/zace/internal/types"
)

const defaultWidth = 100

// Terminal is a line-oriented observer for interactive runs.
type Terminal struct {
	mu        sync.Mutex
	w         io.Writer
	width     int
	streaming bool
}

// NewTerminal writes to w, truncating lines to width columns (defaultWidth
// when width <= 0).
func NewTerminal(w io.Writer, width int) *Terminal {
	if width <= 0 {
		width = defaultWidth
	}
	return &Terminal{w: w, width: width}
}

// line prints one truncated line, closing any open token stream first.
func (t *Terminal) line(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streaming {
		fmt.Fprintln(t.w)
		t.streaming = false
	}
	s := fmt.Sprintf(format, args...)
	s = strings.ReplaceAll(s, "\n", " ")
	fmt.Fprintln(t.w, runewidth.Truncate(s, t.width, "…"))
}

// OnRunEvent prints the user-relevant subset of run events.
func (t *Terminal) OnRunEvent(ev types.RunEvent) {
	switch ev.Event {
	case types.EventRunStarted:
		t.line("▶ run started")
	case types.EventPlanStarted:
		t.line("· step %d: planning", ev.Step)
	case types.EventApprovalRequested:
		t.line("⚠ approval requested")
	case types.EventLoopGuardTriggered:
		t.line("⚠ loop guard triggered")
	case types.EventStagnationGuard, types.EventReadonlyStagnationGuard:
		t.line("⚠ stagnation detected")
	case types.EventWriteRegression:
		t.line("⚠ diagnostics regressed after write")
	case types.EventCompletionGateFailed:
		t.line("✗ completion gate failed: %v", ev.Payload["message"])
	case types.EventCompletionBlocked:
		t.line("✗ completion blocked: %v", ev.Payload["reason"])
	case types.EventCompactionApplied:
		t.line("· context compacted")
	case types.EventLspBootstrapRequired:
		t.line("· lsp bootstrap required")
	case types.EventLspProbeSucceeded:
		t.line("· lsp diagnostics ready")
	case types.EventFinalStateSet:
		t.line("■ final state: %v", ev.Payload["finalState"])
	}
}

// OnPlannerToken streams planner tokens inline.
func (t *Terminal) OnPlannerToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streaming = true
	fmt.Fprint(t.w, token)
}

// OnToolCall announces the command (or tool) about to run.
func (t *Terminal) OnToolCall(step int, call types.ToolCall) {
	if cmd := call.StringArg("command"); cmd != "" {
		t.line("  $ %s", cmd)
		return
	}
	t.line("  → %s", call.Name)
}

// OnToolResult prints a one-line outcome with a bounded output excerpt.
func (t *Terminal) OnToolResult(_ int, res *types.ToolResult) {
	if res == nil {
		return
	}
	if res.Success {
		out := strings.TrimSpace(res.CombinedOutput())
		if out == "" {
			t.line("  ✓ ok")
			return
		}
		t.line("  ✓ %s", out)
		return
	}
	t.line("  ✗ %s", res.Error)
}

// OnError prints a step-scoped error.
func (t *Terminal) OnError(step int, err error) {
	t.line("  ! step %d: %v", step, err)
}
