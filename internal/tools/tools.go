// Package tools defines the Executor interface consumed by the run loop and
// the default implementation dispatching to the shell and the session
// message index.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zacedev/zace/internal/session"
	"github.com/zacedev/zace/internal/types"
)

// fileChangedMarker is emitted by commands (or wrappers) to report a write.
const fileChangedMarker = "ZACE_FILE_CHANGED|"

// defaultCommandTimeout applies when the call carries no timeoutMs.
const defaultCommandTimeout = 120 * time.Second

// outputCap bounds the output attached to a tool result.
const outputCap = 64 * 1024

// Executor runs one tool call. Implementations must honor ctx cancellation
// and report it through the result's lifecycle artifacts rather than
// panicking or hanging.
type Executor interface {
	Execute(ctx context.Context, call types.ToolCall) (*types.ToolResult, error)
}

// Dispatcher is the default Executor: execute_command through bash, session
// tools through the LevelDB index.
type Dispatcher struct {
	workspaceRoot string
	indexDir      string
	sessionID     string
	index         *session.Index // the already-open index for sessionID
}

// NewDispatcher builds the default executor. index is the open index for the
// current session; other sessions' indexes are opened on demand.
func NewDispatcher(workspaceRoot, indexDir, sessionID string, index *session.Index) *Dispatcher {
	return &Dispatcher{
		workspaceRoot: workspaceRoot,
		indexDir:      indexDir,
		sessionID:     sessionID,
		index:         index,
	}
}

// Execute dispatches by tool name. Unknown tools return a failed result, not
// an error; errors are reserved for infrastructure faults.
func (d *Dispatcher) Execute(ctx context.Context, call types.ToolCall) (*types.ToolResult, error) {
	switch call.Name {
	case "execute_command":
		return d.executeCommand(ctx, call)
	case "search_session_messages":
		return d.searchSessionMessages(call)
	case "write_session_message":
		return d.writeSessionMessage(call)
	}
	return &types.ToolResult{
		Success: false,
		Error:   fmt.Sprintf("unknown tool: %s", call.Name),
	}, nil
}

// executeCommand runs the command through bash -c in the requested cwd.
//
// Expectations:
//   - ZACE_FILE_CHANGED markers in output populate changedFiles and flip
//     progressSignal to files_changed
//   - Cancellation surfaces as lifecycleEvent=abort with aborted=true
//   - timeoutMs caps the run; the default is 120 s
func (d *Dispatcher) executeCommand(ctx context.Context, call types.ToolCall) (*types.ToolResult, error) {
	command := call.StringArg("command")
	if command == "" {
		return &types.ToolResult{Success: false, Error: "execute_command: missing command"}, nil
	}
	cwd := call.StringArg("cwd")
	if cwd == "" {
		cwd = d.workspaceRoot
	} else if !filepath.IsAbs(cwd) {
		cwd = filepath.Join(d.workspaceRoot, cwd)
	}

	timeout := defaultCommandTimeout
	if raw := call.StringArg("timeoutMs"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	} else if n, ok := intArg(call, "timeoutMs"); ok && n > 0 {
		timeout = time.Duration(n) * time.Millisecond
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "bash", "-c", command)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	res := &types.ToolResult{
		Success: runErr == nil,
		Output:  capOutput(stdout.String()),
		Stderr:  capOutput(stderr.String()),
	}
	// Markers may arrive on either stream.
	changed := parseChangedFiles(res.CombinedOutput())
	res.Artifacts = &types.Artifacts{ChangedFiles: changed}
	switch {
	case len(changed) > 0:
		res.Artifacts.ProgressSignal = types.ProgressFilesChanged
	case res.Success:
		res.Artifacts.ProgressSignal = types.ProgressSuccessWithoutChanges
	default:
		res.Artifacts.ProgressSignal = types.ProgressNone
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			res.Error = "command aborted: " + ctx.Err().Error()
			res.Artifacts.LifecycleEvent = types.LifecycleAbort
			res.Artifacts.Aborted = true
		case errors.Is(cctx.Err(), context.DeadlineExceeded):
			res.Error = fmt.Sprintf("command timed out after %s", timeout)
		case errors.As(runErr, &exitErr):
			res.Error = fmt.Sprintf("exit status %d", exitErr.ExitCode())
		default:
			res.Error = runErr.Error()
		}
	}
	return res, nil
}

func intArg(call types.ToolCall, key string) (int, bool) {
	raw, ok := call.Arguments[key]
	if !ok {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

func parseChangedFiles(output string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, fileChangedMarker) {
			continue
		}
		path := strings.TrimSpace(strings.TrimPrefix(line, fileChangedMarker))
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		out = append(out, path)
	}
	return out
}

func capOutput(s string) string {
	if len(s) <= outputCap {
		return s
	}
	return s[:outputCap] + "\n[output truncated]"
}

// searchResultCap bounds content shown per matched message.
const searchResultCap = 300

func (d *Dispatcher) searchSessionMessages(call types.ToolCall) (*types.ToolResult, error) {
	sessionID := call.StringArg("sessionId")
	if sessionID == "" {
		return &types.ToolResult{Success: false, Error: "search_session_messages: missing sessionId"}, nil
	}
	ix, cleanup, err := d.resolveIndex(sessionID)
	if err != nil {
		return &types.ToolResult{Success: false, Error: err.Error()}, nil
	}
	defer cleanup()

	limit := 10
	if n, ok := intArg(call, "limit"); ok && n > 0 {
		limit = n
	}
	entries, err := ix.Search(call.StringArg("query"), limit)
	if err != nil {
		return &types.ToolResult{Success: false, Error: err.Error()}, nil
	}
	if len(entries) == 0 {
		return &types.ToolResult{Success: true, Output: "no matching messages"}, nil
	}
	var sb strings.Builder
	for i, e := range entries {
		content := e.Content
		if len(content) > searchResultCap {
			content = content[:searchResultCap] + "…"
		}
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, e.Role, content)
	}
	return &types.ToolResult{Success: true, Output: sb.String()}, nil
}

func (d *Dispatcher) writeSessionMessage(call types.ToolCall) (*types.ToolResult, error) {
	sessionID := call.StringArg("sessionId")
	content := call.StringArg("content")
	if sessionID == "" || content == "" {
		return &types.ToolResult{Success: false, Error: "write_session_message: missing sessionId or content"}, nil
	}
	ix, cleanup, err := d.resolveIndex(sessionID)
	if err != nil {
		return &types.ToolResult{Success: false, Error: err.Error()}, nil
	}
	defer cleanup()

	if err := ix.Message(types.RoleTool, content); err != nil {
		return &types.ToolResult{Success: false, Error: err.Error()}, nil
	}
	return &types.ToolResult{Success: true, Output: "message recorded"}, nil
}

// resolveIndex returns the open index for the current session, or opens a
// foreign session's index for the duration of one call.
func (d *Dispatcher) resolveIndex(sessionID string) (*session.Index, func(), error) {
	if sessionID == d.sessionID && d.index != nil {
		return d.index, func() {}, nil
	}
	ix, err := session.OpenIndex(d.indexDir, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("session %s unavailable: %w", sessionID, err)
	}
	return ix, func() { _ = ix.Close() }, nil
}
