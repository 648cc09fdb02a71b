// Package planner turns a planner LLM reply into a PlanResult. It supports
// three decode paths in order: structured schema transport, prompt-JSON with
// bounded repairs, and the legacy COMPLETE/BLOCKED/ASK_USER text prefixes.
package planner

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zacedev/zace/internal/llm"
	"github.com/zacedev/zace/internal/types"
)

// wirePlan is the JSON shape the planner is prompted (and schema-forced) to
// produce.
type wirePlan struct {
	Action              string                     `json:"action"`
	Reasoning           string                     `json:"reasoning"`
	UserMessage         string                     `json:"userMessage"`
	ToolCall            *wireToolCall              `json:"toolCall"`
	CompletionGates     []string                   `json:"completionGates"`
	CompletionGatesNone bool                       `json:"completionGatesNone"`
}

// wireToolCall optionally carries retryMaxAttempts/retryMaxDelayMs, letting
// the planner lower (never raise) the configured transient-retry budget for
// this one execute_command call.
type wireToolCall struct {
	Name             string                     `json:"name"`
	Arguments        map[string]json.RawMessage `json:"arguments"`
	RetryMaxAttempts *int                       `json:"retryMaxAttempts"`
	RetryMaxDelayMs  *int                       `json:"retryMaxDelayMs"`
}

// ValidationError reports a planner tool call that violates its tool schema.
// The loop treats it as non-fatal: the step is recorded and the violation is
// fed back to the planner.
type ValidationError struct {
	Tool   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("planner: tool call %q invalid: %s", e.Tool, e.Reason)
}

// validateToolCall enforces the per-tool argument schema at the parse
// boundary. Unknown tools pass through; the executor rejects them later.
func validateToolCall(tc *wireToolCall) error {
	if tc == nil {
		return nil
	}
	switch tc.Name {
	case "execute_command":
		if strArg(tc.Arguments, "command") == "" {
			return &ValidationError{Tool: tc.Name, Reason: "missing required argument: command"}
		}
	case "search_session_messages":
		if strArg(tc.Arguments, "sessionId") == "" {
			return &ValidationError{Tool: tc.Name, Reason: "missing required argument: sessionId"}
		}
	case "write_session_message":
		if strArg(tc.Arguments, "sessionId") == "" {
			return &ValidationError{Tool: tc.Name, Reason: "missing required argument: sessionId"}
		}
		if strArg(tc.Arguments, "content") == "" {
			return &ValidationError{Tool: tc.Name, Reason: "missing required argument: content"}
		}
	}
	return nil
}

func strArg(args map[string]json.RawMessage, key string) string {
	raw, ok := args[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// parseState accumulates counters across decode attempts for one reply.
type parseState struct {
	attempts   int
	rawInvalid int
	repairs    int
}

// parseStructured accepts a transport-provided structured object
// (parseMode schema_transport). Tool-call schema violations surface as
// *ValidationError with the partially-filled result.
func parseStructured(structured json.RawMessage, st *parseState) (*types.PlanResult, error) {
	st.attempts++
	var wp wirePlan
	if err := json.Unmarshal(structured, &wp); err != nil {
		st.rawInvalid++
		return nil, fmt.Errorf("planner: structured payload: %w", err)
	}
	return fromWire(wp, types.ParseSchemaTransport, st)
}

// parseText decodes a free-text planner reply: legacy prefixes first, then
// a JSON payload with up to maxRepairs repairs.
func parseText(raw string, maxRepairs int, st *parseState) (*types.PlanResult, error) {
	text := llm.StripFences(raw)

	if pr, ok := parseLegacy(text, st); ok {
		return pr, nil
	}

	payload, ok := extractJSONObject(text)
	if !ok {
		st.attempts++
		st.rawInvalid++
		return nil, fmt.Errorf("planner: no JSON payload or legacy prefix in reply")
	}

	st.attempts++
	var wp wirePlan
	if err := json.Unmarshal([]byte(payload), &wp); err == nil && wp.Action != "" {
		return fromWire(wp, types.ParseJSONStrict, st)
	}
	st.rawInvalid++

	repaired := payload
	for i := 0; i < maxRepairs; i++ {
		next, changed := repairJSON(repaired, i)
		if !changed {
			continue
		}
		repaired = next
		st.attempts++
		st.repairs++
		var wp wirePlan
		if err := json.Unmarshal([]byte(repaired), &wp); err == nil && wp.Action != "" {
			return fromWire(wp, types.ParseRepairJSON, st)
		}
		st.rawInvalid++
	}
	return nil, fmt.Errorf("planner: JSON payload unparseable after %d repair(s)", st.repairs)
}

func fromWire(wp wirePlan, mode types.ParseMode, st *parseState) (*types.PlanResult, error) {
	pr := &types.PlanResult{
		Reasoning:                   wp.Reasoning,
		UserMessage:                 wp.UserMessage,
		CompletionGateCommands:      wp.CompletionGates,
		CompletionGatesDeclaredNone: wp.CompletionGatesNone,
		ParseMode:                   mode,
		ParseAttempts:               st.attempts,
		RawInvalidCount:             st.rawInvalid,
	}
	switch wp.Action {
	case "continue":
		pr.Action = types.ActionContinue
	case "complete":
		pr.Action = types.ActionComplete
	case "blocked":
		pr.Action = types.ActionBlocked
	case "ask_user":
		pr.Action = types.ActionAskUser
	default:
		st.rawInvalid++
		return nil, fmt.Errorf("planner: unknown action %q", wp.Action)
	}
	if wp.ToolCall != nil {
		// The call stays on the result even when invalid so the loop can
		// track its signature without executing it.
		pr.ToolCall = &types.ToolCall{Name: wp.ToolCall.Name, Arguments: wp.ToolCall.Arguments}
		pr.RetryMaxAttempts = wp.ToolCall.RetryMaxAttempts
		pr.RetryMaxDelayMs = wp.ToolCall.RetryMaxDelayMs
		if err := validateToolCall(wp.ToolCall); err != nil {
			return pr, err
		}
	}
	return pr, nil
}

// parseLegacy handles the COMPLETE:/BLOCKED:/ASK_USER: text protocol. For
// COMPLETE, trailing lines may carry "GATES: <c1>;;<c2>" or "GATES: none".
func parseLegacy(text string, st *parseState) (*types.PlanResult, bool) {
	trimmed := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(trimmed, "COMPLETE:"):
		st.attempts++
		body := strings.TrimSpace(strings.TrimPrefix(trimmed, "COMPLETE:"))
		pr := &types.PlanResult{
			Action:          types.ActionComplete,
			ParseMode:       types.ParseLegacy,
			ParseAttempts:   st.attempts,
			RawInvalidCount: st.rawInvalid,
		}
		lines := strings.Split(body, "\n")
		var msg []string
		for _, line := range lines {
			l := strings.TrimSpace(line)
			if strings.HasPrefix(l, "GATES:") {
				spec := strings.TrimSpace(strings.TrimPrefix(l, "GATES:"))
				if strings.EqualFold(spec, "none") {
					pr.CompletionGatesDeclaredNone = true
					continue
				}
				for _, c := range strings.Split(spec, ";;") {
					if c = strings.TrimSpace(c); c != "" {
						pr.CompletionGateCommands = append(pr.CompletionGateCommands, c)
					}
				}
				continue
			}
			msg = append(msg, line)
		}
		pr.UserMessage = strings.TrimSpace(strings.Join(msg, "\n"))
		pr.Reasoning = pr.UserMessage
		return pr, true

	case strings.HasPrefix(trimmed, "BLOCKED:"):
		st.attempts++
		body := strings.TrimSpace(strings.TrimPrefix(trimmed, "BLOCKED:"))
		return &types.PlanResult{
			Action:          types.ActionBlocked,
			Reasoning:       body,
			UserMessage:     body,
			ParseMode:       types.ParseLegacy,
			ParseAttempts:   st.attempts,
			RawInvalidCount: st.rawInvalid,
		}, true

	case strings.HasPrefix(trimmed, "ASK_USER:"):
		st.attempts++
		body := strings.TrimSpace(strings.TrimPrefix(trimmed, "ASK_USER:"))
		return &types.PlanResult{
			Action:          types.ActionAskUser,
			Reasoning:       body,
			UserMessage:     body,
			ParseMode:       types.ParseLegacy,
			ParseAttempts:   st.attempts,
			RawInvalidCount: st.rawInvalid,
		}, true
	}
	return nil, false
}

// extractJSONObject returns the first balanced {...} span in text, tracking
// strings so braces inside quoted values don't confuse the scan. When the
// object never closes, the unbalanced tail is returned so the repair pass
// can truncate it.
func extractJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	if start == -1 {
		return "", false
	}
	depth := 0
	inStr := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return text[start:], true
}

// repairJSON applies one bounded repair per round: round 0 strips trailing
// commas, round 1 truncates to the longest balanced-brace prefix and closes
// any remainder.
func repairJSON(payload string, round int) (string, bool) {
	switch round {
	case 0:
		out := removeTrailingCommas(payload)
		return out, out != payload
	case 1:
		out := balanceBraces(payload)
		return out, out != payload
	}
	return payload, false
}

func removeTrailingCommas(s string) string {
	var sb strings.Builder
	inStr := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			sb.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		if c == '"' {
			inStr = true
			sb.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // drop the comma
			}
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// balanceBraces truncates s at the last scan position where all opened
// braces/brackets were closed; if none, it appends the missing closers.
func balanceBraces(s string) string {
	depth := 0
	inStr := false
	escaped := false
	lastBalanced := -1
	var stack []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{', '[':
			depth++
			stack = append(stack, c)
		case '}', ']':
			depth--
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if depth == 0 {
				lastBalanced = i
			}
		}
	}
	if lastBalanced >= 0 {
		return s[:lastBalanced+1]
	}
	// Never balanced: close what is open, dropping a dangling partial value.
	out := strings.TrimRight(s, " \t\r\n,")
	if inStr {
		out += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			out += "}"
		} else {
			out += "]"
		}
	}
	return out
}

// writeInvalidArtifact captures an unparseable planner reply under
// dir/invalid-<timestamp>.txt, bounded to maxChars. Returns the artifact
// path, or "" when the write fails.
func writeInvalidArtifact(dir, raw string, maxChars int) string {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("[planner] could not create artifact dir", "dir", dir, "error", err)
		return ""
	}
	if maxChars > 0 && len(raw) > maxChars {
		raw = raw[:maxChars]
	}
	path := filepath.Join(dir, fmt.Sprintf("invalid-%d.txt", time.Now().UnixNano()))
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		slog.Error("[planner] could not write invalid artifact", "path", path, "error", err)
		return ""
	}
	return path
}
