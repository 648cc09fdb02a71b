package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zacedev/zace/internal/config"
	"github.com/zacedev/zace/internal/llm"
	"github.com/zacedev/zace/internal/types"
)

// transientMarkers are error-text fragments that indicate a failure worth
// retrying without any code change.
var transientMarkers = []string{
	"timed out",
	"timeout",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"temporary failure",
	"rate limit",
	"429",
}

// permanentMarkers indicate deterministic failures a retry cannot fix.
var permanentMarkers = []string{
	"exit status",
	"command not found",
	"no such file",
	"permission denied",
	"syntax error",
}

// Classify buckets a failed tool result for the retry policy. An explicit
// retryCategory artifact from the executor wins; otherwise the error text
// decides. Only transient permits a retry.
func Classify(res *types.ToolResult) types.RetryCategory {
	if res == nil || res.Success {
		return types.RetryUnknown
	}
	if res.Artifacts != nil && res.Artifacts.RetryCategory != "" {
		return res.Artifacts.RetryCategory
	}
	text := strings.ToLower(res.Error)
	for _, m := range transientMarkers {
		if strings.Contains(text, m) {
			return types.RetryTransient
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(text, m) {
			return types.RetryPermanent
		}
	}
	return types.RetryUnknown
}

// analysisOutcome is the executor-analysis model's reply.
type analysisOutcome struct {
	Analysis     string `json:"analysis"`
	ShouldRetry  bool   `json:"shouldRetry"`
	RetryDelayMs int    `json:"retryDelayMs"`
}

// analyze asks the executor-analysis model to review one tool outcome. On a
// failure the reply also decides whether a retry is worthwhile. Returns nil
// when the model is unavailable or unparseable; the caller then falls back to
// the deterministic classification alone.
func (l *Loop) analyze(ctx context.Context, call types.ToolCall, res *types.ToolResult) *analysisOutcome {
	if l.client == nil {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("Tool: " + call.Name + "\n")
	if cmd := call.StringArg("command"); cmd != "" {
		sb.WriteString("Command: " + cmd + "\n")
	}
	fmt.Fprintf(&sb, "Success: %t\n", res.Success)
	if res.Error != "" {
		sb.WriteString("Error: " + res.Error + "\n")
	}
	if out := strings.TrimSpace(res.Output); out != "" {
		if len(out) > 1000 {
			out = out[:1000]
		}
		sb.WriteString("Output:\n" + out + "\n")
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		if len(errOut) > 1000 {
			errOut = errOut[:1000]
		}
		sb.WriteString("Stderr:\n" + errOut + "\n")
	}
	resp, err := l.client.Chat(ctx, llm.ChatRequest{
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: analysisPrompt},
			{Role: types.RoleUser, Content: sb.String()},
		},
		CallKind: llm.KindExecutor,
	}, nil)
	if err != nil {
		slog.Warn("[loop] executor analysis unavailable", "error", err)
		return nil
	}
	l.journal.RecordUsage("executor", resp.Usage)
	var out analysisOutcome
	if err := json.Unmarshal([]byte(llm.StripFences(resp.Content)), &out); err != nil {
		slog.Warn("[loop] executor analysis unparseable", "error", err)
		return nil
	}
	return &out
}

// analysisEnabled applies the executorAnalysis policy for one attempt.
func (l *Loop) analysisEnabled(success bool) bool {
	switch l.cfg.ExecutorAnalysis {
	case config.AnalysisAlways:
		return true
	case config.AnalysisOnFailure:
		return !success
	}
	return false
}
