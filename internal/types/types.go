// Package types holds the shared data model for the agent runtime. All
// inter-package values are plain structs with JSON tags so they can flow
// unchanged into the session journal.
package types

import (
	"encoding/json"
	"strings"
)

// AgentState is the lifecycle state of a single step (and, for the latest
// step, of the run as a whole).
type AgentState string

const (
	StatePlanning       AgentState = "planning"
	StateExecuting      AgentState = "executing"
	StateCompleted      AgentState = "completed"
	StateBlocked        AgentState = "blocked"
	StateError          AgentState = "error"
	StateWaitingForUser AgentState = "waiting_for_user"
	StateInterrupted    AgentState = "interrupted"
)

// Terminal reports whether s ends the run.
// waiting_for_user is terminal for one invocation but resumable.
func (s AgentState) Terminal() bool {
	switch s {
	case StateCompleted, StateBlocked, StateError, StateWaitingForUser, StateInterrupted:
		return true
	}
	return false
}

// ToolCall is a planner-requested tool invocation. Arguments stay an open
// mapping; per-tool validation happens at the schema boundary before
// execution.
type ToolCall struct {
	Name      string                     `json:"name"`
	Arguments map[string]json.RawMessage `json:"arguments"`
}

// StringArg returns the string value of an argument, or "" when absent or
// not a JSON string.
func (tc ToolCall) StringArg(key string) string {
	raw, ok := tc.Arguments[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// ProgressSignal classifies what a tool execution observably changed.
type ProgressSignal string

const (
	ProgressFilesChanged          ProgressSignal = "files_changed"
	ProgressSuccessWithoutChanges ProgressSignal = "success_without_changes"
	ProgressNone                  ProgressSignal = "none"
)

// LspStatus is the diagnostics outcome attached to a tool result.
type LspStatus string

const (
	LspStatusDiagnostics       LspStatus = "diagnostics"
	LspStatusNoErrors          LspStatus = "no_errors"
	LspStatusNoActiveServer    LspStatus = "no_active_server"
	LspStatusFailed            LspStatus = "failed"
	LspStatusNoApplicableFiles LspStatus = "no_applicable_files"
	LspStatusNoChangedFiles    LspStatus = "no_changed_files"
	LspStatusDisabled          LspStatus = "disabled"
)

// LifecycleEvent marks executor-observed lifecycle transitions.
type LifecycleEvent string

const (
	LifecycleNone  LifecycleEvent = "none"
	LifecycleAbort LifecycleEvent = "abort"
)

// RetryCategory classifies a tool failure for retry policy.
type RetryCategory string

const (
	RetryTransient RetryCategory = "transient"
	RetryPermanent RetryCategory = "permanent"
	RetryUnknown   RetryCategory = "unknown"
)

// Artifacts carries the recognized structured fields a tool execution can
// attach to its result. Unknown artifact keys are dropped at the executor
// boundary.
type Artifacts struct {
	ChangedFiles            []string       `json:"changedFiles,omitempty"`
	ProgressSignal          ProgressSignal `json:"progressSignal,omitempty"`
	LspStatus               LspStatus      `json:"lspStatus,omitempty"`
	LspStatusReason         string         `json:"lspStatusReason,omitempty"`
	LspErrorCount           *int           `json:"lspErrorCount,omitempty"`
	LspDiagnosticsIncluded  bool           `json:"lspDiagnosticsIncluded,omitempty"`
	LspDiagnosticsFiles     []string       `json:"lspDiagnosticsFiles,omitempty"`
	LifecycleEvent          LifecycleEvent `json:"lifecycleEvent,omitempty"`
	Aborted                 bool           `json:"aborted,omitempty"`
	RetryCategory           RetryCategory  `json:"retryCategory,omitempty"`
	WriteRegressionDetected bool           `json:"writeRegressionDetected,omitempty"`
	WriteRegressionReason   string         `json:"writeRegressionReason,omitempty"`
}

// ToolResult is the outcome of one tool invocation (final attempt when the
// loop retried). Output carries stdout; stderr stays separate so memory
// digests can preview the streams independently.
type ToolResult struct {
	Success   bool       `json:"success"`
	Output    string     `json:"output"`
	Stderr    string     `json:"stderr,omitempty"`
	Error     string     `json:"error,omitempty"`
	Artifacts *Artifacts `json:"artifacts,omitempty"`
}

// CombinedOutput joins stdout and stderr the way the shell interleaving is
// approximated for markers and loop signatures.
func (r *ToolResult) CombinedOutput() string {
	if r == nil {
		return ""
	}
	switch {
	case r.Stderr == "":
		return r.Output
	case r.Output == "":
		return r.Stderr
	}
	return strings.TrimRight(r.Output, "\n") + "\n" + r.Stderr
}

// MessageRole is the conversational role of a memory message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message is one entry in agent memory. The system message is unique and
// always first.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// PlanAction is the planner's chosen next move.
type PlanAction string

const (
	ActionContinue PlanAction = "continue"
	ActionComplete PlanAction = "complete"
	ActionBlocked  PlanAction = "blocked"
	ActionAskUser  PlanAction = "ask_user"
)

// ParseMode records how a planner reply was decoded.
type ParseMode string

const (
	ParseSchemaTransport ParseMode = "schema_transport"
	ParseJSONStrict      ParseMode = "json_strict"
	ParseRepairJSON      ParseMode = "repair_json"
	ParseLegacy          ParseMode = "legacy"
	ParseFailed          ParseMode = "failed"
)

// Usage reports token consumption for one LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// PlanResult is the parsed planner decision for one step. RetryMaxAttempts
// and RetryMaxDelayMs are planner-requested retry bounds for the tool call;
// the loop may lower its configured budget to them, never raise it.
type PlanResult struct {
	Action                      PlanAction `json:"action"`
	Reasoning                   string     `json:"reasoning"`
	UserMessage                 string     `json:"userMessage,omitempty"`
	ToolCall                    *ToolCall  `json:"toolCall,omitempty"`
	RetryMaxAttempts            *int       `json:"retryMaxAttempts,omitempty"`
	RetryMaxDelayMs             *int       `json:"retryMaxDelayMs,omitempty"`
	CompletionGateCommands      []string   `json:"completionGateCommands,omitempty"`
	CompletionGatesDeclaredNone bool       `json:"completionGatesDeclaredNone,omitempty"`
	ParseMode                   ParseMode  `json:"parseMode"`
	ParseAttempts               int        `json:"parseAttempts"`
	RawInvalidCount             int        `json:"rawInvalidCount"`
	SchemaUnsupportedReason     string     `json:"schemaUnsupportedReason,omitempty"`
	InvalidOutputArtifactPath   string     `json:"invalidOutputArtifactPath,omitempty"`
	Usage                       *Usage     `json:"usage,omitempty"`
}

// CompletionGate is one command whose zero exit is required before the task
// may complete. Label namespaces: planner:N, task:N, auto:lint, auto:test.
type CompletionGate struct {
	Label   string `json:"label"`
	Command string `json:"command"`
}

// GateSource records where a completion plan's gates came from.
type GateSource string

const (
	GateSourceTask           GateSource = "task"
	GateSourcePlanner        GateSource = "planner"
	GateSourceAutoDiscovered GateSource = "auto_discovered"
	GateSourceMerged         GateSource = "merged"
)

// CompletionPlan is an insertion-ordered set of gates de-duplicated by exact
// command string.
type CompletionPlan struct {
	Gates  []CompletionGate `json:"gates"`
	Source GateSource       `json:"source"`
}

// AgentStep is one recorded loop iteration.
type AgentStep struct {
	Step       int         `json:"step"`
	State      AgentState  `json:"state"`
	Reasoning  string      `json:"reasoning"`
	ToolCall   *ToolCall   `json:"toolCall,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
}

// AgentContext is the immutable-by-replacement loop state. Every transition
// produces a new value; the run loop owns the only live copy.
type AgentContext struct {
	Task          string            `json:"task"`
	CurrentStep   int               `json:"currentStep"`
	MaxSteps      int               `json:"maxSteps"`
	Steps         []AgentStep       `json:"steps"`
	FileSummaries map[string]string `json:"fileSummaries,omitempty"`
}

// AgentResult is the single outcome of one RunAgentLoop invocation.
type AgentResult struct {
	Success    bool       `json:"success"`
	FinalState AgentState `json:"finalState"`
	Message    string     `json:"message"`
	Steps      int        `json:"steps"`
}

// ApprovalDecision is a stored allow/deny verdict.
type ApprovalDecision string

const (
	ApprovalAllow ApprovalDecision = "allow"
	ApprovalDeny  ApprovalDecision = "deny"
)

// ApprovalScope is the persistence scope of a stored approval rule.
type ApprovalScope string

const (
	ScopeSession   ApprovalScope = "session"
	ScopeWorkspace ApprovalScope = "workspace"
)

// ApprovalRule is a persisted rule matched against canonical command
// signatures. Pattern matches either as literal equality or, when written
// /src/flags, as a regular expression.
type ApprovalRule struct {
	Pattern       string           `json:"pattern"`
	Decision      ApprovalDecision `json:"decision"`
	Scope         ApprovalScope    `json:"scope"`
	SessionID     string           `json:"sessionId,omitempty"`
	WorkspaceRoot string           `json:"workspaceRoot"`
	CreatedAt     string           `json:"createdAt"`
}

// PendingStatus marks a ledger entry open or resolved.
type PendingStatus string

const (
	PendingOpen     PendingStatus = "open"
	PendingResolved PendingStatus = "resolved"
)

// PendingApprovalContext carries the command under review.
type PendingApprovalContext struct {
	Command          string `json:"command"`
	CommandSignature string `json:"commandSignature"`
	Reason           string `json:"reason"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	PendingID        string `json:"pendingId"`
	Resolution       string `json:"resolution,omitempty"`
}

// PendingApprovalAction is one append-only ledger entry. The newest entry
// with a given pendingId wins.
type PendingApprovalAction struct {
	SessionID string                 `json:"sessionId"`
	RunID     string                 `json:"runId"`
	Kind      string                 `json:"kind"` // always "approval"
	Status    PendingStatus          `json:"status"`
	Prompt    string                 `json:"prompt"`
	Context   PendingApprovalContext `json:"context"`
	Timestamp string                 `json:"timestamp"`
}

// ScriptMetadata describes one agent-registered helper script.
type ScriptMetadata struct {
	ID              string `json:"id"`
	Path            string `json:"path"`
	Purpose         string `json:"purpose"`
	LastTouchedStep int    `json:"lastTouchedStep"`
	TimesUsed       int    `json:"timesUsed"`
}

// RunEventPhase locates a run event within the step lifecycle.
type RunEventPhase string

const (
	PhasePlanning   RunEventPhase = "planning"
	PhaseExecuting  RunEventPhase = "executing"
	PhaseApproval   RunEventPhase = "approval"
	PhaseFinalizing RunEventPhase = "finalizing"
)

// RunEvent is one journal-visible loop event.
type RunEvent struct {
	Event   string         `json:"event"`
	Phase   RunEventPhase  `json:"phase"`
	Step    int            `json:"step"`
	RunID   string         `json:"runId"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Run event names emitted by the loop. Observers and tests match on these.
const (
	EventRunStarted              = "run_started"
	EventRunInterrupted          = "run_interrupted"
	EventFinalStateSet           = "final_state_set"
	EventPlanStarted             = "plan_started"
	EventPlanParsed              = "plan_parsed"
	EventPlannerRepairApplied    = "planner_repair_applied"
	EventPlannerSchemaFallback   = "planner_schema_fallback"
	EventPlannerParseExhausted   = "planner_blocked_parse_exhausted"
	EventToolCallStarted         = "tool_call_started"
	EventToolCallFinished        = "tool_call_finished"
	EventApprovalRequested       = "approval_requested"
	EventApprovalResolved        = "approval_resolved"
	EventLoopGuardTriggered      = "loop_guard_triggered"
	EventStagnationGuard         = "stagnation_guard_triggered"
	EventReadonlyStagnationGuard = "readonly_stagnation_guard_triggered"
	EventWriteRegression         = "write_regression_detected"
	EventLspBootstrapRequired    = "lsp_bootstrap_required"
	EventLspBootstrapCleared     = "lsp_bootstrap_cleared"
	EventLspProbeStarted         = "lsp_bootstrap_probe_started"
	EventLspProbeSucceeded       = "lsp_bootstrap_probe_succeeded"
	EventLspProbeFailed          = "lsp_bootstrap_probe_failed"
	EventCompactionApplied       = "compaction_applied"
	EventCompletionGateFailed    = "completion_gate_failed"
	EventCompletionBlocked       = "completion_blocked"
)
