// Package agent implements the run loop scheduler: the plan-execute-analyze
// state machine driving the planner, approval, gate, guard, LSP bootstrap,
// retry, and compaction subsystems, journaling every durable fact along the
// way. The loop never returns an error; every exit is an AgentResult with
// exactly one final state.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zacedev/zace/internal/approval"
	"github.com/zacedev/zace/internal/config"
	"github.com/zacedev/zace/internal/docs"
	"github.com/zacedev/zace/internal/events"
	"github.com/zacedev/zace/internal/gates"
	"github.com/zacedev/zace/internal/guard"
	"github.com/zacedev/zace/internal/journal"
	"github.com/zacedev/zace/internal/llm"
	"github.com/zacedev/zace/internal/lspboot"
	"github.com/zacedev/zace/internal/memory"
	"github.com/zacedev/zace/internal/planner"
	"github.com/zacedev/zace/internal/scripts"
	"github.com/zacedev/zace/internal/signature"
	"github.com/zacedev/zace/internal/tools"
	"github.com/zacedev/zace/internal/types"
)

// maxConsecutiveNoToolContinues bounds planner turns that continue without
// doing anything before the loop bounces to the user.
const maxConsecutiveNoToolContinues = 2

// scriptDiscoveryCommand is the fixed startup command listing the runtime
// scripts directory; its only loop-visible effect is the abort check.
const scriptDiscoveryCommand = "ls -la .zace/runtime/scripts 2>/dev/null || true"

// outputPreviewCap bounds each stream preview in the tool memory digest.
const outputPreviewCap = 700

// Prober runs one LSP diagnostics probe over files and returns a result
// whose lsp artifacts drive the bootstrap machine. Nil disables probing.
type Prober func(ctx context.Context, files []string) *types.ToolResult

// Options wires a Loop. Config, Client, and Executor are required; everything
// else may be nil (journal and events are nil-safe, a nil Approvals allows
// every command, a nil Probe skips bootstrap probing).
type Options struct {
	Config    config.Config
	Client    llm.ChatClient
	Executor  tools.Executor
	Journal   *journal.Journal
	Approvals *approval.Manager
	Events    *events.Dispatcher
	Probe     Prober
	SessionID string
	RunID     string
}

// Loop owns the mutable state of one run. Not safe for concurrent use; run
// independent Loop instances for parallel tasks.
type Loop struct {
	cfg       config.Config
	client    llm.ChatClient
	exec      tools.Executor
	journal   *journal.Journal
	approvals *approval.Manager
	events    *events.Dispatcher
	probe     Prober
	sessionID string
	runID     string

	planner  *planner.Planner
	mem      *memory.Memory
	state    types.AgentContext
	lsp      *lspboot.Machine
	catalog  *scripts.Catalog
	taskPlan types.CompletionPlan

	repetition guard.Repetition
	sigHistory []string

	lastWriteStep      int
	lastWriteCwd       string
	lastWriteLspErrors *int
	lastExecCwd        string
	lastValidationStep int

	noToolContinues int
	lastGateFailure string

	// onceApproved holds signatures the user already allowed this run, so an
	// identical command never re-prompts within the same run.
	onceApproved map[string]bool
}

// NewLoop builds a Loop from opts, generating a run id when absent.
func NewLoop(opts Options) *Loop {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	return &Loop{
		cfg:       opts.Config,
		client:    opts.Client,
		exec:      opts.Executor,
		journal:   opts.Journal,
		approvals: opts.Approvals,
		events:    opts.Events,
		probe:     opts.Probe,
		sessionID: opts.SessionID,
		runID:     opts.RunID,
	}
}

// RunID returns the run id for this loop instance.
func (l *Loop) RunID() string { return l.runID }

// Run executes task until a terminal state is reached.
//
// Expectations:
//   - Exactly one final_state_set event per invocation
//   - The number of recorded steps equals currentStep at termination
//   - The loop never panics outward and never returns an error; transport
//     and executor failures become step records
func (l *Loop) Run(ctx context.Context, task string) *types.AgentResult {
	l.state = types.AgentContext{Task: task, MaxSteps: l.cfg.MaxSteps}
	l.mem = memory.New(systemPrompt, l.journal)
	l.planner = planner.New(l.client, l.cfg, func(event string, payload map[string]any) {
		l.emit(event, types.PhasePlanning, payload)
	})
	if l.cfg.Stream {
		l.planner.StreamTokens(l.events.PlannerToken)
	}
	l.onceApproved = make(map[string]bool)
	l.lsp = lspboot.New(l.cfg.LspServerConfigPath)
	l.catalog = scripts.NewCatalog()
	l.taskPlan = gates.ResolveTaskPlan(task)

	l.emit(types.EventRunStarted, types.PhasePlanning, map[string]any{"task": task})
	if ctx.Err() != nil {
		return l.interrupt("run cancelled before startup")
	}
	if res := l.startup(ctx, task); res != nil {
		return res
	}
	l.mem.Append(types.Message{Role: types.RoleUser, Content: "Task: " + task})

	for l.state.CurrentStep < l.state.MaxSteps {
		if ctx.Err() != nil {
			return l.interrupt("run cancelled")
		}
		l.state.CurrentStep++
		l.state.Steps = append(l.state.Steps, types.AgentStep{
			Step:  l.state.CurrentStep,
			State: types.StatePlanning,
		})
		l.emit(types.EventPlanStarted, types.PhasePlanning, nil)

		pr, perr := l.planner.Plan(ctx, l.mem.Messages())
		if pr != nil {
			l.journal.RecordUsage("planner", pr.Usage)
		}
		if perr != nil {
			var ve *planner.ValidationError
			if errors.As(perr, &ve) && pr != nil {
				l.handleValidationError(pr, ve)
				continue
			}
			if ctx.Err() != nil {
				return l.interrupt("run cancelled during planning")
			}
			l.events.Error(l.state.CurrentStep, perr)
			cur := l.current()
			cur.State = types.StateError
			cur.Reasoning = "planner call failed: " + perr.Error()
			l.mem.Append(types.Message{Role: types.RoleUser, Content: "[error] planner call failed: " + perr.Error()})
			continue
		}

		l.emit(types.EventPlanParsed, types.PhasePlanning, map[string]any{
			"action":    string(pr.Action),
			"parseMode": string(pr.ParseMode),
		})
		cur := l.current()
		cur.Reasoning = pr.Reasoning
		if pr.Reasoning != "" {
			l.mem.Append(types.Message{Role: types.RoleAssistant, Content: "Planning: " + pr.Reasoning})
		}
		l.maybeCompact(ctx, pr.Usage)

		switch pr.Action {
		case types.ActionComplete:
			if res := l.handleComplete(ctx, pr); res != nil {
				return res
			}
			continue

		case types.ActionBlocked:
			cur.State = types.StateBlocked
			return l.finish(types.StateBlocked,
				firstNonEmpty(pr.UserMessage, pr.Reasoning, "planner reported the task blocked"))

		case types.ActionAskUser:
			cur.State = types.StateWaitingForUser
			return l.finish(types.StateWaitingForUser,
				ensureUserFacingQuestion(firstNonEmpty(pr.UserMessage, pr.Reasoning)))
		}

		if pr.ToolCall == nil {
			l.noToolContinues++
			if l.noToolContinues >= maxConsecutiveNoToolContinues {
				cur.State = types.StateWaitingForUser
				return l.finish(types.StateWaitingForUser,
					ensureUserFacingQuestion("The planner keeps continuing without acting. Please clarify what should happen next"))
			}
			l.mem.Append(types.Message{Role: types.RoleUser,
				Content: "[no_tool_call] The continue action carried no tool call. Use a tool or declare complete, blocked, or ask_user."})
			continue
		}
		l.noToolContinues = 0

		if res := l.executeToolStep(ctx, pr); res != nil {
			return res
		}
	}

	msg := fmt.Sprintf("Maximum steps (%d) reached", l.state.MaxSteps)
	if l.lastGateFailure != "" {
		msg += ". Last completion failure: " + l.lastGateFailure
	}
	return l.finish(types.StateBlocked, msg)
}

// startup runs the fixed discovery command, loads the script catalog, and
// preloads project documentation. Returns a non-nil result only on abort.
func (l *Loop) startup(ctx context.Context, task string) *types.AgentResult {
	res, err := l.exec.Execute(ctx, execCall(scriptDiscoveryCommand, l.cfg.WorkspaceRoot))
	if err == nil && res != nil && res.Artifacts != nil &&
		(res.Artifacts.Aborted || res.Artifacts.LifecycleEvent == types.LifecycleAbort) {
		return l.interrupt("run cancelled during startup")
	}

	l.catalog = scripts.Load(l.registryPath())
	if err := l.catalog.Sync(l.registryPath()); err != nil {
		slog.Warn("[loop] script registry sync failed", "error", err)
	}
	if l.catalog.Len() > 0 {
		var sb strings.Builder
		sb.WriteString("[scripts] Helper scripts already registered:")
		for _, m := range l.catalog.Entries() {
			fmt.Fprintf(&sb, "\n  %s  %s  (%s)", m.ID, m.Path, m.Purpose)
		}
		l.mem.Append(types.Message{Role: types.RoleUser, Content: sb.String()})
	}

	if d := docs.Preload(ctx, l.cfg, task); d != "" {
		l.mem.Append(types.Message{Role: types.RoleUser, Content: "Project documentation:\n\n" + d})
	}
	return nil
}

// handleValidationError records a planner tool call that violated its tool
// schema. The call is never executed; its signature still enters history so
// the doom-loop guard can catch a planner stuck re-issuing it.
func (l *Loop) handleValidationError(pr *types.PlanResult, ve *planner.ValidationError) {
	cur := l.current()
	cur.State = types.StateExecuting
	cur.Reasoning = pr.Reasoning
	cur.ToolCall = pr.ToolCall
	if pr.ToolCall != nil {
		l.sigHistory = append(l.sigHistory, signature.ForToolCall(*pr.ToolCall))
	}
	l.mem.Append(types.Message{Role: types.RoleUser,
		Content: "[tool_call_validation_failed] " + ve.Error() + ". Re-issue the call with valid arguments."})
}

// executeToolStep runs one planner tool call through approval, execution with
// retries, artifact analysis, and the post-execution guards. A non-nil result
// ends the run.
func (l *Loop) executeToolStep(ctx context.Context, pr *types.PlanResult) *types.AgentResult {
	call := *pr.ToolCall
	cur := l.current()
	cur.ToolCall = pr.ToolCall
	planned := signature.ForToolCall(call)

	if guard.DoomLoop(l.sigHistory, planned, l.cfg.DoomLoopThreshold) {
		l.emit(types.EventLoopGuardTriggered, types.PhaseExecuting, map[string]any{"signature": planned})
		cur.State = types.StateWaitingForUser
		return l.finish(types.StateWaitingForUser,
			ensureUserFacingQuestion("I keep planning the same command without progress. How should I proceed"))
	}

	cwd := l.resolveCwd(call.StringArg("cwd"))
	if call.Name == "execute_command" && l.approvals != nil && !l.onceApproved[planned] {
		command := call.StringArg("command")
		dec, reason, err := l.approvals.Authorize(ctx, command, planned, cwd)
		if err != nil {
			dec, reason = approval.Denied, fmt.Sprintf("approval check failed: %v", err)
		}
		switch dec {
		case approval.Denied:
			l.emit(types.EventApprovalResolved, types.PhaseApproval, map[string]any{"decision": "denied", "reason": reason})
			cur.State = types.StateExecuting
			cur.ToolResult = &types.ToolResult{Success: false, Error: "approval denied: " + reason}
			l.sigHistory = append(l.sigHistory, planned)
			l.mem.Append(types.Message{Role: types.RoleUser,
				Content: "[approval_denied] " + command + ": " + reason + ". Do not retry this command."})
			return nil

		case approval.Pending:
			l.emit(types.EventApprovalRequested, types.PhaseApproval, map[string]any{"command": command, "reason": reason})
			cur.State = types.StateWaitingForUser
			return l.finish(types.StateWaitingForUser,
				ensureUserFacingQuestion("Approval required to run: "+command+". Allow"))

		default:
			if strings.HasPrefix(reason, "user approved") {
				l.onceApproved[planned] = true
				l.emit(types.EventApprovalResolved, types.PhaseApproval, map[string]any{"decision": "allowed", "reason": reason})
			}
		}
	}

	cur.State = types.StateExecuting
	res := l.runWithRetries(ctx, call, pr)

	if res.Artifacts != nil && (res.Artifacts.Aborted || res.Artifacts.LifecycleEvent == types.LifecycleAbort) {
		cur.ToolResult = res
		cur.State = types.StateInterrupted
		l.emit(types.EventRunInterrupted, types.PhaseFinalizing, nil)
		return l.finish(types.StateInterrupted, "run cancelled during tool execution")
	}

	for _, ev := range l.lsp.Observe(res) {
		l.emit(ev.Name, types.PhaseExecuting, ev.Payload)
	}
	if res.Artifacts != nil && l.probe != nil && l.lsp.ShouldProbe(res.Artifacts.ChangedFiles) {
		files, startEv := l.lsp.BeginProbe()
		l.emit(startEv.Name, types.PhaseExecuting, startEv.Payload)
		probeRes := l.probe(ctx, files)
		for _, ev := range l.lsp.CompleteProbe(probeRes, call.StringArg("command")) {
			l.emit(ev.Name, types.PhaseExecuting, ev.Payload)
		}
	}

	if fired, reason := guard.WriteRegression(res, l.lastWriteLspErrors, l.cfg.WriteRegressionErrorSpike); fired {
		l.emit(types.EventWriteRegression, types.PhaseExecuting, map[string]any{"reason": reason})
		l.mem.Append(types.Message{Role: types.RoleUser, Content: "[write_regression_detected] " + reason})
	}

	if call.Name == "execute_command" {
		l.lastExecCwd = cwd
	}
	if res.Artifacts != nil && len(res.Artifacts.ChangedFiles) > 0 {
		l.lastWriteStep = l.state.CurrentStep
		l.lastWriteCwd = cwd
		if res.Artifacts.LspErrorCount != nil {
			n := *res.Artifacts.LspErrorCount
			l.lastWriteLspErrors = &n
		} else {
			l.lastWriteLspErrors = nil
		}
	}
	if call.Name == "execute_command" && res.Success && gates.IsValidationCommand(call.StringArg("command")) {
		l.lastValidationStep = l.state.CurrentStep
	}

	if res.Success && l.cfg.ExecutorAnalysis == config.AnalysisAlways {
		if out := l.analyze(ctx, call, res); out != nil && out.Analysis != "" {
			l.mem.Append(types.Message{Role: types.RoleUser, Content: "[analysis] " + out.Analysis})
		}
	}

	l.mem.Append(types.Message{Role: types.RoleTool, Content: toolDigest(call, res)})
	if out := res.CombinedOutput(); out != "" && l.catalog.ConsumeMarkers(out, l.state.CurrentStep) {
		if err := l.catalog.Sync(l.registryPath()); err != nil {
			slog.Warn("[loop] script registry sync failed", "error", err)
		}
	}

	cur.ToolResult = res
	l.sigHistory = append(l.sigHistory, planned)

	loopSig := signature.ForLoop(call, res.CombinedOutput())
	if l.repetition.Observe(loopSig) {
		l.emit(types.EventLoopGuardTriggered, types.PhaseExecuting, map[string]any{"kind": "repetition"})
		cur.State = types.StateWaitingForUser
		return l.finish(types.StateWaitingForUser,
			ensureUserFacingQuestion("The same command keeps producing the same outcome. How should I proceed"))
	}
	if stagnant, reason := guard.Stagnant(l.state.Steps, l.cfg.StagnationWindow); stagnant {
		l.emit(types.EventStagnationGuard, types.PhaseExecuting, map[string]any{"reason": reason})
		cur.State = types.StateWaitingForUser
		return l.finish(types.StateWaitingForUser,
			ensureUserFacingQuestion("No observable progress over the last steps ("+reason+"). How should I proceed"))
	}
	if guard.ReadonlyStagnant(l.state.Steps, l.cfg.ReadonlyStagnationWindow, l.lastWriteStep, l.state.CurrentStep, l.lastValidationStep) {
		l.emit(types.EventReadonlyStagnationGuard, types.PhaseExecuting, nil)
		cur.State = types.StateWaitingForUser
		return l.finish(types.StateWaitingForUser,
			ensureUserFacingQuestion("I wrote files but have only been re-reading the workspace since. Should I run validation now"))
	}
	return nil
}

// runWithRetries invokes the tool, retrying transient failures per policy.
// The returned result is the final attempt's. For execute_command the planner
// may lower the configured retry budget through pr; it can never raise it.
func (l *Loop) runWithRetries(ctx context.Context, call types.ToolCall, pr *types.PlanResult) *types.ToolResult {
	maxRetries := l.cfg.TransientRetryMaxAttempts
	if maxRetries < 0 {
		maxRetries = 0
	}
	maxDelay := l.cfg.TransientRetryMaxDelayMs
	if call.Name == "execute_command" && pr != nil {
		if v := pr.RetryMaxAttempts; v != nil && *v >= 0 && *v < maxRetries {
			maxRetries = *v
		}
		if v := pr.RetryMaxDelayMs; v != nil && *v >= 0 && *v < maxDelay {
			maxDelay = *v
		}
	}
	var res *types.ToolResult
	for attempt := 0; ; attempt++ {
		l.emit(types.EventToolCallStarted, types.PhaseExecuting, map[string]any{"tool": call.Name, "attempt": attempt + 1})
		l.events.ToolCall(l.state.CurrentStep, call)

		r, err := l.exec.Execute(ctx, call)
		if err != nil {
			r = &types.ToolResult{Success: false, Error: err.Error()}
		}
		l.emit(types.EventToolCallFinished, types.PhaseExecuting, map[string]any{"tool": call.Name, "success": r.Success})
		l.events.ToolResult(l.state.CurrentStep, r)
		res = r

		if r.Success || attempt >= maxRetries || ctx.Err() != nil {
			return res
		}
		if r.Artifacts != nil && (r.Artifacts.Aborted || r.Artifacts.LifecycleEvent == types.LifecycleAbort) {
			return res
		}
		if Classify(r) != types.RetryTransient {
			return res
		}

		delayMs := 0
		if l.analysisEnabled(r.Success) {
			if out := l.analyze(ctx, call, r); out != nil {
				if !out.ShouldRetry {
					return res
				}
				delayMs = out.RetryDelayMs
			}
		}
		if delayMs > maxDelay {
			delayMs = maxDelay
		}
		if delayMs > 0 {
			select {
			case <-ctx.Done():
				return res
			case <-time.After(time.Duration(delayMs) * time.Millisecond):
			}
		}
	}
}

// handleComplete runs the completion sequence. A non-nil result ends the run;
// nil means the attempt was blocked and the loop continues.
func (l *Loop) handleComplete(ctx context.Context, pr *types.PlanResult) *types.AgentResult {
	cur := l.current()
	cur.State = types.StateExecuting
	strict := l.cfg.CompletionValidationMode == config.ValidationStrict

	if l.lsp.BlocksCompletion(l.cfg.LspEnabled, l.cfg.LspBootstrapBlockOnFailed, l.cfg.CompletionRequireLsp) {
		if l.lsp.Exhausted(l.cfg.LspAutoProvision, l.cfg.LspProvisionMaxAttempts) {
			l.emit(types.EventCompletionBlocked, types.PhaseFinalizing, map[string]any{"reason": "lsp_bootstrap_exhausted"})
			cur.State = types.StateWaitingForUser
			return l.finish(types.StateWaitingForUser,
				ensureUserFacingQuestion(l.lsp.UserExcerpt()+" Should I continue without diagnostics"))
		}
		l.blockCompletion("language diagnostics are unavailable (" + string(l.lsp.State()) + "); bootstrap the server config at " + l.cfg.LspServerConfigPath)
		return nil
	}

	if strict && pr.CompletionGatesDeclaredNone && l.lastWriteStep > 0 {
		l.blockCompletion(`completion declared "gates: none" after writing files; verification is required`)
		return nil
	}

	plannerPlan := gates.FromCommands("planner", pr.CompletionGateCommands, types.GateSourcePlanner)
	merged := gates.Merge(l.taskPlan, plannerPlan)
	cwd := l.gateCwd()

	needAuto := l.lastWriteStep > 0 &&
		((strict && l.cfg.CompletionRequireDiscoveredGates) ||
			(len(merged.Gates) == 0 && !pr.CompletionGatesDeclaredNone))
	if needAuto {
		auto := types.CompletionPlan{Gates: gates.Discover(cwd), Source: types.GateSourceAutoDiscovered}
		merged = gates.Merge(merged, auto)
	}

	if len(merged.Gates) == 0 && !pr.CompletionGatesDeclaredNone {
		l.blockCompletion(`no completion gates declared or discovered; declare gate commands or state "gates: none"`)
		return nil
	}

	if strict && l.cfg.GateDisallowMasking {
		if _, reason, masked := gates.DetectMasked(merged.Gates); masked {
			l.blockCompletion(reason)
			return nil
		}
	}

	if len(merged.Gates) > 0 {
		failures := gates.Evaluate(ctx, merged.Gates, cwd, l.gateRunner())
		if len(failures) > 0 {
			msg := gates.FailureMessage(failures)
			l.lastGateFailure = msg
			l.emit(types.EventCompletionGateFailed, types.PhaseFinalizing, map[string]any{"message": msg})
			l.mem.Append(types.Message{Role: types.RoleUser, Content: "[completion_gate_failed] " + msg})
			return nil
		}
		// All gates passing counts as a fresh validation.
		l.lastValidationStep = l.state.CurrentStep
	}

	if strict && !gates.Fresh(l.lastWriteStep, l.lastValidationStep) {
		l.blockCompletion("completion is stale: no successful validation since the last write")
		return nil
	}

	cur.State = types.StateCompleted
	return l.finish(types.StateCompleted, firstNonEmpty(pr.UserMessage, pr.Reasoning, "Task completed"))
}

// blockCompletion records a non-terminal completion block: event, memory
// note, and the failure message surfaced at termination.
func (l *Loop) blockCompletion(msg string) {
	l.lastGateFailure = msg
	l.emit(types.EventCompletionBlocked, types.PhaseFinalizing, map[string]any{"reason": msg})
	l.mem.Append(types.Message{Role: types.RoleUser, Content: "[completion_blocked] " + msg})
}

// gateRunner adapts the executor and approval layer into a gates.RunFunc.
func (l *Loop) gateRunner() gates.RunFunc {
	return func(ctx context.Context, command, cwd string) (*types.ToolResult, error) {
		call := execCall(command, cwd)
		sig := signature.ForToolCall(call)
		if l.approvals != nil && !l.onceApproved[sig] {
			dec, reason, err := l.approvals.Authorize(ctx, command, sig, cwd)
			if err != nil {
				return nil, err
			}
			if dec != approval.Allowed {
				return nil, gates.ErrApprovalDenied
			}
			if strings.HasPrefix(reason, "user approved") {
				l.onceApproved[sig] = true
			}
		}
		return l.exec.Execute(ctx, call)
	}
}

// maybeCompact summarizes memory when planner usage crosses the trigger
// ratio. Failures are logged and never fail the step.
func (l *Loop) maybeCompact(ctx context.Context, usage *types.Usage) {
	if !l.cfg.CompactionEnabled {
		return
	}
	window := l.cfg.ContextWindowTokens
	if window <= 0 && l.client != nil {
		window = l.client.ModelContextWindowTokens()
	}
	if window <= 0 {
		return
	}
	used := 0
	if usage != nil {
		used = usage.PromptTokens
	}
	if used == 0 {
		used = l.mem.EstimateTokenCount()
	}
	if float64(used)/float64(window) < l.cfg.CompactionTriggerRatio {
		return
	}
	if l.mem.NonSystemCount() <= l.cfg.CompactionPreserveRecentMessages {
		return
	}

	var sb strings.Builder
	for _, m := range l.mem.Messages() {
		if m.Role == types.RoleSystem {
			continue
		}
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
	}
	resp, err := l.client.Chat(ctx, llm.ChatRequest{
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: compactionPrompt},
			{Role: types.RoleUser, Content: sb.String()},
		},
		CallKind: llm.KindCompaction,
	}, nil)
	if err != nil {
		slog.Warn("[loop] compaction call failed", "error", err)
		return
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return
	}
	l.journal.RecordUsage("compaction", resp.Usage)
	l.mem.CompactWithSummary(summary, l.cfg.CompactionPreserveRecentMessages)
	if err := l.journal.SummaryEntry(summary); err != nil {
		slog.Warn("[loop] compaction summary append failed", "error", err)
	}
	l.emit(types.EventCompactionApplied, types.PhasePlanning, map[string]any{
		"preservedRecent": l.cfg.CompactionPreserveRecentMessages,
	})
}

// interrupt ends the run as interrupted. The latest step, if any, is
// rewritten rather than appending a new record so step count stays equal to
// currentStep.
func (l *Loop) interrupt(message string) *types.AgentResult {
	if n := len(l.state.Steps); n > 0 {
		l.state.Steps[n-1].State = types.StateInterrupted
	}
	l.emit(types.EventRunInterrupted, types.PhaseFinalizing, nil)
	return l.finish(types.StateInterrupted, message)
}

// finish emits the single final_state_set event, writes the run summary,
// flushes the memory sink, and builds the AgentResult.
func (l *Loop) finish(state types.AgentState, message string) *types.AgentResult {
	l.emit(types.EventFinalStateSet, types.PhaseFinalizing, map[string]any{"finalState": string(state)})
	if err := l.journal.CloseRun(l.runID, state, l.state.CurrentStep); err != nil {
		slog.Warn("[loop] run summary append failed", "error", err)
	}
	if l.mem != nil {
		if err := l.mem.FlushMessageSink(); err != nil {
			slog.Warn("[loop] memory sink flush", "error", err)
		}
	}
	return &types.AgentResult{
		Success:    state == types.StateCompleted,
		FinalState: state,
		Message:    message,
		Steps:      l.state.CurrentStep,
	}
}

// emit journals one run event and fans it out to observers.
func (l *Loop) emit(event string, phase types.RunEventPhase, payload map[string]any) {
	ev := types.RunEvent{
		Event:   event,
		Phase:   phase,
		Step:    l.state.CurrentStep,
		RunID:   l.runID,
		Payload: payload,
	}
	if err := l.journal.RunEvent(ev); err != nil {
		slog.Warn("[loop] run event append failed", "event", event, "error", err)
	}
	l.events.RunEvent(ev)
}

// current returns the latest step record. Only valid inside the step loop.
func (l *Loop) current() *types.AgentStep {
	return &l.state.Steps[len(l.state.Steps)-1]
}

func (l *Loop) registryPath() string {
	return filepath.Join(l.cfg.WorkspaceRoot, ".zace", "runtime", "scripts", "registry.tsv")
}

func (l *Loop) resolveCwd(cwd string) string {
	if cwd == "" {
		return l.cfg.WorkspaceRoot
	}
	if !filepath.IsAbs(cwd) {
		return filepath.Join(l.cfg.WorkspaceRoot, cwd)
	}
	return cwd
}

// gateCwd is where gate commands run: the last write's directory, else the
// last execution's, else the workspace root.
func (l *Loop) gateCwd() string {
	if l.lastWriteCwd != "" {
		return l.lastWriteCwd
	}
	if l.lastExecCwd != "" {
		return l.lastExecCwd
	}
	return l.cfg.WorkspaceRoot
}

// toolDigest renders the bounded structured memory entry for one tool result.
// Full payloads never enter memory; previews are capped.
func toolDigest(call types.ToolCall, res *types.ToolResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[execution] tool=%s success=%t", call.Name, res.Success)
	if res.Error != "" {
		fmt.Fprintf(&sb, " error=%s", res.Error)
	}
	if a := res.Artifacts; a != nil {
		fmt.Fprintf(&sb, "\n[artifacts] progress=%s", a.ProgressSignal)
		if len(a.ChangedFiles) > 0 {
			fmt.Fprintf(&sb, " changedFiles=%s", strings.Join(a.ChangedFiles, ","))
		}
		if a.LspStatus != "" {
			fmt.Fprintf(&sb, " lspStatus=%s", a.LspStatus)
		}
		if a.LspErrorCount != nil {
			fmt.Fprintf(&sb, " lspErrors=%d", *a.LspErrorCount)
		}
	}
	if out := strings.TrimSpace(res.Output); out != "" {
		sb.WriteString("\n[stdout_preview] " + previewCapped(out))
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		sb.WriteString("\n[stderr_preview] " + previewCapped(errOut))
	}
	return sb.String()
}

func previewCapped(s string) string {
	if len(s) > outputPreviewCap {
		return s[:outputPreviewCap] + "…"
	}
	return s
}

// ensureUserFacingQuestion guarantees a waiting_for_user message ends in a
// question.
func ensureUserFacingQuestion(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "How should I proceed?"
	}
	if !strings.HasSuffix(s, "?") {
		s += "?"
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func execCall(command, cwd string) types.ToolCall {
	args := map[string]json.RawMessage{}
	raw, _ := json.Marshal(command)
	args["command"] = raw
	if cwd != "" {
		raw, _ = json.Marshal(cwd)
		args["cwd"] = raw
	}
	return types.ToolCall{Name: "execute_command", Arguments: args}
}
