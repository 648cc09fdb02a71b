package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zacedev/zace/internal/approval"
	"github.com/zacedev/zace/internal/config"
	"github.com/zacedev/zace/internal/events"
	"github.com/zacedev/zace/internal/journal"
	"github.com/zacedev/zace/internal/llm"
	"github.com/zacedev/zace/internal/tools"
	"github.com/zacedev/zace/internal/types"
)

// scriptedChat replays canned planner replies in order. Off-script calls
// return a blocked reply so a broken test fails loudly instead of hanging.
type scriptedChat struct {
	replies  []string
	window   int
	requests []llm.ChatRequest
}

func (c *scriptedChat) Chat(_ context.Context, req llm.ChatRequest, opts *llm.ChatOptions) (*llm.ChatResponse, error) {
	c.requests = append(c.requests, req)
	if len(c.replies) == 0 {
		return &llm.ChatResponse{Content: `{"action":"blocked","reasoning":"off script"}`}, nil
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	// A streaming caller sees the whole reply as one token.
	if opts != nil && opts.Stream && opts.OnToken != nil {
		opts.OnToken(r)
	}
	return &llm.ChatResponse{Content: r}, nil
}

func (c *scriptedChat) ModelContextWindowTokens() int { return c.window }

// scriptedExec answers the startup discovery command with a neutral success
// and replays canned results for everything else.
type scriptedExec struct {
	results []*types.ToolResult
	calls   []types.ToolCall
}

func (e *scriptedExec) Execute(_ context.Context, call types.ToolCall) (*types.ToolResult, error) {
	cmd := call.StringArg("command")
	if strings.HasPrefix(cmd, "ls -la .zace") {
		return &types.ToolResult{Success: true, Artifacts: &types.Artifacts{
			ProgressSignal: types.ProgressSuccessWithoutChanges,
		}}, nil
	}
	e.calls = append(e.calls, call)
	if len(e.results) == 0 {
		return &types.ToolResult{Success: true, Output: "ok"}, nil
	}
	r := e.results[0]
	e.results = e.results[1:]
	return r, nil
}

func (e *scriptedExec) commandCalls(substr string) int {
	n := 0
	for _, c := range e.calls {
		if strings.Contains(c.StringArg("command"), substr) {
			n++
		}
	}
	return n
}

type loopEnv struct {
	ws   string
	cfg  config.Config
	chat *scriptedChat
	j    *journal.Journal
}

func newEnv(t *testing.T, replies ...string) *loopEnv {
	t.Helper()
	ws := t.TempDir()
	cfg := config.Default(ws)
	cfg.RequireRiskyConfirmation = false
	cfg.CompactionEnabled = false
	cfg.DocContextMode = config.DocsOff
	j := journal.Open(filepath.Join(ws, ".zace", "sessions"), "sess")
	require.NotNil(t, j)
	t.Cleanup(j.Close)
	return &loopEnv{ws: ws, cfg: cfg, chat: &scriptedChat{replies: replies}, j: j}
}

func (env *loopEnv) run(t *testing.T, ctx context.Context, exec tools.Executor, probe Prober, task string) *types.AgentResult {
	t.Helper()
	if exec == nil {
		exec = tools.NewDispatcher(env.ws, filepath.Join(env.ws, ".zace", "index"), "sess", nil)
	}
	l := NewLoop(Options{
		Config:    env.cfg,
		Client:    env.chat,
		Executor:  exec,
		Journal:   env.j,
		Probe:     probe,
		SessionID: "sess",
		RunID:     "run-1",
	})
	return l.Run(ctx, task)
}

// eventCount tallies run_event journal entries by event name.
func (env *loopEnv) eventCount(t *testing.T) map[string]int {
	t.Helper()
	entries, err := journal.ReadEntries(env.j.Path())
	require.NoError(t, err)
	out := make(map[string]int)
	for _, e := range entries {
		if e.Type == journal.TypeRunEvent && e.Event != nil {
			out[e.Event.Event]++
		}
	}
	return out
}

const writeDemoReply = `{"action":"continue","reasoning":"write the demo file","toolCall":{"name":"execute_command","arguments":{"command":"printf 'const x=1;' > demo.ts; printf 'ZACE_FILE_CHANGED|demo.ts\n'"}}}`

func TestRun_StrictFreshnessBlocksGatesNoneAfterWrite(t *testing.T) {
	env := newEnv(t,
		writeDemoReply,
		`{"action":"complete","reasoning":"done","completionGatesNone":true}`,
	)
	env.cfg.MaxSteps = 2

	res := env.run(t, context.Background(), nil, nil, "write demo.ts")
	assert.Equal(t, types.StateBlocked, res.FinalState)
	assert.Contains(t, res.Message, "gates: none")
	assert.Equal(t, 2, res.Steps)
}

func TestRun_AutoDiscoveredGateFailureSurfaces(t *testing.T) {
	env := newEnv(t,
		writeDemoReply,
		`{"action":"complete","reasoning":"done"}`,
	)
	env.cfg.MaxSteps = 2
	manifest := `{"scripts":{"lint":"sh -c 'exit 1'","test":"sh -c 'echo ok'"}}`
	require.NoError(t, os.WriteFile(filepath.Join(env.ws, "package.json"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(env.ws, "bun.lock"), nil, 0o644))

	res := env.run(t, context.Background(), nil, nil, "fix lint")
	assert.Equal(t, types.StateBlocked, res.FinalState)
	assert.Contains(t, res.Message, "auto:lint")
	assert.Contains(t, res.Message, "failed")
}

func TestRun_MaskedGateBlocks(t *testing.T) {
	env := newEnv(t,
		`{"action":"complete","reasoning":"done","completionGates":["echo ok || true"]}`,
	)
	env.cfg.MaxSteps = 1

	res := env.run(t, context.Background(), nil, nil, "trivial")
	assert.Equal(t, types.StateBlocked, res.FinalState)
	assert.Contains(t, res.Message, "masked")
}

func TestRun_PassingPlannerGatesComplete(t *testing.T) {
	env := newEnv(t,
		writeDemoReply,
		`{"action":"complete","reasoning":"done","userMessage":"All set","completionGates":["ls demo.ts"]}`,
	)

	res := env.run(t, context.Background(), nil, nil, "write demo.ts")
	assert.Equal(t, types.StateCompleted, res.FinalState)
	assert.True(t, res.Success)
	assert.Equal(t, "All set", res.Message)
}

// scriptedPrompter replays approval replies and counts prompts.
type scriptedPrompter struct {
	replies []string
	asked   int
}

func (p *scriptedPrompter) Ask(string) (string, error) {
	p.asked++
	if len(p.replies) == 0 {
		return "no", nil
	}
	r := p.replies[0]
	p.replies = p.replies[1:]
	return r, nil
}

func approvalManager(env *loopEnv, prompter approval.Prompter) *approval.Manager {
	store := approval.OpenStore(env.cfg.ApprovalRulesPath, env.ws)
	classifier := approval.NewClassifier(nil, env.ws)
	return approval.NewManager(env.cfg, store, classifier, env.j, nil, prompter, "sess", "run-1")
}

func TestRun_ApprovalAllowAlwaysSessionPersistsRule(t *testing.T) {
	destructive := `{"action":"continue","reasoning":"clean","toolCall":{"name":"execute_command","arguments":{"command":"rm -rf build"}}}`
	done := `{"action":"complete","reasoning":"done","completionGatesNone":true}`

	env := newEnv(t, destructive, done, destructive, done)
	env.cfg.RequireRiskyConfirmation = true
	prompter := &scriptedPrompter{replies: []string{"always"}}

	exec := &scriptedExec{}
	l := NewLoop(Options{
		Config:    env.cfg,
		Client:    env.chat,
		Executor:  exec,
		Journal:   env.j,
		Approvals: approvalManager(env, prompter),
		SessionID: "sess",
		RunID:     "run-1",
	})
	res := l.Run(context.Background(), "clean build")
	require.Equal(t, types.StateCompleted, res.FinalState)
	require.Equal(t, 1, prompter.asked)

	// The persisted rule covers the same signature in a later run without
	// prompting again.
	store := approval.OpenStore(env.cfg.ApprovalRulesPath, env.ws)
	rules := store.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, types.ApprovalAllow, rules[0].Decision)
	assert.Equal(t, types.ScopeSession, rules[0].Scope)
	assert.Equal(t, "sess", rules[0].SessionID)

	l2 := NewLoop(Options{
		Config:    env.cfg,
		Client:    env.chat,
		Executor:  exec,
		Journal:   env.j,
		Approvals: approvalManager(env, prompter),
		SessionID: "sess",
		RunID:     "run-2",
	})
	res = l2.Run(context.Background(), "clean build")
	assert.Equal(t, types.StateCompleted, res.FinalState)
	assert.Equal(t, 1, prompter.asked)
	assert.Equal(t, 2, exec.commandCalls("rm -rf build"))
}

func TestRun_ApprovalDenyRecordsFailureAndContinues(t *testing.T) {
	env := newEnv(t,
		`{"action":"continue","reasoning":"clean","toolCall":{"name":"execute_command","arguments":{"command":"rm -rf build"}}}`,
		`{"action":"complete","reasoning":"done","completionGatesNone":true}`,
	)
	env.cfg.RequireRiskyConfirmation = true
	exec := &scriptedExec{}
	l := NewLoop(Options{
		Config:    env.cfg,
		Client:    env.chat,
		Executor:  exec,
		Journal:   env.j,
		Approvals: approvalManager(env, &scriptedPrompter{replies: []string{"no"}}),
		SessionID: "sess",
		RunID:     "run-1",
	})

	res := l.Run(context.Background(), "clean build")
	assert.Equal(t, types.StateCompleted, res.FinalState)
	// The denied command never reached the executor
	assert.Equal(t, 0, exec.commandCalls("rm -rf build"))
}

func TestRun_ApprovalWithoutPrompterWaitsForUser(t *testing.T) {
	env := newEnv(t,
		`{"action":"continue","reasoning":"clean","toolCall":{"name":"execute_command","arguments":{"command":"rm -rf build"}}}`,
	)
	env.cfg.RequireRiskyConfirmation = true
	exec := &scriptedExec{}
	l := NewLoop(Options{
		Config:    env.cfg,
		Client:    env.chat,
		Executor:  exec,
		Journal:   env.j,
		Approvals: approvalManager(env, nil),
		SessionID: "sess",
		RunID:     "run-1",
	})

	res := l.Run(context.Background(), "clean build")
	assert.Equal(t, types.StateWaitingForUser, res.FinalState)
	assert.True(t, strings.HasSuffix(res.Message, "?"))
	assert.Equal(t, 1, env.eventCount(t)[types.EventApprovalRequested])
}

// tokenRecorder collects streamed planner tokens off the dispatcher.
type tokenRecorder struct {
	events.Noop
	mu     sync.Mutex
	tokens []string
}

func (r *tokenRecorder) OnPlannerToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, token)
}

func TestRun_StreamedPlannerTokensReachObserver(t *testing.T) {
	env := newEnv(t,
		`{"action":"complete","reasoning":"done","completionGatesNone":true}`,
	)
	env.cfg.Stream = true
	rec := &tokenRecorder{}
	disp := events.NewDispatcher(rec)

	l := NewLoop(Options{
		Config:    env.cfg,
		Client:    env.chat,
		Executor:  &scriptedExec{},
		Journal:   env.j,
		Events:    disp,
		SessionID: "sess",
		RunID:     "run-1",
	})
	res := l.Run(context.Background(), "trivial")
	disp.Close()

	require.Equal(t, types.StateCompleted, res.FinalState)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.tokens)
	assert.Contains(t, strings.Join(rec.tokens, ""), `"complete"`)
}

func TestRun_PlannerLowersRetryBudget(t *testing.T) {
	env := newEnv(t,
		`{"action":"continue","reasoning":"fetch","toolCall":{"name":"execute_command","arguments":{"command":"curl example.com"},"retryMaxAttempts":0}}`,
		`{"action":"complete","reasoning":"done","completionGatesNone":true}`,
	)
	env.cfg.TransientRetryMaxAttempts = 3
	env.cfg.ExecutorAnalysis = config.AnalysisNever
	exec := &scriptedExec{results: []*types.ToolResult{
		{Success: false, Error: "connection refused", Artifacts: &types.Artifacts{RetryCategory: types.RetryTransient}},
	}}

	res := env.run(t, context.Background(), exec, nil, "fetch page")
	assert.Equal(t, types.StateCompleted, res.FinalState)
	// The planner's zero budget overrides the configured three retries
	assert.Equal(t, 1, exec.commandCalls("curl"))
}

func TestRun_PlannerCannotRaiseRetryBudget(t *testing.T) {
	env := newEnv(t,
		`{"action":"continue","reasoning":"fetch","toolCall":{"name":"execute_command","arguments":{"command":"curl example.com"},"retryMaxAttempts":5}}`,
		`{"action":"complete","reasoning":"done","completionGatesNone":true}`,
	)
	env.cfg.TransientRetryMaxAttempts = 1
	env.cfg.ExecutorAnalysis = config.AnalysisNever
	exec := &scriptedExec{results: []*types.ToolResult{
		{Success: false, Error: "connection refused", Artifacts: &types.Artifacts{RetryCategory: types.RetryTransient}},
		{Success: false, Error: "connection refused", Artifacts: &types.Artifacts{RetryCategory: types.RetryTransient}},
	}}

	res := env.run(t, context.Background(), exec, nil, "fetch page")
	assert.Equal(t, types.StateCompleted, res.FinalState)
	// The configured single retry holds despite the planner asking for five
	assert.Equal(t, 2, exec.commandCalls("curl"))
}

func TestRun_AllowOnceSkipsRepromptWithinRun(t *testing.T) {
	destructive := `{"action":"continue","reasoning":"clean","toolCall":{"name":"execute_command","arguments":{"command":"rm -rf build"}}}`
	done := `{"action":"complete","reasoning":"done","completionGatesNone":true}`
	env := newEnv(t, destructive, destructive, done)
	env.cfg.RequireRiskyConfirmation = true
	// An exhausted prompter answers "no", so a second prompt would deny
	prompter := &scriptedPrompter{replies: []string{"yes"}}
	exec := &scriptedExec{}
	l := NewLoop(Options{
		Config:    env.cfg,
		Client:    env.chat,
		Executor:  exec,
		Journal:   env.j,
		Approvals: approvalManager(env, prompter),
		SessionID: "sess",
		RunID:     "run-1",
	})

	res := l.Run(context.Background(), "clean build")
	assert.Equal(t, types.StateCompleted, res.FinalState)
	// The second identical command rides the first "yes"
	assert.Equal(t, 1, prompter.asked)
	assert.Equal(t, 2, exec.commandCalls("rm -rf build"))
}

func TestRun_AnalysisAlwaysRunsOnSuccess(t *testing.T) {
	env := newEnv(t,
		`{"action":"continue","reasoning":"poke","toolCall":{"name":"execute_command","arguments":{"command":"echo hi"}}}`,
		`{"analysis":"command ran cleanly","shouldRetry":false,"retryDelayMs":0}`,
		`{"action":"complete","reasoning":"done","completionGatesNone":true}`,
	)
	env.cfg.ExecutorAnalysis = config.AnalysisAlways

	res := env.run(t, context.Background(), &scriptedExec{}, nil, "anything")
	require.Equal(t, types.StateCompleted, res.FinalState)

	// The successful call still produced exactly one analysis request
	executor := 0
	for _, req := range env.chat.requests {
		if req.CallKind == llm.KindExecutor {
			executor++
		}
	}
	assert.Equal(t, 1, executor)
}

func TestRun_CancelledBeforeStartup(t *testing.T) {
	env := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := env.run(t, ctx, &scriptedExec{}, nil, "anything")
	assert.Equal(t, types.StateInterrupted, res.FinalState)
	assert.Equal(t, 0, res.Steps)

	counts := env.eventCount(t)
	assert.Equal(t, 1, counts[types.EventRunStarted])
	assert.Equal(t, 1, counts[types.EventRunInterrupted])
	assert.Equal(t, 1, counts[types.EventFinalStateSet])
}

func TestRun_LspBootstrapProbeClears(t *testing.T) {
	env := newEnv(t,
		`{"action":"continue","reasoning":"write code","toolCall":{"name":"execute_command","arguments":{"command":"touch a.ts"}}}`,
		`{"action":"continue","reasoning":"configure lsp","toolCall":{"name":"execute_command","arguments":{"command":"write servers.json"}}}`,
		`{"action":"complete","reasoning":"done","completionGatesNone":true}`,
	)
	env.cfg.CompletionValidationMode = config.ValidationBalanced

	exec := &scriptedExec{results: []*types.ToolResult{
		{Success: true, Artifacts: &types.Artifacts{
			ChangedFiles:   []string{"a.ts"},
			ProgressSignal: types.ProgressFilesChanged,
			LspStatus:      types.LspStatusNoActiveServer,
		}},
		{Success: true, Artifacts: &types.Artifacts{
			ChangedFiles:   []string{".zace/runtime/lsp/servers.json"},
			ProgressSignal: types.ProgressFilesChanged,
			LspStatus:      types.LspStatusNoActiveServer,
		}},
	}}
	var probed []string
	probe := func(_ context.Context, files []string) *types.ToolResult {
		probed = files
		return &types.ToolResult{Success: true, Artifacts: &types.Artifacts{LspStatus: types.LspStatusNoErrors}}
	}

	res := env.run(t, context.Background(), exec, probe, "add a.ts")
	assert.Equal(t, types.StateCompleted, res.FinalState)
	assert.Equal(t, []string{"a.ts"}, probed)

	counts := env.eventCount(t)
	assert.Equal(t, 1, counts[types.EventLspBootstrapRequired])
	assert.Equal(t, 1, counts[types.EventLspProbeStarted])
	assert.Equal(t, 1, counts[types.EventLspProbeSucceeded])
}

func TestRun_LspRequiredBlocksCompletion(t *testing.T) {
	env := newEnv(t,
		`{"action":"continue","reasoning":"write code","toolCall":{"name":"execute_command","arguments":{"command":"touch a.ts"}}}`,
		`{"action":"complete","reasoning":"done","completionGatesNone":true}`,
	)
	env.cfg.MaxSteps = 2
	env.cfg.CompletionValidationMode = config.ValidationBalanced
	env.cfg.LspAutoProvision = true

	exec := &scriptedExec{results: []*types.ToolResult{
		{Success: true, Artifacts: &types.Artifacts{
			ChangedFiles:   []string{"a.ts"},
			ProgressSignal: types.ProgressFilesChanged,
			LspStatus:      types.LspStatusNoActiveServer,
		}},
	}}

	res := env.run(t, context.Background(), exec, nil, "add a.ts")
	assert.Equal(t, types.StateBlocked, res.FinalState)
	assert.Contains(t, res.Message, "diagnostics")
}

func TestRun_DoomLoopGuardEndsRun(t *testing.T) {
	repeat := `{"action":"continue","reasoning":"check","toolCall":{"name":"execute_command","arguments":{"command":"wc -l file.txt"}}}`
	env := newEnv(t, repeat, repeat, repeat, repeat)
	env.cfg.DoomLoopThreshold = 2
	// Distinct outputs keep the post-execution repetition guard out of the way
	exec := &scriptedExec{results: []*types.ToolResult{
		{Success: true, Output: "one"},
		{Success: true, Output: "two"},
	}}

	res := env.run(t, context.Background(), exec, nil, "count lines")
	assert.Equal(t, types.StateWaitingForUser, res.FinalState)
	// Third identical plan was blocked before execution
	assert.Equal(t, 2, exec.commandCalls("wc -l"))
	assert.GreaterOrEqual(t, env.eventCount(t)[types.EventLoopGuardTriggered], 1)
}

func TestRun_RepetitionGuardEndsRun(t *testing.T) {
	repeat := `{"action":"continue","reasoning":"check","toolCall":{"name":"execute_command","arguments":{"command":"wc -l file.txt"}}}`
	env := newEnv(t, repeat, repeat, repeat, repeat)
	env.cfg.DoomLoopThreshold = 10
	exec := &scriptedExec{} // identical "ok" output every time

	res := env.run(t, context.Background(), exec, nil, "count lines")
	assert.Equal(t, types.StateWaitingForUser, res.FinalState)
	assert.Equal(t, 3, exec.commandCalls("wc -l"))
}

func TestRun_NoToolContinuesBounce(t *testing.T) {
	env := newEnv(t,
		`{"action":"continue","reasoning":"thinking"}`,
		`{"action":"continue","reasoning":"still thinking"}`,
	)

	res := env.run(t, context.Background(), &scriptedExec{}, nil, "anything")
	assert.Equal(t, types.StateWaitingForUser, res.FinalState)
	assert.Contains(t, res.Message, "clarify")
}

func TestRun_AskUserMessageEndsInQuestion(t *testing.T) {
	env := newEnv(t,
		`{"action":"ask_user","reasoning":"need input","userMessage":"Which database should I target"}`,
	)

	res := env.run(t, context.Background(), &scriptedExec{}, nil, "migrate db")
	assert.Equal(t, types.StateWaitingForUser, res.FinalState)
	assert.Equal(t, "Which database should I target?", res.Message)
}

func TestRun_MaxStepsReached(t *testing.T) {
	cont := `{"action":"continue","reasoning":"poke","toolCall":{"name":"execute_command","arguments":{"command":"echo hi"}}}`
	env := newEnv(t, cont, cont)
	env.cfg.MaxSteps = 2
	env.cfg.StagnationWindow = 10

	res := env.run(t, context.Background(), nil, nil, "loop forever")
	assert.Equal(t, types.StateBlocked, res.FinalState)
	assert.Contains(t, res.Message, "Maximum steps (2) reached")
}

func TestRun_ValidationErrorFeedsBackAndContinues(t *testing.T) {
	env := newEnv(t,
		`{"action":"continue","reasoning":"run it","toolCall":{"name":"execute_command","arguments":{"cwd":"/tmp"}}}`,
		`{"action":"complete","reasoning":"done","completionGatesNone":true}`,
	)
	exec := &scriptedExec{}

	res := env.run(t, context.Background(), exec, nil, "anything")
	assert.Equal(t, types.StateCompleted, res.FinalState)
	assert.Equal(t, 2, res.Steps)
	// The invalid call never executed
	assert.Empty(t, exec.calls)
}

func TestRun_TransientFailureRetriesOnce(t *testing.T) {
	env := newEnv(t,
		`{"action":"continue","reasoning":"fetch","toolCall":{"name":"execute_command","arguments":{"command":"curl example.com"}}}`,
		`{"action":"complete","reasoning":"done","completionGatesNone":true}`,
	)
	env.cfg.TransientRetryMaxAttempts = 1
	env.cfg.ExecutorAnalysis = config.AnalysisNever
	exec := &scriptedExec{results: []*types.ToolResult{
		{Success: false, Error: "connection refused", Artifacts: &types.Artifacts{RetryCategory: types.RetryTransient}},
		{Success: true, Output: "fetched"},
	}}

	res := env.run(t, context.Background(), exec, nil, "fetch page")
	assert.Equal(t, types.StateCompleted, res.FinalState)
	assert.Equal(t, 2, exec.commandCalls("curl"))
}

func TestRun_PermanentFailureNotRetried(t *testing.T) {
	env := newEnv(t,
		`{"action":"continue","reasoning":"build","toolCall":{"name":"execute_command","arguments":{"command":"go build ./broken"}}}`,
		`{"action":"complete","reasoning":"done","completionGatesNone":true}`,
	)
	env.cfg.TransientRetryMaxAttempts = 3
	env.cfg.ExecutorAnalysis = config.AnalysisNever
	exec := &scriptedExec{results: []*types.ToolResult{
		{Success: false, Error: "exit status 2"},
	}}

	res := env.run(t, context.Background(), exec, nil, "build it")
	assert.Equal(t, types.StateCompleted, res.FinalState)
	assert.Equal(t, 1, exec.commandCalls("go build"))
}

func TestRun_BlockedActionReturnsMessage(t *testing.T) {
	env := newEnv(t,
		`{"action":"blocked","reasoning":"cannot proceed","userMessage":"The repository is read-only"}`,
	)

	res := env.run(t, context.Background(), &scriptedExec{}, nil, "anything")
	assert.Equal(t, types.StateBlocked, res.FinalState)
	assert.Equal(t, "The repository is read-only", res.Message)
	assert.False(t, res.Success)
}

func TestRun_PlanParsedPrecedesToolCallStarted(t *testing.T) {
	env := newEnv(t,
		`{"action":"continue","reasoning":"poke","toolCall":{"name":"execute_command","arguments":{"command":"echo hi"}}}`,
		`{"action":"complete","reasoning":"done","completionGatesNone":true}`,
	)

	res := env.run(t, context.Background(), &scriptedExec{}, nil, "anything")
	require.Equal(t, types.StateCompleted, res.FinalState)

	entries, err := journal.ReadEntries(env.j.Path())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if e.Type == journal.TypeRunEvent && e.Event != nil && e.Event.Step == 1 {
			names = append(names, e.Event.Event)
		}
	}
	parsed := indexOf(names, types.EventPlanParsed)
	started := indexOf(names, types.EventToolCallStarted)
	require.NotEqual(t, -1, parsed)
	require.NotEqual(t, -1, started)
	assert.Less(t, parsed, started)
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

func TestClassify_Heuristics(t *testing.T) {
	// Explicit artifact wins over text
	res := &types.ToolResult{Success: false, Error: "exit status 1",
		Artifacts: &types.Artifacts{RetryCategory: types.RetryTransient}}
	assert.Equal(t, types.RetryTransient, Classify(res))

	assert.Equal(t, types.RetryTransient, Classify(&types.ToolResult{Success: false, Error: "dial tcp: connection refused"}))
	assert.Equal(t, types.RetryTransient, Classify(&types.ToolResult{Success: false, Error: "command timed out after 2m0s"}))
	assert.Equal(t, types.RetryPermanent, Classify(&types.ToolResult{Success: false, Error: "exit status 3"}))
	assert.Equal(t, types.RetryPermanent, Classify(&types.ToolResult{Success: false, Error: "bash: frob: command not found"}))
	assert.Equal(t, types.RetryUnknown, Classify(&types.ToolResult{Success: false, Error: "something odd"}))
}

func TestEnsureUserFacingQuestion(t *testing.T) {
	assert.Equal(t, "How should I proceed?", ensureUserFacingQuestion(""))
	assert.Equal(t, "Allow this?", ensureUserFacingQuestion("Allow this"))
	assert.Equal(t, "Already a question?", ensureUserFacingQuestion("Already a question?"))
}

func TestToolDigest_BoundedPreview(t *testing.T) {
	call := execCall("echo hi", "")
	res := &types.ToolResult{Success: true, Output: strings.Repeat("x", 5000),
		Artifacts: &types.Artifacts{ProgressSignal: types.ProgressSuccessWithoutChanges}}
	d := toolDigest(call, res)
	assert.Contains(t, d, "[execution] tool=execute_command success=true")
	assert.Contains(t, d, "[stdout_preview]")
	assert.Less(t, len(d), 1200)
}

func TestToolDigest_SeparatesStderrPreview(t *testing.T) {
	call := execCall("make build", "")
	res := &types.ToolResult{Success: false, Output: "compiling",
		Stderr: "warning: unused variable", Error: "exit status 2"}
	d := toolDigest(call, res)
	assert.Contains(t, d, "[stdout_preview] compiling")
	assert.Contains(t, d, "[stderr_preview] warning: unused variable")
}

func TestExecCall_Arguments(t *testing.T) {
	call := execCall("echo hi", "/tmp")
	var cmd, cwd string
	require.NoError(t, json.Unmarshal(call.Arguments["command"], &cmd))
	require.NoError(t, json.Unmarshal(call.Arguments["cwd"], &cwd))
	assert.Equal(t, "echo hi", cmd)
	assert.Equal(t, "/tmp", cwd)
}
