package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zacedev/zace/internal/config"
	"github.com/zacedev/zace/internal/journal"
	"github.com/zacedev/zace/internal/llm"
	"github.com/zacedev/zace/internal/types"
)

// Verdict is a classified user reply to an approval prompt.
type Verdict string

const (
	VerdictAllowOnce            Verdict = "allow_once"
	VerdictAllowAlwaysSession   Verdict = "allow_always_session"
	VerdictAllowAlwaysWorkspace Verdict = "allow_always_workspace"
	VerdictDeny                 Verdict = "deny"
	VerdictDenyAlways           Verdict = "deny_always"
	VerdictUnclear              Verdict = "unclear"
)

// Decision is the outcome of Authorize.
type Decision string

const (
	// Allowed means the command may run.
	Allowed Decision = "allowed"
	// Denied means the command must not run.
	Denied Decision = "denied"
	// Pending means no interactive prompter is available; the request was
	// written to the ledger and the run should stop in waiting_for_user.
	Pending Decision = "pending"
)

// maxUnclearReplies bounds the re-prompt loop for replies the classifier
// cannot interpret.
const maxUnclearReplies = 3

// Prompter asks the user a question and returns their raw reply. A nil
// Prompter on the Manager means the process is non-interactive.
type Prompter interface {
	Ask(prompt string) (string, error)
}

// Manager runs the approval state machine for one session.
type Manager struct {
	cfg        config.Config
	store      *Store
	classifier *Classifier
	journal    *journal.Journal
	client     llm.ChatClient // intent model; nil disables the LLM pass
	prompter   Prompter
	sessionID  string
	runID      string
}

// NewManager wires the approval subsystem. store and classifier are
// required; journal, client, and prompter may be nil.
func NewManager(cfg config.Config, store *Store, classifier *Classifier, j *journal.Journal, client llm.ChatClient, prompter Prompter, sessionID, runID string) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      store,
		classifier: classifier,
		journal:    j,
		client:     client,
		prompter:   prompter,
		sessionID:  sessionID,
		runID:      runID,
	}
}

// Authorize decides whether command may run. reason describes the verdict
// for the step record.
//
// Expectations:
//   - Non-destructive commands pass without any prompt
//   - A stored rule matching the canonical signature resolves the request
//     without prompting (newest rule wins, per Store.Match)
//   - Without a prompter the request is recorded as an open ledger entry
//     and Pending is returned
//   - allow-always replies persist a rule before the command runs, so a
//     crash after approval cannot lose the decision
func (m *Manager) Authorize(ctx context.Context, command, signature, cwd string) (Decision, string, error) {
	if !m.cfg.RequireRiskyConfirmation {
		return Allowed, "risky confirmation disabled", nil
	}
	if m.cfg.RiskyConfirmationToken != "" && strings.Contains(command, m.cfg.RiskyConfirmationToken) {
		return Allowed, "risky confirmation token present", nil
	}
	a := m.classifier.Assess(ctx, command, cwd)
	if !a.Destructive {
		return Allowed, "not destructive", nil
	}

	if m.cfg.ApprovalMemoryEnabled {
		if dec, ok := m.store.Match(signature, m.sessionID); ok {
			if dec == types.ApprovalAllow {
				return Allowed, "allowed by stored rule", nil
			}
			return Denied, "denied by stored rule", nil
		}
	}

	prompt := m.buildPrompt(command, a)
	pendingID := uuid.NewString()
	m.recordPending(pendingID, prompt, command, signature, cwd, a.Reason, types.PendingOpen, "")

	if m.prompter == nil {
		return Pending, a.Reason, nil
	}

	for attempt := 0; attempt < maxUnclearReplies; attempt++ {
		reply, err := m.prompter.Ask(prompt)
		if err != nil {
			m.recordPending(pendingID, prompt, command, signature, cwd, a.Reason, types.PendingResolved, "prompt failed")
			return Denied, fmt.Sprintf("approval prompt failed: %v", err), nil
		}
		verdict := m.ClassifyReply(ctx, reply)
		switch verdict {
		case VerdictUnclear:
			prompt = "I could not interpret that reply. " + m.buildPrompt(command, a)
			continue
		default:
			return m.applyVerdict(verdict, signature, pendingID, prompt, command, cwd, a.Reason)
		}
	}
	m.recordPending(pendingID, prompt, command, signature, cwd, a.Reason, types.PendingResolved, "unclear")
	return Denied, "approval reply unclear after repeated prompts", nil
}

// Resolve applies a user reply to a previously recorded pending action, for
// session resume. The returned Decision is never Pending unless the reply
// was unclear.
func (m *Manager) Resolve(ctx context.Context, pending types.PendingApprovalAction, reply string) (Decision, string, error) {
	verdict := m.ClassifyReply(ctx, reply)
	if verdict == VerdictUnclear {
		return Pending, "reply unclear", nil
	}
	pc := pending.Context
	return m.applyVerdict(verdict, pc.CommandSignature, pc.PendingID, pending.Prompt, pc.Command, pc.WorkingDirectory, pc.Reason)
}

func (m *Manager) applyVerdict(verdict Verdict, signature, pendingID, prompt, command, cwd, reason string) (Decision, string, error) {
	resolution := string(verdict)
	switch verdict {
	case VerdictAllowOnce:
		m.recordPending(pendingID, prompt, command, signature, cwd, reason, types.PendingResolved, resolution)
		return Allowed, "user approved once", nil

	case VerdictAllowAlwaysSession, VerdictAllowAlwaysWorkspace:
		scope := types.ScopeSession
		if verdict == VerdictAllowAlwaysWorkspace {
			scope = types.ScopeWorkspace
		}
		if err := m.persistRule(signature, types.ApprovalAllow, scope); err != nil {
			// The approval still stands for this invocation.
			slog.Error("[approval] could not persist allow rule", "error", err)
		}
		m.recordPending(pendingID, prompt, command, signature, cwd, reason, types.PendingResolved, resolution)
		return Allowed, fmt.Sprintf("user approved (%s scope)", scope), nil

	case VerdictDenyAlways:
		if err := m.persistRule(signature, types.ApprovalDeny, types.ScopeSession); err != nil {
			slog.Error("[approval] could not persist deny rule", "error", err)
		}
		m.recordPending(pendingID, prompt, command, signature, cwd, reason, types.PendingResolved, resolution)
		return Denied, "user denied (persisted)", nil

	default: // VerdictDeny
		m.recordPending(pendingID, prompt, command, signature, cwd, reason, types.PendingResolved, resolution)
		return Denied, "user denied", nil
	}
}

func (m *Manager) persistRule(signature string, decision types.ApprovalDecision, scope types.ApprovalScope) error {
	rule := types.ApprovalRule{
		Pattern:       signature,
		Decision:      decision,
		Scope:         scope,
		WorkspaceRoot: m.cfg.WorkspaceRoot,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if scope == types.ScopeSession {
		rule.SessionID = m.sessionID
	}
	if err := m.store.Add(rule); err != nil {
		return err
	}
	return m.journal.ApprovalRule(rule)
}

func (m *Manager) recordPending(pendingID, prompt, command, signature, cwd, reason string, status types.PendingStatus, resolution string) {
	if err := m.journal.PendingAction(types.PendingApprovalAction{
		SessionID: m.sessionID,
		RunID:     m.runID,
		Kind:      "approval",
		Status:    status,
		Prompt:    prompt,
		Context: types.PendingApprovalContext{
			Command:          command,
			CommandSignature: signature,
			Reason:           reason,
			WorkingDirectory: cwd,
			PendingID:        pendingID,
			Resolution:       resolution,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		slog.Error("[approval] could not record pending action", "error", err)
	}
}

func (m *Manager) buildPrompt(command string, a Assessment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The agent wants to run a potentially destructive command:\n\n  %s\n\nReason: %s\n", command, a.Reason)
	if len(a.RedirectTargets) > 0 {
		sb.WriteString("Files that would be overwritten:\n")
		for _, rt := range a.RedirectTargets {
			fmt.Fprintf(&sb, "  %s (exists: %s)\n", rt.Path, rt.Exists)
		}
	}
	fmt.Fprintf(&sb, "\nAllow? [yes / no / always / always workspace / never / %s]: ", m.cfg.RiskyConfirmationToken)
	return sb.String()
}

const intentPrompt = `Classify the user's reply to a command-approval prompt. Respond with a single JSON object: {"verdict": "allow_once"|"allow_always_session"|"allow_always_workspace"|"deny"|"deny_always"|"unclear"}.`

type intentVerdict struct {
	Verdict string `json:"verdict"`
}

// ClassifyReply maps a raw user reply to a Verdict.
//
// Expectations:
//   - The risky confirmation token (exact, case-sensitive) always means
//     allow_once, whatever surrounds it
//   - Common short forms classify deterministically without an LLM call
//   - Anything else goes to the intent model; an unavailable model or an
//     unparseable reply classifies as unclear, never as allow
func (m *Manager) ClassifyReply(ctx context.Context, reply string) Verdict {
	if m.cfg.RiskyConfirmationToken != "" && strings.Contains(reply, m.cfg.RiskyConfirmationToken) {
		return VerdictAllowOnce
	}
	switch strings.ToLower(strings.TrimSpace(reply)) {
	case "y", "yes", "ok", "allow", "approve", "sure":
		return VerdictAllowOnce
	case "always", "allow always", "always allow", "always session":
		return VerdictAllowAlwaysSession
	case "always workspace", "allow always workspace", "workspace":
		return VerdictAllowAlwaysWorkspace
	case "n", "no", "deny", "skip", "cancel":
		return VerdictDeny
	case "never", "deny always", "never allow":
		return VerdictDenyAlways
	}

	if m.client == nil {
		return VerdictUnclear
	}
	resp, err := m.client.Chat(ctx, llm.ChatRequest{
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: intentPrompt},
			{Role: types.RoleUser, Content: reply},
		},
		CallKind: llm.KindApproval,
	}, nil)
	if err != nil {
		slog.Warn("[approval] intent model unavailable", "error", err)
		return VerdictUnclear
	}
	var iv intentVerdict
	if err := json.Unmarshal([]byte(llm.StripFences(resp.Content)), &iv); err != nil {
		return VerdictUnclear
	}
	switch Verdict(iv.Verdict) {
	case VerdictAllowOnce, VerdictAllowAlwaysSession, VerdictAllowAlwaysWorkspace, VerdictDeny, VerdictDenyAlways:
		return Verdict(iv.Verdict)
	}
	return VerdictUnclear
}
