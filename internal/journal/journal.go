// Package journal provides the append-only per-session JSONL journal.
//
// Each session gets one file under .zace/sessions/. Entries capture every
// durable fact about a run: memory messages, compaction summaries, run
// events, approval rules, pending approval actions, and a run summary with
// token accounting. Readers must tolerate unknown fields; writers only ever
// append.
//
// Design constraints carried over from the task-logging layer this grew out
// of:
//   - All Journal methods are nil-safe (no-op on nil receiver) so callers
//     don't need nil checks before every append.
//   - The journal is the sole owner of its file handle; callers never open
//     session files directly.
//   - One journal per session per process; cross-process concurrency is the
//     caller's problem.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zacedev/zace/internal/types"
)

// EntryType labels one JSONL line.
type EntryType string

const (
	TypeMessage       EntryType = "message"
	TypeSummary       EntryType = "summary"
	TypeRun           EntryType = "run"
	TypeRunEvent      EntryType = "run_event"
	TypeApprovalRule  EntryType = "approval_rule"
	TypePendingAction EntryType = "pending_action"
)

// Entry is one journal line. Fields are omitempty so each entry only
// serializes relevant data; unknown fields in existing files are preserved
// by never rewriting them.
type Entry struct {
	Type      EntryType `json:"type"`
	Timestamp string    `json:"timestamp"`

	// message
	Role    types.MessageRole `json:"role,omitempty"`
	Content string            `json:"content,omitempty"`

	// summary
	Summary string `json:"summary,omitempty"`

	// run_event
	Event *types.RunEvent `json:"event,omitempty"`

	// approval_rule
	Rule *types.ApprovalRule `json:"rule,omitempty"`

	// pending_action
	Pending *types.PendingApprovalAction `json:"pending,omitempty"`

	// run (summary written at run end)
	RunID       string     `json:"runId,omitempty"`
	FinalState  string     `json:"finalState,omitempty"`
	Steps       int        `json:"steps,omitempty"`
	ElapsedMs   int64      `json:"elapsedMs,omitempty"`
	TotalTokens int        `json:"totalTokens,omitempty"`
	CallStats   []CallStat `json:"callStats,omitempty"`
}

// CallStat summarizes LLM usage for one call kind across a run.
type CallStat struct {
	Kind             string `json:"kind"`
	Calls            int    `json:"calls"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// canonicalKindOrder defines the display order for CallStats.
var canonicalKindOrder = []string{"planner", "safety", "approval", "executor", "compaction"}

// Journal is the append handle for one session.
//
// Expectations:
//   - All methods are nil-safe (no-op when called on nil *Journal)
//   - Concurrent appends are safe (mutex-protected)
//   - Entries carry RFC3339Nano UTC timestamps assigned at append time
type Journal struct {
	sessionID string
	path      string
	started   time.Time

	mu        sync.Mutex
	f         *os.File
	callStats map[string]*CallStat
	total     int
}

// Open creates (or re-opens for append) the journal for sessionID under
// dir/<sessionID>.jsonl, creating dir as needed. Returns nil on I/O failure;
// nil is safe to use.
func Open(dir, sessionID string) *Journal {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("[journal] could not create dir", "dir", dir, "error", err)
		return nil
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("[journal] could not open session file", "path", path, "error", err)
		return nil
	}
	return &Journal{
		sessionID: sessionID,
		path:      path,
		started:   time.Now(),
		f:         f,
		callStats: make(map[string]*CallStat),
	}
}

// Path returns the backing file path, or "" on nil receiver.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Message appends a message entry.
func (j *Journal) Message(role types.MessageRole, content string) error {
	if j == nil {
		return nil
	}
	return j.write(Entry{Type: TypeMessage, Role: role, Content: content})
}

// SummaryEntry appends a compaction summary entry.
func (j *Journal) SummaryEntry(summary string) error {
	if j == nil {
		return nil
	}
	return j.write(Entry{Type: TypeSummary, Summary: summary})
}

// RunEvent appends a run_event entry.
func (j *Journal) RunEvent(ev types.RunEvent) error {
	if j == nil {
		return nil
	}
	e := ev
	return j.write(Entry{Type: TypeRunEvent, Event: &e})
}

// ApprovalRule appends an approval_rule entry mirroring a rule persisted to
// the rules file, so the session history shows when rules were created.
func (j *Journal) ApprovalRule(rule types.ApprovalRule) error {
	if j == nil {
		return nil
	}
	r := rule
	return j.write(Entry{Type: TypeApprovalRule, Rule: &r})
}

// PendingAction appends a pending_action ledger entry.
func (j *Journal) PendingAction(action types.PendingApprovalAction) error {
	if j == nil {
		return nil
	}
	a := action
	return j.write(Entry{Type: TypePendingAction, Pending: &a})
}

// RecordUsage accumulates token usage for one LLM call kind.
//
// Expectations:
//   - No-op on nil receiver or nil usage
//   - TotalTokens reflects the running prompt+completion sum
func (j *Journal) RecordUsage(kind string, usage *types.Usage) {
	if j == nil || usage == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	cs := j.callStats[kind]
	if cs == nil {
		cs = &CallStat{Kind: kind}
		j.callStats[kind] = cs
	}
	cs.Calls++
	cs.PromptTokens += usage.PromptTokens
	cs.CompletionTokens += usage.CompletionTokens
	j.total += usage.PromptTokens + usage.CompletionTokens
}

// TotalTokens returns the running prompt+completion sum, 0 on nil receiver.
func (j *Journal) TotalTokens() int {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.total
}

// CallStats returns a snapshot of per-kind usage in canonical order. Kinds
// with no calls are omitted; unrecognized kinds sort after canonical ones.
func (j *Journal) CallStats() []CallStat {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []CallStat
	seen := make(map[string]bool)
	for _, kind := range canonicalKindOrder {
		if cs, ok := j.callStats[kind]; ok {
			out = append(out, *cs)
			seen[kind] = true
		}
	}
	for kind, cs := range j.callStats {
		if !seen[kind] {
			out = append(out, *cs)
		}
	}
	return out
}

// CloseRun appends the run summary entry for runID and leaves the file open
// for a subsequent run in the same session.
func (j *Journal) CloseRun(runID string, finalState types.AgentState, steps int) error {
	if j == nil {
		return nil
	}
	return j.write(Entry{
		Type:        TypeRun,
		RunID:       runID,
		FinalState:  string(finalState),
		Steps:       steps,
		ElapsedMs:   time.Since(j.started).Milliseconds(),
		TotalTokens: j.TotalTokens(),
		CallStats:   j.CallStats(),
	})
}

// Close releases the file handle. Safe on nil receiver and double close.
func (j *Journal) Close() {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f != nil {
		_ = j.f.Close()
		j.f = nil
	}
}

// write appends one JSON line, assigning the timestamp.
func (j *Journal) write(e Entry) error {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal entry: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return fmt.Errorf("journal: closed")
	}
	if _, err := fmt.Fprintf(j.f, "%s\n", data); err != nil {
		return fmt.Errorf("journal: write entry: %w", err)
	}
	return nil
}

// ReadEntries parses every line of a session file, skipping lines that fail
// to parse. Unknown JSON fields are ignored, per the journal contract.
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Warn("[journal] skipping malformed line", "path", path, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("journal: scan %s: %w", path, err)
	}
	return entries, nil
}
