// Package lspboot tracks whether language-server diagnostics are available
// for the files the agent is touching. It is a five-state machine driven by
// the lspStatus artifact on tool results; the run loop re-probes when the
// agent writes the LSP server config.
package lspboot

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/zacedev/zace/internal/types"
)

// State is the bootstrap lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateRequired State = "required"
	StateProbing  State = "probing"
	StateReady    State = "ready"
	StateFailed   State = "failed"
)

// Signal is the per-result classification of the lspStatus artifact.
type Signal string

const (
	SignalNone     Signal = "none"
	SignalActive   Signal = "active"
	SignalRequired Signal = "required"
	SignalFailed   Signal = "failed"
)

const (
	maxAttemptedCommands    = 5
	attemptedCommandPreview = 220
)

// Event is a bootstrap transition event for the journal and observers.
type Event struct {
	Name    string
	Payload map[string]any
}

// SignalFromStatus maps an lspStatus artifact to a Signal. Neutral statuses
// (no applicable files, no changed files, disabled, absent) are SignalNone
// and never move the machine.
func SignalFromStatus(status types.LspStatus) Signal {
	switch status {
	case types.LspStatusNoActiveServer:
		return SignalRequired
	case types.LspStatusFailed:
		return SignalFailed
	case types.LspStatusDiagnostics, types.LspStatusNoErrors:
		return SignalActive
	}
	return SignalNone
}

// Machine is the bootstrap state machine. Owned by one run loop; not safe
// for concurrent use.
type Machine struct {
	state  State
	reason string

	pending           map[string]struct{}
	provisionAttempts int
	attemptedCommands []string

	configPath string
}

// New builds an idle Machine watching configPath for bootstrap writes.
func New(configPath string) *Machine {
	return &Machine{
		state:      StateIdle,
		pending:    make(map[string]struct{}),
		configPath: filepath.ToSlash(configPath),
	}
}

func (m *Machine) State() State   { return m.state }
func (m *Machine) Reason() string { return m.reason }

// ProvisionAttempts returns how many probe cycles have ended unready.
func (m *Machine) ProvisionAttempts() int { return m.provisionAttempts }

// PendingFiles returns the sorted set of changed files awaiting diagnostics.
func (m *Machine) PendingFiles() []string {
	out := make([]string, 0, len(m.pending))
	for f := range m.pending {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// AttemptedCommands returns the recorded bootstrap command previews, newest
// last.
func (m *Machine) AttemptedCommands() []string {
	return append([]string(nil), m.attemptedCommands...)
}

// RecordAttemptedCommand keeps a bounded preview of a bootstrap-related
// command for the waiting_for_user excerpt.
func (m *Machine) RecordAttemptedCommand(cmd string) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return
	}
	if len(cmd) > attemptedCommandPreview {
		cmd = cmd[:attemptedCommandPreview]
	}
	m.attemptedCommands = append(m.attemptedCommands, cmd)
	if len(m.attemptedCommands) > maxAttemptedCommands {
		m.attemptedCommands = m.attemptedCommands[len(m.attemptedCommands)-maxAttemptedCommands:]
	}
}

// isConfigPath reports whether path is the watched LSP server config.
func (m *Machine) isConfigPath(path string) bool {
	p := filepath.ToSlash(path)
	return p == m.configPath || strings.HasSuffix(m.configPath, p) || strings.HasSuffix(p, m.configPath)
}

// ConfigTouched reports whether any changed file is the LSP server config.
func (m *Machine) ConfigTouched(changedFiles []string) bool {
	for _, f := range changedFiles {
		if m.isConfigPath(f) {
			return true
		}
	}
	return false
}

// Observe applies one tool result's lsp artifacts to the machine.
//
// Expectations:
//   - Signal none leaves state and reason untouched and emits nothing
//   - Signal active moves to ready and clears pending files; the cleared
//     event is emitted only when the previous state was not idle and the
//     state or reason actually changed
//   - Signal required/failed updates state, updates the reason only when the
//     artifact carries one, and emits the required event only on change
//   - Non-config changed files accumulate as pending under any non-none
//     signal
func (m *Machine) Observe(res *types.ToolResult) []Event {
	if res == nil || res.Artifacts == nil {
		return nil
	}
	a := res.Artifacts
	sig := SignalFromStatus(a.LspStatus)
	if sig == SignalNone {
		return nil
	}

	for _, f := range a.ChangedFiles {
		if !m.isConfigPath(f) {
			m.pending[filepath.ToSlash(f)] = struct{}{}
		}
	}

	prevState, prevReason := m.state, m.reason
	var events []Event
	switch sig {
	case SignalActive:
		m.state = StateReady
		m.reason = ""
		m.pending = make(map[string]struct{})
		if prevState != StateIdle && (prevState != m.state || prevReason != m.reason) {
			events = append(events, Event{Name: types.EventLspBootstrapCleared, Payload: map[string]any{
				"previousState": string(prevState),
			}})
		}
	case SignalRequired, SignalFailed:
		if sig == SignalRequired {
			m.state = StateRequired
		} else {
			m.state = StateFailed
		}
		if a.LspStatusReason != "" {
			m.reason = a.LspStatusReason
		}
		if prevState != m.state || prevReason != m.reason {
			events = append(events, Event{Name: types.EventLspBootstrapRequired, Payload: map[string]any{
				"state":  string(m.state),
				"reason": m.reason,
			}})
		}
	}
	return events
}

// ShouldProbe reports whether a write that touched changedFiles warrants a
// diagnostics probe: the config was written, files are pending, and the
// machine is stuck in required or failed.
func (m *Machine) ShouldProbe(changedFiles []string) bool {
	if m.state != StateRequired && m.state != StateFailed {
		return false
	}
	return len(m.pending) > 0 && m.ConfigTouched(changedFiles)
}

// BeginProbe moves to probing and returns the files to probe.
func (m *Machine) BeginProbe() ([]string, Event) {
	files := m.PendingFiles()
	m.state = StateProbing
	return files, Event{Name: types.EventLspProbeStarted, Payload: map[string]any{
		"files": files,
	}}
}

// CompleteProbe applies the probe result. command is the bootstrap command
// that triggered the probe, kept as an attempted-command preview when the
// probe does not reach ready.
func (m *Machine) CompleteProbe(res *types.ToolResult, command string) []Event {
	sig := SignalNone
	reason := ""
	if res != nil && res.Artifacts != nil {
		sig = SignalFromStatus(res.Artifacts.LspStatus)
		reason = res.Artifacts.LspStatusReason
	}
	if sig == SignalActive {
		m.state = StateReady
		m.reason = ""
		m.pending = make(map[string]struct{})
		return []Event{{Name: types.EventLspProbeSucceeded}}
	}

	if sig == SignalFailed {
		m.state = StateFailed
	} else {
		m.state = StateRequired
	}
	if reason != "" {
		m.reason = reason
	}
	m.RecordAttemptedCommand(command)
	m.provisionAttempts++
	return []Event{{Name: types.EventLspProbeFailed, Payload: map[string]any{
		"state":             string(m.state),
		"reason":            m.reason,
		"provisionAttempts": m.provisionAttempts,
	}}}
}

// BlocksCompletion reports whether the bootstrap state alone forbids
// completing the task.
//
// Expectations:
//   - Disabled LSP never blocks
//   - required always blocks; failed blocks only when blockOnFailed is set
//   - requireLsp broadens the block to any non-ready state with pending files
func (m *Machine) BlocksCompletion(enabled, blockOnFailed, requireLsp bool) bool {
	if !enabled {
		return false
	}
	if m.state == StateRequired {
		return true
	}
	if m.state == StateFailed && blockOnFailed {
		return true
	}
	if requireLsp && m.state != StateReady && len(m.pending) > 0 {
		return true
	}
	return false
}

// Exhausted reports whether bootstrap can no longer be attempted
// automatically, so a completion block should bounce to waiting_for_user.
func (m *Machine) Exhausted(autoProvision bool, maxAttempts int) bool {
	if !autoProvision {
		return true
	}
	return m.provisionAttempts >= maxAttempts
}

// UserExcerpt renders the attempted-commands summary for the
// waiting_for_user message.
func (m *Machine) UserExcerpt() string {
	var sb strings.Builder
	sb.WriteString("LSP bootstrap is stuck in state " + string(m.state))
	if m.reason != "" {
		sb.WriteString(" (" + m.reason + ")")
	}
	sb.WriteString(". Edit " + m.configPath + " to configure a server.")
	if len(m.attemptedCommands) > 0 {
		sb.WriteString(" Attempted so far:")
		for _, c := range m.attemptedCommands {
			sb.WriteString("\n  - " + c)
		}
	}
	return sb.String()
}
