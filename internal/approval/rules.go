// Package approval implements the destructive-command gate: a deterministic
// classifier with an LLM assist, a persisted rules store matched against
// canonical command signatures, a pending-action ledger derived from the
// session journal, and a reply classifier for the approval prompt.
package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/zacedev/zace/internal/types"
)

// rulesFile is the on-disk shape of the approval rules store.
type rulesFile struct {
	Rules []types.ApprovalRule `json:"rules"`
}

// Store holds persisted approval rules. Writes rewrite the whole file; the
// file is small and a partial append would corrupt it.
type Store struct {
	mu            sync.Mutex
	path          string
	workspaceRoot string
	rules         []types.ApprovalRule
}

// OpenStore loads the rules file at path, tolerating a missing file. A
// malformed file is treated as empty rather than failing the run; the first
// write replaces it.
func OpenStore(path, workspaceRoot string) *Store {
	s := &Store{path: path, workspaceRoot: workspaceRoot}
	raw, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var rf rulesFile
	if err := json.Unmarshal(raw, &rf); err != nil {
		return s
	}
	s.rules = rf.Rules
	return s
}

// Add appends a rule and rewrites the file.
func (s *Store) Add(rule types.ApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule)
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("approval: create rules dir: %w", err)
	}
	data, err := json.MarshalIndent(rulesFile{Rules: s.rules}, "", "  ")
	if err != nil {
		return fmt.Errorf("approval: marshal rules: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("approval: write rules: %w", err)
	}
	return nil
}

// Rules returns a snapshot of the stored rules.
func (s *Store) Rules() []types.ApprovalRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ApprovalRule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Match finds the stored decision for a canonical command signature.
//
// Expectations:
//   - Session-scoped rules apply only within their sessionId; workspace
//     rules apply to any session under the same workspaceRoot
//   - A pattern written /src/flags matches as a regular expression
//     (flag i = case-insensitive); anything else matches by equality
//   - When multiple rules match, the newest createdAt wins
func (s *Store) Match(signature, sessionID string) (types.ApprovalDecision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *types.ApprovalRule
	for i := range s.rules {
		r := &s.rules[i]
		switch r.Scope {
		case types.ScopeSession:
			if r.SessionID != sessionID {
				continue
			}
		case types.ScopeWorkspace:
			if r.WorkspaceRoot != s.workspaceRoot {
				continue
			}
		default:
			continue
		}
		if !patternMatches(r.Pattern, signature) {
			continue
		}
		if best == nil || r.CreatedAt >= best.CreatedAt {
			best = r
		}
	}
	if best == nil {
		return "", false
	}
	return best.Decision, true
}

var regexPatternRe = regexp.MustCompile(`^/(.+)/([a-z]*)$`)

func patternMatches(pattern, signature string) bool {
	if m := regexPatternRe.FindStringSubmatch(pattern); m != nil {
		expr := m[1]
		if strings.Contains(m[2], "i") {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return false
		}
		return re.MatchString(signature)
	}
	return pattern == signature
}
