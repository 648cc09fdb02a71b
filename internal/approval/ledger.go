package approval

import (
	"time"

	"github.com/zacedev/zace/internal/journal"
	"github.com/zacedev/zace/internal/types"
)

// OpenPending scans journal entries and returns the approval actions still
// awaiting a user decision, oldest first.
//
// Expectations:
//   - The ledger is append-only: an action is open iff no later entry with
//     the same pendingId has status resolved
//   - Entries older than maxAge are expired and not returned
func OpenPending(entries []journal.Entry, now time.Time, maxAge time.Duration) []types.PendingApprovalAction {
	latest := make(map[string]types.PendingApprovalAction)
	var order []string
	for _, e := range entries {
		if e.Type != journal.TypePendingAction || e.Pending == nil {
			continue
		}
		p := *e.Pending
		id := p.Context.PendingID
		if id == "" {
			continue
		}
		if _, seen := latest[id]; !seen {
			order = append(order, id)
		}
		latest[id] = p
	}

	var out []types.PendingApprovalAction
	for _, id := range order {
		p := latest[id]
		if p.Status != types.PendingOpen {
			continue
		}
		if maxAge > 0 && p.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339Nano, p.Timestamp); err == nil && now.Sub(ts) > maxAge {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}
