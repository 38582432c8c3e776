package agent

import (
	"sync"

	"github.com/haasonsaas/tether/pkg/models"
)

// Ledger tracks the pending tool requests of one session's current assistant
// turn. Entries are grouped by continuation handle; a group resolves only
// when every entry has a decision, which is what lets all tool results batch
// into a single user message.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*models.PendingToolRequest
	order   []string
}

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*models.PendingToolRequest)}
}

// Enqueue registers a pending request. Duplicate ids are ignored.
func (l *Ledger) Enqueue(req models.PendingToolRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[req.ID]; ok {
		return
	}
	if req.Decision == "" {
		req.Decision = models.DecisionUndecided
	}
	clone := req
	l.entries[req.ID] = &clone
	l.order = append(l.order, req.ID)
}

// Decide records the user's decision. The first decision wins; later calls
// are no-ops. Returns false when the id is unknown.
func (l *Ledger) Decide(id string, approved bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[id]
	if !ok {
		return false
	}
	if entry.Decision != models.DecisionUndecided {
		return true
	}
	if approved {
		entry.Decision = models.DecisionApproved
	} else {
		entry.Decision = models.DecisionRejected
	}
	return true
}

// GroupOf returns the group key of a pending id.
func (l *Ledger) GroupOf(id string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[id]
	if !ok {
		return "", false
	}
	return entry.ResponseID, true
}

// IsGroupResolved reports whether every entry of the group has a decision.
func (l *Ledger) IsGroupResolved(group string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range l.order {
		entry := l.entries[id]
		if entry.ResponseID == group && entry.Decision == models.DecisionUndecided {
			return false
		}
	}
	return true
}

// DrainGroup removes and returns the group's entries in enqueue order.
func (l *Ledger) DrainGroup(group string) []models.PendingToolRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	var drained []models.PendingToolRequest
	var keep []string
	for _, id := range l.order {
		entry := l.entries[id]
		if entry.ResponseID == group {
			drained = append(drained, *entry)
			delete(l.entries, id)
		} else {
			keep = append(keep, id)
		}
	}
	l.order = keep
	return drained
}

// Pending returns a copy of all entries in enqueue order, for snapshot
// persistence.
func (l *Ledger) Pending() []models.PendingToolRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.PendingToolRequest, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.entries[id])
	}
	return out
}

// Clear voids every pending entry. Used on cancel; a later tool response
// referencing a voided id fails with tool_request_not_found.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*models.PendingToolRequest)
	l.order = nil
}

// Len reports the number of pending entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}
