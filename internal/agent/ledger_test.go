package agent

import (
	"testing"

	"github.com/haasonsaas/tether/pkg/models"
)

func pendingReq(id, group string) models.PendingToolRequest {
	return models.PendingToolRequest{ID: id, Name: "bash", ResponseID: group}
}

func TestLedgerGroupResolution(t *testing.T) {
	l := NewLedger()
	l.Enqueue(pendingReq("tu_1", "resp_1"))
	l.Enqueue(pendingReq("tu_2", "resp_1"))
	l.Enqueue(pendingReq("tu_1", "resp_1")) // duplicate ignored

	if l.Len() != 2 {
		t.Fatalf("len = %d, want 2", l.Len())
	}
	if l.IsGroupResolved("resp_1") {
		t.Error("undecided group reported resolved")
	}

	if !l.Decide("tu_1", true) {
		t.Fatal("Decide tu_1 returned false")
	}
	if l.IsGroupResolved("resp_1") {
		t.Error("half-decided group reported resolved")
	}
	if !l.Decide("tu_2", false) {
		t.Fatal("Decide tu_2 returned false")
	}
	if !l.IsGroupResolved("resp_1") {
		t.Error("fully decided group not resolved")
	}

	drained := l.DrainGroup("resp_1")
	if len(drained) != 2 {
		t.Fatalf("drained %d entries, want 2", len(drained))
	}
	if drained[0].ID != "tu_1" || drained[1].ID != "tu_2" {
		t.Errorf("drain order = %s, %s", drained[0].ID, drained[1].ID)
	}
	if drained[0].Decision != models.DecisionApproved || drained[1].Decision != models.DecisionRejected {
		t.Errorf("decisions = %s, %s", drained[0].Decision, drained[1].Decision)
	}
	if l.Len() != 0 {
		t.Errorf("ledger not empty after drain: %d", l.Len())
	}
}

func TestLedgerFirstDecisionWins(t *testing.T) {
	l := NewLedger()
	l.Enqueue(pendingReq("tu_1", ""))

	l.Decide("tu_1", false)
	l.Decide("tu_1", true) // too late

	got := l.Pending()
	if len(got) != 1 || got[0].Decision != models.DecisionRejected {
		t.Errorf("pending = %+v", got)
	}
}

func TestLedgerUnknownID(t *testing.T) {
	l := NewLedger()
	if l.Decide("nope", true) {
		t.Error("Decide on unknown id returned true")
	}
	if _, ok := l.GroupOf("nope"); ok {
		t.Error("GroupOf on unknown id returned ok")
	}
}

func TestLedgerClearVoidsEntries(t *testing.T) {
	l := NewLedger()
	l.Enqueue(pendingReq("tu_1", "resp_1"))
	l.Clear()

	if l.Len() != 0 {
		t.Errorf("len after clear = %d", l.Len())
	}
	if l.Decide("tu_1", true) {
		t.Error("voided entry still accepted a decision")
	}
}

func TestLedgerDrainLeavesOtherGroups(t *testing.T) {
	l := NewLedger()
	l.Enqueue(pendingReq("tu_1", "resp_1"))
	l.Enqueue(pendingReq("tu_2", "resp_2"))

	l.Decide("tu_1", true)
	drained := l.DrainGroup("resp_1")
	if len(drained) != 1 || drained[0].ID != "tu_1" {
		t.Fatalf("drained = %+v", drained)
	}
	if l.Len() != 1 {
		t.Errorf("other group drained too: len = %d", l.Len())
	}
}
