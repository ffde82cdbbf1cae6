package remediate

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/argus-soc/argus/internal/plan"
)

func approvalPlan(id string) *plan.Plan {
	return &plan.Plan{ID: id, Justification: "confirmed prompt injection"}
}

func TestApprovalGate_SubmitAndPending(t *testing.T) {
	g := NewApprovalGate(time.Hour, zerolog.Nop())

	id := g.SubmitAction(ActionSuspendUser, "u-1", approvalPlan("plan-1"), nil)
	if id == "" {
		t.Fatal("SubmitAction should return an approval ID")
	}

	pending := g.Pending()
	if len(pending) != 1 {
		t.Fatalf("Pending() = %d entries, want 1", len(pending))
	}
	p := pending[0]
	if p.ID != id || p.PlanID != "plan-1" || p.Target != "u-1" {
		t.Errorf("pending approval = %+v", p)
	}
	if p.Action != ActionSuspendUser {
		t.Errorf("Action = %q, want suspend_user", p.Action)
	}
	if !p.ExpiresAt.After(p.CreatedAt) {
		t.Error("ExpiresAt should be after CreatedAt")
	}
}

func TestApprovalGate_ApproveInvokesResume(t *testing.T) {
	g := NewApprovalGate(time.Hour, zerolog.Nop())

	var calls atomic.Int32
	var lastVerdict atomic.Bool
	id := g.SubmitAction(ActionSuspendUser, "u-1", approvalPlan("plan-1"), func(approved bool) {
		calls.Add(1)
		lastVerdict.Store(approved)
	})

	if !g.Approve(id) {
		t.Fatal("Approve should succeed for a pending ID")
	}
	if calls.Load() != 1 {
		t.Errorf("resume called %d times, want 1", calls.Load())
	}
	if !lastVerdict.Load() {
		t.Error("resume should receive approved=true")
	}
	if len(g.Pending()) != 0 {
		t.Error("approved entry should leave the pending set")
	}

	if g.Approve(id) {
		t.Error("second decision on the same ID should return false")
	}
	if calls.Load() != 1 {
		t.Error("resume must not be invoked twice")
	}
}

func TestApprovalGate_Reject(t *testing.T) {
	g := NewApprovalGate(time.Hour, zerolog.Nop())

	var verdict atomic.Bool
	verdict.Store(true)
	id := g.SubmitAction(ActionBlockIP, "203.0.113.9", approvalPlan("plan-1"), func(approved bool) {
		verdict.Store(approved)
	})

	if !g.Reject(id) {
		t.Fatal("Reject should succeed for a pending ID")
	}
	if verdict.Load() {
		t.Error("resume should receive approved=false")
	}
}

func TestApprovalGate_UnknownID(t *testing.T) {
	g := NewApprovalGate(time.Hour, zerolog.Nop())
	if g.Approve("ghost") {
		t.Error("Approve of unknown ID should return false")
	}
	if g.Reject("ghost") {
		t.Error("Reject of unknown ID should return false")
	}
}

func TestApprovalGate_SweepExpiresAsRejected(t *testing.T) {
	g := NewApprovalGate(50*time.Millisecond, zerolog.Nop())

	var calls atomic.Int32
	var verdict atomic.Bool
	verdict.Store(true)
	g.SubmitAction(ActionSuspendUser, "u-1", approvalPlan("plan-1"), func(approved bool) {
		calls.Add(1)
		verdict.Store(approved)
	})

	time.Sleep(100 * time.Millisecond)
	expired := g.Sweep()
	if expired != 1 {
		t.Errorf("Sweep() = %d, want 1", expired)
	}
	if calls.Load() != 1 {
		t.Errorf("resume called %d times, want 1", calls.Load())
	}
	if verdict.Load() {
		t.Error("expiry should resume with approved=false")
	}
	if len(g.Pending()) != 0 {
		t.Error("expired entry should be removed")
	}
}

func TestApprovalGate_Metrics(t *testing.T) {
	g := NewApprovalGate(time.Hour, zerolog.Nop())

	a := g.SubmitAction(ActionSuspendUser, "u-1", approvalPlan("plan-1"), nil)
	b := g.SubmitAction(ActionSuspendUser, "u-2", approvalPlan("plan-2"), nil)
	g.SubmitAction(ActionBlockIP, "203.0.113.9", approvalPlan("plan-3"), nil)

	g.Approve(a)
	g.Reject(b)

	m := g.GetMetrics()
	if m["pending"] != 1 {
		t.Errorf("pending = %d, want 1", m["pending"])
	}
	if m["approved"] != 1 {
		t.Errorf("approved = %d, want 1", m["approved"])
	}
	if m["rejected"] != 1 {
		t.Errorf("rejected = %d, want 1", m["rejected"])
	}
}
