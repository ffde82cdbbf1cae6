package remediate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/argus-soc/argus/internal/core"
	"github.com/argus-soc/argus/internal/plan"
	"github.com/argus-soc/argus/internal/policy"
)

// ─── Helpers ────────────────────────────────────────────────────────────────

func testRemediationConfig() *core.RemediationConfig {
	return &core.RemediationConfig{
		Enabled:          true,
		DryRun:           true,
		QueueSize:        8,
		MaxAttempts:      2,
		AttemptTimeout:   time.Second,
		RecordTTL:        time.Hour,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
		BreakerProbes:    2,
	}
}

func newTestRemediator(t *testing.T, cfg *core.RemediationConfig, approval, deny []string, pub ResponsePublisher) *Remediator {
	t.Helper()
	if cfg == nil {
		cfg = testRemediationConfig()
	}
	pol, err := policy.NewLocalEvaluator("", approval, deny, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLocalEvaluator error: %v", err)
	}
	return NewRemediator(cfg, pol, pub, zerolog.Nop())
}

func testPlan(id, target string, subs []string) *plan.Plan {
	return &plan.Plan{
		ID:            id,
		AlertID:       "alert-" + id,
		Action:        plan.PlanBlockAndNotify,
		Target:        target,
		Justification: "confirmed prompt injection",
		Owner:         "argus-engine",
		ThreatType:    core.ThreatPromptInjection,
		AgentID:       "support-bot",
		SubActions:    subs,
		Certainty:     0.85,
	}
}

type capturePublisher struct {
	mu      sync.Mutex
	actions []string
}

func (c *capturePublisher) PublishResponse(action string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, action)
	return nil
}

func (c *capturePublisher) published() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.actions...)
}

// ─── Plan execution ─────────────────────────────────────────────────────────

func TestRemediator_ExecuteBlockPlan(t *testing.T) {
	r := newTestRemediator(t, nil, nil, nil, nil)
	p := testPlan("plan-1", "203.0.113.9",
		[]string{"block_ip", "notify_compliance_team", "enable_enhanced_monitoring"})

	pb := r.Execute(context.Background(), p)
	if len(pb.Records) != 3 {
		t.Fatalf("got %d records, want 3", len(pb.Records))
	}
	for i, rec := range pb.Records {
		if rec.Status != StatusExecuted {
			t.Errorf("record %d status = %q, want executed: %s", i, rec.Status, rec.Error)
		}
	}
	if pb.Records[0].Result != "dry-run: would block 203.0.113.9" {
		t.Errorf("block result = %q", pb.Records[0].Result)
	}
	if !r.IsIPBlocked("203.0.113.9") {
		t.Error("dry-run block should still mark the IP in the registry")
	}
	if !pb.Completed() || pb.Failed() {
		t.Errorf("Completed = %v, Failed = %v", pb.Completed(), pb.Failed())
	}

	stored := r.Playbook("plan-1")
	if stored == nil || stored.AlertID != "alert-plan-1" {
		t.Errorf("Playbook(plan-1) = %+v", stored)
	}

	m := r.GetMetrics()
	if m["plans_executed"] != 1 || m["actions_executed"] != 3 {
		t.Errorf("metrics = %v", m)
	}
}

func TestRemediator_LoopbackBlockPrevented(t *testing.T) {
	r := newTestRemediator(t, nil, nil, nil, nil)
	p := testPlan("plan-1", "127.0.0.1", []string{"block_ip"})

	pb := r.Execute(context.Background(), p)
	rec := pb.Records[0]
	if rec.Status != StatusExecuted {
		t.Fatalf("status = %q, want executed", rec.Status)
	}
	if rec.Result != "lab_test_prevented" {
		t.Errorf("Result = %q, want lab_test_prevented", rec.Result)
	}
	if r.IsIPBlocked("127.0.0.1") {
		t.Error("loopback must never enter the block registry")
	}
}

func TestRemediator_IdempotentSkip(t *testing.T) {
	r := newTestRemediator(t, nil, nil, nil, nil)
	p := testPlan("plan-1", "203.0.113.9", []string{"block_ip"})

	first := r.Execute(context.Background(), p)
	second := r.Execute(context.Background(), p)

	rec := second.Records[0]
	if rec.Status != StatusSkipped {
		t.Fatalf("replayed status = %q, want skipped", rec.Status)
	}
	if rec.ExecutionID != first.Records[0].ExecutionID {
		t.Error("skip should reference the original execution ID")
	}
	if m := r.GetMetrics(); m["actions_skipped"] != 1 {
		t.Errorf("actions_skipped = %d, want 1", m["actions_skipped"])
	}
}

func TestRemediator_PolicyDeny(t *testing.T) {
	r := newTestRemediator(t, nil, nil, []string{"suspend_user"}, nil)
	p := testPlan("plan-1", "u-1", []string{"suspend_user", "enable_enhanced_monitoring"})

	pb := r.Execute(context.Background(), p)
	if pb.Records[0].Status != StatusDenied {
		t.Fatalf("status = %q, want denied", pb.Records[0].Status)
	}
	if !strings.Contains(pb.Records[0].Result, "deny list") {
		t.Errorf("denial reason = %q", pb.Records[0].Result)
	}
	if r.IsUserSuspended("u-1") {
		t.Error("denied action must not take effect")
	}
	if pb.Records[1].Status != StatusExecuted {
		t.Error("later sub-actions should still run after a denial")
	}
}

func TestRemediator_ApprovalThenApprove(t *testing.T) {
	r := newTestRemediator(t, nil, []string{"suspend_user"}, nil, nil)
	p := testPlan("plan-1", "u-1", []string{"suspend_user"})

	pb := r.Execute(context.Background(), p)
	rec := pb.Records[0]
	if rec.Status != StatusPendingApproval {
		t.Fatalf("status = %q, want pending_approval", rec.Status)
	}
	if pb.Completed() {
		t.Error("pending approval should keep the playbook open")
	}

	pending := r.Approvals().Pending()
	if len(pending) != 1 {
		t.Fatalf("pending approvals = %d, want 1", len(pending))
	}
	if !r.Approvals().Approve(pending[0].ID) {
		t.Fatal("Approve failed")
	}

	stored := r.Records().Lookup("suspend_user", "u-1", "plan-1")
	if stored.Status != StatusExecuted {
		t.Errorf("status after approval = %q, want executed", stored.Status)
	}
	if !r.IsUserSuspended("u-1") {
		t.Error("approved suspension should take effect")
	}
}

func TestRemediator_ApprovalThenReject(t *testing.T) {
	r := newTestRemediator(t, nil, []string{"suspend_user"}, nil, nil)
	p := testPlan("plan-1", "u-1", []string{"suspend_user"})

	r.Execute(context.Background(), p)
	pending := r.Approvals().Pending()
	if !r.Approvals().Reject(pending[0].ID) {
		t.Fatal("Reject failed")
	}

	stored := r.Records().Lookup("suspend_user", "u-1", "plan-1")
	if stored.Status != StatusDenied {
		t.Errorf("status after rejection = %q, want denied", stored.Status)
	}
	if stored.Result != "approval rejected or expired" {
		t.Errorf("Result = %q", stored.Result)
	}
	if r.IsUserSuspended("u-1") {
		t.Error("rejected suspension must not take effect")
	}
}

func TestRemediator_FailedActionRetries(t *testing.T) {
	r := newTestRemediator(t, nil, nil, nil, nil)
	p := testPlan("plan-1", "unknown", []string{"suspend_user"})

	pb := r.Execute(context.Background(), p)
	rec := pb.Records[0]
	if rec.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", rec.Status)
	}
	if rec.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", rec.Attempts)
	}
	if !strings.Contains(rec.Error, "no user to suspend") {
		t.Errorf("Error = %q", rec.Error)
	}
	if m := r.GetMetrics(); m["actions_failed"] != 1 {
		t.Errorf("actions_failed = %d, want 1", m["actions_failed"])
	}
}

func TestRemediator_CircuitOpenRefusesDispatch(t *testing.T) {
	cfg := testRemediationConfig()
	cfg.BreakerThreshold = 1
	r := newTestRemediator(t, cfg, nil, nil, nil)

	r.Execute(context.Background(), testPlan("plan-1", "unknown", []string{"suspend_user"}))

	pb := r.Execute(context.Background(), testPlan("plan-2", "unknown", []string{"suspend_user"}))
	rec := pb.Records[0]
	if rec.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", rec.Status)
	}
	if !strings.Contains(rec.Error, "circuit open") {
		t.Errorf("Error = %q, want circuit-open refusal", rec.Error)
	}
}

func TestRemediator_ParseFailureRecorded(t *testing.T) {
	r := newTestRemediator(t, nil, nil, nil, nil)
	p := testPlan("plan-1", "203.0.113.9", []string{"launch_missiles"})

	pb := r.Execute(context.Background(), p)
	rec := pb.Records[0]
	if rec.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", rec.Status)
	}
	if !strings.Contains(rec.Error, "unknown action") {
		t.Errorf("Error = %q", rec.Error)
	}
}

func TestRemediator_LogOnlyPlanRunsNothing(t *testing.T) {
	r := newTestRemediator(t, nil, nil, nil, nil)
	p := testPlan("plan-1", "127.0.0.1", nil)
	p.Action = plan.PlanLogOnly

	pb := r.Execute(context.Background(), p)
	if len(pb.Records) != 0 {
		t.Errorf("log-only plan ran %d actions, want 0", len(pb.Records))
	}
	if m := r.GetMetrics(); m["plans_executed"] != 1 {
		t.Errorf("plans_executed = %d, want 1", m["plans_executed"])
	}
}

func TestRemediator_InvalidPlan(t *testing.T) {
	r := newTestRemediator(t, nil, nil, nil, nil)
	p := testPlan("plan-1", "203.0.113.9", []string{"block_ip"})
	p.Justification = ""

	if err := r.Enqueue(p); err == nil {
		t.Error("Enqueue should reject an invalid plan")
	}
	pb := r.Execute(context.Background(), p)
	if len(pb.Records) != 0 {
		t.Error("invalid plan must not execute actions")
	}
	if m := r.GetMetrics(); m["plans_invalid"] != 2 {
		t.Errorf("plans_invalid = %d, want 2", m["plans_invalid"])
	}
}

func TestRemediator_QueueFullDropsPlan(t *testing.T) {
	cfg := testRemediationConfig()
	cfg.QueueSize = 1
	r := newTestRemediator(t, cfg, nil, nil, nil)

	if err := r.Enqueue(testPlan("plan-1", "203.0.113.9", []string{"block_ip"})); err != nil {
		t.Fatalf("first Enqueue error: %v", err)
	}
	if err := r.Enqueue(testPlan("plan-2", "203.0.113.9", []string{"block_ip"})); err == nil {
		t.Error("full queue should drop the plan with an error")
	}
	if m := r.GetMetrics(); m["plans_dropped"] != 1 {
		t.Errorf("plans_dropped = %d, want 1", m["plans_dropped"])
	}
}

func TestRemediator_PublishesRecords(t *testing.T) {
	pub := &capturePublisher{}
	r := newTestRemediator(t, nil, nil, nil, pub)
	p := testPlan("plan-1", "203.0.113.9", []string{"block_ip", "enable_enhanced_monitoring"})

	r.Execute(context.Background(), p)
	got := pub.published()
	if len(got) != 2 {
		t.Fatalf("published %d records, want 2", len(got))
	}
	if got[0] != "block_ip" || got[1] != "enable_enhanced_monitoring" {
		t.Errorf("published actions = %v", got)
	}
}

func TestRemediator_WorkerPool(t *testing.T) {
	r := newTestRemediator(t, nil, nil, nil, nil)
	r.Start(context.Background(), 2)
	defer r.Shutdown()

	if err := r.Enqueue(testPlan("plan-1", "203.0.113.9", []string{"block_ip"})); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.Playbook("plan-1") == nil {
		if time.Now().After(deadline) {
			t.Fatal("worker did not execute the plan in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !r.IsIPBlocked("203.0.113.9") {
		t.Error("queued plan should have blocked the IP")
	}
}

func TestRemediator_Sweep(t *testing.T) {
	cfg := testRemediationConfig()
	cfg.RecordTTL = 50 * time.Millisecond
	r := newTestRemediator(t, cfg, nil, nil, nil)

	r.Execute(context.Background(), testPlan("plan-1", "203.0.113.9", []string{"block_ip"}))
	time.Sleep(100 * time.Millisecond)
	r.Sweep()

	if r.Records().Size() != 0 {
		t.Errorf("records after sweep = %d, want 0", r.Records().Size())
	}
}
