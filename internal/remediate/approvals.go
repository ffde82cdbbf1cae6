package remediate

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/argus-soc/argus/internal/plan"
)

// PendingApproval is one remediation waiting on an analyst.
type PendingApproval struct {
	ID        string     `json:"id"`
	PlanID    string     `json:"plan_id"`
	Action    ActionType `json:"action"`
	Target    string     `json:"target"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`

	resume func(approved bool)
}

// ApprovalGate parks actions that policy or the planner routed to a human.
// Unanswered approvals expire as rejections: silence must never widen the
// blast radius.
type ApprovalGate struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
	ttl     time.Duration
	logger  zerolog.Logger

	approved int64
	rejected int64
	expired  int64
}

// NewApprovalGate creates a gate. ttl <= 0 uses 30 minutes.
func NewApprovalGate(ttl time.Duration, logger zerolog.Logger) *ApprovalGate {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ApprovalGate{
		pending: make(map[string]*PendingApproval),
		ttl:     ttl,
		logger:  logger.With().Str("component", "approval_gate").Logger(),
	}
}

// Submit parks a human-review request with no follow-up action. Returns the
// approval ID for the analyst.
func (g *ApprovalGate) Submit(p *plan.Plan, target string) string {
	return g.SubmitAction(ActionHumanReview, target, p, nil)
}

// SubmitAction parks an action pending approval. If resume is non-nil it is
// invoked exactly once with the decision (false on expiry).
func (g *ApprovalGate) SubmitAction(action ActionType, target string, p *plan.Plan, resume func(approved bool)) string {
	now := time.Now()
	pa := &PendingApproval{
		ID:        uuid.New().String(),
		PlanID:    p.ID,
		Action:    action,
		Target:    target,
		Reason:    p.Justification,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
		resume:    resume,
	}

	g.mu.Lock()
	g.pending[pa.ID] = pa
	g.mu.Unlock()

	g.logger.Info().
		Str("approval_id", pa.ID).
		Str("action", string(action)).
		Str("target", target).
		Time("expires_at", pa.ExpiresAt).
		Msg("action pending approval")
	return pa.ID
}

// Approve resolves a pending approval positively.
func (g *ApprovalGate) Approve(id string) bool {
	return g.decide(id, true)
}

// Reject resolves a pending approval negatively.
func (g *ApprovalGate) Reject(id string) bool {
	return g.decide(id, false)
}

func (g *ApprovalGate) decide(id string, approved bool) bool {
	g.mu.Lock()
	pa, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
		if approved {
			g.approved++
		} else {
			g.rejected++
		}
	}
	g.mu.Unlock()

	if !ok {
		return false
	}

	g.logger.Info().
		Str("approval_id", id).
		Bool("approved", approved).
		Str("action", string(pa.Action)).
		Msg("approval decided")

	if pa.resume != nil {
		pa.resume(approved)
	}
	return true
}

// Pending returns a snapshot of unanswered approvals.
func (g *ApprovalGate) Pending() []*PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*PendingApproval, 0, len(g.pending))
	for _, pa := range g.pending {
		out = append(out, pa)
	}
	return out
}

// Sweep expires overdue approvals, resuming each as rejected.
func (g *ApprovalGate) Sweep() int {
	now := time.Now()

	g.mu.Lock()
	var expired []*PendingApproval
	for id, pa := range g.pending {
		if now.After(pa.ExpiresAt) {
			delete(g.pending, id)
			expired = append(expired, pa)
		}
	}
	g.expired += int64(len(expired))
	g.mu.Unlock()

	for _, pa := range expired {
		g.logger.Warn().
			Str("approval_id", pa.ID).
			Str("action", string(pa.Action)).
			Msg("approval expired without decision, treating as rejected")
		if pa.resume != nil {
			pa.resume(false)
		}
	}
	return len(expired)
}

// GetMetrics returns a snapshot of gate counters.
func (g *ApprovalGate) GetMetrics() map[string]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return map[string]int64{
		"pending":  int64(len(g.pending)),
		"approved": g.approved,
		"rejected": g.rejected,
		"expired":  g.expired,
	}
}
