// Package remediate executes remediation plans. Every sub-action passes the
// same gauntlet: parse, idempotency check, policy check, circuit breaker,
// retried dispatch, record. Failures are recorded, never thrown.
package remediate

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/argus-soc/argus/internal/core"
	"github.com/argus-soc/argus/internal/plan"
	"github.com/argus-soc/argus/internal/policy"
)

// ResponsePublisher receives finished execution records, normally the event
// bus response stream.
type ResponsePublisher interface {
	PublishResponse(action string, data []byte) error
}

// Remediator runs plans on a bounded worker pool.
type Remediator struct {
	policy    policy.Evaluator
	records   *RecordStore
	breaker   *CircuitBreaker
	approvals *ApprovalGate
	state     *actionState
	publisher ResponsePublisher
	logger    zerolog.Logger

	dryRun         bool
	maxAttempts    int
	attemptTimeout time.Duration

	queue  chan *plan.Plan
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	playbooks map[string]*PlaybookExecution
	metrics   remediatorMetrics
}

type remediatorMetrics struct {
	plansExecuted   int64
	plansDropped    int64
	plansInvalid    int64
	actionsExecuted int64
	actionsSkipped  int64
	actionsDenied   int64
	actionsFailed   int64
	actionsPending  int64
}

// NewRemediator creates a remediator from config. publisher may be nil.
func NewRemediator(cfg *core.RemediationConfig, pol policy.Evaluator, publisher ResponsePublisher, logger zerolog.Logger) *Remediator {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = 30 * time.Second
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	log := logger.With().Str("component", "remediator").Logger()
	return &Remediator{
		policy:         pol,
		records:        NewRecordStore(cfg.RecordTTL),
		breaker:        NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, cfg.BreakerProbes),
		approvals:      NewApprovalGate(30*time.Minute, log),
		state:          newActionState(),
		publisher:      publisher,
		logger:         log,
		dryRun:         cfg.DryRun,
		maxAttempts:    maxAttempts,
		attemptTimeout: attemptTimeout,
		queue:          make(chan *plan.Plan, queueSize),
		playbooks:      make(map[string]*PlaybookExecution),
	}
}

// Approvals exposes the gate for CLI and API surfaces.
func (r *Remediator) Approvals() *ApprovalGate { return r.approvals }

// Records exposes the execution record store.
func (r *Remediator) Records() *RecordStore { return r.records }

// Breaker exposes the circuit breaker.
func (r *Remediator) Breaker() *CircuitBreaker { return r.breaker }

// Start launches the worker pool. Workers drain the queue until the context
// is canceled.
func (r *Remediator) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.logger.Info().Int("workers", workers).Bool("dry_run", r.dryRun).Msg("remediator started")
}

// Shutdown stops the workers and waits for in-flight plans to finish.
func (r *Remediator) Shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Remediator) worker(id int) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case p := <-r.queue:
			r.safeExecute(p)
		}
	}
}

// safeExecute guards a worker against executor panics. One poisoned plan
// must not take a worker down.
func (r *Remediator) safeExecute(p *plan.Plan) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Interface("panic", rec).
				Str("plan_id", p.ID).
				Msg("plan execution panicked")
		}
	}()
	r.Execute(r.ctx, p)
}

// Enqueue validates and queues a plan. A full queue drops the plan with an
// error rather than blocking the alert path.
func (r *Remediator) Enqueue(p *plan.Plan) error {
	if err := p.Validate(); err != nil {
		r.mu.Lock()
		r.metrics.plansInvalid++
		r.mu.Unlock()
		return fmt.Errorf("invalid plan: %w", err)
	}

	select {
	case r.queue <- p:
		return nil
	default:
		r.mu.Lock()
		r.metrics.plansDropped++
		r.mu.Unlock()
		return fmt.Errorf("remediation queue full, dropping plan %s", p.ID)
	}
}

// Execute runs a plan's sub-actions in order and returns the playbook
// aggregate. Sub-action failures do not stop later sub-actions: monitoring
// should still come up when the block fails.
func (r *Remediator) Execute(ctx context.Context, p *plan.Plan) *PlaybookExecution {
	pb := &PlaybookExecution{
		PlanID:    p.ID,
		AlertID:   p.AlertID,
		StartedAt: time.Now().UTC(),
	}

	if err := p.Validate(); err != nil {
		r.logger.Error().Err(err).Str("plan_id", p.ID).Msg("dropping invalid plan")
		r.mu.Lock()
		r.metrics.plansInvalid++
		r.mu.Unlock()
		return pb
	}

	if p.Action == plan.PlanLogOnly {
		r.logger.Info().
			Str("plan_id", p.ID).
			Str("target", p.Target).
			Str("justification", p.Justification).
			Msg("log-only plan, no actions executed")
	}

	for _, token := range p.SubActions {
		rec := r.executeSub(ctx, p, token)
		pb.Records = append(pb.Records, rec)
		r.publishRecord(rec)
	}
	pb.EndedAt = time.Now().UTC()

	r.mu.Lock()
	r.metrics.plansExecuted++
	r.playbooks[p.ID] = pb
	r.mu.Unlock()

	r.logger.Info().
		Str("plan_id", p.ID).
		Int("actions", len(pb.Records)).
		Bool("failed", pb.Failed()).
		Bool("completed", pb.Completed()).
		Msg("plan executed")
	return pb
}

// executeSub runs one sub-action through the full state machine.
func (r *Remediator) executeSub(ctx context.Context, p *plan.Plan, token string) *ExecutionRecord {
	// Parse
	action, target, err := parseSubAction(token, p.Target)
	if err != nil {
		rec := r.records.NewRecord(token, p.Target, p.ID)
		rec.Status = StatusFailed
		rec.Error = err.Error()
		r.countStatus(rec.Status)
		return rec
	}
	target = sanitizeTarget(target)

	// Idempotency: the reservation is atomic, so two workers racing on the
	// same key can never both dispatch.
	rec, created := r.records.LookupOrCreate(string(action), target, p.ID)
	if !created {
		prior := rec
		rec = &ExecutionRecord{
			ExecutionID: prior.ExecutionID,
			PlanID:      p.ID,
			Action:      string(action),
			Target:      target,
			Timestamp:   time.Now().UTC(),
			Status:      StatusSkipped,
			Result:      fmt.Sprintf("already executed as %s at %s", prior.ExecutionID, prior.Timestamp.Format(time.RFC3339)),
			TTL:         prior.TTL,
		}
		r.countStatus(rec.Status)
		r.logger.Debug().
			Str("action", string(action)).
			Str("target", target).
			Str("plan_id", p.ID).
			Msg("duplicate action skipped")
		return rec
	}

	// Policy
	decision, err := r.policy.Evaluate(ctx, &policy.Request{
		Action: string(action),
		Target: target,
		Owner:  p.Owner,
		Context: map[string]string{
			"plan_id":     p.ID,
			"threat_type": string(p.ThreatType),
			"lab":         fmt.Sprintf("%t", p.LabContext),
		},
	})
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = fmt.Sprintf("policy evaluation failed: %v", err)
		r.countStatus(rec.Status)
		return rec
	}

	switch decision.Effect {
	case policy.EffectDeny:
		rec.Status = StatusDenied
		rec.Result = joinReasons(decision.Reasons)
		r.countStatus(rec.Status)
		r.logger.Warn().
			Str("action", string(action)).
			Str("target", target).
			Strs("reasons", decision.Reasons).
			Msg("action denied by policy")
		return rec

	case policy.EffectRequireApproval:
		rec.Status = StatusPendingApproval
		rec.Result = joinReasons(decision.Reasons)
		r.countStatus(rec.Status)
		execID := rec.ExecutionID
		r.approvals.SubmitAction(action, target, p, func(approved bool) {
			r.resumeApproved(execID, action, target, p, approved)
		})
		return rec
	}

	// Dispatch with breaker and retry
	r.dispatchWithRetry(ctx, rec, action, target, p)
	r.countStatus(rec.Status)
	return rec
}

// dispatchWithRetry runs the action under the circuit breaker with bounded
// retries, exponential backoff and jitter.
func (r *Remediator) dispatchWithRetry(ctx context.Context, rec *ExecutionRecord, action ActionType, target string, p *plan.Plan) {
	key := string(action) + ":" + target

	if !r.breaker.Allow(key) {
		rec.Status = StatusFailed
		rec.Error = fmt.Sprintf("circuit open for %s", key)
		r.logger.Warn().Str("key", key).Msg("dispatch refused, circuit open")
		return
	}

	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		rec.Attempts = attempt + 1

		attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
		result, err := r.dispatch(attemptCtx, action, target, p)
		cancel()

		if err == nil {
			rec.Status = StatusExecuted
			rec.Result = result
			r.breaker.RecordSuccess(key)
			return
		}
		lastErr = err
		r.breaker.RecordFailure(key)

		if ctx.Err() != nil {
			break
		}
		if attempt < r.maxAttempts-1 {
			if !r.breaker.Allow(key) {
				break
			}
			sleepCtx(ctx, backoff(attempt))
		}
	}

	rec.Status = StatusFailed
	rec.Error = lastErr.Error()
	r.logger.Error().
		Err(lastErr).
		Str("action", string(action)).
		Str("target", target).
		Int("attempts", rec.Attempts).
		Msg("action failed after retries")
}

// resumeApproved finishes an approval-gated action once the gate decides.
func (r *Remediator) resumeApproved(executionID string, action ActionType, target string, p *plan.Plan, approved bool) {
	if !approved {
		r.records.Resolve(executionID, StatusDenied, "approval rejected or expired")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.attemptTimeout)
	defer cancel()

	result, err := r.dispatch(ctx, action, target, p)
	if err != nil {
		r.records.Resolve(executionID, StatusFailed, err.Error())
		r.logger.Error().Err(err).Str("action", string(action)).Msg("approved action failed")
		return
	}
	r.records.Resolve(executionID, StatusExecuted, result)
	r.logger.Info().Str("action", string(action)).Str("target", target).Msg("approved action executed")
}

func (r *Remediator) publishRecord(rec *ExecutionRecord) {
	if r.publisher == nil {
		return
	}
	data, err := rec.Marshal()
	if err != nil {
		r.logger.Error().Err(err).Str("execution_id", rec.ExecutionID).Msg("marshaling execution record")
		return
	}
	if err := r.publisher.PublishResponse(rec.Action, data); err != nil {
		r.logger.Warn().Err(err).Str("execution_id", rec.ExecutionID).Msg("publishing execution record")
	}
}

// Sweep evicts expired records, idle circuits and overdue approvals. Runs
// off the hot path on the engine's sweep ticker.
func (r *Remediator) Sweep() {
	records := r.records.Sweep()
	circuits := r.breaker.Sweep(10 * time.Minute)
	approvals := r.approvals.Sweep()

	r.mu.Lock()
	for id, pb := range r.playbooks {
		if pb.Completed() && time.Since(pb.EndedAt) > time.Hour {
			delete(r.playbooks, id)
		}
	}
	r.mu.Unlock()

	if records+circuits+approvals > 0 {
		r.logger.Debug().
			Int("records", records).
			Int("circuits", circuits).
			Int("approvals", approvals).
			Msg("sweep complete")
	}
}

// Playbook returns the stored aggregate for a plan, or nil.
func (r *Remediator) Playbook(planID string) *PlaybookExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playbooks[planID]
}

func (r *Remediator) countStatus(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch status {
	case StatusExecuted:
		r.metrics.actionsExecuted++
	case StatusSkipped:
		r.metrics.actionsSkipped++
	case StatusDenied:
		r.metrics.actionsDenied++
	case StatusFailed:
		r.metrics.actionsFailed++
	case StatusPendingApproval:
		r.metrics.actionsPending++
	}
}

// GetMetrics returns a snapshot of remediation counters.
func (r *Remediator) GetMetrics() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]int64{
		"plans_executed":   r.metrics.plansExecuted,
		"plans_dropped":    r.metrics.plansDropped,
		"plans_invalid":    r.metrics.plansInvalid,
		"actions_executed": r.metrics.actionsExecuted,
		"actions_skipped":  r.metrics.actionsSkipped,
		"actions_denied":   r.metrics.actionsDenied,
		"actions_failed":   r.metrics.actionsFailed,
		"actions_pending":  r.metrics.actionsPending,
	}
}

// backoff returns the delay before retry attempt+1: 500ms doubling per
// attempt, capped at 10s, with up to 50% jitter.
func backoff(attempt int) time.Duration {
	d := 500 * time.Millisecond << uint(attempt)
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func joinReasons(reasons []string) string {
	return strings.Join(reasons, "; ")
}
