package remediate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Execution statuses.
const (
	StatusExecuted        = "executed"
	StatusSkipped         = "skipped"
	StatusFailed          = "failed"
	StatusDenied          = "denied"
	StatusPendingApproval = "pending_approval"
)

// ExecutionRecord is the durable trace of one sub-action attempt.
type ExecutionRecord struct {
	ExecutionID string        `json:"execution_id"`
	PlanID      string        `json:"plan_id"`
	Action      string        `json:"action"`
	Target      string        `json:"target"`
	Timestamp   time.Time     `json:"timestamp"`
	Status      string        `json:"status"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`
	TTL         time.Duration `json:"-"`
}

// Marshal serializes the record to JSON.
func (r *ExecutionRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// PlaybookExecution aggregates the sub-action records of one plan.
type PlaybookExecution struct {
	PlanID    string             `json:"plan_id"`
	AlertID   string             `json:"alert_id"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at"`
	Records   []*ExecutionRecord `json:"records"`
}

// Completed reports whether every sub-action reached a terminal status.
// Pending approvals are not terminal; the playbook stays open until the
// gate resolves them.
func (p *PlaybookExecution) Completed() bool {
	for _, r := range p.Records {
		if r.Status == StatusPendingApproval {
			return false
		}
	}
	return true
}

// Failed reports whether any sub-action failed.
func (p *PlaybookExecution) Failed() bool {
	for _, r := range p.Records {
		if r.Status == StatusFailed {
			return true
		}
	}
	return false
}

// idempotencyKey fingerprints (action, target, plan). Re-delivered plans
// and duplicate sub-actions inside one plan both collapse onto the same key.
func idempotencyKey(action, target, planID string) string {
	h := sha256.New()
	h.Write([]byte(action))
	h.Write([]byte{0})
	h.Write([]byte(target))
	h.Write([]byte{0})
	h.Write([]byte(planID))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// RecordStore keeps execution records for idempotency checks. Records
// expire after their TTL and are evicted by the sweep loop.
type RecordStore struct {
	mu         sync.Mutex
	records    map[string]*ExecutionRecord
	defaultTTL time.Duration
}

// NewRecordStore creates a store. defaultTTL <= 0 uses one hour.
func NewRecordStore(defaultTTL time.Duration) *RecordStore {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &RecordStore{
		records:    make(map[string]*ExecutionRecord),
		defaultTTL: defaultTTL,
	}
}

// Lookup returns the live record for (action, target, plan), or nil.
// Expired records do not count: the action may legitimately run again.
func (s *RecordStore) Lookup(action, target, planID string) *ExecutionRecord {
	key := idempotencyKey(action, target, planID)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	if time.Since(rec.Timestamp) >= rec.TTL {
		delete(s.records, key)
		return nil
	}
	return rec
}

// LookupOrCreate returns the live record for (action, target, plan), or
// atomically reserves a fresh one under a single lock. created reports
// whether the caller owns the reservation; workers racing on the same key
// see created=false and must treat the action as already in flight.
func (s *RecordStore) LookupOrCreate(action, target, planID string) (rec *ExecutionRecord, created bool) {
	key := idempotencyKey(action, target, planID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.records[key]; ok {
		if time.Since(prior.Timestamp) < prior.TTL {
			return prior, false
		}
		delete(s.records, key)
	}
	rec = &ExecutionRecord{
		ExecutionID: uuid.New().String(),
		PlanID:      planID,
		Action:      action,
		Target:      target,
		Timestamp:   time.Now().UTC(),
		TTL:         s.defaultTTL,
	}
	s.records[key] = rec
	return rec, true
}

// NewRecord creates and stores a record for the sub-action.
func (s *RecordStore) NewRecord(action, target, planID string) *ExecutionRecord {
	rec := &ExecutionRecord{
		ExecutionID: uuid.New().String(),
		PlanID:      planID,
		Action:      action,
		Target:      target,
		Timestamp:   time.Now().UTC(),
		TTL:         s.defaultTTL,
	}

	s.mu.Lock()
	s.records[idempotencyKey(action, target, planID)] = rec
	s.mu.Unlock()
	return rec
}

// Resolve updates a pending-approval record once the gate decides.
func (s *RecordStore) Resolve(executionID, status, result string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ExecutionID == executionID {
			rec.Status = status
			rec.Result = result
			return true
		}
	}
	return false
}

// Sweep evicts expired records.
func (s *RecordStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, rec := range s.records {
		if now.Sub(rec.Timestamp) >= rec.TTL {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of live records.
func (s *RecordStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// parseSubAction splits a sub-action token into its action and optional
// inline target.
func parseSubAction(token, defaultTarget string) (ActionType, string, error) {
	name := token
	target := defaultTarget
	if idx := strings.IndexByte(token, ':'); idx >= 0 {
		name = token[:idx]
		target = token[idx+1:]
	}
	action, err := ParseActionType(name)
	if err != nil {
		return "", "", fmt.Errorf("sub-action %q: %w", token, err)
	}
	if target == "" {
		target = "unknown"
	}
	return action, target, nil
}
