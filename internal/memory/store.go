// Package memory holds the long-term pattern and decision store. The engine
// treats the store as an external collaborator behind an interface; the
// bundled implementation keeps everything in process for single-node
// deployments and tests.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/argus-soc/argus/internal/core"
)

// Pattern is a learned or seeded attack pattern.
type Pattern struct {
	ID          string          `json:"id"`
	Text        string          `json:"text"`
	ThreatType  core.ThreatType `json:"threat_type"`
	Severity    core.Severity   `json:"severity"`
	Confidence  float64         `json:"confidence"`
	Source      string          `json:"source"` // "seed", "learned", "synthesized"
	LearnedAt   time.Time       `json:"learned_at"`
	Detections  int64           `json:"detections"`
	LastMatched time.Time       `json:"last_matched,omitempty"`
}

// Decision records the outcome of one alert after triage and planning, used
// to feed user trust profiles and pattern confidence over time.
type Decision struct {
	AlertID    string          `json:"alert_id"`
	UserID     string          `json:"user_id,omitempty"`
	ThreatType core.ThreatType `json:"threat_type"`
	Certainty  float64         `json:"certainty"`
	Action     string          `json:"action"`
	Confirmed  bool            `json:"confirmed"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Statistics summarizes store contents.
type Statistics struct {
	Patterns        int            `json:"patterns"`
	Decisions       int            `json:"decisions"`
	ByThreatType    map[string]int `json:"by_threat_type"`
	TotalDetections int64          `json:"total_detections"`
}

// Store persists patterns and decisions. Implementations must be safe for
// concurrent use.
type Store interface {
	StorePattern(p *Pattern) error
	GetPatterns(minConfidence float64, threatType core.ThreatType) ([]*Pattern, error)
	RecordDetection(patternID string) error
	StoreDecision(d *Decision) error
	GetDecisions(userID string, limit int) ([]*Decision, error)
	GetStatistics() (*Statistics, error)
}

// InMemoryStore is the bundled Store implementation.
type InMemoryStore struct {
	mu           sync.RWMutex
	patterns     map[string]*Pattern
	decisions    []*Decision
	maxDecisions int
}

// NewInMemoryStore creates an empty store. maxDecisions <= 0 uses 10000.
func NewInMemoryStore(maxDecisions int) *InMemoryStore {
	if maxDecisions <= 0 {
		maxDecisions = 10000
	}
	return &InMemoryStore{
		patterns:     make(map[string]*Pattern),
		maxDecisions: maxDecisions,
	}
}

// StorePattern adds or updates a pattern. An empty ID gets a generated one.
func (s *InMemoryStore) StorePattern(p *Pattern) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.LearnedAt.IsZero() {
		p.LearnedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[p.ID] = p
	return nil
}

// GetPatterns returns patterns at or above minConfidence. An empty threatType
// matches all types. Results are sorted by confidence, highest first.
func (s *InMemoryStore) GetPatterns(minConfidence float64, threatType core.ThreatType) ([]*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		if p.Confidence < minConfidence {
			continue
		}
		if threatType != "" && p.ThreatType != threatType {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

// RecordDetection increments the detection counter for a pattern.
func (s *InMemoryStore) RecordDetection(patternID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.patterns[patternID]; ok {
		p.Detections++
		p.LastMatched = time.Now().UTC()
	}
	return nil
}

// StoreDecision appends a decision, evicting the oldest 10% when full.
func (s *InMemoryStore) StoreDecision(d *Decision) error {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.decisions) >= s.maxDecisions {
		drop := s.maxDecisions / 10
		if drop < 1 {
			drop = 1
		}
		s.decisions = append(s.decisions[:0], s.decisions[drop:]...)
	}
	s.decisions = append(s.decisions, d)
	return nil
}

// GetDecisions returns up to limit decisions for a user, most recent first.
// An empty userID matches all users.
func (s *InMemoryStore) GetDecisions(userID string, limit int) ([]*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Decision, 0, limit)
	for i := len(s.decisions) - 1; i >= 0; i-- {
		if userID != "" && s.decisions[i].UserID != userID {
			continue
		}
		out = append(out, s.decisions[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetStatistics summarizes store contents.
func (s *InMemoryStore) GetStatistics() (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Statistics{
		Patterns:     len(s.patterns),
		Decisions:    len(s.decisions),
		ByThreatType: make(map[string]int),
	}
	for _, p := range s.patterns {
		stats.ByThreatType[string(p.ThreatType)]++
		stats.TotalDetections += p.Detections
	}
	return stats, nil
}
