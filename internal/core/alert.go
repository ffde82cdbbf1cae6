package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AlertStatus tracks the triage lifecycle of an alert.
type AlertStatus int

const (
	AlertStatusOpen AlertStatus = iota
	AlertStatusAcknowledged
	AlertStatusResolved
	AlertStatusFalsePositive
)

func (s AlertStatus) String() string {
	switch s {
	case AlertStatusOpen:
		return "OPEN"
	case AlertStatusAcknowledged:
		return "ACKNOWLEDGED"
	case AlertStatusResolved:
		return "RESOLVED"
	case AlertStatusFalsePositive:
		return "FALSE_POSITIVE"
	default:
		return "UNKNOWN"
	}
}

func (s AlertStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *AlertStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseAlertStatus(str)
	if err != nil {
		*s = AlertStatusOpen
		return nil
	}
	*s = parsed
	return nil
}

// ParseAlertStatus converts a status string to an AlertStatus. Accepts
// upper/lower case and the short "ACK" form.
func ParseAlertStatus(str string) (AlertStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(str)) {
	case "OPEN":
		return AlertStatusOpen, nil
	case "ACKNOWLEDGED", "ACK":
		return AlertStatusAcknowledged, nil
	case "RESOLVED":
		return AlertStatusResolved, nil
	case "FALSE_POSITIVE":
		return AlertStatusFalsePositive, nil
	default:
		return AlertStatusOpen, fmt.Errorf("unknown alert status %q", str)
	}
}

// Alert is a detection finding raised against an AgentEvent. Detectors fill
// in the threat classification and a false-positive estimate; the certainty
// scorer refines both before planning.
type Alert struct {
	ID                string                 `json:"id"`
	Timestamp         time.Time              `json:"timestamp"`
	Detector          string                 `json:"detector"`
	RuleID            string                 `json:"rule_id,omitempty"`
	Severity          Severity               `json:"severity"`
	Status            AlertStatus            `json:"status"`
	Title             string                 `json:"title"`
	Description       string                 `json:"description"`
	ThreatType        ThreatType             `json:"threat_type"`
	AgentID           string                 `json:"agent_id"`
	UserID            string                 `json:"user_id,omitempty"`
	SessionID         string                 `json:"session_id,omitempty"`
	SourceIP          string                 `json:"source_ip,omitempty"`
	FalsePositiveProb float64                `json:"false_positive_prob"`
	EventIDs          []string               `json:"event_ids"`
	Evidence          map[string]interface{} `json:"evidence,omitempty"`
	Mitigations       []string               `json:"mitigations,omitempty"`
}

// NewAlert creates an Alert from the triggering event, inheriting its
// identity fields.
func NewAlert(event *AgentEvent, title, description string) *Alert {
	a := &Alert{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		Status:      AlertStatusOpen,
		Title:       title,
		Description: description,
		Evidence:    make(map[string]interface{}),
	}
	if event != nil {
		a.AgentID = event.AgentID
		a.UserID = event.UserID
		a.SessionID = event.SessionID
		a.SourceIP = event.SourceIP
		a.EventIDs = []string{event.ID}
	}
	return a
}

// Marshal serializes the alert to JSON.
func (a *Alert) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalAlert deserializes an Alert from JSON.
func UnmarshalAlert(data []byte) (*Alert, error) {
	var alert Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

// AlertPipeline is the bounded in-memory alert store with handler fan-out.
// When the store is full the oldest 10% are evicted.
type AlertPipeline struct {
	mu       sync.RWMutex
	alerts   []*Alert
	byID     map[string]*Alert
	handlers []func(*Alert)
	maxStore int
	logger   zerolog.Logger

	processed int64
	evicted   int64
}

// NewAlertPipeline creates an alert pipeline. maxStore <= 0 uses the
// default of 10000.
func NewAlertPipeline(logger zerolog.Logger, maxStore int) *AlertPipeline {
	if maxStore <= 0 {
		maxStore = 10000
	}
	return &AlertPipeline{
		alerts:   make([]*Alert, 0, 256),
		byID:     make(map[string]*Alert),
		maxStore: maxStore,
		logger:   logger.With().Str("component", "alert_pipeline").Logger(),
	}
}

// AddHandler registers a callback invoked for every processed alert.
// Handlers run synchronously in registration order; a panicking handler is
// recovered and logged so one bad consumer cannot stall triage.
func (p *AlertPipeline) AddHandler(handler func(*Alert)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, handler)
}

// Process stores the alert and fans it out to registered handlers.
func (p *AlertPipeline) Process(alert *Alert) {
	if alert == nil {
		return
	}

	p.mu.Lock()
	if len(p.alerts) >= p.maxStore {
		drop := p.maxStore / 10
		if drop < 1 {
			drop = 1
		}
		for _, old := range p.alerts[:drop] {
			delete(p.byID, old.ID)
		}
		p.alerts = append(p.alerts[:0], p.alerts[drop:]...)
		p.evicted += int64(drop)
	}
	p.alerts = append(p.alerts, alert)
	p.byID[alert.ID] = alert
	p.processed++
	handlers := make([]func(*Alert), len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	p.logger.Info().
		Str("alert_id", alert.ID).
		Str("detector", alert.Detector).
		Str("severity", alert.Severity.String()).
		Str("threat_type", string(alert.ThreatType)).
		Float64("fp_prob", alert.FalsePositiveProb).
		Msg(alert.Title)

	for _, h := range handlers {
		p.runHandler(h, alert)
	}
}

func (p *AlertPipeline) runHandler(h func(*Alert), alert *Alert) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Str("alert_id", alert.ID).
				Msg("alert handler panicked")
		}
	}()
	h(alert)
}

// GetAlerts returns up to limit alerts at or above minSeverity, most
// recent first. limit <= 0 means no limit.
func (p *AlertPipeline) GetAlerts(minSeverity Severity, limit int) []*Alert {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Alert, 0, limit)
	for i := len(p.alerts) - 1; i >= 0; i-- {
		if p.alerts[i].Severity >= minSeverity {
			out = append(out, p.alerts[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// GetAlertByID returns the alert with the given ID, or nil.
func (p *AlertPipeline) GetAlertByID(id string) *Alert {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byID[id]
}

// UpdateAlertStatus sets the status of an alert. Returns the alert and
// whether it was found.
func (p *AlertPipeline) UpdateAlertStatus(id string, status AlertStatus) (*Alert, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	alert, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	alert.Status = status
	return alert, true
}

// DeleteAlert removes an alert from the store.
func (p *AlertPipeline) DeleteAlert(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[id]; !ok {
		return false
	}
	delete(p.byID, id)
	for i, a := range p.alerts {
		if a.ID == id {
			p.alerts = append(p.alerts[:i], p.alerts[i+1:]...)
			break
		}
	}
	return true
}

// ClearAlerts removes all alerts and returns how many were dropped.
func (p *AlertPipeline) ClearAlerts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.alerts)
	p.alerts = p.alerts[:0]
	p.byID = make(map[string]*Alert)
	return n
}

// Count returns the number of stored alerts.
func (p *AlertPipeline) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.alerts)
}

// GetMetrics returns a snapshot of pipeline counters.
func (p *AlertPipeline) GetMetrics() map[string]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return map[string]int64{
		"alerts_processed": p.processed,
		"alerts_stored":    int64(len(p.alerts)),
		"alerts_evicted":   p.evicted,
	}
}
