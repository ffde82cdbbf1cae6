package core

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity represents the severity level of an alert or event.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseSeverity(str)
	if err != nil {
		*s = SeverityInfo
		return nil
	}
	*s = parsed
	return nil
}

// ParseSeverity converts a severity string (any case) to a Severity.
func ParseSeverity(str string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(str)) {
	case "INFO":
		return SeverityInfo, nil
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	case "CRITICAL":
		return SeverityCritical, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", str)
	}
}

// ThreatType classifies what kind of threat an alert describes. The set is
// closed: downstream planning switches over it exhaustively.
type ThreatType string

const (
	ThreatPromptInjection    ThreatType = "prompt_injection"
	ThreatDataExfiltration   ThreatType = "data_exfiltration"
	ThreatUnauthorizedAccess ThreatType = "unauthorized_access"
	ThreatMaliciousInput     ThreatType = "malicious_input"
	ThreatSystemManipulation ThreatType = "system_manipulation"
	ThreatPrivacyViolation   ThreatType = "privacy_violation"
	ThreatRateLimitAbuse     ThreatType = "rate_limit_abuse"
	ThreatModelPoisoning     ThreatType = "model_poisoning"
)

// ValidThreatTypes lists every recognized threat type.
var ValidThreatTypes = []ThreatType{
	ThreatPromptInjection,
	ThreatDataExfiltration,
	ThreatUnauthorizedAccess,
	ThreatMaliciousInput,
	ThreatSystemManipulation,
	ThreatPrivacyViolation,
	ThreatRateLimitAbuse,
	ThreatModelPoisoning,
}

// IsValid reports whether t is a member of the closed threat type set.
func (t ThreatType) IsValid() bool {
	for _, v := range ValidThreatTypes {
		if t == v {
			return true
		}
	}
	return false
}

// MaxMessageLen caps the interaction text carried on an event. Longer
// payloads are rejected at ingestion rather than truncated silently.
const MaxMessageLen = 2000

// AgentEvent is one observed interaction with a monitored AI agent, as
// published to the event bus by collectors.
type AgentEvent struct {
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	Source         string                 `json:"source"`
	Message        string                 `json:"message"`
	AgentID        string                 `json:"agent_id"`
	UserID         string                 `json:"user_id,omitempty"`
	SessionID      string                 `json:"session_id,omitempty"`
	SourceIP       string                 `json:"source_ip,omitempty"`
	RequestID      string                 `json:"request_id,omitempty"`
	ResponseTimeMs int64                  `json:"response_time_ms,omitempty"`
	StatusCode     int                    `json:"status_code,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// NewAgentEvent creates an AgentEvent with a generated ID and current timestamp.
func NewAgentEvent(source, agentID, message string) *AgentEvent {
	return &AgentEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		AgentID:   agentID,
		Message:   message,
		Details:   make(map[string]interface{}),
	}
}

// Validate checks the event against the ingestion schema. Events that fail
// validation are dropped before detection ever sees them.
func (e *AgentEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event missing id")
	}
	if e.AgentID == "" {
		return fmt.Errorf("event %s missing agent_id", e.ID)
	}
	// An empty message is legal: collectors emit bodiless events for
	// connection-level observations.
	if len(e.Message) > MaxMessageLen {
		return fmt.Errorf("event %s message exceeds %d chars (%d)", e.ID, MaxMessageLen, len(e.Message))
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event %s missing timestamp", e.ID)
	}
	if e.SourceIP != "" {
		if ip := net.ParseIP(e.SourceIP); ip == nil {
			return fmt.Errorf("event %s has malformed source_ip %q", e.ID, e.SourceIP)
		}
	}
	if raw, ok := e.Details["threat_type"].(string); ok && raw != "" {
		if !ThreatType(raw).IsValid() {
			return fmt.Errorf("event %s has unknown threat_type %q", e.ID, raw)
		}
	}
	if raw, ok := e.Details["severity"].(string); ok && raw != "" {
		if _, err := ParseSeverity(raw); err != nil {
			return fmt.Errorf("event %s: %w", e.ID, err)
		}
	}
	return nil
}

// Marshal serializes the event to JSON.
func (e *AgentEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalAgentEvent deserializes an AgentEvent from JSON.
func UnmarshalAgentEvent(data []byte) (*AgentEvent, error) {
	var event AgentEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
