// Package plan turns scored alerts into remediation plans. The planner is
// deliberately a pure decision table: given the same alert and certainty it
// always produces the same plan, which keeps responses auditable.
package plan

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/argus-soc/argus/internal/core"
)

// Plan action kinds.
const (
	PlanBlockAndNotify = "block_and_notify"
	PlanHumanReview    = "human_review"
	PlanInvestigate    = "investigate"
	PlanLogOnly        = "log_only"
)

// DefaultOwner is stamped on plans the engine creates autonomously.
const DefaultOwner = "argus-engine"

// Plan is one remediation decision. SubActions are executor action tokens,
// either "name" (inheriting the plan target) or "name:target".
type Plan struct {
	ID            string                 `json:"id"`
	AlertID       string                 `json:"alert_id"`
	Action        string                 `json:"action"`
	Target        string                 `json:"target"`
	Justification string                 `json:"justification"`
	Owner         string                 `json:"owner"`
	ThreatType    core.ThreatType        `json:"threat_type"`
	AgentID       string                 `json:"agent_id"`
	SubActions    []string               `json:"sub_actions"`
	Certainty     float64                `json:"certainty"`
	LabContext    bool                   `json:"lab_context"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks the plan schema. Invalid plans must never reach the
// remediator.
func (p *Plan) Validate() error {
	if p.Action == "" {
		return fmt.Errorf("plan %s missing action", p.ID)
	}
	if p.Target == "" {
		return fmt.Errorf("plan %s missing target", p.ID)
	}
	if p.Justification == "" {
		return fmt.Errorf("plan %s missing justification", p.ID)
	}
	if p.Owner == "" {
		return fmt.Errorf("plan %s missing owner", p.ID)
	}
	switch p.Action {
	case PlanBlockAndNotify, PlanHumanReview, PlanInvestigate, PlanLogOnly:
	default:
		return fmt.Errorf("plan %s has unknown action %q", p.ID, p.Action)
	}
	return nil
}

// Planner builds plans from alerts and certainty verdicts.
type Planner struct {
	logger  zerolog.Logger
	metrics *Metrics
}

// Metrics tracks planning counters.
type Metrics struct {
	mu          sync.Mutex
	Planned     int64
	NoAction    int64
	LabDowngrades int64
}

// NewPlanner creates a planner.
func NewPlanner(logger zerolog.Logger) *Planner {
	return &Planner{
		logger:  logger.With().Str("component", "planner").Logger(),
		metrics: &Metrics{},
	}
}

// Plan decides the response for a scored alert. Returns nil when the
// certainty does not warrant any action.
func (p *Planner) Plan(alert *core.Alert, certainty float64) *Plan {
	target, targetKind := pickTarget(alert)
	lab := isLabContext(alert.SourceIP)

	var action, justification string
	switch {
	case isLoopback(alert.SourceIP):
		// Loopback traffic is the operator's own lab. Never auto-remediate it.
		action = PlanLogOnly
		justification = fmt.Sprintf("loopback source %s, recording only", alert.SourceIP)
		p.metrics.mu.Lock()
		p.metrics.LabDowngrades++
		p.metrics.mu.Unlock()
	case alert.Severity >= core.SeverityHigh && certainty >= 0.45:
		action = PlanBlockAndNotify
		justification = fmt.Sprintf("%s threat at %.0f%% certainty", alert.Severity, certainty*100)
	case alert.Severity >= core.SeverityHigh:
		action = PlanHumanReview
		justification = fmt.Sprintf("%s severity but only %.0f%% certainty, deferring to analyst", alert.Severity, certainty*100)
	case certainty >= 0.70:
		action = PlanBlockAndNotify
		justification = fmt.Sprintf("%.0f%% certainty of %s", certainty*100, alert.ThreatType)
	case certainty >= 0.40:
		action = PlanInvestigate
		justification = fmt.Sprintf("%.0f%% certainty warrants investigation", certainty*100)
	default:
		p.metrics.mu.Lock()
		p.metrics.NoAction++
		p.metrics.mu.Unlock()
		return nil
	}

	plan := &Plan{
		ID:            uuid.New().String(),
		AlertID:       alert.ID,
		Action:        action,
		Target:        target,
		Justification: justification,
		Owner:         DefaultOwner,
		ThreatType:    alert.ThreatType,
		AgentID:       alert.AgentID,
		SubActions:    subActions(action, targetKind, alert),
		Certainty:     certainty,
		LabContext:    lab,
		Metadata: map[string]interface{}{
			"severity": alert.Severity.String(),
			"detector": alert.Detector,
		},
	}

	p.metrics.mu.Lock()
	p.metrics.Planned++
	p.metrics.mu.Unlock()

	p.logger.Info().
		Str("plan_id", plan.ID).
		Str("alert_id", alert.ID).
		Str("action", action).
		Str("target", target).
		Float64("certainty", certainty).
		Bool("lab", lab).
		Msg("remediation planned")

	return plan
}

// pickTarget chooses the remediation target: source IP first, then user,
// then the literal "unknown" so plans stay schema-valid.
func pickTarget(alert *core.Alert) (target, kind string) {
	if alert.SourceIP != "" {
		return alert.SourceIP, "ip"
	}
	if alert.UserID != "" {
		return alert.UserID, "user"
	}
	return "unknown", "none"
}

// subActions builds the ordered executor token list for a plan.
func subActions(action, targetKind string, alert *core.Alert) []string {
	switch action {
	case PlanLogOnly:
		return nil

	case PlanBlockAndNotify:
		var sub []string
		switch targetKind {
		case "ip":
			if alert.ThreatType == core.ThreatRateLimitAbuse {
				sub = append(sub, "rate_limit_ip")
			} else {
				sub = append(sub, "block_ip")
			}
		case "user":
			if alert.ThreatType == core.ThreatRateLimitAbuse {
				sub = append(sub, "rate_limit_user")
			} else {
				sub = append(sub, "suspend_user")
			}
		default:
			sub = append(sub, fmt.Sprintf("isolate_agent:%s", alert.AgentID))
		}
		// Exfiltration and access threats also cut the agent off while the
		// block propagates. When isolation is already the primary action,
		// one token is enough.
		if alert.ThreatType == core.ThreatDataExfiltration || alert.ThreatType == core.ThreatUnauthorizedAccess {
			iso := fmt.Sprintf("isolate_agent:%s", alert.AgentID)
			if len(sub) == 0 || sub[len(sub)-1] != iso {
				sub = append(sub, iso)
			}
		}
		sub = append(sub, "notify_compliance_team", "enable_enhanced_monitoring")
		return sub

	case PlanHumanReview:
		return []string{"require_human_review", "enable_enhanced_monitoring"}

	case PlanInvestigate:
		sub := []string{"initiate_forensics"}
		if targetKind == "user" || alert.UserID != "" {
			sub = append(sub, fmt.Sprintf("flag_user:%s", userOrTarget(alert)))
		}
		sub = append(sub, "enable_enhanced_monitoring")
		return sub
	}
	return nil
}

func userOrTarget(alert *core.Alert) string {
	if alert.UserID != "" {
		return alert.UserID
	}
	return "unknown"
}

func isLoopback(sourceIP string) bool {
	if sourceIP == "" {
		return false
	}
	if sourceIP == "localhost" {
		return true
	}
	ip := net.ParseIP(sourceIP)
	return ip != nil && ip.IsLoopback()
}

// isLabContext is broader than loopback: RFC1918, link-local and
// unspecified (0.0.0.0, ::) sources are flagged so executors can prefer
// reversible measures.
func isLabContext(sourceIP string) bool {
	if isLoopback(sourceIP) {
		return true
	}
	ip := net.ParseIP(sourceIP)
	return ip != nil && (ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified())
}

// GetMetrics returns a snapshot of planning counters.
func (p *Planner) GetMetrics() map[string]int64 {
	p.metrics.mu.Lock()
	defer p.metrics.mu.Unlock()
	return map[string]int64{
		"plans_created":  p.metrics.Planned,
		"no_action":      p.metrics.NoAction,
		"lab_downgrades": p.metrics.LabDowngrades,
	}
}
