package remediate

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/argus-soc/argus/internal/plan"
)

// ActionType is the closed set of executable remediation actions. Dispatch
// switches over it exhaustively; an unknown token fails parsing, it never
// reaches an executor.
type ActionType string

const (
	ActionBlockIP            ActionType = "block_ip"
	ActionSuspendUser        ActionType = "suspend_user"
	ActionIsolateAgent       ActionType = "isolate_agent"
	ActionRateLimitIP        ActionType = "rate_limit_ip"
	ActionRateLimitUser      ActionType = "rate_limit_user"
	ActionFlagUser           ActionType = "flag_user"
	ActionInitiateForensics  ActionType = "initiate_forensics"
	ActionEnhancedMonitoring ActionType = "enable_enhanced_monitoring"
	ActionNotifyCompliance   ActionType = "notify_compliance_team"
	ActionHumanReview        ActionType = "require_human_review"
)

// ParseActionType validates a sub-action token's action name.
func ParseActionType(s string) (ActionType, error) {
	switch ActionType(s) {
	case ActionBlockIP, ActionSuspendUser, ActionIsolateAgent,
		ActionRateLimitIP, ActionRateLimitUser, ActionFlagUser,
		ActionInitiateForensics, ActionEnhancedMonitoring,
		ActionNotifyCompliance, ActionHumanReview:
		return ActionType(s), nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// shellUnsafe matches characters that could be used for shell injection.
var shellUnsafe = regexp.MustCompile(`[;&|$` + "`" + `\\'"(){}<>\n\r!#~]`)

// sanitizeTarget strips shell metacharacters before a target is interpolated
// into a command. Alert fields are attacker-controlled; this keeps them from
// smuggling commands into the firewall subprocess. Also strips null bytes
// and caps length.
func sanitizeTarget(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = shellUnsafe.ReplaceAllString(s, "_")
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

// validateIPAddress checks that a string is a valid IP and not a
// reserved/broadcast/multicast address that should never be blocked.
func validateIPAddress(ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("invalid IP address: %q", ip)
	}
	if parsed.IsUnspecified() {
		return fmt.Errorf("cannot target unspecified address: %q", ip)
	}
	if parsed.IsMulticast() {
		return fmt.Errorf("cannot target multicast address: %q", ip)
	}
	if parsed.Equal(net.IPv4bcast) {
		return fmt.Errorf("cannot target broadcast address: %q", ip)
	}
	return nil
}

// isSelfTarget reports whether the target names the host itself. Blocking
// loopback would sever the engine from its own bus, so these targets are
// refused unconditionally, before policy, dry-run, or anything else.
func isSelfTarget(target string) bool {
	lower := strings.ToLower(strings.TrimSpace(target))
	if lower == "localhost" || lower == "127.0.0.1" || lower == "::1" {
		return true
	}
	ip := net.ParseIP(lower)
	return ip != nil && ip.IsLoopback()
}

// actionState holds the in-process effect registries executors write to:
// suspended users, isolated agents, rate limits, flags, monitoring marks,
// forensics captures. External enforcement systems would consume these via
// the response stream; keeping them here makes every action observable and
// reversible in tests.
type actionState struct {
	mu             sync.Mutex
	blockedIPs     map[string]time.Time
	suspendedUsers map[string]time.Time
	isolatedAgents map[string]time.Time
	rateLimits     map[string]time.Time
	flaggedUsers   map[string]string
	monitored      map[string]time.Time
	forensics      []string
	notifications  []string
}

func newActionState() *actionState {
	return &actionState{
		blockedIPs:     make(map[string]time.Time),
		suspendedUsers: make(map[string]time.Time),
		isolatedAgents: make(map[string]time.Time),
		rateLimits:     make(map[string]time.Time),
		flaggedUsers:   make(map[string]string),
		monitored:      make(map[string]time.Time),
	}
}

// dispatch runs one action against its target. The switch covers every
// ActionType; ParseActionType guarantees the default is unreachable.
func (r *Remediator) dispatch(ctx context.Context, action ActionType, target string, p *plan.Plan) (string, error) {
	switch action {
	case ActionBlockIP:
		return r.execBlockIP(ctx, target)
	case ActionSuspendUser:
		return r.execSuspendUser(target)
	case ActionIsolateAgent:
		return r.execIsolateAgent(target)
	case ActionRateLimitIP:
		return r.execRateLimit("ip:" + target)
	case ActionRateLimitUser:
		return r.execRateLimit("user:" + target)
	case ActionFlagUser:
		return r.execFlagUser(target, p)
	case ActionInitiateForensics:
		return r.execForensics(target, p)
	case ActionEnhancedMonitoring:
		return r.execMonitoring(target)
	case ActionNotifyCompliance:
		return r.execNotify(target, p)
	case ActionHumanReview:
		return r.execHumanReview(target, p)
	default:
		return "", fmt.Errorf("unhandled action %q", action)
	}
}

// execBlockIP inserts a firewall drop rule for the IP. Loopback targets are
// refused with a success-shaped result so retry and breaker machinery never
// hammers a guardrail that will never move.
func (r *Remediator) execBlockIP(ctx context.Context, target string) (string, error) {
	if isSelfTarget(target) {
		r.logger.Warn().
			Str("target", target).
			Msg("refusing to block loopback address")
		return "lab_test_prevented", nil
	}
	if err := validateIPAddress(target); err != nil {
		return "", err
	}

	if r.dryRun {
		r.state.mu.Lock()
		r.state.blockedIPs[target] = time.Now()
		r.state.mu.Unlock()
		return fmt.Sprintf("dry-run: would block %s", target), nil
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.CommandContext(ctx, "iptables", "-I", "INPUT", "-s", target, "-j", "DROP")
	case "darwin":
		cmd = exec.CommandContext(ctx, "pfctl", "-t", "argus_blocked", "-T", "add", target)
	default:
		return "", fmt.Errorf("unsupported OS for IP blocking: %s", runtime.GOOS)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("firewall command failed: %w — output: %s", err, string(output))
	}

	r.state.mu.Lock()
	r.state.blockedIPs[target] = time.Now()
	r.state.mu.Unlock()

	r.logger.Warn().Str("ip", target).Msg("blocked IP at firewall")
	return fmt.Sprintf("blocked %s (os=%s)", target, runtime.GOOS), nil
}

func (r *Remediator) execSuspendUser(target string) (string, error) {
	if target == "" || target == "unknown" {
		return "", fmt.Errorf("no user to suspend")
	}
	r.state.mu.Lock()
	r.state.suspendedUsers[target] = time.Now()
	r.state.mu.Unlock()
	r.logger.Warn().Str("user", target).Msg("user suspended")
	return fmt.Sprintf("suspended user %s", target), nil
}

func (r *Remediator) execIsolateAgent(target string) (string, error) {
	if target == "" || target == "unknown" {
		return "", fmt.Errorf("no agent to isolate")
	}
	r.state.mu.Lock()
	r.state.isolatedAgents[target] = time.Now()
	r.state.mu.Unlock()
	r.logger.Warn().Str("agent", target).Msg("agent isolated from tools and network")
	return fmt.Sprintf("isolated agent %s", target), nil
}

func (r *Remediator) execRateLimit(key string) (string, error) {
	r.state.mu.Lock()
	r.state.rateLimits[key] = time.Now()
	r.state.mu.Unlock()
	return fmt.Sprintf("rate limit applied to %s", key), nil
}

func (r *Remediator) execFlagUser(target string, p *plan.Plan) (string, error) {
	if target == "" || target == "unknown" {
		return "", fmt.Errorf("no user to flag")
	}
	r.state.mu.Lock()
	r.state.flaggedUsers[target] = p.Justification
	r.state.mu.Unlock()
	return fmt.Sprintf("flagged user %s for review", target), nil
}

func (r *Remediator) execForensics(target string, p *plan.Plan) (string, error) {
	capture := fmt.Sprintf("forensics:%s:%s:%s", p.AlertID, p.ThreatType, target)
	r.state.mu.Lock()
	r.state.forensics = append(r.state.forensics, capture)
	r.state.mu.Unlock()
	r.logger.Info().Str("alert_id", p.AlertID).Str("target", target).Msg("forensic capture initiated")
	return capture, nil
}

func (r *Remediator) execMonitoring(target string) (string, error) {
	r.state.mu.Lock()
	r.state.monitored[target] = time.Now()
	r.state.mu.Unlock()
	return fmt.Sprintf("enhanced monitoring enabled for %s", target), nil
}

func (r *Remediator) execNotify(target string, p *plan.Plan) (string, error) {
	note := fmt.Sprintf("compliance notification: %s against %s (%s)", p.Action, target, p.Justification)
	r.state.mu.Lock()
	r.state.notifications = append(r.state.notifications, note)
	r.state.mu.Unlock()
	r.logger.Info().Str("plan_id", p.ID).Msg("compliance team notified")
	return note, nil
}

func (r *Remediator) execHumanReview(target string, p *plan.Plan) (string, error) {
	id := r.approvals.Submit(p, target)
	return fmt.Sprintf("queued for human review as %s", id), nil
}

// IsUserSuspended reports whether a user is currently suspended.
func (r *Remediator) IsUserSuspended(user string) bool {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	_, ok := r.state.suspendedUsers[user]
	return ok
}

// IsAgentIsolated reports whether an agent is currently isolated.
func (r *Remediator) IsAgentIsolated(agent string) bool {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	_, ok := r.state.isolatedAgents[agent]
	return ok
}

// IsIPBlocked reports whether an IP has an active block.
func (r *Remediator) IsIPBlocked(ip string) bool {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	_, ok := r.state.blockedIPs[ip]
	return ok
}
