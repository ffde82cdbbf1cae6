// Package triage turns raw detection alerts into calibrated certainty
// scores and recommended actions. The scorer weighs what the detector saw
// against who sent it and how natural the message reads.
package triage

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/argus-soc/argus/internal/core"
)

// Recommended actions on the certainty ladder.
const (
	ActionBlock       = "block"
	ActionInvestigate = "investigate"
	ActionMonitor     = "monitor"
	ActionIgnore      = "ignore"
)

// Sub-score weights. Threat strength is the only direct signal; the other
// three measure innocence and enter inverted.
const (
	weightLegitimacy  = 0.30
	weightTrust       = 0.25
	weightNaturalness = 0.25
	weightThreat      = 0.20
)

// Result is the scorer's verdict for one alert.
type Result struct {
	ThreatConfidence  float64  `json:"threat_confidence"`
	FalsePositiveProb float64  `json:"false_positive_prob"`
	RecommendedAction string   `json:"recommended_action"`
	Reasoning         []string `json:"reasoning"`
}

// TrustProfile is the rolling history for one user.
type TrustProfile struct {
	UserID         string
	Interactions   int64
	FalsePositives int64
	Confirmed      int64
	SessionVolume  int
	LastSeen       time.Time
}

// Scorer computes certainty for alerts. Trust profiles live in a bounded
// LRU; inactive profiles are swept.
type Scorer struct {
	profiles *lru.Cache[string, *TrustProfile]
	timeout  time.Duration
	logger   zerolog.Logger
	mu       sync.Mutex
}

// NewScorer creates a certainty scorer. Non-positive arguments use the
// defaults (8192 profiles, 24h timeout).
func NewScorer(maxProfiles int, profileTimeout time.Duration, logger zerolog.Logger) *Scorer {
	if maxProfiles <= 0 {
		maxProfiles = 8192
	}
	if profileTimeout <= 0 {
		profileTimeout = 24 * time.Hour
	}
	cache, _ := lru.New[string, *TrustProfile](maxProfiles)
	return &Scorer{
		profiles: cache,
		timeout:  profileTimeout,
		logger:   logger.With().Str("component", "certainty_scorer").Logger(),
	}
}

// Score computes the certainty verdict for an alert and its triggering
// event. The alert's false positive estimate is refined in place.
func (s *Scorer) Score(alert *core.Alert, event *core.AgentEvent) *Result {
	res := &Result{}

	legitimacy := s.patternLegitimacy(alert, event, res)
	trust := s.senderTrust(event, res)
	naturalness := s.naturalness(event, res)
	threat := s.explicitThreat(alert, event, res)

	res.ThreatConfidence = weightLegitimacy*(1-legitimacy) +
		weightTrust*(1-trust) +
		weightNaturalness*(1-naturalness) +
		weightThreat*threat

	res.FalsePositiveProb = 1 - res.ThreatConfidence
	res.RecommendedAction = recommend(res.ThreatConfidence, alert.Severity)

	alert.FalsePositiveProb = res.FalsePositiveProb

	s.logger.Debug().
		Str("alert_id", alert.ID).
		Float64("confidence", res.ThreatConfidence).
		Str("action", res.RecommendedAction).
		Msg("alert scored")

	return res
}

// recommend maps certainty onto the action ladder. High and critical alerts
// block one rung earlier than the rest.
func recommend(confidence float64, severity core.Severity) string {
	switch {
	case confidence >= 0.9:
		return ActionBlock
	case confidence >= 0.7:
		if severity >= core.SeverityHigh {
			return ActionBlock
		}
		return ActionInvestigate
	case confidence >= 0.5:
		return ActionInvestigate
	case confidence >= 0.3:
		return ActionMonitor
	default:
		return ActionIgnore
	}
}

// patternLegitimacy estimates how plausibly the match is benign. Starts from
// the detector's own false positive estimate and credits polite, question-
// shaped phrasing.
func (s *Scorer) patternLegitimacy(alert *core.Alert, event *core.AgentEvent, res *Result) float64 {
	legit := alert.FalsePositiveProb

	msg := strings.ToLower(event.Message)
	for _, benign := range []string{"please", "thank", "could you", "would you mind", "wondering if"} {
		if strings.Contains(msg, benign) {
			legit += 0.05
			res.Reasoning = append(res.Reasoning, fmt.Sprintf("polite phrasing %q", benign))
			break
		}
	}
	if strings.HasSuffix(strings.TrimSpace(msg), "?") {
		legit += 0.05
		res.Reasoning = append(res.Reasoning, "question form")
	}

	res.Reasoning = append(res.Reasoning, fmt.Sprintf("pattern legitimacy %.2f", clamp(legit)))
	return clamp(legit)
}

// senderTrust scores the user's history. Unknown senders start at a neutral
// 0.5; history of confirmed attacks drains trust faster than clean history
// builds it.
func (s *Scorer) senderTrust(event *core.AgentEvent, res *Result) float64 {
	if event.UserID == "" {
		res.Reasoning = append(res.Reasoning, "anonymous sender, neutral trust")
		return 0.5
	}

	s.mu.Lock()
	profile, ok := s.profiles.Get(event.UserID)
	if !ok {
		profile = &TrustProfile{UserID: event.UserID}
	}
	profile.Interactions++
	profile.SessionVolume++
	profile.LastSeen = time.Now()
	s.profiles.Add(event.UserID, profile)
	interactions := profile.Interactions
	falsePositives := profile.FalsePositives
	confirmed := profile.Confirmed
	volume := profile.SessionVolume
	s.mu.Unlock()

	trust := 0.5

	// Long clean history earns trust
	if interactions > 10 {
		trust += 0.1
	}
	if interactions > 100 {
		trust += 0.1
	}
	// Alerts against this user that turned out benign also earn it back
	if interactions > 0 {
		fpRate := float64(falsePositives) / float64(interactions)
		trust += fpRate * 0.3
	}
	if confirmed > 0 {
		trust -= 0.25 * float64(min64(confirmed, 2))
		res.Reasoning = append(res.Reasoning, fmt.Sprintf("%d confirmed prior threats", confirmed))
	}
	// A burst of messages in one session reads as automation
	if volume > 50 {
		trust -= 0.15
		res.Reasoning = append(res.Reasoning, fmt.Sprintf("high session volume (%d)", volume))
	}

	res.Reasoning = append(res.Reasoning, fmt.Sprintf("sender trust %.2f over %d interactions", clamp(trust), interactions))
	return clamp(trust)
}

// naturalness scores how much the message reads like organic user input.
func (s *Scorer) naturalness(event *core.AgentEvent, res *Result) float64 {
	natural := 0.4
	msg := event.Message

	// Length band typical of real questions
	if n := len(msg); n >= 20 && n <= 500 {
		natural += 0.2
	} else if n > 1500 {
		natural -= 0.2
		res.Reasoning = append(res.Reasoning, "unusually long message")
	}

	if ratio := specialCharRatio(msg); ratio > 0.3 {
		natural -= 0.25
		res.Reasoning = append(res.Reasoning, fmt.Sprintf("high special-char ratio %.2f", ratio))
	}

	lower := strings.ToLower(msg)
	for _, opener := range []string{"hi", "hello", "hey", "good morning", "can you help"} {
		if strings.HasPrefix(lower, opener) {
			natural += 0.1
			break
		}
	}

	// Sub-200ms turnarounds are scripted, humans type slower
	if event.ResponseTimeMs > 0 && event.ResponseTimeMs < 200 {
		natural -= 0.2
		res.Reasoning = append(res.Reasoning, fmt.Sprintf("anomalously fast turnaround (%dms)", event.ResponseTimeMs))
	}

	res.Reasoning = append(res.Reasoning, fmt.Sprintf("naturalness %.2f", clamp(natural)))
	return clamp(natural)
}

// threatSignals are phrasings that almost never occur in benign traffic.
// Each hit counts toward the explicit threat sub-score directly.
var threatSignals = []*regexp.Regexp{
	regexp.MustCompile(`ignore\s+(?:all\s+)?(?:previous|prior|above|earlier)`),
	regexp.MustCompile(`(?:run|execute|do)\s+what\s+i\s+(?:tell|say)`),
	regexp.MustCompile(`(?:reveal|show|print|tell)\s+(?:me\s+)?(?:your|the)\s+(?:system\s+prompt|hidden|initial|api\s*key|password|secret)`),
	regexp.MustCompile(`(?:disable|bypass|turn\s+off)\s+(?:your\s+)?(?:safety|filter|guardrail|restriction)`),
	regexp.MustCompile(`you\s+are\s+now\s+(?:an?\s+)?(?:unrestricted|uncensored)`),
	regexp.MustCompile(`rm\s+-rf|union\s+select|<script`),
	regexp.MustCompile(`jailbreak|developer\s+mode`),
}

// threatKeywords are the weaker per-threat-type cues backing up the signals.
var threatKeywords = map[core.ThreatType][]string{
	core.ThreatPromptInjection:    {"ignore", "disregard", "instructions", "prompt", "override", "forget"},
	core.ThreatDataExfiltration:   {"reveal", "show", "dump", "secret", "password", "key", "credential"},
	core.ThreatUnauthorizedAccess: {"access", "bypass", "admin", "root", "permission"},
	core.ThreatMaliciousInput:     {"script", "payload", "inject", "select", "exec"},
	core.ThreatSystemManipulation: {"jailbreak", "unrestricted", "disable", "pretend", "mode"},
	core.ThreatPrivacyViolation:   {"training", "verbatim", "other users", "personal"},
	core.ThreatRateLimitAbuse:     {"flood", "spam", "again and again"},
	core.ThreatModelPoisoning:     {"remember", "always", "from now on", "future"},
}

// explicitThreat counts direct attack indicators in the message itself:
// high-confidence threat phrasings plus keyword hits specific to the alert's
// threat type. More indicators never lower the score.
func (s *Scorer) explicitThreat(alert *core.Alert, event *core.AgentEvent, res *Result) float64 {
	msg := strings.ToLower(event.Message)

	signals := 0
	for _, re := range threatSignals {
		if re.MatchString(msg) {
			signals++
		}
	}
	keywords := 0
	for _, kw := range threatKeywords[alert.ThreatType] {
		if strings.Contains(msg, kw) {
			keywords++
		}
	}

	threat := clamp(0.35*float64(signals) + 0.15*float64(keywords))
	res.Reasoning = append(res.Reasoning,
		fmt.Sprintf("explicit threat %.2f (%d signals, %d %s keywords)", threat, signals, keywords, alert.ThreatType))
	return threat
}

// RecordOutcome feeds a resolved alert back into the sender's profile.
func (s *Scorer) RecordOutcome(userID string, falsePositive bool) {
	if userID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.profiles.Get(userID)
	if !ok {
		profile = &TrustProfile{UserID: userID, LastSeen: time.Now()}
	}
	if falsePositive {
		profile.FalsePositives++
	} else {
		profile.Confirmed++
	}
	s.profiles.Add(userID, profile)
}

// Sweep evicts profiles idle past the timeout and resets session volumes.
func (s *Scorer) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, key := range s.profiles.Keys() {
		profile, ok := s.profiles.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(profile.LastSeen) > s.timeout {
			s.profiles.Remove(key)
			removed++
			continue
		}
		// Session volume decays between sweeps so one busy hour does not
		// poison trust all day
		if profile.SessionVolume > 0 {
			profile.SessionVolume /= 2
		}
	}
	return removed
}

// ProfileCount returns the number of tracked profiles.
func (s *Scorer) ProfileCount() int { return s.profiles.Len() }

func specialCharRatio(msg string) float64 {
	if len(msg) == 0 {
		return 0
	}
	special := 0
	for _, r := range msg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ':
		default:
			special++
		}
	}
	return float64(special) / float64(len([]rune(msg)))
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
