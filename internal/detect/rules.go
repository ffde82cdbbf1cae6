package detect

import (
	"fmt"
	"regexp"

	"github.com/argus-soc/argus/internal/core"
)

// Rule is one compiled detection rule. Confidence expresses how rarely the
// pattern fires on benign traffic; the alert's false positive probability is
// its complement.
type Rule struct {
	ID         string
	Name       string
	Category   string
	Regex      *regexp.Regexp
	ThreatType core.ThreatType
	Severity   core.Severity
	Confidence float64
}

// RuleMatcher scans normalized messages against the compiled rule library.
// Matching is stateless; the library is built once at startup and never
// mutated, so no locking is needed on the hot path.
type RuleMatcher struct {
	rules []Rule
}

// NewRuleMatcher compiles the built-in rule library.
func NewRuleMatcher() *RuleMatcher {
	return &RuleMatcher{rules: compileRules()}
}

// Name identifies the detector on alerts it raises.
func (m *RuleMatcher) Name() string { return "rule_matcher" }

// RuleCount returns the number of compiled rules.
func (m *RuleMatcher) RuleCount() int { return len(m.rules) }

// Match scans the normalized message and returns an alert for the first
// matching rule, or nil.
func (m *RuleMatcher) Match(event *core.AgentEvent, normalized string) *core.Alert {
	for i := range m.rules {
		r := &m.rules[i]
		if !r.Regex.MatchString(normalized) {
			continue
		}

		alert := core.NewAlert(event,
			fmt.Sprintf("Rule match: %s", r.Name),
			fmt.Sprintf("Message from agent %s matched rule %s (%s)", event.AgentID, r.ID, r.Category))
		alert.Detector = m.Name()
		alert.RuleID = r.ID
		alert.Severity = r.Severity
		alert.ThreatType = r.ThreatType
		alert.FalsePositiveProb = 1 - r.Confidence
		alert.Evidence["rule_name"] = r.Name
		alert.Evidence["category"] = r.Category
		alert.Evidence["matched"] = r.Regex.FindString(normalized)
		return alert
	}
	return nil
}

// compileRules builds the rule library. Patterns assume normalized
// (lower-cased, de-obfuscated) input.
func compileRules() []Rule {
	return []Rule{
		// Instruction override
		{
			ID: "ARG-001", Name: "ignore_previous_instructions", Category: "instruction_override",
			Regex:      regexp.MustCompile(`(?:ignore|disregard|forget|override)\s+(?:all\s+)?(?:previous|prior|above|earlier|your)\s+(?:instructions?|prompts?|rules?|guidelines?|context)`),
			ThreatType: core.ThreatPromptInjection, Severity: core.SeverityCritical, Confidence: 0.92,
		},
		{
			ID: "ARG-002", Name: "new_instructions_marker", Category: "instruction_override",
			Regex:      regexp.MustCompile(`(?:new|updated|revised|real)\s+(?:system\s+)?(?:instructions?|directives?)\s*(?::|follow|begin)`),
			ThreatType: core.ThreatPromptInjection, Severity: core.SeverityHigh, Confidence: 0.85,
		},
		{
			ID: "ARG-003", Name: "system_prompt_injection", Category: "instruction_override",
			Regex:      regexp.MustCompile(`(?:\[system\]|<system>|###\s*system|system\s*:)\s*`),
			ThreatType: core.ThreatPromptInjection, Severity: core.SeverityMedium, Confidence: 0.80,
		},
		// Role manipulation
		{
			ID: "ARG-010", Name: "dan_jailbreak", Category: "role_manipulation",
			Regex:      regexp.MustCompile(`\b(?:dan|do\s+anything\s+now)\b.*(?:mode|jailbreak|no\s+restrictions?)|(?:jailbreak|developer)\s+mode`),
			ThreatType: core.ThreatSystemManipulation, Severity: core.SeverityHigh, Confidence: 0.90,
		},
		{
			ID: "ARG-011", Name: "persona_override", Category: "role_manipulation",
			Regex:      regexp.MustCompile(`(?:you\s+are\s+now|pretend\s+(?:to\s+be|you\s+are)|act\s+as\s+(?:if\s+you|an?\s+(?:unrestricted|uncensored)))`),
			ThreatType: core.ThreatSystemManipulation, Severity: core.SeverityMedium, Confidence: 0.75,
		},
		{
			ID: "ARG-012", Name: "roleplay_no_rules", Category: "role_manipulation",
			Regex:      regexp.MustCompile(`(?:roleplay|role\s*-?\s*play).*(?:without|no)\s+(?:rules?|restrictions?|limits?|filters?)`),
			ThreatType: core.ThreatSystemManipulation, Severity: core.SeverityMedium, Confidence: 0.82,
		},
		// Information extraction
		{
			ID: "ARG-020", Name: "system_prompt_extraction", Category: "information_extraction",
			Regex:      regexp.MustCompile(`(?:show|reveal|print|repeat|output|tell)\s+(?:me\s+)?(?:your|the)\s+(?:system\s+prompt|initial\s+(?:instructions?|prompt)|hidden\s+(?:instructions?|rules?))`),
			ThreatType: core.ThreatDataExfiltration, Severity: core.SeverityHigh, Confidence: 0.90,
		},
		{
			ID: "ARG-021", Name: "credential_fishing", Category: "information_extraction",
			// Agent-directed asks only. "how do i reset my password" is a
			// helpdesk question, not fishing.
			Regex:      regexp.MustCompile(`(?:give|send|share|show|tell|reveal|what(?:'s|\s+is))\s+(?:me\s+)?(?:your|the)\s+(?:api\s*keys?|secret\s*keys?|passwords?|access\s+tokens?|private\s+keys?|credentials?)`),
			ThreatType: core.ThreatDataExfiltration, Severity: core.SeverityHigh, Confidence: 0.78,
		},
		{
			ID: "ARG-022", Name: "training_data_probe", Category: "information_extraction",
			Regex:      regexp.MustCompile(`(?:repeat|recite|dump)\s+(?:your\s+)?(?:training\s+data|memoriz|verbatim)`),
			ThreatType: core.ThreatPrivacyViolation, Severity: core.SeverityMedium, Confidence: 0.80,
		},
		// Restriction removal
		{
			ID: "ARG-030", Name: "disable_safety", Category: "restriction_removal",
			Regex:      regexp.MustCompile(`(?:disable|turn\s+off|remove|bypass|deactivate)\s+(?:your\s+)?(?:safety|content\s+filter|restrictions?|guardrails?|censorship|moderation)`),
			ThreatType: core.ThreatSystemManipulation, Severity: core.SeverityHigh, Confidence: 0.93,
		},
		{
			ID: "ARG-031", Name: "hypothetical_bypass", Category: "restriction_removal",
			Regex:      regexp.MustCompile(`(?:hypothetically|in\s+a\s+fictional\s+world|for\s+a\s+story).*(?:no\s+(?:rules?|restrictions?|ethics)|anything\s+is\s+(?:allowed|possible))`),
			ThreatType: core.ThreatSystemManipulation, Severity: core.SeverityMedium, Confidence: 0.72,
		},
		// Command execution
		{
			ID: "ARG-040", Name: "shell_command_request", Category: "command_execution",
			Regex:      regexp.MustCompile(`(?:execute|run|eval)\s+(?:this\s+)?(?:command|shell|bash|script|code)\s*[:\x60]`),
			ThreatType: core.ThreatUnauthorizedAccess, Severity: core.SeverityHigh, Confidence: 0.85,
		},
		{
			ID: "ARG-041", Name: "destructive_command", Category: "command_execution",
			Regex:      regexp.MustCompile(`\brm\s+-rf\s+/|:\(\)\s*\{\s*:\|:&\s*\};|mkfs\.|dd\s+if=/dev/(?:zero|random)\s+of=/dev/`),
			ThreatType: core.ThreatMaliciousInput, Severity: core.SeverityCritical, Confidence: 0.97,
		},
		{
			ID: "ARG-042", Name: "exfil_pipe", Category: "command_execution",
			Regex:      regexp.MustCompile(`(?:curl|wget|nc)\s+.*\|\s*(?:sh|bash)|base64\s+.*\|\s*(?:curl|wget)`),
			ThreatType: core.ThreatDataExfiltration, Severity: core.SeverityCritical, Confidence: 0.95,
		},
		// Injection payloads
		{
			ID: "ARG-050", Name: "sql_injection", Category: "payload",
			Regex:      regexp.MustCompile(`(?:'\s*or\s+'?1'?\s*=\s*'?1|union\s+select|;\s*drop\s+table)`),
			ThreatType: core.ThreatMaliciousInput, Severity: core.SeverityHigh, Confidence: 0.88,
		},
		{
			ID: "ARG-051", Name: "script_tag", Category: "payload",
			Regex:      regexp.MustCompile(`<script[\s>]|javascript\s*:|onerror\s*=`),
			ThreatType: core.ThreatMaliciousInput, Severity: core.SeverityMedium, Confidence: 0.84,
		},
		// Poisoning
		{
			ID: "ARG-060", Name: "memory_poisoning", Category: "poisoning",
			Regex:      regexp.MustCompile(`(?:remember|store|save)\s+(?:this\s+)?(?:for\s+(?:all|every)\s+(?:future|other)\s+(?:users?|sessions?|conversations?))`),
			ThreatType: core.ThreatModelPoisoning, Severity: core.SeverityHigh, Confidence: 0.82,
		},
		{
			ID: "ARG-061", Name: "false_fact_seeding", Category: "poisoning",
			Regex:      regexp.MustCompile(`from\s+now\s+on\s+(?:always\s+)?(?:answer|respond|say|treat)`),
			ThreatType: core.ThreatModelPoisoning, Severity: core.SeverityMedium, Confidence: 0.70,
		},
		// Abuse
		{
			ID: "ARG-070", Name: "flood_marker", Category: "abuse",
			Regex:      regexp.MustCompile(`[!?.=*#~-]{40,}`),
			ThreatType: core.ThreatRateLimitAbuse, Severity: core.SeverityLow, Confidence: 0.75,
		},
	}
}
