package detect

import (
	"fmt"
	"sort"
	"strings"

	"github.com/argus-soc/argus/internal/core"
)

// intentCategory groups the indicators for one class of hostile intent.
// Keywords carry individual weights; context phrases are weaker supporting
// signals that only count alongside at least one keyword hit.
type intentCategory struct {
	name       string
	threatType core.ThreatType
	severity   core.Severity
	weight     float64
	threshold  float64
	keywords   map[string]float64
	context    []string
}

// IntentScorer estimates hostile intent from weighted keyword evidence. It
// is the middle detection layer: cheaper than semantic matching, more
// flexible than the rule library.
type IntentScorer struct {
	categories []intentCategory
	behavioral []string
}

// IntentResult is the scorer's full breakdown, used by tests and the
// check command.
type IntentResult struct {
	DangerScore float64
	TopCategory string
	TopScore    float64
	Confidence  float64
	Reasoning   []string
	Scores      map[string]float64
}

// NewIntentScorer builds the scorer with its built-in indicator sets.
func NewIntentScorer() *IntentScorer {
	return &IntentScorer{
		categories: intentCategories(),
		behavioral: []string{
			"urgent", "immediately", "right now", "before anyone",
			"don't tell", "keep this secret", "between us", "trust me",
			"no one will know", "just this once",
		},
	}
}

// Name identifies the detector on alerts it raises.
func (s *IntentScorer) Name() string { return "intent_scorer" }

// Analyze scores the normalized message across all categories.
func (s *IntentScorer) Analyze(normalized string) *IntentResult {
	res := &IntentResult{Scores: make(map[string]float64, len(s.categories))}

	behavioralBonus := 0.0
	for _, phrase := range s.behavioral {
		if strings.Contains(normalized, phrase) {
			behavioralBonus = 0.1
			res.Reasoning = append(res.Reasoning, fmt.Sprintf("behavioral manipulation cue %q", phrase))
			break
		}
	}

	indicators := 0
	for _, cat := range s.categories {
		score := 0.0
		hits := 0
		for kw, w := range cat.keywords {
			if strings.Contains(normalized, kw) {
				score += w
				hits++
				indicators++
				res.Reasoning = append(res.Reasoning, fmt.Sprintf("%s indicator %q", cat.name, kw))
			}
		}
		// Context phrases only support existing keyword evidence
		if hits > 0 {
			for _, phrase := range cat.context {
				if strings.Contains(normalized, phrase) {
					score += 0.05
					res.Reasoning = append(res.Reasoning, fmt.Sprintf("%s context %q", cat.name, phrase))
				}
			}
			score += behavioralBonus
		}
		if score > 1.0 {
			score = 1.0
		}
		res.Scores[cat.name] = score
		res.DangerScore += score * cat.weight

		if score > res.TopScore {
			res.TopScore = score
			res.TopCategory = cat.name
		}
	}

	// Confidence grows with corroborating indicators and the strength of the
	// leading category, discounted when the reasoning is thin.
	res.Confidence = 0.4*res.TopScore + 0.04*float64(indicators) + 0.02*float64(len(res.Reasoning))
	if res.Confidence > 0.95 {
		res.Confidence = 0.95
	}

	return res
}

// Match returns an alert when any category clears its threshold, or nil.
func (s *IntentScorer) Match(event *core.AgentEvent, normalized string) *core.Alert {
	res := s.Analyze(normalized)
	if res.TopCategory == "" {
		return nil
	}

	var top *intentCategory
	for i := range s.categories {
		if s.categories[i].name == res.TopCategory {
			top = &s.categories[i]
			break
		}
	}
	if top == nil || res.TopScore < top.threshold {
		return nil
	}

	sort.Strings(res.Reasoning)
	alert := core.NewAlert(event,
		fmt.Sprintf("Hostile intent: %s", top.name),
		fmt.Sprintf("Intent analysis scored %.2f for %s (danger %.2f)", res.TopScore, top.name, res.DangerScore))
	alert.Detector = s.Name()
	alert.Severity = top.severity
	alert.ThreatType = top.threatType
	alert.FalsePositiveProb = 1 - res.Confidence
	alert.Evidence["intent"] = top.name
	alert.Evidence["danger_score"] = res.DangerScore
	alert.Evidence["category_score"] = res.TopScore
	alert.Evidence["reasoning"] = res.Reasoning
	return alert
}

// intentCategories defines the five scored categories. Information
// extraction and restriction removal carry lower thresholds: their phrasing
// is subtler, and missing them is costlier than the occasional follow-up
// question flagged for review.
func intentCategories() []intentCategory {
	return []intentCategory{
		{
			name:       "instruction_override",
			threatType: core.ThreatPromptInjection,
			severity:   core.SeverityHigh,
			weight:     0.25,
			threshold:  0.5,
			keywords: map[string]float64{
				"ignore":            0.30,
				"disregard":         0.30,
				"forget everything": 0.35,
				"override":          0.25,
				"new instructions":  0.35,
				"instead of":        0.10,
			},
			context: []string{"previous", "prior", "above", "system prompt", "original"},
		},
		{
			name:       "role_manipulation",
			threatType: core.ThreatSystemManipulation,
			severity:   core.SeverityMedium,
			weight:     0.20,
			threshold:  0.5,
			keywords: map[string]float64{
				"pretend":       0.25,
				"act as":        0.25,
				"you are now":   0.30,
				"roleplay":      0.20,
				"persona":       0.20,
				"jailbreak":     0.40,
				"developer mode": 0.35,
			},
			context: []string{"unrestricted", "uncensored", "no filter", "evil", "opposite"},
		},
		{
			name:       "information_extraction",
			threatType: core.ThreatDataExfiltration,
			severity:   core.SeverityHigh,
			weight:     0.20,
			threshold:  0.35,
			keywords: map[string]float64{
				"system prompt":   0.35,
				"reveal":          0.20,
				"show me your":    0.20,
				"api key":         0.35,
				"password":        0.25,
				"credentials":     0.30,
				"training data":   0.25,
				"other users":     0.30,
			},
			context: []string{"secret", "hidden", "internal", "confidential", "verbatim"},
		},
		{
			name:       "restriction_removal",
			threatType: core.ThreatSystemManipulation,
			severity:   core.SeverityHigh,
			weight:     0.20,
			threshold:  0.35,
			keywords: map[string]float64{
				"disable":     0.25,
				"bypass":      0.30,
				"turn off":    0.25,
				"remove":      0.15,
				"no limits":   0.30,
				"without any": 0.15,
				"guardrails":  0.30,
			},
			context: []string{"safety", "filter", "restriction", "moderation", "censorship", "rules"},
		},
		{
			name:       "command_execution",
			threatType: core.ThreatUnauthorizedAccess,
			severity:   core.SeverityCritical,
			weight:     0.15,
			threshold:  0.5,
			keywords: map[string]float64{
				"execute":    0.25,
				"run this":   0.25,
				"sudo":       0.30,
				"rm -rf":     0.50,
				"chmod":      0.20,
				"eval(":      0.35,
				"subprocess": 0.25,
			},
			context: []string{"shell", "terminal", "command", "script", "root"},
		},
	}
}
