package detect

import (
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/argus-soc/argus/internal/core"
)

// ConversationContext is the tracked state for one session. Messages are the
// normalized texts of the most recent turns, oldest first.
type ConversationContext struct {
	SessionID string
	UserID    string
	SourceIP  string
	Messages  []string
	FirstSeen time.Time
	LastSeen  time.Time
	Turns     int
}

// attackArchetype describes one multi-turn attack shape. Each group is a set
// of alternative phrasings for one step of the attack; the archetype fires
// when at least minGroups distinct groups matched somewhere in the window.
type attackArchetype struct {
	name       string
	threatType core.ThreatType
	severity   core.Severity
	minGroups  int
	groups     [][]string
}

// ConversationAnalyzer watches sessions for attack shapes that only emerge
// across turns. Sessions live in a bounded LRU and expire after the idle
// timeout.
type ConversationAnalyzer struct {
	sessions   *lru.Cache[string, *ConversationContext]
	archetypes []attackArchetype
	window     int
	timeout    time.Duration
	mu         sync.Mutex
}

// NewConversationAnalyzer creates the analyzer. Non-positive arguments use
// the defaults (4096 sessions, 20 turns, 30 minutes).
func NewConversationAnalyzer(maxSessions, window int, timeout time.Duration) *ConversationAnalyzer {
	if maxSessions <= 0 {
		maxSessions = 4096
	}
	if window <= 0 {
		window = 20
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	cache, _ := lru.New[string, *ConversationContext](maxSessions)
	return &ConversationAnalyzer{
		sessions:   cache,
		archetypes: attackArchetypes(),
		window:     window,
		timeout:    timeout,
	}
}

// Name identifies the detector on alerts it raises.
func (a *ConversationAnalyzer) Name() string { return "conversation_analyzer" }

// SessionCount returns the number of tracked sessions.
func (a *ConversationAnalyzer) SessionCount() int { return a.sessions.Len() }

// Observe records the turn and returns an alert when an archetype completes
// over the session window, or nil. Events without any session key are
// skipped: there is no conversation to analyze.
func (a *ConversationAnalyzer) Observe(event *core.AgentEvent, normalized string) *core.Alert {
	key := sessionKey(event)
	if key == "" {
		return nil
	}

	a.mu.Lock()
	ctx, ok := a.sessions.Get(key)
	now := time.Now()
	if !ok || now.Sub(ctx.LastSeen) > a.timeout {
		ctx = &ConversationContext{
			SessionID: key,
			UserID:    event.UserID,
			SourceIP:  event.SourceIP,
			FirstSeen: now,
		}
	}
	ctx.LastSeen = now
	ctx.Turns++
	ctx.Messages = append(ctx.Messages, normalized)
	if len(ctx.Messages) > a.window {
		ctx.Messages = ctx.Messages[len(ctx.Messages)-a.window:]
	}
	a.sessions.Add(key, ctx)
	messages := make([]string, len(ctx.Messages))
	copy(messages, ctx.Messages)
	turns := ctx.Turns
	a.mu.Unlock()

	// Single-turn sessions cannot exhibit a multi-turn shape
	if len(messages) < 2 {
		return nil
	}

	for _, arch := range a.archetypes {
		matched := matchedGroups(arch.groups, messages)
		if len(matched) < arch.minGroups {
			continue
		}

		alert := core.NewAlert(event,
			fmt.Sprintf("Conversation attack: %s", arch.name),
			fmt.Sprintf("Session %s matched %d/%d stages of %s over %d turns",
				key, len(matched), len(arch.groups), arch.name, turns))
		alert.Detector = a.Name()
		alert.Severity = arch.severity
		alert.ThreatType = arch.threatType
		alert.FalsePositiveProb = 0.15
		alert.Evidence["archetype"] = arch.name
		alert.Evidence["matched_stages"] = matched
		alert.Evidence["turns"] = turns
		return alert
	}
	return nil
}

// Sweep evicts sessions idle past the timeout. Called from the engine's
// sweep loop.
func (a *ConversationAnalyzer) Sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, key := range a.sessions.Keys() {
		if ctx, ok := a.sessions.Peek(key); ok && now.Sub(ctx.LastSeen) > a.timeout {
			a.sessions.Remove(key)
			removed++
		}
	}
	return removed
}

func sessionKey(event *core.AgentEvent) string {
	if event.SessionID != "" {
		return event.SessionID
	}
	if event.UserID != "" {
		return "user:" + event.UserID
	}
	if event.SourceIP != "" {
		return "ip:" + event.SourceIP
	}
	return ""
}

// matchedGroups returns the indices of groups with at least one phrase
// present anywhere in the window.
func matchedGroups(groups [][]string, messages []string) []int {
	matched := make([]int, 0, len(groups))
	for gi, group := range groups {
	groupLoop:
		for _, phrase := range group {
			for _, msg := range messages {
				if strings.Contains(msg, phrase) {
					matched = append(matched, gi)
					break groupLoop
				}
			}
		}
	}
	return matched
}

// attackArchetypes defines the five tracked multi-turn shapes.
func attackArchetypes() []attackArchetype {
	return []attackArchetype{
		{
			name:       "progressive_probing",
			threatType: core.ThreatUnauthorizedAccess,
			severity:   core.SeverityHigh,
			minGroups:  3,
			groups: [][]string{
				{"what can you do", "what are your capabilities", "what tools do you have"},
				{"what are you not allowed", "what cant you do", "what are your limits", "what restrictions", "your instructions", "how were you configured"},
				{"what happens if", "is there a way around", "how would someone bypass"},
				{"show me", "give me access", "let me try", "forget those", "do what i say"},
			},
		},
		{
			name:       "trust_building",
			threatType: core.ThreatSystemManipulation,
			severity:   core.SeverityMedium,
			minGroups:  3,
			groups: [][]string{
				{"you are so helpful", "great answer", "i really appreciate", "youre the best"},
				{"i am a developer", "i am an admin", "i work for", "im authorized", "i have permission"},
				{"as we agreed", "like you said", "you already told me", "remember when you"},
				{"so now you can", "which means you can", "so just this once"},
			},
		},
		{
			name:       "permission_escalation",
			threatType: core.ThreatUnauthorizedAccess,
			severity:   core.SeverityHigh,
			minGroups:  3,
			groups: [][]string{
				{"read access", "view the", "just look at", "can you see"},
				{"small change", "minor edit", "just update", "quick fix"},
				{"admin", "root", "elevated", "full access", "all permissions"},
				{"delete", "drop", "remove the", "wipe"},
			},
		},
		{
			name:       "context_switching",
			threatType: core.ThreatPromptInjection,
			severity:   core.SeverityMedium,
			minGroups:  2,
			groups: [][]string{
				{"lets play a game", "new scenario", "different topic", "switch to", "imagine instead"},
				{"in this context", "under these rules", "in this world", "for this game"},
				{"now back to", "given all that", "with that established"},
			},
		},
		{
			name:       "information_extraction",
			threatType: core.ThreatDataExfiltration,
			severity:   core.SeverityHigh,
			minGroups:  3,
			groups: [][]string{
				{"how do you store", "where is the data", "what database", "how are secrets"},
				{"what format", "give me an example of", "what does it look like"},
				{"first few characters", "just the prefix", "partial", "redacted version"},
				{"the full", "complete value", "entire key", "whole thing"},
			},
		},
	}
}
