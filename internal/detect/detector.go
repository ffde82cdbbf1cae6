// Package detect implements the layered detection engine: a stateless rule
// library, a weighted intent scorer, a semantic matcher over the attack
// pattern corpus, and a per-session conversation analyzer.
package detect

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/argus-soc/argus/internal/core"
	"github.com/argus-soc/argus/internal/memory"
	"github.com/argus-soc/argus/internal/textgen"
)

// Engine composes the detection layers over one normalized view of each
// event. Every layer runs on every event: the conversation analyzer must see
// benign turns too, or session shapes would never accumulate.
type Engine struct {
	rules        *RuleMatcher
	intent       *IntentScorer
	semantic     *SemanticMatcher
	conversation *ConversationAnalyzer
	store        memory.Store
	gen          textgen.Client
	logger       zerolog.Logger

	learn          bool
	minLearnConf   float64
	synthesize     bool
	maxVariations  int

	metrics *Metrics
}

// Metrics tracks detection counters.
type Metrics struct {
	mu              sync.Mutex
	EventsAnalyzed  int64
	AlertsRaised    int64
	ByDetector      map[string]int64
	PatternsLearned int64
	LayerErrors     int64
}

// NewEngine wires the four detection layers.
func NewEngine(cfg *core.DetectionConfig, store memory.Store, gen textgen.Client, logger zerolog.Logger) (*Engine, error) {
	log := logger.With().Str("component", "detection").Logger()

	semantic, err := NewSemanticMatcher(store, gen, cfg.SemanticThreshold, log)
	if err != nil {
		return nil, fmt.Errorf("building semantic matcher: %w", err)
	}

	return &Engine{
		rules:         NewRuleMatcher(),
		intent:        NewIntentScorer(),
		semantic:      semantic,
		conversation:  NewConversationAnalyzer(cfg.MaxSessions, cfg.SessionWindow, cfg.SessionTimeout),
		store:         store,
		gen:           gen,
		logger:        log,
		learn:         cfg.LearnPatterns,
		minLearnConf:  cfg.MinLearnConfidence,
		synthesize:    cfg.SynthesizeVariations && gen != nil && gen.Available(),
		maxVariations: 2,
		metrics:       &Metrics{ByDetector: make(map[string]int64)},
	}, nil
}

// Detect runs all layers against the event and returns the winning alert,
// or nil when nothing fired. A failing layer is logged and treated as
// silent; the remaining layers still get their look.
func (e *Engine) Detect(ctx context.Context, event *core.AgentEvent) *core.Alert {
	e.metrics.mu.Lock()
	e.metrics.EventsAnalyzed++
	e.metrics.mu.Unlock()

	normalized := Normalize(event.Message)

	candidates := make([]*core.Alert, 0, 4)

	// The conversation analyzer records the turn regardless of outcome
	if a := e.conversation.Observe(event, normalized); a != nil {
		candidates = append(candidates, a)
	}

	semAlert, err := e.semantic.Match(ctx, event, normalized)
	if err != nil {
		e.layerError("semantic_matcher", event.ID, err)
	} else if semAlert != nil {
		candidates = append(candidates, semAlert)
	}

	if a := e.intent.Match(event, normalized); a != nil {
		candidates = append(candidates, a)
	}
	if a := e.rules.Match(event, normalized); a != nil {
		candidates = append(candidates, a)
	}

	if len(candidates) == 0 {
		return nil
	}

	winner := e.pickWinner(candidates)

	e.metrics.mu.Lock()
	e.metrics.AlertsRaised++
	e.metrics.ByDetector[winner.Detector]++
	e.metrics.mu.Unlock()

	e.maybeLearn(winner, normalized)
	return winner
}

// pickWinner prefers a conversation-level finding, then the highest
// severity; among equals the earlier layer (semantic before intent before
// rules) wins because its false-positive estimate is better calibrated.
func (e *Engine) pickWinner(candidates []*core.Alert) *core.Alert {
	order := map[string]int{
		e.conversation.Name(): 0,
		e.semantic.Name():     1,
		e.intent.Name():       2,
		e.rules.Name():        3,
	}

	winner := candidates[0]
	for _, c := range candidates[1:] {
		if c.Detector == e.conversation.Name() && winner.Detector != e.conversation.Name() {
			winner = c
			continue
		}
		if winner.Detector == e.conversation.Name() {
			continue
		}
		if c.Severity > winner.Severity ||
			(c.Severity == winner.Severity && order[c.Detector] < order[winner.Detector]) {
			winner = c
		}
	}
	return winner
}

// maybeLearn feeds high-confidence detections back into the pattern corpus
// and, when a generation backend is available, asks it for paraphrased
// variations so the corpus covers rewordings before attackers find them.
func (e *Engine) maybeLearn(alert *core.Alert, normalized string) {
	if !e.learn || alert.FalsePositiveProb > 1-e.minLearnConf {
		return
	}
	// Corpus matches teach nothing new
	if alert.Detector == e.semantic.Name() {
		if id, ok := alert.Evidence["pattern_id"].(string); ok {
			if err := e.store.RecordDetection(id); err != nil {
				e.logger.Warn().Err(err).Str("pattern_id", id).Msg("recording detection")
			}
		}
		return
	}

	text := textgen.Truncate(normalized, 64)
	p := &memory.Pattern{
		Text:       text,
		ThreatType: alert.ThreatType,
		Severity:   alert.Severity,
		Confidence: 1 - alert.FalsePositiveProb,
		Source:     "learned",
		LearnedAt:  time.Now().UTC(),
	}
	if err := e.store.StorePattern(p); err != nil {
		e.logger.Warn().Err(err).Msg("storing learned pattern")
		return
	}
	if err := e.semantic.AddPattern(p); err != nil {
		e.logger.Warn().Err(err).Msg("indexing learned pattern")
		return
	}

	e.metrics.mu.Lock()
	e.metrics.PatternsLearned++
	e.metrics.mu.Unlock()

	e.logger.Debug().
		Str("pattern_id", p.ID).
		Str("threat_type", string(p.ThreatType)).
		Msg("learned new attack pattern")

	if e.synthesize {
		go e.synthesizeVariations(p)
	}
}

func (e *Engine) synthesizeVariations(p *memory.Pattern) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("variation synthesis panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	prompt := fmt.Sprintf("Rewrite the following attack phrase %d different ways, one per line, keeping the same intent:\n%s",
		e.maxVariations, p.Text)
	out, err := e.gen.Generate(ctx, prompt, "You generate paraphrases of known attack phrasings for a detection corpus. Output only the paraphrases.")
	if err != nil {
		e.logger.Debug().Err(err).Msg("variation synthesis unavailable")
		return
	}

	count := 0
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "0123456789.-) "))
		if line == "" || count >= e.maxVariations {
			continue
		}
		variant := &memory.Pattern{
			Text:       strings.ToLower(line),
			ThreatType: p.ThreatType,
			Severity:   p.Severity,
			Confidence: p.Confidence * 0.9,
			Source:     "synthesized",
			LearnedAt:  time.Now().UTC(),
		}
		if err := e.store.StorePattern(variant); err != nil {
			continue
		}
		if err := e.semantic.AddPattern(variant); err != nil {
			continue
		}
		count++
	}
	if count > 0 {
		e.logger.Debug().Int("variations", count).Str("source", p.ID).Msg("synthesized pattern variations")
	}
}

func (e *Engine) layerError(layer, eventID string, err error) {
	e.metrics.mu.Lock()
	e.metrics.LayerErrors++
	e.metrics.mu.Unlock()
	e.logger.Error().Err(err).Str("layer", layer).Str("event_id", eventID).Msg("detection layer failed")
}

// Sweep evicts idle conversation sessions.
func (e *Engine) Sweep() int {
	return e.conversation.Sweep()
}

// GetMetrics returns a snapshot of detection counters.
func (e *Engine) GetMetrics() map[string]int64 {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	out := map[string]int64{
		"events_analyzed":  e.metrics.EventsAnalyzed,
		"alerts_raised":    e.metrics.AlertsRaised,
		"patterns_learned": e.metrics.PatternsLearned,
		"layer_errors":     e.metrics.LayerErrors,
	}
	for k, v := range e.metrics.ByDetector {
		out["by_"+k] = v
	}
	return out
}
