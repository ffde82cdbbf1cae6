// Package engine wires the full pipeline: bus ingestion, detection,
// certainty scoring, planning, and remediation.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/argus-soc/argus/internal/core"
	"github.com/argus-soc/argus/internal/detect"
	"github.com/argus-soc/argus/internal/memory"
	"github.com/argus-soc/argus/internal/plan"
	"github.com/argus-soc/argus/internal/policy"
	"github.com/argus-soc/argus/internal/remediate"
	"github.com/argus-soc/argus/internal/textgen"
	"github.com/argus-soc/argus/internal/triage"
)

// Engine orchestrates all components.
type Engine struct {
	Config     *core.Config
	Bus        *core.EventBus
	Pipeline   *core.AlertPipeline
	Detector   *detect.Engine
	Scorer     *triage.Scorer
	Planner    *plan.Planner
	Remediator *remediate.Remediator
	Policy     policy.Evaluator
	Store      memory.Store
	TextGen    textgen.Client
	Dedup      *core.EventDedup
	Logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine builds an engine and its collaborators from config. The bus is
// not connected until Start.
func NewEngine(cfg *core.Config) (*Engine, error) {
	logger := NewLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())

	store := memory.NewInMemoryStore(0)

	apiKey := ""
	if cfg.TextGen.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.TextGen.APIKeyEnv)
	}
	gen := textgen.New(cfg.TextGen.Endpoint, cfg.TextGen.Model, apiKey, cfg.TextGen.CostPer1K, logger)

	detector, err := detect.NewEngine(&cfg.Detection, store, gen, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building detection engine: %w", err)
	}

	pol, err := policy.NewLocalEvaluator(cfg.Policy.RulesPath, cfg.Policy.RequireApproval, cfg.Policy.DenyActions, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building policy evaluator: %w", err)
	}

	e := &Engine{
		Config:   cfg,
		Pipeline: core.NewAlertPipeline(logger, cfg.Alerts.MaxStore),
		Detector: detector,
		Scorer:   triage.NewScorer(cfg.Triage.MaxProfiles, cfg.Triage.ProfileTimeout, logger),
		Planner:  plan.NewPlanner(logger),
		Policy:   pol,
		Store:    store,
		TextGen:  gen,
		Dedup:    core.NewEventDedup(30*time.Second, 50000),
		Logger:   logger.With().Str("component", "engine").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.Alerts.EnableConsole {
		e.Pipeline.AddHandler(func(alert *core.Alert) {
			e.Logger.Warn().
				Str("alert_id", alert.ID).
				Str("detector", alert.Detector).
				Str("severity", alert.Severity.String()).
				Str("threat_type", string(alert.ThreatType)).
				Str("title", alert.Title).
				Msg("SECURITY ALERT")
		})
	}

	return e, nil
}

// NewLogger builds the root logger from config.
func NewLogger(cfg *core.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Logging.Format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	switch cfg.LogLevel() {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}
	return logger
}

// Start connects the bus, wires the pipeline, and launches the remediator
// and sweep loop.
func (e *Engine) Start() error {
	e.Logger.Info().Msg("starting engine")

	bus, err := core.NewEventBus(&e.Config.Bus, e.Logger)
	if err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}
	e.Bus = bus

	// Alerts reaching the pipeline also go to the bus for external consumers
	e.Pipeline.AddHandler(func(alert *core.Alert) {
		if err := e.Bus.PublishAlert(alert); err != nil {
			e.Logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to publish alert to bus")
		}
	})

	if e.Config.Remediation.Enabled {
		e.Remediator = remediate.NewRemediator(&e.Config.Remediation, e.Policy, e.Bus, e.Logger)
		e.Remediator.Start(e.ctx, e.Config.Remediation.Workers)
	}

	// One durable consumer feeds the whole pipeline. NATS invokes the handler
	// serially, which keeps each session's turns in arrival order for the
	// conversation analyzer.
	if err := e.Bus.SubscribeToAllEvents(func(event *core.AgentEvent) {
		e.safeHandleEvent(event)
	}); err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}

	go e.sweepLoop()

	e.Logger.Info().Msg("engine started")
	return nil
}

// safeHandleEvent guards the pipeline against panics in any stage.
func (e *Engine) safeHandleEvent(event *core.AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.Logger.Error().
				Interface("panic", r).
				Str("event_id", event.ID).
				Msg("event handling panicked")
		}
	}()
	e.handleEvent(event)
}

// handleEvent runs one event through validate, dedup, detect, score, plan,
// and remediate.
func (e *Engine) handleEvent(event *core.AgentEvent) {
	if err := event.Validate(); err != nil {
		e.Logger.Debug().Err(err).Msg("dropping invalid event")
		return
	}
	if e.Dedup.IsDuplicate(event) {
		e.Logger.Debug().Str("event_id", event.ID).Msg("dropping duplicate event")
		return
	}

	alert := e.Detector.Detect(e.ctx, event)
	if alert == nil {
		return
	}

	verdict := e.Scorer.Score(alert, event)
	alert.Evidence["threat_confidence"] = verdict.ThreatConfidence
	alert.Evidence["recommended_action"] = verdict.RecommendedAction

	e.Pipeline.Process(alert)

	if err := e.Store.StoreDecision(&memory.Decision{
		AlertID:    alert.ID,
		UserID:     event.UserID,
		ThreatType: alert.ThreatType,
		Certainty:  verdict.ThreatConfidence,
		Action:     verdict.RecommendedAction,
		Timestamp:  time.Now().UTC(),
	}); err != nil {
		e.Logger.Warn().Err(err).Msg("storing triage decision")
	}

	if verdict.RecommendedAction == triage.ActionIgnore {
		return
	}

	p := e.Planner.Plan(alert, verdict.ThreatConfidence)
	if p == nil {
		return
	}
	if e.Remediator == nil {
		e.Logger.Info().Str("plan_id", p.ID).Msg("remediation disabled, plan recorded only")
		return
	}
	if err := e.Remediator.Enqueue(p); err != nil {
		e.Logger.Error().Err(err).Str("plan_id", p.ID).Msg("enqueueing plan")
	}
}

// sweepLoop evicts expired state across components on one shared ticker.
func (e *Engine) sweepLoop() {
	interval := e.Config.Remediation.SweepInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			sessions := e.Detector.Sweep()
			profiles := e.Scorer.Sweep()
			dedup := e.Dedup.Sweep()
			if e.Remediator != nil {
				e.Remediator.Sweep()
			}
			if sessions+profiles+dedup > 0 {
				e.Logger.Debug().
					Int("sessions", sessions).
					Int("profiles", profiles).
					Int("dedup", dedup).
					Msg("sweep complete")
			}
		}
	}
}

// Run starts the engine and blocks until a shutdown signal is received.
func (e *Engine) Run() error {
	if err := e.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-e.ctx.Done():
		e.Logger.Info().Msg("context cancelled")
	}

	return e.Shutdown()
}

// Shutdown stops the engine, draining in-flight remediation first.
func (e *Engine) Shutdown() error {
	e.Logger.Info().Msg("shutting down engine")
	e.cancel()

	if e.Remediator != nil {
		e.Remediator.Shutdown()
	}
	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing event bus")
		}
	}

	e.logFinalStats()
	e.Logger.Info().Msg("engine stopped")
	return nil
}

func (e *Engine) logFinalStats() {
	stats := e.Metrics()
	ev := e.Logger.Info()
	for component, counters := range stats {
		ev = ev.Interface(component, counters)
	}
	ev.Msg("final statistics")
}

// Metrics returns per-component counter snapshots.
func (e *Engine) Metrics() map[string]map[string]int64 {
	out := map[string]map[string]int64{
		"detection": e.Detector.GetMetrics(),
		"alerts":    e.Pipeline.GetMetrics(),
		"planner":   e.Planner.GetMetrics(),
	}
	if e.Bus != nil {
		out["bus"] = e.Bus.GetMetrics()
	}
	if e.Remediator != nil {
		out["remediation"] = e.Remediator.GetMetrics()
		out["approvals"] = e.Remediator.Approvals().GetMetrics()
	}
	return out
}

// Context returns the engine's context.
func (e *Engine) Context() context.Context {
	return e.ctx
}
