package core

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// EventBus wraps NATS JetStream for event publishing and subscribing.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
	mu     sync.RWMutex
	subs   []*nats.Subscription

	metrics *BusMetrics
}

// BusMetrics tracks event bus performance counters.
type BusMetrics struct {
	mu                 sync.Mutex `json:"-"`
	EventsPublished    int64      `json:"events_published"`
	EventsFailed       int64      `json:"events_failed"`
	AlertsPublished    int64      `json:"alerts_published"`
	ResponsesPublished int64      `json:"responses_published"`
	MessagesAcked      int64      `json:"messages_acked"`
	MessagesNaked      int64      `json:"messages_naked"`
}

// NewEventBus creates a new EventBus. If cfg.Embedded is true, it starts an
// embedded NATS server.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger:  logger.With().Str("component", "event_bus").Logger(),
		subs:    make([]*nats.Subscription, 0),
		metrics: &BusMetrics{},
	}

	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}

		ns.Start()

		if !ns.ReadyForConnections(10 * time.Second) {
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}

		bus.ns = ns
		bus.logger.Info().Int("port", cfg.Port).Msg("embedded NATS server started")
	}

	url := cfg.URL
	if cfg.Embedded {
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port)
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	// Create or update the streams. AddStream returns the existing stream if
	// the config matches; if it exists with a different config (e.g. after a
	// version upgrade), we update it.
	streams := []*nats.StreamConfig{
		{
			Name:      "AGENT_EVENTS",
			Subjects:  []string{"soc.events.>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour * 7, // 7 days retention
			MaxBytes:  1024 * 1024 * 1024, // 1GB max
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
		{
			Name:      "SOC_ALERTS",
			Subjects:  []string{"soc.alerts.>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour * 30, // 30 days retention
			MaxBytes:  512 * 1024 * 1024,   // 512MB max
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
		{
			Name:      "SOC_RESPONSES",
			Subjects:  []string{"soc.responses.>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour * 30, // 30 days retention
			MaxBytes:  256 * 1024 * 1024,   // 256MB max
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
	}
	for _, sc := range streams {
		if _, err := js.AddStream(sc); err != nil {
			if _, updateErr := js.UpdateStream(sc); updateErr != nil {
				return nil, fmt.Errorf("creating/updating %s stream: %w (original: %v)", sc.Name, updateErr, err)
			}
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// PublishEvent publishes an AgentEvent to the event bus.
func (b *EventBus) PublishEvent(event *AgentEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	subject := fmt.Sprintf("soc.events.%s.%s", sanitizeToken(event.Source), sanitizeToken(event.AgentID))
	_, err = b.js.Publish(subject, data)
	if err != nil {
		b.metrics.mu.Lock()
		b.metrics.EventsFailed++
		b.metrics.mu.Unlock()
		return fmt.Errorf("publishing event to %s: %w", subject, err)
	}

	b.metrics.mu.Lock()
	b.metrics.EventsPublished++
	b.metrics.mu.Unlock()

	b.logger.Debug().
		Str("event_id", event.ID).
		Str("subject", subject).
		Msg("event published")

	return nil
}

// PublishAlert publishes an Alert to the alert stream.
func (b *EventBus) PublishAlert(alert *Alert) error {
	data, err := alert.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	subject := fmt.Sprintf("soc.alerts.%s.%s", sanitizeToken(alert.Detector), alert.Severity.String())
	_, err = b.js.Publish(subject, data)
	if err != nil {
		return fmt.Errorf("publishing alert to %s: %w", subject, err)
	}

	b.metrics.mu.Lock()
	b.metrics.AlertsPublished++
	b.metrics.mu.Unlock()

	return nil
}

// PublishResponse publishes an execution record to the response stream under
// soc.responses.<action>.
func (b *EventBus) PublishResponse(action string, data []byte) error {
	subject := fmt.Sprintf("soc.responses.%s", sanitizeToken(action))
	if _, err := b.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing response to %s: %w", subject, err)
	}

	b.metrics.mu.Lock()
	b.metrics.ResponsesPublished++
	b.metrics.mu.Unlock()

	return nil
}

// Subscribe creates a durable subscription to a subject pattern.
func (b *EventBus) Subscribe(subject, durableName string, handler func(msg *nats.Msg)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(subject, handler, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug().Str("subject", subject).Str("durable", durableName).Msg("subscribed")
	return nil
}

// SubscribeToAllEvents subscribes to all agent events with a durable
// consumer. Unparseable payloads are naked for redelivery accounting.
func (b *EventBus) SubscribeToAllEvents(handler func(event *AgentEvent)) error {
	return b.Subscribe("soc.events.>", "argus-engine-events", func(msg *nats.Msg) {
		event, err := UnmarshalAgentEvent(msg.Data)
		if err != nil {
			b.logger.Error().Err(err).Msg("failed to unmarshal event")
			_ = msg.Nak()
			b.metrics.mu.Lock()
			b.metrics.MessagesNaked++
			b.metrics.mu.Unlock()
			return
		}
		handler(event)
		_ = msg.Ack()
		b.metrics.mu.Lock()
		b.metrics.MessagesAcked++
		b.metrics.mu.Unlock()
	})
}

// SubscribeToAlerts subscribes to the alert stream with a durable consumer.
func (b *EventBus) SubscribeToAlerts(durableName string, handler func(alert *Alert)) error {
	return b.Subscribe("soc.alerts.>", durableName, func(msg *nats.Msg) {
		alert, err := UnmarshalAlert(msg.Data)
		if err != nil {
			b.logger.Error().Err(err).Msg("failed to unmarshal alert")
			_ = msg.Nak()
			return
		}
		handler(alert)
		_ = msg.Ack()
	})
}

// Close shuts down the event bus.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}

	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.logger.Info().Msg("embedded NATS server stopped")
	}

	return nil
}

// IsConnected returns true if the NATS connection is active.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns a snapshot of bus metrics.
func (b *EventBus) GetMetrics() map[string]int64 {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	return map[string]int64{
		"events_published":    b.metrics.EventsPublished,
		"events_failed":       b.metrics.EventsFailed,
		"alerts_published":    b.metrics.AlertsPublished,
		"responses_published": b.metrics.ResponsesPublished,
		"messages_acked":      b.metrics.MessagesAcked,
		"messages_naked":      b.metrics.MessagesNaked,
	}
}

// sanitizeToken makes a string safe for use as a NATS subject token.
func sanitizeToken(s string) string {
	if s == "" {
		return "unknown"
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
