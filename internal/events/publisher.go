// Package events relays committed room changes to observers outside the
// store: the process log and, when configured, a NATS subject.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"absurdroom/internal/domain"
)

// Publisher receives room events after the store write they describe
type Publisher interface {
	Publish(ctx context.Context, event *domain.RoomEvent) error
	Close() error
}

// LogPublisher writes events to the log
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher creates a publisher that logs events at info level
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, event *domain.RoomEvent) error {
	p.logger.Info().
		Str("type", string(event.Type)).
		Str("room", event.RoomCode).
		Str("actor", event.ActorID).
		Int("round", event.Round).
		Interface("payload", event.Payload).
		Msg("room event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// NATSConfig configures the NATS publisher
type NATSConfig struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSPublisher publishes events as JSON to <subject>.<room>.<type>
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSPublisher connects to the NATS server at cfg.URL
func NewNATSPublisher(cfg NATSConfig, logger zerolog.Logger) (*NATSPublisher, error) {
	if cfg.Subject == "" {
		cfg.Subject = "absurd.rooms"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}

	logger = logger.With().Str("component", "events").Logger()

	nc, err := nats.Connect(cfg.URL,
		nats.Name("absurdroom"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &NATSPublisher{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, event *domain.RoomEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(Subject(p.subject, event), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection
func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}

// Subject returns the NATS subject an event is published on
func Subject(prefix string, event *domain.RoomEvent) string {
	return fmt.Sprintf("%s.%s.%s", prefix, event.RoomCode, event.Type)
}

// Multi fans events out to several publishers. Every publisher is tried;
// the first error is returned.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event *domain.RoomEvent) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, p := range m {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
