// Package relay forwards status events to an AMQP topic exchange.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/foxzi/groupsend/internal/events"
	"github.com/foxzi/groupsend/internal/metrics"
)

// Meta describes an envelope
type Meta struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Envelope is the JSON body published for every event
type Envelope struct {
	Meta Meta         `json:"meta"`
	Data events.Event `json:"data"`
}

// NewEnvelope wraps an event with a fresh message ID
func NewEnvelope(e events.Event) Envelope {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	return Envelope{
		Meta: Meta{
			ID:         uuid.NewString(),
			Type:       string(e.Kind),
			OccurredAt: at.UTC(),
		},
		Data: e,
	}
}

// RoutingKey returns "<prefix>.<kind>"
func RoutingKey(prefix string, kind events.Kind) string {
	if prefix == "" {
		return string(kind)
	}
	return prefix + "." + string(kind)
}

// Channel is the subset of *amqp091.Channel used for publishing
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Options contains relay settings
type Options struct {
	URL           string
	Exchange      string
	RoutingPrefix string
	MaxRetries    int
	RetryDelay    time.Duration
}

// Publisher publishes bus events to the exchange
type Publisher struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   Channel

	// connect opens a fresh channel; nil disables reconnects
	connect func(ctx context.Context) (Channel, error)
}

// Dial connects to the broker and declares the topic exchange
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Publisher, error) {
	p := &Publisher{
		opts:   opts,
		logger: logger.With("component", "relay"),
	}
	p.connect = p.dialChannel

	ch, err := p.dialChannel(ctx)
	if err != nil {
		return nil, err
	}
	p.ch = ch

	p.logger.Info("relay connected", "exchange", opts.Exchange)
	return p, nil
}

func newPublisher(ch Channel, opts Options, logger *slog.Logger) *Publisher {
	return &Publisher{
		opts:   opts,
		logger: logger.With("component", "relay"),
		ch:     ch,
	}
}

func (p *Publisher) dialChannel(ctx context.Context) (Channel, error) {
	conn, err := DialWithRetry(ctx, DialOptions{
		URL:           p.opts.URL,
		RetryAttempts: p.opts.MaxRetries,
		Delay:         p.opts.RetryDelay,
		Logger:        p.logger,
	})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(p.opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", p.opts.Exchange, err)
	}

	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = conn
	return ch, nil
}

// Publish sends one event, reopening the connection once if it was closed
func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	env := NewEnvelope(e)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    env.Meta.ID,
		Type:         env.Meta.Type,
		Timestamp:    env.Meta.OccurredAt,
		Body:         body,
	}
	key := RoutingKey(p.opts.RoutingPrefix, e.Kind)

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, p.opts.Exchange, key, false, false, msg)
	if errors.Is(err, amqp091.ErrClosed) && p.connect != nil {
		p.logger.Warn("relay channel closed, reconnecting")
		ch, dialErr := p.connect(ctx)
		if dialErr != nil {
			return fmt.Errorf("failed to reconnect: %w", dialErr)
		}
		p.ch = ch
		err = p.ch.PublishWithContext(ctx, p.opts.Exchange, key, false, false, msg)
	}
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}

	p.logger.Debug("published", "key", key, "exchange", p.opts.Exchange)
	return nil
}

// Run publishes events until ctx is done or the channel is closed
func (p *Publisher) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := p.Publish(ctx, e); err != nil {
				p.logger.Error("failed to relay event", "kind", e.Kind, "error", err)
				metrics.IncRelayPublish("failed")
				continue
			}
			metrics.IncRelayPublish("published")
		}
	}
}

// Close closes the channel and connection
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
