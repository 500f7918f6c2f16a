// Package dispatch delivers one validated batch to its recipients, strictly
// in order, one at a time.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/foxzi/groupsend/internal/batch"
	"github.com/foxzi/groupsend/internal/events"
	"github.com/foxzi/groupsend/internal/metrics"
	"github.com/foxzi/groupsend/internal/ratelimit"
	"github.com/foxzi/groupsend/internal/session"
)

const (
	// DefaultSendDelay spaces consecutive sends
	DefaultSendDelay = 1200 * time.Millisecond

	// DefaultCaptionSeparator joins an image caption and the message text
	DefaultCaptionSeparator = "\n"
)

// Sender delivers one payload to one address
type Sender interface {
	SendMessage(ctx context.Context, recipient string, p session.Payload) (*session.Receipt, error)
}

// Publisher receives one status event per delivery attempt
type Publisher interface {
	Publish(e events.Event)
}

// Quota decides whether one more send is permitted
type Quota interface {
	Allow(ctx context.Context, req ratelimit.Request) (*ratelimit.Result, error)
}

// Config contains dispatcher configuration
type Config struct {
	SendDelay        time.Duration
	CaptionSeparator string
}

// Summary is the outcome of one run
type Summary struct {
	Total    int
	Sent     int
	Failed   int
	Skipped  int
	Aborted  bool
	Duration time.Duration
}

// Dispatcher runs batches against a chat session
type Dispatcher struct {
	sender Sender
	bus    Publisher
	quota  Quota
	delay  time.Duration
	sep    string
	logger *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a dispatcher
func New(sender Sender, bus Publisher, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.SendDelay <= 0 {
		cfg.SendDelay = DefaultSendDelay
	}
	if cfg.CaptionSeparator == "" {
		cfg.CaptionSeparator = DefaultCaptionSeparator
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		sender: sender,
		bus:    bus,
		delay:  cfg.SendDelay,
		sep:    cfg.CaptionSeparator,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// SetQuota enables per-send quota checks. A denied send counts as failed.
func (d *Dispatcher) SetQuota(q Quota) {
	d.quota = q
}

// Run delivers b to every valid recipient. Outcomes are reported only on the
// event bus; a failing recipient never stops the loop. Cancelling ctx stops
// the run between sends.
func (d *Dispatcher) Run(ctx context.Context, b *batch.Batch) {
	d.run(ctx, b)
}

func (d *Dispatcher) run(ctx context.Context, b *batch.Batch) Summary {
	start := d.now()
	logger := d.logger.With("batch_id", b.ID)
	payload := d.payload(b)
	sum := Summary{Total: len(b.Recipients)}

	logger.Info("dispatch started", "recipients", sum.Total, "image", payload.IsImage())

	attempted := false
	for _, r := range b.Recipients {
		if !batch.ValidAddress(r.ID) {
			sum.Skipped++
			metrics.IncRecipientsSkipped()
			logger.Warn("skipping recipient with invalid address", "recipient", r.ID)
			continue
		}

		if attempted {
			if err := d.sleep(ctx, d.delay); err != nil {
				sum.Aborted = true
				break
			}
		}
		attempted = true

		if d.attempt(ctx, logger, r.ID, payload) {
			sum.Sent++
		} else {
			sum.Failed++
		}
	}

	sum.Duration = d.now().Sub(start)
	metrics.ObserveBatchDuration(sum.Duration.Seconds())

	attrs := []any{
		"total", sum.Total,
		"sent", sum.Sent,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
		"duration", sum.Duration,
	}
	if sum.Aborted {
		logger.Warn("dispatch aborted", attrs...)
	} else {
		logger.Info("dispatch finished", attrs...)
	}

	return sum
}

// attempt sends to one address and publishes exactly one status event
func (d *Dispatcher) attempt(ctx context.Context, logger *slog.Logger, to string, p session.Payload) bool {
	if d.quota != nil {
		res, err := d.quota.Allow(ctx, ratelimit.Request{Recipient: to})
		if err != nil || !res.Allowed {
			attrs := []any{"recipient", to}
			if err != nil {
				attrs = append(attrs, "error", err)
			} else {
				attrs = append(attrs, "denied_by", res.DeniedBy, "retry_after", res.RetryAfter)
			}
			logger.Warn("send quota exceeded", attrs...)
			d.publish(to, "", events.StatusFailed)
			return false
		}
	}

	receipt, err := d.sender.SendMessage(ctx, to, p)
	if err != nil {
		logger.Error("failed to send message", "recipient", to, "error", err)
		d.publish(to, "", events.StatusFailed)
		return false
	}

	id := ""
	if receipt != nil {
		id = receipt.MessageID
	}
	logger.Info("message sent", "recipient", to, "message_id", id)
	d.publish(to, id, events.StatusSent)
	return true
}

func (d *Dispatcher) publish(to, messageID string, status events.Status) {
	metrics.IncDelivery(string(status))
	d.bus.Publish(events.Delivery(to, messageID, status, d.now()))
}

// payload builds the content shared by every recipient of b
func (d *Dispatcher) payload(b *batch.Batch) session.Payload {
	msg := b.Message()

	if b.Attachment == nil {
		return session.Payload{Text: msg}
	}

	caption := msg
	switch {
	case b.Attachment.Caption != "" && msg != "":
		caption = b.Attachment.Caption + d.sep + msg
	case b.Attachment.Caption != "":
		caption = b.Attachment.Caption
	}

	return session.Payload{
		Image:    b.Attachment.Data,
		MimeType: b.Attachment.MimeType,
		Caption:  caption,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
