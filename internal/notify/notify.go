// Package notify mails operators about selected status events.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/foxzi/groupsend/internal/events"
	"github.com/foxzi/groupsend/internal/metrics"
)

// Signer signs a composed message before submission
type Signer interface {
	Sign(message []byte) ([]byte, error)
}

// Config contains notifier settings
type Config struct {
	From          string
	To            []string
	Statuses      []events.Status
	SubjectPrefix string
	RatePerMinute int // 0 means unlimited
	Hostname      string
	Timeout       time.Duration
}

// Notifier turns bus events into email
type Notifier struct {
	mailer   Mailer
	signer   Signer
	cfg      Config
	statuses map[events.Status]bool
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a notifier
func New(mailer Mailer, cfg Config, logger *slog.Logger) *Notifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	statuses := make(map[events.Status]bool, len(cfg.Statuses))
	for _, s := range cfg.Statuses {
		statuses[s] = true
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute)
	}

	return &Notifier{
		mailer:   mailer,
		cfg:      cfg,
		statuses: statuses,
		limiter:  limiter,
		logger:   logger.With("component", "notify"),
		now:      time.Now,
	}
}

// SetSigner enables DKIM signing of outgoing notifications
func (n *Notifier) SetSigner(s Signer) {
	n.signer = s
}

// Run consumes events until ctx is done or the channel is closed
func (n *Notifier) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			n.Handle(ctx, e)
		}
	}
}

// Handle mails a single event if its status is selected
func (n *Notifier) Handle(ctx context.Context, e events.Event) {
	if !n.statuses[e.Status] {
		return
	}

	if !n.limiter.Allow() {
		n.logger.Debug("notification throttled", "kind", e.Kind, "status", e.Status)
		metrics.IncNotifications("throttled")
		return
	}

	msg, err := n.compose(e)
	if err == nil && n.signer != nil {
		msg, err = n.signer.Sign(msg)
	}
	if err != nil {
		n.logger.Error("failed to build notification", "error", err)
		metrics.IncNotifications("failed")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	if err := n.mailer.Send(sendCtx, n.cfg.From, n.cfg.To, msg); err != nil {
		n.logger.Error("failed to send notification",
			"kind", e.Kind,
			"status", e.Status,
			"error", err,
		)
		metrics.IncNotifications("failed")
		return
	}

	n.logger.Info("notification sent", "kind", e.Kind, "status", e.Status, "recipient", e.Recipient)
	metrics.IncNotifications("sent")
}

// Subject returns the mail subject for an event
func (n *Notifier) Subject(e events.Event) string {
	var subject string
	switch e.Kind {
	case events.KindStatus:
		subject = fmt.Sprintf("delivery %s: %s", e.Status, e.Recipient)
	case events.KindDisconnected:
		subject = "session disconnected"
	case events.KindConnected:
		subject = "session connected"
	case events.KindConnecting:
		subject = "session reconnecting"
	default:
		subject = string(e.Kind)
	}

	if n.cfg.SubjectPrefix == "" {
		return subject
	}
	return n.cfg.SubjectPrefix + " " + subject
}

func (n *Notifier) compose(e events.Event) ([]byte, error) {
	now := n.now()
	at := e.Time
	if at.IsZero() {
		at = now
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Event:      %s\r\n", e.Kind)
	fmt.Fprintf(&body, "Status:     %s\r\n", e.Status)
	if e.Recipient != "" {
		fmt.Fprintf(&body, "Recipient:  %s\r\n", e.Recipient)
	}
	if e.MessageID != "" {
		fmt.Fprintf(&body, "Message ID: %s\r\n", e.MessageID)
	}
	if e.Reason != "" {
		fmt.Fprintf(&body, "Reason:     %s\r\n", e.Reason)
	}
	fmt.Fprintf(&body, "Time:       %s\r\n", at.Format(time.RFC3339))

	hostname := n.cfg.Hostname
	if hostname == "" {
		hostname = "localhost"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", n.Subject(e))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s@%s>\r\n", uuid.NewString(), hostname)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body.String())

	return buf.Bytes(), nil
}
