// Package connection tracks the pairing/connection state of the chat session
// and drives automatic reconnection.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/groupsend/internal/events"
	"github.com/foxzi/groupsend/internal/metrics"
	"github.com/foxzi/groupsend/internal/session"
)

// State is the connection state of the chat session
type State string

const (
	StateDisconnected    State = "disconnected"
	StateAwaitingPairing State = "awaiting-pairing"
	StateConnected       State = "connected"
)

// DefaultReconnectDelay is the backoff before reconnecting after a drop
const DefaultReconnectDelay = 3 * time.Second

// Publisher receives connection lifecycle events
type Publisher interface {
	Publish(e events.Event)
}

// ReconnectFunc re-establishes the session connection
type ReconnectFunc func(ctx context.Context) error

// Options configures a Tracker
type Options struct {
	Reconnect      ReconnectFunc
	ReconnectDelay time.Duration
	Logger         *slog.Logger
}

// Tracker owns the connection state. Only session signals mutate it. Receipt
// signals pass straight through to the bus as status updates.
type Tracker struct {
	mu    sync.RWMutex
	state State
	qr    string
	since time.Time
	ready chan struct{} // closed while connected

	bus            Publisher
	reconnect      ReconnectFunc
	reconnectDelay time.Duration
	logger         *slog.Logger

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewTracker creates a tracker in the disconnected state
func NewTracker(bus Publisher, opts Options) *Tracker {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		state:          StateDisconnected,
		since:          time.Now(),
		ready:          make(chan struct{}),
		bus:            bus,
		reconnect:      opts.Reconnect,
		reconnectDelay: opts.ReconnectDelay,
		logger:         opts.Logger,
	}
}

// Run consumes signals until ctx is done or the channel closes
func (t *Tracker) Run(ctx context.Context, signals <-chan session.Signal) {
	defer t.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			t.Handle(ctx, sig)
		}
	}
}

// Handle applies one upstream signal
func (t *Tracker) Handle(ctx context.Context, sig session.Signal) {
	now := time.Now()

	switch sig.Kind {
	case session.SignalPairing:
		t.set(StateAwaitingPairing, sig.QR, now)
		t.logger.Info("pairing code generated, waiting for scan")
		t.bus.Publish(events.Event{Kind: events.KindQR, QR: sig.QR, Time: now})

	case session.SignalConnected:
		t.stopTimer()
		t.set(StateConnected, "", now)
		t.logger.Info("chat session connected")
		t.bus.Publish(events.Event{Kind: events.KindConnected, Status: events.StatusConnected, Time: now})

	case session.SignalDisconnected:
		t.set(StateDisconnected, "", now)
		t.bus.Publish(events.Event{
			Kind:   events.KindDisconnected,
			Status: events.StatusDisconnected,
			Reason: sig.Reason,
			Time:   now,
		})
		if sig.Permanent {
			t.logger.Error("chat session closed permanently, not reconnecting", "reason", sig.Reason)
			return
		}
		t.logger.Warn("chat session closed, reconnecting",
			"reason", sig.Reason,
			"delay", t.reconnectDelay,
		)
		t.scheduleReconnect(ctx)

	case session.SignalReceipt:
		for _, id := range sig.MessageIDs {
			t.bus.Publish(events.Event{
				Kind:      events.KindStatus,
				MessageID: id,
				Recipient: sig.Chat,
				FromMe:    true,
				Status:    events.Status(sig.Receipt),
				Time:      now,
			})
		}

	default:
		t.logger.Debug("ignoring unknown session signal", "kind", sig.Kind)
	}
}

// State returns the current state
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Since returns when the current state was entered
func (t *Tracker) Since() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.since
}

// Connected reports whether dispatch is permitted
func (t *Tracker) Connected() bool {
	return t.State() == StateConnected
}

// Ready returns a channel that is closed once the session is connected. A
// later drop does not reopen it; call Ready again for the current state.
func (t *Tracker) Ready() <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// LatestQR returns the cached pairing payload, if any
func (t *Tracker) LatestQR() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.qr, t.qr != ""
}

func (t *Tracker) set(state State, qr string, now time.Time) {
	t.mu.Lock()
	if t.state != state {
		t.since = now
		switch {
		case state == StateConnected:
			close(t.ready)
		case t.state == StateConnected:
			t.ready = make(chan struct{})
		}
	}
	t.state = state
	t.qr = qr
	t.mu.Unlock()

	metrics.SetConnectionState(string(state))
}

func (t *Tracker) scheduleReconnect(ctx context.Context) {
	if t.reconnect == nil {
		return
	}

	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.reconnectDelay, func() {
		if ctx.Err() != nil {
			return
		}
		t.bus.Publish(events.Event{Kind: events.KindConnecting, Status: events.StatusConnecting})
		metrics.IncReconnects()
		if err := t.reconnect(ctx); err != nil {
			// No drop signal follows a failed dial, so retry on our own.
			t.logger.Error("reconnect failed", "error", err)
			t.scheduleReconnect(ctx)
		}
	})
}

func (t *Tracker) stopTimer() {
	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
