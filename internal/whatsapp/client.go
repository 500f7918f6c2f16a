// Package whatsapp implements the chat session on top of whatsmeow with a
// sqlite device store.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	_ "modernc.org/sqlite"

	"github.com/foxzi/groupsend/internal/session"
)

// Options contains session settings
type Options struct {
	StorePath  string
	DeviceName string
	Logger     *slog.Logger
}

// Client is a whatsmeow-backed session.Session
type Client struct {
	container *sqlstore.Container
	client    *whatsmeow.Client
	signals   chan session.Signal
	logger    *slog.Logger

	mu       sync.Mutex
	qrCancel context.CancelFunc
	closed   bool
}

// Open loads (or creates) the device store and prepares a client.
// No network connection is made until Connect.
func Open(ctx context.Context, opts Options) (*Client, error) {
	logger := opts.Logger.With("component", "whatsapp")

	if err := os.MkdirAll(filepath.Dir(opts.StorePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	if opts.DeviceName != "" {
		store.SetOSInfo(opts.DeviceName, [3]uint32{1, 0, 0})
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", opts.StorePath)
	container, err := sqlstore.New(ctx, "sqlite", dsn, newLogger(logger, "store"))
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	c := &Client{
		container: container,
		client:    whatsmeow.NewClient(device, newLogger(logger, "client")),
		signals:   make(chan session.Signal, 256),
		logger:    logger,
	}
	// Reconnects are driven by the connection tracker.
	c.client.EnableAutoReconnect = false
	c.client.AddEventHandler(c.handleEvent)

	return c, nil
}

// Connect opens the connection. Unpaired devices emit pairing signals.
func (c *Client) Connect(ctx context.Context) error {
	if c.client.IsConnected() {
		return nil
	}

	if c.client.Store.ID == nil {
		c.mu.Lock()
		if c.qrCancel != nil {
			c.qrCancel()
		}
		// The QR channel outlives the connect call.
		qrCtx, cancel := context.WithCancel(context.Background())
		c.qrCancel = cancel
		c.mu.Unlock()

		qrChan, err := c.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to get pairing channel: %w", err)
		}
		go c.forwardQR(qrChan)
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (c *Client) forwardQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(session.Signal{Kind: session.SignalPairing, QR: item.Code})
		case "timeout":
			c.emit(session.Signal{Kind: session.SignalDisconnected, Reason: "pairing timed out"})
		case "success":
			c.logger.Info("device paired")
		default:
			if item.Error != nil {
				c.logger.Warn("pairing failed", "event", item.Event, "error", item.Error)
			}
		}
	}
}

func (c *Client) handleEvent(evt any) {
	sig, ok := toSignal(evt)
	if !ok {
		return
	}
	c.emit(sig)
}

func (c *Client) emit(sig session.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.signals <- sig:
	default:
		c.logger.Warn("signal dropped, consumer is behind", "kind", sig.Kind)
	}
}

// SendMessage uploads media when present and sends the message
func (c *Client) SendMessage(ctx context.Context, recipient string, p session.Payload) (*session.Receipt, error) {
	if !c.client.IsConnected() || !c.client.IsLoggedIn() {
		return nil, session.ErrNotConnected
	}

	jid, err := parseRecipient(recipient)
	if err != nil {
		return nil, err
	}

	msg := textMessage(p.Text)
	if p.IsImage() {
		up, err := c.client.Upload(ctx, p.Image, whatsmeow.MediaImage)
		if err != nil {
			return nil, fmt.Errorf("failed to upload image: %w", err)
		}
		msg = imageMessage(p, up)
	}

	resp, err := c.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	return &session.Receipt{MessageID: resp.ID}, nil
}

// Groups lists joined groups and communities
func (c *Client) Groups(ctx context.Context) ([]session.Group, error) {
	if !c.client.IsConnected() {
		return nil, session.ErrNotConnected
	}

	infos, err := c.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}

	groups := make([]session.Group, 0, len(infos))
	for _, info := range infos {
		groups = append(groups, toGroup(info))
	}
	return groups, nil
}

// Signals returns the lifecycle signal stream. It is closed by Close.
func (c *Client) Signals() <-chan session.Signal {
	return c.signals
}

// Close disconnects and closes the device store
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.qrCancel != nil {
		c.qrCancel()
	}
	close(c.signals)
	c.mu.Unlock()

	c.client.Disconnect()

	if err := c.container.Close(); err != nil {
		return fmt.Errorf("failed to close device store: %w", err)
	}
	return nil
}
