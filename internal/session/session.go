// Package session defines the capability interface of an authenticated chat
// transport connection. The dispatch core only talks to a Session; the
// transport implementation lives in its own package.
package session

import (
	"context"
	"errors"
)

// ErrNotConnected is returned when an operation needs a live connection
var ErrNotConnected = errors.New("chat session not connected")

// Payload is one outbound message. Image payloads carry the caption as text.
type Payload struct {
	Text     string
	Image    []byte
	MimeType string
	Caption  string
}

// IsImage reports whether the payload carries an image attachment
func (p Payload) IsImage() bool {
	return len(p.Image) > 0
}

// Receipt is returned by the transport for an accepted message
type Receipt struct {
	MessageID string
}

// Group is a chat group or community the session is a member of
type Group struct {
	Name         string `json:"name"`
	ID           string `json:"id"`
	Announcement bool   `json:"announcement"`
}

// SignalKind identifies an upstream connection lifecycle signal
type SignalKind string

const (
	SignalPairing      SignalKind = "pairing"
	SignalConnected    SignalKind = "connected"
	SignalDisconnected SignalKind = "disconnected"
	SignalReceipt      SignalKind = "receipt"
)

// ReceiptStatus is a delivery acknowledgement reported by the transport
type ReceiptStatus string

const (
	ReceiptDelivered ReceiptStatus = "delivered"
	ReceiptRead      ReceiptStatus = "read"
	ReceiptPlayed    ReceiptStatus = "played"
)

// Signal is a connection lifecycle or receipt notification emitted by a Session
type Signal struct {
	Kind SignalKind

	// QR is the pairing payload for SignalPairing
	QR string

	// Reason describes why the connection dropped
	Reason string

	// Permanent marks a drop that must not be retried (logged out, unauthorized)
	Permanent bool

	// Chat, MessageIDs and Receipt describe a SignalReceipt
	Chat       string
	MessageIDs []string
	Receipt    ReceiptStatus
}

// Session is one authenticated connection to the chat transport
type Session interface {
	// Connect opens the connection. Pairing codes, if required, arrive on Signals.
	Connect(ctx context.Context) error

	// SendMessage delivers a payload to a group or broadcast address
	SendMessage(ctx context.Context, recipient string, p Payload) (*Receipt, error)

	// Groups lists the groups the account participates in
	Groups(ctx context.Context) ([]Group, error)

	// Signals returns the lifecycle signal stream
	Signals() <-chan Signal

	// Close disconnects and releases the credential store
	Close() error
}
