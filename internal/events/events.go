// Package events is the process-wide status event bus. Delivery and
// connection lifecycle events are fanned out to every subscriber and the most
// recent ones are kept for late observers.
package events

import (
	"time"
)

// Kind is the name of the event on the push channel
type Kind string

const (
	KindQR           Kind = "whatsapp-qr"
	KindConnecting   Kind = "whatsapp-connecting"
	KindConnected    Kind = "whatsapp-connected"
	KindDisconnected Kind = "whatsapp-disconnected"
	KindStatus       Kind = "message-status-update"
)

// Status is the outcome carried by an event
type Status string

const (
	StatusSent         Status = "sent"
	StatusFailed       Status = "failed"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusDelivered    Status = "delivered"
	StatusRead         Status = "read"
	StatusPlayed       Status = "played"
)

// UnknownMessageID is used when the transport did not report a message ID
const UnknownMessageID = "unknown"

// Event is one immutable status record
type Event struct {
	Kind      Kind      `json:"kind"`
	MessageID string    `json:"messageId,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	FromMe    bool      `json:"fromMe"`
	Status    Status    `json:"status,omitempty"`
	QR        string    `json:"qr,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Time      time.Time `json:"time"`
}

// Delivery builds a message-status-update event for one dispatch attempt
func Delivery(recipient, messageID string, status Status, at time.Time) Event {
	if messageID == "" {
		messageID = UnknownMessageID
	}
	return Event{
		Kind:      KindStatus,
		MessageID: messageID,
		Recipient: recipient,
		FromMe:    true,
		Status:    status,
		Time:      at,
	}
}
