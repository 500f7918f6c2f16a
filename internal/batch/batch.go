// Package batch turns an inbound send request into a validated, immutable
// batch of recipients.
package batch

import (
	"strings"
	"time"

	"github.com/foxzi/groupsend/internal/markup"
)

// Address suffixes accepted by the transport: groups and broadcast/communities
const (
	GroupSuffix     = "@g.us"
	BroadcastSuffix = "@broadcast"
)

// Attachment is an optional image sent with the message
type Attachment struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
}

// Recipient is one target of a batch
type Recipient struct {
	ID string `json:"id"`
}

// Batch is a validated send request
type Batch struct {
	ID          string      `json:"id"`
	Body        string      `json:"body"`
	HTML        string      `json:"html,omitempty"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	JoinLink    string      `json:"join_link,omitempty"`
	Recipients  []Recipient `json:"recipients"`
	ScheduledAt time.Time   `json:"scheduled_at,omitzero"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Scheduled reports whether the batch is deferred to a future time
func (b *Batch) Scheduled() bool {
	return !b.ScheduledAt.IsZero()
}

// Message renders the text sent to every recipient. Rich text, when present,
// replaces the plain body; the join link is appended after a blank line.
func (b *Batch) Message() string {
	msg := b.Body
	if b.HTML != "" {
		msg = markup.ToTransport(b.HTML)
	}
	if b.JoinLink != "" {
		msg += "\n\n" + b.JoinLink
	}
	return msg
}

// ValidAddress reports whether id matches the transport address grammar
func ValidAddress(id string) bool {
	return strings.HasSuffix(id, GroupSuffix) || strings.HasSuffix(id, BroadcastSuffix)
}
