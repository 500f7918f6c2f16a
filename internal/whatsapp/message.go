package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/foxzi/groupsend/internal/session"
)

// textMessage builds a plain conversation message
func textMessage(text string) *waE2E.Message {
	return &waE2E.Message{
		Conversation: proto.String(text),
	}
}

// imageMessage builds an image message referencing uploaded media
func imageMessage(p session.Payload, up whatsmeow.UploadResponse) *waE2E.Message {
	mime := p.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}

	img := &waE2E.ImageMessage{
		Mimetype:      proto.String(mime),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}
	if p.Caption != "" {
		img.Caption = proto.String(p.Caption)
	}

	return &waE2E.Message{ImageMessage: img}
}

// parseRecipient converts a group or broadcast address into a JID
func parseRecipient(recipient string) (types.JID, error) {
	jid, err := types.ParseJID(strings.TrimSpace(recipient))
	if err != nil {
		return types.JID{}, fmt.Errorf("invalid recipient %q: %w", recipient, err)
	}
	switch jid.Server {
	case types.GroupServer, types.BroadcastServer:
		return jid, nil
	}
	return types.JID{}, fmt.Errorf("invalid recipient %q: not a group or broadcast address", recipient)
}

// toGroup flattens whatsmeow group metadata
func toGroup(info *types.GroupInfo) session.Group {
	return session.Group{
		Name:         info.Name,
		ID:           info.JID.String(),
		Announcement: info.IsAnnounce,
	}
}

// toSignal maps a whatsmeow event to a lifecycle signal
func toSignal(evt any) (session.Signal, bool) {
	switch e := evt.(type) {
	case *events.Connected:
		return session.Signal{Kind: session.SignalConnected}, true
	case *events.Disconnected:
		return session.Signal{Kind: session.SignalDisconnected, Reason: "connection closed"}, true
	case *events.StreamReplaced:
		return session.Signal{Kind: session.SignalDisconnected, Reason: "stream replaced"}, true
	case *events.LoggedOut:
		return session.Signal{
			Kind:      session.SignalDisconnected,
			Reason:    "logged out: " + e.Reason.String(),
			Permanent: true,
		}, true
	case *events.Receipt:
		return receiptSignal(e)
	case *events.ConnectFailure:
		return session.Signal{
			Kind:      session.SignalDisconnected,
			Reason:    "connect failure: " + e.Reason.String(),
			Permanent: e.Reason.IsLoggedOut(),
		}, true
	}
	return session.Signal{}, false
}

// receiptSignal keeps acknowledgements other participants send for our
// messages. Our own devices' receipts and retry/sender receipts are dropped.
func receiptSignal(e *events.Receipt) (session.Signal, bool) {
	if e.IsFromMe || len(e.MessageIDs) == 0 {
		return session.Signal{}, false
	}

	var status session.ReceiptStatus
	switch e.Type {
	case types.ReceiptTypeDelivered:
		status = session.ReceiptDelivered
	case types.ReceiptTypeRead:
		status = session.ReceiptRead
	case types.ReceiptTypePlayed:
		status = session.ReceiptPlayed
	default:
		return session.Signal{}, false
	}

	return session.Signal{
		Kind:       session.SignalReceipt,
		Chat:       e.Chat.String(),
		MessageIDs: append([]string(nil), e.MessageIDs...),
		Receipt:    status,
	}, true
}
