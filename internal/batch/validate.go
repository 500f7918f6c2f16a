package batch

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Request holds the raw form values of a send request
type Request struct {
	Message          string
	HTML             string
	Caption          string
	JoinLink         string
	ScheduleDateTime string
	Recipients       string
	Image            *Attachment
}

// scheduleLayouts are tried in order; layouts without a zone use the validator location
var scheduleLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Validator validates send requests
type Validator struct {
	loc *time.Location
	now func() time.Time
}

// NewValidator creates a validator that reads zone-less schedule times in loc
func NewValidator(loc *time.Location) *Validator {
	if loc == nil {
		loc = time.Local
	}
	return &Validator{loc: loc, now: time.Now}
}

// Validate checks the request and builds a batch. It has no side effects.
// Recipient addresses are not checked here: a malformed address is skipped at
// dispatch time rather than rejecting the whole batch.
func (v *Validator) Validate(req Request) (*Batch, error) {
	now := v.now()

	image := req.Image
	if image != nil && len(image.Data) == 0 {
		image = nil
	}

	if strings.TrimSpace(req.Message) == "" && strings.TrimSpace(req.HTML) == "" && image == nil {
		return nil, invalid("message", ErrEmptyMessage)
	}

	recipients, err := parseRecipients(req.Recipients)
	if err != nil {
		return nil, err
	}

	var scheduledAt time.Time
	if s := strings.TrimSpace(req.ScheduleDateTime); s != "" {
		scheduledAt, err = v.parseSchedule(s)
		if err != nil {
			return nil, err
		}
		if scheduledAt.Before(now) {
			return nil, invalid("scheduleDateTime", ErrPastSchedule)
		}
	}

	b := &Batch{
		ID:          uuid.New().String(),
		Body:        req.Message,
		HTML:        strings.TrimSpace(req.HTML),
		JoinLink:    strings.TrimSpace(req.JoinLink),
		Recipients:  recipients,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
	}

	if image != nil {
		b.Attachment = &Attachment{
			Data:     image.Data,
			MimeType: image.MimeType,
			Caption:  strings.TrimSpace(req.Caption),
		}
	}

	return b, nil
}

func (v *Validator) parseSchedule(s string) (time.Time, error) {
	for _, layout := range scheduleLayouts {
		if t, err := time.ParseInLocation(layout, s, v.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, invalid("scheduleDateTime", ErrInvalidSchedule)
}

// recipientFields lists the aliased identifier fields; first non-empty wins
type recipientFields struct {
	GroupID string `json:"group_id"`
	ChatID  string `json:"chat_id"`
	ID      string `json:"id"`
}

func (f recipientFields) resolve() string {
	for _, id := range []string{f.GroupID, f.ChatID, f.ID} {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	return ""
}

func parseRecipients(raw string) ([]Recipient, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil || len(items) == 0 {
		return nil, invalid("recipients", ErrMalformedRecipients)
	}

	recipients := make([]Recipient, 0, len(items))
	for _, item := range items {
		var f recipientFields
		// Entries that are not objects keep an empty ID and get skipped at dispatch.
		_ = json.Unmarshal(item, &f)
		recipients = append(recipients, Recipient{ID: f.resolve()})
	}
	return recipients, nil
}
