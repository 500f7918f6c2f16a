package batch

import (
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator() *Validator {
	v := NewValidator(time.UTC)
	v.now = func() time.Time { return testNow }
	return v
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr error
		field   string
	}{
		{
			name:    "empty message and no attachment",
			req:     Request{Message: "   ", Recipients: `[{"group_id":"1@g.us"}]`},
			wantErr: ErrEmptyMessage,
			field:   "message",
		},
		{
			name:    "empty image counts as no attachment",
			req:     Request{Recipients: `[{"group_id":"1@g.us"}]`, Image: &Attachment{}},
			wantErr: ErrEmptyMessage,
			field:   "message",
		},
		{
			name:    "recipients not json",
			req:     Request{Message: "hi", Recipients: `not json`},
			wantErr: ErrMalformedRecipients,
			field:   "recipients",
		},
		{
			name:    "recipients is an object",
			req:     Request{Message: "hi", Recipients: `{"group_id":"1@g.us"}`},
			wantErr: ErrMalformedRecipients,
			field:   "recipients",
		},
		{
			name:    "recipients empty array",
			req:     Request{Message: "hi", Recipients: `[]`},
			wantErr: ErrMalformedRecipients,
			field:   "recipients",
		},
		{
			name:    "recipients missing",
			req:     Request{Message: "hi"},
			wantErr: ErrMalformedRecipients,
			field:   "recipients",
		},
		{
			name:    "schedule in the past",
			req:     Request{Message: "hi", Recipients: `[{"id":"1@g.us"}]`, ScheduleDateTime: "2025-06-01T11:59"},
			wantErr: ErrPastSchedule,
			field:   "scheduleDateTime",
		},
		{
			name:    "schedule unparseable",
			req:     Request{Message: "hi", Recipients: `[{"id":"1@g.us"}]`, ScheduleDateTime: "tomorrow"},
			wantErr: ErrInvalidSchedule,
			field:   "scheduleDateTime",
		},
	}

	v := newTestValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := v.Validate(tt.req)
			if err == nil {
				t.Fatalf("Validate() = %+v, want error", b)
			}
			if b != nil {
				t.Errorf("Validate() returned batch alongside error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("error %v does not wrap ErrValidation", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error %T is not *ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestValidateRecipientAliases(t *testing.T) {
	v := newTestValidator()

	b, err := v.Validate(Request{
		Message: "hello",
		Recipients: `[
			{"group_id":"123@g.us"},
			{"chat_id":"abc@broadcast"},
			{"id":"invalid"},
			{"group_id":"", "chat_id":" 9@g.us ", "id":"x@g.us"},
			"bare string",
			{"group_id": 42}
		]`,
	})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	want := []string{"123@g.us", "abc@broadcast", "invalid", "9@g.us", "", ""}
	if len(b.Recipients) != len(want) {
		t.Fatalf("len(Recipients) = %d, want %d", len(b.Recipients), len(want))
	}
	for i, id := range want {
		if b.Recipients[i].ID != id {
			t.Errorf("Recipients[%d].ID = %q, want %q", i, b.Recipients[i].ID, id)
		}
	}
}

func TestValidateSchedule(t *testing.T) {
	v := newTestValidator()

	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-06-01T12:30", time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)},
		{"2025-06-01T12:30:15", time.Date(2025, 6, 1, 12, 30, 15, 0, time.UTC)},
		{"2025-06-01 13:00", time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)},
		{"2025-06-01T14:00:00+02:00", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		{"2025-06-02T00:00:00Z", time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			b, err := v.Validate(Request{Message: "x", Recipients: `[{"id":"1@g.us"}]`, ScheduleDateTime: tt.in})
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if !b.Scheduled() {
				t.Fatal("Scheduled() = false, want true")
			}
			if !b.ScheduledAt.Equal(tt.want) {
				t.Errorf("ScheduledAt = %v, want %v", b.ScheduledAt, tt.want)
			}
		})
	}
}

func TestValidateBuildsBatch(t *testing.T) {
	v := newTestValidator()

	b, err := v.Validate(Request{
		Message:    "",
		Caption:    " Poster ",
		JoinLink:   " https://meet.example.com/abc ",
		Recipients: `[{"group_id":"1@g.us"}]`,
		Image:      &Attachment{Data: []byte{0xff, 0xd8}, MimeType: "image/jpeg"},
	})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if b.ID == "" {
		t.Error("ID should be set")
	}
	if b.Scheduled() {
		t.Error("Scheduled() = true, want false")
	}
	if !b.CreatedAt.Equal(testNow) {
		t.Errorf("CreatedAt = %v, want %v", b.CreatedAt, testNow)
	}
	if b.Attachment == nil || b.Attachment.Caption != "Poster" || b.Attachment.MimeType != "image/jpeg" {
		t.Errorf("Attachment = %+v", b.Attachment)
	}
	if b.JoinLink != "https://meet.example.com/abc" {
		t.Errorf("JoinLink = %q", b.JoinLink)
	}
}

func TestValidateHTMLOnly(t *testing.T) {
	v := newTestValidator()
	b, err := v.Validate(Request{HTML: "<b>hi</b>", Recipients: `[{"id":"1@g.us"}]`})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := b.Message(); got != "*hi*" {
		t.Errorf("Message() = %q, want %q", got, "*hi*")
	}
}

func TestBatchMessage(t *testing.T) {
	tests := []struct {
		name string
		b    Batch
		want string
	}{
		{"body only", Batch{Body: "hello"}, "hello"},
		{"body and link", Batch{Body: "hello", JoinLink: "https://x"}, "hello\n\nhttps://x"},
		{"html replaces body", Batch{Body: "plain", HTML: "<i>rich</i>"}, "_rich_"},
		{"html and link", Batch{HTML: "<u>rich</u>", JoinLink: "https://x"}, "~rich~\n\nhttps://x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.b.Message(); got != tt.want {
				t.Errorf("Message() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidAddress(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"123@g.us", true},
		{"120363000000000000@g.us", true},
		{"abc@broadcast", true},
		{"status@broadcast", true},
		{"invalid", false},
		{"", false},
		{"123@s.whatsapp.net", false},
		{"123@g.us.evil", false},
	}
	for _, tt := range tests {
		if got := ValidAddress(tt.id); got != tt.want {
			t.Errorf("ValidAddress(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
