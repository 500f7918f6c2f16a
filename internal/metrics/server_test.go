package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foxzi/groupsend/internal/ipfilter"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServerHandler(t *testing.T) {
	m := New()
	m.RecipientsSkippedTotal.Inc()

	tests := []struct {
		name       string
		allowed    []string
		path       string
		remoteAddr string
		wantCode   int
	}{
		{"metrics open", nil, "/metrics", "1.2.3.4:1000", http.StatusOK},
		{"metrics allowed", []string{"10.0.0.0/8"}, "/metrics", "10.1.1.1:1000", http.StatusOK},
		{"metrics denied", []string{"10.0.0.0/8"}, "/metrics", "192.168.1.1:1000", http.StatusForbidden},
		{"health never filtered", []string{"10.0.0.0/8"}, "/health", "192.168.1.1:1000", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := newTestLogger()
			s := NewServer(m, ":0", "", ipfilter.New(tt.allowed, logger), logger)

			req := httptest.NewRequest("GET", tt.path, nil)
			req.RemoteAddr = tt.remoteAddr
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestServerExposesGroupsendMetrics(t *testing.T) {
	m := New()
	m.RecipientsSkippedTotal.Inc()

	s := NewServer(m, "", "/metrics", nil, newTestLogger())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "groupsend_recipients_skipped_total 1") {
		t.Errorf("metrics output missing skipped counter:\n%s", rec.Body.String())
	}
}
