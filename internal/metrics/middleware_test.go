package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"
)

func TestHTTPMiddleware(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/get-groups", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	for _, path := range []string{"/", "/", "/get-groups"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	}

	counter, err := m.APIRequestsTotal.GetMetricWithLabelValues("GET", "/", "200")
	if err != nil {
		t.Fatalf("Failed to get counter: %v", err)
	}
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 2 {
		t.Errorf("Expected 2 requests for /, got %f", metric.Counter.GetValue())
	}

	errCounter, err := m.APIErrorsTotal.GetMetricWithLabelValues("unavailable")
	if err != nil {
		t.Fatalf("Failed to get counter: %v", err)
	}
	var errMetric dto.Metric
	if err := errCounter.Write(&errMetric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if errMetric.Counter.GetValue() != 1 {
		t.Errorf("Expected 1 unavailable error, got %f", errMetric.Counter.GetValue())
	}
}

func TestHTTPMiddlewareNoMetrics(t *testing.T) {
	SetGlobal(nil)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := HTTPMiddleware(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()

	// Should not panic when global metrics is nil
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestNormalizePathWithoutRouter(t *testing.T) {
	req := httptest.NewRequest("GET", "/anything/123", nil)
	if got := normalizePath(req); got != unmatchedPath {
		t.Errorf("normalizePath() = %q, want %q", got, unmatchedPath)
	}
}

func TestCategorizeStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{500, "server_error"},
		{503, "unavailable"},
		{429, "rate_limited"},
		{401, "auth_error"},
		{403, "auth_error"},
		{404, "not_found"},
		{400, "bad_request"},
		{422, "client_error"},
		{200, "unknown"},
		{201, "unknown"},
	}

	for _, tt := range tests {
		result := categorizeStatus(tt.status)
		if result != tt.expected {
			t.Errorf("categorizeStatus(%d) = %q, expected %q", tt.status, result, tt.expected)
		}
	}
}
