package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Gauge.GetValue()
}

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}

	if m.Registry() == nil {
		t.Error("Registry() returned nil")
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	// Vectors without observations are not gathered, plain metrics are.
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}

func TestGlobalMetrics(t *testing.T) {
	if Global() != nil {
		t.Error("Global() should be nil before SetGlobal")
	}

	m := New()
	SetGlobal(m)

	if Global() != m {
		t.Error("Global() did not return the set metrics")
	}

	SetGlobal(nil)
}

func TestIncDelivery(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncDelivery("sent")
	IncDelivery("sent")
	IncDelivery("failed")

	sent, err := m.DeliveriesTotal.GetMetricWithLabelValues("sent")
	if err != nil {
		t.Fatalf("Failed to get counter: %v", err)
	}
	if v := counterValue(t, sent); v != 2 {
		t.Errorf("Expected 2 sent, got %f", v)
	}

	failed, err := m.DeliveriesTotal.GetMetricWithLabelValues("failed")
	if err != nil {
		t.Fatalf("Failed to get counter: %v", err)
	}
	if v := counterValue(t, failed); v != 1 {
		t.Errorf("Expected 1 failed, got %f", v)
	}
}

func TestIncRecipientsSkipped(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncRecipientsSkipped()
	IncRecipientsSkipped()

	if v := counterValue(t, m.RecipientsSkippedTotal); v != 2 {
		t.Errorf("Expected 2 skipped, got %f", v)
	}
}

func TestSetConnectionState(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	SetConnectionState("awaiting-pairing")
	SetConnectionState("connected")

	tests := map[string]float64{
		"disconnected":     0,
		"awaiting-pairing": 0,
		"connected":        1,
	}
	for state, want := range tests {
		g, err := m.ConnectionState.GetMetricWithLabelValues(state)
		if err != nil {
			t.Fatalf("Failed to get gauge: %v", err)
		}
		if v := gaugeValue(t, g); v != want {
			t.Errorf("state %q = %f, want %f", state, v, want)
		}
	}
}

func TestEventSubscribersGauge(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	AddEventSubscribers(1)
	AddEventSubscribers(1)
	AddEventSubscribers(-1)

	if v := gaugeValue(t, m.EventSubscribers); v != 1 {
		t.Errorf("Expected 1 subscriber, got %f", v)
	}
}

func TestIncRateLimitExceeded(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncRateLimitExceeded("global")
	IncRateLimitExceeded("recipient")
	IncRateLimitExceeded("global")

	counter, err := m.RateLimitExceededTotal.GetMetricWithLabelValues("global")
	if err != nil {
		t.Fatalf("Failed to get counter: %v", err)
	}
	if v := counterValue(t, counter); v != 2 {
		t.Errorf("Expected rate limit exceeded 2, got %f", v)
	}
}

func TestGlobalNilSafe(t *testing.T) {
	SetGlobal(nil)

	// These should not panic when global is nil
	IncDelivery("sent")
	IncRecipientsSkipped()
	IncBatches("immediate")
	ObserveBatchDuration(1.5)
	SetScheduledBatches(3)
	SetConnectionState("connected")
	IncReconnects()
	AddEventSubscribers(1)
	IncRateLimitExceeded("global")
	IncNotifications("sent")
	IncRelayPublish("ok")
	IncAPIErrors("server_error")
}
