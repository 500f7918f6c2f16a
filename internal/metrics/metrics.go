package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Connection states reported by the connection gauge
var connectionStates = []string{"disconnected", "awaiting-pairing", "connected"}

// Metrics holds all Prometheus metrics for groupsend
type Metrics struct {
	// Delivery counters
	DeliveriesTotal        *prometheus.CounterVec
	RecipientsSkippedTotal prometheus.Counter
	BatchesTotal           *prometheus.CounterVec
	BatchDurationSeconds   prometheus.Histogram

	// Scheduler gauges
	ScheduledBatches prometheus.Gauge

	// Session
	ConnectionState *prometheus.GaugeVec
	ReconnectsTotal prometheus.Counter

	// Event bus
	EventSubscribers prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// Side channels
	NotificationsTotal *prometheus.CounterVec
	RelayPublishTotal  *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "groupsend_deliveries_total",
				Help: "Total number of delivery attempts by outcome",
			},
			[]string{"status"},
		),
		RecipientsSkippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "groupsend_recipients_skipped_total",
				Help: "Total number of recipients skipped for an invalid address",
			},
		),
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "groupsend_batches_total",
				Help: "Total number of accepted batches by mode",
			},
			[]string{"mode"},
		),
		BatchDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "groupsend_batch_duration_seconds",
				Help:    "Wall time of one dispatch run",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),

		ScheduledBatches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "groupsend_scheduled_batches",
				Help: "Number of deferred batches waiting to fire",
			},
		),

		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "groupsend_connection_state",
				Help: "Chat session connection state (1 for the current state)",
			},
			[]string{"state"},
		),
		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "groupsend_reconnects_total",
				Help: "Total number of reconnect attempts",
			},
		),

		EventSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "groupsend_event_subscribers",
				Help: "Number of live event stream subscribers",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "groupsend_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "groupsend_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "groupsend_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "groupsend_ratelimit_exceeded_total",
				Help: "Total number of rate limit exceeded events",
			},
			[]string{"level"},
		),

		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "groupsend_notifications_total",
				Help: "Total number of notification emails by result",
			},
			[]string{"result"},
		),
		RelayPublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "groupsend_relay_published_total",
				Help: "Total number of events relayed to the message broker by result",
			},
			[]string{"result"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "groupsend_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "groupsend_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "groupsend_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.DeliveriesTotal,
		m.RecipientsSkippedTotal,
		m.BatchesTotal,
		m.BatchDurationSeconds,
		m.ScheduledBatches,
		m.ConnectionState,
		m.ReconnectsTotal,
		m.EventSubscribers,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.NotificationsTotal,
		m.RelayPublishTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncDelivery increments the delivery counter for an outcome
func IncDelivery(status string) {
	m := Global()
	if m != nil {
		m.DeliveriesTotal.WithLabelValues(status).Inc()
	}
}

// IncRecipientsSkipped increments the skipped recipient counter
func IncRecipientsSkipped() {
	m := Global()
	if m != nil {
		m.RecipientsSkippedTotal.Inc()
	}
}

// IncBatches increments the accepted batch counter
func IncBatches(mode string) {
	m := Global()
	if m != nil {
		m.BatchesTotal.WithLabelValues(mode).Inc()
	}
}

// ObserveBatchDuration records how long one dispatch run took
func ObserveBatchDuration(seconds float64) {
	m := Global()
	if m != nil {
		m.BatchDurationSeconds.Observe(seconds)
	}
}

// SetScheduledBatches sets the number of armed deferred batches
func SetScheduledBatches(n int) {
	m := Global()
	if m != nil {
		m.ScheduledBatches.Set(float64(n))
	}
}

// SetConnectionState marks state as current and clears the others
func SetConnectionState(state string) {
	m := Global()
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

// IncReconnects increments the reconnect attempt counter
func IncReconnects() {
	m := Global()
	if m != nil {
		m.ReconnectsTotal.Inc()
	}
}

// AddEventSubscribers adjusts the live subscriber gauge
func AddEventSubscribers(delta int) {
	m := Global()
	if m != nil {
		m.EventSubscribers.Add(float64(delta))
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	m := Global()
	if m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}

// IncNotifications increments the notification counter
func IncNotifications(result string) {
	m := Global()
	if m != nil {
		m.NotificationsTotal.WithLabelValues(result).Inc()
	}
}

// IncRelayPublish increments the relay publish counter
func IncRelayPublish(result string) {
	m := Global()
	if m != nil {
		m.RelayPublishTotal.WithLabelValues(result).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
