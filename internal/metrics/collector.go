package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"
)

// PendingCounter reports how many deferred batches are armed
type PendingCounter interface {
	PendingCount() int
}

// Collector refreshes system and scheduler gauges in the background
type Collector struct {
	metrics     *Metrics
	pending     PendingCounter
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a new gauge collector. pending may be nil.
func NewCollector(m *Metrics, pending PendingCounter, storagePath string, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		metrics:     m,
		pending:     pending,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the collector background task
func (c *Collector) Start(ctx context.Context) {
	c.collect()

	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.pending != nil {
		c.metrics.ScheduledBatches.Set(float64(c.pending.PendingCount()))
	}
}
