// Package scheduler decides whether a validated batch goes out now or at its
// scheduled time, and arms one-shot jobs for the latter.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/foxzi/groupsend/internal/batch"
	"github.com/foxzi/groupsend/internal/metrics"
)

// Mode tells how a submitted batch will be executed
type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeDeferred  Mode = "deferred"
)

// Runner executes a batch
type Runner interface {
	Run(ctx context.Context, b *batch.Batch)
}

// Store persists armed batches so Restore can re-arm them after a restart
type Store interface {
	Save(ctx context.Context, b *batch.Batch) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*batch.Batch, error)
}

// Readiness reports when the chat session can carry a dispatch. The returned
// channel is closed while connected.
type Readiness interface {
	Ready() <-chan struct{}
}

// Result describes what Submit did
type Result struct {
	Mode    Mode
	FiresAt time.Time
	JobID   string
}

// Job is a read-only view of an armed deferred batch
type Job struct {
	ID         string    `json:"id"`
	BatchID    string    `json:"batchId"`
	FiresAt    time.Time `json:"firesAt"`
	Recipients int       `json:"recipients"`
}

// Gate routes batches to immediate or deferred execution
type Gate struct {
	sched  gocron.Scheduler
	runner Runner
	store  Store
	ready  Readiness
	logger *slog.Logger
	now    func() time.Time

	base     context.Context
	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	pending map[string]Job

	running sync.WaitGroup
}

// New creates a gate. store may be nil, in which case deferred batches live
// only in memory.
func New(runner Runner, store Store, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Gate{
		sched:   s,
		runner:  runner,
		store:   store,
		logger:  logger,
		now:     time.Now,
		base:    context.Background(),
		stop:    make(chan struct{}),
		pending: make(map[string]Job),
	}, nil
}

// SetReadiness holds deferred batches that come due while the session is not
// connected until it is.
func (g *Gate) SetReadiness(r Readiness) {
	g.ready = r
}

// Start begins firing armed jobs. Every run, immediate or deferred, uses ctx
// so cancelling it aborts in-flight dispatches.
func (g *Gate) Start(ctx context.Context) {
	g.base = ctx
	g.sched.Start()
	g.logger.Debug("scheduler started")
}

// Submit executes b now or arms it for b.ScheduledAt. It returns as soon as
// the decision is made; dispatch outcomes are reported elsewhere.
func (g *Gate) Submit(ctx context.Context, b *batch.Batch) (Result, error) {
	if !b.Scheduled() {
		g.running.Add(1)
		go func() {
			defer g.running.Done()
			g.runner.Run(g.base, b)
		}()

		metrics.IncBatches(string(ModeImmediate))
		g.logger.Info("batch dispatching now", "batch_id", b.ID, "recipients", len(b.Recipients))
		return Result{Mode: ModeImmediate}, nil
	}

	if g.store != nil {
		if err := g.store.Save(ctx, b); err != nil {
			return Result{}, fmt.Errorf("failed to persist scheduled batch: %w", err)
		}
	}

	job, err := g.arm(b)
	if err != nil {
		if g.store != nil {
			if derr := g.store.Delete(ctx, b.ID); derr != nil {
				g.logger.Error("failed to remove unarmed batch", "batch_id", b.ID, "error", derr)
			}
		}
		return Result{}, err
	}

	metrics.IncBatches(string(ModeDeferred))
	g.logger.Info("batch scheduled",
		"batch_id", b.ID,
		"job_id", job.ID,
		"fires_at", job.FiresAt.Format(time.RFC3339),
		"recipients", job.Recipients,
	)
	return Result{Mode: ModeDeferred, FiresAt: b.ScheduledAt, JobID: job.ID}, nil
}

// Restore re-arms every persisted batch. Batches whose time has passed while
// the process was down fire immediately.
func (g *Gate) Restore(ctx context.Context) (int, error) {
	if g.store == nil {
		return 0, nil
	}

	batches, err := g.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list scheduled batches: %w", err)
	}

	restored := 0
	for _, b := range batches {
		job, err := g.arm(b)
		if err != nil {
			g.logger.Error("failed to restore scheduled batch", "batch_id", b.ID, "error", err)
			continue
		}
		restored++
		g.logger.Info("scheduled batch restored",
			"batch_id", b.ID,
			"fires_at", job.FiresAt.Format(time.RFC3339),
			"overdue", !b.ScheduledAt.After(g.now()),
		)
	}

	return restored, nil
}

// Pending lists armed deferred batches ordered by fire time
func (g *Gate) Pending() []Job {
	g.mu.Lock()
	jobs := make([]Job, 0, len(g.pending))
	for _, j := range g.pending {
		jobs = append(jobs, j)
	}
	g.mu.Unlock()

	slices.SortFunc(jobs, func(a, b Job) int {
		if c := a.FiresAt.Compare(b.FiresAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return jobs
}

// PendingCount returns the number of armed deferred batches
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Stop shuts the scheduler down and waits for running dispatches. Armed and
// held jobs stay persisted and are restored on the next start. Calling Stop
// again is a no-op.
func (g *Gate) Stop() error {
	var err error
	g.stopOnce.Do(func() {
		g.logger.Debug("stopping scheduler", "pending_jobs", g.PendingCount())
		close(g.stop)

		err = g.sched.Shutdown()
		g.running.Wait()
	})
	if err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}

func (g *Gate) arm(b *batch.Batch) (Job, error) {
	start := gocron.OneTimeJobStartImmediately()
	if b.ScheduledAt.After(g.now()) {
		start = gocron.OneTimeJobStartDateTime(b.ScheduledAt)
	}

	job := Job{
		BatchID:    b.ID,
		FiresAt:    b.ScheduledAt,
		Recipients: len(b.Recipients),
	}

	// Registered before NewJob: a job starting immediately may fire before
	// NewJob returns.
	g.mu.Lock()
	g.pending[b.ID] = job
	g.mu.Unlock()

	task := gocron.NewTask(g.fire, b)
	j, err := g.sched.NewJob(gocron.OneTimeJob(start), task, gocron.WithName(b.ID))
	if errors.Is(err, gocron.ErrOneTimeJobStartDateTimePast) {
		// The moment passed between the check and arming.
		j, err = g.sched.NewJob(gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()), task, gocron.WithName(b.ID))
	}
	if err != nil {
		g.mu.Lock()
		delete(g.pending, b.ID)
		g.mu.Unlock()
		return Job{}, fmt.Errorf("failed to arm job for batch %s: %w", b.ID, err)
	}

	job.ID = j.ID().String()

	g.mu.Lock()
	if _, ok := g.pending[b.ID]; ok {
		g.pending[b.ID] = job
	}
	n := len(g.pending)
	g.mu.Unlock()
	metrics.SetScheduledBatches(n)

	return job, nil
}

// fire runs a deferred batch exactly once. It waits for the session to be
// connected, then drops the persisted record so a crash mid-dispatch does not
// replay the batch.
func (g *Gate) fire(b *batch.Batch) {
	g.mu.Lock()
	_, armed := g.pending[b.ID]
	g.mu.Unlock()

	if !armed {
		g.logger.Warn("scheduled batch fired twice, ignoring", "batch_id", b.ID)
		return
	}

	if !g.awaitReady(b) {
		g.logger.Info("scheduled batch held at shutdown, kept for restore", "batch_id", b.ID)
		return
	}

	g.mu.Lock()
	_, armed = g.pending[b.ID]
	delete(g.pending, b.ID)
	n := len(g.pending)
	g.mu.Unlock()
	metrics.SetScheduledBatches(n)

	if !armed {
		return
	}

	if g.store != nil {
		if err := g.store.Delete(g.base, b.ID); err != nil {
			g.logger.Error("failed to delete fired batch", "batch_id", b.ID, "error", err)
		}
	}

	g.logger.Info("scheduled batch firing", "batch_id", b.ID, "recipients", len(b.Recipients))
	g.runner.Run(g.base, b)
}

func (g *Gate) awaitReady(b *batch.Batch) bool {
	if g.ready == nil {
		return true
	}

	ready := g.ready.Ready()
	select {
	case <-ready:
		return true
	default:
	}

	g.logger.Warn("chat session not connected, holding scheduled batch", "batch_id", b.ID)
	select {
	case <-ready:
		g.logger.Info("chat session connected, releasing scheduled batch", "batch_id", b.ID)
		return true
	case <-g.stop:
		return false
	case <-g.base.Done():
		return false
	}
}
