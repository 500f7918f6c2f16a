package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/groupsend/internal/batch"
)

type memStore struct {
	mu      sync.Mutex
	batches map[string]*batch.Batch
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{batches: make(map[string]*batch.Batch)}
}

func (m *memStore) Save(ctx context.Context, b *batch.Batch) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = b
	return nil
}

func (m *memStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.batches, id)
	return nil
}

func (m *memStore) List(ctx context.Context) ([]*batch.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*batch.Batch, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, b)
	}
	return out, nil
}

func (m *memStore) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.batches[id]
	return ok
}

type run struct {
	id        string
	at        time.Time
	persisted bool
}

type chanRunner struct {
	store *memStore
	runs  chan run
}

func (r *chanRunner) Run(ctx context.Context, b *batch.Batch) {
	persisted := r.store != nil && r.store.has(b.ID)
	r.runs <- run{id: b.ID, at: time.Now(), persisted: persisted}
}

func newTestGate(t *testing.T, store *memStore) (*Gate, *chanRunner) {
	t.Helper()
	runner := &chanRunner{store: store, runs: make(chan run, 16)}

	var s Store
	if store != nil {
		s = store
	}
	g, err := New(runner, s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	g.Start(context.Background())
	t.Cleanup(func() { g.Stop() })
	return g, runner
}

func waitRun(t *testing.T, runs <-chan run, timeout time.Duration) run {
	t.Helper()
	select {
	case r := <-runs:
		return r
	case <-time.After(timeout):
		t.Fatal("batch did not run in time")
	}
	return run{}
}

func recipients(n int) []batch.Recipient {
	out := make([]batch.Recipient, n)
	for i := range out {
		out[i] = batch.Recipient{ID: "1@g.us"}
	}
	return out
}

func TestSubmitImmediate(t *testing.T) {
	store := newMemStore()
	g, runner := newTestGate(t, store)

	res, err := g.Submit(context.Background(), &batch.Batch{ID: "now", Recipients: recipients(2)})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Mode != ModeImmediate {
		t.Errorf("Mode = %s, want immediate", res.Mode)
	}

	r := waitRun(t, runner.runs, time.Second)
	if r.id != "now" {
		t.Errorf("ran %s, want now", r.id)
	}
	if store.has("now") {
		t.Error("immediate batches are not persisted")
	}
	if g.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", g.PendingCount())
	}
}

func TestSubmitDeferredFiresOnce(t *testing.T) {
	store := newMemStore()
	g, runner := newTestGate(t, store)

	at := time.Now().Add(300 * time.Millisecond)
	res, err := g.Submit(context.Background(), &batch.Batch{ID: "later", Recipients: recipients(3), ScheduledAt: at})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Mode != ModeDeferred || !res.FiresAt.Equal(at) || res.JobID == "" {
		t.Errorf("Result = %+v", res)
	}
	if !store.has("later") {
		t.Error("deferred batch should be persisted until it fires")
	}

	pending := g.Pending()
	if len(pending) != 1 || pending[0].BatchID != "later" || pending[0].Recipients != 3 {
		t.Fatalf("Pending() = %+v", pending)
	}

	select {
	case r := <-runner.runs:
		t.Fatalf("batch ran early at %v", r.at)
	case <-time.After(150 * time.Millisecond):
	}

	r := waitRun(t, runner.runs, 2*time.Second)
	if r.at.Before(at) {
		t.Errorf("fired at %v, before %v", r.at, at)
	}
	if r.at.Sub(at) > 2*time.Second {
		t.Errorf("fired %v late", r.at.Sub(at))
	}
	if r.persisted {
		t.Error("record must be removed before dispatch starts")
	}
	if g.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after firing", g.PendingCount())
	}

	select {
	case r := <-runner.runs:
		t.Fatalf("batch ran twice: %+v", r)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubmitDeferredIndependent(t *testing.T) {
	g, runner := newTestGate(t, nil)

	now := time.Now()
	for _, b := range []*batch.Batch{
		{ID: "second", ScheduledAt: now.Add(400 * time.Millisecond)},
		{ID: "first", ScheduledAt: now.Add(200 * time.Millisecond)},
	} {
		if _, err := g.Submit(context.Background(), b); err != nil {
			t.Fatalf("Submit(%s) error = %v", b.ID, err)
		}
	}

	pending := g.Pending()
	if len(pending) != 2 || pending[0].BatchID != "first" || pending[1].BatchID != "second" {
		t.Fatalf("Pending() not ordered by fire time: %+v", pending)
	}

	if r := waitRun(t, runner.runs, 2*time.Second); r.id != "first" {
		t.Errorf("first run = %s", r.id)
	}
	if r := waitRun(t, runner.runs, 2*time.Second); r.id != "second" {
		t.Errorf("second run = %s", r.id)
	}
}

func TestSubmitPersistFailure(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("disk full")
	g, _ := newTestGate(t, store)

	_, err := g.Submit(context.Background(), &batch.Batch{ID: "x", ScheduledAt: time.Now().Add(time.Hour)})
	if err == nil {
		t.Fatal("expected error when persisting fails")
	}
	if !errors.Is(err, store.saveErr) {
		t.Errorf("error = %v, want wrapped save error", err)
	}
	if g.PendingCount() != 0 {
		t.Error("nothing should be armed after a persist failure")
	}
}

func TestRestore(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	store.batches["overdue"] = &batch.Batch{ID: "overdue", ScheduledAt: now.Add(-time.Hour)}
	store.batches["future"] = &batch.Batch{ID: "future", ScheduledAt: now.Add(time.Hour)}

	g, runner := newTestGate(t, store)

	n, err := g.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Restore() = %d, want 2", n)
	}

	r := waitRun(t, runner.runs, 2*time.Second)
	if r.id != "overdue" {
		t.Errorf("ran %s, want overdue", r.id)
	}
	if store.has("overdue") {
		t.Error("overdue batch should be removed once fired")
	}

	pending := g.Pending()
	if len(pending) != 1 || pending[0].BatchID != "future" {
		t.Errorf("Pending() = %+v", pending)
	}
	if !store.has("future") {
		t.Error("future batch must stay persisted")
	}
}

func TestRestoreWithoutStore(t *testing.T) {
	g, _ := newTestGate(t, nil)
	n, err := g.Restore(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Restore() = %d, %v", n, err)
	}
}

type switchReadiness struct {
	ch chan struct{}
}

func (r *switchReadiness) Ready() <-chan struct{} {
	return r.ch
}

func TestRestoreOverdueOnly(t *testing.T) {
	for i := range 3 {
		store := newMemStore()
		store.batches["overdue"] = &batch.Batch{ID: "overdue", ScheduledAt: time.Now().Add(-time.Minute)}

		g, runner := newTestGate(t, store)
		if _, err := g.Restore(context.Background()); err != nil {
			t.Fatalf("Restore() error = %v", err)
		}

		r := waitRun(t, runner.runs, 2*time.Second)
		if r.id != "overdue" || r.persisted {
			t.Errorf("round %d: run = %+v", i, r)
		}
		if g.PendingCount() != 0 || store.has("overdue") {
			t.Errorf("round %d: pending=%d stored=%v after firing", i, g.PendingCount(), store.has("overdue"))
		}
	}
}

func TestSubmitScheduledInPast(t *testing.T) {
	store := newMemStore()
	g, runner := newTestGate(t, store)

	res, err := g.Submit(context.Background(), &batch.Batch{ID: "late", ScheduledAt: time.Now().Add(-time.Second)})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Mode != ModeDeferred {
		t.Errorf("Mode = %s, want deferred", res.Mode)
	}

	if r := waitRun(t, runner.runs, 2*time.Second); r.id != "late" {
		t.Errorf("ran %s, want late", r.id)
	}
	if store.has("late") {
		t.Error("record should be removed once fired")
	}
}

func TestFireHeldUntilConnected(t *testing.T) {
	store := newMemStore()
	store.batches["overdue"] = &batch.Batch{ID: "overdue", ScheduledAt: time.Now().Add(-time.Minute)}

	g, runner := newTestGate(t, store)
	ready := &switchReadiness{ch: make(chan struct{})}
	g.SetReadiness(ready)

	if _, err := g.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	select {
	case r := <-runner.runs:
		t.Fatalf("batch dispatched while disconnected: %+v", r)
	case <-time.After(300 * time.Millisecond):
	}
	if !store.has("overdue") {
		t.Error("held batch must stay persisted")
	}
	if g.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1 while held", g.PendingCount())
	}

	close(ready.ch)

	r := waitRun(t, runner.runs, 2*time.Second)
	if r.id != "overdue" || r.persisted {
		t.Errorf("run = %+v", r)
	}
	if g.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after release", g.PendingCount())
	}
}

func TestStopKeepsHeldBatch(t *testing.T) {
	store := newMemStore()
	g, runner := newTestGate(t, store)
	g.SetReadiness(&switchReadiness{ch: make(chan struct{})})

	if _, err := g.Submit(context.Background(), &batch.Batch{ID: "held", ScheduledAt: time.Now().Add(50 * time.Millisecond)}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- g.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() blocked on a held batch")
	}

	select {
	case r := <-runner.runs:
		t.Errorf("held batch dispatched on shutdown: %+v", r)
	default:
	}
	if !store.has("held") {
		t.Error("held batch must survive shutdown for the next Restore")
	}
}
