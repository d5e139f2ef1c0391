package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dyocense/kernel/internal/kernel/engine"
	"github.com/dyocense/kernel/internal/observability"
)

func testItem(runID, tenantID string, weight float64, maxParallel int, at time.Time) Item {
	return Item{
		RunID:       runID,
		TenantID:    tenantID,
		Tier:        tenantID + "-tier",
		Weight:      weight,
		Service:     1,
		MaxParallel: maxParallel,
		AdmittedAt:  at,
	}
}

// recordExec records dispatch order and completes immediately.
type recordExec struct {
	mu    sync.Mutex
	order []string
	wg    sync.WaitGroup
}

func (r *recordExec) Execute(_ context.Context, runID string) error {
	r.mu.Lock()
	r.order = append(r.order, runID)
	r.mu.Unlock()
	r.wg.Done()
	return nil
}

func (r *recordExec) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// blockExec parks each run until released or its context dies.
type blockExec struct {
	started   chan string
	release   chan struct{}
	cause     chan error
	failOnCtx bool
}

func (b *blockExec) Execute(ctx context.Context, runID string) error {
	b.started <- runID
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		if b.cause != nil {
			b.cause <- context.Cause(ctx)
		}
		if b.failOnCtx {
			return ctx.Err()
		}
		return nil
	}
}

type failExec struct {
	mu    sync.Mutex
	calls int
}

func (f *failExec) Execute(context.Context, string) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return errors.New("registry down")
}

func (f *failExec) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newScheduler(exec Executor, cfg Config) *Scheduler {
	return New(exec, zap.NewNop(), observability.NewMetrics("test"), cfg)
}

func waitOn(t *testing.T, ch <-chan string, what string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func TestWFQServesTenantsByWeight(t *testing.T) {
	exec := &recordExec{}
	exec.wg.Add(16)
	s := newScheduler(exec, Config{Workers: 1})

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Enqueue(testItem(
			"a-run-"+string(rune('0'+i)), "tenant-a", 1, 8, base.Add(time.Duration(i)*time.Millisecond))))
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Enqueue(testItem(
			"b-run-"+string(rune('0'+i)), "tenant-b", 3, 8, base.Add(time.Second+time.Duration(i)*time.Millisecond))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	exec.wg.Wait()
	require.NoError(t, s.Stop(context.Background()))

	order := exec.snapshot()
	require.Len(t, order, 16)

	var a, b int
	for _, id := range order[:8] {
		if id[0] == 'a' {
			a++
		} else {
			b++
		}
	}
	assert.Equal(t, 6, b, "weight-3 tenant gets three quarters of the window")
	assert.Equal(t, 2, a, "weight-1 tenant still progresses, no starvation")
}

func TestWFQTieBreaksByAdmissionThenRunID(t *testing.T) {
	exec := &recordExec{}
	exec.wg.Add(3)
	s := newScheduler(exec, Config{Workers: 1})

	at := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	// Equal weights and service, distinct tenants: all three tags collide.
	require.NoError(t, s.Enqueue(testItem("run-c", "t3", 1, 1, at.Add(time.Minute))))
	require.NoError(t, s.Enqueue(testItem("run-b", "t2", 1, 1, at)))
	require.NoError(t, s.Enqueue(testItem("run-a", "t1", 1, 1, at)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	exec.wg.Wait()
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, []string{"run-a", "run-b", "run-c"}, exec.snapshot(),
		"earlier admitted_at wins, then lexicographic run_id")
}

func TestParallelCapHoldsBackSecondRun(t *testing.T) {
	exec := &blockExec{started: make(chan string, 4), release: make(chan struct{})}
	s := newScheduler(exec, Config{Workers: 2})

	at := time.Now()
	require.NoError(t, s.Enqueue(testItem("a-1", "tenant-a", 1, 1, at)))
	require.NoError(t, s.Enqueue(testItem("a-2", "tenant-a", 1, 1, at.Add(time.Millisecond))))
	require.NoError(t, s.Enqueue(testItem("b-1", "tenant-b", 1, 1, at.Add(2*time.Millisecond))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	first := waitOn(t, exec.started, "first dispatch")
	second := waitOn(t, exec.started, "second dispatch")
	assert.ElementsMatch(t, []string{"a-1", "b-1"}, []string{first, second},
		"a-2 must wait for tenant-a's parallel slot even with a worker free")

	select {
	case id := <-exec.started:
		t.Fatalf("run %s dispatched past the tenant parallel cap", id)
	case <-time.After(100 * time.Millisecond):
	}

	close(exec.release)
	assert.Equal(t, "a-2", waitOn(t, exec.started, "queued run after slot freed"))
	require.NoError(t, s.Stop(context.Background()))
}

func TestHoldEnforcesQueueDepth(t *testing.T) {
	s := newScheduler(&recordExec{}, Config{Workers: 1})

	require.NoError(t, s.Hold("tenant-a", 2))
	require.NoError(t, s.Hold("tenant-a", 2))
	require.ErrorIs(t, s.Hold("tenant-a", 2), ErrQueueFull)

	s.ReleaseHold("tenant-a")
	require.NoError(t, s.Hold("tenant-a", 2))

	// Enqueue converts a hold rather than double-counting it.
	require.NoError(t, s.Enqueue(testItem("a-1", "tenant-a", 1, 1, time.Now())))
	require.ErrorIs(t, s.Hold("tenant-a", 2), ErrQueueFull,
		"one queued plus one held fills a depth of two")

	assert.NoError(t, s.Hold("tenant-b", 2), "depth is per tenant")
}

func TestEnqueueRejectsDuplicateRun(t *testing.T) {
	s := newScheduler(&recordExec{}, Config{Workers: 1})
	require.NoError(t, s.Enqueue(testItem("a-1", "tenant-a", 1, 1, time.Now())))
	require.Error(t, s.Enqueue(testItem("a-1", "tenant-a", 1, 1, time.Now())))
}

func TestCancelDequeuesQueuedRun(t *testing.T) {
	exec := &recordExec{}
	s := newScheduler(exec, Config{Workers: 1})
	require.NoError(t, s.Enqueue(testItem("a-1", "tenant-a", 1, 1, time.Now())))

	assert.Equal(t, CancelDequeued, s.Cancel("a-1"))
	assert.Equal(t, CancelNotFound, s.Cancel("a-1"), "second cancel finds nothing")
	assert.Equal(t, CancelNotFound, s.Cancel("ghost"))
	assert.Empty(t, exec.snapshot(), "a dequeued run never executes")
}

func TestCancelSignalsRunningRun(t *testing.T) {
	exec := &blockExec{
		started: make(chan string, 1),
		release: make(chan struct{}),
		cause:   make(chan error, 1),
	}
	s := newScheduler(exec, Config{Workers: 1})
	require.NoError(t, s.Enqueue(testItem("a-1", "tenant-a", 1, 1, time.Now())))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	waitOn(t, exec.started, "dispatch")

	assert.Equal(t, CancelSignaled, s.Cancel("a-1"))
	select {
	case cause := <-exec.cause:
		assert.ErrorIs(t, cause, engine.ErrCancelRequested)
	case <-time.After(5 * time.Second):
		t.Fatal("executor never saw the cancel cause")
	}
	require.NoError(t, s.Stop(context.Background()))
}

func TestRequeueCapThenExhausted(t *testing.T) {
	exec := &failExec{}
	exhausted := make(chan string, 1)
	s := newScheduler(exec, Config{
		Workers: 1,
		OnExhausted: func(runID string, cause error) {
			exhausted <- runID
		},
	})
	require.NoError(t, s.Enqueue(testItem("a-1", "tenant-a", 1, 1, time.Now())))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	select {
	case id := <-exhausted:
		assert.Equal(t, "a-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("exhaustion callback never fired")
	}
	assert.Equal(t, 3, exec.count(), "one dispatch plus two requeues")
	require.NoError(t, s.Stop(context.Background()))
}

func TestShutdownInterruptionIsNotRequeued(t *testing.T) {
	exec := &blockExec{
		started:   make(chan string, 1),
		release:   make(chan struct{}),
		failOnCtx: true,
	}
	exhausted := make(chan string, 1)
	s := newScheduler(exec, Config{
		Workers:     1,
		OnExhausted: func(runID string, _ error) { exhausted <- runID },
	})
	require.NoError(t, s.Enqueue(testItem("a-1", "tenant-a", 1, 1, time.Now())))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitOn(t, exec.started, "dispatch")
	cancel()

	require.NoError(t, s.Stop(context.Background()))
	select {
	case <-exhausted:
		t.Fatal("shutdown interruption must not count against the requeue budget")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopDrainsCurrentRunOnly(t *testing.T) {
	exec := &blockExec{started: make(chan string, 2), release: make(chan struct{})}
	s := newScheduler(exec, Config{Workers: 1})

	at := time.Now()
	require.NoError(t, s.Enqueue(testItem("a-1", "tenant-a", 1, 2, at)))
	require.NoError(t, s.Enqueue(testItem("a-2", "tenant-a", 1, 2, at.Add(time.Millisecond))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	waitOn(t, exec.started, "first dispatch")

	stopDone := make(chan error, 1)
	go func() { stopDone <- s.Stop(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	close(exec.release)

	require.NoError(t, <-stopDone)
	select {
	case id := <-exec.started:
		t.Fatalf("run %s dispatched after stop", id)
	default:
	}

	require.ErrorIs(t, s.Enqueue(testItem("a-3", "tenant-a", 1, 2, time.Now())), ErrStopped)
	require.ErrorIs(t, s.Hold("tenant-a", 8), ErrStopped)
}

func TestStopHonorsContextDeadline(t *testing.T) {
	exec := &blockExec{started: make(chan string, 1), release: make(chan struct{})}
	s := newScheduler(exec, Config{Workers: 1})
	require.NoError(t, s.Enqueue(testItem("a-1", "tenant-a", 1, 1, time.Now())))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	waitOn(t, exec.started, "dispatch")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stopCancel()
	require.ErrorIs(t, s.Stop(stopCtx), context.DeadlineExceeded,
		"stop reports when the drain outlives its deadline")

	close(exec.release)
	require.NoError(t, s.Stop(context.Background()))
}
