// Package sched dispatches admitted runs to a bounded worker pool with
// weighted fair queuing. Each queued run carries a virtual finish tag
// F = max(F_tenant_last, V) + S/w, where S is the estimated service demand in
// wall-seconds, w the tier weight, and V the global virtual clock; workers
// always take the lowest eligible tag, so over any window tenants receive
// service proportional to their weight without starving anyone.
//
// The scheduler owns no run semantics. It binds run ids to workers, enforces
// per-tenant queue depth and parallelism caps, relays cancels into the
// executing context, and re-queues runs whose execution failed for kernel
// reasons (the executor reports domain outcomes as success).
package sched

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dyocense/kernel/internal/kernel/engine"
	"github.com/dyocense/kernel/internal/observability"
)

// maxRequeues bounds how often a run may bounce back after worker errors
// before it is handed to the exhaustion callback.
const maxRequeues = 2

// ErrStopped is returned by Hold and Enqueue once the scheduler is shutting
// down.
var ErrStopped = fmt.Errorf("sched: scheduler stopped")

// ErrQueueFull is returned by Hold when the tenant's queue is at capacity.
var ErrQueueFull = fmt.Errorf("sched: tenant queue full")

// Executor runs one run to a terminal state. An error means the execution
// itself broke (stores down, worker interrupted), not that the run failed.
type Executor interface {
	Execute(ctx context.Context, runID string) error
}

// Item is one schedulable run with everything the WFQ math needs, captured
// at admission so the scheduler never resolves tiers itself.
type Item struct {
	RunID       string
	TenantID    string
	Tier        string
	Weight      float64
	Service     float64
	MaxParallel int
	AdmittedAt  time.Time
}

type entry struct {
	Item
	tag      float64
	requeues int
}

// CancelOutcome tells the caller what a cancel actually did.
type CancelOutcome int

const (
	// CancelNotFound means the run is neither queued nor running here.
	CancelNotFound CancelOutcome = iota
	// CancelDequeued means the run was removed before it ever ran; the
	// caller finalizes it.
	CancelDequeued
	// CancelSignaled means the running run's context was canceled; the
	// executor finalizes it.
	CancelSignaled
)

// Config sizes the scheduler. Zero values get sensible defaults.
type Config struct {
	// Workers is the pool size. Defaults to 1.
	Workers int
	// OnExhausted is invoked, outside the scheduler lock, when a run has
	// burned its requeue budget. The callback owns failing the run.
	OnExhausted func(runID string, cause error)
}

type Scheduler struct {
	exec    Executor
	log     *zap.Logger
	metrics *observability.Metrics

	workers     int
	onExhausted func(runID string, cause error)

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*entry
	byRun   map[string]*entry
	holds   map[string]int
	queuedN map[string]int
	running map[string]int
	active  map[string]context.CancelCauseFunc
	lastF   map[string]float64
	vtime   float64
	started bool
	stopped bool

	g *errgroup.Group
}

func New(exec Executor, log *zap.Logger, metrics *observability.Metrics, cfg Config) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	s := &Scheduler{
		exec:        exec,
		log:         log,
		metrics:     metrics,
		workers:     workers,
		onExhausted: cfg.OnExhausted,
		byRun:       make(map[string]*entry),
		holds:       make(map[string]int),
		queuedN:     make(map[string]int),
		running:     make(map[string]int),
		active:      make(map[string]context.CancelCauseFunc),
		lastF:       make(map[string]float64),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Hold reserves one queue slot for the tenant so admission can do its
// expensive work (budget reserve, registry create) knowing the enqueue will
// not bounce. Pair with Enqueue or ReleaseHold.
func (s *Scheduler) Hold(tenantID string, maxQueueDepth int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if maxQueueDepth > 0 && s.holds[tenantID]+s.queuedN[tenantID] >= maxQueueDepth {
		return ErrQueueFull
	}
	s.holds[tenantID]++
	return nil
}

// ReleaseHold gives back a slot taken by Hold when admission fails after it.
func (s *Scheduler) ReleaseHold(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holds[tenantID] > 0 {
		s.holds[tenantID]--
	}
	if s.holds[tenantID] == 0 {
		delete(s.holds, tenantID)
	}
}

// Enqueue adds the run to the pending set, converting the caller's hold if
// one exists. Recovery paths may enqueue without a hold.
func (s *Scheduler) Enqueue(item Item) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, dup := s.byRun[item.RunID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("sched: run %s already queued", item.RunID)
	}
	if s.holds[item.TenantID] > 0 {
		s.holds[item.TenantID]--
	}
	e := &entry{Item: item, tag: s.tagLocked(item)}
	s.lastF[item.TenantID] = e.tag
	s.insertLocked(e)
	s.byRun[item.RunID] = e
	s.queuedN[item.TenantID]++
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.QueueDepth.WithLabelValues(item.Tier).Inc()
	}
	return nil
}

// tagLocked computes the WFQ finish tag. A tenant whose queue drained rejoins
// at the virtual clock, carrying no history either way.
func (s *Scheduler) tagLocked(item Item) float64 {
	w := item.Weight
	if w <= 0 {
		w = 1
	}
	svc := item.Service
	if svc <= 0 {
		svc = 1
	}
	start := s.vtime
	if s.queuedN[item.TenantID] > 0 {
		if last := s.lastF[item.TenantID]; last > start {
			start = last
		}
	}
	return start + svc/w
}

func (s *Scheduler) insertLocked(e *entry) {
	i := sort.Search(len(s.queue), func(i int) bool { return e.less(s.queue[i]) })
	s.queue = append(s.queue, nil)
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = e
}

func (e *entry) less(o *entry) bool {
	if e.tag != o.tag {
		return e.tag < o.tag
	}
	if !e.AdmittedAt.Equal(o.AdmittedAt) {
		return e.AdmittedAt.Before(o.AdmittedAt)
	}
	return e.RunID < o.RunID
}

// Cancel removes a queued run or signals a running one. The registry marker
// is the caller's job; this only touches scheduler state.
func (s *Scheduler) Cancel(runID string) CancelOutcome {
	s.mu.Lock()
	if e, ok := s.byRun[runID]; ok {
		s.removeLocked(e)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.QueueDepth.WithLabelValues(e.Tier).Dec()
			s.metrics.CancelsTotal.Inc()
		}
		return CancelDequeued
	}
	cancel, ok := s.active[runID]
	s.mu.Unlock()
	if !ok || cancel == nil {
		return CancelNotFound
	}
	cancel(engine.ErrCancelRequested)
	if s.metrics != nil {
		s.metrics.CancelsTotal.Inc()
	}
	return CancelSignaled
}

func (s *Scheduler) removeLocked(e *entry) {
	for i, q := range s.queue {
		if q == e {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	delete(s.byRun, e.RunID)
	s.queuedN[e.TenantID]--
	if s.queuedN[e.TenantID] <= 0 {
		delete(s.queuedN, e.TenantID)
	}
}

// Start launches the worker pool. Workers exit when ctx dies or Stop is
// called; in-flight runs are interrupted only by ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	g, gctx := errgroup.WithContext(ctx)
	s.g = g
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			s.worker(gctx)
			return nil
		})
	}
	go func() {
		<-gctx.Done()
		s.mu.Lock()
		s.stopped = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}()
}

// Stop drains the pool: no new dispatches, current runs finish. Interrupting
// them is the caller's move (cancel the Start context first).
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	g := s.g
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		e, runCtx, cancel, ok := s.next(ctx)
		if !ok {
			return
		}
		if s.metrics != nil {
			s.metrics.QueueDepth.WithLabelValues(e.Tier).Dec()
			s.metrics.WFQDispatches.WithLabelValues(e.Tier).Inc()
			s.metrics.RunningRuns.Inc()
		}
		s.log.Debug("dispatching run",
			zap.String("run_id", e.RunID),
			zap.String("tenant_id", e.TenantID),
			zap.Float64("finish_tag", e.tag))

		err := s.exec.Execute(runCtx, e.RunID)
		cancel(nil)
		s.release(e)
		if s.metrics != nil {
			s.metrics.RunningRuns.Dec()
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			// Shutdown interruption. The registry still shows the run
			// running; boot recovery re-enqueues it.
			s.log.Warn("run interrupted by shutdown",
				zap.String("run_id", e.RunID), zap.Error(err))
			continue
		}
		s.requeue(e, err)
	}
}

// next blocks until a run is dispatchable or the scheduler stops. The
// eligibility check, the parallelism bump, and the cancel registration happen
// under one lock so two workers can never overshoot a tenant's cap.
func (s *Scheduler) next(ctx context.Context) (*entry, context.Context, context.CancelCauseFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.stopped {
			return nil, nil, nil, false
		}
		for i, e := range s.queue {
			limit := e.MaxParallel
			if limit <= 0 {
				limit = 1
			}
			if s.running[e.TenantID] >= limit {
				continue
			}
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			delete(s.byRun, e.RunID)
			s.queuedN[e.TenantID]--
			if s.queuedN[e.TenantID] <= 0 {
				delete(s.queuedN, e.TenantID)
			}
			runCtx, cancel := context.WithCancelCause(ctx)
			s.running[e.TenantID]++
			s.active[e.RunID] = cancel
			if e.tag > s.vtime {
				s.vtime = e.tag
			}
			return e, runCtx, cancel, true
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) release(e *entry) {
	s.mu.Lock()
	s.running[e.TenantID]--
	if s.running[e.TenantID] <= 0 {
		delete(s.running, e.TenantID)
	}
	delete(s.active, e.RunID)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// requeue puts a crashed run back with its original tag so the failure does
// not move it in the fair order. After maxRequeues the exhaustion callback
// owns the run.
func (s *Scheduler) requeue(e *entry, cause error) {
	e.requeues++
	if e.requeues > maxRequeues {
		s.log.Error("run exhausted its requeue budget",
			zap.String("run_id", e.RunID),
			zap.Int("requeues", e.requeues-1),
			zap.Error(cause))
		if s.onExhausted != nil {
			s.onExhausted(e.RunID, cause)
		}
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.log.Warn("dropping requeue after stop; boot recovery will pick it up",
			zap.String("run_id", e.RunID))
		return
	}
	s.insertLocked(e)
	s.byRun[e.RunID] = e
	s.queuedN[e.TenantID]++
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.QueueDepth.WithLabelValues(e.Tier).Inc()
		s.metrics.WorkerRequeue.Inc()
	}
	s.log.Warn("run requeued after worker error",
		zap.String("run_id", e.RunID),
		zap.Int("requeue", e.requeues),
		zap.Error(cause))
}
