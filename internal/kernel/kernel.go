// Package kernel assembles the decision kernel behind one facade: admission
// in front, the WFQ scheduler and pipeline engine in the middle, the run
// registry, budget ledger, idempotency index, and evidence writer underneath.
// Transports (HTTP, CLI) talk to the Kernel and own nothing but encoding.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dyocense/kernel/internal/fingerprint"
	"github.com/dyocense/kernel/internal/kernel/admission"
	"github.com/dyocense/kernel/internal/kernel/budget"
	"github.com/dyocense/kernel/internal/kernel/engine"
	"github.com/dyocense/kernel/internal/kernel/evidence"
	"github.com/dyocense/kernel/internal/kernel/idempotency"
	"github.com/dyocense/kernel/internal/kernel/registry"
	"github.com/dyocense/kernel/internal/kernel/run"
	"github.com/dyocense/kernel/internal/kernel/sched"
	"github.com/dyocense/kernel/internal/kernel/stage"
	"github.com/dyocense/kernel/internal/observability"
	"github.com/dyocense/kernel/internal/tenant"
)

// DefaultDrainTimeout bounds graceful shutdown when the caller's context
// carries no deadline of its own.
const DefaultDrainTimeout = 30 * time.Second

// Config sizes the kernel. Zero values get defaults.
type Config struct {
	// Workers is the scheduler pool size.
	Workers int
	// Salt feeds seed derivation; see admission.Config.
	Salt string
	// AdmissionTimeout bounds each Submit call.
	AdmissionTimeout time.Duration
	// IdempotencyTTL is the replay window.
	IdempotencyTTL time.Duration
	// DrainTimeout bounds graceful shutdown.
	DrainTimeout time.Duration
}

// Deps are the stores and adapters the kernel composes. The caller owns their
// lifecycles; Shutdown stops the kernel's own goroutines only.
type Deps struct {
	Registry   registry.Registry
	Accountant budget.Accountant
	Index      idempotency.Index
	Adapters   stage.Adapters
	Evidence   *evidence.Writer
	Hasher     *fingerprint.Hasher
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Tracer     trace.Tracer
}

type Kernel struct {
	cfg     Config
	reg     registry.Registry
	acct    budget.Accountant
	eng     *engine.Engine
	sch     *sched.Scheduler
	adm     *admission.Controller
	log     *zap.Logger
	metrics *observability.Metrics

	closed      atomic.Bool
	stopWorkers context.CancelFunc
}

func New(deps Deps, cfg Config) *Kernel {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	k := &Kernel{
		cfg:     cfg,
		reg:     deps.Registry,
		acct:    deps.Accountant,
		log:     log,
		metrics: deps.Metrics,
	}
	k.eng = engine.New(engine.Deps{
		Registry:   deps.Registry,
		Accountant: deps.Accountant,
		Adapters:   deps.Adapters,
		Evidence:   deps.Evidence,
		Hasher:     deps.Hasher,
		Logger:     log,
		Metrics:    deps.Metrics,
		Tracer:     deps.Tracer,
	})
	k.sch = sched.New(k.eng, log, deps.Metrics, sched.Config{
		Workers:     cfg.Workers,
		OnExhausted: k.exhausted,
	})
	k.adm = admission.New(admission.Deps{
		Registry:   deps.Registry,
		Accountant: deps.Accountant,
		Index:      deps.Index,
		Scheduler:  k.sch,
		Logger:     log,
		Metrics:    deps.Metrics,
	}, admission.Config{
		Salt:           cfg.Salt,
		Timeout:        cfg.AdmissionTimeout,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})
	return k
}

// Start launches the worker pool and re-enqueues every run a previous
// process left admitted or running. Crash-interrupted runs resume from their
// last completed stage; fresh admissions queue behind them.
func (k *Kernel) Start(ctx context.Context) error {
	wctx, cancel := context.WithCancel(ctx)
	k.stopWorkers = cancel
	k.sch.Start(wctx)

	docs, err := k.reg.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("kernel: boot recovery: %w", err)
	}
	recovered := 0
	for _, doc := range docs {
		if err := k.enqueue(doc); err != nil {
			k.log.Warn("recovered run not enqueued",
				zap.String("run_id", doc.RunID), zap.Error(err))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		k.log.Info("boot recovery enqueued interrupted runs", zap.Int("runs", recovered))
	}
	return nil
}

// Shutdown stops admission, drains in-flight runs up to the deadline, then
// interrupts whatever remains. Interrupted runs stay non-terminal in the
// registry and resume on the next Start.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.closed.Store(true)
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.cfg.DrainTimeout)
		defer cancel()
	}

	err := k.sch.Stop(ctx)
	if err == nil {
		return nil
	}
	k.log.Warn("drain deadline hit; interrupting in-flight runs", zap.Error(err))
	if k.stopWorkers != nil {
		k.stopWorkers()
	}
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return k.sch.Stop(ictx)
}

// Submit admits one run for the resolved identity.
func (k *Kernel) Submit(ctx context.Context, id tenant.Identity, req run.SubmitRequest) (admission.Receipt, error) {
	if k.closed.Load() {
		return admission.Receipt{}, run.Errf(run.KindServiceUnavailable, "kernel is shutting down")
	}
	return k.adm.Submit(ctx, id, req)
}

// GetRun returns the caller's run. Runs owned by other tenants answer
// not_found so run ids leak nothing.
func (k *Kernel) GetRun(ctx context.Context, id tenant.Identity, runID string) (*run.Run, error) {
	doc, err := k.reg.GetRun(ctx, runID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, run.Errf(run.KindNotFound, "run %s not found", runID)
	}
	if err != nil {
		return nil, run.WrapErr(run.KindServiceUnavailable, "run registry is unavailable", err)
	}
	if doc.TenantID != id.TenantID {
		return nil, run.Errf(run.KindNotFound, "run %s not found", runID)
	}
	return doc, nil
}

// ListRuns returns the caller's runs, newest first.
func (k *Kernel) ListRuns(ctx context.Context, id tenant.Identity, f registry.ListFilter) ([]*run.Run, error) {
	docs, err := k.reg.ListRuns(ctx, id.TenantID, f)
	if err != nil {
		return nil, run.WrapErr(run.KindServiceUnavailable, "run registry is unavailable", err)
	}
	return docs, nil
}

// Cancel requests cancellation and reports the resulting state. Queued runs
// finalize synchronously; running runs get the cooperative signal and
// finalize when the engine observes it. Terminal runs answer as they are.
func (k *Kernel) Cancel(ctx context.Context, id tenant.Identity, runID string) (*run.Run, error) {
	doc, err := k.GetRun(ctx, id, runID)
	if err != nil {
		return nil, err
	}
	if doc.State.Terminal() {
		return doc, nil
	}

	doc, err = registry.RequestCancel(ctx, k.reg, runID, time.Now())
	if err != nil {
		return nil, run.WrapErr(run.KindServiceUnavailable, "run registry is unavailable", err)
	}

	switch k.sch.Cancel(runID) {
	case sched.CancelDequeued:
		return k.finalizeCanceled(ctx, runID)
	case sched.CancelSignaled:
		return doc, nil
	default:
		// Not queued and not on a worker: either it just finished, or it was
		// admitted without ever reaching the queue. The latter still needs a
		// terminal write.
		doc, err = k.GetRun(ctx, id, runID)
		if err != nil {
			return nil, err
		}
		if doc.State == run.StateAdmitted {
			return k.finalizeCanceled(ctx, runID)
		}
		return doc, nil
	}
}

// finalizeCanceled drives the marked run through the engine's cancel path:
// evidence for whatever completed, full release of the reservation, state
// canceled.
func (k *Kernel) finalizeCanceled(ctx context.Context, runID string) (*run.Run, error) {
	if err := k.eng.Execute(ctx, runID); err != nil {
		k.log.Warn("canceled run not finalized; recovery will retry",
			zap.String("run_id", runID), zap.Error(err))
	}
	doc, err := k.reg.GetRun(ctx, runID)
	if err != nil {
		return nil, run.WrapErr(run.KindServiceUnavailable, "run registry is unavailable", err)
	}
	return doc, nil
}

// PurgeIdempotency removes the caller's idempotency record once its run is
// terminal, freeing the key for a fresh submission.
func (k *Kernel) PurgeIdempotency(ctx context.Context, id tenant.Identity, key string) error {
	return k.adm.PurgeKey(ctx, id.TenantID, key)
}

// BudgetUsage reports the caller's consumption for the current period.
func (k *Kernel) BudgetUsage(ctx context.Context, id tenant.Identity) (budget.Usage, error) {
	u, err := k.acct.Query(ctx, id.TenantID, budget.PeriodOf(time.Now()))
	if err != nil {
		return budget.Usage{}, run.WrapErr(run.KindServiceUnavailable, "budget ledger is unavailable", err)
	}
	u.Cap = id.Tier.Caps.Budget
	return u, nil
}

// enqueue rebuilds the scheduler item from a persisted document. The service
// estimate is recomputed the same way admission computed it, so recovered
// runs keep their fair-queue position class.
func (k *Kernel) enqueue(doc *run.Run) error {
	req := run.SubmitRequest{
		Goal:         doc.Goal,
		Horizon:      doc.Inputs.Horizon,
		NumScenarios: doc.Inputs.NumScenarios,
	}
	est := admission.Estimate(req, doc.TierSnapshot)
	return k.sch.Enqueue(sched.Item{
		RunID:       doc.RunID,
		TenantID:    doc.TenantID,
		Tier:        string(doc.TierSnapshot.Name),
		Weight:      doc.TierSnapshot.Weight,
		Service:     est.SolverSec,
		MaxParallel: doc.TierSnapshot.Caps.MaxParallelRuns,
		AdmittedAt:  doc.CreatedAt,
	})
}

// exhausted is the scheduler's requeue-budget callback: the run burned its
// retries on kernel failures, so the kernel owns the loss. The run fails with
// infrastructure_error and the tenant gets the full reservation back.
func (k *Kernel) exhausted(runID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	already := false
	doc, err := k.reg.Update(ctx, runID, func(d *run.Run) error {
		if d.State.Terminal() {
			already = true
			return nil
		}
		annotated := false
		for i := range d.Stages {
			st := &d.Stages[i]
			if st.State.Terminal() {
				continue
			}
			if !annotated {
				st.State = run.StageFailed
				st.ErrorKind = run.KindInfrastructure
				st.ErrorMsg = "worker requeue budget exhausted: " + cause.Error()
				st.EndedAt = &now
				annotated = true
				continue
			}
			st.State = run.StageSkipped
		}
		d.State = run.StateFailed
		if d.TerminalAt == nil {
			d.TerminalAt = &now
		}
		return nil
	})
	if err != nil {
		k.log.Error("exhausted run not failed; it will stay running until recovery",
			zap.String("run_id", runID), zap.Error(err))
		return
	}
	if already {
		return
	}

	if doc.BudgetReservation != "" {
		if rerr := k.acct.Release(ctx, doc.BudgetReservation); rerr != nil &&
			!errors.Is(rerr, budget.ErrAlreadySettled) {
			k.log.Error("reservation leak on exhausted run",
				zap.String("run_id", runID), zap.Error(rerr))
		}
	}
	if k.metrics != nil {
		k.metrics.RunsTerminal.WithLabelValues(string(run.StateFailed)).Inc()
	}
	k.log.Error("run failed after exhausting its requeue budget",
		zap.String("run_id", runID),
		zap.String("tenant_id", doc.TenantID),
		zap.Error(cause))
}
