// Package engine drives one admitted run through the fixed pipeline:
// Compile, Forecast, Policy, Optimise, Diagnose, Explain, Evidence. The
// engine owns everything the adapters do not: per-stage timeouts and retry
// budgets, cooperative cancellation with a bounded grace, fingerprinting and
// artifact persistence, the evidence batch at terminal, and settling the
// budget reservation exactly once.
//
// Execute returns an error only when the kernel's own stores fail; every
// domain outcome, including a failed or denied run, is a successful
// execution that left the run in a terminal state. The scheduler uses that
// contract to requeue crashed workers without double-charging tenants.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/dyocense/kernel/internal/fingerprint"
	"github.com/dyocense/kernel/internal/kernel/budget"
	"github.com/dyocense/kernel/internal/kernel/evidence"
	"github.com/dyocense/kernel/internal/kernel/ops"
	"github.com/dyocense/kernel/internal/kernel/registry"
	"github.com/dyocense/kernel/internal/kernel/run"
	"github.com/dyocense/kernel/internal/kernel/stage"
	"github.com/dyocense/kernel/internal/observability"
)

// ErrCancelRequested is the cancellation cause the scheduler attaches when a
// tenant cancels a running run. The engine uses it to tell a user cancel
// apart from a timeout.
var ErrCancelRequested = errors.New("cancel requested")

const (
	// maxAttempts bounds total attempts per stage, across worker requeues.
	maxAttempts = 3

	defaultMIPGap = 0.01

	// timeoutGrace is how long a stage that blew its deadline gets to hand
	// back an incumbent before the engine abandons its goroutine.
	timeoutGrace = 250 * time.Millisecond

	minCancelGrace = 250 * time.Millisecond
	maxCancelGrace = 5 * time.Second
)

// Deps are the engine's collaborators. All are required except Tracer.
type Deps struct {
	Registry   registry.Registry
	Accountant budget.Accountant
	Adapters   stage.Adapters
	Evidence   *evidence.Writer
	Hasher     *fingerprint.Hasher
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Tracer     trace.Tracer
}

type Engine struct {
	reg     registry.Registry
	acct    budget.Accountant
	ad      stage.Adapters
	writer  *evidence.Writer
	hasher  *fingerprint.Hasher
	log     *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	backoff Backoff
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

type Option func(*Engine)

// WithClock substitutes the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleep substitutes the retry sleeper, for tests that must not wait.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithBackoff overrides the retry delay shape.
func WithBackoff(b Backoff) Option {
	return func(e *Engine) { e.backoff = b }
}

func New(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		reg:     deps.Registry,
		acct:    deps.Accountant,
		ad:      deps.Adapters,
		writer:  deps.Evidence,
		hasher:  deps.Hasher,
		log:     deps.Logger,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
		backoff: DefaultBackoff,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.tracer == nil {
		e.tracer = noop.NewTracerProvider().Tracer("kernel/engine")
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute drives the run to a terminal state. The context carries the
// scheduler's cancellation; Execute layers the tier's pipeline deadline on
// top. Calling Execute on a terminal run is a no-op.
func (e *Engine) Execute(ctx context.Context, runID string) error {
	doc, err := e.reg.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("engine: load run %s: %w", runID, err)
	}
	if doc.State.Terminal() {
		return nil
	}
	if doc.CancelRequestedAt != nil {
		p := &pipeline{e: e, r: doc, log: e.log.With(
			zap.String("run_id", runID), zap.String("tenant_id", doc.TenantID))}
		p.recoverArtifacts()
		return p.finish(ctx, run.StateCanceled)
	}
	if doc.State == run.StateAdmitted {
		if doc, err = registry.SetState(ctx, e.reg, runID, run.StateRunning, e.now()); err != nil {
			return fmt.Errorf("engine: start run %s: %w", runID, err)
		}
	}

	ctx, span := e.tracer.Start(ctx, "kernel.pipeline", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("tenant_id", doc.TenantID),
		attribute.String("tier", string(doc.TierSnapshot.Name)),
	))
	defer span.End()

	names := make([]string, len(run.Pipeline))
	for i, s := range run.Pipeline {
		names[i] = string(s)
	}
	pctx, cancel := context.WithTimeout(ctx, doc.TierSnapshot.Caps.PipelineTimeout(names))
	defer cancel()

	p := &pipeline{
		e: e,
		r: doc,
		log: e.log.With(
			zap.String("run_id", runID),
			zap.String("tenant_id", doc.TenantID),
		),
	}
	p.recoverArtifacts()
	return p.run(pctx)
}

// pipeline is the per-run execution state.
type pipeline struct {
	e           *Engine
	r           *run.Run
	log         *zap.Logger
	arts        evidence.Artifacts
	usage       budget.CostVector
	scenarioFP  string
	denied      bool
	partial     bool
	settledOnce bool
}

// stageSpec bundles one stage invocation: the fingerprinted input, an
// optional memoized artifact from a previous incarnation, the adapter call,
// and the Result fields to persist on success.
type stageSpec struct {
	name    run.Stage
	input   any
	memo    func() any
	invoke  func(context.Context) (any, stage.Usage, error)
	persist func(d *run.Run, out any, outFP string)
}

func (p *pipeline) run(ctx context.Context) error {
	// Compile.
	if halt, err := p.compileStage(ctx); err != nil || halt != nil {
		return p.haltOrErr(ctx, halt, err)
	}
	if halt, err := p.checkpoint(ctx); err != nil || halt != nil {
		return p.haltOrErr(ctx, halt, err)
	}

	// Forecast.
	if halt, err := p.forecastStage(ctx); err != nil || halt != nil {
		return p.haltOrErr(ctx, halt, err)
	}
	if halt, err := p.checkpoint(ctx); err != nil || halt != nil {
		return p.haltOrErr(ctx, halt, err)
	}

	// Policy.
	if halt, err := p.policyStage(ctx); err != nil || halt != nil {
		return p.haltOrErr(ctx, halt, err)
	}

	// Optimise, or skip it on a deny.
	if p.denied {
		if err := p.skipStage(ctx, run.StageOptimise, "policy denied the run"); err != nil {
			return err
		}
		if err := p.skipStage(ctx, run.StageDiagnose, "policy denied the run"); err != nil {
			return err
		}
	} else {
		if halt, err := p.checkpoint(ctx); err != nil || halt != nil {
			return p.haltOrErr(ctx, halt, err)
		}
		if halt, err := p.optimiseStage(ctx); err != nil || halt != nil {
			return p.haltOrErr(ctx, halt, err)
		}
	}

	// Explain. Runs for plans, partials, infeasibles, and denials alike.
	if halt, err := p.explainStage(ctx); err != nil || halt != nil {
		return p.haltOrErr(ctx, halt, err)
	}

	terminal := run.StateSucceeded
	switch {
	case p.denied:
		terminal = run.StateDenied
	case p.partial:
		terminal = run.StateSucceededPartial
	}
	return p.finish(ctx, terminal)
}

func (p *pipeline) haltOrErr(ctx context.Context, halt *run.State, err error) error {
	if err != nil {
		return err
	}
	return p.finish(ctx, *halt)
}

// checkpoint refreshes the document between stages and honors cancels that
// arrived through the registry rather than the scheduler's context.
func (p *pipeline) checkpoint(ctx context.Context) (*run.State, error) {
	doc, err := p.e.reg.GetRun(ctx, p.r.RunID)
	if err != nil {
		return nil, fmt.Errorf("engine: refresh run %s: %w", p.r.RunID, err)
	}
	p.r = doc
	if doc.CancelRequestedAt != nil {
		s := run.StateCanceled
		return &s, nil
	}
	return nil, nil
}

func (p *pipeline) compileStage(ctx context.Context) (*run.State, error) {
	in := stage.CompileInput{
		Goal:                 p.r.Goal,
		TablesProfile:        p.r.Inputs.TablesProfile,
		DataInputs:           p.r.Inputs.DataInputs,
		ConstraintsOverrides: p.r.Inputs.ConstraintsOverrides,
		ArchetypeID:          p.r.Inputs.ArchetypeID,
		Horizon:              p.r.Inputs.Horizon,
		NumScenarios:         p.r.Inputs.NumScenarios,
		Tenant:               p.tenantContext(),
		Seed:                 p.r.Seed,
	}
	out, halt, err := p.execStage(ctx, stageSpec{
		name:  run.StageCompile,
		input: in,
		memo: func() any {
			if p.arts.Model != nil {
				return p.arts.Model
			}
			return nil
		},
		invoke: func(sctx context.Context) (any, stage.Usage, error) {
			m, usage, err := p.e.ad.Compiler.Compile(sctx, in)
			if err != nil {
				return nil, usage, err
			}
			return m, usage, nil
		},
		persist: func(d *run.Run, out any, outFP string) {
			d.Result.OPS = asMap(out)
			d.Result.OPSRef = contentRef(outFP)
			setFingerprint(d, run.FingerprintModel, outFP)
		},
	})
	if err != nil || halt != nil {
		return halt, err
	}
	p.arts.Model = out.(*ops.Model)
	return nil, nil
}

func (p *pipeline) forecastStage(ctx context.Context) (*run.State, error) {
	in := stage.ForecastInput{
		Model:        p.arts.Model,
		Horizon:      p.r.Inputs.Horizon,
		NumScenarios: p.r.Inputs.NumScenarios,
		MaxHorizon:   p.r.TierSnapshot.Caps.MaxHorizon,
		Seed:         fingerprint.SubSeed(p.r.Seed, string(run.StageForecast)),
	}
	out, halt, err := p.execStage(ctx, stageSpec{
		name:  run.StageForecast,
		input: in,
		invoke: func(sctx context.Context) (any, stage.Usage, error) {
			set, usage, err := p.e.ad.Forecaster.Forecast(sctx, in)
			if err != nil {
				return nil, usage, err
			}
			return set, usage, nil
		},
		persist: func(d *run.Run, out any, outFP string) {
			d.Result.ScenariosRef = contentRef(outFP)
			p.scenarioFP = outFP
		},
	})
	if err != nil || halt != nil {
		return halt, err
	}
	p.arts.Scenarios = out.(*ops.ScenarioSet)
	return nil, nil
}

func (p *pipeline) policyStage(ctx context.Context) (*run.State, error) {
	in := stage.PolicyInput{Model: p.arts.Model, Tenant: p.tenantContext()}
	out, halt, err := p.execStage(ctx, stageSpec{
		name:  run.StagePolicy,
		input: in,
		memo: func() any {
			if p.arts.Policy != nil {
				return p.arts.Policy
			}
			return nil
		},
		invoke: func(sctx context.Context) (any, stage.Usage, error) {
			snap, usage, err := p.e.ad.Policy.Evaluate(sctx, in)
			if err != nil {
				return nil, usage, err
			}
			return snap, usage, nil
		},
		persist: func(d *run.Run, out any, outFP string) {
			d.Result.PolicySnapshot = asMap(out)
		},
	})
	if err != nil || halt != nil {
		return halt, err
	}
	snap := out.(*ops.PolicySnapshot)
	p.arts.Policy = snap

	if !snap.Allow {
		p.denied = true
		// The evaluation succeeded; the verdict is the deny.
		if err := p.updateStage(ctx, run.StagePolicy, func(sr *run.StageRecord) {
			sr.ErrorKind = run.KindPolicyDenied
			sr.ErrorMsg = strings.Join(snap.Reasons, ", ")
		}); err != nil {
			return nil, err
		}
		p.log.Info("policy denied run", zap.Strings("reasons", snap.Reasons))
	}
	return nil, nil
}

func (p *pipeline) optimiseStage(ctx context.Context) (*run.State, error) {
	gap := defaultMIPGap
	if floor := p.r.TierSnapshot.Caps.MIPGapFloor; floor > gap {
		gap = floor
	}
	in := stage.OptimiseInput{
		Model:     p.arts.Model,
		Scenarios: p.arts.Scenarios,
		Policy:    p.arts.Policy,
		TimeLimit: p.r.TierSnapshot.Caps.StageTimeout(string(run.StageOptimise)).Seconds(),
		MIPGap:    gap,
		Seed:      fingerprint.SubSeed(p.r.Seed, string(run.StageOptimise)),
	}
	out, halt, err := p.execStage(ctx, stageSpec{
		name:  run.StageOptimise,
		input: in,
		memo: func() any {
			if p.arts.Solution != nil {
				return p.arts.Solution
			}
			return nil
		},
		invoke: func(sctx context.Context) (any, stage.Usage, error) {
			pack, usage, err := p.e.ad.Optimiser.Optimise(sctx, in)
			if err != nil {
				return nil, usage, err
			}
			return pack, usage, nil
		},
		persist: func(d *run.Run, out any, outFP string) {
			pack := out.(*ops.SolutionPack)
			d.Result.Solution = asMap(pack)
			if statusHasPlan(pack.Status) {
				if dna, err := p.e.hasher.PlanDNA(
					d.Fingerprints[run.FingerprintModel], p.scenarioFP, p.arts.Policy, pack.Decisions,
				); err == nil {
					setFingerprint(d, run.FingerprintPlanDNA, dna)
				}
			}
		},
	})
	if err != nil || halt != nil {
		return halt, err
	}
	pack := out.(*ops.SolutionPack)
	p.arts.Solution = pack

	switch pack.Status {
	case ops.StatusInfeasible:
		if err := p.updateStage(ctx, run.StageOptimise, func(sr *run.StageRecord) {
			sr.ErrorKind = run.KindInfeasible
			sr.ErrorMsg = "solver reports the model infeasible"
		}); err != nil {
			return nil, err
		}
		return p.diagnoseStage(ctx)

	case ops.StatusUnbounded:
		if err := p.updateStage(ctx, run.StageOptimise, func(sr *run.StageRecord) {
			sr.State = run.StageFailed
			sr.ErrorKind = run.KindUnbounded
			sr.ErrorMsg = "objective is unbounded; the model is missing a binding resource"
		}); err != nil {
			return nil, err
		}
		p.e.metrics.StageFailures.WithLabelValues(string(run.StageOptimise), string(run.KindUnbounded)).Inc()
		s := run.StateFailed
		return &s, nil

	case ops.StatusPartial:
		p.partial = true
		if err := p.updateStage(ctx, run.StageOptimise, func(sr *run.StageRecord) {
			sr.State = run.StageTimedOut
			sr.ErrorKind = run.KindTimeoutPartial
			sr.ErrorMsg = "time limit reached; keeping the best incumbent"
		}); err != nil {
			return nil, err
		}
		return nil, p.skipStage(ctx, run.StageDiagnose, "partial solve keeps its incumbent")

	default:
		return nil, p.skipStage(ctx, run.StageDiagnose, "solve feasible")
	}
}

func (p *pipeline) diagnoseStage(ctx context.Context) (*run.State, error) {
	in := stage.DiagnoseInput{
		Model:    p.arts.Model,
		Solution: p.arts.Solution,
		Policy:   p.arts.Policy,
	}
	out, halt, err := p.execStage(ctx, stageSpec{
		name:  run.StageDiagnose,
		input: in,
		invoke: func(sctx context.Context) (any, stage.Usage, error) {
			diag, usage, err := p.e.ad.Diagnostician.Diagnose(sctx, in)
			if err != nil {
				return nil, usage, err
			}
			return diag, usage, nil
		},
		persist: func(d *run.Run, out any, outFP string) {
			d.Result.Diagnostics = asMap(out)
		},
	})
	if err != nil || halt != nil {
		return halt, err
	}
	if out != nil {
		p.arts.Diagnosis = out.(*ops.Diagnosis)
	}
	return nil, nil
}

func (p *pipeline) explainStage(ctx context.Context) (*run.State, error) {
	in := stage.ExplainInput{
		Model:     p.arts.Model,
		Solution:  p.arts.Solution,
		Scenarios: p.arts.Scenarios,
		Policy:    p.arts.Policy,
		Diagnosis: p.arts.Diagnosis,
		Denied:    p.denied,
	}
	out, halt, err := p.execStage(ctx, stageSpec{
		name:  run.StageExplain,
		input: in,
		invoke: func(sctx context.Context) (any, stage.Usage, error) {
			expl, usage, err := p.e.ad.Explainer.Explain(sctx, in)
			if err != nil {
				return nil, usage, err
			}
			return expl, usage, nil
		},
		persist: func(d *run.Run, out any, outFP string) {
			d.Result.Explanation = asMap(out)
		},
	})
	if err != nil || halt != nil {
		return halt, err
	}
	if out != nil {
		p.arts.Explanation = out.(*ops.Explanation)
	}
	return nil, nil
}

// execStage runs one stage with retries, timeout, and cancellation handling.
// Returns the output artifact, a halt state when the pipeline must stop, or
// an error when the kernel's own stores failed. Advisory stages swallow
// their failures: they record the failed stage and return (nil, nil, nil).
func (p *pipeline) execStage(ctx context.Context, spec stageSpec) (any, *run.State, error) {
	e := p.e
	name := spec.name

	inFP, err := e.hasher.Fingerprint(string(name), spec.input)
	if err != nil {
		return p.stageBroken(ctx, name, run.WrapErr(run.KindInternal, "fingerprint stage input", err))
	}

	// Memoized from a previous incarnation of this run: same input, stage
	// already succeeded, artifact recoverable. Skip the adapter entirely.
	if rec := p.r.Stage(name); rec != nil && rec.State == run.StageSucceeded && rec.Fingerprint == inFP {
		if spec.memo != nil {
			if cached := spec.memo(); cached != nil {
				p.log.Debug("stage memoized", zap.String("stage", string(name)))
				return cached, nil, nil
			}
		}
	}

	sctx, span := e.tracer.Start(ctx, "kernel.stage."+string(name))
	defer span.End()

	timeout := p.r.TierSnapshot.Caps.StageTimeout(string(name))
	started := e.now()

	var out any
	var invErr error
	for {
		rec := p.r.Stage(name)
		if rec != nil && rec.Attempts >= maxAttempts {
			invErr = run.Errf(run.KindInternal, "stage %s exhausted its %d attempts", name, maxAttempts)
			break
		}
		if err := p.updateStage(sctx, name, func(sr *run.StageRecord) {
			sr.State = run.StageRunning
			sr.Attempts++
			sr.Fingerprint = inFP
			sr.InputRef = contentRef(inFP)
			if sr.StartedAt == nil {
				t := started.UTC()
				sr.StartedAt = &t
			}
		}); err != nil {
			return nil, nil, err
		}

		attempt := p.r.Stage(name).Attempts
		actx, cancel := context.WithTimeout(sctx, timeout)
		var usage stage.Usage
		out, usage, invErr = e.invokeGuarded(actx, spec.invoke)
		cancel()
		p.usage = p.usage.Add(budget.CostVector(usage))

		if invErr == nil {
			break
		}

		// Cancellation and deadlines are not retryable; sort them first.
		if errors.Is(context.Cause(ctx), ErrCancelRequested) {
			return p.stageHalted(ctx, name, run.StageCanceled, run.KindCanceled,
				"canceled by tenant request", run.StateCanceled, started)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return p.stageHalted(ctx, name, run.StageTimedOut, run.KindPipelineTimeout,
				"pipeline wall-clock cap exceeded", run.StateFailed, started)
		}
		if ctx.Err() != nil {
			// Worker shutdown. Leave the run in running so a requeue
			// resumes it; the attempt already spent stays spent.
			return nil, nil, fmt.Errorf("engine: run %s interrupted at stage %s: %w",
				p.r.RunID, name, context.Cause(ctx))
		}
		if errors.Is(invErr, context.DeadlineExceeded) {
			if !name.Critical() {
				return p.stageSwallowed(ctx, name, run.StageTimedOut, run.KindTimedOut, invErr, started)
			}
			return p.stageHalted(ctx, name, run.StageTimedOut, run.KindTimedOut,
				fmt.Sprintf("stage exceeded its %s cap", timeout), run.StateFailed, started)
		}

		kind := run.KindOf(invErr)
		if kind.Retryable() && attempt < maxAttempts {
			delay := e.backoff.Delay(attempt, p.r.Seed+"|"+string(name))
			e.metrics.StageRetries.WithLabelValues(string(name), string(kind)).Inc()
			p.log.Warn("stage attempt failed; retrying",
				zap.String("stage", string(name)),
				zap.Int("attempt", attempt),
				zap.String("kind", string(kind)),
				zap.Duration("backoff", delay),
				zap.Error(invErr))
			if err := e.sleep(ctx, delay); err != nil {
				if errors.Is(context.Cause(ctx), ErrCancelRequested) {
					return p.stageHalted(ctx, name, run.StageCanceled, run.KindCanceled,
						"canceled by tenant request", run.StateCanceled, started)
				}
				if ctx.Err() == context.DeadlineExceeded {
					return p.stageHalted(ctx, name, run.StageTimedOut, run.KindPipelineTimeout,
						"pipeline wall-clock cap exceeded", run.StateFailed, started)
				}
				return nil, nil, fmt.Errorf("engine: run %s interrupted at stage %s: %w",
					p.r.RunID, name, context.Cause(ctx))
			}
			continue
		}
		break
	}

	elapsed := e.now().Sub(started)
	e.metrics.StageDuration.WithLabelValues(string(name)).Observe(elapsed.Seconds())

	if invErr != nil {
		kind := run.KindOf(invErr)
		if !name.Critical() {
			return p.stageSwallowed(ctx, name, run.StageFailed, kind, invErr, started)
		}
		return p.stageBroken(ctx, name, invErr)
	}

	outFP, err := e.hasher.Fingerprint(outputScope(name), out)
	if err != nil {
		return p.stageBroken(ctx, name, run.WrapErr(run.KindInternal, "fingerprint stage output", err))
	}
	ended := e.now().UTC()
	if err := p.updateFull(ctx, func(d *run.Run) {
		if sr := d.Stage(name); sr != nil {
			sr.State = run.StageSucceeded
			sr.EndedAt = &ended
			sr.OutputRef = contentRef(outFP)
			sr.ErrorKind = ""
			sr.ErrorMsg = ""
		}
		if spec.persist != nil {
			spec.persist(d, out, outFP)
		}
	}); err != nil {
		return nil, nil, err
	}

	p.log.Info("stage complete",
		zap.String("stage", string(name)),
		zap.Int("attempts", p.r.Stage(name).Attempts),
		zap.Duration("elapsed", elapsed))
	return out, nil, nil
}

// stageHalted records the stage outcome and halts the pipeline.
func (p *pipeline) stageHalted(ctx context.Context, name run.Stage, st run.StageState, kind run.ErrorKind, msg string, terminal run.State, started time.Time) (any, *run.State, error) {
	e := p.e
	ended := e.now().UTC()
	if err := p.updateStage(context.WithoutCancel(ctx), name, func(sr *run.StageRecord) {
		sr.State = st
		sr.EndedAt = &ended
		sr.ErrorKind = kind
		sr.ErrorMsg = msg
	}); err != nil {
		return nil, nil, err
	}
	e.metrics.StageDuration.WithLabelValues(string(name)).Observe(e.now().Sub(started).Seconds())
	e.metrics.StageFailures.WithLabelValues(string(name), string(kind)).Inc()
	p.log.Warn("stage halted the run",
		zap.String("stage", string(name)),
		zap.String("kind", string(kind)),
		zap.String("terminal", string(terminal)))
	return nil, &terminal, nil
}

// stageSwallowed records an advisory stage failure and lets the pipeline
// continue without the artifact.
func (p *pipeline) stageSwallowed(ctx context.Context, name run.Stage, st run.StageState, kind run.ErrorKind, cause error, started time.Time) (any, *run.State, error) {
	e := p.e
	ended := e.now().UTC()
	if err := p.updateStage(context.WithoutCancel(ctx), name, func(sr *run.StageRecord) {
		sr.State = st
		sr.EndedAt = &ended
		sr.ErrorKind = kind
		sr.ErrorMsg = cause.Error()
	}); err != nil {
		return nil, nil, err
	}
	e.metrics.StageFailures.WithLabelValues(string(name), string(kind)).Inc()
	p.log.Warn("advisory stage failed; continuing without it",
		zap.String("stage", string(name)),
		zap.String("kind", string(kind)),
		zap.Error(cause))
	return nil, nil, nil
}

// stageBroken records a critical stage failure and halts with a failed run.
func (p *pipeline) stageBroken(ctx context.Context, name run.Stage, cause error) (any, *run.State, error) {
	kind := run.KindOf(cause)
	e := p.e
	ended := e.now().UTC()
	if err := p.updateStage(context.WithoutCancel(ctx), name, func(sr *run.StageRecord) {
		sr.State = run.StageFailed
		sr.EndedAt = &ended
		sr.ErrorKind = kind
		sr.ErrorMsg = cause.Error()
	}); err != nil {
		return nil, nil, err
	}
	e.metrics.StageFailures.WithLabelValues(string(name), string(kind)).Inc()
	p.log.Error("stage failed the run",
		zap.String("stage", string(name)),
		zap.String("kind", string(kind)),
		zap.Error(cause))
	s := run.StateFailed
	return nil, &s, nil
}

func (p *pipeline) skipStage(ctx context.Context, name run.Stage, reason string) error {
	rec := p.r.Stage(name)
	if rec != nil && rec.State.Terminal() {
		return nil
	}
	p.log.Debug("stage skipped", zap.String("stage", string(name)), zap.String("reason", reason))
	return p.updateStage(ctx, name, func(sr *run.StageRecord) {
		sr.State = run.StageSkipped
	})
}

// invokeResult carries an adapter's answer across the guard goroutine.
type invokeResult struct {
	out   any
	usage stage.Usage
	err   error
}

// invokeGuarded calls the adapter in its own goroutine so a stuck adapter
// cannot wedge the worker. When the context fires, the adapter gets a grace
// window to hand back an incumbent before the engine abandons it.
func (e *Engine) invokeGuarded(ctx context.Context, invoke func(context.Context) (any, stage.Usage, error)) (any, stage.Usage, error) {
	ch := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- invokeResult{err: run.Errf(run.KindInternal, "adapter panic: %v", rec)}
			}
		}()
		out, usage, err := invoke(ctx)
		ch <- invokeResult{out: out, usage: usage, err: err}
	}()

	select {
	case res := <-ch:
		return res.out, res.usage, res.err
	case <-ctx.Done():
	}

	timer := time.NewTimer(e.graceFor(ctx))
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.out, res.usage, res.err
	case <-timer.C:
		return nil, stage.Usage{}, ctx.Err()
	}
}

// graceFor sizes the cooperative-shutdown window. A tenant cancel doubles
// the stage's remaining time budget; a deadline that already fired gets a
// short fixed window to surface an incumbent.
func (e *Engine) graceFor(ctx context.Context) time.Duration {
	if !errors.Is(context.Cause(ctx), ErrCancelRequested) {
		return timeoutGrace
	}
	grace := time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := dl.Sub(e.now()); rem > 0 {
			grace = 2 * rem
		}
	}
	if grace < minCancelGrace {
		grace = minCancelGrace
	}
	if grace > maxCancelGrace {
		grace = maxCancelGrace
	}
	return grace
}

// finish writes the evidence batch, settles the budget, and records the
// terminal state, in that order. Evidence failure never demotes the state.
func (p *pipeline) finish(ctx context.Context, terminal run.State) error {
	e := p.e
	// Terminal work must complete even when the run context is dead.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		p.r.TierSnapshot.Caps.StageTimeout(string(run.StageEvidence)))
	defer cancel()

	ref, evErr := p.writeEvidence(fctx, terminal)
	p.settle(fctx, terminal)

	now := e.now()
	doc, err := e.reg.Update(fctx, p.r.RunID, func(d *run.Run) error {
		if d.State.Terminal() {
			return nil
		}
		if !d.State.CanTransition(terminal) {
			return fmt.Errorf("%w: %s -> %s", registry.ErrInvalidTransition, d.State, terminal)
		}
		d.State = terminal
		t := now.UTC()
		d.TerminalAt = &t
		if ref != "" {
			d.Result.EvidenceRef = ref
		}
		for i := range d.Stages {
			if d.Stages[i].Name != run.StageEvidence && !d.Stages[i].State.Terminal() {
				d.Stages[i].State = run.StageSkipped
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("engine: record terminal state for %s: %w", p.r.RunID, err)
	}
	p.r = doc

	e.metrics.RunsTerminal.WithLabelValues(string(terminal)).Inc()
	fields := []zap.Field{
		zap.String("state", string(terminal)),
		zap.String("model_fingerprint", doc.Fingerprints[run.FingerprintModel]),
		zap.String("plan_dna", doc.Fingerprints[run.FingerprintPlanDNA]),
	}
	if evErr != nil {
		fields = append(fields, zap.NamedError("evidence_error", evErr))
	}
	p.log.Info("run terminal", fields...)
	return nil
}

// writeEvidence builds and appends the batch, recording the evidence stage
// either way. The returned ref is empty when the write failed.
func (p *pipeline) writeEvidence(ctx context.Context, terminal run.State) (string, error) {
	e := p.e
	started := e.now()
	if err := p.updateStage(ctx, run.StageEvidence, func(sr *run.StageRecord) {
		sr.State = run.StageRunning
		sr.Attempts++
		t := started.UTC()
		sr.StartedAt = &t
	}); err != nil {
		return "", err
	}

	snapshot := p.r.Clone()
	snapshot.State = terminal

	var ref string
	batch, err := evidence.Build(snapshot, p.arts, e.now())
	if err == nil {
		ref, err = e.writer.Write(ctx, batch)
	}

	ended := e.now().UTC()
	e.metrics.StageDuration.WithLabelValues(string(run.StageEvidence)).Observe(e.now().Sub(started).Seconds())
	if err != nil {
		kind := run.KindOf(err)
		e.metrics.StageFailures.WithLabelValues(string(run.StageEvidence), string(kind)).Inc()
		p.log.Warn("evidence write failed; run keeps its computed state", zap.Error(err))
		if uerr := p.updateStage(ctx, run.StageEvidence, func(sr *run.StageRecord) {
			sr.State = run.StageFailed
			sr.EndedAt = &ended
			sr.ErrorKind = kind
			sr.ErrorMsg = err.Error()
		}); uerr != nil {
			return "", uerr
		}
		return "", err
	}

	if uerr := p.updateStage(ctx, run.StageEvidence, func(sr *run.StageRecord) {
		sr.State = run.StageSucceeded
		sr.EndedAt = &ended
		sr.OutputRef = ref
	}); uerr != nil {
		return "", uerr
	}
	return ref, nil
}

// settle commits measured usage against the reservation. Partial successes
// bill the full reservation unless the tier opted into prorated billing.
// Commit clamps to the reserved remainder, so over-reporting is safe.
func (p *pipeline) settle(ctx context.Context, terminal run.State) {
	if p.settledOnce || p.r.BudgetReservation == "" {
		return
	}
	p.settledOnce = true

	actual := p.usage
	if terminal == run.StateSucceededPartial && p.r.TierSnapshot.Caps.PartialBilling != "prorated" {
		actual = budget.CostVector{
			SolverSec: math.Inf(1),
			LLMTokens: math.Inf(1),
			GPUSec:    math.Inf(1),
		}
	}
	err := p.e.acct.Commit(ctx, p.r.BudgetReservation, actual)
	switch {
	case err == nil:
	case errors.Is(err, budget.ErrAlreadySettled):
		// A previous incarnation of this run settled it.
	default:
		p.log.Error("budget commit failed; ledger may under-count this run",
			zap.String("reservation", p.r.BudgetReservation), zap.Error(err))
	}
}

// updateStage persists a mutation of one stage record and refreshes the
// local document.
func (p *pipeline) updateStage(ctx context.Context, name run.Stage, mut func(*run.StageRecord)) error {
	return p.updateFull(ctx, func(d *run.Run) {
		if sr := d.Stage(name); sr != nil {
			mut(sr)
		}
	})
}

func (p *pipeline) updateFull(ctx context.Context, mut func(*run.Run)) error {
	doc, err := p.e.reg.Update(ctx, p.r.RunID, func(d *run.Run) error {
		mut(d)
		return nil
	})
	if err != nil {
		return fmt.Errorf("engine: persist run %s: %w", p.r.RunID, err)
	}
	p.r = doc
	return nil
}

// recoverArtifacts rebuilds typed artifacts from the persisted Result after
// a worker crash. Scenario sets are not inlined on the document; the
// deterministic forecaster regenerates them from the same seed instead.
func (p *pipeline) recoverArtifacts() {
	p.arts.Model = decodeMap[ops.Model](p.r.Result.OPS)
	p.arts.Policy = decodeMap[ops.PolicySnapshot](p.r.Result.PolicySnapshot)
	p.arts.Solution = decodeMap[ops.SolutionPack](p.r.Result.Solution)
	p.arts.Diagnosis = decodeMap[ops.Diagnosis](p.r.Result.Diagnostics)
	p.arts.Explanation = decodeMap[ops.Explanation](p.r.Result.Explanation)
	if p.arts.Policy != nil && !p.arts.Policy.Allow {
		p.denied = true
	}
	if p.arts.Solution != nil && p.arts.Solution.Status == ops.StatusPartial {
		p.partial = true
	}
}

func (p *pipeline) tenantContext() stage.TenantContext {
	caps := p.r.TierSnapshot.Caps
	return stage.TenantContext{
		TenantID:          p.r.TenantID,
		Tier:              string(p.r.TierSnapshot.Name),
		MaxScenarios:      caps.MaxScenarios,
		MaxHorizon:        caps.MaxHorizon,
		MIPGapFloor:       caps.MIPGapFloor,
		MaxBudgetOverride: caps.MaxBudgetOverride,
	}
}

// statusHasPlan reports whether a solve verdict carries an actionable plan.
// Infeasible and unbounded packs may hold partial decision values for the
// audit trail, but they are not plans and get no DNA.
func statusHasPlan(s ops.SolutionStatus) bool {
	switch s {
	case ops.StatusOptimal, ops.StatusFeasible, ops.StatusPartial:
		return true
	default:
		return false
	}
}

// outputScope picks the volatile-field scope for a stage's output
// fingerprint. Optimise output strips solver runtime so reruns of the same
// plan hash identically; compile output shares the model fingerprint scope.
func outputScope(name run.Stage) string {
	switch name {
	case run.StageCompile:
		return "ops"
	case run.StageOptimise:
		return "solution"
	default:
		return string(name) + "_output"
	}
}

func contentRef(fp string) string { return "cas://sha256/" + fp }

func setFingerprint(d *run.Run, key, value string) {
	if d.Fingerprints == nil {
		d.Fingerprints = make(map[string]string, 2)
	}
	d.Fingerprints[key] = value
}

func asMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func decodeMap[T any](m map[string]any) *T {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	return &v
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
