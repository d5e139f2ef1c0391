// Package admission is the front door for submissions: validate the request
// against the caller's tier, arbitrate idempotent replay, fix the run's seed,
// reserve budget, and hand the admitted run to the scheduler. Each step fully
// resolves before the next, and every failure after a side effect unwinds it,
// so a rejected submission leaves no run, no reservation, and no queue slot
// behind.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dyocense/kernel/internal/fingerprint"
	"github.com/dyocense/kernel/internal/kernel/budget"
	"github.com/dyocense/kernel/internal/kernel/idempotency"
	"github.com/dyocense/kernel/internal/kernel/registry"
	"github.com/dyocense/kernel/internal/kernel/run"
	"github.com/dyocense/kernel/internal/kernel/sched"
	"github.com/dyocense/kernel/internal/observability"
	"github.com/dyocense/kernel/internal/tenant"
)

const (
	// MaxGoalBytes and MaxKeyBytes bound the tenant-controlled strings that
	// flow into prompts and index keys.
	MaxGoalBytes = 8192
	MaxKeyBytes  = 128

	// DefaultTimeout caps how long a submission may block on the kernel's
	// stores before it is answered service_unavailable.
	DefaultTimeout = 2 * time.Second
)

// ErrTenantMismatch rejects a body whose tenant_id is not the authenticated
// tenant. Transports map it to 403 rather than the 401 a bad token gets.
var ErrTenantMismatch = errors.New("tenant_id does not match the authenticated tenant")

// Receipt is the admission answer. DuplicateOf is set when the idempotency
// index replayed an existing run instead of creating one.
type Receipt struct {
	RunID       string    `json:"run_id"`
	State       run.State `json:"state"`
	AcceptedAt  time.Time `json:"accepted_at"`
	DuplicateOf string    `json:"duplicate_of,omitempty"`
}

// Deps are the controller's collaborators. All are required.
type Deps struct {
	Registry   registry.Registry
	Accountant budget.Accountant
	Index      idempotency.Index
	Scheduler  *sched.Scheduler
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// Config tunes admission. Zero values get defaults.
type Config struct {
	// Salt goes into seed derivation. Changing it across deployments changes
	// every seed, so treat it as part of the data contract.
	Salt string
	// Timeout bounds each Submit call. Defaults to DefaultTimeout.
	Timeout time.Duration
	// IdempotencyTTL is the replay window. Defaults to idempotency.DefaultTTL.
	IdempotencyTTL time.Duration
}

type Controller struct {
	reg     registry.Registry
	acct    budget.Accountant
	idx     idempotency.Index
	sch     *sched.Scheduler
	log     *zap.Logger
	metrics *observability.Metrics

	salt    string
	timeout time.Duration
	ttl     time.Duration
	now     func() time.Time
	newID   func() string
}

type Option func(*Controller)

// WithClock substitutes the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithIDFunc substitutes run id generation, for deterministic tests.
func WithIDFunc(newID func() string) Option {
	return func(c *Controller) { c.newID = newID }
}

func New(deps Deps, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		reg:     deps.Registry,
		acct:    deps.Accountant,
		idx:     deps.Index,
		sch:     deps.Scheduler,
		log:     deps.Logger,
		metrics: deps.Metrics,
		salt:    cfg.Salt,
		timeout: cfg.Timeout,
		ttl:     cfg.IdempotencyTTL,
		now:     time.Now,
		newID:   run.NewID,
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.ttl <= 0 {
		c.ttl = idempotency.DefaultTTL
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit admits one run for the resolved identity. The transport owns token
// resolution; Submit owns everything after it. On replay the receipt carries
// the original run's id and current state and nothing new is created.
func (c *Controller) Submit(ctx context.Context, id tenant.Identity, req run.SubmitRequest) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.validate(req, id); err != nil {
		c.reject(err)
		return Receipt{}, err
	}

	if rcpt, ok, err := c.replay(ctx, id.TenantID, req.IdempotencyKey); err != nil {
		c.reject(err)
		return Receipt{}, err
	} else if ok {
		return rcpt, nil
	}

	seed := fingerprint.DeriveSeed(id.TenantID, req.IdempotencyKey, c.salt)
	est := Estimate(req, id.Tier)

	if err := c.sch.Hold(id.TenantID, id.Tier.Caps.MaxQueueDepth); err != nil {
		err = c.holdErr(err)
		c.reject(err)
		return Receipt{}, err
	}

	runID := c.newID()
	now := c.now().UTC()
	period := budget.PeriodOf(now)
	resID, err := c.acct.Reserve(ctx, id.TenantID, period, id.Tier.Caps.Budget, est, runID)
	if err != nil {
		c.sch.ReleaseHold(id.TenantID)
		err = c.reserveErr(err)
		c.reject(err)
		return Receipt{}, err
	}

	// The index arbitrates concurrent submissions sharing a key: the record
	// goes in before the run document so a loser never has a run to delete.
	actual, created, err := c.idx.PutIfAbsent(ctx, id.TenantID, req.IdempotencyKey, runID, c.ttl)
	if err != nil {
		c.unwind(ctx, id.TenantID, resID)
		err = depErr("idempotency index", err)
		c.reject(err)
		return Receipt{}, err
	}
	if !created {
		c.unwind(ctx, id.TenantID, resID)
		return c.replayExisting(ctx, actual), nil
	}

	doc := run.NewRun(runID, id, req, seed, resID, now)
	if err := c.reg.CreateRun(ctx, doc); err != nil {
		c.unwind(ctx, id.TenantID, resID)
		if derr := c.idx.Delete(context.WithoutCancel(ctx), id.TenantID, req.IdempotencyKey); derr != nil {
			c.log.Warn("orphaned idempotency record",
				zap.String("tenant_id", id.TenantID), zap.Error(derr))
		}
		err = depErr("run registry", err)
		c.reject(err)
		return Receipt{}, err
	}

	item := sched.Item{
		RunID:       runID,
		TenantID:    id.TenantID,
		Tier:        string(id.Tier.Name),
		Weight:      id.Tier.Weight,
		Service:     est.SolverSec,
		MaxParallel: id.Tier.Caps.MaxParallelRuns,
		AdmittedAt:  doc.CreatedAt,
	}
	if err := c.sch.Enqueue(item); err != nil {
		// The run document and its reservation are durable; a restart's boot
		// recovery re-enqueues admitted runs, so the submission stands.
		c.log.Warn("admitted run not enqueued; waiting for recovery",
			zap.String("run_id", runID), zap.Error(err))
	}

	if c.metrics != nil {
		c.metrics.RunsAdmitted.WithLabelValues(string(id.Tier.Name)).Inc()
	}
	c.log.Info("run admitted",
		zap.String("run_id", runID),
		zap.String("tenant_id", id.TenantID),
		zap.String("tier", string(id.Tier.Name)),
		zap.Float64("solver_sec_reserved", est.SolverSec),
		zap.Float64("llm_tokens_reserved", est.LLMTokens))

	return Receipt{RunID: runID, State: run.StateAdmitted, AcceptedAt: doc.CreatedAt}, nil
}

// PurgeKey removes the idempotency record so the key can admit a fresh run.
// Purging the key of a run that is still admitted or running is refused; the
// caller cancels first.
func (c *Controller) PurgeKey(ctx context.Context, tenantID, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	runID, err := c.idx.Get(ctx, tenantID, key)
	switch {
	case errors.Is(err, idempotency.ErrNotFound):
		return run.Errf(run.KindNotFound, "no idempotency record for key %q", key)
	case err != nil:
		return depErr("idempotency index", err)
	}

	doc, err := c.reg.GetRun(ctx, runID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		// Dangling record; nothing active to protect.
	case err != nil:
		return depErr("run registry", err)
	case !doc.State.Terminal():
		return run.Errf(run.KindConflict, "run %s is %s; cancel it before purging its key", runID, doc.State)
	}

	if err := c.idx.Delete(ctx, tenantID, key); err != nil {
		return depErr("idempotency index", err)
	}
	c.log.Info("idempotency key purged",
		zap.String("tenant_id", tenantID), zap.String("run_id", runID))
	return nil
}

// replay answers step three: a live record within the TTL returns the
// original run, regardless of how that run ended.
func (c *Controller) replay(ctx context.Context, tenantID, key string) (Receipt, bool, error) {
	existing, err := c.idx.Get(ctx, tenantID, key)
	switch {
	case errors.Is(err, idempotency.ErrNotFound):
		return Receipt{}, false, nil
	case err != nil:
		return Receipt{}, false, depErr("idempotency index", err)
	}
	return c.replayExisting(ctx, existing), true, nil
}

// replayExisting builds the duplicate receipt. A record whose run the
// registry cannot see yet belongs to a submission that is still mid-create;
// answer admitted and let the reader catch up through GetRun.
func (c *Controller) replayExisting(ctx context.Context, runID string) Receipt {
	if c.metrics != nil {
		c.metrics.IdempotentReplays.Inc()
	}
	rcpt := Receipt{RunID: runID, State: run.StateAdmitted, DuplicateOf: runID, AcceptedAt: c.now().UTC()}
	doc, err := c.reg.GetRun(ctx, runID)
	if err != nil {
		c.log.Debug("replayed run not yet readable", zap.String("run_id", runID), zap.Error(err))
		return rcpt
	}
	rcpt.State = doc.State
	rcpt.AcceptedAt = doc.CreatedAt
	return rcpt
}

func (c *Controller) validate(req run.SubmitRequest, id tenant.Identity) error {
	if req.TenantID != id.TenantID {
		return run.WrapErr(run.KindAuthFailed, fmt.Sprintf("body names tenant %q", req.TenantID), ErrTenantMismatch)
	}
	if req.IdempotencyKey == "" {
		return run.Errf(run.KindValidation, "idempotency_key is required")
	}
	if n := len(req.IdempotencyKey); n > MaxKeyBytes {
		return run.Errf(run.KindValidation, "idempotency_key is %d bytes, limit %d", n, MaxKeyBytes)
	}
	if n := len(req.Goal); n > MaxGoalBytes {
		return run.Errf(run.KindValidation, "goal is %d bytes, limit %d", n, MaxGoalBytes)
	}
	caps := id.Tier.Caps
	if req.Horizon < 1 || req.Horizon > caps.MaxHorizon {
		return run.Errf(run.KindValidation, "horizon %d outside 1..%d", req.Horizon, caps.MaxHorizon)
	}
	if req.NumScenarios < 1 || req.NumScenarios > caps.MaxScenarios {
		return run.Errf(run.KindValidation, "num_scenarios %d outside 1..%d", req.NumScenarios, caps.MaxScenarios)
	}
	if err := boundedMap("tables_profile", req.TablesProfile, caps.MaxTablesProfileBytes); err != nil {
		return err
	}
	if err := boundedMap("data_inputs", req.DataInputs, caps.MaxDataInputsBytes); err != nil {
		return err
	}
	switch req.PriorityHint {
	case "", run.PriorityNormal, run.PriorityLow:
	default:
		return run.Errf(run.KindValidation, "priority_hint %q is not normal or low", req.PriorityHint)
	}
	return nil
}

func boundedMap(field string, m map[string]any, limit int) error {
	if len(m) == 0 || limit <= 0 {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return run.Errf(run.KindValidation, "%s is not encodable: %v", field, err)
	}
	if len(raw) > limit {
		return run.Errf(run.KindValidation, "%s is %d bytes, tier limit %d", field, len(raw), limit)
	}
	return nil
}

// Estimate sizes the reservation from the request shape. Solver demand grows
// with the scenario grid but never past the tier's optimise cap; token demand
// covers the compile prompt plus the explain narrative.
func Estimate(req run.SubmitRequest, t tenant.Tier) budget.CostVector {
	solver := 2.0 + 0.05*float64(req.Horizon)*float64(req.NumScenarios)
	if lim := t.Caps.StageTimeout("optimise").Seconds(); solver > lim {
		solver = lim
	}
	tokens := 500.0 + float64(len(req.Goal))/3.0 + 800.0
	return budget.CostVector{SolverSec: solver, LLMTokens: tokens}
}

// unwind gives back the reservation and queue slot after a failure between
// reserve and enqueue. The release outlives the admission deadline.
func (c *Controller) unwind(ctx context.Context, tenantID, reservationID string) {
	c.sch.ReleaseHold(tenantID)
	if err := c.acct.Release(context.WithoutCancel(ctx), reservationID); err != nil &&
		!errors.Is(err, budget.ErrAlreadySettled) {
		c.log.Error("reservation leak on admission unwind",
			zap.String("reservation_id", reservationID), zap.Error(err))
	}
}

func (c *Controller) holdErr(err error) error {
	if errors.Is(err, sched.ErrQueueFull) {
		return run.WrapErr(run.KindServiceUnavailable, "tenant queue is full", err)
	}
	return run.WrapErr(run.KindServiceUnavailable, "scheduler rejected the run", err)
}

func (c *Controller) reserveErr(err error) error {
	if errors.Is(err, budget.ErrExhausted) {
		if c.metrics != nil {
			c.metrics.BudgetExhausted.Inc()
		}
		return run.WrapErr(run.KindBudgetExhausted, "monthly budget cannot cover this run", err)
	}
	return depErr("budget accountant", err)
}

func (c *Controller) reject(err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.AdmissionRejected.WithLabelValues(string(run.KindOf(err))).Inc()
}

// depErr classifies a store failure. A deadline here means the admission
// timeout elapsed, which callers surface as service_unavailable either way.
func depErr(what string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return run.WrapErr(run.KindServiceUnavailable, "admission timed out waiting on the "+what, err)
	}
	return run.WrapErr(run.KindServiceUnavailable, what+" is unavailable", err)
}
