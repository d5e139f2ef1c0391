// Package stage defines the capability contracts the pipeline engine drives:
// Compiler, Forecaster, PolicyGuard, Optimiser, Diagnostician, Explainer.
// Adapters are pure functions of their input plus the run seed under a pinned
// code version; they check ctx at coarse checkpoints for cooperative
// cancellation and map internal failures onto the run error taxonomy at the
// boundary. The engine owns retries, timeouts, and fingerprinting; adapters
// own nothing but the transformation.
package stage

import (
	"context"

	"github.com/dyocense/kernel/internal/kernel/budget"
	"github.com/dyocense/kernel/internal/kernel/ops"
)

// Usage is the measured consumption one adapter invocation reports back for
// budget commit. Adapters report what they actually burned; the engine
// accumulates across stages and settles the reservation at terminal.
type Usage = budget.CostVector

// TenantContext is the redacted slice of tenant state adapters may see.
// Nothing beyond these fields may appear in artifacts.
type TenantContext struct {
	TenantID          string  `json:"tenant_id"`
	Tier              string  `json:"tier"`
	MaxScenarios      int     `json:"max_scenarios"`
	MaxHorizon        int     `json:"max_horizon"`
	MIPGapFloor       float64 `json:"mip_gap_floor"`
	MaxBudgetOverride float64 `json:"max_budget_override"`
}

// CompileInput carries the tenant's goal and table context into the compiler.
type CompileInput struct {
	Goal                 string         `json:"goal"`
	TablesProfile        map[string]any `json:"tables_profile,omitempty"`
	DataInputs           map[string]any `json:"data_inputs,omitempty"`
	ConstraintsOverrides map[string]any `json:"constraints_overrides,omitempty"`
	ArchetypeID          string         `json:"archetype_id,omitempty"`
	Horizon              int            `json:"horizon"`
	NumScenarios         int            `json:"num_scenarios"`
	Tenant               TenantContext  `json:"tenant"`
	Seed                 string         `json:"seed"`
}

// Compiler turns goal text plus table context into the canonical OPS model.
// Failure kinds: invalid_goal, schema_violation, llm_unavailable, timed_out.
type Compiler interface {
	Compile(ctx context.Context, in CompileInput) (*ops.Model, Usage, error)
}

// ForecastInput asks for NumScenarios sampled futures over Horizon periods.
// Seed is the stage subseed; identical input must yield identical scenarios.
type ForecastInput struct {
	Model        *ops.Model `json:"model"`
	Horizon      int        `json:"horizon"`
	NumScenarios int        `json:"num_scenarios"`
	MaxHorizon   int        `json:"max_horizon"`
	Seed         uint64     `json:"seed"`
}

// Forecaster samples demand futures from the model's history series.
// Failure kinds: insufficient_history, horizon_too_large, timed_out.
type Forecaster interface {
	Forecast(ctx context.Context, in ForecastInput) (*ops.ScenarioSet, Usage, error)
}

// PolicyInput is the compiled model plus tenant context for the guard.
type PolicyInput struct {
	Model  *ops.Model    `json:"model"`
	Tenant TenantContext `json:"tenant"`
}

// PolicyGuard evaluates governance rules against the compiled model. A deny
// verdict is a successful evaluation with Allow=false, not an error; errors
// are reserved for evaluation failures (policy_eval_error).
type PolicyGuard interface {
	Evaluate(ctx context.Context, in PolicyInput) (*ops.PolicySnapshot, Usage, error)
}

// OptimiseInput is the solve request. TimeLimit is the wall-clock budget the
// engine grants; MIPGap is the tier floor clamped by policy caps.
type OptimiseInput struct {
	Model     *ops.Model          `json:"model"`
	Scenarios *ops.ScenarioSet    `json:"scenarios"`
	Policy    *ops.PolicySnapshot `json:"policy,omitempty"`
	WarmStart *ops.SolutionPack   `json:"warm_start,omitempty"`
	TimeLimit float64             `json:"time_limit_sec"`
	MIPGap    float64             `json:"mip_gap"`
	Seed      uint64              `json:"seed"`
}

// Optimiser solves the model over the scenario set. The verdict travels in
// the pack status (optimal, feasible, infeasible, unbounded, partial); errors
// are reserved for solver malfunctions (solver_error, timed_out).
type Optimiser interface {
	Optimise(ctx context.Context, in OptimiseInput) (*ops.SolutionPack, Usage, error)
}

// DiagnoseInput carries the infeasible solve for relaxation analysis.
type DiagnoseInput struct {
	Model    *ops.Model          `json:"model"`
	Solution *ops.SolutionPack   `json:"solution,omitempty"`
	Policy   *ops.PolicySnapshot `json:"policy,omitempty"`
}

// Diagnostician proposes relaxations for an infeasible model. Advisory only:
// the engine never re-solves on its output. Failure kinds: no_suggestions,
// timed_out.
type Diagnostician interface {
	Diagnose(ctx context.Context, in DiagnoseInput) (*ops.Diagnosis, Usage, error)
}

// ExplainInput is everything the explainer may narrate from. Denied marks a
// policy denial so the narrative explains the refusal instead of a plan.
type ExplainInput struct {
	Model     *ops.Model          `json:"model"`
	Solution  *ops.SolutionPack   `json:"solution,omitempty"`
	Scenarios *ops.ScenarioSet    `json:"scenarios,omitempty"`
	Policy    *ops.PolicySnapshot `json:"policy,omitempty"`
	Diagnosis *ops.Diagnosis      `json:"diagnosis,omitempty"`
	Denied    bool                `json:"denied"`
}

// Explainer renders the run's outcome as a tenant-facing narrative.
// Failure kinds: llm_unavailable, explain_error, timed_out.
type Explainer interface {
	Explain(ctx context.Context, in ExplainInput) (*ops.Explanation, Usage, error)
}

// Adapters bundles one implementation of every capability for constructor
// injection into the engine.
type Adapters struct {
	Compiler      Compiler
	Forecaster    Forecaster
	Policy        PolicyGuard
	Optimiser     Optimiser
	Diagnostician Diagnostician
	Explainer     Explainer
}
