package optimise

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyocense/kernel/internal/kernel/ops"
	"github.com/dyocense/kernel/internal/kernel/run"
	"github.com/dyocense/kernel/internal/kernel/stage"
)

// steadySet builds a scenario set where every scenario demands the same
// amount, so the greedy policy's behavior is exactly predictable.
func steadySet(skus []string, horizon int, demand float64) *ops.ScenarioSet {
	scenarios := make([]ops.Scenario, 4)
	for k := range scenarios {
		d := map[string][]float64{}
		for _, sku := range skus {
			series := make([]float64, horizon)
			for t := range series {
				series[t] = demand
			}
			d[sku] = series
		}
		scenarios[k] = ops.Scenario{ID: k, Demand: d, LeadTimeDays: 3}
	}
	return &ops.ScenarioSet{
		Horizon:      horizon,
		NumScenarios: len(scenarios),
		SKUs:         skus,
		Scenarios:    scenarios,
	}
}

func solveModel(params map[string]any, sense string) *ops.Model {
	return &ops.Model{
		Metadata: ops.Metadata{
			OPSVersion: ops.OPSVersion, ProblemType: ops.ProblemInventory,
			TenantID: "acme", Seed: "cafe",
		},
		Objective:         ops.Objective{Sense: sense, Expression: "cost"},
		DecisionVariables: []ops.DecisionVariable{{Name: "order", Type: "continuous", UB: 1e9}},
		Parameters:        params,
	}
}

func TestOptimiseSteadyDemandIsOptimal(t *testing.T) {
	skus := []string{"sku-a"}
	in := stage.OptimiseInput{
		Model: solveModel(map[string]any{
			"unit_cost": map[string]any{"sku-a": 2.0},
			"stock":     map[string]any{"sku-a": 0.0},
			"capacity":  1000.0,
		}, "min"),
		Scenarios: steadySet(skus, 3, 10),
		MIPGap:    0.01,
	}

	pack, usage, err := New().Optimise(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, ops.StatusOptimal, pack.Status)
	require.NotNil(t, pack.ObjectiveValue)
	// Orders exactly cover demand: 10 units per period at cost 2.
	assert.Equal(t, 10.0, pack.Decisions["order"]["sku-a/0"])
	assert.Equal(t, 10.0, pack.Decisions["order"]["sku-a/1"])
	assert.Equal(t, 1.0, pack.KPIs["service_level"])
	assert.Equal(t, 60.0, pack.KPIs["spend"])
	assert.Equal(t, solverName, pack.Diagnostics.Solver)
	assert.GreaterOrEqual(t, usage.SolverSec, 0.0)
}

func TestOptimiseDeterministic(t *testing.T) {
	in := stage.OptimiseInput{
		Model: solveModel(map[string]any{
			"unit_cost": map[string]any{"sku-a": 2.0, "sku-b": 5.0},
			"capacity":  100.0,
		}, "min"),
		Scenarios: steadySet([]string{"sku-a", "sku-b"}, 4, 12),
		MIPGap:    0.01,
	}
	a, _, err := New().Optimise(context.Background(), in)
	require.NoError(t, err)
	b, _, err := New().Optimise(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, a.Decisions, b.Decisions)
	assert.Equal(t, a.KPIs, b.KPIs)
}

func TestOptimiseInfeasibleServiceFloor(t *testing.T) {
	in := stage.OptimiseInput{
		Model: solveModel(map[string]any{
			"min_service_level": 0.99,
			"capacity":          1.0, // nowhere near demand of 50/period
		}, "min"),
		Scenarios: steadySet([]string{"sku-a"}, 3, 50),
	}
	pack, _, err := New().Optimise(context.Background(), in)
	// Infeasibility is a verdict the diagnostician works from, not an error.
	require.NoError(t, err)
	assert.Equal(t, ops.StatusInfeasible, pack.Status)
	assert.Nil(t, pack.ObjectiveValue)
	require.NotNil(t, pack.ExplanationHints.Binding)
	assert.Equal(t, "order_capacity", *pack.ExplanationHints.Binding)
}

func TestOptimiseUnboundedMaximisation(t *testing.T) {
	in := stage.OptimiseInput{
		Model:     solveModel(map[string]any{}, "max"),
		Scenarios: steadySet([]string{"sku-a"}, 2, 10),
	}
	pack, _, err := New().Optimise(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, ops.StatusUnbounded, pack.Status)
	assert.Nil(t, pack.ObjectiveValue)
}

func TestOptimiseBudgetBindsToFeasible(t *testing.T) {
	in := stage.OptimiseInput{
		Model: solveModel(map[string]any{
			"unit_cost":  map[string]any{"sku-a": 10.0},
			"max_budget": 150.0, // demand wants 300 of spend
			"capacity":   1000.0,
		}, "min"),
		Scenarios: steadySet([]string{"sku-a"}, 3, 10),
	}
	pack, _, err := New().Optimise(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, ops.StatusFeasible, pack.Status)
	assert.LessOrEqual(t, pack.KPIs["spend"], 150.0)
	assert.Less(t, pack.KPIs["service_level"], 1.0)
	require.NotNil(t, pack.ExplanationHints.Binding)
	assert.Equal(t, "max_budget", *pack.ExplanationHints.Binding)
	assert.Contains(t, pack.ExplanationHints.CostDrivers, "sku-a")
}

func TestOptimisePolicyCapTightensBudget(t *testing.T) {
	capped := 100.0
	in := stage.OptimiseInput{
		Model: solveModel(map[string]any{
			"unit_cost": map[string]any{"sku-a": 10.0},
			"capacity":  1000.0,
		}, "min"),
		Scenarios: steadySet([]string{"sku-a"}, 3, 10),
		Policy: &ops.PolicySnapshot{
			Allow:       true,
			CapsApplied: ops.CapsApplied{MaxBudget: &capped},
		},
	}
	pack, _, err := New().Optimise(context.Background(), in)
	require.NoError(t, err)
	assert.LessOrEqual(t, pack.KPIs["spend"], capped)
}

func TestOptimisePolicyScenarioCapLimitsDraws(t *testing.T) {
	one := 1
	in := stage.OptimiseInput{
		Model: solveModel(map[string]any{
			"capacity": 1000.0,
		}, "min"),
		Scenarios: steadySet([]string{"sku-a"}, 2, 10),
		Policy: &ops.PolicySnapshot{
			Allow:       true,
			CapsApplied: ops.CapsApplied{ScenarioCap: &one},
		},
	}
	_, _, err := New().Optimise(context.Background(), in)
	require.NoError(t, err)
}

func TestOptimiseTimeLimitKeepsIncumbent(t *testing.T) {
	base := time.Unix(1700000000, 0)
	calls := 0
	clock := func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}
	in := stage.OptimiseInput{
		Model: solveModel(map[string]any{
			"capacity": 1000.0,
		}, "min"),
		Scenarios: steadySet([]string{"sku-a", "sku-b", "sku-c"}, 2, 10),
		TimeLimit: 0.5,
	}
	pack, _, err := New(WithClock(clock)).Optimise(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, ops.StatusPartial, pack.Status)
	// First SKU solved before the clock ran out; the rest never started.
	assert.Contains(t, pack.Decisions["order"], "sku-a/0")
	assert.NotContains(t, pack.Decisions["order"], "sku-c/0")
	require.NotNil(t, pack.ExplanationHints.Binding)
	assert.Equal(t, "time_limit", *pack.ExplanationHints.Binding)
}

func TestOptimiseCanceledBeforeIncumbent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := stage.OptimiseInput{
		Model:     solveModel(map[string]any{"capacity": 10.0}, "min"),
		Scenarios: steadySet([]string{"sku-a"}, 2, 10),
	}
	_, _, err := New().Optimise(ctx, in)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOptimiseMissingInputs(t *testing.T) {
	_, _, err := New().Optimise(context.Background(), stage.OptimiseInput{})
	assert.Equal(t, run.KindSolverError, run.KindOf(err))
}
