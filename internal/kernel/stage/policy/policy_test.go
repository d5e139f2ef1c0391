package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyocense/kernel/internal/kernel/ops"
	"github.com/dyocense/kernel/internal/kernel/stage"
)

func guardModel(params map[string]any) *ops.Model {
	if params == nil {
		params = map[string]any{}
	}
	return &ops.Model{
		Metadata: ops.Metadata{
			OPSVersion:  ops.OPSVersion,
			ProblemType: ops.ProblemInventory,
			TenantID:    "acme",
			Seed:        "cafe",
		},
		Objective:         ops.Objective{Sense: "min", Expression: "cost"},
		DecisionVariables: []ops.DecisionVariable{{Name: "order", Type: "continuous", UB: 1e9}},
		Parameters:        params,
		Constraints:       []ops.Constraint{{Name: "stock_balance", Expression: "x == y"}},
	}
}

func newGuard(t *testing.T) *Guard {
	t.Helper()
	g, err := New(context.Background())
	require.NoError(t, err)
	return g
}

func TestEvaluateAllows(t *testing.T) {
	g := newGuard(t)
	snap, _, err := g.Evaluate(context.Background(), stage.PolicyInput{
		Model:  guardModel(nil),
		Tenant: stage.TenantContext{TenantID: "acme", Tier: "standard"},
	})
	require.NoError(t, err)

	assert.True(t, snap.Allow)
	assert.Empty(t, snap.Reasons)
	assert.Contains(t, snap.Warnings, "no_spend_ceiling")
	assert.Nil(t, snap.CapsApplied.MaxBudget)
	assert.True(t, strings.HasPrefix(snap.PolicyVersion, "rego:"), snap.PolicyVersion)
}

func TestEvaluateDeniesBudgetAboveOverride(t *testing.T) {
	g := newGuard(t)
	snap, _, err := g.Evaluate(context.Background(), stage.PolicyInput{
		Model: guardModel(map[string]any{"max_budget": 5000.0}),
		Tenant: stage.TenantContext{
			TenantID: "acme", Tier: "standard", MaxBudgetOverride: 2500,
		},
	})
	// A deny is a verdict, not an evaluation failure.
	require.NoError(t, err)
	assert.False(t, snap.Allow)
	assert.Contains(t, snap.Reasons, "budget_cap_exceeded")
}

func TestEvaluateAllowsBudgetWithinOverride(t *testing.T) {
	g := newGuard(t)
	snap, _, err := g.Evaluate(context.Background(), stage.PolicyInput{
		Model: guardModel(map[string]any{"max_budget": 2000.0}),
		Tenant: stage.TenantContext{
			TenantID: "acme", Tier: "standard", MaxBudgetOverride: 2500,
		},
	})
	require.NoError(t, err)
	assert.True(t, snap.Allow)
	assert.NotContains(t, snap.Warnings, "no_spend_ceiling")
}

func TestEvaluateDeniesPricingOnFreeTier(t *testing.T) {
	g := newGuard(t)
	m := guardModel(nil)
	m.Metadata.ProblemType = ops.ProblemPricing

	snap, _, err := g.Evaluate(context.Background(), stage.PolicyInput{
		Model:  m,
		Tenant: stage.TenantContext{TenantID: "acme", Tier: "free"},
	})
	require.NoError(t, err)
	assert.False(t, snap.Allow)
	assert.Contains(t, snap.Reasons, "pricing_requires_paid_tier")

	snap, _, err = g.Evaluate(context.Background(), stage.PolicyInput{
		Model:  m,
		Tenant: stage.TenantContext{TenantID: "acme", Tier: "pro"},
	})
	require.NoError(t, err)
	assert.True(t, snap.Allow)
}

func TestEvaluateImposesBudgetCeiling(t *testing.T) {
	g := newGuard(t)
	snap, _, err := g.Evaluate(context.Background(), stage.PolicyInput{
		Model: guardModel(nil),
		Tenant: stage.TenantContext{
			TenantID: "acme", Tier: "enterprise", MaxBudgetOverride: 10000,
		},
	})
	require.NoError(t, err)
	assert.True(t, snap.Allow)
	require.NotNil(t, snap.CapsApplied.MaxBudget)
	assert.Equal(t, 10000.0, *snap.CapsApplied.MaxBudget)
}

func TestEvaluateCapsFreeTierScenarios(t *testing.T) {
	g := newGuard(t)
	snap, _, err := g.Evaluate(context.Background(), stage.PolicyInput{
		Model:  guardModel(nil),
		Tenant: stage.TenantContext{TenantID: "acme", Tier: "free"},
	})
	require.NoError(t, err)
	assert.True(t, snap.Allow)
	require.NotNil(t, snap.CapsApplied.ScenarioCap)
	assert.Equal(t, 200, *snap.CapsApplied.ScenarioCap)
}

func TestEvaluateWarnsOnBackorders(t *testing.T) {
	g := newGuard(t)
	snap, _, err := g.Evaluate(context.Background(), stage.PolicyInput{
		Model:  guardModel(map[string]any{"allow_backorders": true, "max_budget": 100.0}),
		Tenant: stage.TenantContext{TenantID: "acme", Tier: "standard"},
	})
	require.NoError(t, err)
	assert.Contains(t, snap.Warnings, "backorders_enabled")
}

func TestNewFromSourceRejectsBadModule(t *testing.T) {
	_, err := NewFromSource(context.Background(), "bad.rego", "package broken\n\nallow if {")
	assert.Error(t, err)
}

func TestVersionPinsModuleBytes(t *testing.T) {
	a, err := NewFromSource(context.Background(), "guard.rego", guardSource)
	require.NoError(t, err)
	b := newGuard(t)
	assert.Equal(t, a.Version(), b.Version())
}
