package forecast

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyocense/kernel/internal/kernel/ops"
	"github.com/dyocense/kernel/internal/kernel/run"
	"github.com/dyocense/kernel/internal/kernel/stage"
)

func modelWith(history map[string][]float64) *ops.Model {
	skus := make([]string, 0, len(history))
	for sku := range history {
		skus = append(skus, sku)
	}
	return &ops.Model{
		Metadata:          ops.Metadata{OPSVersion: ops.OPSVersion, TenantID: "acme", Seed: "cafe"},
		Objective:         ops.Objective{Sense: "min", Expression: "cost"},
		DecisionVariables: []ops.DecisionVariable{{Name: "order", Type: "continuous", UB: 1e9}},
		Parameters: map[string]any{
			"skus":           skus,
			"demand_history": history,
		},
	}
}

func TestForecastShapeAndDeterminism(t *testing.T) {
	in := stage.ForecastInput{
		Model: modelWith(map[string][]float64{
			"sku-a": {40, 38, 44, 41, 39},
			"sku-b": {12, 15, 11, 18},
		}),
		Horizon:      6,
		NumScenarios: 32,
		MaxHorizon:   52,
		Seed:         0xDEADBEEF,
	}

	set, _, err := New().Forecast(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 6, set.Horizon)
	assert.Equal(t, 32, set.NumScenarios)
	require.Len(t, set.Scenarios, 32)
	assert.Equal(t, []string{"sku-a", "sku-b"}, set.SKUs)
	for _, sc := range set.Scenarios {
		require.Len(t, sc.Demand["sku-a"], 6)
		require.Len(t, sc.Demand["sku-b"], 6)
		assert.GreaterOrEqual(t, sc.LeadTimeDays, 1.0)
		for _, v := range sc.Demand["sku-a"] {
			assert.GreaterOrEqual(t, v, 0.0)
		}
	}

	again, _, err := New().Forecast(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, set, again)
}

func TestForecastSeedChangesDraws(t *testing.T) {
	in := stage.ForecastInput{
		Model:        modelWith(map[string][]float64{"sku-a": {40, 38, 44, 41}}),
		Horizon:      4,
		NumScenarios: 8,
		Seed:         1,
	}
	a, _, err := New().Forecast(context.Background(), in)
	require.NoError(t, err)

	in.Seed = 2
	b, _, err := New().Forecast(context.Background(), in)
	require.NoError(t, err)

	assert.NotEqual(t, a.Scenarios[0].Demand["sku-a"], b.Scenarios[0].Demand["sku-a"])
}

func TestForecastStatsTrackHistoryScale(t *testing.T) {
	in := stage.ForecastInput{
		Model:        modelWith(map[string][]float64{"sku-a": {100, 100, 100, 100}}),
		Horizon:      4,
		NumScenarios: 64,
		Seed:         7,
	}
	set, _, err := New().Forecast(context.Background(), in)
	require.NoError(t, err)

	st := set.Stats["sku-a"]
	// Constant history means zero log-variance: every draw is the mean.
	assert.InDelta(t, 100, st.Mean, 0.5)
	assert.InDelta(t, 0, st.Sigma, 0.001)
	assert.InDelta(t, 100, st.P95, 0.5)
}

func TestForecastShortSKUBorrowsPooledFit(t *testing.T) {
	in := stage.ForecastInput{
		Model: modelWith(map[string][]float64{
			"sku-long":  {50, 52, 48, 51},
			"sku-short": {9},
		}),
		Horizon:      3,
		NumScenarios: 16,
		Seed:         3,
	}
	set, _, err := New().Forecast(context.Background(), in)
	require.NoError(t, err)
	// The short SKU samples from the pooled fit, so it lands near the long
	// SKU's scale rather than its single observation.
	assert.Greater(t, set.Stats["sku-short"].Mean, 20.0)
}

func TestForecastInsufficientHistory(t *testing.T) {
	in := stage.ForecastInput{
		Model:        modelWith(map[string][]float64{"sku-a": {9}, "sku-b": {}}),
		Horizon:      3,
		NumScenarios: 4,
		Seed:         5,
	}
	_, _, err := New().Forecast(context.Background(), in)
	assert.Equal(t, run.KindInsufficientHistory, run.KindOf(err))
}

func TestForecastNoHistoryParameter(t *testing.T) {
	m := modelWith(map[string][]float64{"sku-a": {1, 2}})
	delete(m.Parameters, "demand_history")
	_, _, err := New().Forecast(context.Background(), stage.ForecastInput{
		Model: m, Horizon: 2, NumScenarios: 2, Seed: 1,
	})
	assert.Equal(t, run.KindInsufficientHistory, run.KindOf(err))
}

func TestForecastHorizonTooLarge(t *testing.T) {
	in := stage.ForecastInput{
		Model:        modelWith(map[string][]float64{"sku-a": {1, 2, 3}}),
		Horizon:      53,
		NumScenarios: 4,
		MaxHorizon:   52,
		Seed:         1,
	}
	_, _, err := New().Forecast(context.Background(), in)
	assert.Equal(t, run.KindHorizonTooLarge, run.KindOf(err))
}

func TestForecastHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := New().Forecast(ctx, stage.ForecastInput{
		Model:        modelWith(map[string][]float64{"sku-a": {1, 2, 3}}),
		Horizon:      2,
		NumScenarios: 2,
		Seed:         1,
	})
	assert.ErrorIs(t, err, context.Canceled)
}
