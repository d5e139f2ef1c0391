// Package forecast holds the reference Forecaster: a seeded lognormal
// sampler that turns per-SKU demand history into Monte Carlo demand paths.
// Each SKU draws from its own PCG stream keyed by the stage sub-seed and the
// SKU name, so scenario sets are reproducible and insensitive to map
// iteration order.
package forecast

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/dyocense/kernel/internal/kernel/ops"
	"github.com/dyocense/kernel/internal/kernel/run"
	"github.com/dyocense/kernel/internal/kernel/stage"
)

const (
	// minHistory is the shortest series the sampler will fit a distribution
	// to. SKUs below it borrow the pooled fit from the rest of the model.
	minHistory = 2

	defaultLeadTimeDays = 3.0

	// sampleCapFactor clamps pathological lognormal draws.
	sampleCapFactor = 10.0
)

// Forecaster is the reference stage.Forecaster.
type Forecaster struct{}

var _ stage.Forecaster = (*Forecaster)(nil)

func New() *Forecaster { return &Forecaster{} }

func (f *Forecaster) Forecast(ctx context.Context, in stage.ForecastInput) (*ops.ScenarioSet, stage.Usage, error) {
	var usage stage.Usage
	if err := ctx.Err(); err != nil {
		return nil, usage, err
	}
	if in.Model == nil {
		return nil, usage, run.Errf(run.KindForecastError, "forecast input has no model")
	}
	if in.Horizon < 1 || in.NumScenarios < 1 {
		return nil, usage, run.Errf(run.KindForecastError,
			"forecast input out of range: horizon=%d num_scenarios=%d", in.Horizon, in.NumScenarios)
	}
	if in.MaxHorizon > 0 && in.Horizon > in.MaxHorizon {
		return nil, usage, run.Errf(run.KindHorizonTooLarge,
			"horizon %d exceeds tier maximum %d", in.Horizon, in.MaxHorizon)
	}

	series := in.Model.Series()
	if len(series) == 0 {
		return nil, usage, run.Errf(run.KindInsufficientHistory,
			"model carries no demand_history to forecast from")
	}

	skus := in.Model.SKUs()
	if len(skus) == 0 {
		for sku := range series {
			skus = append(skus, sku)
		}
	}
	sort.Strings(skus)

	fits, err := fitAll(skus, series)
	if err != nil {
		return nil, usage, err
	}

	// Sample every SKU's paths from its own stream first, then assemble
	// scenarios, so adding a SKU never perturbs another SKU's draws.
	paths := make(map[string][][]float64, len(skus))
	for _, sku := range skus {
		if err := ctx.Err(); err != nil {
			return nil, usage, err
		}
		paths[sku] = samplePaths(in.Seed, sku, fits[sku], in.NumScenarios, in.Horizon)
	}

	leadRNG := rand.New(rand.NewPCG(in.Seed, streamID("lead_time")))
	scenarios := make([]ops.Scenario, 0, in.NumScenarios)
	for k := 0; k < in.NumScenarios; k++ {
		demand := make(map[string][]float64, len(skus))
		for _, sku := range skus {
			demand[sku] = paths[sku][k]
		}
		scenarios = append(scenarios, ops.Scenario{
			ID:           k,
			Demand:       demand,
			LeadTimeDays: defaultLeadTimeDays + float64(leadRNG.IntN(3)-1),
		})
	}

	set := &ops.ScenarioSet{
		Horizon:      in.Horizon,
		NumScenarios: in.NumScenarios,
		SKUs:         skus,
		Scenarios:    scenarios,
		Stats:        summarize(skus, paths),
	}
	return set, usage, nil
}

// fit holds the lognormal parameters for one SKU.
type fit struct {
	mlog float64
	slog float64
	mean float64
}

// fitAll fits each SKU with enough history and pools the rest. When no SKU
// clears the bar there is nothing to extrapolate from.
func fitAll(skus []string, series map[string][]float64) (map[string]fit, error) {
	fits := make(map[string]fit, len(skus))
	var pooled []float64
	fitted := 0
	for _, sku := range skus {
		h := series[sku]
		if len(h) >= minHistory {
			fits[sku] = fitSeries(h)
			pooled = append(pooled, h...)
			fitted++
		}
	}
	if fitted == 0 {
		return nil, run.Errf(run.KindInsufficientHistory,
			"every SKU has fewer than %d history points", minHistory)
	}
	if len(pooled) > 0 {
		fallback := fitSeries(pooled)
		for _, sku := range skus {
			if _, ok := fits[sku]; !ok {
				fits[sku] = fallback
			}
		}
	}
	return fits, nil
}

func fitSeries(h []float64) fit {
	logs := make([]float64, len(h))
	sum := 0.0
	for i, v := range h {
		if v < 1e-6 {
			v = 1e-6
		}
		logs[i] = math.Log(v)
		sum += v
	}
	mlog := meanOf(logs)
	return fit{mlog: mlog, slog: stddevOf(logs, mlog), mean: sum / float64(len(h))}
}

func samplePaths(seed uint64, sku string, f fit, numScenarios, horizon int) [][]float64 {
	rng := rand.New(rand.NewPCG(seed, streamID(sku)))
	ceiling := f.mean * sampleCapFactor
	if ceiling <= 0 {
		ceiling = sampleCapFactor
	}
	paths := make([][]float64, numScenarios)
	for k := 0; k < numScenarios; k++ {
		path := make([]float64, horizon)
		for t := 0; t < horizon; t++ {
			v := math.Exp(f.mlog + f.slog*rng.NormFloat64())
			if v > ceiling {
				v = ceiling
			}
			path[t] = math.Round(v*1000) / 1000
		}
		paths[k] = path
	}
	return paths
}

func summarize(skus []string, paths map[string][][]float64) map[string]ops.SKUStats {
	stats := make(map[string]ops.SKUStats, len(skus))
	for _, sku := range skus {
		var all []float64
		for _, path := range paths[sku] {
			all = append(all, path...)
		}
		m := meanOf(all)
		stats[sku] = ops.SKUStats{
			Mean:  round3(m),
			Sigma: round3(stddevOf(all, m)),
			P95:   round3(percentile(all, 0.95)),
		}
	}
	return stats
}

func meanOf(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func stddevOf(vs []float64, mean float64) float64 {
	if len(vs) < 2 {
		return 0
	}
	sq := 0.0
	for _, v := range vs {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(vs)))
}

func percentile(vs []float64, p float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sorted := make([]float64, len(vs))
	copy(sorted, vs)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

func streamID(label string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(label))
	return h.Sum64()
}
