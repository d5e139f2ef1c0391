// Package diagnose holds the reference Diagnostician: deterministic rules
// that turn an infeasible solve into concrete relaxation suggestions. It
// reads the solver's binding hints plus the model's own parameters, never
// re-solves, and never mutates the model. Suggestions are advice for the
// caller's next submission.
package diagnose

import (
	"context"
	"fmt"
	"math"

	"github.com/dyocense/kernel/internal/kernel/ops"
	"github.com/dyocense/kernel/internal/kernel/run"
	"github.com/dyocense/kernel/internal/kernel/stage"
)

// headroomFactor pads relaxation targets so the next solve is not borderline.
const headroomFactor = 1.1

// Diagnostician is the reference stage.Diagnostician.
type Diagnostician struct{}

var _ stage.Diagnostician = (*Diagnostician)(nil)

func New() *Diagnostician { return &Diagnostician{} }

func (d *Diagnostician) Diagnose(ctx context.Context, in stage.DiagnoseInput) (*ops.Diagnosis, stage.Usage, error) {
	var usage stage.Usage
	if err := ctx.Err(); err != nil {
		return nil, usage, err
	}
	if in.Model == nil {
		return nil, usage, run.Errf(run.KindNoSuggestions, "diagnose input has no model")
	}

	est := estimateDemand(in.Model)
	var out []ops.Suggestion

	if s, ok := d.capacitySuggestion(in, est); ok {
		out = append(out, s)
	}
	if s, ok := d.budgetSuggestion(in, est); ok {
		out = append(out, s)
	}
	if s, ok := d.serviceSuggestion(in); ok {
		out = append(out, s)
	}
	if s, ok := d.backorderSuggestion(in); ok {
		out = append(out, s)
	}

	if len(out) == 0 {
		return nil, usage, run.Errf(run.KindNoSuggestions,
			"no relaxation found for constraints %v", constraintNames(in.Model))
	}
	return &ops.Diagnosis{Suggestions: out}, usage, nil
}

// demandEstimate aggregates the model's history so relaxation targets have a
// defensible scale.
type demandEstimate struct {
	perPeriod float64 // total mean demand across SKUs for one period
	spend     float64 // estimated spend to cover mean demand over the horizon
}

func estimateDemand(m *ops.Model) demandEstimate {
	var est demandEstimate
	series := m.Series()
	costs := costMap(m)
	horizon := 1.0
	if h, ok := paramFloat(m, "horizon"); ok && h > 0 {
		horizon = h
	}
	for sku, h := range series {
		if len(h) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range h {
			sum += v
		}
		mean := sum / float64(len(h))
		est.perPeriod += mean
		cost := costs[sku]
		if cost <= 0 {
			cost = 1
		}
		est.spend += mean * cost * horizon
	}
	return est
}

func (d *Diagnostician) capacitySuggestion(in stage.DiagnoseInput, est demandEstimate) (ops.Suggestion, bool) {
	capacity, ok := paramFloat(in.Model, "capacity")
	if !ok {
		return ops.Suggestion{}, false
	}
	if !bindingIs(in.Solution, "order_capacity") && est.perPeriod <= capacity {
		return ops.Suggestion{}, false
	}
	target := roundUp(est.perPeriod * headroomFactor)
	if target <= capacity {
		return ops.Suggestion{}, false
	}
	return ops.Suggestion{
		Constraint: "order_capacity",
		Action:     "relax",
		Detail: fmt.Sprintf("per-period order capacity %.0f cannot cover mean demand %.0f; raise it to about %.0f",
			capacity, est.perPeriod, target),
		RelaxTo: &target,
	}, true
}

func (d *Diagnostician) budgetSuggestion(in stage.DiagnoseInput, est demandEstimate) (ops.Suggestion, bool) {
	budget, ok := effectiveBudget(in)
	if !ok {
		return ops.Suggestion{}, false
	}
	if !bindingIs(in.Solution, "max_budget") && est.spend <= budget {
		return ops.Suggestion{}, false
	}
	target := roundUp(est.spend * headroomFactor)
	if target <= budget {
		return ops.Suggestion{}, false
	}
	action := "relax"
	detail := fmt.Sprintf("spend ceiling %.0f cannot fund mean demand (needs about %.0f); raise max_budget to %.0f",
		budget, est.spend, target)
	if capFromPolicy(in, budget) {
		action = "raise_policy_cap"
		detail = fmt.Sprintf("policy caps spend at %.0f but mean demand needs about %.0f; raise the tenant budget cap to %.0f",
			budget, est.spend, target)
	}
	return ops.Suggestion{
		Constraint: "max_budget",
		Action:     action,
		Detail:     detail,
		RelaxTo:    &target,
	}, true
}

func (d *Diagnostician) serviceSuggestion(in stage.DiagnoseInput) (ops.Suggestion, bool) {
	required, ok := paramFloat(in.Model, "min_service_level")
	if !ok || required <= 0 {
		return ops.Suggestion{}, false
	}
	achieved := achievedService(in.Solution)
	if achieved >= required {
		return ops.Suggestion{}, false
	}
	target := math.Floor(achieved*100) / 100
	return ops.Suggestion{
		Constraint: "min_service_level",
		Action:     "relax",
		Detail: fmt.Sprintf("required service level %.2f is unreachable under current caps (achieved %.2f); lower it or relax the binding caps",
			required, achieved),
		RelaxTo: &target,
	}, true
}

func (d *Diagnostician) backorderSuggestion(in stage.DiagnoseInput) (ops.Suggestion, bool) {
	if !hasConstraint(in.Model, "no_backorders") || !bindingIs(in.Solution, "order_capacity") {
		return ops.Suggestion{}, false
	}
	return ops.Suggestion{
		Constraint: "no_backorders",
		Action:     "allow_backorders",
		Detail:     "capacity binds every period; allowing backorders lets unmet demand carry instead of failing the solve",
	}, true
}

func effectiveBudget(in stage.DiagnoseInput) (float64, bool) {
	budget, ok := paramFloat(in.Model, "max_budget")
	if in.Policy != nil && in.Policy.CapsApplied.MaxBudget != nil {
		c := *in.Policy.CapsApplied.MaxBudget
		if !ok || c < budget {
			return c, true
		}
	}
	return budget, ok
}

func capFromPolicy(in stage.DiagnoseInput, effective float64) bool {
	return in.Policy != nil && in.Policy.CapsApplied.MaxBudget != nil &&
		*in.Policy.CapsApplied.MaxBudget == effective
}

func bindingIs(sol *ops.SolutionPack, name string) bool {
	return sol != nil && sol.ExplanationHints.Binding != nil && *sol.ExplanationHints.Binding == name
}

func achievedService(sol *ops.SolutionPack) float64 {
	if sol == nil {
		return 0
	}
	return sol.KPIs["service_level"]
}

func hasConstraint(m *ops.Model, name string) bool {
	for _, c := range m.Constraints {
		if c.Name == name {
			return true
		}
	}
	return false
}

func constraintNames(m *ops.Model) []string {
	names := make([]string, 0, len(m.Constraints))
	for _, c := range m.Constraints {
		names = append(names, c.Name)
	}
	return names
}

func roundUp(v float64) float64 { return math.Ceil(v) }

func paramFloat(m *ops.Model, key string) (float64, bool) {
	v, ok := m.Parameters[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

func costMap(m *ops.Model) map[string]float64 {
	out := map[string]float64{}
	raw, ok := m.Parameters["unit_cost"]
	if !ok {
		return out
	}
	switch t := raw.(type) {
	case map[string]float64:
		return t
	case map[string]any:
		for k, v := range t {
			switch f := v.(type) {
			case float64:
				out[k] = f
			case int:
				out[k] = float64(f)
			}
		}
	}
	return out
}
