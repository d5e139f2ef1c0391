// Package explain holds the reference Explainer: deterministic templates
// that narrate the run outcome from artifacts already computed upstream. It
// invents no numbers; every figure in the narrative is read from the
// solution pack, the policy snapshot, or the diagnosis. A production
// deployment puts an LLM behind the same interface and the engine cannot
// tell the difference.
package explain

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/dyocense/kernel/internal/kernel/ops"
	"github.com/dyocense/kernel/internal/kernel/run"
	"github.com/dyocense/kernel/internal/kernel/stage"
)

// Explainer is the reference stage.Explainer.
type Explainer struct{}

var _ stage.Explainer = (*Explainer)(nil)

func New() *Explainer { return &Explainer{} }

func (e *Explainer) Explain(ctx context.Context, in stage.ExplainInput) (*ops.Explanation, stage.Usage, error) {
	var usage stage.Usage
	if err := ctx.Err(); err != nil {
		return nil, usage, err
	}
	if in.Model == nil {
		return nil, usage, run.Errf(run.KindExplainError, "explain input has no model")
	}

	var out *ops.Explanation
	switch {
	case in.Denied:
		out = denialNarrative(in)
	case in.Solution != nil && in.Solution.Status == ops.StatusInfeasible:
		out = infeasibleNarrative(in)
	case in.Solution != nil && in.Solution.Status == ops.StatusPartial:
		out = partialNarrative(in)
	case in.Solution != nil:
		out = planNarrative(in)
	default:
		return nil, usage, run.Errf(run.KindExplainError, "nothing to explain: no verdict and no denial")
	}

	usage.LLMTokens = estimateTokens(out)
	return out, usage, nil
}

func denialNarrative(in stage.ExplainInput) *ops.Explanation {
	reasons := []string{"policy_denied"}
	if in.Policy != nil && len(in.Policy.Reasons) > 0 {
		reasons = in.Policy.Reasons
	}
	highlights := make([]string, 0, len(reasons))
	for _, r := range reasons {
		highlights = append(highlights, describeReason(r))
	}
	return &ops.Explanation{
		Summary: fmt.Sprintf("The governance policy denied this run before any solve (%s). No plan was produced.",
			strings.Join(reasons, ", ")),
		Highlights: highlights,
		WhatIfs:    denialWhatIfs(reasons),
	}
}

func describeReason(code string) string {
	switch code {
	case "budget_cap_exceeded":
		return "The requested spend ceiling exceeds the budget cap on this tenant's plan."
	case "pricing_requires_paid_tier":
		return "Pricing optimisation is not available on the free tier."
	default:
		return fmt.Sprintf("Policy rule %q rejected the request.", code)
	}
}

func denialWhatIfs(reasons []string) []string {
	var out []string
	for _, r := range reasons {
		switch r {
		case "budget_cap_exceeded":
			out = append(out, "Resubmitting with max_budget at or below the plan's cap would pass the policy gate.")
		case "pricing_requires_paid_tier":
			out = append(out, "Upgrading to a paid tier unlocks pricing optimisation goals.")
		}
	}
	if len(out) == 0 {
		out = append(out, "Adjust the goal or constraint overrides to satisfy the policy and resubmit.")
	}
	return out
}

func infeasibleNarrative(in stage.ExplainInput) *ops.Explanation {
	summary := "No plan satisfies every constraint at once."
	if b := binding(in.Solution); b != "" {
		summary = fmt.Sprintf("No plan satisfies every constraint at once; %s binds first.", b)
	}

	var highlights, whatIfs []string
	if in.Diagnosis != nil {
		for _, s := range in.Diagnosis.Suggestions {
			highlights = append(highlights, s.Detail)
			if s.RelaxTo != nil {
				whatIfs = append(whatIfs, fmt.Sprintf("Setting %s to %g would likely make the model solvable.",
					s.Constraint, *s.RelaxTo))
			} else {
				whatIfs = append(whatIfs, fmt.Sprintf("Relaxing %s (%s) would likely make the model solvable.",
					s.Constraint, s.Action))
			}
		}
	}
	if len(highlights) == 0 {
		highlights = append(highlights, "The diagnostician found no single relaxation; review the constraints together.")
	}
	return &ops.Explanation{Summary: summary, Highlights: highlights, WhatIfs: whatIfs}
}

func partialNarrative(in stage.ExplainInput) *ops.Explanation {
	sol := in.Solution
	solved := solvedSKUs(sol)
	total := totalSKUs(in)
	summary := fmt.Sprintf(
		"The solver hit its time limit after planning %d of %d SKUs; the partial plan below covers what finished.",
		solved, total)
	highlights := []string{
		fmt.Sprintf("Partial plan spend is %.2f with service level %.2f over the solved SKUs.",
			sol.KPIs["spend"], sol.KPIs["service_level"]),
	}
	whatIfs := []string{
		"Raising the solve time limit for this tier would let the remaining SKUs be planned.",
		"Splitting the goal into smaller SKU groups keeps each solve inside the limit.",
	}
	return &ops.Explanation{Summary: summary, Highlights: highlights, WhatIfs: whatIfs}
}

func planNarrative(in stage.ExplainInput) *ops.Explanation {
	sol := in.Solution
	summary := fmt.Sprintf(
		"The plan orders %.0f units across %d SKUs, spending %.2f for a service level of %.2f.",
		sol.KPIs["order_volume"], totalSKUs(in), sol.KPIs["spend"], sol.KPIs["service_level"])
	if sol.Status == ops.StatusFeasible {
		summary += " A cap bound the solve, so a cheaper or higher-service plan may exist outside it."
	}

	var highlights []string
	if b := binding(sol); b != "" {
		highlights = append(highlights, fmt.Sprintf("The %s constraint is binding; it shaped the plan more than any other input.", b))
	}
	if len(sol.ExplanationHints.CostDrivers) > 0 {
		highlights = append(highlights, fmt.Sprintf("Most of the spend goes to %s.",
			strings.Join(sol.ExplanationHints.CostDrivers, ", ")))
	}
	if hc := sol.KPIs["holding_cost"]; hc > 0 {
		highlights = append(highlights, fmt.Sprintf("Holding stock costs %.2f over the horizon.", hc))
	}
	if in.Policy != nil {
		for _, w := range in.Policy.Warnings {
			highlights = append(highlights, fmt.Sprintf("Policy warning: %s.", w))
		}
	}
	if len(highlights) == 0 {
		highlights = append(highlights, "No constraint binds; the plan simply covers forecast demand.")
	}

	whatIfs := planWhatIfs(in)
	return &ops.Explanation{Summary: summary, Highlights: highlights, WhatIfs: whatIfs}
}

func planWhatIfs(in stage.ExplainInput) []string {
	sol := in.Solution
	var out []string
	switch binding(sol) {
	case "max_budget":
		out = append(out, "Raising max_budget about 10% would lift the service level; the budget binds before demand is covered.")
	case "order_capacity":
		out = append(out, "Adding about 10% per-period capacity would remove the rationing seen in this plan.")
	}
	if in.Scenarios != nil {
		if p95 := worstP95(in.Scenarios); p95 > 0 {
			out = append(out, fmt.Sprintf(
				"Demand at the 95th percentile reaches %.0f per period; stocking to that level trades holding cost for resilience.", p95))
		}
	}
	if len(out) == 0 {
		out = append(out, "Tightening max_budget would trade service level for spend; the current plan has slack.")
	}
	return out
}

func binding(sol *ops.SolutionPack) string {
	if sol == nil || sol.ExplanationHints.Binding == nil {
		return ""
	}
	return *sol.ExplanationHints.Binding
}

func solvedSKUs(sol *ops.SolutionPack) int {
	seen := map[string]bool{}
	for key := range sol.Decisions["order"] {
		if i := strings.LastIndex(key, "/"); i > 0 {
			seen[key[:i]] = true
		}
	}
	return len(seen)
}

func totalSKUs(in stage.ExplainInput) int {
	if in.Scenarios != nil && len(in.Scenarios.SKUs) > 0 {
		return len(in.Scenarios.SKUs)
	}
	return len(in.Model.SKUs())
}

func worstP95(set *ops.ScenarioSet) float64 {
	worst := 0.0
	for _, st := range set.Stats {
		worst = math.Max(worst, st.P95)
	}
	return worst
}

// estimateTokens approximates what an LLM-backed explainer would bill.
func estimateTokens(e *ops.Explanation) float64 {
	n := len(e.Summary)
	for _, h := range e.Highlights {
		n += len(h)
	}
	for _, w := range e.WhatIfs {
		n += len(w)
	}
	return 100 + math.Ceil(float64(n)/4)
}
