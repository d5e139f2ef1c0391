// Package policy holds the reference PolicyGuard: an embedded Rego module
// evaluated in-process with OPA. The guard never returns a Go error for a
// deny; a deny is a successful evaluation whose snapshot says allow=false.
// Errors are reserved for the engine itself failing to evaluate.
package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/dyocense/kernel/internal/fingerprint"
	"github.com/dyocense/kernel/internal/kernel/ops"
	"github.com/dyocense/kernel/internal/kernel/run"
	"github.com/dyocense/kernel/internal/kernel/stage"
)

//go:embed guard.rego
var guardSource string

const decisionQuery = "data.dyocense.guard.decision"

// Guard evaluates the governance policy against a compiled model.
type Guard struct {
	prepared rego.PreparedEvalQuery
	version  string
}

var _ stage.PolicyGuard = (*Guard)(nil)

// New compiles the embedded policy module.
func New(ctx context.Context) (*Guard, error) {
	return NewFromSource(ctx, "guard.rego", guardSource)
}

// NewFromSource compiles a caller-supplied module, for deployments that
// mount their own policy. The policy version is derived from the module
// bytes so snapshots pin exactly what ran.
func NewFromSource(ctx context.Context, name, source string) (*Guard, error) {
	prepared, err := rego.New(
		rego.Query(decisionQuery),
		rego.Module(name, source),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: compile %s: %w", name, err)
	}
	return &Guard{
		prepared: prepared,
		version:  "rego:" + fingerprint.HashBytes([]byte(source))[:12],
	}, nil
}

// Version reports the pinned policy version.
func (g *Guard) Version() string { return g.version }

func (g *Guard) Evaluate(ctx context.Context, in stage.PolicyInput) (*ops.PolicySnapshot, stage.Usage, error) {
	var usage stage.Usage
	if in.Model == nil {
		return nil, usage, run.Errf(run.KindPolicyEvalError, "policy input has no model")
	}

	rs, err := g.prepared.Eval(ctx, rego.EvalInput(buildInput(in)))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, usage, ctxErr
		}
		return nil, usage, run.WrapErr(run.KindPolicyEvalError, "policy evaluation failed", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, usage, run.Errf(run.KindPolicyEvalError, "policy produced no decision")
	}

	decision, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, usage, run.Errf(run.KindPolicyEvalError,
			"policy decision has unexpected shape %T", rs[0].Expressions[0].Value)
	}

	snap := &ops.PolicySnapshot{
		Reasons:       stringSlice(decision["reasons"]),
		Warnings:      stringSlice(decision["warnings"]),
		PolicyVersion: g.version,
	}
	snap.Allow, _ = decision["allow"].(bool)
	if caps, ok := decision["caps"].(map[string]any); ok {
		if v, ok := asFloat(caps["max_budget"]); ok {
			snap.CapsApplied.MaxBudget = &v
		}
		if v, ok := asFloat(caps["scenario_cap"]); ok {
			n := int(v)
			snap.CapsApplied.ScenarioCap = &n
		}
	}
	if !snap.Allow && len(snap.Reasons) == 0 {
		// Keep deny verdicts explainable even if the module forgot a reason.
		snap.Reasons = []string{"policy_denied"}
	}
	return snap, usage, nil
}

// buildInput projects the model and tenant onto the document the policy
// sees. Only headline facts cross the boundary; raw data inputs never do.
func buildInput(in stage.PolicyInput) map[string]any {
	model := map[string]any{
		"problem_type":    string(in.Model.Metadata.ProblemType),
		"objective_sense": in.Model.Objective.Sense,
		"constraints":     constraintNames(in.Model),
	}
	if v, ok := paramFloat(in.Model, "max_budget"); ok {
		model["requested_budget"] = v
	}
	if b, ok := in.Model.Parameters["allow_backorders"].(bool); ok && b {
		model["allow_backorders"] = true
	}
	return map[string]any{
		"tenant": map[string]any{
			"tenant_id":           in.Tenant.TenantID,
			"tier":                in.Tenant.Tier,
			"max_budget_override": in.Tenant.MaxBudgetOverride,
		},
		"model": model,
	}
}

func constraintNames(m *ops.Model) []string {
	names := make([]string, 0, len(m.Constraints))
	for _, c := range m.Constraints {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

func paramFloat(m *ops.Model, key string) (float64, bool) {
	v, ok := m.Parameters[key]
	if !ok {
		return 0, false
	}
	return asFloat(v)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func stringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
