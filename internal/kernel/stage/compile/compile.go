// Package compile holds the reference Compiler: a deterministic
// archetype-template compiler that builds an OPS model from goal text, the
// declared table profile, and bounded data inputs. Production deployments put
// an LLM-backed compiler behind the same interface; this one exists so the
// kernel runs end-to-end and the compile contract is executable in tests.
package compile

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/dyocense/kernel/internal/kernel/ops"
	"github.com/dyocense/kernel/internal/kernel/run"
	"github.com/dyocense/kernel/internal/kernel/stage"
)

// Constraint names the reference compiler emits. The reference optimiser and
// diagnostician key off these; an expression parser would replace the lookup.
const (
	ConstraintStockBalance = "stock_balance"
	ConstraintNoBackorders = "no_backorders"
	ConstraintCapacity     = "order_capacity"
	ConstraintMaxBudget    = "max_budget"
	ConstraintService      = "min_service_level"
)

// Override keys tenants may pass in constraints_overrides.
const (
	OverrideMaxBudget       = "max_budget"
	OverrideMinService      = "min_service_level"
	OverrideAllowBackorders = "allow_backorders"
)

// Compiler is the reference stage.Compiler.
type Compiler struct{}

var _ stage.Compiler = (*Compiler)(nil)

func New() *Compiler { return &Compiler{} }

// tokensPerByte approximates LLM usage for the compile step so budget
// accounting has realistic numbers to commit.
const tokensPerByte = 0.25

func (c *Compiler) Compile(ctx context.Context, in stage.CompileInput) (*ops.Model, stage.Usage, error) {
	usage := stage.Usage{LLMTokens: 200 + math.Ceil(float64(len(in.Goal))*tokensPerByte)}
	if err := ctx.Err(); err != nil {
		return nil, usage, err
	}

	goal := strings.TrimSpace(in.Goal)
	if goal == "" {
		return nil, usage, run.Errf(run.KindInvalidGoal, "goal text is empty")
	}

	overrides, err := parseOverrides(in.ConstraintsOverrides)
	if err != nil {
		return nil, usage, err
	}

	var notes []string
	skus, history, histNote := deriveDemand(in)
	if histNote != "" {
		notes = append(notes, histNote)
	}

	stock := numberMap(in.DataInputs, "stock", skus, 0)
	unitCost := numberMap(in.DataInputs, "unit_cost", skus, 1)
	holdingRate, ok := number(in.DataInputs, "holding_cost")
	if !ok {
		holdingRate = 0.25
		notes = append(notes, "holding_cost not provided; defaulted to 0.25 per unit per period")
	}
	capacity, hasCapacity := number(in.DataInputs, "capacity")

	problem := classifyProblem(goal, in.ArchetypeID)
	sense, objective := deriveObjective(goal, problem)

	params := map[string]any{
		"skus":           skus,
		"demand_history": history,
		"stock":          stock,
		"unit_cost":      unitCost,
		"holding_cost":   holdingRate,
		"horizon":        in.Horizon,
	}
	if hasCapacity {
		params["capacity"] = capacity
	}
	if overrides.maxBudget != nil {
		params["max_budget"] = *overrides.maxBudget
	}
	if overrides.minService != nil {
		params["min_service_level"] = *overrides.minService
	}
	if overrides.allowBackorders {
		params["allow_backorders"] = true
	}

	orderUB := 1e9
	if hasCapacity {
		orderUB = capacity
	}

	m := &ops.Model{
		Metadata: ops.Metadata{
			OPSVersion:  ops.OPSVersion,
			ProblemType: problem,
			TenantID:    in.Tenant.TenantID,
			Seed:        in.Seed,
		},
		Objective: ops.Objective{Sense: sense, Expression: objective},
		DecisionVariables: []ops.DecisionVariable{
			{Name: "order", Type: "continuous", LB: 0, UB: orderUB, IndexSets: []string{"sku", "period"}},
			{Name: "stock", Type: "continuous", LB: 0, UB: 1e12, IndexSets: []string{"sku", "period"}},
		},
		Parameters: params,
		Constraints: []ops.Constraint{
			{Name: ConstraintStockBalance, ForAll: "sku,period",
				Expression: "stock[s,t] == stock[s,t-1] + order[s,t] - demand[s,t]"},
		},
		KPIs: []ops.KPI{
			{Name: "total_cost", Expression: "sum(unit_cost[s] * order[s,t]) + holding_cost * sum(stock[s,t])"},
			{Name: "service_level", Expression: "served_demand / total_demand"},
			{Name: "order_volume", Expression: "sum(order[s,t])"},
		},
	}

	if !overrides.allowBackorders {
		m.Constraints = append(m.Constraints, ops.Constraint{
			Name: ConstraintNoBackorders, ForAll: "sku,period", Expression: "stock[s,t] >= 0",
		})
	} else {
		notes = append(notes, "backorders allowed by override; stock may go negative")
	}
	if hasCapacity {
		m.Constraints = append(m.Constraints, ops.Constraint{
			Name: ConstraintCapacity, ForAll: "period",
			Expression: fmt.Sprintf("sum_s(order[s,t]) <= %g", capacity),
		})
	}
	if overrides.maxBudget != nil {
		m.Constraints = append(m.Constraints, ops.Constraint{
			Name:       ConstraintMaxBudget,
			Expression: fmt.Sprintf("sum(unit_cost[s] * order[s,t]) <= %g", *overrides.maxBudget),
		})
	}
	if overrides.minService != nil {
		m.Constraints = append(m.Constraints, ops.Constraint{
			Name:       ConstraintService,
			Expression: fmt.Sprintf("service_level >= %g", *overrides.minService),
		})
	}

	m.ValidationNotes = notes
	if err := m.Validate(); err != nil {
		return nil, usage, run.WrapErr(run.KindSchemaViolation, "compiled model failed validation", err)
	}
	return m, usage, nil
}

type overrideSet struct {
	maxBudget       *float64
	minService      *float64
	allowBackorders bool
}

// parseOverrides validates constraints_overrides strictly: unknown keys and
// wrong types are schema violations, not silently ignored knobs.
func parseOverrides(raw map[string]any) (overrideSet, error) {
	var out overrideSet
	for key, v := range raw {
		switch key {
		case OverrideMaxBudget:
			f, ok := toNumber(v)
			if !ok || f <= 0 {
				return out, run.Errf(run.KindSchemaViolation,
					"constraints_overrides.%s must be a positive number", key)
			}
			out.maxBudget = &f
		case OverrideMinService:
			f, ok := toNumber(v)
			if !ok || f < 0 || f > 1 {
				return out, run.Errf(run.KindSchemaViolation,
					"constraints_overrides.%s must be a number in [0,1]", key)
			}
			out.minService = &f
		case OverrideAllowBackorders:
			b, ok := v.(bool)
			if !ok {
				return out, run.Errf(run.KindSchemaViolation,
					"constraints_overrides.%s must be a boolean", key)
			}
			out.allowBackorders = b
		default:
			return out, run.Errf(run.KindSchemaViolation,
				"unknown constraints_overrides key %q", key)
		}
	}
	return out, nil
}

// deriveDemand extracts the SKU list and demand history from data_inputs,
// falling back to a single synthetic SKU sized from the tables profile so a
// goal with no data still compiles to a runnable model.
func deriveDemand(in stage.CompileInput) ([]string, map[string][]float64, string) {
	history := historyMap(in.DataInputs)
	if len(history) > 0 {
		skus := make([]string, 0, len(history))
		for sku := range history {
			skus = append(skus, sku)
		}
		sort.Strings(skus)
		return skus, history, ""
	}

	rows := profileRows(in.TablesProfile)
	n := rows
	if n > 12 {
		n = 12
	}
	series := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		// Deterministic synthetic history: mild trend plus weekly shape.
		series = append(series, 100+5*float64(i%7)+2*float64(i))
	}
	return []string{"default"},
		map[string][]float64{"default": series},
		fmt.Sprintf("no demand_history provided; synthesized %d periods from tables profile", n)
}

// profileRows sums declared row counts across the profile's tables.
func profileRows(profile map[string]any) int {
	tables, ok := profile["tables"].([]any)
	if !ok {
		return 0
	}
	total := 0
	for _, t := range tables {
		m, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if rows, ok := toNumber(m["rows"]); ok && rows > 0 {
			total += int(rows)
		}
	}
	return total
}

func historyMap(inputs map[string]any) map[string][]float64 {
	raw, ok := inputs["demand_history"]
	if !ok {
		return nil
	}
	switch t := raw.(type) {
	case map[string][]float64:
		return t
	case map[string]any:
		out := make(map[string][]float64, len(t))
		for sku, vs := range t {
			list, ok := vs.([]any)
			if !ok {
				continue
			}
			series := make([]float64, 0, len(list))
			for _, v := range list {
				if f, ok := toNumber(v); ok {
					series = append(series, f)
				}
			}
			out[sku] = series
		}
		return out
	default:
		return nil
	}
}

// numberMap reads a per-SKU number map, accepting a scalar as "same value for
// every SKU" and filling def for missing SKUs.
func numberMap(inputs map[string]any, key string, skus []string, def float64) map[string]float64 {
	out := make(map[string]float64, len(skus))
	for _, sku := range skus {
		out[sku] = def
	}
	raw, ok := inputs[key]
	if !ok {
		return out
	}
	if f, ok := toNumber(raw); ok {
		for _, sku := range skus {
			out[sku] = f
		}
		return out
	}
	if m, ok := raw.(map[string]any); ok {
		for sku, v := range m {
			if f, ok := toNumber(v); ok {
				out[sku] = f
			}
		}
	}
	return out
}

func number(inputs map[string]any, key string) (float64, bool) {
	raw, ok := inputs[key]
	if !ok {
		return 0, false
	}
	return toNumber(raw)
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func classifyProblem(goal, archetype string) ops.ProblemType {
	switch strings.ToLower(strings.TrimSpace(archetype)) {
	case "inventory", "inventory_replenishment":
		return ops.ProblemInventory
	case "staffing", "workforce_scheduling":
		return ops.ProblemStaffing
	case "pricing", "price_optimisation":
		return ops.ProblemPricing
	case "generic", "generic_allocation":
		return ops.ProblemGeneric
	}
	lower := strings.ToLower(goal)
	switch {
	case containsAny(lower, "staff", "shift", "workforce", "roster"):
		return ops.ProblemStaffing
	case containsAny(lower, "price", "pricing", "margin"):
		return ops.ProblemPricing
	case containsAny(lower, "stock", "inventory", "holding", "replenish", "reorder"):
		return ops.ProblemInventory
	default:
		return ops.ProblemGeneric
	}
}

func deriveObjective(goal string, problem ops.ProblemType) (sense, expression string) {
	lower := strings.ToLower(goal)
	if containsAny(lower, "maximize", "maximise", "increase", "grow") {
		if problem == ops.ProblemPricing {
			return "max", "sum(price[s] * served_demand[s])"
		}
		return "max", "service_level"
	}
	return "min", "sum(unit_cost[s] * order[s,t]) + holding_cost * sum(stock[s,t])"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
