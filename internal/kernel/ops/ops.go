// Package ops holds the inter-stage artifact shapes: the OPS intermediate
// representation produced by Compile, the scenario sets from Forecast, the
// policy snapshot, the solution pack, and the diagnosis/explanation payloads.
// These shapes are the stage contracts; adapters on both sides of an
// interface agree on nothing else.
package ops

import (
	"fmt"
	"strings"
)

// OPSVersion is the IR version this kernel emits and accepts.
const OPSVersion = "1.0"

// ProblemType classifies the optimisation archetype.
type ProblemType string

const (
	ProblemInventory ProblemType = "inventory_replenishment"
	ProblemStaffing  ProblemType = "workforce_scheduling"
	ProblemPricing   ProblemType = "price_optimisation"
	ProblemGeneric   ProblemType = "generic_allocation"
)

// Metadata identifies a model instance. Seed is the run seed so a model is
// reproducible from its own bytes.
type Metadata struct {
	OPSVersion  string      `json:"ops_version"`
	ProblemType ProblemType `json:"problem_type"`
	TenantID    string      `json:"tenant_id"`
	ProjectID   string      `json:"project_id,omitempty"`
	Seed        string      `json:"seed"`
}

type Objective struct {
	Sense      string `json:"sense"` // "min" or "max"
	Expression string `json:"expression"`
}

type DecisionVariable struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"` // continuous, integer, binary
	LB        float64  `json:"lb"`
	UB        float64  `json:"ub"`
	IndexSets []string `json:"index_sets,omitempty"`
}

type Constraint struct {
	Name       string `json:"name"`
	ForAll     string `json:"for_all,omitempty"`
	Expression string `json:"expression"`
}

type KPI struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// Model is the canonical IR handed from Compile to every later stage.
type Model struct {
	Metadata          Metadata           `json:"metadata"`
	Objective         Objective          `json:"objective"`
	DecisionVariables []DecisionVariable `json:"decision_variables"`
	Parameters        map[string]any     `json:"parameters,omitempty"`
	Constraints       []Constraint       `json:"constraints"`
	KPIs              []KPI              `json:"kpis,omitempty"`
	ValidationNotes   []string           `json:"validation_notes,omitempty"`
}

// Validate enforces the structural rules every stage may assume.
func (m *Model) Validate() error {
	if m.Metadata.OPSVersion == "" {
		return fmt.Errorf("ops: metadata.ops_version required")
	}
	if m.Metadata.TenantID == "" {
		return fmt.Errorf("ops: metadata.tenant_id required")
	}
	switch m.Objective.Sense {
	case "min", "max":
	default:
		return fmt.Errorf("ops: objective.sense must be min or max, got %q", m.Objective.Sense)
	}
	if strings.TrimSpace(m.Objective.Expression) == "" {
		return fmt.Errorf("ops: objective.expression required")
	}
	if len(m.DecisionVariables) == 0 {
		return fmt.Errorf("ops: at least one decision variable required")
	}
	seen := make(map[string]bool, len(m.DecisionVariables))
	for i, v := range m.DecisionVariables {
		if strings.TrimSpace(v.Name) == "" {
			return fmt.Errorf("ops: decision_variables[%d]: name required", i)
		}
		if seen[v.Name] {
			return fmt.Errorf("ops: duplicate decision variable %q", v.Name)
		}
		seen[v.Name] = true
		switch v.Type {
		case "continuous", "integer", "binary":
		default:
			return fmt.Errorf("ops: variable %q: invalid type %q", v.Name, v.Type)
		}
		if v.LB > v.UB {
			return fmt.Errorf("ops: variable %q: lb %g > ub %g", v.Name, v.LB, v.UB)
		}
	}
	names := make(map[string]bool, len(m.Constraints))
	for i, c := range m.Constraints {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("ops: constraints[%d]: name required", i)
		}
		if names[c.Name] {
			return fmt.Errorf("ops: duplicate constraint %q", c.Name)
		}
		names[c.Name] = true
		if strings.TrimSpace(c.Expression) == "" {
			return fmt.Errorf("ops: constraint %q: expression required", c.Name)
		}
	}
	return nil
}

// Series returns the demand parameter series if the compiler attached one.
func (m *Model) Series() map[string][]float64 {
	raw, ok := m.Parameters["demand_history"].(map[string][]float64)
	if ok {
		return raw
	}
	// After a JSON round-trip the map loses its concrete type.
	anyMap, ok := m.Parameters["demand_history"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string][]float64, len(anyMap))
	for sku, vs := range anyMap {
		list, ok := vs.([]any)
		if !ok {
			continue
		}
		series := make([]float64, 0, len(list))
		for _, v := range list {
			if f, ok := toFloat(v); ok {
				series = append(series, f)
			}
		}
		out[sku] = series
	}
	return out
}

// SKUs returns the sku parameter list, if present.
func (m *Model) SKUs() []string {
	switch v := m.Parameters["skus"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toFloat(v any) (float64, bool) {
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
