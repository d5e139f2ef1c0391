package ops

import (
	"encoding/json"
	"testing"
)

func validModel() *Model {
	return &Model{
		Metadata: Metadata{
			OPSVersion:  OPSVersion,
			ProblemType: ProblemInventory,
			TenantID:    "t1",
			Seed:        "aabbccdd00112233",
		},
		Objective: Objective{Sense: "min", Expression: "holding_cost + ordering_cost"},
		DecisionVariables: []DecisionVariable{
			{Name: "order", Type: "continuous", LB: 0, UB: 1e6, IndexSets: []string{"periods"}},
		},
		Constraints: []Constraint{
			{Name: "meet_demand", ForAll: "periods", Expression: "stock[t] >= demand[t]"},
		},
	}
}

func TestModelValidate(t *testing.T) {
	if err := validModel().Validate(); err != nil {
		t.Fatalf("valid model rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Model)
	}{
		{"bad sense", func(m *Model) { m.Objective.Sense = "best" }},
		{"empty objective", func(m *Model) { m.Objective.Expression = " " }},
		{"no variables", func(m *Model) { m.DecisionVariables = nil }},
		{"dup variable", func(m *Model) {
			m.DecisionVariables = append(m.DecisionVariables, m.DecisionVariables[0])
		}},
		{"bad var type", func(m *Model) { m.DecisionVariables[0].Type = "float" }},
		{"inverted bounds", func(m *Model) { m.DecisionVariables[0].LB = 10; m.DecisionVariables[0].UB = 1 }},
		{"dup constraint", func(m *Model) {
			m.Constraints = append(m.Constraints, m.Constraints[0])
		}},
		{"empty constraint expr", func(m *Model) { m.Constraints[0].Expression = "" }},
		{"missing tenant", func(m *Model) { m.Metadata.TenantID = "" }},
	}
	for _, c := range cases {
		m := validModel()
		c.mutate(m)
		if err := m.Validate(); err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
}

func TestSeriesSurvivesJSONRoundTrip(t *testing.T) {
	m := validModel()
	m.Parameters = map[string]any{
		"skus":           []string{"a", "b"},
		"demand_history": map[string][]float64{"a": {1, 2, 3}, "b": {4, 5}},
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Model
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	series := back.Series()
	if len(series["a"]) != 3 || series["a"][2] != 3 {
		t.Fatalf("series lost in round trip: %+v", series)
	}
	skus := back.SKUs()
	if len(skus) != 2 {
		t.Fatalf("skus lost: %v", skus)
	}
}
