package ops

// Scenario is one sampled future: a demand series per SKU (index 0 is the
// first period) plus the drawn lead time.
type Scenario struct {
	ID           int                  `json:"id"`
	Demand       map[string][]float64 `json:"demand"`
	LeadTimeDays float64              `json:"lead_time_days"`
}

// TotalDemand sums the scenario's demand across SKUs and periods.
func (s Scenario) TotalDemand() float64 {
	total := 0.0
	for _, series := range s.Demand {
		for _, d := range series {
			total += d
		}
	}
	return total
}

// SKUStats summarizes per-SKU demand across scenarios.
type SKUStats struct {
	Mean  float64 `json:"mean"`
	Sigma float64 `json:"sigma"`
	P95   float64 `json:"p95"`
}

// ScenarioSet is the Forecast stage output.
type ScenarioSet struct {
	Horizon      int                 `json:"horizon"`
	NumScenarios int                 `json:"num_scenarios"`
	SKUs         []string            `json:"skus"`
	Scenarios    []Scenario          `json:"scenarios"`
	Stats        map[string]SKUStats `json:"stats"`
}

// SolutionStatus is the solver verdict.
type SolutionStatus string

const (
	StatusOptimal    SolutionStatus = "optimal"
	StatusFeasible   SolutionStatus = "feasible"
	StatusInfeasible SolutionStatus = "infeasible"
	StatusUnbounded  SolutionStatus = "unbounded"
	StatusPartial    SolutionStatus = "partial"
)

// SolverDiagnostics carries measured solve facts. runtime_ms is volatile for
// fingerprinting.
type SolverDiagnostics struct {
	Gap       float64 `json:"gap"`
	RuntimeMS int64   `json:"runtime_ms"`
	Solver    string  `json:"solver"`
}

// ExplanationHints points the explainer at the interesting parts.
type ExplanationHints struct {
	Binding     *string  `json:"binding"`
	CostDrivers []string `json:"cost_drivers"`
}

// SolutionPack is the Optimise stage output. Decisions are variable ->
// index -> value.
type SolutionPack struct {
	Status           SolutionStatus                `json:"status"`
	ObjectiveValue   *float64                      `json:"objective_value"`
	Decisions        map[string]map[string]float64 `json:"decisions"`
	KPIs             map[string]float64            `json:"kpis"`
	Diagnostics      SolverDiagnostics             `json:"diagnostics"`
	ExplanationHints ExplanationHints              `json:"explanation_hints"`
}

// CapsApplied records caps the policy clamped onto the run.
type CapsApplied struct {
	MaxBudget   *float64 `json:"max_budget,omitempty"`
	ScenarioCap *int     `json:"scenario_cap,omitempty"`
}

// PolicySnapshot is the Policy stage verdict, persisted with the run.
type PolicySnapshot struct {
	Allow         bool        `json:"allow"`
	Reasons       []string    `json:"reasons"`
	Warnings      []string    `json:"warnings"`
	CapsApplied   CapsApplied `json:"caps_applied"`
	PolicyVersion string      `json:"policy_version"`
}

// Suggestion is one relaxation the diagnostician proposes for an infeasible
// model.
type Suggestion struct {
	Constraint string   `json:"constraint"`
	Action     string   `json:"action"`
	Detail     string   `json:"detail"`
	RelaxTo    *float64 `json:"relax_to,omitempty"`
}

// Diagnosis is the Diagnose stage output. Advisory only: the pipeline never
// re-solves automatically.
type Diagnosis struct {
	Suggestions []Suggestion `json:"suggestions"`
}

// Explanation is the Explain stage output.
type Explanation struct {
	Summary    string   `json:"summary"`
	Highlights []string `json:"highlights"`
	WhatIfs    []string `json:"what_ifs"`
}
