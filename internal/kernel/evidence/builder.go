package evidence

import (
	"fmt"
	"sort"
	"time"

	"github.com/dyocense/kernel/internal/canonjson"
	"github.com/dyocense/kernel/internal/fingerprint"
	"github.com/dyocense/kernel/internal/kernel/ops"
	"github.com/dyocense/kernel/internal/kernel/run"
)

// Artifacts carries the typed stage outputs present when the run went
// terminal. Any field may be nil; the builder graphs only what exists, so a
// denied run yields a goal, a policy verdict, and a narrative while a full
// solve yields the whole chain.
type Artifacts struct {
	Model       *ops.Model
	Scenarios   *ops.ScenarioSet
	Policy      *ops.PolicySnapshot
	Solution    *ops.SolutionPack
	Diagnosis   *ops.Diagnosis
	Explanation *ops.Explanation
}

const (
	nodeIDGoal      = "goal"
	nodeIDSolverRun = "solver_run"
	nodeIDPlan      = "plan"
	nodeIDPolicy    = "policy"
	nodeIDDiagnosis = "diagnosis"
	nodeIDNarrative = "narrative"
)

// Build assembles the evidence batch for a terminal run.
func Build(r *run.Run, a Artifacts, now time.Time) (Batch, error) {
	b := Batch{
		RunID:     r.RunID,
		TenantID:  r.TenantID,
		WrittenAt: now.UTC(),
	}

	b.Nodes = append(b.Nodes, Node{
		ID:    nodeIDGoal,
		Kind:  NodeGoal,
		Label: r.Goal,
		Payload: map[string]any{
			"state":         string(r.State),
			"horizon":       r.Inputs.Horizon,
			"num_scenarios": r.Inputs.NumScenarios,
			"seed":          r.Seed,
		},
	})

	if a.Model != nil {
		sha, err := addSnapshot(&b, "ops", a.Model)
		if err != nil {
			return Batch{}, err
		}
		for _, c := range a.Model.Constraints {
			id := "constraint/" + c.Name
			b.Nodes = append(b.Nodes, Node{
				ID:    id,
				Kind:  NodeConstraint,
				Label: c.Name,
				Payload: map[string]any{
					"expression":     c.Expression,
					"for_all":        c.ForAll,
					"model_snapshot": sha,
				},
			})
			b.Edges = append(b.Edges, Edge{From: id, To: nodeIDGoal, Type: EdgeDerivedFrom})
		}
	}

	if a.Scenarios != nil {
		if _, err := addSnapshot(&b, "scenarios", a.Scenarios); err != nil {
			return Batch{}, err
		}
		for _, s := range a.Scenarios.Scenarios {
			id := fmt.Sprintf("scenario/%d", s.ID)
			total := s.TotalDemand()
			b.Nodes = append(b.Nodes, Node{
				ID:   id,
				Kind: NodeScenario,
				Payload: map[string]any{
					"lead_time_days": s.LeadTimeDays,
					"total_demand":   total,
				},
			})
			b.Edges = append(b.Edges, Edge{From: id, To: nodeIDGoal, Type: EdgeDerivedFrom})
		}
	}

	if a.Policy != nil {
		sha, err := addSnapshot(&b, "policy", a.Policy)
		if err != nil {
			return Batch{}, err
		}
		b.Nodes = append(b.Nodes, Node{
			ID:   nodeIDPolicy,
			Kind: NodePolicy,
			Payload: map[string]any{
				"allow":          a.Policy.Allow,
				"policy_version": a.Policy.PolicyVersion,
				"reasons":        a.Policy.Reasons,
				"warnings":       a.Policy.Warnings,
				"snapshot":       sha,
			},
		})
		b.Edges = append(b.Edges, Edge{From: nodeIDPolicy, To: nodeIDGoal, Type: EdgeConstrains})
	}

	if a.Solution != nil {
		if err := addSolution(&b, a); err != nil {
			return Batch{}, err
		}
	}

	if a.Diagnosis != nil {
		sha, err := addSnapshot(&b, "diagnosis", a.Diagnosis)
		if err != nil {
			return Batch{}, err
		}
		b.Nodes = append(b.Nodes, Node{
			ID:   nodeIDDiagnosis,
			Kind: NodeDiagnosis,
			Payload: map[string]any{
				"suggestions": len(a.Diagnosis.Suggestions),
				"snapshot":    sha,
			},
		})
		to := nodeIDGoal
		if a.Solution != nil {
			to = nodeIDSolverRun
		}
		b.Edges = append(b.Edges, Edge{From: nodeIDDiagnosis, To: to, Type: EdgeDerivedFrom})
	}

	if a.Explanation != nil {
		sha, err := addSnapshot(&b, "explanation", a.Explanation)
		if err != nil {
			return Batch{}, err
		}
		b.Nodes = append(b.Nodes, Node{
			ID:    nodeIDNarrative,
			Kind:  NodeNarrative,
			Label: a.Explanation.Summary,
			Payload: map[string]any{
				"snapshot": sha,
			},
		})
		b.Edges = append(b.Edges, Edge{From: nodeIDNarrative, To: nodeIDGoal, Type: EdgeDerivedFrom})
		if a.Diagnosis != nil {
			b.Edges = append(b.Edges, Edge{From: nodeIDNarrative, To: nodeIDDiagnosis, Type: EdgeDerivedFrom})
		}
	}

	return b, nil
}

func addSolution(b *Batch, a Artifacts) error {
	sol := a.Solution
	sha, err := addSnapshot(b, "solution", sol)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"status":   string(sol.Status),
		"gap":      sol.Diagnostics.Gap,
		"solver":   sol.Diagnostics.Solver,
		"snapshot": sha,
	}
	if sol.ObjectiveValue != nil {
		payload["objective_value"] = *sol.ObjectiveValue
	}
	b.Nodes = append(b.Nodes, Node{ID: nodeIDSolverRun, Kind: NodeSolverRun, Payload: payload})

	if a.Scenarios != nil {
		for _, s := range a.Scenarios.Scenarios {
			b.Edges = append(b.Edges, Edge{
				From: nodeIDSolverRun,
				To:   fmt.Sprintf("scenario/%d", s.ID),
				Type: EdgeDerivedFrom,
			})
		}
	}
	if a.Model != nil {
		for _, c := range a.Model.Constraints {
			b.Edges = append(b.Edges, Edge{
				From: nodeIDSolverRun,
				To:   "constraint/" + c.Name,
				Type: EdgeDerivedFrom,
			})
		}
	}

	// A plan exists only when the solver produced decisions.
	if len(sol.Decisions) == 0 {
		return nil
	}
	planPayload := map[string]any{"status": string(sol.Status)}
	if sol.ObjectiveValue != nil {
		planPayload["objective_value"] = *sol.ObjectiveValue
	}
	b.Nodes = append(b.Nodes, Node{ID: nodeIDPlan, Kind: NodePlan, Payload: planPayload})
	b.Edges = append(b.Edges,
		Edge{From: nodeIDPlan, To: nodeIDSolverRun, Type: EdgeDerivedFrom},
		Edge{From: nodeIDPlan, To: nodeIDGoal, Type: EdgeOptimizes},
	)

	for _, variable := range sortedKeys(sol.Decisions) {
		byIndex := sol.Decisions[variable]
		for _, index := range sortedKeys(byIndex) {
			id := fmt.Sprintf("step/%s/%s", variable, index)
			b.Nodes = append(b.Nodes, Node{
				ID:   id,
				Kind: NodeStep,
				Payload: map[string]any{
					"variable": variable,
					"index":    index,
					"value":    byIndex[index],
				},
			})
			b.Edges = append(b.Edges, Edge{From: id, To: nodeIDPlan, Type: EdgeDerivedFrom})
		}
	}

	for _, name := range sortedKeys(sol.KPIs) {
		id := "kpi/" + name
		b.Nodes = append(b.Nodes, Node{
			ID:      id,
			Kind:    NodeKPI,
			Label:   name,
			Payload: map[string]any{"value": sol.KPIs[name]},
		})
		b.Edges = append(b.Edges,
			Edge{From: id, To: nodeIDSolverRun, Type: EdgeMeasuredBy},
			Edge{From: id, To: nodeIDPlan, Type: EdgeDerivedFrom},
		)
	}
	return nil
}

// addSnapshot canonicalizes v, content-addresses it, and appends it to the
// batch. Returns the sha256 so nodes can point at their payloads.
func addSnapshot(b *Batch, label string, v any) (string, error) {
	body, err := canonjson.Canonicalize(v)
	if err != nil {
		return "", fmt.Errorf("snapshot %s: %w", label, err)
	}
	sha := fingerprint.HashBytes(body)
	b.Snapshots = append(b.Snapshots, Snapshot{
		Ref:    fmt.Sprintf("%s/evidence/%s/%s", b.TenantID, b.RunID, sha),
		SHA256: sha,
		Media:  "application/json",
		Body:   body,
	})
	return sha, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
