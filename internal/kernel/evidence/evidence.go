// Package evidence turns a terminal run into an append-only audit graph:
// typed nodes for every artifact, edges pointing from later artifacts back to
// the earlier ones they derive from, and content-addressed snapshots of the
// artifact payloads. Evidence is written once per run; replays append a new
// generation rather than rewriting history.
package evidence

import (
	"context"
	"time"
)

// NodeKind classifies graph nodes.
type NodeKind string

const (
	NodeGoal       NodeKind = "Goal"
	NodeConstraint NodeKind = "Constraint"
	NodeScenario   NodeKind = "Scenario"
	NodeSolverRun  NodeKind = "SolverRun"
	NodePlan       NodeKind = "Plan"
	NodeStep       NodeKind = "Step"
	NodeKPI        NodeKind = "KPI"
	NodePolicy     NodeKind = "Policy"
	NodeDiagnosis  NodeKind = "Diagnosis"
	NodeNarrative  NodeKind = "Narrative"
)

// EdgeType classifies graph edges. Edges always point from the later
// artifact to the earlier one, so the graph is acyclic by construction.
type EdgeType string

const (
	EdgeDerivedFrom EdgeType = "DERIVED_FROM"
	EdgeConstrains  EdgeType = "CONSTRAINS"
	EdgeOptimizes   EdgeType = "OPTIMIZES"
	EdgeMeasuredBy  EdgeType = "MEASURED_BY"
)

// Node is one graph vertex. IDs are unique within a run.
type Node struct {
	ID      string         `json:"id"`
	Kind    NodeKind       `json:"kind"`
	Label   string         `json:"label,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Edge connects From (later artifact) to To (earlier artifact).
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Type EdgeType `json:"type"`
}

// Snapshot is one content-addressed artifact payload. Ref is
// <tenant>/evidence/<run_id>/<sha256>.
type Snapshot struct {
	Ref    string `json:"ref"`
	SHA256 string `json:"sha256"`
	Media  string `json:"media"`
	Body   []byte `json:"body"`
}

// Batch is everything one run appends, written atomically per store.
type Batch struct {
	RunID     string     `json:"run_id"`
	TenantID  string     `json:"tenant_id"`
	WrittenAt time.Time  `json:"written_at"`
	Nodes     []Node     `json:"nodes"`
	Edges     []Edge     `json:"edges"`
	Snapshots []Snapshot `json:"snapshots"`
}

// Ref is the graph locator stored on the run document.
func (b Batch) Ref() string {
	return "evidence://" + b.TenantID + "/" + b.RunID
}

// Store persists evidence batches.
type Store interface {
	Append(ctx context.Context, b Batch) error
	Close() error
}
