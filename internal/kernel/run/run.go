// Package run defines the run document: the lifecycle states, the error
// taxonomy, and the record shapes the registry persists. Everything here is
// plain data; mutation rules live with the registry and engine.
package run

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dyocense/kernel/internal/tenant"
)

// Fingerprint map keys on the run document.
const (
	FingerprintModel   = "model_fingerprint"
	FingerprintPlanDNA = "plan_dna"
)

// NewID returns a fresh run id. ULIDs sort by creation time, which also makes
// the scheduler's lexicographic tie-break follow admission order.
func NewID() string {
	return ulid.Make().String()
}

// PriorityHint is advisory only; the WFQ weight still comes from the tier.
type PriorityHint string

const (
	PriorityNormal PriorityHint = "normal"
	PriorityLow    PriorityHint = "low"
)

// SubmitRequest is the tenant-facing submission payload.
type SubmitRequest struct {
	TenantID             string         `json:"tenant_id"`
	IdempotencyKey       string         `json:"idempotency_key"`
	Goal                 string         `json:"goal"`
	TablesProfile        map[string]any `json:"tables_profile,omitempty"`
	DataInputs           map[string]any `json:"data_inputs,omitempty"`
	Horizon              int            `json:"horizon"`
	NumScenarios         int            `json:"num_scenarios"`
	ArchetypeID          string         `json:"archetype_id,omitempty"`
	ConstraintsOverrides map[string]any `json:"constraints_overrides,omitempty"`
	PriorityHint         PriorityHint   `json:"priority_hint,omitempty"`
}

// Inputs is the subset of the request the pipeline consumes, frozen on the
// run document at admission.
type Inputs struct {
	TablesProfile        map[string]any `json:"tables_profile,omitempty"`
	DataInputs           map[string]any `json:"data_inputs,omitempty"`
	Horizon              int            `json:"horizon"`
	NumScenarios         int            `json:"num_scenarios"`
	ArchetypeID          string         `json:"archetype_id,omitempty"`
	ConstraintsOverrides map[string]any `json:"constraints_overrides,omitempty"`
	PriorityHint         PriorityHint   `json:"priority_hint,omitempty"`
}

// StageRecord is the authoritative record of one stage. Retries bump
// Attempts in place; the record reflects the last attempt.
type StageRecord struct {
	Name        Stage      `json:"name"`
	State       StageState `json:"state"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	InputRef    string     `json:"input_ref,omitempty"`
	OutputRef   string     `json:"output_ref,omitempty"`
	ErrorKind   ErrorKind  `json:"error_kind,omitempty"`
	ErrorMsg    string     `json:"error_msg,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
}

// Result collects the artifacts a terminal run exposes through the API.
// Large payloads are capped by admission validation, so inlining them on the
// document is safe.
type Result struct {
	OPSRef         string         `json:"ops_ref,omitempty"`
	OPS            map[string]any `json:"ops,omitempty"`
	ScenariosRef   string         `json:"scenarios_ref,omitempty"`
	PolicySnapshot map[string]any `json:"policy_snapshot,omitempty"`
	Solution       map[string]any `json:"solution,omitempty"`
	Diagnostics    map[string]any `json:"diagnostics,omitempty"`
	Explanation    map[string]any `json:"explanation,omitempty"`
	EvidenceRef    string         `json:"evidence_ref,omitempty"`
}

// Run is the registry document for one submission.
type Run struct {
	RunID             string            `json:"run_id"`
	TenantID          string            `json:"tenant_id"`
	TierSnapshot      tenant.Tier       `json:"tier_snapshot"`
	Goal              string            `json:"goal"`
	Inputs            Inputs            `json:"inputs"`
	IdempotencyKey    string            `json:"idempotency_key"`
	Seed              string            `json:"seed"`
	CreatedAt         time.Time         `json:"created_at"`
	State             State             `json:"state"`
	Stages            []StageRecord     `json:"stages"`
	Fingerprints      map[string]string `json:"fingerprints,omitempty"`
	BudgetReservation string            `json:"budget_reservation,omitempty"`
	Result            Result            `json:"result"`
	TerminalAt        *time.Time        `json:"terminal_at,omitempty"`
	CancelRequestedAt *time.Time        `json:"cancel_requested_at,omitempty"`

	// Version guards optimistic updates in durable registries.
	Version int64 `json:"-"`
}

// NewRun builds an admitted run with every pipeline stage pending.
func NewRun(id string, identity tenant.Identity, req SubmitRequest, seed, reservationID string, now time.Time) *Run {
	stages := make([]StageRecord, 0, len(Pipeline))
	for _, s := range Pipeline {
		stages = append(stages, StageRecord{Name: s, State: StagePending})
	}
	return &Run{
		RunID:        id,
		TenantID:     identity.TenantID,
		TierSnapshot: identity.Tier,
		Goal:         req.Goal,
		Inputs: Inputs{
			TablesProfile:        req.TablesProfile,
			DataInputs:           req.DataInputs,
			Horizon:              req.Horizon,
			NumScenarios:         req.NumScenarios,
			ArchetypeID:          req.ArchetypeID,
			ConstraintsOverrides: req.ConstraintsOverrides,
			PriorityHint:         req.PriorityHint,
		},
		IdempotencyKey:    req.IdempotencyKey,
		Seed:              seed,
		CreatedAt:         now.UTC(),
		State:             StateAdmitted,
		Stages:            stages,
		Fingerprints:      map[string]string{},
		BudgetReservation: reservationID,
	}
}

// Stage returns the record for the named stage, or nil.
func (r *Run) Stage(name Stage) *StageRecord {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// CancelRequested reports whether a cancel marker is set.
func (r *Run) CancelRequested() bool { return r.CancelRequestedAt != nil }

// Clone deep-copies the document so registry callers can't alias stored
// state.
func (r *Run) Clone() *Run {
	out := *r
	out.Stages = append([]StageRecord(nil), r.Stages...)
	out.Fingerprints = copyStringMap(r.Fingerprints)
	out.Inputs.TablesProfile = copyAnyMap(r.Inputs.TablesProfile)
	out.Inputs.DataInputs = copyAnyMap(r.Inputs.DataInputs)
	out.Inputs.ConstraintsOverrides = copyAnyMap(r.Inputs.ConstraintsOverrides)
	out.Result.OPS = copyAnyMap(r.Result.OPS)
	out.Result.PolicySnapshot = copyAnyMap(r.Result.PolicySnapshot)
	out.Result.Solution = copyAnyMap(r.Result.Solution)
	out.Result.Diagnostics = copyAnyMap(r.Result.Diagnostics)
	out.Result.Explanation = copyAnyMap(r.Result.Explanation)
	if r.TerminalAt != nil {
		t := *r.TerminalAt
		out.TerminalAt = &t
	}
	if r.CancelRequestedAt != nil {
		t := *r.CancelRequestedAt
		out.CancelRequestedAt = &t
	}
	return &out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// copyAnyMap is a shallow copy; nested values are treated as immutable once
// stored.
func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
