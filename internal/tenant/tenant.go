// Package tenant resolves who is calling and what their service class
// allows. Tiers carry the WFQ weight, concurrency and size caps, per-stage
// timeouts, and the monthly budget vector. The kernel only ever reads
// identities through the Resolver interface; account provisioning lives
// elsewhere.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyocense/kernel/internal/kernel/budget"
)

// TierName is the service class.
type TierName string

const (
	TierFree       TierName = "free"
	TierStandard   TierName = "standard"
	TierPro        TierName = "pro"
	TierEnterprise TierName = "enterprise"
)

// PartialBilling selects how succeeded_partial runs are charged.
const (
	PartialBillingFull     = "full"
	PartialBillingProrated = "prorated"
)

// Duration wraps time.Duration with "30s"-style YAML/JSON encoding.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("duration must be a JSON string like \"30s\"")
	}
	dur, err := time.ParseDuration(string(b[1 : len(b)-1]))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// Caps bounds what a tier may consume. Zero byte bounds mean "tier default";
// validation fills them before use.
type Caps struct {
	MaxParallelRuns       int                 `json:"max_parallel_runs" yaml:"max_parallel_runs" validate:"gte=1"`
	MaxQueueDepth         int                 `json:"max_queue_depth" yaml:"max_queue_depth" validate:"gte=1"`
	MaxScenarios          int                 `json:"max_scenarios" yaml:"max_scenarios" validate:"gte=1"`
	MaxHorizon            int                 `json:"max_horizon" yaml:"max_horizon" validate:"gte=1"`
	MaxTablesProfileBytes int                 `json:"max_tables_profile_bytes" yaml:"max_tables_profile_bytes" validate:"gte=0"`
	MaxDataInputsBytes    int                 `json:"max_data_inputs_bytes" yaml:"max_data_inputs_bytes" validate:"gte=0"`
	MIPGapFloor           float64             `json:"mip_gap_floor" yaml:"mip_gap_floor" validate:"gte=0,lte=1"`
	MaxBudgetOverride     float64             `json:"max_budget_override" yaml:"max_budget_override" validate:"gte=0"`
	PartialBilling        string              `json:"partial_billing" yaml:"partial_billing" validate:"oneof=full prorated"`
	StageTimeouts         map[string]Duration `json:"stage_timeouts" yaml:"stage_timeouts"`
	Budget                budget.CostVector   `json:"budget" yaml:"budget"`
}

// StageTimeout returns the wall-clock cap for a stage, falling back to a
// conservative default for stages the tier file does not mention.
func (c Caps) StageTimeout(stage string) time.Duration {
	if d, ok := c.StageTimeouts[stage]; ok && d > 0 {
		return d.D()
	}
	return 30 * time.Second
}

// PipelineTimeout is the global cap: 1.25 x the sum of stage caps plus
// scheduling slack.
func (c Caps) PipelineTimeout(stages []string) time.Duration {
	var sum time.Duration
	for _, s := range stages {
		sum += c.StageTimeout(s)
	}
	return time.Duration(float64(sum)*1.25) + 2*time.Second
}

// Tier is a named service class with its WFQ weight and caps.
type Tier struct {
	Name   TierName `json:"name" yaml:"name"`
	Weight float64  `json:"weight" yaml:"weight" validate:"gt=0"`
	Caps   Caps     `json:"caps" yaml:"caps"`
}

// Identity is the resolver's answer: who the caller is and what their tier
// allows right now.
type Identity struct {
	TenantID string `json:"tenant_id"`
	Tier     Tier   `json:"tier"`
}

// Resolver sentinel errors. The admission controller maps these onto the
// error taxonomy (auth_failed, tenant_unknown).
var (
	ErrUnknownToken  = errors.New("unknown token")
	ErrUnknownTenant = errors.New("unknown tenant")
)

// Resolver is the identity collaborator the kernel consumes. Implementations
// must be safe for concurrent use.
type Resolver interface {
	ResolveToken(ctx context.Context, token string) (Identity, error)
	ResolveTenant(ctx context.Context, tenantID string) (Identity, error)
}

// DefaultTiers returns the built-in service classes. A tier file may override
// any of them or add new names.
func DefaultTiers() map[TierName]Tier {
	base := func(name TierName, weight float64, parallel, queue, scenarios, horizon int,
		gap float64, overrideCap float64, optimise, other Duration, b budget.CostVector) Tier {
		return Tier{
			Name:   name,
			Weight: weight,
			Caps: Caps{
				MaxParallelRuns:       parallel,
				MaxQueueDepth:         queue,
				MaxScenarios:          scenarios,
				MaxHorizon:            horizon,
				MaxTablesProfileBytes: 64 * 1024,
				MaxDataInputsBytes:    256 * 1024,
				MIPGapFloor:           gap,
				MaxBudgetOverride:     overrideCap,
				PartialBilling:        PartialBillingFull,
				StageTimeouts: map[string]Duration{
					"compile":  other,
					"forecast": other,
					"policy":   Duration(5 * time.Second),
					"optimise": optimise,
					"diagnose": other,
					"explain":  other,
					"evidence": other,
				},
				Budget: b,
			},
		}
	}
	return map[TierName]Tier{
		TierFree: base(TierFree, 1, 1, 16, 20, 8, 0.05, 1e5,
			Duration(30*time.Second), Duration(10*time.Second),
			budget.CostVector{SolverSec: 600, LLMTokens: 200_000, GPUSec: 0}),
		TierStandard: base(TierStandard, 2, 2, 32, 100, 26, 0.02, 1e6,
			Duration(2*time.Minute), Duration(20*time.Second),
			budget.CostVector{SolverSec: 3_600, LLMTokens: 1_000_000, GPUSec: 600}),
		TierPro: base(TierPro, 4, 4, 64, 500, 52, 0.01, 1e7,
			Duration(5*time.Minute), Duration(30*time.Second),
			budget.CostVector{SolverSec: 14_400, LLMTokens: 5_000_000, GPUSec: 3_600}),
		TierEnterprise: base(TierEnterprise, 8, 8, 128, 2000, 104, 0.005, 1e9,
			Duration(15*time.Minute), Duration(60*time.Second),
			budget.CostVector{SolverSec: 86_400, LLMTokens: 20_000_000, GPUSec: 14_400}),
	}
}
