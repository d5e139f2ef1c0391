// Package budget tracks per-tenant consumption against monthly caps with an
// append-only ledger. Reservations are taken at admission and settled exactly
// once: committed at measured usage with the remainder refunded, or released
// in full.
package budget

import (
	"fmt"
	"strings"
	"time"
)

// Kind names one budget component.
type Kind string

const (
	KindSolverSec Kind = "solver_sec"
	KindLLMTokens Kind = "llm_tokens"
	KindGPUSec    Kind = "gpu_sec"
)

// Kinds lists every component in ledger order.
var Kinds = []Kind{KindSolverSec, KindLLMTokens, KindGPUSec}

// CostVector carries an amount per component. All arithmetic is element-wise.
type CostVector struct {
	SolverSec float64 `json:"solver_sec" yaml:"solver_sec"`
	LLMTokens float64 `json:"llm_tokens" yaml:"llm_tokens"`
	GPUSec    float64 `json:"gpu_sec" yaml:"gpu_sec"`
}

func (v CostVector) Get(k Kind) float64 {
	switch k {
	case KindSolverSec:
		return v.SolverSec
	case KindLLMTokens:
		return v.LLMTokens
	case KindGPUSec:
		return v.GPUSec
	default:
		return 0
	}
}

func (v *CostVector) Set(k Kind, x float64) {
	switch k {
	case KindSolverSec:
		v.SolverSec = x
	case KindLLMTokens:
		v.LLMTokens = x
	case KindGPUSec:
		v.GPUSec = x
	}
}

func (v CostVector) Add(o CostVector) CostVector {
	return CostVector{
		SolverSec: v.SolverSec + o.SolverSec,
		LLMTokens: v.LLMTokens + o.LLMTokens,
		GPUSec:    v.GPUSec + o.GPUSec,
	}
}

func (v CostVector) Sub(o CostVector) CostVector {
	return CostVector{
		SolverSec: v.SolverSec - o.SolverSec,
		LLMTokens: v.LLMTokens - o.LLMTokens,
		GPUSec:    v.GPUSec - o.GPUSec,
	}
}

// Min clamps each component to the smaller of the two vectors.
func (v CostVector) Min(o CostVector) CostVector {
	return CostVector{
		SolverSec: minf(v.SolverSec, o.SolverSec),
		LLMTokens: minf(v.LLMTokens, o.LLMTokens),
		GPUSec:    minf(v.GPUSec, o.GPUSec),
	}
}

func (v CostVector) IsZero() bool {
	return v.SolverSec == 0 && v.LLMTokens == 0 && v.GPUSec == 0
}

func (v CostVector) Negative() bool {
	return v.SolverSec < 0 || v.LLMTokens < 0 || v.GPUSec < 0
}

// ExceedingComponents returns the components of v that exceed cap, for
// budget_exhausted messages.
func (v CostVector) ExceedingComponents(cap CostVector) []Kind {
	var out []Kind
	for _, k := range Kinds {
		if v.Get(k) > cap.Get(k) {
			out = append(out, k)
		}
	}
	return out
}

func (v CostVector) String() string {
	parts := make([]string, 0, len(Kinds))
	for _, k := range Kinds {
		parts = append(parts, fmt.Sprintf("%s=%g", k, v.Get(k)))
	}
	return strings.Join(parts, " ")
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Period is a billing month in "YYYY-MM" form.
type Period string

// PeriodOf buckets a timestamp into its billing month (UTC).
func PeriodOf(t time.Time) Period {
	return Period(t.UTC().Format("2006-01"))
}
