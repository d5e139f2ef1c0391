// Package fingerprint produces the stable content hashes recorded with every
// run: per-stage input/output fingerprints, the model fingerprint of the
// compiled OPS, and the plan DNA of the overall result. Hashes are SHA-256
// over canonical JSON with scope-specific volatile fields stripped, so
// identical semantics hash identically regardless of field order, numeric
// spelling, or wall-clock noise.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dyocense/kernel/internal/canonjson"
)

// ScopeAll applies its volatile patterns to every scope.
const ScopeAll = "*"

// DefaultVolatile is the built-in volatile-field table. Paths are
// slash-joined doublestar globs evaluated against each object field.
func DefaultVolatile() map[string][]string {
	return map[string][]string{
		ScopeAll: {
			"**/started_at",
			"**/ended_at",
			"**/created_at",
			"**/terminal_at",
			"**/accepted_at",
			"**/ts",
			"**/wall_clock_ms",
		},
		"solution": {
			"diagnostics/runtime_ms",
			"diagnostics/solver_build",
		},
	}
}

// Hasher fingerprints values per scope. Construct once and share; it is
// immutable after New.
type Hasher struct {
	volatile map[string][]string
}

// New validates every glob up front so a bad pattern fails at construction,
// not at hash time. A nil table means DefaultVolatile.
func New(volatile map[string][]string) (*Hasher, error) {
	if volatile == nil {
		volatile = DefaultVolatile()
	}
	for scope, pats := range volatile {
		for _, p := range pats {
			if !doublestar.ValidatePattern(p) {
				return nil, fmt.Errorf("fingerprint: scope %q: invalid volatile pattern %q", scope, p)
			}
		}
	}
	return &Hasher{volatile: volatile}, nil
}

// MustNew is New for static tables.
func MustNew(volatile map[string][]string) *Hasher {
	h, err := New(volatile)
	if err != nil {
		panic(err)
	}
	return h
}

// Canonical returns the canonical bytes of v with the scope's volatile
// fields stripped.
func (h *Hasher) Canonical(scope string, v any) ([]byte, error) {
	pats := h.patternsFor(scope)
	strip := canonjson.StripFunc(nil)
	if len(pats) > 0 {
		strip = func(path string) bool {
			for _, p := range pats {
				if ok, _ := doublestar.Match(p, path); ok {
					return true
				}
			}
			return false
		}
	}
	return canonjson.CanonicalizeStripped(v, strip)
}

// Fingerprint returns the sha256 hex of the scope's canonical form of v.
func (h *Hasher) Fingerprint(scope string, v any) (string, error) {
	b, err := h.Canonical(scope, v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// ModelFingerprint hashes a compiled OPS model under the "ops" scope.
func (h *Hasher) ModelFingerprint(ops any) (string, error) {
	return h.Fingerprint("ops", ops)
}

// PlanDNA hashes the semantic result of a run: what model was solved, under
// which scenarios and policy, and what was decided.
func (h *Hasher) PlanDNA(opsFP, scenariosFP string, policy, decisions any) (string, error) {
	return h.Fingerprint("plan_dna", struct {
		OPSFingerprint       string `json:"ops_fingerprint"`
		ScenariosFingerprint string `json:"scenarios_fingerprint"`
		PolicySnapshot       any    `json:"policy_snapshot"`
		SolutionDecisions    any    `json:"solution_decisions"`
	}{opsFP, scenariosFP, policy, decisions})
}

func (h *Hasher) patternsFor(scope string) []string {
	var pats []string
	pats = append(pats, h.volatile[ScopeAll]...)
	if scope != ScopeAll {
		pats = append(pats, h.volatile[scope]...)
	}
	sort.Strings(pats)
	return pats
}

// HashBytes is sha256 hex over raw bytes. Used directly for content-addressed
// evidence snapshots.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
