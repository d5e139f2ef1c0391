package run

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dyocense/kernel/internal/tenant"
)

func TestStateTransitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateAdmitted, StateRunning},
		{StateAdmitted, StateCanceled},
		{StateRunning, StateSucceeded},
		{StateRunning, StateSucceededPartial},
		{StateRunning, StateFailed},
		{StateRunning, StateDenied},
		{StateRunning, StateCanceled},
		{StateSucceeded, StateSucceeded}, // idempotent terminal write
	}
	for _, c := range allowed {
		if !c.from.CanTransition(c.to) {
			t.Errorf("%s -> %s should be allowed", c.from, c.to)
		}
	}
	denied := []struct{ from, to State }{
		{StateAdmitted, StateSucceeded},
		{StateAdmitted, StateFailed},
		{StateRunning, StateAdmitted},
		{StateSucceeded, StateFailed},
		{StateCanceled, StateRunning},
		{StateDenied, StateSucceeded},
	}
	for _, c := range denied {
		if c.from.CanTransition(c.to) {
			t.Errorf("%s -> %s should be rejected", c.from, c.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateSucceeded, StateSucceededPartial, StateFailed, StateDenied, StateCanceled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateAdmitted, StateRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestRetryableKinds(t *testing.T) {
	retryable := []ErrorKind{KindLLMUnavailable, KindAdapterUnavailable, KindStoreUnavailable, KindServiceUnavailable}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	notRetryable := []ErrorKind{
		KindValidation, KindPolicyDenied, KindInfeasible, KindTimedOut,
		KindSolverError, KindForecastError, KindCanceled, KindInternal, KindPipelineTimeout,
	}
	for _, k := range notRetryable {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(Errf(KindBudgetExhausted, "llm_tokens over cap")); got != KindBudgetExhausted {
		t.Fatalf("got %s", got)
	}
	wrapped := WrapErr(KindStoreUnavailable, "registry", errors.New("conn refused"))
	if got := KindOf(wrapped); got != KindStoreUnavailable {
		t.Fatalf("got %s", got)
	}
	if got := KindOf(context.Canceled); got != KindCanceled {
		t.Fatalf("got %s", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTimedOut {
		t.Fatalf("got %s", got)
	}
	if got := KindOf(errors.New("mystery")); got != KindInternal {
		t.Fatalf("got %s", got)
	}
}

func TestEnvelopeOf(t *testing.T) {
	env := EnvelopeOf(Errf(KindAdapterUnavailable, "forecaster down"))
	if env.ErrorKind != KindAdapterUnavailable || !env.Retryable {
		t.Fatalf("envelope = %+v", env)
	}
	env = EnvelopeOf(Errf(KindSolverError, "bad model"))
	if env.Retryable {
		t.Fatalf("solver_error must not be retryable: %+v", env)
	}
}

func TestNewRunInitializesStages(t *testing.T) {
	id := tenant.Identity{TenantID: "t1", Tier: tenant.DefaultTiers()[tenant.TierFree]}
	r := NewRun(NewID(), id, SubmitRequest{
		TenantID:       "t1",
		IdempotencyKey: "k",
		Goal:           "reduce holding cost",
		Horizon:        4,
		NumScenarios:   10,
	}, "aabbccdd00112233", "res-1", time.Now())

	if r.State != StateAdmitted {
		t.Fatalf("state = %s", r.State)
	}
	if len(r.Stages) != len(Pipeline) {
		t.Fatalf("stages = %d", len(r.Stages))
	}
	for i, s := range Pipeline {
		if r.Stages[i].Name != s || r.Stages[i].State != StagePending {
			t.Fatalf("stage %d = %+v", i, r.Stages[i])
		}
	}
	if r.Stage(StageOptimise) == nil || r.Stage("nope") != nil {
		t.Fatal("Stage lookup broken")
	}
}

func TestNewIDSortsByTime(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	if !(a < b) {
		t.Fatalf("ulids not time-ordered: %s then %s", a, b)
	}
	if len(a) != 26 {
		t.Fatalf("unexpected ulid length %d", len(a))
	}
}

func TestCloneIsDeep(t *testing.T) {
	id := tenant.Identity{TenantID: "t1", Tier: tenant.DefaultTiers()[tenant.TierFree]}
	r := NewRun(NewID(), id, SubmitRequest{Goal: "g", Horizon: 1, NumScenarios: 1}, "s", "res", time.Now())
	r.Fingerprints[FingerprintModel] = "abc"
	c := r.Clone()
	c.Stages[0].State = StageRunning
	c.Fingerprints[FingerprintModel] = "zzz"
	if r.Stages[0].State != StagePending {
		t.Fatal("stage slice aliased")
	}
	if r.Fingerprints[FingerprintModel] != "abc" {
		t.Fatal("fingerprint map aliased")
	}
}

func TestCriticalStages(t *testing.T) {
	for _, s := range []Stage{StageCompile, StageForecast, StagePolicy, StageOptimise} {
		if !s.Critical() {
			t.Errorf("%s should be critical", s)
		}
	}
	for _, s := range []Stage{StageDiagnose, StageExplain, StageEvidence} {
		if s.Critical() {
			t.Errorf("%s should not be critical", s)
		}
	}
}
