package run

import (
	"fmt"
	"strings"
)

// State is the run lifecycle state. Runs move admitted -> running -> one
// terminal state; a queued run may be canceled before it ever runs. No
// regressions.
type State string

const (
	StateAdmitted         State = "admitted"
	StateRunning          State = "running"
	StateSucceeded        State = "succeeded"
	StateSucceededPartial State = "succeeded_partial"
	StateFailed           State = "failed"
	StateDenied           State = "denied"
	StateCanceled         State = "canceled"
)

func ParseState(s string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(s))) {
	case StateAdmitted:
		return StateAdmitted, nil
	case StateRunning:
		return StateRunning, nil
	case StateSucceeded:
		return StateSucceeded, nil
	case StateSucceededPartial:
		return StateSucceededPartial, nil
	case StateFailed:
		return StateFailed, nil
	case StateDenied:
		return StateDenied, nil
	case StateCanceled:
		return StateCanceled, nil
	default:
		return "", fmt.Errorf("invalid run state: %q", s)
	}
}

func (s State) Valid() bool {
	_, err := ParseState(string(s))
	return err == nil
}

func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateSucceededPartial, StateFailed, StateDenied, StateCanceled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s -> next is a legal move. Re-asserting the
// current state is always allowed so terminal writes stay idempotent.
func (s State) CanTransition(next State) bool {
	if s == next {
		return true
	}
	switch s {
	case StateAdmitted:
		return next == StateRunning || next == StateCanceled
	case StateRunning:
		return next.Terminal()
	default:
		return false
	}
}

// StageState is the per-stage lifecycle state.
type StageState string

const (
	StagePending   StageState = "pending"
	StageRunning   StageState = "running"
	StageSucceeded StageState = "succeeded"
	StageFailed    StageState = "failed"
	StageSkipped   StageState = "skipped"
	StageTimedOut  StageState = "timed_out"
	StageCanceled  StageState = "canceled"
)

func (s StageState) Terminal() bool {
	switch s {
	case StageSucceeded, StageFailed, StageSkipped, StageTimedOut, StageCanceled:
		return true
	default:
		return false
	}
}

// Stage names the pipeline steps in execution order.
type Stage string

const (
	StageCompile  Stage = "compile"
	StageForecast Stage = "forecast"
	StagePolicy   Stage = "policy"
	StageOptimise Stage = "optimise"
	StageDiagnose Stage = "diagnose"
	StageExplain  Stage = "explain"
	StageEvidence Stage = "evidence"
)

// Pipeline is the fixed stage order. Diagnose sits between Optimise and
// Explain and only runs when the solve comes back infeasible.
var Pipeline = []Stage{
	StageCompile,
	StageForecast,
	StagePolicy,
	StageOptimise,
	StageDiagnose,
	StageExplain,
	StageEvidence,
}

// Critical reports whether a stage failure fails the run. Diagnose and
// Explain are advisory; Evidence failure is handled by the writer and never
// demotes the run.
func (s Stage) Critical() bool {
	switch s {
	case StageDiagnose, StageExplain, StageEvidence:
		return false
	default:
		return true
	}
}
