package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies every failure the kernel can surface. Kinds ending in
// _unavailable are transient and retried; everything else is deterministic
// from the caller's point of view.
type ErrorKind string

const (
	// Admission-time kinds. No run is created for any of these.
	KindValidation         ErrorKind = "validation"
	KindAuthFailed         ErrorKind = "auth_failed"
	KindTenantUnknown      ErrorKind = "tenant_unknown"
	KindBudgetExhausted    ErrorKind = "budget_exhausted"
	KindServiceUnavailable ErrorKind = "service_unavailable"

	// Stage and pipeline kinds.
	KindInvalidGoal         ErrorKind = "invalid_goal"
	KindSchemaViolation     ErrorKind = "schema_violation"
	KindLLMUnavailable      ErrorKind = "llm_unavailable"
	KindAdapterUnavailable  ErrorKind = "adapter_unavailable"
	KindStoreUnavailable    ErrorKind = "store_unavailable"
	KindInsufficientHistory ErrorKind = "insufficient_history"
	KindHorizonTooLarge     ErrorKind = "horizon_too_large"
	KindPolicyDenied        ErrorKind = "policy_denied"
	KindPolicyEvalError     ErrorKind = "policy_eval_error"
	KindInfeasible          ErrorKind = "infeasible"
	KindUnbounded           ErrorKind = "unbounded"
	KindTimeoutPartial      ErrorKind = "timeout_partial"
	KindTimedOut            ErrorKind = "timed_out"
	KindSolverError         ErrorKind = "solver_error"
	KindForecastError       ErrorKind = "forecast_error"
	KindExplainError        ErrorKind = "explain_error"
	KindNoSuggestions       ErrorKind = "no_suggestions"
	KindCanceled            ErrorKind = "canceled"
	KindInfrastructure      ErrorKind = "infrastructure_error"
	KindPipelineTimeout     ErrorKind = "pipeline_timeout"
	KindNotFound            ErrorKind = "not_found"
	KindConflict            ErrorKind = "conflict"
	KindInternal            ErrorKind = "internal"
)

// Retryable reports whether the engine may retry an attempt that failed with
// this kind. Only transient unavailability qualifies.
func (k ErrorKind) Retryable() bool {
	return strings.HasSuffix(string(k), "_unavailable")
}

// Envelope is the wire form of a failure, embedded in stage records and API
// error responses.
type Envelope struct {
	ErrorKind ErrorKind `json:"error_kind"`
	ErrorMsg  string    `json:"error_msg"`
	Retryable bool      `json:"retryable"`
}

// Error is a classified kernel error. Components wrap causes at their
// boundary so callers can switch on Kind without string matching.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds a classified error with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr classifies an underlying cause.
func WrapErr(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the ErrorKind from err. Context errors map to canceled and
// timed_out; anything unclassified is internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimedOut
	default:
		return KindInternal
	}
}

// EnvelopeOf renders err as its wire envelope.
func EnvelopeOf(err error) Envelope {
	kind := KindOf(err)
	return Envelope{ErrorKind: kind, ErrorMsg: err.Error(), Retryable: kind.Retryable()}
}
