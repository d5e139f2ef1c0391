package budget

import (
	"context"
	"errors"
	"time"
)

// Reason tags a ledger entry.
type Reason string

const (
	ReasonReserve Reason = "reserve"
	ReasonCommit  Reason = "commit"
	ReasonRelease Reason = "release"
	ReasonRefund  Reason = "refund"
)

// LedgerEntry is one append-only ledger row. Totals are always computed by
// aggregation over entries, never by mutating rows:
//
//	committed(t,p,k) = sum(commit)
//	reserved(t,p,k)  = sum(reserve) - sum(commit) - sum(refund) - sum(release)
type LedgerEntry struct {
	TenantID      string    `json:"tenant_id"`
	Period        Period    `json:"period"`
	Kind          Kind      `json:"kind"`
	Delta         float64   `json:"delta"`
	Reason        Reason    `json:"reason"`
	RunID         string    `json:"run_id"`
	ReservationID string    `json:"reservation_id"`
	TS            time.Time `json:"ts"`
}

// Usage is the Query answer: current consumption plus outstanding holds and
// the cap they are measured against.
type Usage struct {
	Committed CostVector `json:"committed"`
	Reserved  CostVector `json:"reserved"`
	Cap       CostVector `json:"cap"`
}

// Accountant sentinel errors.
var (
	// ErrExhausted rejects a reservation that would push any component past
	// its cap. The message names the limiting components.
	ErrExhausted = errors.New("budget exhausted")
	// ErrUnknownReservation means the id was never issued here.
	ErrUnknownReservation = errors.New("unknown reservation")
	// ErrAlreadySettled rejects a second commit or release.
	ErrAlreadySettled = errors.New("reservation already settled")
)

// AlertFunc receives soft-limit notifications when a component first crosses
// 80% of its cap within a period.
type AlertFunc func(tenantID string, period Period, kind Kind, used, cap float64)

// Accountant tracks per-tenant monthly consumption. Every reservation is
// settled exactly once: Commit (with measured actuals; unused remainder is
// refunded) or Release (full refund). Implementations serialize per-tenant
// mutation.
type Accountant interface {
	// Reserve holds v against the tenant's period cap and returns a
	// reservation id. The cap travels with the call because tier resolution
	// is the caller's job.
	Reserve(ctx context.Context, tenantID string, period Period, cap, v CostVector, runID string) (string, error)
	// Commit settles a reservation at min(actual, reserved remaining) and
	// refunds the rest.
	Commit(ctx context.Context, reservationID string, actual CostVector) error
	// Release refunds the full reservation.
	Release(ctx context.Context, reservationID string) error
	// Query returns current consumption and holds for a tenant period.
	Query(ctx context.Context, tenantID string, period Period) (Usage, error)
	// Ledger returns the append-only entries for a tenant period, oldest
	// first.
	Ledger(ctx context.Context, tenantID string, period Period) ([]LedgerEntry, error)
}

// SoftAlertFraction is the fraction of cap that triggers a soft alert.
const SoftAlertFraction = 0.8
