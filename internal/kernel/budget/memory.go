package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type periodKey struct {
	tenant string
	period Period
}

type periodState struct {
	committed CostVector
	reserved  CostVector
	cap       CostVector
	alerted   map[Kind]bool
}

type reservation struct {
	tenant    string
	period    Period
	runID     string
	remaining CostVector
	settled   bool
}

// MemoryAccountant is the in-process Accountant. It is the primary
// implementation for single-node deployments and the reference the postgres
// ledger is tested against.
type MemoryAccountant struct {
	mu           sync.Mutex
	ledger       map[periodKey][]LedgerEntry
	periods      map[periodKey]*periodState
	reservations map[string]*reservation

	alert AlertFunc
	now   func() time.Time
}

var _ Accountant = (*MemoryAccountant)(nil)

// MemoryOption configures a MemoryAccountant.
type MemoryOption func(*MemoryAccountant)

// WithAlertFunc installs the soft-limit callback.
func WithAlertFunc(f AlertFunc) MemoryOption {
	return func(a *MemoryAccountant) { a.alert = f }
}

// WithClock overrides the ledger timestamp source.
func WithClock(now func() time.Time) MemoryOption {
	return func(a *MemoryAccountant) { a.now = now }
}

func NewMemoryAccountant(opts ...MemoryOption) *MemoryAccountant {
	a := &MemoryAccountant{
		ledger:       make(map[periodKey][]LedgerEntry),
		periods:      make(map[periodKey]*periodState),
		reservations: make(map[string]*reservation),
		now:          time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *MemoryAccountant) Reserve(ctx context.Context, tenantID string, period Period, cap, v CostVector, runID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if v.Negative() {
		return "", fmt.Errorf("budget: negative reservation %s", v)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	key := periodKey{tenantID, period}
	st := a.periods[key]
	if st == nil {
		st = &periodState{alerted: map[Kind]bool{}}
		a.periods[key] = st
	}
	st.cap = cap

	total := st.committed.Add(st.reserved).Add(v)
	if over := total.ExceedingComponents(cap); len(over) > 0 {
		return "", fmt.Errorf("%w: over cap on %v", ErrExhausted, over)
	}

	id := uuid.NewString()
	st.reserved = st.reserved.Add(v)
	a.reservations[id] = &reservation{tenant: tenantID, period: period, runID: runID, remaining: v}
	a.append(key, id, runID, ReasonReserve, v)
	a.checkAlerts(key, st)
	return id, nil
}

func (a *MemoryAccountant) Commit(ctx context.Context, reservationID string, actual CostVector) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if actual.Negative() {
		return fmt.Errorf("budget: negative commit %s", actual)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	res, ok := a.reservations[reservationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}
	if res.settled {
		return fmt.Errorf("%w: %s", ErrAlreadySettled, reservationID)
	}
	key := periodKey{res.tenant, res.period}
	st := a.periods[key]

	committed := actual.Min(res.remaining)
	refund := res.remaining.Sub(committed)

	st.reserved = st.reserved.Sub(res.remaining)
	st.committed = st.committed.Add(committed)
	res.remaining = CostVector{}
	res.settled = true

	a.append(key, reservationID, res.runID, ReasonCommit, committed)
	if !refund.IsZero() {
		a.append(key, reservationID, res.runID, ReasonRefund, refund)
	}
	a.checkAlerts(key, st)
	return nil
}

func (a *MemoryAccountant) Release(ctx context.Context, reservationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	res, ok := a.reservations[reservationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}
	if res.settled {
		return fmt.Errorf("%w: %s", ErrAlreadySettled, reservationID)
	}
	key := periodKey{res.tenant, res.period}
	st := a.periods[key]

	st.reserved = st.reserved.Sub(res.remaining)
	a.append(key, reservationID, res.runID, ReasonRelease, res.remaining)
	res.remaining = CostVector{}
	res.settled = true
	return nil
}

func (a *MemoryAccountant) Query(ctx context.Context, tenantID string, period Period) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.periods[periodKey{tenantID, period}]
	if st == nil {
		return Usage{}, nil
	}
	return Usage{Committed: st.committed, Reserved: st.reserved, Cap: st.cap}, nil
}

func (a *MemoryAccountant) Ledger(ctx context.Context, tenantID string, period Period) ([]LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := a.ledger[periodKey{tenantID, period}]
	out := make([]LedgerEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// append writes one entry per nonzero component, preserving Kinds order.
func (a *MemoryAccountant) append(key periodKey, reservationID, runID string, reason Reason, v CostVector) {
	ts := a.now().UTC()
	for _, k := range Kinds {
		delta := v.Get(k)
		if delta == 0 {
			continue
		}
		a.ledger[key] = append(a.ledger[key], LedgerEntry{
			TenantID:      key.tenant,
			Period:        key.period,
			Kind:          k,
			Delta:         delta,
			Reason:        reason,
			RunID:         runID,
			ReservationID: reservationID,
			TS:            ts,
		})
	}
}

// checkAlerts fires the soft alert once per component per period when
// committed+reserved first reaches 80% of cap.
func (a *MemoryAccountant) checkAlerts(key periodKey, st *periodState) {
	if a.alert == nil {
		return
	}
	used := st.committed.Add(st.reserved)
	for _, k := range Kinds {
		cap := st.cap.Get(k)
		if cap <= 0 || st.alerted[k] {
			continue
		}
		if used.Get(k) >= SoftAlertFraction*cap {
			st.alerted[k] = true
			a.alert(key.tenant, key.period, k, used.Get(k), cap)
		}
	}
}
