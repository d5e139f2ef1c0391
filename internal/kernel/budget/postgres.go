package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dyocense/kernel/internal/kernel/postgres"
)

// PostgresAccountant is the durable Accountant. The budget_usage row per
// (tenant, period) carries the running totals under row locks; every
// movement also lands in the append-only budget_ledger.
//
// Soft alerts fire on the 80% crossing observed inside the transaction. A
// period whose usage dips below the threshold and crosses again alerts
// again; the memory accountant alerts once per period per component.
type PostgresAccountant struct {
	pool  *postgres.Pool
	alert AlertFunc
	now   func() time.Time
}

var _ Accountant = (*PostgresAccountant)(nil)

// NewPostgresAccountant wraps pool. alert may be nil. Pool lifecycle belongs
// to the caller.
func NewPostgresAccountant(pool *postgres.Pool, alert AlertFunc) *PostgresAccountant {
	return &PostgresAccountant{pool: pool, alert: alert, now: time.Now}
}

type pendingAlert struct {
	kind      Kind
	used, cap float64
}

func (a *PostgresAccountant) Reserve(ctx context.Context, tenantID string, period Period, cap, v CostVector, runID string) (string, error) {
	if v.Negative() {
		return "", fmt.Errorf("budget: negative reservation %s", v)
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO budget_usage (tenant_id, period) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, tenantID, period); err != nil {
		return "", fmt.Errorf("seed usage row: %w", err)
	}

	committed, reserved, err := lockUsage(ctx, tx, tenantID, period)
	if err != nil {
		return "", err
	}

	total := committed.Add(reserved).Add(v)
	if over := total.ExceedingComponents(cap); len(over) > 0 {
		return "", fmt.Errorf("%w: over cap on %v", ErrExhausted, over)
	}

	id := uuid.NewString()
	newReserved := reserved.Add(v)
	if _, err := tx.Exec(ctx,
		`UPDATE budget_usage SET
		     reserved_solver_sec = $3, reserved_llm_tokens = $4, reserved_gpu_sec = $5,
		     cap_solver_sec = $6, cap_llm_tokens = $7, cap_gpu_sec = $8
		 WHERE tenant_id = $1 AND period = $2`,
		tenantID, period,
		newReserved.SolverSec, newReserved.LLMTokens, newReserved.GPUSec,
		cap.SolverSec, cap.LLMTokens, cap.GPUSec); err != nil {
		return "", fmt.Errorf("update usage row: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO budget_reservations
		     (reservation_id, tenant_id, period, run_id, solver_sec, llm_tokens, gpu_sec, settled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)`,
		id, tenantID, period, runID, v.SolverSec, v.LLMTokens, v.GPUSec, a.now().UTC()); err != nil {
		return "", fmt.Errorf("insert reservation: %w", err)
	}
	if err := a.appendLedger(ctx, tx, tenantID, period, id, runID, ReasonReserve, v); err != nil {
		return "", err
	}

	alerts := crossings(committed.Add(reserved), committed.Add(newReserved), cap)
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit reserve: %w", err)
	}
	a.fire(tenantID, period, alerts)
	return id, nil
}

func (a *PostgresAccountant) Commit(ctx context.Context, reservationID string, actual CostVector) error {
	if actual.Negative() {
		return fmt.Errorf("budget: negative commit %s", actual)
	}
	return a.settle(ctx, reservationID, &actual)
}

func (a *PostgresAccountant) Release(ctx context.Context, reservationID string) error {
	return a.settle(ctx, reservationID, nil)
}

// settle finalizes a reservation exactly once. actual == nil means release:
// the whole hold is refunded and the ledger reason is "release" rather than
// "refund".
func (a *PostgresAccountant) settle(ctx context.Context, reservationID string, actual *CostVector) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		tenantID  string
		period    Period
		runID     string
		remaining CostVector
		settled   bool
	)
	err = tx.QueryRow(ctx,
		`SELECT tenant_id, period, run_id, solver_sec, llm_tokens, gpu_sec, settled
		 FROM budget_reservations WHERE reservation_id = $1 FOR UPDATE`,
		reservationID).Scan(&tenantID, &period, &runID,
		&remaining.SolverSec, &remaining.LLMTokens, &remaining.GPUSec, &settled)
	if postgres.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}
	if err != nil {
		return fmt.Errorf("select reservation: %w", err)
	}
	if settled {
		return fmt.Errorf("%w: %s", ErrAlreadySettled, reservationID)
	}

	committed, reserved, err := lockUsage(ctx, tx, tenantID, period)
	if err != nil {
		return err
	}

	var commitVec, refund CostVector
	refundReason := ReasonRelease
	if actual != nil {
		commitVec = actual.Min(remaining)
		refund = remaining.Sub(commitVec)
		refundReason = ReasonRefund
	} else {
		refund = remaining
	}
	newCommitted := committed.Add(commitVec)
	newReserved := reserved.Sub(remaining)

	if _, err := tx.Exec(ctx,
		`UPDATE budget_usage SET
		     reserved_solver_sec = $3, reserved_llm_tokens = $4, reserved_gpu_sec = $5,
		     committed_solver_sec = $6, committed_llm_tokens = $7, committed_gpu_sec = $8
		 WHERE tenant_id = $1 AND period = $2`,
		tenantID, period,
		newReserved.SolverSec, newReserved.LLMTokens, newReserved.GPUSec,
		newCommitted.SolverSec, newCommitted.LLMTokens, newCommitted.GPUSec); err != nil {
		return fmt.Errorf("update usage row: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE budget_reservations SET settled = TRUE,
		     solver_sec = 0, llm_tokens = 0, gpu_sec = 0
		 WHERE reservation_id = $1`, reservationID); err != nil {
		return fmt.Errorf("mark reservation settled: %w", err)
	}

	if err := a.appendLedger(ctx, tx, tenantID, period, reservationID, runID, ReasonCommit, commitVec); err != nil {
		return err
	}
	if !refund.IsZero() {
		if err := a.appendLedger(ctx, tx, tenantID, period, reservationID, runID, refundReason, refund); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit settle: %w", err)
	}
	return nil
}

func (a *PostgresAccountant) Query(ctx context.Context, tenantID string, period Period) (Usage, error) {
	var u Usage
	err := a.pool.QueryRow(ctx,
		`SELECT committed_solver_sec, committed_llm_tokens, committed_gpu_sec,
		        reserved_solver_sec, reserved_llm_tokens, reserved_gpu_sec,
		        cap_solver_sec, cap_llm_tokens, cap_gpu_sec
		 FROM budget_usage WHERE tenant_id = $1 AND period = $2`,
		tenantID, period).Scan(
		&u.Committed.SolverSec, &u.Committed.LLMTokens, &u.Committed.GPUSec,
		&u.Reserved.SolverSec, &u.Reserved.LLMTokens, &u.Reserved.GPUSec,
		&u.Cap.SolverSec, &u.Cap.LLMTokens, &u.Cap.GPUSec)
	if postgres.IsNotFound(err) {
		return Usage{}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("query usage: %w", err)
	}
	return u, nil
}

func (a *PostgresAccountant) Ledger(ctx context.Context, tenantID string, period Period) ([]LedgerEntry, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT tenant_id, period, kind, delta, reason, run_id, reservation_id, ts
		 FROM budget_ledger WHERE tenant_id = $1 AND period = $2 ORDER BY id`,
		tenantID, period)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.TenantID, &e.Period, &e.Kind, &e.Delta, &e.Reason, &e.RunID, &e.ReservationID, &e.TS); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return out, nil
}

func lockUsage(ctx context.Context, tx pgx.Tx, tenantID string, period Period) (committed, reserved CostVector, err error) {
	err = tx.QueryRow(ctx,
		`SELECT committed_solver_sec, committed_llm_tokens, committed_gpu_sec,
		        reserved_solver_sec, reserved_llm_tokens, reserved_gpu_sec
		 FROM budget_usage WHERE tenant_id = $1 AND period = $2 FOR UPDATE`,
		tenantID, period).Scan(
		&committed.SolverSec, &committed.LLMTokens, &committed.GPUSec,
		&reserved.SolverSec, &reserved.LLMTokens, &reserved.GPUSec)
	if err != nil {
		return CostVector{}, CostVector{}, fmt.Errorf("lock usage row: %w", err)
	}
	return committed, reserved, nil
}

func (a *PostgresAccountant) appendLedger(ctx context.Context, tx pgx.Tx, tenantID string, period Period, reservationID, runID string, reason Reason, v CostVector) error {
	ts := a.now().UTC()
	for _, k := range Kinds {
		delta := v.Get(k)
		if delta == 0 {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO budget_ledger (tenant_id, period, kind, delta, reason, run_id, reservation_id, ts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			tenantID, period, string(k), delta, string(reason), runID, reservationID, ts); err != nil {
			return fmt.Errorf("append ledger %s/%s: %w", reason, k, err)
		}
	}
	return nil
}

// crossings finds components whose usage crosses the soft-alert threshold
// between two snapshots.
func crossings(before, after, cap CostVector) []pendingAlert {
	var out []pendingAlert
	for _, k := range Kinds {
		c := cap.Get(k)
		if c <= 0 {
			continue
		}
		if before.Get(k) < SoftAlertFraction*c && after.Get(k) >= SoftAlertFraction*c {
			out = append(out, pendingAlert{kind: k, used: after.Get(k), cap: c})
		}
	}
	return out
}

func (a *PostgresAccountant) fire(tenantID string, period Period, alerts []pendingAlert) {
	if a.alert == nil {
		return
	}
	for _, al := range alerts {
		a.alert(tenantID, period, al.kind, al.used, al.cap)
	}
}
