package budget

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCap = CostVector{SolverSec: 100, LLMTokens: 1000, GPUSec: 10}

func TestReserveToExactCap(t *testing.T) {
	a := NewMemoryAccountant()
	ctx := context.Background()

	_, err := a.Reserve(ctx, "t1", "2026-08", testCap, testCap, "r1")
	require.NoError(t, err, "reserving exactly to cap must succeed")

	_, err = a.Reserve(ctx, "t1", "2026-08", testCap, CostVector{SolverSec: 1}, "r2")
	require.ErrorIs(t, err, ErrExhausted)
	assert.Contains(t, err.Error(), "solver_sec")
}

func TestReserveOneUnitOver(t *testing.T) {
	a := NewMemoryAccountant()
	ctx := context.Background()

	over := testCap
	over.LLMTokens++
	_, err := a.Reserve(ctx, "t1", "2026-08", testCap, over, "r1")
	require.ErrorIs(t, err, ErrExhausted)
	assert.Contains(t, err.Error(), "llm_tokens")

	u, err := a.Query(ctx, "t1", "2026-08")
	require.NoError(t, err)
	assert.True(t, u.Reserved.IsZero(), "failed reserve must hold nothing")
}

func TestCommitWithRefund(t *testing.T) {
	a := NewMemoryAccountant()
	ctx := context.Background()

	res, err := a.Reserve(ctx, "t1", "2026-08", testCap, CostVector{SolverSec: 50, LLMTokens: 500}, "r1")
	require.NoError(t, err)

	require.NoError(t, a.Commit(ctx, res, CostVector{SolverSec: 20, LLMTokens: 100}))

	u, err := a.Query(ctx, "t1", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, CostVector{SolverSec: 20, LLMTokens: 100}, u.Committed)
	assert.True(t, u.Reserved.IsZero(), "remainder must be refunded")

	entries, err := a.Ledger(ctx, "t1", "2026-08")
	require.NoError(t, err)
	var reasons []Reason
	for _, e := range entries {
		reasons = append(reasons, e.Reason)
	}
	assert.Contains(t, reasons, ReasonReserve)
	assert.Contains(t, reasons, ReasonCommit)
	assert.Contains(t, reasons, ReasonRefund)
}

func TestCommitClampedToReservation(t *testing.T) {
	a := NewMemoryAccountant()
	ctx := context.Background()

	res, err := a.Reserve(ctx, "t1", "2026-08", testCap, CostVector{SolverSec: 10}, "r1")
	require.NoError(t, err)

	// Measured usage overran the hold; committed is clamped so the cap
	// invariant cannot be violated by commits.
	require.NoError(t, a.Commit(ctx, res, CostVector{SolverSec: 25}))
	u, _ := a.Query(ctx, "t1", "2026-08")
	assert.Equal(t, float64(10), u.Committed.SolverSec)
}

func TestDoubleSettleRejected(t *testing.T) {
	a := NewMemoryAccountant()
	ctx := context.Background()

	res, err := a.Reserve(ctx, "t1", "2026-08", testCap, CostVector{SolverSec: 10}, "r1")
	require.NoError(t, err)
	require.NoError(t, a.Commit(ctx, res, CostVector{SolverSec: 5}))

	require.ErrorIs(t, a.Commit(ctx, res, CostVector{SolverSec: 5}), ErrAlreadySettled)
	require.ErrorIs(t, a.Release(ctx, res), ErrAlreadySettled)

	res2, err := a.Reserve(ctx, "t1", "2026-08", testCap, CostVector{SolverSec: 10}, "r2")
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, res2))
	require.ErrorIs(t, a.Commit(ctx, res2, CostVector{}), ErrAlreadySettled)
}

func TestReleaseRefundsEverything(t *testing.T) {
	a := NewMemoryAccountant()
	ctx := context.Background()

	res, err := a.Reserve(ctx, "t1", "2026-08", testCap, CostVector{SolverSec: 60}, "r1")
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, res))

	u, _ := a.Query(ctx, "t1", "2026-08")
	assert.True(t, u.Reserved.IsZero())
	assert.True(t, u.Committed.IsZero())

	// Freed capacity is reservable again.
	_, err = a.Reserve(ctx, "t1", "2026-08", testCap, testCap, "r2")
	require.NoError(t, err)
}

func TestUnknownReservation(t *testing.T) {
	a := NewMemoryAccountant()
	ctx := context.Background()
	require.ErrorIs(t, a.Commit(ctx, "nope", CostVector{}), ErrUnknownReservation)
	require.ErrorIs(t, a.Release(ctx, "nope"), ErrUnknownReservation)
}

func TestSoftAlertFiresOncePerComponent(t *testing.T) {
	var mu sync.Mutex
	alerts := map[Kind]int{}
	a := NewMemoryAccountant(WithAlertFunc(func(_ string, _ Period, k Kind, used, cap float64) {
		mu.Lock()
		alerts[k]++
		mu.Unlock()
		assert.GreaterOrEqual(t, used, SoftAlertFraction*cap)
	}))
	ctx := context.Background()

	_, err := a.Reserve(ctx, "t1", "2026-08", testCap, CostVector{SolverSec: 79}, "r1")
	require.NoError(t, err)
	assert.Empty(t, alerts, "below 80%% must not alert")

	_, err = a.Reserve(ctx, "t1", "2026-08", testCap, CostVector{SolverSec: 1}, "r2")
	require.NoError(t, err)
	_, err = a.Reserve(ctx, "t1", "2026-08", testCap, CostVector{SolverSec: 5}, "r3")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, alerts[KindSolverSec], "alert must fire exactly once per period")
	assert.Zero(t, alerts[KindLLMTokens])
}

func TestConcurrentReservesRespectCap(t *testing.T) {
	a := NewMemoryAccountant()
	ctx := context.Background()
	cap := CostVector{SolverSec: 10}

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Reserve(ctx, "t1", "2026-08", cap, CostVector{SolverSec: 1}, "r"); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, granted)

	u, _ := a.Query(ctx, "t1", "2026-08")
	assert.LessOrEqual(t, u.Committed.SolverSec+u.Reserved.SolverSec, cap.SolverSec)
}

func TestPeriodsAreIsolated(t *testing.T) {
	a := NewMemoryAccountant()
	ctx := context.Background()

	_, err := a.Reserve(ctx, "t1", "2026-07", testCap, testCap, "r1")
	require.NoError(t, err)
	// New month, fresh cap.
	_, err = a.Reserve(ctx, "t1", "2026-08", testCap, testCap, "r2")
	require.NoError(t, err)

	var authErr error
	_, authErr = a.Reserve(ctx, "t2", "2026-07", testCap, testCap, "r3")
	assert.NoError(t, authErr, "tenants are isolated")
}

func TestLedgerIsAppendOnlyCopy(t *testing.T) {
	a := NewMemoryAccountant()
	ctx := context.Background()
	res, _ := a.Reserve(ctx, "t1", "2026-08", testCap, CostVector{SolverSec: 5}, "r1")
	_ = a.Commit(ctx, res, CostVector{SolverSec: 5})

	e1, err := a.Ledger(ctx, "t1", "2026-08")
	require.NoError(t, err)
	if len(e1) > 0 {
		e1[0].Delta = -999
	}
	e2, _ := a.Ledger(ctx, "t1", "2026-08")
	assert.NotEqual(t, float64(-999), e2[0].Delta, "Ledger must return copies")
}

func TestNegativeAmountsRejected(t *testing.T) {
	a := NewMemoryAccountant()
	ctx := context.Background()
	_, err := a.Reserve(ctx, "t1", "2026-08", testCap, CostVector{SolverSec: -1}, "r1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrExhausted))
}
