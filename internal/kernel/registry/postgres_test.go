package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dyocense/kernel/internal/kernel/postgres"
	"github.com/dyocense/kernel/internal/kernel/run"
)

// setupTestDB starts a throwaway postgres container and applies the embedded
// migrations.
func setupTestDB(t *testing.T) *postgres.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("requires docker")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, postgres.Migrate(ctx, pool))

	t.Cleanup(func() {
		pool.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})
	return pool
}

func TestPostgresRoundTrip(t *testing.T) {
	pool := setupTestDB(t)
	reg := NewPostgresRegistry(pool)
	ctx := context.Background()

	r := testRun("r1", "t1", time.Now().UTC())
	require.NoError(t, reg.CreateRun(ctx, r))
	require.ErrorIs(t, reg.CreateRun(ctx, r), ErrDuplicateRun)

	got, err := reg.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, r.Goal, got.Goal)
	assert.Equal(t, run.StateAdmitted, got.State)
	assert.Equal(t, int64(1), got.Version)

	_, err = reg.GetRun(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresUpdateAndStateColumn(t *testing.T) {
	pool := setupTestDB(t)
	reg := NewPostgresRegistry(pool)
	ctx := context.Background()

	require.NoError(t, reg.CreateRun(ctx, testRun("r1", "t1", time.Now().UTC())))

	_, err := SetState(ctx, reg, "r1", run.StateRunning, time.Now())
	require.NoError(t, err)
	got, err := SetState(ctx, reg, "r1", run.StateSucceeded, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	require.NotNil(t, got.TerminalAt)

	// The denormalized state column must track the document.
	var state string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT state FROM runs WHERE run_id = $1`, "r1").Scan(&state))
	assert.Equal(t, string(run.StateSucceeded), state)
}

func TestPostgresListAndPurge(t *testing.T) {
	pool := setupTestDB(t)
	reg := NewPostgresRegistry(pool)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)

	require.NoError(t, reg.CreateRun(ctx, testRun("r1", "t1", base)))
	require.NoError(t, reg.CreateRun(ctx, testRun("r2", "t1", base.Add(time.Minute))))
	require.NoError(t, reg.CreateRun(ctx, testRun("r3", "t2", base)))

	runs, err := reg.ListRuns(ctx, "t1", ListFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].RunID, "newest first")

	admitted, err := reg.ListRuns(ctx, "t1", ListFilter{State: run.StateAdmitted, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, admitted, 1)

	_, err = SetState(ctx, reg, "r1", run.StateRunning, base)
	require.NoError(t, err)
	_, err = SetState(ctx, reg, "r1", run.StateFailed, base)
	require.NoError(t, err)
	active, err := reg.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2, "terminal runs drop out of recovery")
	assert.Equal(t, "r3", active[0].RunID, "oldest admission first across tenants")

	n, err := reg.PurgeTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	runs, err = reg.ListRuns(ctx, "t1", ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}
