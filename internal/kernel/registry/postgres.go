package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dyocense/kernel/internal/kernel/postgres"
	"github.com/dyocense/kernel/internal/kernel/run"
)

// maxUpdateRetries bounds the optimistic concurrency loop. Contention on a
// single run is rare (one engine worker owns it), so a handful of retries
// only ever absorbs cancel markers racing the engine.
const maxUpdateRetries = 5

// PostgresRegistry stores run documents as JSONB with an optimistic version
// column. tenant_id, state, and created_at are denormalized for listing.
type PostgresRegistry struct {
	pool *postgres.Pool
}

var _ Registry = (*PostgresRegistry)(nil)

// NewPostgresRegistry wraps pool. Pool lifecycle belongs to the caller.
func NewPostgresRegistry(pool *postgres.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

func (p *PostgresRegistry) CreateRun(ctx context.Context, r *run.Run) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", r.RunID, err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO runs (run_id, tenant_id, state, created_at, doc, version)
		 VALUES ($1, $2, $3, $4, $5, 1)`,
		r.RunID, r.TenantID, string(r.State), r.CreatedAt, doc)
	if postgres.IsDuplicateKey(err) {
		return ErrDuplicateRun
	}
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}
	return nil
}

func (p *PostgresRegistry) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	var (
		doc     []byte
		version int64
	)
	err := p.pool.QueryRow(ctx,
		`SELECT doc, version FROM runs WHERE run_id = $1`, runID).Scan(&doc, &version)
	if postgres.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select run %s: %w", runID, err)
	}
	return decodeRun(doc, version)
}

func (p *PostgresRegistry) Update(ctx context.Context, runID string, fn func(*run.Run) error) (*run.Run, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		current, err := p.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		prevVersion := current.Version
		if err := fn(current); err != nil {
			return nil, err
		}
		doc, err := json.Marshal(current)
		if err != nil {
			return nil, fmt.Errorf("marshal run %s: %w", runID, err)
		}
		tag, err := p.pool.Exec(ctx,
			`UPDATE runs SET doc = $1, state = $2, version = $3
			 WHERE run_id = $4 AND version = $5`,
			doc, string(current.State), prevVersion+1, runID, prevVersion)
		if err != nil {
			return nil, fmt.Errorf("update run %s: %w", runID, err)
		}
		if tag.RowsAffected() == 1 {
			current.Version = prevVersion + 1
			return current, nil
		}
		// Lost the version race; reload and retry.
	}
	return nil, fmt.Errorf("%w: run %s", ErrVersionConflict, runID)
}

func (p *PostgresRegistry) ListRuns(ctx context.Context, tenantID string, f ListFilter) ([]*run.Run, error) {
	q := `SELECT doc, version FROM runs WHERE tenant_id = $1`
	args := []any{tenantID}
	if f.State != "" {
		q += ` AND state = $2`
		args = append(args, string(f.State))
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC, run_id DESC LIMIT %d`, f.limit())

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []*run.Run
	for rows.Next() {
		var (
			doc     []byte
			version int64
		)
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		r, err := decodeRun(doc, version)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return out, nil
}

func (p *PostgresRegistry) ListActive(ctx context.Context) ([]*run.Run, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT doc, version FROM runs
		 WHERE state IN ($1, $2)
		 ORDER BY created_at ASC, run_id ASC`,
		string(run.StateAdmitted), string(run.StateRunning))
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer rows.Close()

	var out []*run.Run
	for rows.Next() {
		var (
			doc     []byte
			version int64
		)
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		r, err := decodeRun(doc, version)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return out, nil
}

func (p *PostgresRegistry) PurgeTenant(ctx context.Context, tenantID string) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM runs WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("purge tenant %s: %w", tenantID, err)
	}
	return int(tag.RowsAffected()), nil
}

// Close is a no-op; pool lifecycle belongs to the caller.
func (p *PostgresRegistry) Close() error { return nil }

func decodeRun(doc []byte, version int64) (*run.Run, error) {
	var r run.Run
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("decode run document: %w", err)
	}
	r.Version = version
	return &r, nil
}
