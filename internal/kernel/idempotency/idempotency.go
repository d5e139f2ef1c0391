// Package idempotency implements the (tenant_id, idempotency_key) -> run_id
// index behind strict submission replay. Records expire after a configurable
// TTL; an expired or purged record means the next submission with the same
// key creates a fresh run.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is the record lifetime when the operator configures nothing.
const DefaultTTL = 24 * time.Hour

var (
	// ErrNotFound means no live record exists for the key.
	ErrNotFound = errors.New("idempotency record not found")
)

// Index is the replay arbiter. PutIfAbsent decides races between concurrent
// submissions sharing a key: exactly one caller creates the record, every
// other caller gets the winner's run id back.
type Index interface {
	// Get returns the run id recorded for (tenantID, key).
	// Returns ErrNotFound when no live record exists.
	Get(ctx context.Context, tenantID, key string) (string, error)

	// PutIfAbsent records runID under (tenantID, key) with the given TTL.
	// When a live record already exists it returns that record's run id and
	// created=false; the caller's runID is not stored.
	PutIfAbsent(ctx context.Context, tenantID, key, runID string, ttl time.Duration) (actual string, created bool, err error)

	// Delete removes the record if present. Deleting a missing record is not
	// an error.
	Delete(ctx context.Context, tenantID, key string) error

	// Close releases background resources.
	Close() error
}
