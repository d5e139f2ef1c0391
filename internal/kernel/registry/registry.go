// Package registry persists run documents and serializes their mutation.
// Every write goes through Update, which applies a mutation function to a
// private copy under the store's concurrency control; readers always get
// copies and can never alias stored state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyocense/kernel/internal/kernel/run"
)

var (
	// ErrNotFound means no run exists with the given id.
	ErrNotFound = errors.New("run not found")
	// ErrDuplicateRun means a run with this id already exists.
	ErrDuplicateRun = errors.New("run already exists")
	// ErrInvalidTransition means the requested state change violates the
	// run lifecycle.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrVersionConflict means optimistic concurrency control gave up after
	// repeated interleaved writers.
	ErrVersionConflict = errors.New("run version conflict")
)

// DefaultListLimit and MaxListLimit bound ListRuns result sizes.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ListFilter narrows ListRuns. Zero value lists every state with the default
// limit.
type ListFilter struct {
	State run.State
	Limit int
}

func (f ListFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// Registry stores run documents.
type Registry interface {
	// CreateRun persists a new document. Returns ErrDuplicateRun when the id
	// is taken.
	CreateRun(ctx context.Context, r *run.Run) error

	// GetRun returns a copy of the document.
	GetRun(ctx context.Context, runID string) (*run.Run, error)

	// Update applies fn to a private copy of the stored document and
	// persists the result if fn returns nil. fn must not retain the
	// document. Returns the updated copy.
	Update(ctx context.Context, runID string, fn func(*run.Run) error) (*run.Run, error)

	// ListRuns returns the tenant's runs, newest first.
	ListRuns(ctx context.Context, tenantID string, f ListFilter) ([]*run.Run, error)

	// ListActive returns every non-terminal run across tenants, oldest first.
	// Boot recovery re-enqueues these after a restart.
	ListActive(ctx context.Context) ([]*run.Run, error)

	// PurgeTenant removes every run owned by the tenant and reports how many
	// documents were dropped.
	PurgeTenant(ctx context.Context, tenantID string) (int, error)

	Close() error
}

// SetState transitions a run, stamping TerminalAt on the first terminal
// write. Illegal moves return ErrInvalidTransition.
func SetState(ctx context.Context, reg Registry, runID string, next run.State, now time.Time) (*run.Run, error) {
	return reg.Update(ctx, runID, func(doc *run.Run) error {
		if !doc.State.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, doc.State, next)
		}
		doc.State = next
		if next.Terminal() && doc.TerminalAt == nil {
			t := now.UTC()
			doc.TerminalAt = &t
		}
		return nil
	})
}

// RequestCancel sets the cancel marker. Terminal runs are left untouched;
// the caller reads the returned state to see what the cancel amounted to.
func RequestCancel(ctx context.Context, reg Registry, runID string, now time.Time) (*run.Run, error) {
	return reg.Update(ctx, runID, func(doc *run.Run) error {
		if doc.State.Terminal() || doc.CancelRequestedAt != nil {
			return nil
		}
		t := now.UTC()
		doc.CancelRequestedAt = &t
		return nil
	})
}
