package evidence

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/dyocense/kernel/internal/kernel/run"
	"github.com/dyocense/kernel/internal/observability"
)

const (
	maxWriteAttempts = 5
	retryBase        = 250 * time.Millisecond
	retryCap         = 2 * time.Second
)

// Writer pushes batches into a Store with bounded retries and a circuit
// breaker. Evidence failure is contained here: callers log the error and
// leave the run state alone.
type Writer struct {
	store   Store
	log     *zap.Logger
	metrics *observability.Metrics
	breaker *gobreaker.CircuitBreaker
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewWriter(store Store, log *zap.Logger, metrics *observability.Metrics) *Writer {
	return &Writer{
		store:   store,
		log:     log,
		metrics: metrics,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "evidence",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		sleep: sleepCtx,
	}
}

// Write appends the batch and returns its evidence ref. The error, if any,
// is classified store_unavailable.
func (w *Writer) Write(ctx context.Context, b Batch) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		_, err := w.breaker.Execute(func() (any, error) {
			return nil, w.store.Append(ctx, b)
		})
		if err == nil {
			w.metrics.EvidenceWrites.WithLabelValues("ok").Inc()
			return b.Ref(), nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Circuit open: later attempts would be rejected without
			// touching the store, so stop burning them now.
			break
		}
		if attempt == maxWriteAttempts {
			break
		}
		w.metrics.EvidenceRetries.Inc()
		w.log.Warn("evidence append failed, retrying",
			zap.String("run_id", b.RunID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if err := w.sleep(ctx, retryDelay(attempt)); err != nil {
			lastErr = err
			break
		}
	}
	w.metrics.EvidenceWrites.WithLabelValues("failed").Inc()
	w.log.Error("evidence write abandoned",
		zap.String("run_id", b.RunID),
		zap.Error(lastErr))
	return "", run.WrapErr(run.KindStoreUnavailable, "evidence append", lastErr)
}

func retryDelay(attempt int) time.Duration {
	d := retryBase << (attempt - 1)
	if d > retryCap {
		return retryCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
