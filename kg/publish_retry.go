package kg

import (
	"context"
	"errors"
	"time"
)

const defaultPublishMaxRetries = 5

// PublishRetryStats summarizes one manifest update, including the attempts
// lost to concurrent writers.
type PublishRetryStats struct {
	GraphID         string
	Attempts        int
	ConflictCount   int
	TotalRetryDelay time.Duration
	Success         bool
}

// PublishRetryObserver is told about every finished manifest update.
type PublishRetryObserver interface {
	ObservePublishRetry(stats PublishRetryStats)
}

// PublishRetryObserverFunc adapts a function to PublishRetryObserver.
type PublishRetryObserverFunc func(stats PublishRetryStats)

func (f PublishRetryObserverFunc) ObservePublishRetry(stats PublishRetryStats) {
	if f != nil {
		f(stats)
	}
}

// runWithCASRetry calls op until it succeeds, fails with something other than
// ErrBlobVersionMismatch, or has lost maxRetries races. Backoff grows
// quadratically from 10ms.
func runWithCASRetry(ctx context.Context, graphID string, maxRetries int, observer PublishRetryObserver, op func() error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}

	stats := PublishRetryStats{GraphID: graphID}
	report := func() {
		if observer != nil {
			observer.ObservePublishRetry(stats)
		}
	}

	for {
		stats.Attempts++
		err := op()
		if err == nil {
			stats.Success = true
			report()
			return nil
		}
		if !errors.Is(err, ErrBlobVersionMismatch) {
			report()
			return err
		}

		stats.ConflictCount++
		if stats.ConflictCount > maxRetries {
			report()
			return err
		}

		backoff := time.Duration(stats.ConflictCount*stats.ConflictCount) * 10 * time.Millisecond
		stats.TotalRetryDelay += backoff
		if err := sleepWithContext(ctx, backoff); err != nil {
			report()
			return err
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
