// store_lease.go defines the write lease used to coordinate snapshot
// publishers.
//
// System fit:
//
//   - SnapshotPublisher.Publish acquires the lease for a graph id before it
//     uploads anything, so at most one process publishes a graph at a time.
//   - The manifest CAS stays the correctness guard. A lease that expires
//     mid-publish can at worst cause a version mismatch, which Publish retries.
//
// Implementations:
//
//   - InMemoryWriteLeaseManager: single process deployments and tests.
//   - RedisWriteLeaseManager: SET NX plus token-checked Lua scripts, for
//     several replicas sharing one snapshot location.

package kg

import (
	"context"
	"time"
)

const defaultWriteLeaseTTL = 30 * time.Second

// WriteLease is a held lease for one graph. Token proves ownership on Renew
// and Release.
type WriteLease struct {
	GraphID   string
	Token     string
	ExpiresAt time.Time
}

// WriteLeaseManager hands out per-graph write leases. Acquire and Renew return
// ErrWriteLeaseConflict when another holder owns the lease. Release is
// best-effort and must be called on every path after a successful Acquire.
type WriteLeaseManager interface {
	Acquire(ctx context.Context, graphID string, ttl time.Duration) (*WriteLease, error)
	Renew(ctx context.Context, lease *WriteLease, ttl time.Duration) (*WriteLease, error)
	Release(ctx context.Context, lease *WriteLease) error
}

func validLease(lease *WriteLease) bool {
	return lease != nil && lease.GraphID != "" && lease.Token != ""
}
