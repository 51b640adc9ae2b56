package kg

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type inMemoryLease struct {
	token     string
	expiresAt time.Time
}

// InMemoryWriteLeaseManager keeps leases in a process-local map.
type InMemoryWriteLeaseManager struct {
	mu       sync.Mutex
	leases   map[string]inMemoryLease
	tokenSeq atomic.Uint64
	now      func() time.Time
}

func NewInMemoryWriteLeaseManager() *InMemoryWriteLeaseManager {
	return &InMemoryWriteLeaseManager{
		leases: make(map[string]inMemoryLease),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *InMemoryWriteLeaseManager) Acquire(ctx context.Context, graphID string, ttl time.Duration) (*WriteLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if graphID == "" {
		return nil, fmt.Errorf("graph id cannot be empty")
	}
	if ttl <= 0 {
		ttl = defaultWriteLeaseTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if held, ok := m.leases[graphID]; ok && now.Before(held.expiresAt) {
		return nil, fmt.Errorf("%w: graph %s", ErrWriteLeaseConflict, graphID)
	}

	lease := &WriteLease{
		GraphID:   graphID,
		Token:     fmt.Sprintf("%s-%d-%d", graphID, now.UnixNano(), m.tokenSeq.Add(1)),
		ExpiresAt: now.Add(ttl),
	}
	m.leases[graphID] = inMemoryLease{token: lease.Token, expiresAt: lease.ExpiresAt}
	return lease, nil
}

func (m *InMemoryWriteLeaseManager) Renew(ctx context.Context, lease *WriteLease, ttl time.Duration) (*WriteLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validLease(lease) {
		return nil, fmt.Errorf("valid lease is required")
	}
	if ttl <= 0 {
		ttl = defaultWriteLeaseTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	held, ok := m.leases[lease.GraphID]
	if !ok || held.token != lease.Token || !now.Before(held.expiresAt) {
		return nil, fmt.Errorf("%w: graph %s", ErrWriteLeaseConflict, lease.GraphID)
	}

	renewed := &WriteLease{GraphID: lease.GraphID, Token: lease.Token, ExpiresAt: now.Add(ttl)}
	m.leases[lease.GraphID] = inMemoryLease{token: renewed.Token, expiresAt: renewed.ExpiresAt}
	return renewed, nil
}

// Release drops the lease if lease still owns it. It ignores ctx so a
// cancelled publish still frees the lease.
func (m *InMemoryWriteLeaseManager) Release(_ context.Context, lease *WriteLease) error {
	if !validLease(lease) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.leases[lease.GraphID]; ok && held.token == lease.Token {
		delete(m.leases, lease.GraphID)
	}
	return nil
}
