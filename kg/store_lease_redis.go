package kg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisLeasePrefix = "grageng:lease:"
	redisReleaseTimeout     = 5 * time.Second
)

// RedisWriteLeaseManager shares publish leases between processes. Each graph
// id maps to the key Prefix+graphID, whose value is the holder's token and
// whose TTL is the lease lifetime.
type RedisWriteLeaseManager struct {
	Client redis.UniversalClient
	Prefix string
}

// NewRedisWriteLeaseManager returns a manager using client. An empty prefix
// selects "grageng:lease:".
func NewRedisWriteLeaseManager(client redis.UniversalClient, prefix string) (*RedisWriteLeaseManager, error) {
	if client == nil {
		return nil, errors.New("redis lease manager: nil client")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisLeasePrefix
	}
	return &RedisWriteLeaseManager{Client: client, Prefix: prefix}, nil
}

func (m *RedisWriteLeaseManager) Acquire(ctx context.Context, graphID string, ttl time.Duration) (*WriteLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(graphID) == "" {
		return nil, errors.New("acquire lease: empty graph id")
	}
	ttl = leaseTTL(ttl)

	lease := &WriteLease{GraphID: graphID, Token: uuid.NewString(), ExpiresAt: time.Now().UTC().Add(ttl)}
	err := m.Client.SetArgs(ctx, m.key(graphID), lease.Token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("%w: graph %s is held by another publisher", ErrWriteLeaseConflict, graphID)
	case err != nil:
		return nil, fmt.Errorf("redis set lease key for %s: %w", graphID, err)
	}
	return lease, nil
}

// Renew pushes the key's expiry out by ttl if lease still holds it.
func (m *RedisWriteLeaseManager) Renew(ctx context.Context, lease *WriteLease, ttl time.Duration) (*WriteLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validLease(lease) {
		return nil, errors.New("renew lease: lease has no graph id or token")
	}
	ttl = leaseTTL(ttl)

	expiresAt := time.Now().UTC().Add(ttl)
	held, err := m.runIfHolder(ctx, lease, "renew", ttl.Milliseconds())
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, fmt.Errorf("%w: lease on graph %s expired or was taken over", ErrWriteLeaseConflict, lease.GraphID)
	}
	return &WriteLease{GraphID: lease.GraphID, Token: lease.Token, ExpiresAt: expiresAt}, nil
}

// Release deletes the key if lease still holds it. It ignores ctx and uses
// its own short deadline, so a request that was cancelled mid-publish still
// frees the lease instead of leaving it to expire.
func (m *RedisWriteLeaseManager) Release(_ context.Context, lease *WriteLease) error {
	if !validLease(lease) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisReleaseTimeout)
	defer cancel()
	_, err := m.runIfHolder(ctx, lease, "release", 0)
	return err
}

// runIfHolder runs op on the lease key only while its value is lease.Token.
// It reports whether the token matched.
func (m *RedisWriteLeaseManager) runIfHolder(ctx context.Context, lease *WriteLease, op string, ttlMS int64) (bool, error) {
	n, err := leaseHolderScript.Run(ctx, m.Client, []string{m.key(lease.GraphID)}, lease.Token, op, ttlMS).Int()
	if err != nil {
		return false, fmt.Errorf("redis %s lease for %s: %w", op, lease.GraphID, err)
	}
	return n == 1, nil
}

func (m *RedisWriteLeaseManager) key(graphID string) string {
	return m.Prefix + graphID
}

func leaseTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultWriteLeaseTTL
	}
	return ttl
}

// KEYS[1] lease key; ARGV[1] token, ARGV[2] "renew" or "release", ARGV[3] ttl ms.
var leaseHolderScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
if ARGV[2] == 'renew' then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
else
  redis.call('DEL', KEYS[1])
end
return 1
`)
