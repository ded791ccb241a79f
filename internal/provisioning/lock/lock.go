// Package lock serializes provisioning runs per user. Runs for different
// users never coordinate; two runs for the same user must not overlap because
// they mutate the same vault and DID record.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"didvault/pkg/platform/sentinel"
)

const keyPrefix = "didvault:run:"

// releaseScript deletes the lease only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// extendScript pushes the expiry only when the caller still owns the lease.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// Grant is a held per-user lease.
type Grant interface {
	// Extend resets the lease expiry to a full TTL. A multi-stage run must
	// extend between stages; the TTL only needs to outlive one stage, not
	// the whole pipeline.
	Extend(ctx context.Context) error

	// Release is idempotent and survives the run's context being cancelled.
	Release()
}

// Lease grants exclusive per-user execution.
type Lease interface {
	// Acquire returns sentinel.ErrRunInProgress when another run holds the
	// user's lease.
	Acquire(ctx context.Context, userID string) (Grant, error)
}

// RedisLease implements Lease with SET NX PX, shared across instances.
type RedisLease struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLease constructs a lease manager with the given lease TTL.
func NewRedisLease(client *redis.Client, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, ttl: ttl}
}

func (l *RedisLease) Acquire(ctx context.Context, userID string) (Grant, error) {
	key := keyPrefix + userID
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lease: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, sentinel.ErrRunInProgress)
	}
	return &redisGrant{client: l.client, key: key, token: token, ttl: l.ttl}, nil
}

type redisGrant struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
	once   sync.Once
}

func (g *redisGrant) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, g.client, []string{g.key}, g.token, g.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend run lease: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run lease for %s expired before extension", g.key)
	}
	return nil
}

func (g *redisGrant) Release() {
	g.once.Do(func() {
		// Release must survive the run's context being cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, g.client, []string{g.key}, g.token).Err()
	})
}

// MemoryLease implements Lease for tests and single-process development.
type MemoryLease struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLease constructs an empty in-process lease manager.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{held: make(map[string]struct{})}
}

func (l *MemoryLease) Acquire(_ context.Context, userID string) (Grant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[userID]; ok {
		return nil, fmt.Errorf("user %s: %w", userID, sentinel.ErrRunInProgress)
	}
	l.held[userID] = struct{}{}
	return &memoryGrant{lease: l, userID: userID}, nil
}

type memoryGrant struct {
	lease  *MemoryLease
	userID string
	once   sync.Once
}

// Extend is a no-op: in-process leases never expire.
func (g *memoryGrant) Extend(context.Context) error { return nil }

func (g *memoryGrant) Release() {
	g.once.Do(func() {
		g.lease.mu.Lock()
		defer g.lease.mu.Unlock()
		delete(g.lease.held, g.userID)
	})
}
