/*
Package leader implements the cluster-wide single-writer protocol for the
accounting core: a redis-backed lease with acquire/renew/release, the
published active-processor address, and the coordinator state machine that
ties both to the processor's lifecycle.

KEY CONCEPTS IN THIS FILE (lease.go):
  - Client: the minimal redis surface we need, so tests run against a fake
  - Lease: a TTL'd mutual-exclusion key holding a random fencing token
  - ActiveState: the published "who is leader" address

CORRECTNESS:
  Renew and Release only act when the stored token matches ours, evaluated
  atomically in a Lua script. A process that lost its lease can therefore
  never disturb the next holder.
*/
package leader

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Client abstracts the minimal redis surface the leader protocol needs.
// Implementations may wrap github.com/redis/go-redis/v9 or any equivalent.
type Client interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// ErrNotFound is returned by Client.Get for missing keys.
var ErrNotFound = errors.New("key not found")

// GoRedisClient wraps go-redis as a Client.
type GoRedisClient struct{ c *redis.Client }

// NewGoRedisClient connects to addr, e.g. "127.0.0.1:6379".
func NewGoRedisClient(addr string) *GoRedisClient {
	return &GoRedisClient{c: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *GoRedisClient) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return g.c.SetNX(ctx, key, value, ttl).Result()
}

func (g *GoRedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return g.c.Set(ctx, key, value, ttl).Err()
}

func (g *GoRedisClient) Get(ctx context.Context, key string) (string, error) {
	v, err := g.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (g *GoRedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

// =============================================================================
// LEASE
// =============================================================================

// renewScript extends the lease only while we still hold it.
const renewScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
  return 0
end
`

// releaseScript drops the lease only while we still hold it.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
else
  return 0
end
`

// Lease is a distributed TTL lock identified by a key and guarded by a
// per-process random token.
type Lease struct {
	client Client
	key    string
	token  string
	ttl    time.Duration
}

// NewLease creates a lease on key with the given initial TTL.
func NewLease(client Client, key string, ttl time.Duration) *Lease {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return &Lease{
		client: client,
		key:    key,
		token:  hex.EncodeToString(buf[:]),
		ttl:    ttl,
	}
}

// Acquire attempts to take the lease. Returns false when another process
// holds it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return false, fmt.Errorf("lease acquire: %w", err)
	}
	return ok, nil
}

// Renew extends the lease by ttl. Returns false when the lease was lost.
func (l *Lease) Renew(ctx context.Context, ttl time.Duration) (bool, error) {
	res, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.token, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("lease renew: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Release drops the lease if we still hold it. Best effort; an expired
// lease releases itself.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token)
	if err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}

// =============================================================================
// ACTIVE-PROCESSOR STATE
// =============================================================================

// ActiveState publishes and reads the address of the current active
// processor under a keyed distributed state entry.
type ActiveState struct {
	client Client
	key    string
	ttl    time.Duration
}

// NewActiveState creates the published-address entry.
func NewActiveState(client Client, key string, ttl time.Duration) *ActiveState {
	return &ActiveState{client: client, key: key, ttl: ttl}
}

// Publish announces addr as the active processor.
func (a *ActiveState) Publish(ctx context.Context, addr string) error {
	return a.client.Set(ctx, a.key, addr, a.ttl)
}

// Current returns the announced address, or "" when none is published.
func (a *ActiveState) Current(ctx context.Context) (string, error) {
	addr, err := a.client.Get(ctx, a.key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return addr, err
}
