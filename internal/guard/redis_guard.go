// Package guard keeps at most one in-flight ledger operation per
// idempotency reference across service replicas.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard holds short-lived SET NX leases.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisGuard returns a guard whose leases expire after ttl even if the
// holder never releases them.
func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, ttl: ttl, prefix: "ledger:inflight:"}
}

// Acquire takes the lease for key. ok is false when another holder has it.
func (g *RedisGuard) Acquire(ctx context.Context, key string) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = g.client.SetNX(ctx, g.prefix+key, token, g.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return token, ok, nil
}

// Release drops the lease only if token still owns it.
func (g *RedisGuard) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, g.client, []string{g.prefix + key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
