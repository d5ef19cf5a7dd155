// Package presence: the connection registry keeps the per-user set of live
// connection IDs in Redis so that every server process behind the load
// balancer sees the same picture.
package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ConnectionRegistry tracks which connections are live for each user. All
// operations hit the shared store directly; there is no in-process cache,
// because a user's connections may be spread across several processes.
type ConnectionRegistry interface {
	// RegisterAndCount adds connID to the user's set and returns the set
	// cardinality as it was immediately BEFORE the add. The read and the
	// add happen atomically in the store, so concurrent registrations for
	// the same user observe distinct prior counts and exactly one of them
	// sees zero.
	RegisterAndCount(ctx context.Context, userID, connID string) (int64, error)
	// UnregisterAndCount removes connID from the user's set and returns the
	// cardinality remaining AFTER the removal, atomically. Removing an
	// absent connID is a no-op, not an error.
	UnregisterAndCount(ctx context.Context, userID, connID string) (int64, error)
	// Count returns the user's current connection count.
	Count(ctx context.Context, userID string) (int64, error)
	// ConnectionsOf returns the user's current connection IDs, across all
	// of their devices and all server processes.
	ConnectionsOf(ctx context.Context, userID string) ([]string, error)
}

// Scripts combine the cardinality check with the set mutation in one round
// trip. Plain SCARD-then-SADD from the client would race across processes.
var (
	registerScript = redis.NewScript(`
local prior = redis.call("SCARD", KEYS[1])
redis.call("SADD", KEYS[1], ARGV[1])
return prior`)

	unregisterScript = redis.NewScript(`
redis.call("SREM", KEYS[1], ARGV[1])
return redis.call("SCARD", KEYS[1])`)
)

// RedisRegistry is the Redis-backed ConnectionRegistry. Each user's
// connections live in a set keyed user:{id}:sockets.
type RedisRegistry struct {
	client redis.UniversalClient
}

// NewRedisRegistry creates a registry on top of an existing Redis client.
func NewRedisRegistry(client redis.UniversalClient) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func connSetKey(userID string) string {
	return "user:" + userID + ":sockets"
}

// RegisterAndCount implements ConnectionRegistry.
func (r *RedisRegistry) RegisterAndCount(ctx context.Context, userID, connID string) (int64, error) {
	prior, err := registerScript.Run(ctx, r.client, []string{connSetKey(userID)}, connID).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: register %s: %v", ErrStoreUnavailable, userID, err)
	}
	return prior, nil
}

// UnregisterAndCount implements ConnectionRegistry.
func (r *RedisRegistry) UnregisterAndCount(ctx context.Context, userID, connID string) (int64, error) {
	remaining, err := unregisterScript.Run(ctx, r.client, []string{connSetKey(userID)}, connID).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: unregister %s: %v", ErrStoreUnavailable, userID, err)
	}
	return remaining, nil
}

// Count implements ConnectionRegistry.
func (r *RedisRegistry) Count(ctx context.Context, userID string) (int64, error) {
	n, err := r.client.SCard(ctx, connSetKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: count %s: %v", ErrStoreUnavailable, userID, err)
	}
	return n, nil
}

// ConnectionsOf implements ConnectionRegistry.
func (r *RedisRegistry) ConnectionsOf(ctx context.Context, userID string) ([]string, error) {
	members, err := r.client.SMembers(ctx, connSetKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: connections of %s: %v", ErrStoreUnavailable, userID, err)
	}
	return members, nil
}
