package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revocation reports whether a token ID has been revoked.
type Revocation interface {
	Revoked(ctx context.Context, tokenID string) (bool, error)
}

// RevocationClient is the subset of go-redis used by RedisRevocation.
type RevocationClient interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisRevocation keeps revoked token IDs as expiring Redis keys.
type RedisRevocation struct {
	client RevocationClient
	prefix string
}

// NewRedisRevocation creates a revocation list under prefix, which
// defaults to "deskgate:revoked".
func NewRedisRevocation(client RevocationClient, prefix string) *RedisRevocation {
	if prefix == "" {
		prefix = "deskgate:revoked"
	}
	return &RedisRevocation{client: client, prefix: prefix}
}

func (r *RedisRevocation) key(tokenID string) string {
	return fmt.Sprintf("%s:%s", r.prefix, tokenID)
}

// Revoked implements Revocation.
func (r *RedisRevocation) Revoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n == 1, nil
}

// Revoke marks tokenID revoked for ttl, which should cover the token's
// remaining lifetime.
func (r *RedisRevocation) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(tokenID), 1, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
