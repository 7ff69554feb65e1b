package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis commands RedisStore uses.
// *redis.Client and *redis.ClusterClient satisfy it.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRevRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
}

// RedisStore is a Redis-backed Store.
//
// Each snapshot is a JSON string under prefix+sessionID with the TTL as
// its expiry. A sorted set at prefix+"index", scored by creation time,
// orders List; members whose key has expired are pruned lazily.
type RedisStore struct {
	client RedisClient
	prefix string
	closed atomic.Bool
}

// RedisStoreOption configures RedisStore behavior.
type RedisStoreOption func(*redisStoreConfig)

type redisStoreConfig struct {
	prefix string
}

// WithRedisPrefix sets the key prefix for session keys.
// Default: "deskgate:session:".
func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(c *redisStoreConfig) {
		c.prefix = prefix
	}
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(client RedisClient, opts ...RedisStoreOption) *RedisStore {
	cfg := &redisStoreConfig{
		prefix: "deskgate:session:",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &RedisStore{
		client: client,
		prefix: cfg.prefix,
	}
}

func (r *RedisStore) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisStore) indexKey() string {
	return r.prefix + "index"
}

// Save stores a snapshot with an expiry of ttl.
func (r *RedisStore) Save(ctx context.Context, snap Snapshot, ttl time.Duration) error {
	if r.closed.Load() {
		return ErrStoreClosed{}
	}
	if ttl <= 0 {
		return r.Delete(ctx, snap.SessionID)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("session: encode snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.key(snap.SessionID), data, ttl).Err(); err != nil {
		return err
	}
	score := float64(snap.CreatedAt.UnixMilli())
	return r.client.ZAdd(ctx, r.indexKey(), redis.Z{Score: score, Member: snap.SessionID}).Err()
}

// Load retrieves a snapshot if it exists.
func (r *RedisStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	if r.closed.Load() {
		return nil, ErrStoreClosed{}
	}

	data, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("session: decode snapshot %s: %w", sessionID, err)
	}
	return &snap, nil
}

// List returns snapshots newest first.
func (r *RedisStore) List(ctx context.Context, limit int) ([]Snapshot, error) {
	if r.closed.Load() {
		return nil, ErrStoreClosed{}
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Snapshot, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(s), &snap); err != nil {
			return nil, fmt.Errorf("session: decode snapshot %s: %w", ids[i], err)
		}
		out = append(out, snap)
	}
	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, r.indexKey(), stale...).Err(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Delete removes a snapshot and its index entry.
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if r.closed.Load() {
		return ErrStoreClosed{}
	}
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return err
	}
	return r.client.ZRem(ctx, r.indexKey(), sessionID).Err()
}

// Close marks the store as closed.
// Note: This does not close the underlying Redis client,
// as it may be shared with other components.
func (r *RedisStore) Close() error {
	r.closed.Store(true)
	return nil
}

// Prefix returns the current key prefix.
func (r *RedisStore) Prefix() string {
	return r.prefix
}
