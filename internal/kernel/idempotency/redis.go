package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces index records so the kernel can share a redis
// database with other components.
const redisKeyPrefix = "idem:"

// RedisIndex stores records in redis with native key expiry, for multi-node
// deployments. SETNX makes PutIfAbsent atomic across processes.
type RedisIndex struct {
	client redis.UniversalClient
}

var _ Index = (*RedisIndex)(nil)

// NewRedisIndex wraps client. The index takes ownership: Close closes the
// client.
func NewRedisIndex(client redis.UniversalClient) *RedisIndex {
	return &RedisIndex{client: client}
}

func redisKey(tenantID, key string) string {
	return redisKeyPrefix + tenantID + "\x1f" + key
}

func (r *RedisIndex) Get(ctx context.Context, tenantID, key string) (string, error) {
	v, err := r.client.Get(ctx, redisKey(tenantID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("idempotency get: %w", err)
	}
	return v, nil
}

func (r *RedisIndex) PutIfAbsent(ctx context.Context, tenantID, key, runID string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	k := redisKey(tenantID, key)
	// A losing SETNX followed by a GET can miss when the record expires in
	// between; retry the pair a few times before giving up.
	for attempt := 0; attempt < 3; attempt++ {
		created, err := r.client.SetNX(ctx, k, runID, ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("idempotency setnx: %w", err)
		}
		if created {
			return runID, true, nil
		}
		existing, err := r.client.Get(ctx, k).Result()
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", false, fmt.Errorf("idempotency get after setnx: %w", err)
		}
	}
	return "", false, errors.New("idempotency: record kept expiring during put")
}

func (r *RedisIndex) Delete(ctx context.Context, tenantID, key string) error {
	if err := r.client.Del(ctx, redisKey(tenantID, key)).Err(); err != nil {
		return fmt.Errorf("idempotency delete: %w", err)
	}
	return nil
}

func (r *RedisIndex) Close() error {
	return r.client.Close()
}
