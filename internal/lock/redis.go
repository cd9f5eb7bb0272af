package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-simulator/internal/telemetry"
)

const (
	defaultLockTTL      = 30 * time.Second
	defaultPollInterval = 50 * time.Millisecond
	keyPrefix           = "chk:lock:"
)

type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisKeyed implements Keyed across processes with SETNX + TTL. The value is
// a per-acquisition owner token so a holder never releases someone else's lock.
type RedisKeyed struct {
	client redisStore
	ttl    time.Duration
	poll   time.Duration
}

func NewRedisKeyed(client redisStore, ttl time.Duration) (*RedisKeyed, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisKeyed{client: client, ttl: ttl, poll: defaultPollInterval}, nil
}

func (r *RedisKeyed) TryLock(ctx context.Context, key string) (func(), bool, error) {
	owner := uuid.NewString()
	ok, err := r.client.SetNX(ctx, keyPrefix+key, owner, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("setnx %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return r.releaser(key, owner), true, nil
}

func (r *RedisKeyed) Lock(ctx context.Context, key string) (func(), error) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		release, ok, err := r.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *RedisKeyed) releaser(key, owner string) func() {
	return func() {
		// Release must outlive a cancelled request context.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		value, err := r.client.Get(ctx, keyPrefix+key).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				telemetry.Logger.Warn("read lock owner failed", zap.String("key", key), zap.Error(err))
			}
			return
		}
		if value != owner {
			return
		}
		if err := r.client.Del(ctx, keyPrefix+key).Err(); err != nil {
			telemetry.Logger.Warn("release lock failed", zap.String("key", key), zap.Error(err))
		}
	}
}
