package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyNamespace = "chk:idempotency"

// redisStore is the subset of the go-redis client the ledger needs.
type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisLedger shares the ledger across instances with SET NX + TTL.
type RedisLedger struct {
	client redisStore
	ttl    time.Duration
}

func NewRedisLedger(client redisStore, ttl time.Duration) (*RedisLedger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client required for ledger")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLedger{client: client, ttl: ttl}, nil
}

func (l *RedisLedger) MarkIfAbsent(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	set, err := l.client.SetNX(ctx, Key(keyNamespace, key), "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set idempotency key: %w", err)
	}
	return set, nil
}

func (l *RedisLedger) Forget(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := l.client.Del(ctx, Key(keyNamespace, key)).Err(); err != nil {
		return fmt.Errorf("delete idempotency key: %w", err)
	}
	return nil
}
