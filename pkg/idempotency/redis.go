package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger stores one key per event id with the retention window as TTL.
type RedisLedger struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

var _ Ledger = (*RedisLedger)(nil)

func NewRedisLedger(client redis.UniversalClient, cfg Config) *RedisLedger {
	if client == nil {
		panic("idempotency: redis ledger requires a client")
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisLedger{client: client, prefix: cfg.KeyPrefix, retention: retention}
}

func (l *RedisLedger) MarkSeen(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrEmptyEventID
	}
	ok, err := l.client.SetNX(ctx, l.prefix+id, time.Now().UTC().Unix(), l.retention).Result()
	if err != nil {
		return false, errors.Join(ErrLedger, err)
	}
	return ok, nil
}

func (l *RedisLedger) Forget(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyEventID
	}
	if err := l.client.Del(ctx, l.prefix+id).Err(); err != nil {
		return errors.Join(ErrLedger, err)
	}
	return nil
}
