package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ ReceiptCache = (*RedisCache)(nil)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func receiptKey(jobID string) string {
	return fmt.Sprintf("receipt:%s", jobID)
}

func (c *RedisCache) StoreReceipt(ctx context.Context, jobID, gatewayMessageID string, sentAt time.Time) error {
	val := Receipt{
		GatewayMessageID: gatewayMessageID,
		SentAt:           sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, receiptKey(jobID), b, c.ttl).Err()
}

func (c *RedisCache) GetReceipt(ctx context.Context, jobID string) (*Receipt, error) {
	raw, err := c.rdb.Get(ctx, receiptKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("corrupt receipt for job %s: %w", jobID, err)
	}
	return &r, nil
}
