package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	return mr, NewRedisCache(rdb, ttl)
}

func TestRedisCache_StoreReceipt_Success(t *testing.T) {
	t.Parallel()

	mr, cache := newTestCache(t, 10*time.Second)

	ctx := context.Background()
	sentAt := time.Date(2026, 8, 25, 18, 0, 0, 0, time.UTC)

	if err := cache.StoreReceipt(ctx, "job-42", "remote-123", sentAt); err != nil {
		t.Fatalf("StoreReceipt() error: %v", err)
	}

	key := "receipt:job-42"

	if !mr.Exists(key) {
		t.Fatalf("expected key %q to exist", key)
	}

	ttlRemaining := mr.TTL(key)
	if ttlRemaining <= 0 {
		t.Fatalf("expected TTL to be set, got %v", ttlRemaining)
	}

	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("failed to get key %q: %v", key, err)
	}

	var got Receipt
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("failed to unmarshal value: %v", err)
	}

	if got.GatewayMessageID != "remote-123" {
		t.Fatalf("expected GatewayMessageID %q, got %q", "remote-123", got.GatewayMessageID)
	}
	if !got.SentAt.Equal(sentAt) {
		t.Fatalf("expected SentAt %v, got %v", sentAt, got.SentAt)
	}
}

func TestRedisCache_StoreReceipt_OverwritesExistingValue(t *testing.T) {
	t.Parallel()

	_, cache := newTestCache(t, time.Minute)
	ctx := context.Background()

	if err := cache.StoreReceipt(ctx, "job-1", "first", time.Now()); err != nil {
		t.Fatalf("first StoreReceipt() error: %v", err)
	}
	if err := cache.StoreReceipt(ctx, "job-1", "second", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("second StoreReceipt() error: %v", err)
	}

	got, err := cache.GetReceipt(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetReceipt() error: %v", err)
	}
	if got == nil || got.GatewayMessageID != "second" {
		t.Fatalf("expected overwritten receipt %q, got %+v", "second", got)
	}
}

func TestRedisCache_GetReceipt_RoundTrip(t *testing.T) {
	t.Parallel()

	_, cache := newTestCache(t, time.Minute)
	ctx := context.Background()

	sentAt := time.Date(2026, 8, 25, 19, 30, 0, 0, time.UTC)
	if err := cache.StoreReceipt(ctx, "job-7", "remote-7", sentAt); err != nil {
		t.Fatalf("StoreReceipt() error: %v", err)
	}

	got, err := cache.GetReceipt(ctx, "job-7")
	if err != nil {
		t.Fatalf("GetReceipt() error: %v", err)
	}
	if got == nil {
		t.Fatalf("expected receipt, got nil")
	}
	if got.GatewayMessageID != "remote-7" {
		t.Fatalf("expected GatewayMessageID %q, got %q", "remote-7", got.GatewayMessageID)
	}
	if !got.SentAt.Equal(sentAt) {
		t.Fatalf("expected SentAt %v, got %v", sentAt, got.SentAt)
	}
}

func TestRedisCache_GetReceipt_MissIsNilNil(t *testing.T) {
	t.Parallel()

	_, cache := newTestCache(t, time.Minute)

	got, err := cache.GetReceipt(context.Background(), "never-sent")
	if err != nil {
		t.Fatalf("GetReceipt() on miss error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil receipt on miss, got %+v", got)
	}
}

func TestRedisCache_GetReceipt_CorruptValue(t *testing.T) {
	t.Parallel()

	mr, cache := newTestCache(t, time.Minute)

	if err := mr.Set("receipt:job-9", "{not json"); err != nil {
		t.Fatalf("failed to seed corrupt value: %v", err)
	}

	_, err := cache.GetReceipt(context.Background(), "job-9")
	if err == nil {
		t.Fatalf("expected error for corrupt cached value, got nil")
	}
}

func TestRedisCache_ContextCanceled(t *testing.T) {
	t.Parallel()

	_, cache := newTestCache(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cache.StoreReceipt(ctx, "job-1", "x", time.Now()); err == nil {
		t.Fatalf("expected StoreReceipt error due to canceled context, got nil")
	}
	if _, err := cache.GetReceipt(ctx, "job-1"); err == nil {
		t.Fatalf("expected GetReceipt error due to canceled context, got nil")
	}
}
