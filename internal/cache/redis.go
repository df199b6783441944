package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key helpers for everything the platform keeps in Redis.
func IntentKey(id string) string { return "intent:" + id }

func PlanKey(id string) string { return "plan:" + id }

func SeenKey(eventID string) string { return "events:seen:" + eventID }

// RedisCache mirrors read models and keeps expiring "already applied" markers.
type RedisCache struct {
	rdb redis.Cmdable
}

func NewRedisCache(rdb redis.Cmdable) *RedisCache {
	return &RedisCache{rdb: rdb}
}

// Connect opens a client and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// PutJSON stores v under key. A zero ttl keeps the key forever.
func (c *RedisCache) PutJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetJSON loads key into dst and reports whether it existed.
func (c *RedisCache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Seen reports whether eventID carries an unexpired applied marker.
func (c *RedisCache) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, SeenKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", eventID, err)
	}
	return n > 0, nil
}

// MarkSeen sets the applied marker for eventID with ttl. It reports false
// when the marker already existed.
func (c *RedisCache) MarkSeen(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, SeenKey(eventID), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", eventID, err)
	}
	return ok, nil
}
