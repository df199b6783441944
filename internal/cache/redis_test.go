package cache_test

import (
	"IntentFlow/internal/cache"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return cache.NewRedisCache(rdb), mr
}

func TestSeenMarkerExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	seen, err := c.Seen(ctx, "01J00000000000000000000001")
	require.NoError(t, err)
	assert.False(t, seen)

	first, err := c.MarkSeen(ctx, "01J00000000000000000000001", 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := c.MarkSeen(ctx, "01J00000000000000000000001", 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, again)

	seen, err = c.Seen(ctx, "01J00000000000000000000001")
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(25 * time.Hour)
	seen, err = c.Seen(ctx, "01J00000000000000000000001")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestPutGetJSON(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	type model struct {
		State string `json:"state"`
	}
	require.NoError(t, c.PutJSON(ctx, cache.IntentKey("abc"), model{State: "Planned"}, 0))
	assert.True(t, mr.Exists("intent:abc"))

	var got model
	ok, err := c.GetJSON(ctx, cache.IntentKey("abc"), &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Planned", got.State)

	ok, err = c.GetJSON(ctx, cache.PlanKey("missing"), &got)
	require.NoError(t, err)
	assert.False(t, ok)
}
