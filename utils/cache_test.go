package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cached struct {
	Files int `json:"files"`
}

func TestCacheWithoutRedis(t *testing.T) {
	var nilCache *Cache
	for _, c := range []*Cache{nilCache, NewCache(nil)} {
		c.SetJSON(context.Background(), "k", cached{Files: 1}, 0)
		var out cached
		assert.False(t, c.GetJSON(context.Background(), "k", &out))
		c.InvalidateByPrefix(context.Background(), "k")
	}
}

func TestCacheRoundTripAndInvalidate(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	c.SetJSON(ctx, "filebox:stats:all", cached{Files: 3}, 0)
	c.SetJSON(ctx, "filebox:stats:uploads", cached{Files: 1}, 0)
	c.SetJSON(ctx, "other", cached{Files: 9}, 0)

	var out cached
	require.True(t, c.GetJSON(ctx, "filebox:stats:all", &out))
	assert.Equal(t, 3, out.Files)
	assert.Equal(t, time.Minute, mr.TTL("filebox:stats:all"))

	c.InvalidateByPrefix(ctx, "filebox:stats:")
	assert.False(t, mr.Exists("filebox:stats:all"))
	assert.False(t, mr.Exists("filebox:stats:uploads"))
	assert.True(t, mr.Exists("other"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, c.GetJSON(ctx, "other", &out))
}
