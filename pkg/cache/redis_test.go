package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisCache(mr.Addr(), "", 0)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	now := time.Unix(1_700_000_000, 0)
	for i := int64(1); i <= 3; i++ {
		n, err := c.Incr(ctx, "10.0.0.1", time.Second, now)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	// other keys and later windows start from zero
	n, err := c.Incr(ctx, "10.0.0.2", time.Second, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Incr(ctx, "10.0.0.1", time.Second, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIncrSetsExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisCache(mr.Addr(), "", 0)
	defer c.Close()

	now := time.Unix(1_700_000_000, 0)
	_, err := c.Incr(context.Background(), "k", time.Second, now)
	require.NoError(t, err)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, 2*time.Second, mr.TTL(keys[0]))

	mr.FastForward(3 * time.Second)
	assert.Empty(t, mr.Keys())
}

func TestIncrUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisCache(mr.Addr(), "", 0)
	defer c.Close()
	mr.Close()

	_, err := c.Incr(context.Background(), "k", time.Second, time.Now())
	assert.Error(t, err)
}
