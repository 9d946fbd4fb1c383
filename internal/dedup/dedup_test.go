package dedup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-router/internal/model"
)

func TestKeyUsesDestination(t *testing.T) {
	assert.Equal(t, "u:m:hubspot", Key("u", "m", model.ActionAccept))
	assert.Equal(t, "u:m:google_sheets", Key("u", "m", model.ActionSyncSpreadsheet))
	assert.Equal(t, "u:m:reject", Key("u", "m", model.ActionReject))
}

func TestMemoryGuard(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGuard(time.Minute)

	ok, err := g.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Claim(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = g.Claim(ctx, "other")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, g.Release(ctx, "k"))
	ok, err = g.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryGuardExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	g := NewMemoryGuard(time.Second)
	g.now = func() time.Time { return now }

	ok, _ := g.Claim(ctx, "k")
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = g.Claim(ctx, "k")
	assert.True(t, ok)
}

func TestRedisGuard(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	g := NewRedisGuard(rdb, 5*time.Second)
	key := uuid.New().String()

	ok, err := g.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.Release(ctx, key))
	ok, err = g.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, g.Release(ctx, key))
}
