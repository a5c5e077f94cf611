package learning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisStore connects to a local Redis instance, skipping the test
// when none is running.
func setupRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	store, err := NewRedisStore(RedisConfig{Addr: "127.0.0.1:6379"})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		store.rdb.Del(context.Background(), redisHashKey)
		store.Close()
	})
	return store
}

func TestRedisStore_SaveLoadDelete(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, LearnedCommand{
		Recognized: "Open Setting",
		Command:    "open settings",
		Confidence: 0.95,
		LastUsed:   time.Now(),
	}))

	entries, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "open setting", entries[0].Recognized)
	assert.Equal(t, "open settings", entries[0].Command)

	require.NoError(t, store.Delete(ctx, "open setting"))
	assert.ErrorIs(t, store.Delete(ctx, "open setting"), ErrNotFound)
}

func TestRedisStore_LastWriteWins(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, LearnedCommand{
		Recognized: "open setting", Command: "open settings", Confidence: 0.92, LastUsed: time.Now(),
	}))
	require.NoError(t, store.Save(ctx, LearnedCommand{
		Recognized: "open setting", Command: "open preferences", Confidence: 0.95, LastUsed: time.Now(),
	}))

	entries, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "open preferences", entries[0].Command)
}

func TestRedisStore_Prune(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Save(ctx, LearnedCommand{
		Recognized: "stale", Command: "x", Confidence: 0.9, LastUsed: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, store.Save(ctx, LearnedCommand{
		Recognized: "fresh", Command: "x", Confidence: 0.9, LastUsed: now,
	}))

	removed, err := store.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].Recognized)
}
