package learning

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *SQLiteStore) {
	t.Helper()
	store, _ := newTestStore(t)
	return NewCache(store, zerolog.Nop(), time.Second), store
}

func TestCache_WarmAndLookup(t *testing.T) {
	cache, store := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, LearnedCommand{
		Recognized: "open setting",
		Command:    "open settings",
		Confidence: 0.95,
		LastUsed:   time.Now(),
	}))

	require.NoError(t, cache.Warm(ctx))
	require.Equal(t, 1, cache.Len())

	lc, ok := cache.Lookup("OPEN  Setting")
	require.True(t, ok)
	assert.Equal(t, "open settings", lc.Command)
	assert.InDelta(t, 0.95, lc.Confidence, 0.001)

	_, ok = cache.Lookup("never heard")
	assert.False(t, ok)
}

func TestCache_LearnIsImmediatelyVisible(t *testing.T) {
	cache, _ := newTestCache(t)

	cache.Learn(LearnedCommand{
		Recognized: "open setting",
		Command:    "open settings",
		Confidence: 0.96,
	})

	lc, ok := cache.Lookup("open setting")
	require.True(t, ok)
	assert.Equal(t, "open settings", lc.Command)
	assert.False(t, lc.LastUsed.IsZero())
}

func TestCache_LearnPersistsInBackground(t *testing.T) {
	cache, store := newTestCache(t)
	ctx := context.Background()

	cache.Learn(LearnedCommand{
		Recognized: "open setting",
		Command:    "open settings",
		Confidence: 0.96,
	})
	cache.Flush()

	// a fresh cache warmed from the same store sees the write
	fresh := NewCache(store, zerolog.Nop(), time.Second)
	require.NoError(t, fresh.Warm(ctx))

	lc, ok := fresh.Lookup("open setting")
	require.True(t, ok)
	assert.Equal(t, "open settings", lc.Command)
}

func TestCache_LastWriteWins(t *testing.T) {
	cache, _ := newTestCache(t)

	cache.Learn(LearnedCommand{Recognized: "open setting", Command: "open settings", Confidence: 0.92})
	cache.Learn(LearnedCommand{Recognized: "open setting", Command: "open preferences", Confidence: 0.95})
	cache.Flush()

	lc, ok := cache.Lookup("open setting")
	require.True(t, ok)
	assert.Equal(t, "open preferences", lc.Command)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_IgnoresInvalidLearn(t *testing.T) {
	cache, _ := newTestCache(t)

	cache.Learn(LearnedCommand{Recognized: "", Command: "open settings", Confidence: 0.9})
	cache.Learn(LearnedCommand{Recognized: "x", Command: "", Confidence: 0.9})
	assert.Equal(t, 0, cache.Len())
}

func TestCache_Touch(t *testing.T) {
	cache, _ := newTestCache(t)

	cache.Learn(LearnedCommand{
		Recognized: "open setting",
		Command:    "open settings",
		Confidence: 0.95,
		LastUsed:   time.Now().Add(-time.Hour),
	})

	cache.Touch("open setting")
	cache.Flush()

	lc, ok := cache.Lookup("open setting")
	require.True(t, ok)
	assert.Equal(t, 1, lc.HitCount)
	assert.WithinDuration(t, time.Now(), lc.LastUsed, time.Second)

	// touching an unknown phrase is a no-op
	cache.Touch("never heard")
	assert.Equal(t, 1, cache.Len())
}

func TestCache_Forget(t *testing.T) {
	cache, store := newTestCache(t)
	ctx := context.Background()

	cache.Learn(LearnedCommand{Recognized: "open setting", Command: "open settings", Confidence: 0.9})
	cache.Flush()

	require.NoError(t, cache.Forget(ctx, "open setting"))
	_, ok := cache.Lookup("open setting")
	assert.False(t, ok)

	entries, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCache_DropWhere(t *testing.T) {
	cache, store := newTestCache(t)
	ctx := context.Background()

	cache.Learn(LearnedCommand{Recognized: "one", Command: "open settings", Confidence: 0.9})
	cache.Learn(LearnedCommand{Recognized: "two", Command: "gone command", Confidence: 0.9})
	cache.Learn(LearnedCommand{Recognized: "three", Command: "gone command", Confidence: 0.9})
	cache.Flush()

	dropped := cache.DropWhere(ctx, func(lc LearnedCommand) bool {
		return lc.Command == "gone command"
	})
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 1, cache.Len())

	entries, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "one", entries[0].Recognized)
}

func TestCache_EvictWhereLeavesStore(t *testing.T) {
	cache, store := newTestCache(t)
	ctx := context.Background()

	cache.Learn(LearnedCommand{Recognized: "one", Command: "open settings", Confidence: 0.9})
	cache.Flush()

	evicted := cache.EvictWhere(func(LearnedCommand) bool { return true })
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 0, cache.Len())

	entries, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCache_EntriesSortedByRecency(t *testing.T) {
	cache, _ := newTestCache(t)
	now := time.Now()

	cache.Learn(LearnedCommand{Recognized: "older", Command: "a", Confidence: 0.9, LastUsed: now.Add(-time.Hour)})
	cache.Learn(LearnedCommand{Recognized: "newer", Command: "b", Confidence: 0.9, LastUsed: now})

	entries := cache.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "newer", entries[0].Recognized)
	assert.Equal(t, "older", entries[1].Recognized)
}
