package learning

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexvoice/internal/metrics"
)

// Cache is the in-memory view of the learned command store. Lookups and
// learns hit the map synchronously; persistence happens in the background
// so recognition latency never waits on a disk or network write.
type Cache struct {
	store  Store
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]LearnedCommand

	saveTimeout time.Duration
	pending     sync.WaitGroup
}

// NewCache wraps a store. saveTimeout bounds each background write.
func NewCache(store Store, logger zerolog.Logger, saveTimeout time.Duration) *Cache {
	if saveTimeout <= 0 {
		saveTimeout = 2 * time.Second
	}
	return &Cache{
		store:       store,
		logger:      logger.With().Str("component", "learning").Logger(),
		entries:     make(map[string]LearnedCommand),
		saveTimeout: saveTimeout,
	}
}

// Warm loads the persisted entries into memory. Called once at startup;
// a failed load leaves an empty cache rather than blocking recognition.
func (c *Cache) Warm(ctx context.Context) error {
	entries, err := c.store.Load(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, lc := range entries {
		c.entries[Normalize(lc.Recognized)] = lc
	}
	size := len(c.entries)
	c.mu.Unlock()

	metrics.LearnedCommands.Set(float64(size))
	c.logger.Info().Int("entries", size).Msg("Learned command cache warmed")
	return nil
}

// Lookup returns the learned mapping for a normalized phrase
func (c *Cache) Lookup(recognized string) (LearnedCommand, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lc, ok := c.entries[Normalize(recognized)]
	return lc, ok
}

// Learn records a new mapping. The cache is updated synchronously, the
// store write happens in the background. A later learn for the same
// phrase overwrites the earlier one.
func (c *Cache) Learn(lc LearnedCommand) {
	lc.Recognized = Normalize(lc.Recognized)
	if !lc.Valid() {
		return
	}
	if lc.LastUsed.IsZero() {
		lc.LastUsed = time.Now()
	}

	c.mu.Lock()
	c.entries[lc.Recognized] = lc
	size := len(c.entries)
	c.mu.Unlock()

	metrics.LearnedCommands.Set(float64(size))
	c.persistAsync(lc)
}

// Touch bumps usage stats for a cache hit
func (c *Cache) Touch(recognized string) {
	key := Normalize(recognized)

	c.mu.Lock()
	lc, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	lc.HitCount++
	lc.LastUsed = time.Now()
	c.entries[key] = lc
	c.mu.Unlock()

	c.persistAsync(lc)
}

// Forget drops a mapping from the cache and the store
func (c *Cache) Forget(ctx context.Context, recognized string) error {
	key := Normalize(recognized)

	c.mu.Lock()
	delete(c.entries, key)
	size := len(c.entries)
	c.mu.Unlock()

	metrics.LearnedCommands.Set(float64(size))
	return c.store.Delete(ctx, key)
}

// Entries returns a snapshot sorted by most recent use
func (c *Cache) Entries() []LearnedCommand {
	c.mu.RLock()
	entries := make([]LearnedCommand, 0, len(c.entries))
	for _, lc := range c.entries {
		entries = append(entries, lc)
	}
	c.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastUsed.After(entries[j].LastUsed)
	})
	return entries
}

// Len returns the number of cached mappings
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// EvictWhere removes matching entries from the cache only, leaving the
// store untouched. Used after the store has already been pruned.
func (c *Cache) EvictWhere(match func(LearnedCommand) bool) int {
	c.mu.Lock()
	var stale []string
	for key, lc := range c.entries {
		if match(lc) {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		delete(c.entries, key)
	}
	size := len(c.entries)
	c.mu.Unlock()

	metrics.LearnedCommands.Set(float64(size))
	return len(stale)
}

// DropWhere removes every cached entry the predicate matches, store
// included. Returns how many were dropped.
func (c *Cache) DropWhere(ctx context.Context, match func(LearnedCommand) bool) int {
	c.mu.Lock()
	var stale []string
	for key, lc := range c.entries {
		if match(lc) {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		delete(c.entries, key)
	}
	size := len(c.entries)
	c.mu.Unlock()

	for _, key := range stale {
		if err := c.store.Delete(ctx, key); err != nil && err != ErrNotFound {
			c.logger.Warn().Err(err).Str("recognized", key).Msg("Failed to delete learned command")
		}
	}

	metrics.LearnedCommands.Set(float64(size))
	return len(stale)
}

func (c *Cache) persistAsync(lc LearnedCommand) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.saveTimeout)
		defer cancel()

		if err := c.store.Save(ctx, lc); err != nil {
			c.logger.Warn().
				Err(err).
				Str("recognized", lc.Recognized).
				Str("command", lc.Command).
				Msg("Failed to persist learned command")
		}
	}()
}

// Flush waits for in-flight background writes. Used on shutdown and in
// tests; normal operation never blocks on it.
func (c *Cache) Flush() {
	c.pending.Wait()
}
