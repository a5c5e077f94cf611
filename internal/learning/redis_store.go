package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisHashKey = "cortexvoice:learned"

// RedisConfig holds connection settings for the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore implements Store on a Redis hash, one field per normalized
// recognized phrase. Useful when several devices share a vocabulary.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis and validates the connection
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{rdb: rdb}, nil
}

// Save upserts one learned command; the hash field write is atomic so the
// latest save wins.
func (s *RedisStore) Save(ctx context.Context, lc LearnedCommand) error {
	lc.Recognized = Normalize(lc.Recognized)
	if !lc.Valid() {
		return ErrInvalidEntry
	}

	payload, err := json.Marshal(lc)
	if err != nil {
		return fmt.Errorf("marshal learned command: %w", err)
	}

	if err := s.rdb.HSet(ctx, redisHashKey, lc.Recognized, payload).Err(); err != nil {
		return fmt.Errorf("hset failed: %w", err)
	}
	return nil
}

// Load returns all learned commands
func (s *RedisStore) Load(ctx context.Context) ([]LearnedCommand, error) {
	fields, err := s.rdb.HGetAll(ctx, redisHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall failed: %w", err)
	}

	entries := make([]LearnedCommand, 0, len(fields))
	for field, payload := range fields {
		var lc LearnedCommand
		if err := json.Unmarshal([]byte(payload), &lc); err != nil {
			return nil, fmt.Errorf("unmarshal learned command %q: %w", field, err)
		}
		entries = append(entries, lc)
	}
	return entries, nil
}

// Delete removes one learned command
func (s *RedisStore) Delete(ctx context.Context, recognized string) error {
	recognized = Normalize(recognized)
	if recognized == "" {
		return ErrInvalidEntry
	}

	removed, err := s.rdb.HDel(ctx, redisHashKey, recognized).Result()
	if err != nil {
		return fmt.Errorf("hdel failed: %w", err)
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

// Prune removes entries last used before the cutoff and reports how many
func (s *RedisStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	entries, err := s.Load(ctx)
	if err != nil {
		return 0, err
	}

	var stale []string
	for _, lc := range entries {
		if lc.LastUsed.Before(olderThan) {
			stale = append(stale, lc.Recognized)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	removed, err := s.rdb.HDel(ctx, redisHashKey, stale...).Result()
	if err != nil {
		return 0, fmt.Errorf("hdel failed: %w", err)
	}
	return int(removed), nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

var _ Store = (*RedisStore)(nil)
