package learning

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Janitor prunes stale and orphaned learned commands on a cron schedule.
// Retention of zero disables age-based pruning; orphan removal (mappings
// whose target command left the vocabulary) runs regardless.
type Janitor struct {
	cron      *cron.Cron
	cache     *Cache
	store     Store
	retention time.Duration
	schedule  string
	logger    zerolog.Logger

	// reports whether a canonical command is still registered
	commandExists func(string) bool
}

// NewJanitor builds a janitor. commandExists may be nil when no
// vocabulary check is wanted.
func NewJanitor(cache *Cache, store Store, retention time.Duration, schedule string, commandExists func(string) bool, logger zerolog.Logger) *Janitor {
	return &Janitor{
		cron:          cron.New(),
		cache:         cache,
		store:         store,
		retention:     retention,
		schedule:      schedule,
		logger:        logger.With().Str("component", "learning-janitor").Logger(),
		commandExists: commandExists,
	}
}

// Start registers the cron entry and starts the scheduler
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Warn().Err(err).Msg("Scheduled prune failed")
		}
	})
	if err != nil {
		return err
	}

	j.cron.Start()
	j.logger.Info().Str("schedule", j.schedule).Dur("retention", j.retention).Msg("Janitor started")
	return nil
}

// Stop halts the scheduler, waiting for a running job to finish
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// RunOnce prunes immediately and returns how many entries were removed
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	removed := 0

	if j.retention > 0 {
		cutoff := time.Now().Add(-j.retention)
		n, err := j.store.Prune(ctx, cutoff)
		if err != nil {
			return removed, err
		}
		removed += n
		j.cache.EvictWhere(func(lc LearnedCommand) bool {
			return lc.LastUsed.Before(cutoff)
		})
	}

	if j.commandExists != nil {
		removed += j.cache.DropWhere(ctx, func(lc LearnedCommand) bool {
			return !j.commandExists(lc.Command)
		})
	}

	if removed > 0 {
		j.logger.Info().Int("removed", removed).Msg("Pruned learned commands")
	}
	return removed, nil
}
