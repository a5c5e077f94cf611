package orchestrator

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// InitConfig tunes the guarded initialization loop.
type InitConfig struct {
	MaxRetries     int
	InitialDelay   time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	Jitter         time.Duration
	AttemptTimeout time.Duration
	// exhausted retries mark the engine Degraded instead of Failed
	AllowDegraded bool
}

// DefaultInitConfig returns the production retry policy
func DefaultInitConfig() InitConfig {
	return InitConfig{
		MaxRetries:     3,
		InitialDelay:   1000 * time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       8000 * time.Millisecond,
		Jitter:         250 * time.Millisecond,
		AttemptTimeout: 30 * time.Second,
		AllowDegraded:  true,
	}
}

// InitResult reports one initialization run.
type InitResult struct {
	EngineID  string
	Success   bool
	State     EngineState
	Attempts  int
	TotalTime time.Duration
	Degraded  bool
	Err       error
}

// Coordinator serializes engine initialization: one attempt loop per
// engine at a time, exponential backoff with jitter between attempts,
// and idempotent completion for callers that lose the race.
type Coordinator struct {
	cfg    InitConfig
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// injectable for deterministic tests
	jitterFn func(max time.Duration) time.Duration
}

// NewCoordinator creates a coordinator with the given retry policy
func NewCoordinator(cfg InitConfig, logger zerolog.Logger) *Coordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Coordinator{
		cfg:      cfg,
		logger:   logger.With().Str("component", "init").Logger(),
		locks:    make(map[string]*sync.Mutex),
		jitterFn: uniformJitter,
	}
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

func (c *Coordinator) lockFor(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	if lock, ok := c.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	c.locks[id] = lock
	return lock
}

// backoffDelay returns the pre-jitter delay before retry n (1-based):
// min(initial * multiplier^(n-1), max).
func (c *Coordinator) backoffDelay(attempt int) time.Duration {
	delay := float64(c.cfg.InitialDelay) * math.Pow(c.cfg.Multiplier, float64(attempt-1))
	if capped := float64(c.cfg.MaxDelay); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}

// Initialize runs the guarded attempt loop for one engine. Concurrent
// callers for the same engine block until the running loop finishes and
// then return its outcome without re-initializing (attempts == 0).
func (c *Coordinator) Initialize(ctx context.Context, handle *EngineHandle) InitResult {
	lock := c.lockFor(handle.ID())
	lock.Lock()
	defer lock.Unlock()

	result := InitResult{EngineID: handle.ID()}

	// a concurrent caller already finished the work
	if state := handle.State(); state.Warm() {
		result.Success = true
		result.State = state
		result.Degraded = state == StateDegraded
		return result
	}

	start := time.Now()
	handle.SetState(StateInitializing)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		result.Attempts = attempt

		attemptCtx := ctx
		var cancel context.CancelFunc
		if c.cfg.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		}
		err := handle.Adapter.Initialize(attemptCtx, handle.Config)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			handle.SetState(StateReady)
			handle.setLastError(nil)
			result.Success = true
			result.State = StateReady
			result.TotalTime = time.Since(start)

			c.logger.Info().
				Str("engine", handle.ID()).
				Int("attempts", attempt).
				Dur("took", result.TotalTime).
				Msg("Engine initialized")
			return result
		}

		lastErr = err
		handle.setLastError(err)
		c.logger.Warn().
			Str("engine", handle.ID()).
			Int("attempt", attempt).
			Err(err).
			Msg("Engine initialization attempt failed")

		if ctx.Err() != nil {
			break
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		delay := c.backoffDelay(attempt) + c.jitterFn(c.cfg.Jitter)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	result.TotalTime = time.Since(start)
	result.Err = lastErr

	if c.cfg.AllowDegraded && ctx.Err() == nil {
		handle.SetState(StateDegraded)
		result.Success = true
		result.State = StateDegraded
		result.Degraded = true

		c.logger.Warn().
			Str("engine", handle.ID()).
			Int("attempts", result.Attempts).
			Err(lastErr).
			Msg("Engine entering degraded mode")
		return result
	}

	handle.SetState(StateFailed)
	result.State = StateFailed

	c.logger.Error().
		Str("engine", handle.ID()).
		Int("attempts", result.Attempts).
		Err(lastErr).
		Msg("Engine initialization failed")
	return result
}

// Reset tears the engine down so the next Initialize starts clean
func (c *Coordinator) Reset(handle *EngineHandle) error {
	lock := c.lockFor(handle.ID())
	lock.Lock()
	defer lock.Unlock()

	err := handle.Adapter.StopListening()
	handle.SetState(StateUninitialized)

	c.logger.Info().Str("engine", handle.ID()).Msg("Engine reset")
	return err
}
