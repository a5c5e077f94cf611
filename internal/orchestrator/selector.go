package orchestrator

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SelectorConfig weights the engine ranking.
type SelectorConfig struct {
	// PerformanceWeight scales the monitor grade (0..3) against the
	// declared engine priorities.
	PerformanceWeight float64
	// WarmBonus favors engines that are already initialized.
	WarmBonus float64
	// FailureCooldown keeps an engine out of selection after the
	// recovery manager gives up on it.
	FailureCooldown time.Duration
}

// DefaultSelectorConfig returns the production ranking weights
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		PerformanceWeight: 10,
		WarmBonus:         5,
		FailureCooldown:   30 * time.Second,
	}
}

// Requirements narrows the candidate set for one selection.
type Requirements struct {
	Language       string
	RequireOffline bool
	MaxFootprintMB int
}

// Selector ranks registered engines by declared priority, observed
// performance and warmth, after filtering out engines that cannot
// serve the request at all.
type Selector struct {
	cfg      SelectorConfig
	registry *Registry
	monitor  *Monitor
	logger   zerolog.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time

	now func() time.Time
}

// NewSelector creates a selector over a registry
func NewSelector(cfg SelectorConfig, registry *Registry, monitor *Monitor, logger zerolog.Logger) *Selector {
	if cfg.PerformanceWeight == 0 {
		cfg.PerformanceWeight = 10
	}
	if cfg.FailureCooldown <= 0 {
		cfg.FailureCooldown = 30 * time.Second
	}
	return &Selector{
		cfg:       cfg,
		registry:  registry,
		monitor:   monitor,
		logger:    logger.With().Str("component", "selector").Logger(),
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Select returns the best engine for the requirements, or
// ErrNoEngineAvailable when every candidate is filtered out.
// Score ties resolve by declared priority, then registration order.
func (s *Selector) Select(req Requirements) (*EngineHandle, error) {
	var (
		best      *EngineHandle
		bestScore float64
	)
	for _, h := range s.registry.Handles() {
		if !s.eligible(h, req) {
			continue
		}
		score := s.score(h)
		switch {
		case best == nil:
			best, bestScore = h, score
		case score > bestScore:
			best, bestScore = h, score
		case score == bestScore && h.Priority > best.Priority:
			best, bestScore = h, score
		}
	}
	if best == nil {
		return nil, ErrNoEngineAvailable
	}
	s.logger.Debug().
		Str("engine", best.ID()).
		Float64("score", bestScore).
		Str("language", req.Language).
		Bool("offline", req.RequireOffline).
		Msg("Engine selected")
	return best, nil
}

func (s *Selector) eligible(h *EngineHandle, req Requirements) bool {
	switch h.State() {
	case StateFailed, StateDestroyed:
		return false
	}
	if s.InCooldown(h.ID()) {
		return false
	}

	caps := h.Adapter.Capabilities()
	if !caps.SupportsLanguage(req.Language) {
		return false
	}
	if req.RequireOffline && !caps.OfflineCapable {
		return false
	}
	if req.MaxFootprintMB > 0 && caps.FootprintMB > req.MaxFootprintMB {
		return false
	}
	return true
}

func (s *Selector) score(h *EngineHandle) float64 {
	score := float64(h.Priority)
	score += s.cfg.PerformanceWeight * s.monitor.State(h.ID()).rank()
	if h.State().Warm() {
		score += s.cfg.WarmBonus
	}
	return score
}

// MarkFailed starts the failure cooldown for an engine
func (s *Selector) MarkFailed(engineID string) {
	until := s.now().Add(s.cfg.FailureCooldown)
	s.mu.Lock()
	s.cooldowns[engineID] = until
	s.mu.Unlock()
	s.logger.Warn().
		Str("engine", engineID).
		Time("until", until).
		Msg("Engine placed in failure cooldown")
}

// ClearCooldown lifts the cooldown early
func (s *Selector) ClearCooldown(engineID string) {
	s.mu.Lock()
	delete(s.cooldowns, engineID)
	s.mu.Unlock()
}

// InCooldown reports whether an engine is still cooling down. Expired
// entries are dropped on the way out.
func (s *Selector) InCooldown(engineID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.cooldowns[engineID]
	if !ok {
		return false
	}
	if s.now().After(until) {
		delete(s.cooldowns, engineID)
		return false
	}
	return true
}
