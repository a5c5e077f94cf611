package orchestrator

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexvoice/internal/metrics"
	"github.com/normanking/cortexvoice/internal/stt"
)

// Severity buckets engine failures by how much recovery they warrant.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action is what the orchestrator should do about a failure.
type Action string

const (
	ActionRetryImmediately Action = "retry_immediately"
	ActionRetryWithDelay   Action = "retry_with_delay"
	ActionResetEngine      Action = "reset_engine"
	ActionSwitchEngine     Action = "switch_engine"
)

// ErrorEvent is one recorded engine failure.
type ErrorEvent struct {
	EngineID string
	Code     stt.ErrorCode
	Severity Severity
	Err      error
	At       time.Time
}

// Decision is the recovery verdict for one failure.
type Decision struct {
	Severity Severity
	Action   Action
	// the failure is part of a cluster inside the window
	Clustered   bool
	WindowCount int
}

// RecoveryConfig tunes the clustering detector.
type RecoveryConfig struct {
	// sliding window for counting related failures
	Window time.Duration
	// failures within the window that force an engine switch
	ClusterThreshold int
	// retained events per engine
	MaxHistory int
}

// DefaultRecoveryConfig returns the production clustering policy
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Window:           30 * time.Second,
		ClusterThreshold: 3,
		MaxHistory:       32,
	}
}

// RecoveryManager classifies engine failures and decides between retry,
// reset, and switch. Repeated failures inside the window escalate to a
// switch regardless of individual severity.
type RecoveryManager struct {
	cfg    RecoveryConfig
	logger zerolog.Logger

	mu      sync.Mutex
	history map[string][]ErrorEvent

	now func() time.Time
}

// NewRecoveryManager creates a manager with the given policy
func NewRecoveryManager(cfg RecoveryConfig, logger zerolog.Logger) *RecoveryManager {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.ClusterThreshold <= 0 {
		cfg.ClusterThreshold = 3
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 32
	}
	return &RecoveryManager{
		cfg:     cfg,
		logger:  logger.With().Str("component", "recovery").Logger(),
		history: make(map[string][]ErrorEvent),
		now:     time.Now,
	}
}

// Classify maps an engine error code onto a severity
func Classify(code stt.ErrorCode) Severity {
	switch code {
	case stt.CodeAudio:
		return SeverityLow
	case stt.CodeNetwork, stt.CodeTimeout:
		return SeverityMedium
	case stt.CodeResource, stt.CodeAuth:
		return SeverityHigh
	case stt.CodeFatal:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

func actionFor(sev Severity) Action {
	switch sev {
	case SeverityLow:
		return ActionRetryImmediately
	case SeverityMedium:
		return ActionRetryWithDelay
	case SeverityHigh:
		return ActionResetEngine
	default:
		return ActionSwitchEngine
	}
}

// Record stores one failure and returns the recovery decision. The
// current event counts toward the cluster, so the threshold'th failure
// inside the window already triggers the switch.
func (r *RecoveryManager) Record(engErr stt.EngineError) Decision {
	now := r.now()
	severity := Classify(engErr.Code)

	event := ErrorEvent{
		EngineID: engErr.EngineID,
		Code:     engErr.Code,
		Severity: severity,
		Err:      engErr.Err,
		At:       now,
	}

	r.mu.Lock()
	events := append(r.history[engErr.EngineID], event)

	// drop events outside the window, then cap retained history
	cutoff := now.Add(-r.cfg.Window)
	kept := events[:0]
	for _, e := range events {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	if len(kept) > r.cfg.MaxHistory {
		kept = kept[len(kept)-r.cfg.MaxHistory:]
	}
	r.history[engErr.EngineID] = kept
	windowCount := len(kept)
	r.mu.Unlock()

	decision := Decision{
		Severity:    severity,
		Action:      actionFor(severity),
		WindowCount: windowCount,
	}
	if windowCount >= r.cfg.ClusterThreshold {
		decision.Clustered = true
		decision.Action = ActionSwitchEngine
	}

	metrics.EngineErrors.WithLabelValues(engErr.EngineID, string(severity)).Inc()

	r.logger.Warn().
		Str("engine", engErr.EngineID).
		Str("code", string(engErr.Code)).
		Str("severity", string(severity)).
		Str("action", string(decision.Action)).
		Int("window_count", windowCount).
		Bool("clustered", decision.Clustered).
		Err(engErr.Err).
		Msg("Engine error recorded")

	return decision
}

// History returns a copy of the retained events for an engine
func (r *RecoveryManager) History(engineID string) []ErrorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.history[engineID]
	out := make([]ErrorEvent, len(events))
	copy(out, events)
	return out
}

// Clear drops the history for an engine, e.g. after a successful reset
func (r *RecoveryManager) Clear(engineID string) {
	r.mu.Lock()
	delete(r.history, engineID)
	r.mu.Unlock()
}
