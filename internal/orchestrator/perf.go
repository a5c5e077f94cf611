package orchestrator

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PerfState grades an engine's recent behavior.
type PerfState string

const (
	PerfExcellent PerfState = "excellent"
	PerfGood      PerfState = "good"
	PerfDegraded  PerfState = "degraded"
	PerfPoor      PerfState = "poor"
)

// rank orders states for selection scoring
func (s PerfState) rank() float64 {
	switch s {
	case PerfExcellent:
		return 3
	case PerfGood:
		return 2
	case PerfDegraded:
		return 1
	default:
		return 0
	}
}

// PerfConfig holds the grading thresholds. An engine must beat both the
// latency and success bounds of a grade to earn it.
type PerfConfig struct {
	WindowSize int

	ExcellentLatency time.Duration
	ExcellentSuccess float64
	GoodLatency      time.Duration
	GoodSuccess      float64
	DegradedLatency  time.Duration
	DegradedSuccess  float64
}

// DefaultPerfConfig returns the production thresholds
func DefaultPerfConfig() PerfConfig {
	return PerfConfig{
		WindowSize:       50,
		ExcellentLatency: 100 * time.Millisecond,
		ExcellentSuccess: 0.95,
		GoodLatency:      300 * time.Millisecond,
		GoodSuccess:      0.85,
		DegradedLatency:  1000 * time.Millisecond,
		DegradedSuccess:  0.70,
	}
}

// PerfSnapshot is the observable view of one engine's window.
type PerfSnapshot struct {
	State       PerfState     `json:"state"`
	AvgLatency  time.Duration `json:"avg_latency"`
	SuccessRate float64       `json:"success_rate"`
	Samples     int           `json:"samples"`
}

type perfWindow struct {
	latencies []time.Duration
	outcomes  []bool
	state     PerfState
}

// Monitor keeps a rolling window of latency and success samples per
// engine and regrades after every update. An engine with no samples yet
// grades Good: unknown is not a reason to avoid it, nor to prefer it
// over a proven Excellent one.
type Monitor struct {
	cfg    PerfConfig
	logger zerolog.Logger

	mu      sync.RWMutex
	engines map[string]*perfWindow
}

// NewMonitor creates a monitor with the given thresholds
func NewMonitor(cfg PerfConfig, logger zerolog.Logger) *Monitor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 50
	}
	return &Monitor{
		cfg:     cfg,
		logger:  logger.With().Str("component", "perf").Logger(),
		engines: make(map[string]*perfWindow),
	}
}

func (m *Monitor) window(engineID string) *perfWindow {
	if w, ok := m.engines[engineID]; ok {
		return w
	}
	w := &perfWindow{state: PerfGood}
	m.engines[engineID] = w
	return w
}

// RecordLatency adds one latency sample
func (m *Monitor) RecordLatency(engineID string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.window(engineID)
	w.latencies = append(w.latencies, latency)
	if len(w.latencies) > m.cfg.WindowSize {
		w.latencies = w.latencies[len(w.latencies)-m.cfg.WindowSize:]
	}
	m.regrade(engineID, w)
}

// RecordSuccess adds one success/failure sample
func (m *Monitor) RecordSuccess(engineID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.window(engineID)
	w.outcomes = append(w.outcomes, ok)
	if len(w.outcomes) > m.cfg.WindowSize {
		w.outcomes = w.outcomes[len(w.outcomes)-m.cfg.WindowSize:]
	}
	m.regrade(engineID, w)
}

// regrade recomputes the state; callers hold the write lock
func (m *Monitor) regrade(engineID string, w *perfWindow) {
	avg := avgLatency(w.latencies)
	rate := successRate(w.outcomes)

	var state PerfState
	switch {
	case len(w.latencies) == 0 && len(w.outcomes) == 0:
		state = PerfGood
	case avg < m.cfg.ExcellentLatency && rate > m.cfg.ExcellentSuccess:
		state = PerfExcellent
	case avg < m.cfg.GoodLatency && rate > m.cfg.GoodSuccess:
		state = PerfGood
	case avg < m.cfg.DegradedLatency && rate > m.cfg.DegradedSuccess:
		state = PerfDegraded
	default:
		state = PerfPoor
	}

	if state != w.state {
		m.logger.Info().
			Str("engine", engineID).
			Str("from", string(w.state)).
			Str("to", string(state)).
			Dur("avg_latency", avg).
			Float64("success_rate", rate).
			Msg("Engine performance state changed")
	}
	w.state = state
}

func avgLatency(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return total / time.Duration(len(samples))
}

// successRate with no outcome samples reports 1.0 so a fresh engine's
// grade rides on latency alone
func successRate(outcomes []bool) float64 {
	if len(outcomes) == 0 {
		return 1.0
	}
	ok := 0
	for _, s := range outcomes {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(outcomes))
}

// State returns the current grade for an engine
func (m *Monitor) State(engineID string) PerfState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if w, ok := m.engines[engineID]; ok {
		return w.state
	}
	return PerfGood
}

// Snapshot returns the observable window stats for an engine
func (m *Monitor) Snapshot(engineID string) PerfSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.engines[engineID]
	if !ok {
		return PerfSnapshot{State: PerfGood, SuccessRate: 1.0}
	}
	return PerfSnapshot{
		State:       w.state,
		AvgLatency:  avgLatency(w.latencies),
		SuccessRate: successRate(w.outcomes),
		Samples:     len(w.latencies) + len(w.outcomes),
	}
}

// Reset drops the window for an engine
func (m *Monitor) Reset(engineID string) {
	m.mu.Lock()
	delete(m.engines, engineID)
	m.mu.Unlock()
}
