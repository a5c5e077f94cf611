package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexvoice/internal/bus"
	"github.com/normanking/cortexvoice/internal/metrics"
	"github.com/normanking/cortexvoice/internal/stt"
)

// ErrAlreadyStarted is returned when Start is called twice
var ErrAlreadyStarted = errors.New("orchestrator already started")

// Config bundles the orchestrator sub-component settings.
type Config struct {
	Init     InitConfig
	Recovery RecoveryConfig
	Perf     PerfConfig
	Selector SelectorConfig

	// Requirements is the standing filter applied on every selection.
	Requirements Requirements

	// RetryDelay paces session restarts for medium-severity errors.
	RetryDelay time.Duration
}

// DefaultConfig returns production orchestrator settings
func DefaultConfig() Config {
	return Config{
		Init:       DefaultInitConfig(),
		Recovery:   DefaultRecoveryConfig(),
		Perf:       DefaultPerfConfig(),
		Selector:   DefaultSelectorConfig(),
		RetryDelay: 2 * time.Second,
	}
}

// action is one recovery step queued for the run loop
type action struct {
	engineID string
	act      Action
}

// EngineStatus is the observable state of one registered engine.
type EngineStatus struct {
	ID          string       `json:"id"`
	State       EngineState  `json:"state"`
	Active      bool         `json:"active"`
	Priority    int          `json:"priority"`
	Cooldown    bool         `json:"cooldown"`
	Performance PerfSnapshot `json:"performance"`
	LastError   string       `json:"last_error,omitempty"`
}

// Orchestrator owns the engine pool. Exactly one engine is active at a
// time; its results flow out the merged Results channel. Engine errors
// feed the recovery manager, whose decisions the run loop executes so
// that channel pumps never block on recovery work.
type Orchestrator struct {
	cfg      Config
	registry *Registry
	coord    *Coordinator
	recovery *RecoveryManager
	monitor  *Monitor
	selector *Selector
	events   *bus.EventBus
	logger   zerolog.Logger

	results chan stt.RecognitionResult
	actions chan action
	done    chan struct{}

	mu        sync.RWMutex
	active    *EngineHandle
	mode      stt.ListenMode
	listening bool
	commands  []string
	req       Requirements
	started   bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates an orchestrator over a populated registry
func New(cfg Config, registry *Registry, events *bus.EventBus, logger zerolog.Logger) *Orchestrator {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	monitor := NewMonitor(cfg.Perf, logger)
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		coord:    NewCoordinator(cfg.Init, logger),
		recovery: NewRecoveryManager(cfg.Recovery, logger),
		monitor:  monitor,
		selector: NewSelector(cfg.Selector, registry, monitor, logger),
		events:   events,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		results:  make(chan stt.RecognitionResult, 64),
		actions:  make(chan action, 16),
		done:     make(chan struct{}),
		req:      cfg.Requirements,
	}
}

// Requirements returns the standing selection filter
func (o *Orchestrator) Requirements() Requirements {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.req
}

// SetRequirements replaces the standing selection filter. It takes
// effect on the next selection; call Reselect to apply it now.
func (o *Orchestrator) SetRequirements(req Requirements) {
	o.mu.Lock()
	o.req = req
	o.mu.Unlock()
}

// Start brings up the run loop and channel pumps, then activates the
// best available engine. Engines that fail initialization are marked
// and the next candidate is tried.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(ctx)

	for _, h := range o.registry.Handles() {
		o.wg.Add(2)
		go o.pumpResults(h)
		go o.pumpErrors(h)
	}

	next, err := o.activate(ctx)
	if err != nil {
		return err
	}
	o.setActive(next)
	o.events.Publish(bus.Event{Type: bus.EventTypeEngineState, Data: map[string]any{
		"engine": next.ID(),
		"state":  string(next.State()),
	}})
	o.logger.Info().Str("engine", next.ID()).Msg("Orchestrator started")
	return nil
}

// activate selects and initializes engines until one comes up
func (o *Orchestrator) activate(ctx context.Context) (*EngineHandle, error) {
	mode, listening := o.session()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h, err := o.selector.Select(o.Requirements())
		if err != nil {
			return nil, err
		}
		res := o.coord.Initialize(ctx, h)
		if !res.Success {
			o.selector.MarkFailed(h.ID())
			continue
		}
		h.Adapter.SetDynamicCommands(o.currentCommands())
		if listening {
			if err := h.Adapter.StartListening(ctx, mode); err != nil {
				o.logger.Warn().Err(err).Str("engine", h.ID()).Msg("Engine failed to start listening")
				o.selector.MarkFailed(h.ID())
				continue
			}
		}
		return h, nil
	}
}

// Listen opens a recognition session on the active engine. Switching
// modes restarts the session in the new mode.
func (o *Orchestrator) Listen(ctx context.Context, mode stt.ListenMode) error {
	h := o.activeHandle()
	if h == nil {
		return ErrNoEngineAvailable
	}

	o.mu.Lock()
	if o.listening && o.mode == mode {
		o.mu.Unlock()
		return nil
	}
	restart := o.listening
	o.mode = mode
	o.listening = true
	o.mu.Unlock()

	if restart {
		if err := h.Adapter.StopListening(); err != nil {
			o.logger.Warn().Err(err).Str("engine", h.ID()).Msg("Stop before mode switch failed")
		}
	}
	if err := h.Adapter.StartListening(ctx, mode); err != nil {
		o.logger.Warn().Err(err).Str("engine", h.ID()).Msg("Active engine failed to listen, failing over")
		return o.failover(ctx, "start_failed")
	}
	return nil
}

// StopListening ends the recognition session
func (o *Orchestrator) StopListening() error {
	o.mu.Lock()
	o.listening = false
	o.mu.Unlock()

	if h := o.activeHandle(); h != nil {
		return h.Adapter.StopListening()
	}
	return nil
}

// WriteAudio forwards one gated speech frame to the active engine
func (o *Orchestrator) WriteAudio(frame []byte) error {
	h := o.activeHandle()
	if h == nil {
		return ErrNoEngineAvailable
	}
	return h.Adapter.WriteAudio(frame)
}

// EndUtterance signals a segment boundary to the active engine
func (o *Orchestrator) EndUtterance() {
	if h := o.activeHandle(); h != nil {
		h.Adapter.EndUtterance()
	}
}

// SetDynamicCommands updates the phrase hints and pushes them to the
// active engine. The set survives failovers.
func (o *Orchestrator) SetDynamicCommands(commands []string) {
	o.mu.Lock()
	o.commands = append([]string(nil), commands...)
	o.mu.Unlock()

	if h := o.activeHandle(); h != nil {
		h.Adapter.SetDynamicCommands(commands)
	}
}

// Results delivers the active engine's recognition stream
func (o *Orchestrator) Results() <-chan stt.RecognitionResult {
	return o.results
}

// ActiveEngine returns the active engine id, or "" when none is up
func (o *Orchestrator) ActiveEngine() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.active == nil {
		return ""
	}
	return o.active.ID()
}

func (o *Orchestrator) activeHandle() *EngineHandle {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active
}

func (o *Orchestrator) setActive(h *EngineHandle) {
	o.mu.Lock()
	prev := o.active
	o.active = h
	o.mu.Unlock()

	if prev != nil {
		metrics.ActiveEngine.WithLabelValues(prev.ID()).Set(0)
	}
	if h != nil {
		metrics.ActiveEngine.WithLabelValues(h.ID()).Set(1)
	}
}

func (o *Orchestrator) session() (stt.ListenMode, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.mode, o.listening
}

func (o *Orchestrator) currentCommands() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.commands...)
}

// SwitchTo activates a specific engine by id, bypassing selection.
// The previous engine keeps its state and gets no cooldown.
func (o *Orchestrator) SwitchTo(ctx context.Context, engineID string) error {
	return o.switchTo(ctx, engineID, "manual")
}

// Reselect re-runs selection against the current requirements and
// switches when a different engine wins. Unlike failover, nothing is
// marked failed.
func (o *Orchestrator) Reselect(ctx context.Context, reason string) error {
	next, err := o.selector.Select(o.Requirements())
	if err != nil {
		return err
	}
	if old := o.activeHandle(); old != nil && old.ID() == next.ID() {
		return nil
	}
	return o.switchTo(ctx, next.ID(), reason)
}

func (o *Orchestrator) switchTo(ctx context.Context, engineID, reason string) error {
	next, ok := o.registry.Get(engineID)
	if !ok {
		return ErrEngineUnknown
	}
	res := o.coord.Initialize(ctx, next)
	if !res.Success {
		if res.Err != nil {
			return res.Err
		}
		return stt.ErrEngineUnavailable
	}

	old := o.activeHandle()
	if old != nil && old.ID() == engineID {
		return nil
	}
	mode, listening := o.session()
	if old != nil && listening {
		if err := old.Adapter.StopListening(); err != nil {
			o.logger.Warn().Err(err).Str("engine", old.ID()).Msg("Stop on manual switch failed")
		}
	}
	next.Adapter.SetDynamicCommands(o.currentCommands())
	if listening {
		if err := next.Adapter.StartListening(ctx, mode); err != nil {
			return err
		}
	}
	o.setActive(next)
	o.publishSwitch(old, next, reason)
	return nil
}

// run executes recovery decisions queued by the error pumps
func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		case a := <-o.actions:
			o.dispatch(ctx, a)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, a action) {
	if o.ActiveEngine() != a.engineID {
		return // stale: engine already replaced
	}
	switch a.act {
	case ActionRetryImmediately:
		o.logger.Debug().Str("engine", a.engineID).Msg("Transient engine error, continuing")

	case ActionRetryWithDelay:
		select {
		case <-time.After(o.cfg.RetryDelay):
		case <-o.done:
			return
		case <-ctx.Done():
			return
		}
		o.restartSession(ctx, a.engineID)

	case ActionResetEngine:
		h, ok := o.registry.Get(a.engineID)
		if !ok {
			return
		}
		o.logger.Info().Str("engine", a.engineID).Msg("Resetting engine")
		if err := o.coord.Reset(h); err != nil {
			o.logger.Warn().Err(err).Str("engine", a.engineID).Msg("Engine reset failed")
		}
		res := o.coord.Initialize(ctx, h)
		if !res.Success {
			if err := o.failover(ctx, "reset_failed"); err != nil {
				o.logger.Error().Err(err).Msg("Failover after failed reset found no engine")
			}
			return
		}
		o.restartSession(ctx, a.engineID)

	case ActionSwitchEngine:
		if err := o.failover(ctx, "errors"); err != nil {
			o.logger.Error().Err(err).Msg("Failover found no engine")
		}
	}
}

// restartSession re-establishes the listening session after a recovery
// step; a start failure escalates to failover
func (o *Orchestrator) restartSession(ctx context.Context, engineID string) {
	h, ok := o.registry.Get(engineID)
	if !ok || o.ActiveEngine() != engineID {
		return
	}
	mode, listening := o.session()
	if !listening {
		return
	}
	if err := h.Adapter.StopListening(); err != nil {
		o.logger.Debug().Err(err).Str("engine", engineID).Msg("Stop before session restart failed")
	}
	if err := h.Adapter.StartListening(ctx, mode); err != nil {
		o.logger.Warn().Err(err).Str("engine", engineID).Msg("Session restart failed, failing over")
		if ferr := o.failover(ctx, "restart_failed"); ferr != nil {
			o.logger.Error().Err(ferr).Msg("Failover after failed restart found no engine")
		}
	}
}

// failover retires the active engine and activates the next candidate
func (o *Orchestrator) failover(ctx context.Context, reason string) error {
	old := o.activeHandle()
	if old != nil {
		o.selector.MarkFailed(old.ID())
		if err := old.Adapter.StopListening(); err != nil {
			o.logger.Debug().Err(err).Str("engine", old.ID()).Msg("Stop on failover failed")
		}
	}

	next, err := o.activate(ctx)
	if err != nil {
		o.setActive(nil)
		o.logger.Error().Err(err).Str("reason", reason).Msg("No engine available after failover")
		o.events.Publish(bus.Event{Type: bus.EventTypeEngineError, Data: map[string]any{
			"error":  err.Error(),
			"reason": reason,
		}})
		return err
	}

	o.setActive(next)
	metrics.EngineSwitches.WithLabelValues(reason).Inc()
	o.publishSwitch(old, next, reason)
	return nil
}

func (o *Orchestrator) publishSwitch(old, next *EngineHandle, reason string) {
	from := ""
	if old != nil {
		from = old.ID()
	}
	o.logger.Info().
		Str("from", from).
		Str("to", next.ID()).
		Str("reason", reason).
		Msg("Engine switched")
	o.events.Publish(bus.Event{Type: bus.EventTypeEngineSwitched, Data: map[string]any{
		"from":   from,
		"to":     next.ID(),
		"reason": reason,
	}})
}

// pumpResults drains one engine's result channel for its lifetime.
// Results from engines that are no longer active are dropped so a
// late transcription cannot fire a command after a switch.
func (o *Orchestrator) pumpResults(h *EngineHandle) {
	defer o.wg.Done()
	for res := range h.Adapter.Results() {
		if o.ActiveEngine() != h.ID() {
			o.logger.Debug().Str("engine", h.ID()).Msg("Dropping result from inactive engine")
			continue
		}
		if res.IsFinal {
			o.monitor.RecordSuccess(h.ID(), true)
			if res.Latency > 0 {
				o.monitor.RecordLatency(h.ID(), res.Latency)
				metrics.RecognitionLatency.WithLabelValues(h.ID()).Observe(res.Latency.Seconds())
			}
			metrics.Recognitions.WithLabelValues(h.ID(), "final").Inc()
		} else {
			metrics.Recognitions.WithLabelValues(h.ID(), "partial").Inc()
		}
		select {
		case o.results <- res:
		default:
			o.logger.Warn().Str("engine", h.ID()).Msg("Result channel full, dropping recognition")
		}
	}
}

// pumpErrors feeds one engine's errors into the recovery manager and
// queues the decided action when that engine is active
func (o *Orchestrator) pumpErrors(h *EngineHandle) {
	defer o.wg.Done()
	for engErr := range h.Adapter.Errors() {
		dec := o.recovery.Record(engErr)
		o.monitor.RecordSuccess(h.ID(), false)
		o.events.Publish(bus.Event{Type: bus.EventTypeEngineError, Data: map[string]any{
			"engine":   h.ID(),
			"code":     string(engErr.Code),
			"severity": string(dec.Severity),
			"action":   string(dec.Action),
		}})
		if o.ActiveEngine() != h.ID() {
			continue
		}
		o.enqueue(action{engineID: h.ID(), act: dec.Action})
	}
}

func (o *Orchestrator) enqueue(a action) {
	select {
	case o.actions <- a:
	default:
		o.logger.Warn().
			Str("engine", a.engineID).
			Str("action", string(a.act)).
			Msg("Recovery queue full, dropping action")
	}
}

// Status reports every registered engine for the status API
func (o *Orchestrator) Status() []EngineStatus {
	activeID := o.ActiveEngine()
	handles := o.registry.Handles()
	statuses := make([]EngineStatus, 0, len(handles))
	for _, h := range handles {
		s := EngineStatus{
			ID:          h.ID(),
			State:       h.State(),
			Active:      h.ID() == activeID,
			Priority:    h.Priority,
			Cooldown:    o.selector.InCooldown(h.ID()),
			Performance: o.monitor.Snapshot(h.ID()),
		}
		if err := h.LastError(); err != nil {
			s.LastError = err.Error()
		}
		statuses = append(statuses, s)
	}
	return statuses
}

// Shutdown stops the run loop, destroys every engine and closes the
// results channel. Safe to call more than once.
func (o *Orchestrator) Shutdown() error {
	var firstErr error
	o.closeOnce.Do(func() {
		close(o.done)

		o.mu.Lock()
		o.listening = false
		o.active = nil
		o.mu.Unlock()

		for _, h := range o.registry.Handles() {
			if err := h.Adapter.Destroy(); err != nil && firstErr == nil {
				firstErr = err
			}
			h.SetState(StateDestroyed)
			metrics.ActiveEngine.WithLabelValues(h.ID()).Set(0)
		}

		o.wg.Wait()
		close(o.results)
		o.logger.Info().Msg("Orchestrator stopped")
	})
	return firstErr
}
