// Package mode holds the listening-state machine: command listening,
// dictation, sleeping, and the timers that move between them.
package mode

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexvoice/internal/bus"
)

// State is the listening sub-state of the recognition pipeline.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSleeping   State = "sleeping"
	StateDictation  State = "dictation"
)

// Disposition tells the caller what to do with a final result.
type Disposition int

const (
	// DispositionIgnore drops the text (idle, or asleep without a wake phrase)
	DispositionIgnore Disposition = iota
	// DispositionCommand sends the text to the command matcher
	DispositionCommand
	// DispositionDictation publishes the text as dictation output
	DispositionDictation
	// DispositionWake consumed a wake phrase
	DispositionWake
	// DispositionSleep consumed a mute phrase
	DispositionSleep
	// DispositionDictationStart consumed a dictation-start phrase
	DispositionDictationStart
	// DispositionDictationEnd consumed a dictation-stop phrase
	DispositionDictationEnd
)

func (d Disposition) String() string {
	switch d {
	case DispositionCommand:
		return "command"
	case DispositionDictation:
		return "dictation"
	case DispositionWake:
		return "wake"
	case DispositionSleep:
		return "sleep"
	case DispositionDictationStart:
		return "dictation_start"
	case DispositionDictationEnd:
		return "dictation_end"
	default:
		return "ignore"
	}
}

// Config sets the control phrases and timers.
type Config struct {
	MutePhrases           []string
	WakePhrases           []string
	DictationStartPhrases []string
	DictationStopPhrases  []string

	// InactivityTimeout puts the controller to sleep this long after
	// the last executed command. Zero disables the timer.
	InactivityTimeout time.Duration
	// DictationSilence ends dictation after this much silence.
	DictationSilence time.Duration
}

// DefaultConfig returns the stock phrases and timers
func DefaultConfig() Config {
	return Config{
		MutePhrases:           []string{"stop listening", "go to sleep", "mute microphone"},
		WakePhrases:           []string{"wake up", "start listening", "resume listening"},
		DictationStartPhrases: []string{"start dictation", "begin dictation"},
		DictationStopPhrases:  []string{"stop dictation", "end dictation"},
		InactivityTimeout:     5 * time.Minute,
		DictationSilence:      8 * time.Second,
	}
}

type transition struct {
	from   State
	to     State
	reason string
}

// Controller is the single owner of the listening state. Every
// transition is driven by recognized text or a timer; callers observe
// state, they never set it directly.
type Controller struct {
	cfg    Config
	events *bus.EventBus
	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	inactivity *time.Timer
	dictation  *time.Timer

	hook func(from, to State, reason string)
}

// New creates a controller in the idle state
func New(cfg Config, events *bus.EventBus, logger zerolog.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		events: events,
		logger: logger.With().Str("component", "mode").Logger(),
		state:  StateIdle,
	}
}

// SetTransitionHook installs a callback invoked after every transition.
// Timer-driven transitions arrive on the timer goroutine.
func (c *Controller) SetTransitionHook(hook func(from, to State, reason string)) {
	c.mu.Lock()
	c.hook = hook
	c.mu.Unlock()
}

// Current returns the present state
func (c *Controller) Current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start moves idle to listening. Calling it in any other state is a
// no-op so a restarted session does not clobber sleep or dictation.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	tr := c.transitionLocked(StateListening, "start")
	c.armInactivityLocked()
	c.mu.Unlock()
	c.fire(tr)
}

// Stop returns to idle and cancels all timers
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.stopTimersLocked()
	tr := c.transitionLocked(StateIdle, "stop")
	c.mu.Unlock()
	c.fire(tr)
}

// OnPartial notes recognition in flight. While listening it marks the
// processing sub-state; while dictating it counts as speech and defers
// the silence timeout.
func (c *Controller) OnPartial() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateListening:
		c.state = StateProcessing
	case StateDictation:
		c.armDictationLocked()
	}
}

// OnFinal decides what the pipeline should do with a final transcript.
// Control phrases are consumed here and never reach the matcher.
func (c *Controller) OnFinal(text string) Disposition {
	phrase := normalizePhrase(text)

	c.mu.Lock()
	state := c.state

	var (
		tr  *transition
		out Disposition
	)
	switch state {
	case StateIdle:
		out = DispositionIgnore

	case StateSleeping:
		if containsPhrase(c.cfg.WakePhrases, phrase) {
			tr = c.transitionLocked(StateListening, "wake_phrase")
			c.armInactivityLocked()
			out = DispositionWake
		} else {
			out = DispositionIgnore
		}

	case StateDictation:
		if containsPhrase(c.cfg.DictationStopPhrases, phrase) {
			c.stopDictationTimerLocked()
			tr = c.transitionLocked(StateListening, "dictation_stop")
			c.armInactivityLocked()
			out = DispositionDictationEnd
		} else {
			c.armDictationLocked()
			out = DispositionDictation
		}

	default: // listening or processing
		switch {
		case containsPhrase(c.cfg.MutePhrases, phrase):
			c.stopTimersLocked()
			tr = c.transitionLocked(StateSleeping, "mute_phrase")
			out = DispositionSleep
		case containsPhrase(c.cfg.DictationStartPhrases, phrase):
			c.stopTimersLocked()
			tr = c.transitionLocked(StateDictation, "dictation_start")
			c.armDictationLocked()
			out = DispositionDictationStart
		default:
			c.state = StateProcessing
			out = DispositionCommand
		}
	}
	c.mu.Unlock()

	c.fire(tr)
	return out
}

// CommandHandled closes the processing window opened by OnFinal. An
// executed command counts as activity and defers the sleep timer.
func (c *Controller) CommandHandled(executed bool) {
	c.mu.Lock()
	if c.state == StateProcessing {
		c.state = StateListening
	}
	if executed {
		c.armInactivityLocked()
	}
	c.mu.Unlock()
}

// transitionLocked records the state change; callers hold the lock
func (c *Controller) transitionLocked(to State, reason string) *transition {
	tr := &transition{from: c.state, to: to, reason: reason}
	c.state = to
	return tr
}

// fire publishes a transition outside the lock
func (c *Controller) fire(tr *transition) {
	if tr == nil {
		return
	}
	c.logger.Info().
		Str("from", string(tr.from)).
		Str("to", string(tr.to)).
		Str("reason", tr.reason).
		Msg("Mode changed")
	c.events.Publish(bus.Event{Type: bus.EventTypeModeChanged, Data: map[string]any{
		"from":   string(tr.from),
		"to":     string(tr.to),
		"reason": tr.reason,
	}})

	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(tr.from, tr.to, tr.reason)
	}
}

func (c *Controller) armInactivityLocked() {
	if c.inactivity != nil {
		c.inactivity.Stop()
		c.inactivity = nil
	}
	if c.cfg.InactivityTimeout <= 0 {
		return
	}
	c.inactivity = time.AfterFunc(c.cfg.InactivityTimeout, c.inactivityElapsed)
}

func (c *Controller) armDictationLocked() {
	if c.dictation != nil {
		c.dictation.Stop()
		c.dictation = nil
	}
	if c.cfg.DictationSilence <= 0 {
		return
	}
	c.dictation = time.AfterFunc(c.cfg.DictationSilence, c.dictationElapsed)
}

func (c *Controller) stopDictationTimerLocked() {
	if c.dictation != nil {
		c.dictation.Stop()
		c.dictation = nil
	}
}

func (c *Controller) stopTimersLocked() {
	if c.inactivity != nil {
		c.inactivity.Stop()
		c.inactivity = nil
	}
	c.stopDictationTimerLocked()
}

func (c *Controller) inactivityElapsed() {
	c.mu.Lock()
	if c.state != StateListening && c.state != StateProcessing {
		c.mu.Unlock()
		return
	}
	tr := c.transitionLocked(StateSleeping, "inactivity")
	c.mu.Unlock()
	c.fire(tr)
}

func (c *Controller) dictationElapsed() {
	c.mu.Lock()
	if c.state != StateDictation {
		c.mu.Unlock()
		return
	}
	tr := c.transitionLocked(StateListening, "dictation_silence")
	c.armInactivityLocked()
	c.mu.Unlock()
	c.fire(tr)
}

func normalizePhrase(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func containsPhrase(phrases []string, normalized string) bool {
	for _, p := range phrases {
		if normalizePhrase(p) == normalized {
			return true
		}
	}
	return false
}
