package audio

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexvoice/internal/bus"
	"github.com/normanking/cortexvoice/internal/metrics"
)

// FrontEndConfig holds front-end configuration
type FrontEndConfig struct {
	Enabled             bool          // VAD gating; when false all frames pass through
	FrameMs             int           // Frame duration, default 30ms
	CalibrationMs       int           // Explicit calibration window, default 1500ms
	RecalibrateInterval time.Duration // Periodic noise-floor refresh, default 30s
	VAD                 *VADConfig
}

// DefaultFrontEndConfig returns sensible defaults
func DefaultFrontEndConfig() *FrontEndConfig {
	return &FrontEndConfig{
		Enabled:             true,
		FrameMs:             30,
		CalibrationMs:       1500,
		RecalibrateInterval: 30 * time.Second,
		VAD:                 DefaultVADConfig(),
	}
}

// FrontEnd gates audio frames before they reach a recognition engine.
// Non-speech frames are dropped so engines only see speech segments.
type FrontEnd struct {
	cfg      *FrontEndConfig
	vad      *VAD
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu        sync.Mutex
	lastRecal time.Time
}

// NewFrontEnd creates a front end with the given configuration
func NewFrontEnd(cfg *FrontEndConfig, eventBus *bus.EventBus, logger zerolog.Logger) *FrontEnd {
	if cfg == nil {
		cfg = DefaultFrontEndConfig()
	}
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = 30
	}

	return &FrontEnd{
		cfg:       cfg,
		vad:       NewVAD(cfg.VAD),
		eventBus:  eventBus,
		logger:    logger.With().Str("component", "audio").Logger(),
		lastRecal: time.Now(),
	}
}

// CalibrateNoiseFloor opens an explicit calibration window. Frames
// processed until the window elapses feed the noise floor and are not
// forwarded to any engine.
func (f *FrontEnd) CalibrateNoiseFloor(durationMs int) error {
	frames := durationMs / f.cfg.FrameMs
	if err := f.vad.BeginCalibration(frames); err != nil {
		return err
	}

	f.logger.Info().
		Int("durationMs", durationMs).
		Int("frames", frames).
		Msg("Noise floor calibration started")
	return nil
}

// ProcessFrame classifies one raw frame and returns the gating decision.
// With VAD disabled every frame passes through unchanged.
func (f *FrontEnd) ProcessFrame(frame []byte) (Decision, error) {
	if len(frame) == 0 {
		return Decision{}, ErrEmptyFrame
	}

	if !f.cfg.Enabled {
		metrics.GatedFrames.WithLabelValues("speech").Inc()
		return Decision{HasSpeech: true, Gated: frame}, nil
	}

	wasCalibrating := f.vad.Calibrating()
	res := f.vad.ProcessFrame(frame)

	if res.Calibrating || wasCalibrating {
		metrics.GatedFrames.WithLabelValues("calibration").Inc()
		if wasCalibrating && !f.vad.Calibrating() {
			floor := f.vad.NoiseFloor()
			f.logger.Info().Float64("floor", floor).Msg("Noise floor calibrated")
			f.publish(bus.EventTypeNoiseFloor, map[string]any{"floor": floor})
		}
		return Decision{}, nil
	}

	f.maybeRecalibrate()

	if res.SpeechStarted {
		f.logger.Debug().Float64("energy", res.Energy).Float64("zcr", res.ZCR).Msg("Speech started")
		f.publish(bus.EventTypeSpeechStart, map[string]any{"energy": res.Energy})
	}
	if res.SpeechEnded {
		f.logger.Debug().Msg("Speech ended")
		f.publish(bus.EventTypeSpeechEnd, nil)
	}

	if res.IsSpeech {
		metrics.GatedFrames.WithLabelValues("speech").Inc()
		return Decision{
			HasSpeech:     true,
			SpeechStarted: res.SpeechStarted,
			Gated:         frame,
		}, nil
	}

	metrics.GatedFrames.WithLabelValues("dropped").Inc()
	return Decision{SpeechEnded: res.SpeechEnded}, nil
}

// maybeRecalibrate refreshes the noise floor from recent non-speech
// frames once per configured interval.
func (f *FrontEnd) maybeRecalibrate() {
	if f.cfg.RecalibrateInterval <= 0 {
		return
	}

	f.mu.Lock()
	due := time.Since(f.lastRecal) >= f.cfg.RecalibrateInterval
	if due {
		f.lastRecal = time.Now()
	}
	f.mu.Unlock()

	if !due {
		return
	}

	if f.vad.Recalibrate() {
		floor := f.vad.NoiseFloor()
		f.logger.Debug().Float64("floor", floor).Msg("Noise floor recalibrated")
		f.publish(bus.EventTypeNoiseFloor, map[string]any{"floor": floor})
	}
}

// NoiseFloor returns the current adaptive threshold
func (f *FrontEnd) NoiseFloor() float64 {
	return f.vad.NoiseFloor()
}

// Calibrating reports whether an explicit calibration window is open
func (f *FrontEnd) Calibrating() bool {
	return f.vad.Calibrating()
}

// Reset clears segment state, e.g. when listening stops
func (f *FrontEnd) Reset() {
	f.vad.Reset()
}

func (f *FrontEnd) publish(t bus.EventType, data map[string]any) {
	if f.eventBus == nil {
		return
	}
	f.eventBus.Publish(bus.Event{Type: t, Data: data})
}
