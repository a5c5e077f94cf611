package audio

import (
	"math"
	"sync"
)

// VAD implements voice-activity detection from short-term energy and
// zero-crossing rate against an adaptively calibrated noise floor.
type VAD struct {
	config *VADConfig
	mu     sync.RWMutex

	// Segment state
	active     bool
	speechRun  int
	silenceRun int

	// Adaptive noise floor
	noiseFloor  float64
	recentNoise []float64
	noiseIdx    int
	noiseCount  int

	// Explicit calibration
	calibrating     bool
	calibRemaining  int
	calibEnergySum  float64
	calibFrameCount int
}

// VADConfig holds VAD configuration
type VADConfig struct {
	EnergyThreshold float64 `json:"energy_threshold"` // Minimum RMS energy (0-1), default 0.012
	ZCRThreshold    float64 `json:"zcr_threshold"`    // Minimum zero-crossing rate, default 0.06
	SpeechFrames    int     `json:"speech_frames"`    // Consecutive speech frames to open the gate, default 3
	SilenceFrames   int     `json:"silence_frames"`   // Consecutive silence frames to close it, default 10
	FloorMultiplier float64 `json:"floor_multiplier"` // Noise floor = multiplier * recent avg energy, default 1.2
	BitDepth        int     `json:"bit_depth"`        // PCM bit depth, default 16
	NoiseWindow     int     `json:"noise_window"`     // Non-speech frames retained for recalibration, default 100
}

// DefaultVADConfig returns sensible defaults
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 0.012,
		ZCRThreshold:    0.06,
		SpeechFrames:    3,
		SilenceFrames:   10,
		FloorMultiplier: 1.2,
		BitDepth:        16,
		NoiseWindow:     100,
	}
}

// NewVAD creates a new VAD instance
func NewVAD(config *VADConfig) *VAD {
	if config == nil {
		config = DefaultVADConfig()
	}
	if config.NoiseWindow <= 0 {
		config.NoiseWindow = 100
	}

	return &VAD{
		config:      config,
		recentNoise: make([]float64, config.NoiseWindow),
	}
}

// ProcessFrame analyzes one audio frame and updates segment state.
// A frame counts as speech only when both the energy and zero-crossing
// thresholds are exceeded; the gate opens/closes on consecutive-frame runs.
func (v *VAD) ProcessFrame(frame []byte) *VADResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	samples := decodeSamples(frame, v.config.BitDepth)
	energy := rmsEnergy(samples)
	zcr := zeroCrossingRate(samples)

	if v.calibrating {
		v.calibEnergySum += energy
		v.calibFrameCount++
		v.calibRemaining--
		if v.calibRemaining <= 0 {
			v.finishCalibration()
		}
		return &VADResult{Energy: energy, ZCR: zcr, Calibrating: true}
	}

	frameIsSpeech := energy > v.effectiveThreshold() && zcr > v.config.ZCRThreshold

	if frameIsSpeech {
		v.speechRun++
		v.silenceRun = 0
	} else {
		v.silenceRun++
		v.speechRun = 0
		v.recordNoise(energy)
	}

	var started, ended bool
	if !v.active && v.speechRun >= v.config.SpeechFrames {
		v.active = true
		started = true
	} else if v.active && v.silenceRun >= v.config.SilenceFrames {
		v.active = false
		ended = true
	}

	return &VADResult{
		IsSpeech:      v.active,
		SpeechStarted: started,
		SpeechEnded:   ended,
		Energy:        energy,
		ZCR:           zcr,
	}
}

// effectiveThreshold is the larger of the configured minimum and the
// calibrated noise floor. Caller holds the lock.
func (v *VAD) effectiveThreshold() float64 {
	if v.noiseFloor > v.config.EnergyThreshold {
		return v.noiseFloor
	}
	return v.config.EnergyThreshold
}

// recordNoise keeps a bounded ring of recent non-speech energies.
// Caller holds the lock.
func (v *VAD) recordNoise(energy float64) {
	v.recentNoise[v.noiseIdx] = energy
	v.noiseIdx = (v.noiseIdx + 1) % len(v.recentNoise)
	if v.noiseCount < len(v.recentNoise) {
		v.noiseCount++
	}
}

// BeginCalibration switches the VAD into calibration mode for the given
// number of frames. Frames processed while calibrating feed the noise
// floor instead of the gate.
func (v *VAD) BeginCalibration(frames int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if frames < 1 {
		return ErrCalibrationShort
	}
	if v.calibrating {
		return ErrCalibrationBusy
	}

	v.calibrating = true
	v.calibRemaining = frames
	v.calibEnergySum = 0
	v.calibFrameCount = 0
	return nil
}

// finishCalibration derives the noise floor from the accumulated window.
// Caller holds the lock.
func (v *VAD) finishCalibration() {
	v.calibrating = false
	if v.calibFrameCount == 0 {
		return
	}
	avg := v.calibEnergySum / float64(v.calibFrameCount)
	v.noiseFloor = avg * v.config.FloorMultiplier
}

// Recalibrate recomputes the noise floor from recent non-speech frames.
// Returns false when too few non-speech frames have been observed.
func (v *VAD) Recalibrate() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.noiseCount < v.config.SilenceFrames {
		return false
	}

	var sum float64
	for i := 0; i < v.noiseCount; i++ {
		sum += v.recentNoise[i]
	}
	avg := sum / float64(v.noiseCount)
	v.noiseFloor = avg * v.config.FloorMultiplier
	return true
}

// NoiseFloor returns the current adaptive energy threshold
func (v *VAD) NoiseFloor() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.noiseFloor
}

// Calibrating reports whether an explicit calibration window is running
func (v *VAD) Calibrating() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.calibrating
}

// IsActive returns whether a speech segment is currently open
func (v *VAD) IsActive() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.active
}

// Reset clears segment state but keeps the calibrated floor
func (v *VAD) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.active = false
	v.speechRun = 0
	v.silenceRun = 0
}

// decodeSamples converts raw PCM bytes into normalized [-1,1] samples
func decodeSamples(frame []byte, bitDepth int) []float64 {
	switch bitDepth {
	case 16:
		// 16-bit signed little-endian PCM
		out := make([]float64, 0, len(frame)/2)
		for i := 0; i+1 < len(frame); i += 2 {
			sample := int16(frame[i]) | int16(frame[i+1])<<8
			out = append(out, float64(sample)/32768.0)
		}
		return out
	case 32:
		// 32-bit float PCM
		out := make([]float64, 0, len(frame)/4)
		for i := 0; i+3 < len(frame); i += 4 {
			bits := uint32(frame[i]) | uint32(frame[i+1])<<8 | uint32(frame[i+2])<<16 | uint32(frame[i+3])<<24
			out = append(out, float64(math.Float32frombits(bits)))
		}
		return out
	default:
		// Assume 8-bit unsigned PCM
		out := make([]float64, 0, len(frame))
		for _, b := range frame {
			out = append(out, (float64(b)-128.0)/128.0)
		}
		return out
	}
}

// rmsEnergy computes root-mean-square energy over normalized samples
func rmsEnergy(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// zeroCrossingRate counts sign changes per sample pair
func zeroCrossingRate(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}
