// Package audio provides voice-activity detection, noise-floor calibration,
// and speech gating for the recognition pipeline.
package audio

import (
	"errors"
)

// Common errors
var (
	ErrInvalidFormat    = errors.New("invalid audio format")
	ErrEmptyFrame       = errors.New("empty audio frame")
	ErrCalibrationBusy  = errors.New("calibration already in progress")
	ErrCalibrationShort = errors.New("calibration window too short")
)

// VADResult represents the outcome of processing one frame
type VADResult struct {
	IsSpeech      bool    `json:"is_speech"`      // gate open for this frame
	SpeechStarted bool    `json:"speech_started"` // first frame of a speech segment
	SpeechEnded   bool    `json:"speech_ended"`   // first frame after a speech segment
	Energy        float64 `json:"energy"`         // normalized RMS energy
	ZCR           float64 `json:"zcr"`            // zero-crossing rate
	Calibrating   bool    `json:"calibrating"`
}

// Decision is what the front end returns for one raw frame
type Decision struct {
	HasSpeech     bool
	SpeechStarted bool
	SpeechEnded   bool
	Gated         []byte // the frame, present only when the gate is open
}
