// Package stt defines the engine adapter contract and the transports that
// connect CortexVoice to concrete recognition backends.
package stt

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors
var (
	ErrEngineUnavailable = errors.New("recognition engine unavailable")
	ErrNotInitialized    = errors.New("engine not initialized")
	ErrNotListening      = errors.New("engine not listening")
	ErrAudioTooShort     = errors.New("audio too short for recognition")
	ErrAudioTooLong      = errors.New("audio exceeds maximum utterance length")
	ErrTimeout           = errors.New("recognition timeout")
)

// ListenMode selects how an engine decodes incoming speech
type ListenMode string

const (
	ModeCommand   ListenMode = "command"
	ModeDictation ListenMode = "dictation"
)

// ErrorCode classifies an engine failure for recovery decisions
type ErrorCode string

const (
	CodeNetwork  ErrorCode = "network"
	CodeTimeout  ErrorCode = "timeout"
	CodeAudio    ErrorCode = "audio"    // malformed or unusable audio
	CodeResource ErrorCode = "resource" // memory/quota exhaustion
	CodeAuth     ErrorCode = "auth"
	CodeFatal    ErrorCode = "fatal" // unrecoverable backend failure
	CodeUnknown  ErrorCode = "unknown"
)

// EngineError is an error event emitted by an adapter
type EngineError struct {
	EngineID string
	Code     ErrorCode
	Err      error
}

func (e EngineError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e EngineError) Unwrap() error {
	return e.Err
}

// RecognitionResult is one partial or final recognition outcome.
// Results are immutable once constructed; partials for an utterance
// always precede its final, correlated by UtteranceID.
type RecognitionResult struct {
	UtteranceID  string        `json:"utterance_id"`
	Text         string        `json:"text"`
	OriginalText string        `json:"original_text"` // raw engine text before filtering
	Confidence   float64       `json:"confidence"`
	Timestamp    time.Time     `json:"timestamp"`
	IsPartial    bool          `json:"is_partial"`
	IsFinal      bool          `json:"is_final"`
	Alternatives []string      `json:"alternatives,omitempty"` // most likely first
	EngineID     string        `json:"engine_id"`
	Language     string        `json:"language,omitempty"`
	Translation  string        `json:"translation,omitempty"`
	Words        []WordTiming  `json:"words,omitempty"`
	Latency      time.Duration `json:"latency"` // engine round trip for this result
}

// WordTiming carries a word-level timestamp
type WordTiming struct {
	Word       string        `json:"word"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Confidence float64       `json:"confidence"`
}

// EngineCapabilities describes a backend's static feature set
type EngineCapabilities struct {
	OfflineCapable  bool     `json:"offline_capable"`
	Streaming       bool     `json:"streaming"`
	Languages       []string `json:"languages"`
	FootprintMB     int      `json:"footprint_mb"`
	RequiresNetwork bool     `json:"requires_network"`
}

// SupportsLanguage reports whether the capability set covers a
// language. Tags compare case-insensitively.
func (c EngineCapabilities) SupportsLanguage(lang string) bool {
	if lang == "" {
		return true
	}
	for _, l := range c.Languages {
		if strings.EqualFold(l, lang) || l == "auto" {
			return true
		}
	}
	return false
}

// EngineConfig configures one engine adapter instance
type EngineConfig struct {
	Endpoint    string        `json:"endpoint"`
	APIKey      string        `json:"api_key"`
	Language    string        `json:"language"`
	SampleRate  int           `json:"sample_rate"`
	Timeout     time.Duration `json:"timeout"`
	Languages   []string      `json:"languages"`
	Offline     bool          `json:"offline"`
	FootprintMB int           `json:"footprint_mb"`
}

// EngineAdapter is the uniform wrapper every recognition backend must
// satisfy. Listener registration from the source platform maps to the
// Results and Errors channels; audio ingress is push-based because the
// front end owns the capture path.
type EngineAdapter interface {
	// ID returns the engine identifier
	ID() string

	// Initialize prepares the backend. Called only through the
	// initialization coordinator; safe to call again after success.
	Initialize(ctx context.Context, cfg EngineConfig) error

	// StartListening opens a recognition session in the given mode
	StartListening(ctx context.Context, mode ListenMode) error

	// StopListening ends the session and discards buffered audio
	StopListening() error

	// WriteAudio pushes one gated speech frame into the session
	WriteAudio(frame []byte) error

	// EndUtterance marks a segment boundary; batch engines flush here
	EndUtterance()

	// SetDynamicCommands hints the active command phrases to the backend
	SetDynamicCommands(commands []string)

	// Results delivers partial and final recognition results
	Results() <-chan RecognitionResult

	// Errors delivers engine failures for recovery classification
	Errors() <-chan EngineError

	// Capabilities returns the backend's static feature set
	Capabilities() EngineCapabilities

	// Destroy releases the backend; the adapter is unusable afterwards
	Destroy() error
}
