package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// 100ms at 16kHz mono 16-bit; anything shorter is a gate blip
	minUtteranceBytes = 3200
	// 30s at 16kHz mono 16-bit
	maxUtteranceBytes = 960000
)

// HTTPEngine is a batch engine adapter: gated frames accumulate in memory
// and each utterance is shipped as one WAV upload when the boundary fires.
type HTTPEngine struct {
	id     string
	logger zerolog.Logger

	cfg         EngineConfig
	initialized bool
	cfgMu       sync.RWMutex

	client *http.Client

	bufMu       sync.Mutex
	buffer      []byte
	listening   bool
	mode        ListenMode
	overflowed  bool
	utteranceID string

	dynamicMu       sync.Mutex
	dynamicCommands []string

	uploads sync.WaitGroup

	resultCh  chan RecognitionResult
	errorCh   chan EngineError
	closeOnce sync.Once
}

// NewHTTPEngine creates a batch adapter with the given identifier
func NewHTTPEngine(id string, logger zerolog.Logger) *HTTPEngine {
	return &HTTPEngine{
		id:       id,
		logger:   logger.With().Str("engine", id).Logger(),
		resultCh: make(chan RecognitionResult, 32),
		errorCh:  make(chan EngineError, 8),
	}
}

// ID returns the engine identifier
func (e *HTTPEngine) ID() string {
	return e.id
}

// Initialize probes the backend health endpoint and prepares the client
func (e *HTTPEngine) Initialize(ctx context.Context, cfg EngineConfig) error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("%w: no endpoint configured", ErrEngineUnavailable)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &http.Client{Timeout: timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %d", ErrEngineUnavailable, resp.StatusCode)
	}

	e.cfgMu.Lock()
	e.cfg = cfg
	e.client = client
	e.initialized = true
	e.cfgMu.Unlock()

	e.logger.Info().Str("endpoint", cfg.Endpoint).Msg("Batch engine initialized")
	return nil
}

// StartListening opens a capture session; audio buffers until EndUtterance
func (e *HTTPEngine) StartListening(ctx context.Context, mode ListenMode) error {
	e.cfgMu.RLock()
	initialized := e.initialized
	e.cfgMu.RUnlock()
	if !initialized {
		return ErrNotInitialized
	}

	e.bufMu.Lock()
	defer e.bufMu.Unlock()

	if e.listening {
		return nil
	}
	e.listening = true
	e.mode = mode
	e.buffer = e.buffer[:0]
	e.overflowed = false
	e.utteranceID = uuid.NewString()

	e.logger.Info().Str("mode", string(mode)).Msg("Batch session started")
	return nil
}

// WriteAudio appends one gated frame to the pending utterance
func (e *HTTPEngine) WriteAudio(frame []byte) error {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()

	if !e.listening {
		return ErrNotListening
	}
	if e.overflowed {
		return nil
	}
	if len(e.buffer)+len(frame) > maxUtteranceBytes {
		e.overflowed = true
		e.buffer = e.buffer[:0]
		e.emitError(CodeAudio, fmt.Errorf("%w: utterance exceeds %d bytes", ErrAudioTooLong, maxUtteranceBytes))
		return ErrAudioTooLong
	}

	e.buffer = append(e.buffer, frame...)
	return nil
}

// EndUtterance seals the buffered segment and transcribes it asynchronously
func (e *HTTPEngine) EndUtterance() {
	e.bufMu.Lock()
	if !e.listening {
		e.bufMu.Unlock()
		return
	}

	audio := append([]byte(nil), e.buffer...)
	utteranceID := e.utteranceID
	mode := e.mode
	e.buffer = e.buffer[:0]
	e.overflowed = false
	e.utteranceID = uuid.NewString()
	e.bufMu.Unlock()

	if len(audio) < minUtteranceBytes {
		e.logger.Debug().Int("bytes", len(audio)).Msg("Utterance too short, dropping")
		return
	}

	e.uploads.Add(1)
	go func() {
		defer e.uploads.Done()
		e.transcribe(utteranceID, mode, audio)
	}()
}

func (e *HTTPEngine) transcribe(utteranceID string, mode ListenMode, audio []byte) {
	e.cfgMu.RLock()
	cfg := e.cfg
	client := e.client
	e.cfgMu.RUnlock()

	if client == nil {
		return
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("audio", "audio.wav")
	if err != nil {
		e.emitError(CodeUnknown, fmt.Errorf("create form file: %w", err))
		return
	}
	if _, err := part.Write(pcmToWAV(audio, cfg.SampleRate, 1)); err != nil {
		e.emitError(CodeUnknown, fmt.Errorf("write audio part: %w", err))
		return
	}

	if cfg.Language != "" {
		writer.WriteField("language", cfg.Language)
	}
	writer.WriteField("mode", string(mode))
	if prompt := e.promptHint(); prompt != "" {
		writer.WriteField("prompt", prompt)
	}

	if err := writer.Close(); err != nil {
		e.emitError(CodeUnknown, fmt.Errorf("close multipart writer: %w", err))
		return
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint+"/transcribe", body)
	if err != nil {
		e.emitError(CodeUnknown, fmt.Errorf("create request: %w", err))
		return
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e.emitError(CodeTimeout, fmt.Errorf("%w: transcription after %s", ErrTimeout, latency))
		} else {
			e.emitError(classifyTransportError(err), fmt.Errorf("transcription request: %w", err))
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		e.emitError(statusToCode(resp.StatusCode),
			fmt.Errorf("backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
		return
	}

	var tr httpTranscription
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		e.emitError(CodeUnknown, fmt.Errorf("decode response: %w", err))
		return
	}
	if tr.Error != "" {
		e.emitError(CodeAudio, fmt.Errorf("backend rejected audio: %s", tr.Error))
		return
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		e.logger.Debug().Dur("latency", latency).Msg("Empty transcription, dropping")
		return
	}

	confidence := tr.Confidence
	if confidence == 0 {
		confidence = 0.9
	}
	language := cfg.Language
	if tr.Language != "" {
		language = tr.Language
	}

	result := RecognitionResult{
		UtteranceID:  utteranceID,
		Text:         text,
		OriginalText: text,
		Confidence:   confidence,
		Timestamp:    time.Now(),
		IsFinal:      true,
		Alternatives: tr.Alternatives,
		EngineID:     e.id,
		Language:     language,
		Latency:      latency,
	}

	select {
	case e.resultCh <- result:
		e.logger.Debug().
			Str("text", text).
			Dur("latency", latency).
			Float64("confidence", confidence).
			Msg("Transcription complete")
	default:
		e.logger.Warn().Msg("Result channel full, dropping")
	}
}

type httpTranscription struct {
	Text         string   `json:"text"`
	Confidence   float64  `json:"confidence,omitempty"`
	Language     string   `json:"language,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func (e *HTTPEngine) promptHint() string {
	e.dynamicMu.Lock()
	defer e.dynamicMu.Unlock()
	return strings.Join(e.dynamicCommands, ", ")
}

func (e *HTTPEngine) emitError(code ErrorCode, err error) {
	select {
	case e.errorCh <- EngineError{EngineID: e.id, Code: code, Err: err}:
	default:
		e.logger.Warn().Err(err).Msg("Error channel full, dropping")
	}
}

// SetDynamicCommands stores the phrase hints sent with each upload
func (e *HTTPEngine) SetDynamicCommands(commands []string) {
	e.dynamicMu.Lock()
	e.dynamicCommands = append([]string(nil), commands...)
	e.dynamicMu.Unlock()
}

// StopListening ends the capture session, discarding any partial buffer
func (e *HTTPEngine) StopListening() error {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()

	if !e.listening {
		return nil
	}
	e.listening = false
	if len(e.buffer) > 0 {
		e.logger.Debug().Int("bytes", len(e.buffer)).Msg("Discarding partial utterance")
		e.buffer = e.buffer[:0]
	}

	e.logger.Info().Msg("Batch session stopped")
	return nil
}

// Results delivers final transcriptions; batch engines emit no partials
func (e *HTTPEngine) Results() <-chan RecognitionResult {
	return e.resultCh
}

// Errors delivers engine failures
func (e *HTTPEngine) Errors() <-chan EngineError {
	return e.errorCh
}

// Capabilities returns the feature set declared for this instance
func (e *HTTPEngine) Capabilities() EngineCapabilities {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()

	return EngineCapabilities{
		OfflineCapable:  e.cfg.Offline,
		Streaming:       false,
		Languages:       e.cfg.Languages,
		FootprintMB:     e.cfg.FootprintMB,
		RequiresNetwork: !e.cfg.Offline,
	}
}

// Destroy waits for in-flight uploads and releases the adapter
func (e *HTTPEngine) Destroy() error {
	err := e.StopListening()
	e.uploads.Wait()

	e.closeOnce.Do(func() {
		close(e.resultCh)
		close(e.errorCh)
	})

	e.cfgMu.Lock()
	e.initialized = false
	e.cfgMu.Unlock()
	return err
}

// statusToCode maps an HTTP status onto an engine error code
func statusToCode(status int) ErrorCode {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuth
	case status == http.StatusTooManyRequests || status == http.StatusInsufficientStorage:
		return CodeResource
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeNetwork
	case status >= 400:
		return CodeAudio
	default:
		return CodeUnknown
	}
}

// pcmToWAV wraps raw 16-bit PCM samples in a RIFF/WAVE container
func pcmToWAV(pcm []byte, sampleRate, channels int) []byte {
	if sampleRate == 0 {
		sampleRate = 16000
	}
	if channels == 0 {
		channels = 1
	}

	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))

	return append(header, pcm...)
}
