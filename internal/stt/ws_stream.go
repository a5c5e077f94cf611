package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSEngine is a streaming engine adapter speaking a small JSON-over-websocket
// protocol: binary frames carry PCM audio upstream, text frames carry JSON
// control and result messages.
type WSEngine struct {
	id     string
	logger zerolog.Logger

	cfg         EngineConfig
	initialized bool
	cfgMu       sync.RWMutex

	conn        *websocket.Conn
	connMu      sync.Mutex
	isConnected bool
	listening   bool
	stopCh      chan struct{}

	utteranceMu sync.Mutex
	utteranceID string
	lastAudioAt time.Time

	dynamicMu       sync.Mutex
	dynamicCommands []string

	resultCh  chan RecognitionResult
	errorCh   chan EngineError
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewWSEngine creates a streaming adapter with the given identifier
func NewWSEngine(id string, logger zerolog.Logger) *WSEngine {
	return &WSEngine{
		id:       id,
		logger:   logger.With().Str("engine", id).Logger(),
		resultCh: make(chan RecognitionResult, 32),
		errorCh:  make(chan EngineError, 8),
		closeCh:  make(chan struct{}),
	}
}

// ID returns the engine identifier
func (e *WSEngine) ID() string {
	return e.id
}

// control and result message shapes
type wsControl struct {
	Type       string   `json:"type"`
	Mode       string   `json:"mode,omitempty"`
	Language   string   `json:"language,omitempty"`
	SampleRate int      `json:"sample_rate,omitempty"`
	Commands   []string `json:"commands,omitempty"`
}

type wsMessage struct {
	Type         string         `json:"type"`
	Text         string         `json:"text,omitempty"`
	Confidence   float64        `json:"confidence,omitempty"`
	Language     string         `json:"language,omitempty"`
	Alternatives []string       `json:"alternatives,omitempty"`
	Words        []wsWord       `json:"words,omitempty"`
	Code         string         `json:"code,omitempty"`
	Message      string         `json:"message,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

type wsWord struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Initialize dials the backend and verifies the session handshake.
// The connection is then closed again; StartListening reopens it.
func (e *WSEngine) Initialize(ctx context.Context, cfg EngineConfig) error {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()

	conn, err := e.dial(ctx)
	if err != nil {
		return err
	}
	conn.Close()

	e.cfgMu.Lock()
	e.initialized = true
	e.cfgMu.Unlock()

	e.logger.Info().Str("endpoint", cfg.Endpoint).Msg("Streaming engine initialized")
	return nil
}

func (e *WSEngine) dial(ctx context.Context) (*websocket.Conn, error) {
	e.cfgMu.RLock()
	cfg := e.cfg
	e.cfgMu.RUnlock()

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: no endpoint configured", ErrEngineUnavailable)
	}

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Token "+cfg.APIKey)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.Endpoint, header)
	if err != nil {
		if resp != nil {
			e.logger.Error().
				Int("status", resp.StatusCode).
				Err(err).
				Msg("Websocket connection failed")
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// StartListening opens a recognition session and starts the read loop
func (e *WSEngine) StartListening(ctx context.Context, mode ListenMode) error {
	e.cfgMu.RLock()
	initialized := e.initialized
	cfg := e.cfg
	e.cfgMu.RUnlock()
	if !initialized {
		return ErrNotInitialized
	}

	e.connMu.Lock()
	if e.listening {
		e.connMu.Unlock()
		return nil
	}

	conn, err := e.dial(ctx)
	if err != nil {
		e.connMu.Unlock()
		return err
	}

	start := wsControl{
		Type:       "start",
		Mode:       string(mode),
		Language:   cfg.Language,
		SampleRate: cfg.SampleRate,
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		e.connMu.Unlock()
		return fmt.Errorf("start session: %w", err)
	}

	e.conn = conn
	e.isConnected = true
	e.listening = true
	e.stopCh = make(chan struct{})
	stopCh := e.stopCh
	e.connMu.Unlock()

	e.rotateUtterance()
	e.pushDynamicCommands()

	go e.readLoop(conn, stopCh)

	e.logger.Info().Str("mode", string(mode)).Msg("Streaming session started")
	return nil
}

func (e *WSEngine) readLoop(conn *websocket.Conn, stopCh chan struct{}) {
	for {
		select {
		case <-e.closeCh:
			return
		case <-stopCh:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stopCh:
				return
			case <-e.closeCh:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				e.logger.Debug().Msg("Session closed by backend")
				return
			}
			e.emitError(classifyTransportError(err), err)
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			e.logger.Warn().Err(err).Str("message", string(message)).Msg("Unparseable backend message")
			continue
		}

		switch msg.Type {
		case "partial":
			if msg.Text != "" {
				e.deliver(e.buildResult(msg, false))
			}

		case "final":
			if msg.Text != "" {
				e.deliver(e.buildResult(msg, true))
			}
			e.rotateUtterance()

		case "error":
			code := ErrorCode(msg.Code)
			switch code {
			case CodeNetwork, CodeTimeout, CodeAudio, CodeResource, CodeAuth, CodeFatal:
			default:
				code = CodeUnknown
			}
			e.emitError(code, fmt.Errorf("backend error: %s", msg.Message))

		default:
			e.logger.Debug().Str("type", msg.Type).Msg("Ignoring backend message")
		}
	}
}

func (e *WSEngine) buildResult(msg wsMessage, final bool) RecognitionResult {
	e.utteranceMu.Lock()
	utteranceID := e.utteranceID
	var latency time.Duration
	if !e.lastAudioAt.IsZero() {
		latency = time.Since(e.lastAudioAt)
	}
	e.utteranceMu.Unlock()

	e.cfgMu.RLock()
	language := e.cfg.Language
	e.cfgMu.RUnlock()
	if msg.Language != "" {
		language = msg.Language
	}

	result := RecognitionResult{
		UtteranceID:  utteranceID,
		Text:         msg.Text,
		OriginalText: msg.Text,
		Confidence:   msg.Confidence,
		Timestamp:    time.Now(),
		IsPartial:    !final,
		IsFinal:      final,
		Alternatives: msg.Alternatives,
		EngineID:     e.id,
		Language:     language,
		Latency:      latency,
	}

	for _, w := range msg.Words {
		result.Words = append(result.Words, WordTiming{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}
	return result
}

func (e *WSEngine) deliver(result RecognitionResult) {
	select {
	case e.resultCh <- result:
		e.logger.Debug().
			Str("text", result.Text).
			Bool("final", result.IsFinal).
			Float64("confidence", result.Confidence).
			Msg("Recognition result")
	default:
		e.logger.Warn().Msg("Result channel full, dropping")
	}
}

func (e *WSEngine) emitError(code ErrorCode, err error) {
	select {
	case e.errorCh <- EngineError{EngineID: e.id, Code: code, Err: err}:
	default:
		e.logger.Warn().Err(err).Msg("Error channel full, dropping")
	}
}

func (e *WSEngine) rotateUtterance() {
	e.utteranceMu.Lock()
	e.utteranceID = uuid.NewString()
	e.utteranceMu.Unlock()
}

// WriteAudio pushes one gated frame into the open session
func (e *WSEngine) WriteAudio(frame []byte) error {
	e.connMu.Lock()
	defer e.connMu.Unlock()

	if !e.listening || !e.isConnected || e.conn == nil {
		return ErrNotListening
	}

	e.utteranceMu.Lock()
	e.lastAudioAt = time.Now()
	e.utteranceMu.Unlock()

	if err := e.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	return nil
}

// EndUtterance signals the segment boundary to the backend
func (e *WSEngine) EndUtterance() {
	e.connMu.Lock()
	defer e.connMu.Unlock()

	if !e.listening || e.conn == nil {
		return
	}
	if err := e.conn.WriteJSON(wsControl{Type: "end_utterance"}); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to send utterance boundary")
	}
}

// SetDynamicCommands stores the phrase hints and pushes them when a
// session is open
func (e *WSEngine) SetDynamicCommands(commands []string) {
	e.dynamicMu.Lock()
	e.dynamicCommands = append([]string(nil), commands...)
	e.dynamicMu.Unlock()

	e.pushDynamicCommands()
}

func (e *WSEngine) pushDynamicCommands() {
	e.dynamicMu.Lock()
	commands := append([]string(nil), e.dynamicCommands...)
	e.dynamicMu.Unlock()

	if len(commands) == 0 {
		return
	}

	e.connMu.Lock()
	defer e.connMu.Unlock()
	if !e.isConnected || e.conn == nil {
		return
	}
	if err := e.conn.WriteJSON(wsControl{Type: "commands", Commands: commands}); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to push command hints")
	}
}

// StopListening closes the session; the adapter stays initialized
func (e *WSEngine) StopListening() error {
	e.connMu.Lock()
	defer e.connMu.Unlock()

	if !e.listening {
		return nil
	}
	e.listening = false

	if e.stopCh != nil {
		close(e.stopCh)
		e.stopCh = nil
	}

	if e.conn == nil {
		return nil
	}

	if err := e.conn.WriteJSON(wsControl{Type: "stop"}); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to send stop message")
	}

	err := e.conn.Close()
	e.conn = nil
	e.isConnected = false

	e.logger.Info().Msg("Streaming session stopped")
	return err
}

// Results delivers partial and final recognition results
func (e *WSEngine) Results() <-chan RecognitionResult {
	return e.resultCh
}

// Errors delivers engine failures
func (e *WSEngine) Errors() <-chan EngineError {
	return e.errorCh
}

// Capabilities returns the feature set declared for this instance
func (e *WSEngine) Capabilities() EngineCapabilities {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()

	return EngineCapabilities{
		OfflineCapable:  e.cfg.Offline,
		Streaming:       true,
		Languages:       e.cfg.Languages,
		FootprintMB:     e.cfg.FootprintMB,
		RequiresNetwork: !e.cfg.Offline,
	}
}

// Destroy releases the adapter
func (e *WSEngine) Destroy() error {
	err := e.StopListening()
	e.closeOnce.Do(func() {
		close(e.closeCh)
		close(e.resultCh)
		close(e.errorCh)
	})

	e.cfgMu.Lock()
	e.initialized = false
	e.cfgMu.Unlock()
	return err
}

// classifyTransportError maps a transport failure onto an error code
func classifyTransportError(err error) ErrorCode {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	return CodeNetwork
}
