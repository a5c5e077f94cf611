// Package server exposes the recognition pipeline on a local HTTP
// surface: status and control endpoints, Prometheus metrics and a
// websocket feed relaying every bus event.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexvoice/internal/audio"
	"github.com/normanking/cortexvoice/internal/bus"
	"github.com/normanking/cortexvoice/internal/discovery"
	"github.com/normanking/cortexvoice/internal/learning"
	"github.com/normanking/cortexvoice/internal/logging"
	"github.com/normanking/cortexvoice/internal/orchestrator"
	"github.com/normanking/cortexvoice/internal/voice"
)

// request bodies are small control messages
const maxBodySize = 1 << 20

// Config holds the listen address.
type Config struct {
	Listen string // default 127.0.0.1:8591
}

// feedEvent is the envelope the websocket feed sends per bus event.
type feedEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
	Time time.Time      `json:"time"`
}

// client is one websocket subscriber. Slow clients are dropped rather
// than allowed to stall the feed.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server serves the control API for one voice service.
type Server struct {
	cfg    Config
	svc    *voice.Service
	logger zerolog.Logger

	scanner *discovery.Service
	history *logging.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New creates a server for the given service. The event feed relays bus
// events from the moment of construction.
func New(cfg Config, svc *voice.Service, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		logger: logger.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			// the server binds to loopback; cross-origin pages may talk to it
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}

	svc.Events().SubscribeAll(s.relayEvent)
	return s
}

// SetEndpointScanner wires the backend prober into /api/v1/endpoints.
func (s *Server) SetEndpointScanner(scanner *discovery.Service) {
	s.scanner = scanner
}

// SetLogHistory wires the in-memory log ring into /api/v1/logs.
func (s *Server) SetLogHistory(history *logging.Logger) {
	s.history = history
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/commands", s.handleCommands)
	mux.HandleFunc("/api/v1/learned", s.handleLearned)
	mux.HandleFunc("/api/v1/transcript", s.handleTranscript)
	mux.HandleFunc("/api/v1/recognition", s.handleRecognition)
	mux.HandleFunc("/api/v1/engines", s.handleEngines)
	mux.HandleFunc("/api/v1/engines/switch", s.handleEngineSwitch)
	mux.HandleFunc("/api/v1/endpoints", s.handleEndpoints)
	mux.HandleFunc("/api/v1/calibrate", s.handleCalibrate)
	mux.HandleFunc("/api/v1/logs", s.handleLogs)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// Start serves until the context is cancelled, then drains clients and
// shuts the listener down.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Listen
	if addr == "" {
		addr = "127.0.0.1:8591"
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Control server listening")

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		s.closeClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.svc.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"ready":  st.Ready,
		"engine": st.ActiveEngine,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"commands": s.svc.Commands()})

	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var req struct {
			Name     string   `json:"name"`
			Synonyms []string `json:"synonyms"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := s.svc.RegisterCommand(req.Name, req.Synonyms...); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)

	case http.MethodDelete:
		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "name parameter required", http.StatusBadRequest)
			return
		}
		if err := s.svc.UnregisterCommand(name); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLearned(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		learned := s.svc.Learned()
		if learned == nil {
			learned = []learning.LearnedCommand{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"learned": learned})

	case http.MethodDelete:
		recognized := r.URL.Query().Get("recognized")
		if recognized == "" {
			http.Error(w, "recognized parameter required", http.StatusBadRequest)
			return
		}
		if err := s.svc.Forget(r.Context(), recognized); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))

	var segs []voice.Segment
	if n > 0 {
		segs = s.svc.Transcript().Recent(n)
	} else {
		segs = s.svc.Transcript().Segments()
	}
	if segs == nil {
		segs = []voice.Segment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"segments": segs})
}

func (s *Server) handleRecognition(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var req struct {
			Language string `json:"language"`
			Engine   string `json:"engine"`
		}
		// an empty body means default language on the ranked engine
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := s.svc.StartRecognition(req.Language, req.Engine); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"mode":   s.svc.Mode(),
			"engine": s.svc.ActiveEngine(),
		})

	case http.MethodDelete:
		if err := s.svc.StopRecognition(); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"engines": s.svc.Status().Engines})
}

func (s *Server) handleEngineSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req struct {
		Engine string `json:"engine"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Engine == "" {
		http.Error(w, "engine field required", http.StatusBadRequest)
		return
	}

	if err := s.svc.SwitchEngine(req.Engine); err != nil {
		if errors.Is(err, orchestrator.ErrEngineUnknown) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"engine": s.svc.ActiveEngine()})
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		writeJSON(w, http.StatusOK, map[string]any{"endpoints": []*discovery.Endpoint{}})
		return
	}

	var endpoints []*discovery.Endpoint
	if r.URL.Query().Get("scan") == "true" {
		endpoints = s.scanner.Scan(r.Context())
	} else {
		endpoints = s.scanner.Endpoints()
	}
	if endpoints == nil {
		endpoints = []*discovery.Endpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": endpoints})
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req struct {
		DurationMs int `json:"duration_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.DurationMs <= 0 {
		req.DurationMs = 1500
	}

	if err := s.svc.CalibrateNoiseFloor(req.DurationMs); err != nil {
		if errors.Is(err, audio.ErrCalibrationBusy) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []logging.LogEntry{}})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.history.GetHistory(limit)})
}

// handleEvents upgrades to a websocket and streams bus events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 32)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("Event feed client connected")

	go c.writeLoop()

	// inbound frames are discarded; the read loop only detects disconnect
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	conn.Close()
}

func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.conn.Close()
			return
		}
	}
	c.conn.Close()
}

// relayEvent fans one bus event out to every connected feed client.
// Clients that cannot keep up are dropped.
func (s *Server) relayEvent(ev bus.Event) {
	payload, err := json.Marshal(feedEvent{
		Type: string(ev.Type),
		Data: ev.Data,
		Time: time.Now(),
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	for c := range s.clients {
		select {
		case c.send <- payload:
		default:
			delete(s.clients, c)
			close(c.send)
		}
	}
	s.mu.Unlock()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
		c.conn.Close()
	}
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, voice.ErrNotRunning) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
