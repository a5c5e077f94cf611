package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexvoice/internal/bus"
	"github.com/normanking/cortexvoice/internal/config"
	"github.com/normanking/cortexvoice/internal/discovery"
	"github.com/normanking/cortexvoice/internal/logging"
	"github.com/normanking/cortexvoice/internal/stt"
	"github.com/normanking/cortexvoice/internal/voice"
)

// stubEngine satisfies the adapter interface without a live backend.
type stubEngine struct {
	id string

	mu        sync.Mutex
	listening bool

	results chan stt.RecognitionResult
	errs    chan stt.EngineError

	closeOnce sync.Once
}

func newStubEngine(id string) *stubEngine {
	return &stubEngine{
		id:      id,
		results: make(chan stt.RecognitionResult, 8),
		errs:    make(chan stt.EngineError, 8),
	}
}

func (e *stubEngine) ID() string { return e.id }

func (e *stubEngine) Initialize(ctx context.Context, cfg stt.EngineConfig) error { return nil }

func (e *stubEngine) StartListening(ctx context.Context, m stt.ListenMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listening = true
	return nil
}

func (e *stubEngine) StopListening() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listening = false
	return nil
}

func (e *stubEngine) WriteAudio(frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.listening {
		return stt.ErrNotListening
	}
	return nil
}

func (e *stubEngine) EndUtterance() {}

func (e *stubEngine) SetDynamicCommands(commands []string) {}

func (e *stubEngine) Results() <-chan stt.RecognitionResult { return e.results }
func (e *stubEngine) Errors() <-chan stt.EngineError        { return e.errs }

func (e *stubEngine) Capabilities() stt.EngineCapabilities {
	return stt.EngineCapabilities{
		OfflineCapable: true,
		Streaming:      true,
		Languages:      []string{"en"},
		FootprintMB:    32,
	}
}

func (e *stubEngine) Destroy() error {
	e.closeOnce.Do(func() {
		close(e.results)
		close(e.errs)
	})
	return nil
}

var _ stt.EngineAdapter = (*stubEngine)(nil)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Audio: config.AudioConfig{
			SampleRate: 16000,
			FrameMs:    30,
		},
		Engines: []config.EngineConfig{
			{ID: "primary", Kind: "ws", Priority: 20, Languages: []string{"en"}},
			{ID: "backup", Kind: "http", Priority: 10, Languages: []string{"en"}},
		},
		Init: config.InitConfig{
			MaxRetries:     1,
			InitialDelayMs: 1,
			MaxDelayMs:     5,
			AttemptTimeout: time.Second,
		},
		Matching: config.MatchingConfig{
			SimilarityThreshold: 0.75,
			LearnTimeout:        time.Second,
		},
		Learning: config.LearningConfig{
			Backend: "sqlite",
			Path:    filepath.Join(t.TempDir(), "learned.db"),
		},
		Modes: config.ModesConfig{
			SleepTimeout:     time.Minute,
			DictationSilence: time.Minute,
		},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *voice.Service, *Server) {
	t.Helper()

	events := bus.NewEventBus()
	svc, err := voice.New(testConfig(t), events, zerolog.Nop(), voice.WithAdapterFactory(
		func(e config.EngineConfig, logger zerolog.Logger) (stt.EngineAdapter, error) {
			return newStubEngine(e.ID), nil
		},
	))
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Close() })

	srv := New(Config{}, svc, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, svc, srv
}

func doRequest(t *testing.T, method, url string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, ts.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decodeJSON(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "primary", body["engine"])
}

func TestStatusEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st voice.Status
	decodeJSON(t, resp, &st)
	assert.True(t, st.Ready)
	assert.Equal(t, "primary", st.ActiveEngine)
	assert.Len(t, st.Engines, 2)
}

func TestCommandsLifecycle(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/commands",
		strings.NewReader(`{"name":"open settings","synonyms":["show settings"]}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/commands", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Commands []struct {
			Name     string   `json:"name"`
			Synonyms []string `json:"synonyms"`
		} `json:"commands"`
	}
	decodeJSON(t, resp, &listing)
	require.Len(t, listing.Commands, 1)
	assert.Equal(t, "open settings", listing.Commands[0].Name)
	assert.Equal(t, []string{"show settings"}, listing.Commands[0].Synonyms)

	resp = doRequest(t, http.MethodDelete,
		ts.URL+"/api/v1/commands?name="+url.QueryEscape("open settings"), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/commands", nil)
	var after struct {
		Commands []any `json:"commands"`
	}
	decodeJSON(t, resp, &after)
	assert.Empty(t, after.Commands)
}

func TestCommandsRejectsBadRequests(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/commands", strings.NewReader("{not json"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete, ts.URL+"/api/v1/commands", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, http.MethodPut, ts.URL+"/api/v1/commands", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRecognitionControl(t *testing.T) {
	ts, svc, _ := newTestServer(t)

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/recognition", strings.NewReader(`{}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var started map[string]any
	decodeJSON(t, resp, &started)
	assert.Equal(t, "listening", started["mode"])
	assert.Equal(t, "listening", string(svc.Mode()))

	resp = doRequest(t, http.MethodDelete, ts.URL+"/api/v1/recognition", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "idle", string(svc.Mode()))
}

func TestRecognitionStartWithEmptyBody(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/recognition", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRecognitionUnavailableAfterClose(t *testing.T) {
	ts, svc, _ := newTestServer(t)
	svc.Close()

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/recognition", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEngineSwitch(t *testing.T) {
	ts, svc, _ := newTestServer(t)

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/engines/switch",
		strings.NewReader(`{"engine":"backup"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	decodeJSON(t, resp, &body)
	assert.Equal(t, "backup", body["engine"])
	assert.Equal(t, "backup", svc.ActiveEngine())

	resp = doRequest(t, http.MethodPost, ts.URL+"/api/v1/engines/switch",
		strings.NewReader(`{"engine":"missing"}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, http.MethodPost, ts.URL+"/api/v1/engines/switch", strings.NewReader(`{}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnginesListing(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/engines", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Engines []struct {
			ID     string `json:"id"`
			Active bool   `json:"active"`
		} `json:"engines"`
	}
	decodeJSON(t, resp, &body)
	require.Len(t, body.Engines, 2)
}

func TestTranscriptEndpoint(t *testing.T) {
	ts, svc, _ := newTestServer(t)

	svc.Transcript().Append(voice.Segment{Kind: voice.SegmentCommand, Text: "open settings"})
	svc.Transcript().Append(voice.Segment{Kind: voice.SegmentDictation, Text: "hello world"})

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/transcript", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Segments []voice.Segment `json:"segments"`
	}
	decodeJSON(t, resp, &body)
	require.Len(t, body.Segments, 2)
	assert.Equal(t, "open settings", body.Segments[0].Text)

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/transcript?n=1", nil)
	var recent struct {
		Segments []voice.Segment `json:"segments"`
	}
	decodeJSON(t, resp, &recent)
	require.Len(t, recent.Segments, 1)
	assert.Equal(t, "hello world", recent.Segments[0].Text)
}

func TestLearnedEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/learned", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Learned []any `json:"learned"`
	}
	decodeJSON(t, resp, &body)
	assert.Empty(t, body.Learned)

	resp = doRequest(t, http.MethodDelete, ts.URL+"/api/v1/learned", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete, ts.URL+"/api/v1/learned?recognized=anything", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestEndpointsWithoutScanner(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/endpoints", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Endpoints []any `json:"endpoints"`
	}
	decodeJSON(t, resp, &body)
	assert.Empty(t, body.Endpoints)
}

func TestEndpointsWithScanner(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "model": "base.en"})
	}))
	defer backend.Close()

	ts, _, srv := newTestServer(t)
	scanner := discovery.NewService(discovery.DefaultConfig(), []config.EngineConfig{
		{ID: "primary", Kind: "http", Endpoint: backend.URL},
	}, zerolog.Nop())
	srv.SetEndpointScanner(scanner)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/endpoints?scan=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Endpoints []struct {
			EngineID string `json:"engine_id"`
			Status   string `json:"status"`
			Model    string `json:"model"`
		} `json:"endpoints"`
	}
	decodeJSON(t, resp, &body)
	require.Len(t, body.Endpoints, 1)
	assert.Equal(t, "primary", body.Endpoints[0].EngineID)
	assert.Equal(t, "online", body.Endpoints[0].Status)
	assert.Equal(t, "base.en", body.Endpoints[0].Model)
}

func TestLogsEndpoint(t *testing.T) {
	ts, _, srv := newTestServer(t)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty struct {
		Entries []any `json:"entries"`
	}
	decodeJSON(t, resp, &empty)
	assert.Empty(t, empty.Entries)

	history, err := logging.New(&logging.Config{
		LogDir:     t.TempDir(),
		Level:      logging.LevelInfo,
		MaxSizeMB:  1,
		MaxHistory: 10,
	})
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })
	history.Info("test", "Something happened", nil)
	srv.SetLogHistory(history)

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/logs?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Entries []logging.LogEntry `json:"entries"`
	}
	decodeJSON(t, resp, &body)
	require.NotEmpty(t, body.Entries)
	assert.Equal(t, "Something happened", body.Entries[len(body.Entries)-1].Message)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, ts.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "cortexvoice_")
}

func TestEventsFeed(t *testing.T) {
	ts, svc, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	svc.Events().Publish(bus.Event{
		Type: bus.EventTypeModeChanged,
		Data: map[string]any{"from": "idle", "to": "listening"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)

		var ev feedEvent
		require.NoError(t, json.Unmarshal(payload, &ev))
		if ev.Type == string(bus.EventTypeModeChanged) {
			assert.Equal(t, "listening", ev.Data["to"])
			assert.False(t, ev.Time.IsZero())
			return
		}
	}
}

func TestEventsFeedMultipleClients(t *testing.T) {
	ts, svc, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	var conns []*websocket.Conn
	for i := 0; i < 3; i++ {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		if resp != nil {
			resp.Body.Close()
		}
		defer conn.Close()
		conns = append(conns, conn)
	}

	svc.Events().Publish(bus.Event{
		Type: bus.EventTypeNoiseFloor,
		Data: map[string]any{"floor": 0.02},
	})

	deadline := time.Now().Add(2 * time.Second)
	for _, conn := range conns {
		for {
			require.NoError(t, conn.SetReadDeadline(deadline))
			_, payload, err := conn.ReadMessage()
			require.NoError(t, err)

			var ev feedEvent
			require.NoError(t, json.Unmarshal(payload, &ev))
			if ev.Type == string(bus.EventTypeNoiseFloor) {
				break
			}
		}
	}
}
