// Package discovery probes the network backends of configured engines
// and tracks which of them are reachable. The orchestrator decides which
// engine to use; discovery only reports what is out there.
package discovery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexvoice/internal/config"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Endpoint is the probe result for one configured engine backend.
type Endpoint struct {
	EngineID string    `json:"engine_id"`
	Kind     string    `json:"kind"`
	URL      string    `json:"url"`
	Status   string    `json:"status"`
	Latency  int64     `json:"latency_ms"`         // health round trip
	Model    string    `json:"model,omitempty"`    // as reported by the backend
	Version  string    `json:"version,omitempty"`  // as reported by the backend
	LastSeen time.Time `json:"last_seen"` // last successful contact
}

// healthBody is the JSON shape speech backends commonly serve on /health.
type healthBody struct {
	Status  string `json:"status"`
	Model   string `json:"model"`
	Version string `json:"version"`
}

// Config holds scanner settings
type Config struct {
	// Probe timeout per endpoint
	Timeout time.Duration
	// How often to refresh in the background
	RefreshInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Timeout:         2 * time.Second,
		RefreshInterval: 30 * time.Second,
	}
}

// Service probes engine endpoints and keeps the latest results.
type Service struct {
	cfg        *Config
	engines    []config.EngineConfig
	httpClient *http.Client
	logger     zerolog.Logger

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	onUpdate  func([]*Endpoint)

	stopCh  chan struct{}
	running bool
}

// NewService creates a scanner over the configured engines
func NewService(cfg *Config, engines []config.EngineConfig, logger zerolog.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Service{
		cfg:     cfg,
		engines: engines,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger:    logger.With().Str("component", "discovery").Logger(),
		endpoints: make(map[string]*Endpoint),
		stopCh:    make(chan struct{}),
	}
}

// SetOnUpdate sets the callback invoked after every scan
func (s *Service) SetOnUpdate(fn func([]*Endpoint)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// Start begins background scanning
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	// Initial scan
	go s.Scan(context.Background())

	// Periodic refresh
	go func() {
		ticker := time.NewTicker(s.cfg.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Scan(context.Background())
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop stops background scanning
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		close(s.stopCh)
		s.running = false
	}
}

// Scan probes every configured endpoint concurrently and returns the
// refreshed list in configuration order.
func (s *Service) Scan(ctx context.Context) []*Endpoint {
	var wg sync.WaitGroup
	results := make(chan *Endpoint, len(s.engines))

	for _, e := range s.engines {
		if e.Endpoint == "" {
			continue
		}
		wg.Add(1)
		go func(ec config.EngineConfig) {
			defer wg.Done()
			results <- s.probe(ctx, ec)
		}(e)
	}

	wg.Wait()
	close(results)

	s.mu.Lock()
	for ep := range results {
		// keep the last successful contact visible across offline scans
		if prev, ok := s.endpoints[ep.EngineID]; ok && ep.Status == StatusOffline {
			ep.LastSeen = prev.LastSeen
			if ep.Model == "" {
				ep.Model = prev.Model
			}
		}
		s.endpoints[ep.EngineID] = ep
	}
	list := s.snapshotLocked()
	callback := s.onUpdate
	s.mu.Unlock()

	if callback != nil {
		callback(list)
	}
	return list
}

// Endpoints returns the latest probe results in configuration order
func (s *Service) Endpoints() []*Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// snapshotLocked copies results so callers never see later scans mutate
// their slice. Caller holds at least a read lock.
func (s *Service) snapshotLocked() []*Endpoint {
	list := make([]*Endpoint, 0, len(s.endpoints))
	for _, e := range s.engines {
		if ep, ok := s.endpoints[e.ID]; ok {
			cp := *ep
			list = append(list, &cp)
		}
	}
	return list
}

// probe checks one engine backend. The result is never nil; unreachable
// backends come back with StatusOffline.
func (s *Service) probe(ctx context.Context, e config.EngineConfig) *Endpoint {
	ep := &Endpoint{
		EngineID: e.ID,
		Kind:     e.Kind,
		URL:      e.Endpoint,
		Status:   StatusOffline,
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(e.Endpoint), nil)
	if err != nil {
		return ep
	}
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Debug().Str("engine", e.ID).Err(err).Msg("Endpoint unreachable")
		return ep
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return ep
	}

	var body healthBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		ep.Model = body.Model
		ep.Version = body.Version
	}

	ep.Status = StatusOnline
	ep.Latency = time.Since(start).Milliseconds()
	ep.LastSeen = time.Now()
	return ep
}

// healthURL maps an engine endpoint to its health check URL. Websocket
// endpoints serve health over plain HTTP on the same host.
func healthURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "ws://"):
		endpoint = "http://" + strings.TrimPrefix(endpoint, "ws://")
	case strings.HasPrefix(endpoint, "wss://"):
		endpoint = "https://" + strings.TrimPrefix(endpoint, "wss://")
	}
	return strings.TrimSuffix(endpoint, "/") + "/health"
}
