// Package voice wires the recognition pipeline together: the audio front
// end feeds gated speech to the engine orchestrator, recognized text runs
// through the mode controller and the command matcher, and everything the
// pipeline decides is published on the event bus.
package voice

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexvoice/internal/audio"
	"github.com/normanking/cortexvoice/internal/bus"
	"github.com/normanking/cortexvoice/internal/config"
	"github.com/normanking/cortexvoice/internal/learning"
	"github.com/normanking/cortexvoice/internal/match"
	"github.com/normanking/cortexvoice/internal/metrics"
	"github.com/normanking/cortexvoice/internal/mode"
	"github.com/normanking/cortexvoice/internal/orchestrator"
	"github.com/normanking/cortexvoice/internal/stt"
)

var (
	ErrAlreadyRunning = errors.New("voice service already running")
	ErrNotRunning     = errors.New("voice service not running")
)

// Option adjusts how New assembles the service.
type Option func(*options)

type options struct {
	adapterFactory func(config.EngineConfig, zerolog.Logger) (stt.EngineAdapter, error)
}

// WithAdapterFactory overrides how engine adapters are built from their
// configuration entries, replacing the built-in ws and http kinds.
func WithAdapterFactory(f func(config.EngineConfig, zerolog.Logger) (stt.EngineAdapter, error)) Option {
	return func(o *options) { o.adapterFactory = f }
}

// Status is a point-in-time snapshot of the whole pipeline.
type Status struct {
	Ready        bool                        `json:"ready"`
	Mode         mode.State                  `json:"mode"`
	ActiveEngine string                      `json:"active_engine"`
	Engines      []orchestrator.EngineStatus `json:"engines"`
	Commands     int                         `json:"commands"`
	Learned      int                         `json:"learned"`
	NoiseFloor   float64                     `json:"noise_floor"`
}

// Service owns the recognition pipeline. Audio frames go in through
// ProcessAudio; matched commands, dictation text and state changes come
// out on the event bus. One Service per process.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger
	events *bus.EventBus

	frontend   *audio.FrontEnd
	orch       *orchestrator.Orchestrator
	modes      *mode.Controller
	matcher    *match.Matcher
	vocab      *match.Vocabulary
	cache      *learning.Cache
	store      learning.Store
	janitor    *learning.Janitor
	filter     *stt.TranscriptFilter
	watcher    *match.VocabularyWatcher
	transcript *Transcript

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New assembles the pipeline from configuration. Nothing is started and
// no engine is touched until Start.
func New(cfg *config.Config, events *bus.EventBus, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if len(cfg.Engines) == 0 {
		return nil, errors.New("no recognition engines configured")
	}

	opt := options{adapterFactory: buildAdapter}
	for _, apply := range opts {
		apply(&opt)
	}

	log := logger.With().Str("component", "voice").Logger()

	store, err := buildStore(cfg.Learning)
	if err != nil {
		return nil, fmt.Errorf("open learning store: %w", err)
	}

	cache := learning.NewCache(store, logger, cfg.Matching.LearnTimeout)

	vocab := match.NewVocabulary()
	if cfg.Vocabulary.File != "" {
		if err := vocab.LoadFile(cfg.Vocabulary.File); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				store.Close()
				return nil, fmt.Errorf("load vocabulary: %w", err)
			}
			log.Warn().Str("file", cfg.Vocabulary.File).Msg("Vocabulary file missing, starting empty")
		}
	}

	registry := orchestrator.NewRegistry()
	for _, e := range cfg.Engines {
		adapter, err := opt.adapterFactory(e, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		if _, err := registry.Register(adapter, engineSettings(cfg, e), orchestrator.WithPriority(e.Priority)); err != nil {
			store.Close()
			return nil, fmt.Errorf("register engine %s: %w", e.ID, err)
		}
	}

	retention := time.Duration(cfg.Learning.RetentionDays) * 24 * time.Hour

	return &Service{
		cfg:    cfg,
		logger: log,
		events: events,

		frontend: audio.NewFrontEnd(frontEndSettings(cfg), events, logger),
		orch:     orchestrator.New(orchestratorSettings(cfg), registry, events, logger),
		modes:    mode.New(modeSettings(cfg), events, logger),
		matcher: match.NewMatcher(vocab, cache, match.Config{
			Threshold: cfg.Matching.SimilarityThreshold,
			AutoLearn: cfg.Matching.AutoLearn,
		}, logger),
		vocab:      vocab,
		cache:      cache,
		store:      store,
		janitor:    learning.NewJanitor(cache, store, retention, cfg.Learning.PruneSchedule, vocab.Exists, logger),
		filter:     stt.NewTranscriptFilter(nil),
		transcript: NewTranscript(DefaultTranscriptConfig()),
	}, nil
}

// Start warms the learned cache, brings up the best engine and begins
// consuming recognition results. The context bounds the whole run: when
// it is cancelled the pipeline stops accepting work.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.runCtx = runCtx
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.cache.Warm(runCtx); err != nil {
		s.logger.Warn().Err(err).Msg("Learned-command warm-up failed, starting cold")
	}
	metrics.LearnedCommands.Set(float64(s.cache.Len()))

	if err := s.orch.Start(runCtx); err != nil {
		cancel()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("start engine orchestrator: %w", err)
	}

	s.orch.SetDynamicCommands(s.vocab.Phrases())
	s.modes.SetTransitionHook(s.onModeTransition)

	s.wg.Add(1)
	go s.consumeResults()

	if s.cfg.Learning.PruneSchedule != "" {
		if err := s.janitor.Start(); err != nil {
			s.logger.Warn().Err(err).Msg("Prune scheduler failed to start")
		}
	}

	if s.cfg.Vocabulary.Watch && s.cfg.Vocabulary.File != "" {
		w, err := match.NewVocabularyWatcher(s.vocab, s.cfg.Vocabulary.File, s.onVocabularyReload, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", s.cfg.Vocabulary.File).Msg("Vocabulary watcher unavailable")
		} else {
			s.mu.Lock()
			s.watcher = w
			s.mu.Unlock()
		}
	}

	s.logger.Info().
		Str("engine", s.orch.ActiveEngine()).
		Int("commands", s.vocab.Len()).
		Int("learned", s.cache.Len()).
		Msg("Voice service started")
	return nil
}

// StartRecognition opens a listening session on the active engine. A
// non-empty language narrows engine selection and may switch engines; a
// non-empty preferredEngine forces one regardless of ranking.
func (s *Service) StartRecognition(language, preferredEngine string) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	ctx := s.runCtx
	s.mu.Unlock()

	if language != "" {
		req := s.orch.Requirements()
		if !strings.EqualFold(req.Language, language) {
			req.Language = language
			s.orch.SetRequirements(req)
			if err := s.orch.Reselect(ctx, "language_change"); err != nil {
				return err
			}
		}
	}
	if preferredEngine != "" {
		if err := s.orch.SwitchTo(ctx, preferredEngine); err != nil {
			return err
		}
	}

	s.modes.Start()
	return s.orch.Listen(ctx, stt.ModeCommand)
}

// StopRecognition closes the listening session. The engine stays warm
// for the next StartRecognition.
func (s *Service) StopRecognition() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.mu.Unlock()

	s.modes.Stop()
	s.frontend.Reset()
	return s.orch.StopListening()
}

// ProcessAudio pushes one capture frame through VAD gating and into the
// active engine. Frames outside speech are consumed by the gate; frames
// arriving while no session is open are dropped quietly.
func (s *Service) ProcessAudio(frame []byte) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.mu.Unlock()

	decision, err := s.frontend.ProcessFrame(frame)
	if err != nil {
		return err
	}

	if decision.HasSpeech && len(decision.Gated) > 0 {
		if err := s.orch.WriteAudio(decision.Gated); err != nil {
			if errors.Is(err, stt.ErrNotListening) || errors.Is(err, orchestrator.ErrNoEngineAvailable) {
				s.logger.Debug().Err(err).Msg("Dropped speech frame, no open session")
				return nil
			}
			return err
		}
	}
	if decision.SpeechEnded {
		s.orch.EndUtterance()
	}
	return nil
}

// CalibrateNoiseFloor opens an explicit calibration window; the caller
// should keep feeding ambient-noise frames for the duration.
func (s *Service) CalibrateNoiseFloor(durationMs int) error {
	return s.frontend.CalibrateNoiseFloor(durationMs)
}

// RegisterCommands adds commands to the vocabulary and pushes the
// updated phrase hints to the active engine.
func (s *Service) RegisterCommands(commands []match.Command) error {
	for _, cmd := range commands {
		if err := s.vocab.Register(cmd); err != nil {
			return err
		}
	}
	s.orch.SetDynamicCommands(s.vocab.Phrases())
	return nil
}

// RegisterCommand adds a single command with optional synonyms.
func (s *Service) RegisterCommand(name string, synonyms ...string) error {
	return s.RegisterCommands([]match.Command{{Name: name, Synonyms: synonyms}})
}

// UnregisterCommand removes a command from the vocabulary.
func (s *Service) UnregisterCommand(name string) error {
	if err := s.vocab.Unregister(name); err != nil {
		return err
	}
	s.orch.SetDynamicCommands(s.vocab.Phrases())
	return nil
}

// Commands returns the registered vocabulary.
func (s *Service) Commands() []match.Command {
	return s.vocab.Commands()
}

// Learned returns the learned recognition-to-command mappings.
func (s *Service) Learned() []learning.LearnedCommand {
	return s.cache.Entries()
}

// Forget removes one learned mapping.
func (s *Service) Forget(ctx context.Context, recognized string) error {
	return s.cache.Forget(ctx, recognized)
}

// Transcript exposes the rolling recognition history.
func (s *Service) Transcript() *Transcript {
	return s.transcript
}

// Events returns the bus every pipeline event is published on.
func (s *Service) Events() *bus.EventBus {
	return s.events
}

// Mode returns the current listening state.
func (s *Service) Mode() mode.State {
	return s.modes.Current()
}

// ActiveEngine returns the id of the engine holding the session.
func (s *Service) ActiveEngine() string {
	return s.orch.ActiveEngine()
}

// SwitchEngine forces a manual engine change.
func (s *Service) SwitchEngine(engineID string) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	ctx := s.runCtx
	s.mu.Unlock()

	return s.orch.SwitchTo(ctx, engineID)
}

// Status reports the pipeline state for the HTTP surface.
func (s *Service) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	active := s.orch.ActiveEngine()
	return Status{
		Ready:        running && active != "",
		Mode:         s.modes.Current(),
		ActiveEngine: active,
		Engines:      s.orch.Status(),
		Commands:     s.vocab.Len(),
		Learned:      s.cache.Len(),
		NoiseFloor:   s.frontend.NoiseFloor(),
	}
}

// Close shuts the pipeline down and flushes pending learned writes.
// Safe to call more than once and before Start.
func (s *Service) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		cancel := s.cancel
		watcher := s.watcher
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if watcher != nil {
			watcher.Close()
		}
		s.janitor.Stop()
		s.modes.Stop()

		if err := s.orch.Shutdown(); err != nil {
			firstErr = err
		}
		s.wg.Wait()

		s.cache.Flush()
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.logger.Info().Msg("Voice service closed")
	})
	return firstErr
}

// consumeResults drains the orchestrator result stream until shutdown
// closes it.
func (s *Service) consumeResults() {
	defer s.wg.Done()

	for res := range s.orch.Results() {
		if res.IsPartial {
			s.modes.OnPartial()
			s.publish(bus.EventTypeSTTPartial, map[string]any{
				"text":         res.Text,
				"engine":       res.EngineID,
				"utterance_id": res.UtteranceID,
			})
			continue
		}
		if res.IsFinal {
			s.handleFinal(res)
		}
	}
}

func (s *Service) handleFinal(res stt.RecognitionResult) {
	if !s.filter.Apply(&res) {
		s.logger.Debug().Str("text", res.OriginalText).Msg("Discarded filler-only transcript")
		return
	}

	s.publish(bus.EventTypeSTTResult, map[string]any{
		"text":         res.Text,
		"confidence":   res.Confidence,
		"engine":       res.EngineID,
		"utterance_id": res.UtteranceID,
	})

	switch s.modes.OnFinal(res.Text) {
	case mode.DispositionCommand:
		s.dispatchCommand(res)
	case mode.DispositionDictation:
		s.transcript.Append(Segment{
			Kind:       SegmentDictation,
			Text:       res.Text,
			EngineID:   res.EngineID,
			Confidence: res.Confidence,
			Timestamp:  res.Timestamp,
		})
		s.publish(bus.EventTypeDictationText, map[string]any{
			"text":         res.Text,
			"utterance_id": res.UtteranceID,
		})
	default:
		// wake, sleep and dictation boundaries already published mode.changed
	}
}

func (s *Service) dispatchCommand(res stt.RecognitionResult) {
	m := s.matcher.Match(res.Text)
	if !m.Matched() {
		s.transcript.Append(Segment{
			Kind:       SegmentUnmatched,
			Text:       res.Text,
			EngineID:   res.EngineID,
			Confidence: res.Confidence,
			Timestamp:  res.Timestamp,
		})
		s.publish(bus.EventTypeCommandUnmatched, map[string]any{
			"text":   res.Text,
			"engine": res.EngineID,
		})
		s.modes.CommandHandled(false)
		return
	}

	s.transcript.Append(Segment{
		Kind:       SegmentCommand,
		Text:       res.Text,
		Command:    m.Command,
		Source:     string(m.Source),
		EngineID:   res.EngineID,
		Confidence: m.Confidence,
		Timestamp:  res.Timestamp,
	})
	if m.Source == match.SourceSimilarity {
		// a similarity hit may have just been auto-learned
		metrics.LearnedCommands.Set(float64(s.cache.Len()))
	}

	s.publish(bus.EventTypeCommandMatched, map[string]any{
		"command":    m.Command,
		"recognized": m.Recognized,
		"confidence": m.Confidence,
		"source":     string(m.Source),
		"engine":     res.EngineID,
	})
	s.modes.CommandHandled(true)
}

// onModeTransition re-modes the engine session when dictation starts or
// ends. Sleeping keeps the session open so the wake phrase is heard.
func (s *Service) onModeTransition(from, to mode.State, reason string) {
	s.mu.Lock()
	running := s.running
	ctx := s.runCtx
	s.mu.Unlock()
	if !running {
		return
	}

	switch {
	case to == mode.StateDictation:
		if err := s.orch.Listen(ctx, stt.ModeDictation); err != nil {
			s.logger.Warn().Err(err).Msg("Could not switch session to dictation")
		}
	case from == mode.StateDictation && to == mode.StateListening:
		if err := s.orch.Listen(ctx, stt.ModeCommand); err != nil {
			s.logger.Warn().Err(err).Msg("Could not switch session back to commands")
		}
	}
}

func (s *Service) onVocabularyReload() {
	s.orch.SetDynamicCommands(s.vocab.Phrases())
	s.logger.Info().Int("commands", s.vocab.Len()).Msg("Vocabulary reloaded")
}

func (s *Service) publish(t bus.EventType, data map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Publish(bus.Event{Type: t, Data: data})
}

func buildStore(cfg config.LearningConfig) (learning.Store, error) {
	switch cfg.Backend {
	case "redis":
		return learning.NewRedisStore(learning.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	case "", "sqlite":
		if cfg.Path == "" {
			return nil, errors.New("learning store path not configured")
		}
		return learning.NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown learning backend %q", cfg.Backend)
	}
}

func buildAdapter(e config.EngineConfig, logger zerolog.Logger) (stt.EngineAdapter, error) {
	switch e.Kind {
	case "ws":
		return stt.NewWSEngine(e.ID, logger), nil
	case "http":
		return stt.NewHTTPEngine(e.ID, logger), nil
	default:
		return nil, fmt.Errorf("engine %s: unknown kind %q", e.ID, e.Kind)
	}
}

func engineSettings(cfg *config.Config, e config.EngineConfig) stt.EngineConfig {
	return stt.EngineConfig{
		Endpoint:    e.Endpoint,
		APIKey:      e.APIKey,
		Language:    cfg.Selection.Language,
		SampleRate:  cfg.Audio.SampleRate,
		Timeout:     e.Timeout,
		Languages:   e.Languages,
		Offline:     e.Offline,
		FootprintMB: e.FootprintMB,
	}
}

// orchestratorSettings maps file configuration onto the orchestrator,
// keeping production defaults for anything unset.
func orchestratorSettings(cfg *config.Config) orchestrator.Config {
	oc := orchestrator.DefaultConfig()

	if cfg.Init.MaxRetries > 0 {
		oc.Init.MaxRetries = cfg.Init.MaxRetries
	}
	if cfg.Init.InitialDelayMs > 0 {
		oc.Init.InitialDelay = time.Duration(cfg.Init.InitialDelayMs) * time.Millisecond
	}
	if cfg.Init.BackoffMultiplier > 0 {
		oc.Init.Multiplier = cfg.Init.BackoffMultiplier
	}
	if cfg.Init.MaxDelayMs > 0 {
		oc.Init.MaxDelay = time.Duration(cfg.Init.MaxDelayMs) * time.Millisecond
	}
	if cfg.Init.JitterMs > 0 {
		oc.Init.Jitter = time.Duration(cfg.Init.JitterMs) * time.Millisecond
	}
	if cfg.Init.AttemptTimeout > 0 {
		oc.Init.AttemptTimeout = cfg.Init.AttemptTimeout
	}
	oc.Init.AllowDegraded = cfg.Init.AllowDegraded

	if cfg.Recovery.Window > 0 {
		oc.Recovery.Window = cfg.Recovery.Window
	}
	if cfg.Recovery.MaxConsecutiveErrors > 0 {
		oc.Recovery.ClusterThreshold = cfg.Recovery.MaxConsecutiveErrors
	}
	if cfg.Recovery.MaxHistory > 0 {
		oc.Recovery.MaxHistory = cfg.Recovery.MaxHistory
	}

	if cfg.Performance.WindowSize > 0 {
		oc.Perf.WindowSize = cfg.Performance.WindowSize
	}
	if cfg.Performance.ExcellentLatencyMs > 0 {
		oc.Perf.ExcellentLatency = time.Duration(cfg.Performance.ExcellentLatencyMs) * time.Millisecond
	}
	if cfg.Performance.ExcellentSuccessRate > 0 {
		oc.Perf.ExcellentSuccess = cfg.Performance.ExcellentSuccessRate
	}
	if cfg.Performance.GoodLatencyMs > 0 {
		oc.Perf.GoodLatency = time.Duration(cfg.Performance.GoodLatencyMs) * time.Millisecond
	}
	if cfg.Performance.GoodSuccessRate > 0 {
		oc.Perf.GoodSuccess = cfg.Performance.GoodSuccessRate
	}
	if cfg.Performance.DegradedLatencyMs > 0 {
		oc.Perf.DegradedLatency = time.Duration(cfg.Performance.DegradedLatencyMs) * time.Millisecond
	}
	if cfg.Performance.DegradedSuccessRate > 0 {
		oc.Perf.DegradedSuccess = cfg.Performance.DegradedSuccessRate
	}

	if cfg.Selection.PerformanceWeight > 0 {
		oc.Selector.PerformanceWeight = cfg.Selection.PerformanceWeight
	}
	if cfg.Selection.WarmBonus > 0 {
		oc.Selector.WarmBonus = cfg.Selection.WarmBonus
	}
	if cfg.Selection.Cooldown > 0 {
		oc.Selector.FailureCooldown = cfg.Selection.Cooldown
	}

	oc.Requirements = orchestrator.Requirements{
		Language:       cfg.Selection.Language,
		RequireOffline: cfg.Selection.OfflineOnly,
		MaxFootprintMB: cfg.Selection.MemoryBudgetMB,
	}

	return oc
}

func frontEndSettings(cfg *config.Config) *audio.FrontEndConfig {
	fe := audio.DefaultFrontEndConfig()
	fe.Enabled = cfg.Audio.VADEnabled
	if cfg.Audio.FrameMs > 0 {
		fe.FrameMs = cfg.Audio.FrameMs
	}
	if cfg.Audio.CalibrationMs > 0 {
		fe.CalibrationMs = cfg.Audio.CalibrationMs
	}
	if cfg.Audio.RecalibrateInterval > 0 {
		fe.RecalibrateInterval = cfg.Audio.RecalibrateInterval
	}

	vad := audio.DefaultVADConfig()
	if cfg.Audio.EnergyThreshold > 0 {
		vad.EnergyThreshold = cfg.Audio.EnergyThreshold
	}
	if cfg.Audio.ZCRThreshold > 0 {
		vad.ZCRThreshold = cfg.Audio.ZCRThreshold
	}
	if cfg.Audio.SpeechFrames > 0 {
		vad.SpeechFrames = cfg.Audio.SpeechFrames
	}
	if cfg.Audio.SilenceFrames > 0 {
		vad.SilenceFrames = cfg.Audio.SilenceFrames
	}
	if cfg.Audio.NoiseFloorMultiplier > 0 {
		vad.FloorMultiplier = cfg.Audio.NoiseFloorMultiplier
	}
	if cfg.Audio.BitDepth > 0 {
		vad.BitDepth = cfg.Audio.BitDepth
	}
	fe.VAD = vad

	return fe
}

func modeSettings(cfg *config.Config) mode.Config {
	mc := mode.DefaultConfig()
	if cfg.Modes.SleepTimeout > 0 {
		mc.InactivityTimeout = cfg.Modes.SleepTimeout
	}
	if cfg.Modes.DictationSilence > 0 {
		mc.DictationSilence = cfg.Modes.DictationSilence
	}
	if p := cfg.Modes.MutePhrase; p != "" && !containsFold(mc.MutePhrases, p) {
		mc.MutePhrases = append(mc.MutePhrases, p)
	}
	if p := cfg.Modes.UnmutePhrase; p != "" && !containsFold(mc.WakePhrases, p) {
		mc.WakePhrases = append(mc.WakePhrases, p)
	}
	return mc
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
