package voice

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexvoice/internal/bus"
	"github.com/normanking/cortexvoice/internal/config"
	"github.com/normanking/cortexvoice/internal/learning"
	"github.com/normanking/cortexvoice/internal/match"
	"github.com/normanking/cortexvoice/internal/mode"
	"github.com/normanking/cortexvoice/internal/stt"
)

// scriptEngine is an in-process backend the tests drive by hand.
type scriptEngine struct {
	id string

	mu        sync.Mutex
	listening bool
	mode      stt.ListenMode
	frames    int
	ends      int
	commands  []string

	results chan stt.RecognitionResult
	errs    chan stt.EngineError

	closeOnce sync.Once
}

func newScriptEngine(id string) *scriptEngine {
	return &scriptEngine{
		id:      id,
		results: make(chan stt.RecognitionResult, 8),
		errs:    make(chan stt.EngineError, 8),
	}
}

func (e *scriptEngine) ID() string { return e.id }

func (e *scriptEngine) Initialize(ctx context.Context, cfg stt.EngineConfig) error {
	return nil
}

func (e *scriptEngine) StartListening(ctx context.Context, m stt.ListenMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listening = true
	e.mode = m
	return nil
}

func (e *scriptEngine) StopListening() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listening = false
	return nil
}

func (e *scriptEngine) WriteAudio(frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.listening {
		return stt.ErrNotListening
	}
	e.frames++
	return nil
}

func (e *scriptEngine) EndUtterance() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ends++
}

func (e *scriptEngine) SetDynamicCommands(commands []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append([]string(nil), commands...)
}

func (e *scriptEngine) Results() <-chan stt.RecognitionResult { return e.results }
func (e *scriptEngine) Errors() <-chan stt.EngineError        { return e.errs }

func (e *scriptEngine) Capabilities() stt.EngineCapabilities {
	return stt.EngineCapabilities{
		OfflineCapable: true,
		Streaming:      true,
		Languages:      []string{"en"},
		FootprintMB:    32,
	}
}

func (e *scriptEngine) Destroy() error {
	e.closeOnce.Do(func() {
		close(e.results)
		close(e.errs)
	})
	return nil
}

func (e *scriptEngine) emitFinal(text string) {
	e.results <- stt.RecognitionResult{
		UtteranceID: "utt-1",
		Text:        text,
		Confidence:  0.9,
		Timestamp:   time.Now(),
		IsFinal:     true,
		EngineID:    e.id,
		Latency:     60 * time.Millisecond,
	}
}

func (e *scriptEngine) emitPartial(text string) {
	e.results <- stt.RecognitionResult{
		UtteranceID: "utt-1",
		Text:        text,
		IsPartial:   true,
		EngineID:    e.id,
	}
}

func (e *scriptEngine) sessionMode() stt.ListenMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

func (e *scriptEngine) frameCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

func (e *scriptEngine) utteranceEnds() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ends
}

func (e *scriptEngine) dynamicCommands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

var _ stt.EngineAdapter = (*scriptEngine)(nil)

func testServiceConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Audio: config.AudioConfig{
			SampleRate: 16000,
			FrameMs:    30,
			VADEnabled: false, // frames pass the gate untouched
		},
		Engines: []config.EngineConfig{
			{ID: "primary", Kind: "ws", Priority: 20, Languages: []string{"en"}},
			{ID: "backup", Kind: "http", Priority: 10, Languages: []string{"en"}},
		},
		Init: config.InitConfig{
			MaxRetries:     2,
			InitialDelayMs: 1,
			MaxDelayMs:     5,
			AttemptTimeout: time.Second,
		},
		Matching: config.MatchingConfig{
			SimilarityThreshold: 0.75,
			AutoLearn:           true,
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

func newTestService(t *testing.T, cfg *config.Config) (*Service, *bus.EventBus, map[string]*scriptEngine) {
	t.Helper()

	engines := make(map[string]*scriptEngine)
	factory := func(e config.EngineConfig, _ zerolog.Logger) (stt.EngineAdapter, error) {
		eng := newScriptEngine(e.ID)
		engines[e.ID] = eng
		return eng, nil
	}

	events := bus.NewEventBus()
	svc, err := New(cfg, events, zerolog.Nop(), WithAdapterFactory(factory))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	return svc, events, engines
}

func captureEvents(events *bus.EventBus, types ...bus.EventType) <-chan bus.Event {
	ch := make(chan bus.Event, 16)
	events.SubscribeMultiple(types, func(ev bus.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

func waitEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

func TestNew_RequiresEngines(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.Engines = nil

	_, err := New(cfg, bus.NewEventBus(), zerolog.Nop())
	require.Error(t, err)
}

func TestNew_RejectsUnknownEngineKind(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.Engines[0].Kind = "grpc"

	_, err := New(cfg, bus.NewEventBus(), zerolog.Nop())
	require.ErrorContains(t, err, "unknown kind")
}

func TestNew_RejectsUnknownLearningBackend(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.Learning.Backend = "dynamo"

	_, err := New(cfg, bus.NewEventBus(), zerolog.Nop())
	require.ErrorContains(t, err, "unknown learning backend")
}

func TestService_StartStatusClose(t *testing.T) {
	svc, _, _ := newTestService(t, testServiceConfig(t))

	require.NoError(t, svc.RegisterCommand("open settings", "show settings"))
	require.ErrorIs(t, svc.StartRecognition("", ""), ErrNotRunning)

	require.NoError(t, svc.Start(context.Background()))
	require.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyRunning)

	st := svc.Status()
	assert.True(t, st.Ready)
	assert.Equal(t, "primary", st.ActiveEngine)
	assert.Equal(t, mode.StateIdle, st.Mode)
	assert.Equal(t, 1, st.Commands)
	assert.Len(t, st.Engines, 2)

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
	require.ErrorIs(t, svc.ProcessAudio([]byte{1, 2}), ErrNotRunning)
}

func TestService_RecognitionLifecycle(t *testing.T) {
	svc, _, engines := newTestService(t, testServiceConfig(t))
	require.NoError(t, svc.Start(context.Background()))

	require.NoError(t, svc.StartRecognition("", ""))
	assert.Equal(t, mode.StateListening, svc.Mode())
	assert.Equal(t, stt.ModeCommand, engines["primary"].sessionMode())

	// VAD is disabled, so every frame reaches the engine
	require.NoError(t, svc.ProcessAudio(make([]byte, 960)))
	require.NoError(t, svc.ProcessAudio(make([]byte, 960)))
	assert.Equal(t, 2, engines["primary"].frameCount())

	require.NoError(t, svc.StopRecognition())
	assert.Equal(t, mode.StateIdle, svc.Mode())

	// frames after stop are dropped quietly
	require.NoError(t, svc.ProcessAudio(make([]byte, 960)))
	assert.Equal(t, 2, engines["primary"].frameCount())
}

func TestService_CommandFlow(t *testing.T) {
	svc, events, engines := newTestService(t, testServiceConfig(t))
	require.NoError(t, svc.RegisterCommand("open settings"))

	matched := captureEvents(events, bus.EventTypeCommandMatched)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.StartRecognition("", ""))

	// the vocabulary is pushed to the engine as phrase hints
	assert.Contains(t, engines["primary"].dynamicCommands(), "open settings")

	engines["primary"].emitFinal("open settings")

	ev := waitEvent(t, matched)
	assert.Equal(t, "open settings", ev.Data["command"])
	assert.Equal(t, string(match.SourceExact), ev.Data["source"])
	assert.Equal(t, "primary", ev.Data["engine"])

	require.Eventually(t, func() bool {
		return svc.Mode() == mode.StateListening
	}, time.Second, 10*time.Millisecond, "mode should return to listening after the command")

	segs := svc.Transcript().Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, SegmentCommand, segs[0].Kind)
	assert.Equal(t, "open settings", segs[0].Command)
}

func TestService_UnmatchedUtterance(t *testing.T) {
	svc, events, engines := newTestService(t, testServiceConfig(t))
	require.NoError(t, svc.RegisterCommand("open settings"))

	unmatched := captureEvents(events, bus.EventTypeCommandUnmatched)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.StartRecognition("", ""))

	engines["primary"].emitFinal("purple monkey dishwasher")

	ev := waitEvent(t, unmatched)
	assert.Equal(t, "purple monkey dishwasher", ev.Data["text"])

	require.Eventually(t, func() bool {
		segs := svc.Transcript().Segments()
		return len(segs) == 1 && segs[0].Kind == SegmentUnmatched
	}, time.Second, 10*time.Millisecond)
}

func TestService_SimilarityMatchIsLearned(t *testing.T) {
	cfg := testServiceConfig(t)
	svc, events, engines := newTestService(t, cfg)
	require.NoError(t, svc.RegisterCommand("open settings"))

	matched := captureEvents(events, bus.EventTypeCommandMatched)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.StartRecognition("", ""))

	engines["primary"].emitFinal("open setting")

	ev := waitEvent(t, matched)
	assert.Equal(t, "open settings", ev.Data["command"])
	assert.Equal(t, string(match.SourceSimilarity), ev.Data["source"])

	learned := svc.Learned()
	require.Len(t, learned, 1)
	assert.Equal(t, "open setting", learned[0].Recognized)
	assert.Equal(t, "open settings", learned[0].Command)

	// Close flushes the mapping to the store
	require.NoError(t, svc.Close())

	store, err := learning.NewSQLiteStore(cfg.Learning.Path)
	require.NoError(t, err)
	defer store.Close()

	entries, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "open setting", entries[0].Recognized)
}

func TestService_DictationFlow(t *testing.T) {
	svc, events, engines := newTestService(t, testServiceConfig(t))

	dictated := captureEvents(events, bus.EventTypeDictationText)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.StartRecognition("", ""))

	engines["primary"].emitFinal("start dictation")
	require.Eventually(t, func() bool {
		return svc.Mode() == mode.StateDictation &&
			engines["primary"].sessionMode() == stt.ModeDictation
	}, time.Second, 10*time.Millisecond, "session should re-open in dictation mode")

	engines["primary"].emitFinal("the meeting moved to friday")
	ev := waitEvent(t, dictated)
	assert.Equal(t, "the meeting moved to friday", ev.Data["text"])

	engines["primary"].emitFinal("stop dictation")
	require.Eventually(t, func() bool {
		return svc.Mode() == mode.StateListening &&
			engines["primary"].sessionMode() == stt.ModeCommand
	}, time.Second, 10*time.Millisecond, "session should return to command mode")

	assert.Equal(t, "the meeting moved to friday", svc.Transcript().Dictation(0))
}

func TestService_MuteAndWakePhrases(t *testing.T) {
	svc, events, engines := newTestService(t, testServiceConfig(t))
	require.NoError(t, svc.RegisterCommand("open settings"))

	matched := captureEvents(events, bus.EventTypeCommandMatched)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.StartRecognition("", ""))

	engines["primary"].emitFinal("stop listening")
	require.Eventually(t, func() bool {
		return svc.Mode() == mode.StateSleeping
	}, time.Second, 10*time.Millisecond)

	// commands are ignored while asleep
	engines["primary"].emitFinal("open settings")
	select {
	case ev := <-matched:
		t.Fatalf("expected no command while sleeping, got %v", ev.Data)
	case <-time.After(100 * time.Millisecond):
	}

	engines["primary"].emitFinal("wake up")
	require.Eventually(t, func() bool {
		return svc.Mode() == mode.StateListening
	}, time.Second, 10*time.Millisecond)

	engines["primary"].emitFinal("open settings")
	ev := waitEvent(t, matched)
	assert.Equal(t, "open settings", ev.Data["command"])
}

func TestService_PartialResultsMarkProcessing(t *testing.T) {
	svc, events, engines := newTestService(t, testServiceConfig(t))

	partials := captureEvents(events, bus.EventTypeSTTPartial)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.StartRecognition("", ""))

	engines["primary"].emitPartial("open set")

	ev := waitEvent(t, partials)
	assert.Equal(t, "open set", ev.Data["text"])
	require.Eventually(t, func() bool {
		return svc.Mode() == mode.StateProcessing
	}, time.Second, 10*time.Millisecond)
}

func TestService_FailoverOnFatalError(t *testing.T) {
	svc, events, engines := newTestService(t, testServiceConfig(t))

	switched := captureEvents(events, bus.EventTypeEngineSwitched)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.StartRecognition("", ""))
	require.Equal(t, "primary", svc.ActiveEngine())

	engines["primary"].errs <- stt.EngineError{
		EngineID: "primary",
		Code:     stt.CodeFatal,
	}

	ev := waitEvent(t, switched)
	assert.Equal(t, "primary", ev.Data["from"])
	assert.Equal(t, "backup", ev.Data["to"])

	require.Eventually(t, func() bool {
		return svc.ActiveEngine() == "backup" &&
			engines["backup"].sessionMode() == stt.ModeCommand
	}, time.Second, 10*time.Millisecond, "backup should take over the session")
}

func TestService_ManualEngineSwitch(t *testing.T) {
	svc, _, _ := newTestService(t, testServiceConfig(t))

	require.ErrorIs(t, svc.SwitchEngine("backup"), ErrNotRunning)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.SwitchEngine("backup"))
	assert.Equal(t, "backup", svc.ActiveEngine())
}

func TestService_VocabularyManagement(t *testing.T) {
	svc, _, engines := newTestService(t, testServiceConfig(t))
	require.NoError(t, svc.Start(context.Background()))

	require.NoError(t, svc.RegisterCommands([]match.Command{
		{Name: "open settings", Synonyms: []string{"show settings"}},
		{Name: "take screenshot"},
	}))

	commands := svc.Commands()
	require.Len(t, commands, 2)
	assert.Contains(t, engines["primary"].dynamicCommands(), "take screenshot")
	assert.Contains(t, engines["primary"].dynamicCommands(), "show settings")

	require.NoError(t, svc.UnregisterCommand("take screenshot"))
	assert.NotContains(t, engines["primary"].dynamicCommands(), "take screenshot")
	assert.Len(t, svc.Commands(), 1)
}

func TestService_EndUtteranceOnSpeechEnd(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.Audio.VADEnabled = true
	cfg.Audio.SpeechFrames = 1
	cfg.Audio.SilenceFrames = 2

	svc, _, engines := newTestService(t, cfg)
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.StartRecognition("", ""))

	// square wave: well above the energy floor with a high crossing rate
	loud := make([]byte, 960)
	for i := 0; i < len(loud); i += 4 {
		loud[i], loud[i+1] = 0x00, 0x30 // +12288
		loud[i+2], loud[i+3] = 0x00, 0xD0 // -12288
	}
	quiet := make([]byte, 960)

	for i := 0; i < 4; i++ {
		require.NoError(t, svc.ProcessAudio(loud))
	}
	require.Positive(t, engines["primary"].frameCount(), "gated speech should reach the engine")

	for i := 0; i < 6; i++ {
		require.NoError(t, svc.ProcessAudio(quiet))
	}
	assert.Positive(t, engines["primary"].utteranceEnds(), "closing the gate should end the utterance")
}
