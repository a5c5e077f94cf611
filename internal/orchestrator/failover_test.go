package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexvoice/internal/bus"
	"github.com/normanking/cortexvoice/internal/stt"
)

func testOrchestratorConfig() Config {
	cfg := DefaultConfig()
	cfg.Init = fastInitConfig()
	cfg.RetryDelay = 5 * time.Millisecond
	return cfg
}

// newTestOrchestrator registers the given engines in order, first one
// with the highest priority
func newTestOrchestrator(t *testing.T, events *bus.EventBus, engines ...*fakeEngine) *Orchestrator {
	t.Helper()
	reg := NewRegistry()
	priority := len(engines) * 10
	for _, f := range engines {
		_, err := reg.Register(f, stt.EngineConfig{}, WithPriority(priority))
		require.NoError(t, err)
		priority -= 10
	}
	o := New(testOrchestratorConfig(), reg, events, zerolog.Nop())
	t.Cleanup(func() { _ = o.Shutdown() })
	return o
}

func TestOrchestrator_StartActivatesBestEngine(t *testing.T) {
	primary := newFakeEngine("primary")
	backup := newFakeEngine("backup")
	o := newTestOrchestrator(t, bus.NewEventBus(), primary, backup)

	require.NoError(t, o.Start(context.Background()))

	assert.Equal(t, "primary", o.ActiveEngine())
	initCalls, startCalls, _ := primary.counts()
	assert.Equal(t, 1, initCalls)
	assert.Equal(t, 0, startCalls, "listening only begins on Listen")

	backupInits, _, _ := backup.counts()
	assert.Equal(t, 0, backupInits, "standby engines stay cold")
}

func TestOrchestrator_StartFallsBackWhenInitFails(t *testing.T) {
	primary := newFakeEngine("primary")
	primary.initErr = errors.New("model download failed")
	backup := newFakeEngine("backup")
	o := newTestOrchestrator(t, bus.NewEventBus(), primary, backup)

	require.NoError(t, o.Start(context.Background()))

	assert.Equal(t, "backup", o.ActiveEngine())
	h, ok := o.registry.Get("primary")
	require.True(t, ok)
	assert.Equal(t, StateFailed, h.State())
	assert.True(t, o.selector.InCooldown("primary"))
}

func TestOrchestrator_StartWithNoWorkingEngine(t *testing.T) {
	only := newFakeEngine("only")
	only.initErr = errors.New("no backend")
	o := newTestOrchestrator(t, bus.NewEventBus(), only)

	err := o.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoEngineAvailable)
}

func TestOrchestrator_StartTwice(t *testing.T) {
	o := newTestOrchestrator(t, bus.NewEventBus(), newFakeEngine("only"))

	require.NoError(t, o.Start(context.Background()))
	assert.ErrorIs(t, o.Start(context.Background()), ErrAlreadyStarted)
}

func TestOrchestrator_ListenWriteAndCommands(t *testing.T) {
	engine := newFakeEngine("only")
	o := newTestOrchestrator(t, bus.NewEventBus(), engine)
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))
	o.SetDynamicCommands([]string{"open settings", "mute microphone"})
	require.NoError(t, o.Listen(ctx, stt.ModeCommand))

	require.NoError(t, o.WriteAudio([]byte{0x01, 0x02}))
	o.EndUtterance()

	mode, frames, ends, commands := engine.snapshot()
	assert.Equal(t, stt.ModeCommand, mode)
	assert.Equal(t, 1, frames)
	assert.Equal(t, 1, ends)
	assert.Equal(t, []string{"open settings", "mute microphone"}, commands)

	// same mode again is a no-op
	require.NoError(t, o.Listen(ctx, stt.ModeCommand))
	_, startCalls, _ := engine.counts()
	assert.Equal(t, 1, startCalls)

	// switching modes restarts the session
	require.NoError(t, o.Listen(ctx, stt.ModeDictation))
	mode, _, _, _ = engine.snapshot()
	assert.Equal(t, stt.ModeDictation, mode)
	_, startCalls, stopCalls := engine.counts()
	assert.Equal(t, 2, startCalls)
	assert.GreaterOrEqual(t, stopCalls, 1)
}

func TestOrchestrator_ResultsFlowAndGradeEngine(t *testing.T) {
	engine := newFakeEngine("only")
	o := newTestOrchestrator(t, bus.NewEventBus(), engine)
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Listen(ctx, stt.ModeCommand))

	engine.emitResult(stt.RecognitionResult{
		UtteranceID: "u1",
		Text:        "open settings",
		Confidence:  0.93,
		IsFinal:     true,
		EngineID:    "only",
		Latency:     80 * time.Millisecond,
	})

	select {
	case res := <-o.Results():
		assert.Equal(t, "open settings", res.Text)
		assert.True(t, res.IsFinal)
	case <-time.After(2 * time.Second):
		t.Fatal("result never surfaced")
	}

	assert.Equal(t, PerfExcellent, o.monitor.State("only"))
	snap := o.monitor.Snapshot("only")
	assert.Equal(t, 80*time.Millisecond, snap.AvgLatency)
}

func TestOrchestrator_DropsResultsFromInactiveEngine(t *testing.T) {
	primary := newFakeEngine("primary")
	backup := newFakeEngine("backup")
	o := newTestOrchestrator(t, bus.NewEventBus(), primary, backup)

	require.NoError(t, o.Start(context.Background()))
	require.Equal(t, "primary", o.ActiveEngine())

	backup.emitResult(stt.RecognitionResult{Text: "stale", IsFinal: true, EngineID: "backup"})

	select {
	case res := <-o.Results():
		t.Fatalf("result from inactive engine surfaced: %q", res.Text)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestOrchestrator_FatalErrorSwitchesEngine(t *testing.T) {
	primary := newFakeEngine("primary")
	backup := newFakeEngine("backup")

	events := bus.NewEventBus()
	switched := make(chan bus.Event, 1)
	events.Subscribe(bus.EventTypeEngineSwitched, func(e bus.Event) { switched <- e })

	o := newTestOrchestrator(t, events, primary, backup)
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))
	o.SetDynamicCommands([]string{"open settings"})
	require.NoError(t, o.Listen(ctx, stt.ModeCommand))

	primary.emitError(stt.EngineError{
		EngineID: "primary",
		Code:     stt.CodeFatal,
		Err:      errors.New("decoder crashed"),
	})

	select {
	case e := <-switched:
		assert.Equal(t, "primary", e.Data["from"])
		assert.Equal(t, "backup", e.Data["to"])
	case <-time.After(3 * time.Second):
		t.Fatal("engine switch never happened")
	}

	assert.Equal(t, "backup", o.ActiveEngine())
	assert.True(t, o.selector.InCooldown("primary"))

	// the replacement resumes the session with the same mode and hints
	require.Eventually(t, func() bool {
		mode, _, _, commands := backup.snapshot()
		return mode == stt.ModeCommand && len(commands) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_ErrorClusterSwitchesEngine(t *testing.T) {
	primary := newFakeEngine("primary")
	backup := newFakeEngine("backup")
	o := newTestOrchestrator(t, bus.NewEventBus(), primary, backup)
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Listen(ctx, stt.ModeCommand))

	// individually each network error only asks for a delayed retry,
	// three inside the window force a switch
	for i := 0; i < 3; i++ {
		primary.emitError(stt.EngineError{
			EngineID: "primary",
			Code:     stt.CodeNetwork,
			Err:      errors.New("connection reset"),
		})
	}

	require.Eventually(t, func() bool {
		return o.ActiveEngine() == "backup"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_ResourceErrorResetsEngine(t *testing.T) {
	engine := newFakeEngine("only")
	backup := newFakeEngine("backup")
	o := newTestOrchestrator(t, bus.NewEventBus(), engine, backup)
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Listen(ctx, stt.ModeCommand))

	engine.emitError(stt.EngineError{
		EngineID: "only",
		Code:     stt.CodeResource,
		Err:      errors.New("out of memory"),
	})

	// reset reinitializes the same engine rather than switching
	require.Eventually(t, func() bool {
		initCalls, _, _ := engine.counts()
		return initCalls == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "only", o.ActiveEngine())

	require.Eventually(t, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		return engine.listening
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_NoEngineLeftAfterFailover(t *testing.T) {
	only := newFakeEngine("only")

	events := bus.NewEventBus()
	errored := make(chan bus.Event, 4)
	events.Subscribe(bus.EventTypeEngineError, func(e bus.Event) { errored <- e })

	o := newTestOrchestrator(t, events, only)
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Listen(ctx, stt.ModeCommand))

	only.emitError(stt.EngineError{
		EngineID: "only",
		Code:     stt.CodeFatal,
		Err:      errors.New("unrecoverable"),
	})

	require.Eventually(t, func() bool {
		return o.ActiveEngine() == ""
	}, 3*time.Second, 10*time.Millisecond)

	select {
	case <-errored:
	case <-time.After(2 * time.Second):
		t.Fatal("engine error event never published")
	}

	assert.ErrorIs(t, o.WriteAudio([]byte{0x01}), ErrNoEngineAvailable)
	assert.ErrorIs(t, o.Listen(ctx, stt.ModeCommand), ErrNoEngineAvailable)
}

func TestOrchestrator_SwitchToManually(t *testing.T) {
	primary := newFakeEngine("primary")
	backup := newFakeEngine("backup")
	o := newTestOrchestrator(t, bus.NewEventBus(), primary, backup)
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))
	require.Equal(t, "primary", o.ActiveEngine())

	require.NoError(t, o.SwitchTo(ctx, "backup"))
	assert.Equal(t, "backup", o.ActiveEngine())
	assert.False(t, o.selector.InCooldown("primary"), "manual switch is not a failure")

	// switching to the active engine is a no-op
	require.NoError(t, o.SwitchTo(ctx, "backup"))

	assert.ErrorIs(t, o.SwitchTo(ctx, "missing"), ErrEngineUnknown)
}

func TestOrchestrator_ReselectAfterRequirementsChange(t *testing.T) {
	english := newFakeEngine("english-only")
	multi := newFakeEngine("multilingual")
	multi.caps.Languages = []string{"en", "fr"}
	o := newTestOrchestrator(t, bus.NewEventBus(), english, multi)
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))
	require.Equal(t, "english-only", o.ActiveEngine())

	req := o.Requirements()
	req.Language = "fr"
	o.SetRequirements(req)

	require.NoError(t, o.Reselect(ctx, "language_change"))
	assert.Equal(t, "multilingual", o.ActiveEngine())
	assert.False(t, o.selector.InCooldown("english-only"), "reselect is not a failure")

	// the winner is already active: nothing changes
	require.NoError(t, o.Reselect(ctx, "language_change"))
	assert.Equal(t, "multilingual", o.ActiveEngine())
}

func TestOrchestrator_StatusReportsAllEngines(t *testing.T) {
	primary := newFakeEngine("primary")
	backup := newFakeEngine("backup")
	o := newTestOrchestrator(t, bus.NewEventBus(), primary, backup)

	require.NoError(t, o.Start(context.Background()))

	statuses := o.Status()
	require.Len(t, statuses, 2)

	assert.Equal(t, "primary", statuses[0].ID)
	assert.True(t, statuses[0].Active)
	assert.Equal(t, StateReady, statuses[0].State)
	assert.Equal(t, 20, statuses[0].Priority)

	assert.Equal(t, "backup", statuses[1].ID)
	assert.False(t, statuses[1].Active)
	assert.Equal(t, StateUninitialized, statuses[1].State)
}

func TestOrchestrator_Shutdown(t *testing.T) {
	primary := newFakeEngine("primary")
	backup := newFakeEngine("backup")
	o := newTestOrchestrator(t, bus.NewEventBus(), primary, backup)

	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Shutdown())

	assert.True(t, primary.isDestroyed())
	assert.True(t, backup.isDestroyed())

	// the merged channel closes once the pumps drain
	for range o.Results() {
	}

	assert.NoError(t, o.Shutdown())
}
