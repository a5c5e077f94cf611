package audio

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexvoice/internal/bus"
)

func collectEvents(t *testing.T, events *bus.EventBus, types ...bus.EventType) <-chan bus.Event {
	t.Helper()
	ch := make(chan bus.Event, 16)
	events.SubscribeMultiple(types, func(ev bus.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

func waitForEvent(t *testing.T, ch <-chan bus.Event, want bus.EventType) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestFrontEnd_DisabledPassesEverything(t *testing.T) {
	cfg := DefaultFrontEndConfig()
	cfg.Enabled = false
	fe := NewFrontEnd(cfg, nil, zerolog.Nop())

	frame := quietFrame(480)
	dec, err := fe.ProcessFrame(frame)
	require.NoError(t, err)
	assert.True(t, dec.HasSpeech)
	assert.Equal(t, frame, dec.Gated)
}

func TestFrontEnd_EmptyFrame(t *testing.T) {
	fe := NewFrontEnd(nil, nil, zerolog.Nop())

	_, err := fe.ProcessFrame(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestFrontEnd_DropsSilence(t *testing.T) {
	fe := NewFrontEnd(nil, nil, zerolog.Nop())

	for i := 0; i < 10; i++ {
		dec, err := fe.ProcessFrame(quietFrame(480))
		require.NoError(t, err)
		assert.False(t, dec.HasSpeech)
		assert.Nil(t, dec.Gated)
	}
}

func TestFrontEnd_SpeechSegmentEvents(t *testing.T) {
	cfg := DefaultFrontEndConfig()
	cfg.VAD = DefaultVADConfig()
	cfg.VAD.SpeechFrames = 1
	cfg.VAD.SilenceFrames = 2

	events := bus.NewEventBus()
	ch := collectEvents(t, events, bus.EventTypeSpeechStart, bus.EventTypeSpeechEnd)
	fe := NewFrontEnd(cfg, events, zerolog.Nop())

	dec, err := fe.ProcessFrame(speechFrame(480, 12288))
	require.NoError(t, err)
	assert.True(t, dec.HasSpeech)
	assert.True(t, dec.SpeechStarted)
	assert.Equal(t, speechFrame(480, 12288), dec.Gated)
	waitForEvent(t, ch, bus.EventTypeSpeechStart)

	dec, err = fe.ProcessFrame(quietFrame(480))
	require.NoError(t, err)
	assert.False(t, dec.SpeechEnded)

	dec, err = fe.ProcessFrame(quietFrame(480))
	require.NoError(t, err)
	assert.True(t, dec.SpeechEnded)
	assert.Nil(t, dec.Gated)
	waitForEvent(t, ch, bus.EventTypeSpeechEnd)
}

func TestFrontEnd_CalibrationWindow(t *testing.T) {
	events := bus.NewEventBus()
	ch := collectEvents(t, events, bus.EventTypeNoiseFloor)
	fe := NewFrontEnd(nil, events, zerolog.Nop())

	// 90ms at 30ms frames: three calibration frames.
	require.NoError(t, fe.CalibrateNoiseFloor(90))
	require.True(t, fe.Calibrating())

	for i := 0; i < 3; i++ {
		dec, err := fe.ProcessFrame(speechFrame(480, 800))
		require.NoError(t, err)
		assert.False(t, dec.HasSpeech, "calibration frames must not reach an engine")
		assert.Nil(t, dec.Gated)
	}

	assert.False(t, fe.Calibrating())
	assert.InDelta(t, (800.0/32768.0)*1.2, fe.NoiseFloor(), 0.002)

	ev := waitForEvent(t, ch, bus.EventTypeNoiseFloor)
	require.NotNil(t, ev.Data)
	assert.InDelta(t, fe.NoiseFloor(), ev.Data["floor"].(float64), 1e-9)
}

func TestFrontEnd_CalibrationBusy(t *testing.T) {
	fe := NewFrontEnd(nil, nil, zerolog.Nop())

	require.NoError(t, fe.CalibrateNoiseFloor(1500))
	assert.ErrorIs(t, fe.CalibrateNoiseFloor(1500), ErrCalibrationBusy)
}

func TestFrontEnd_ResetClearsSegment(t *testing.T) {
	cfg := DefaultFrontEndConfig()
	cfg.VAD = DefaultVADConfig()
	cfg.VAD.SpeechFrames = 1

	fe := NewFrontEnd(cfg, nil, zerolog.Nop())
	dec, err := fe.ProcessFrame(speechFrame(480, 12288))
	require.NoError(t, err)
	require.True(t, dec.HasSpeech)

	fe.Reset()

	// Next frame starts a fresh segment rather than continuing the old one.
	dec, err = fe.ProcessFrame(speechFrame(480, 12288))
	require.NoError(t, err)
	assert.True(t, dec.SpeechStarted)
}
