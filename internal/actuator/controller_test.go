package actuator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/enviro/internal/config"
	"github.com/fisaks/enviro/internal/enviro"
	"github.com/fisaks/enviro/internal/hal"
	"github.com/fisaks/enviro/internal/state"
)

// recordingBackend keeps the full write history per pin and can be told
// to fail writes on selected pins.
type recordingBackend struct {
	mu       sync.Mutex
	values   map[int]float64
	log      map[int][]float64
	failPins map[int]bool
	writeCtx context.Context
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{
		values:   make(map[int]float64),
		log:      make(map[int][]float64),
		failPins: make(map[int]bool),
	}
}

func (b *recordingBackend) Read(_ context.Context, pin hal.Pin) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.values[pin.ID], nil
}

func (b *recordingBackend) Write(ctx context.Context, pin hal.Pin, value float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeCtx = ctx
	if b.failPins[pin.ID] {
		return errors.New("pin fault")
	}
	b.values[pin.ID] = value
	b.log[pin.ID] = append(b.log[pin.ID], value)
	return nil
}

func (b *recordingBackend) Close() error { return nil }

func (b *recordingBackend) last(pin int) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.values[pin]
}

func (b *recordingBackend) history(pin int) []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]float64, len(b.log[pin]))
	copy(out, b.log[pin])
	return out
}

func (b *recordingBackend) setFailing(pin int, fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPins[pin] = fail
}

func (b *recordingBackend) lastCtx() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeCtx
}

const (
	fanPin    = 10
	heaterPin = 11
	buzzerPin = 12
	redPin    = 13
	greenPin  = 14
	bluePin   = 15
)

func controllerConfig() *config.Config {
	return &config.Config{
		NodeName: "test-node",
		Actuators: []config.ActuatorConfig{
			{ID: "fan", Kind: "pwm", Pin: fanPin},
			{ID: "heater", Kind: "relay", Pin: heaterPin, MaxRunMs: 80},
			{ID: "buzzer", Kind: "digital", Pin: buzzerPin},
			{ID: "grow-light", Kind: "pwm", Channels: map[string]int{"red": redPin, "green": greenPin, "blue": bluePin}},
		},
		Scenes: map[string][]config.SceneStep{
			"ventilate": {
				{Device: "fan", Action: "setSpeed", Params: map[string]any{"speed": float64(60)}},
			},
			"alert": {
				{Device: "buzzer", Action: "turnOn"},
				{Device: "fan", Action: "setSpeed", Params: map[string]any{"speed": float64(100)}},
			},
			"calm": {
				{Device: "buzzer", Action: "turnOff"},
				{Device: "fan", Action: "setSpeed", Params: map[string]any{"speed": float64(0)}},
			},
			"mixed": {
				{Device: "fan", Action: "setSpeed", Params: map[string]any{"speed": float64(40)}},
				{Device: "buzzer", Action: "explode"},
			},
		},
		Emergency: config.EmergencyConfig{
			Scene:         "alert",
			RevertScene:   "calm",
			RevertAfterMs: 60,
		},
	}
}

func newTestController(t *testing.T) (*Controller, *recordingBackend, state.ActuatorStore) {
	t.Helper()
	backend := newRecordingBackend()
	store := state.NewActuatorStore()
	c, err := NewController(controllerConfig(), hal.New(backend), store, nil)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c, backend, store
}

func TestNewController_DuplicatePinAborts(t *testing.T) {
	t.Parallel()

	cfg := controllerConfig()
	cfg.Actuators[1].Pin = fanPin

	_, err := NewController(cfg, hal.New(newRecordingBackend()), state.NewActuatorStore(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, enviro.ErrAlreadyConfigured)
}

func TestApply_UnknownDevice(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(t)
	_, err := c.Apply(context.Background(), "ghost", "turnOn", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, enviro.ErrNotConfigured)
}

func TestApply_UnknownAction(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(t)
	_, err := c.Apply(context.Background(), "fan", "levitate", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, enviro.ErrUnsupportedAction)
}

func TestSetSpeed_ClampsToRange(t *testing.T) {
	t.Parallel()

	c, backend, _ := newTestController(t)

	st, err := c.Apply(context.Background(), "fan", "setSpeed", map[string]any{"speed": float64(150)})
	require.NoError(t, err)
	assert.Equal(t, 100, st.Speed)
	assert.True(t, st.Active)
	assert.Equal(t, 100.0, backend.last(fanPin))

	st, err = c.Apply(context.Background(), "fan", "setSpeed", map[string]any{"speed": float64(-5)})
	require.NoError(t, err)
	assert.Equal(t, 0, st.Speed)
	assert.False(t, st.Active)
	assert.Equal(t, 0.0, backend.last(fanPin))
}

func TestSetSpeed_RequiresPWM(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(t)
	_, err := c.Apply(context.Background(), "heater", "setSpeed", map[string]any{"speed": float64(50)})
	require.Error(t, err)
	assert.ErrorIs(t, err, enviro.ErrUnsupportedAction)
}

func TestSetSpeed_RequiresNumericSpeed(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(t)

	_, err := c.Apply(context.Background(), "fan", "setSpeed", nil)
	assert.ErrorIs(t, err, enviro.ErrValidation)

	_, err = c.Apply(context.Background(), "fan", "setSpeed", map[string]any{"speed": "fast"})
	assert.ErrorIs(t, err, enviro.ErrValidation)
}

func TestTimedActivation_AutoOff(t *testing.T) {
	t.Parallel()

	c, backend, store := newTestController(t)

	st, err := c.Apply(context.Background(), "fan", "setSpeed", map[string]any{"speed": float64(80), "durationMs": float64(40)})
	require.NoError(t, err)
	assert.Equal(t, 40, st.DurationMs)
	assert.Equal(t, 80.0, backend.last(fanPin))

	assert.Eventually(t, func() bool {
		cur, ok := store.Get("fan")
		return ok && !cur.Active
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, backend.last(fanPin))
}

func TestTimedActivation_SupersededCommandCancelsAutoOff(t *testing.T) {
	t.Parallel()

	c, backend, store := newTestController(t)

	_, err := c.Apply(context.Background(), "fan", "setSpeed", map[string]any{"speed": float64(80), "durationMs": float64(40)})
	require.NoError(t, err)

	// the new command supersedes the timed one; its auto-off must not fire
	_, err = c.Apply(context.Background(), "fan", "setSpeed", map[string]any{"speed": float64(30)})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	cur, ok := store.Get("fan")
	require.True(t, ok)
	assert.True(t, cur.Active)
	assert.Equal(t, 30, cur.Speed)
	assert.Equal(t, 30.0, backend.last(fanPin))
}

func TestSafetyCeiling_CapsDuration(t *testing.T) {
	t.Parallel()

	c, backend, store := newTestController(t)

	// requested duration beyond the ceiling is capped
	st, err := c.Apply(context.Background(), "heater", "turnOn", map[string]any{"durationMs": float64(60000)})
	require.NoError(t, err)
	assert.Equal(t, 80, st.DurationMs)
	assert.Equal(t, 1.0, backend.last(heaterPin))

	assert.Eventually(t, func() bool {
		cur, ok := store.Get("heater")
		return ok && !cur.Active
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, backend.last(heaterPin))
}

func TestSafetyCeiling_BoundsUnboundedActivation(t *testing.T) {
	t.Parallel()

	c, _, store := newTestController(t)

	// no duration requested, the ceiling still applies
	st, err := c.Apply(context.Background(), "heater", "turnOn", nil)
	require.NoError(t, err)
	assert.Equal(t, 80, st.DurationMs)

	assert.Eventually(t, func() bool {
		cur, ok := store.Get("heater")
		return ok && !cur.Active
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnboundedActivation_StaysOn(t *testing.T) {
	t.Parallel()

	c, _, store := newTestController(t)

	// fan has no ceiling, so an unbounded activation really is unbounded
	st, err := c.Apply(context.Background(), "fan", "setSpeed", map[string]any{"speed": float64(50)})
	require.NoError(t, err)
	assert.Zero(t, st.DurationMs)

	time.Sleep(150 * time.Millisecond)
	cur, ok := store.Get("fan")
	require.True(t, ok)
	assert.True(t, cur.Active)
}

func TestSetColor_ClampsChannels(t *testing.T) {
	t.Parallel()

	c, backend, _ := newTestController(t)

	st, err := c.Apply(context.Background(), "grow-light", "setColor", map[string]any{
		"red":   float64(300),
		"green": float64(-20),
		"blue":  float64(128),
	})
	require.NoError(t, err)
	require.NotNil(t, st.Color)
	assert.Equal(t, enviro.RGB{Red: 255, Green: 0, Blue: 128}, *st.Color)
	assert.True(t, st.Active)

	assert.Equal(t, 255.0, backend.last(redPin))
	assert.Equal(t, 0.0, backend.last(greenPin))
	assert.Equal(t, 128.0, backend.last(bluePin))
}

func TestSetColor_AllZeroIsInactive(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(t)

	st, err := c.Apply(context.Background(), "grow-light", "setColor", map[string]any{
		"red": float64(0), "green": float64(0), "blue": float64(0),
	})
	require.NoError(t, err)
	assert.False(t, st.Active)
}

func TestSetColor_RequiresChannels(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(t)
	_, err := c.Apply(context.Background(), "buzzer", "setColor", map[string]any{
		"red": float64(1), "green": float64(1), "blue": float64(1),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, enviro.ErrUnsupportedAction)
}

func TestSetColor_MissingComponent(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(t)
	_, err := c.Apply(context.Background(), "grow-light", "setColor", map[string]any{"red": float64(255)})
	require.Error(t, err)
	assert.ErrorIs(t, err, enviro.ErrValidation)
}

func TestTurnOn_MultiChannelDevice(t *testing.T) {
	t.Parallel()

	c, backend, _ := newTestController(t)

	_, err := c.Apply(context.Background(), "grow-light", "turnOn", nil)
	require.NoError(t, err)
	assert.Equal(t, 255.0, backend.last(redPin))
	assert.Equal(t, 255.0, backend.last(greenPin))
	assert.Equal(t, 255.0, backend.last(bluePin))

	_, err = c.Apply(context.Background(), "grow-light", "turnOff", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, backend.last(redPin))
}

func TestPattern_DoubleRunsToCompletion(t *testing.T) {
	t.Parallel()

	c, backend, store := newTestController(t)

	st, err := c.Apply(context.Background(), "buzzer", "beep", map[string]any{"pattern": "double"})
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, 1.0, backend.last(buzzerPin))

	// on 200, off 200, on 200, then forced off
	assert.Eventually(t, func() bool {
		cur, ok := store.Get("buzzer")
		return ok && !cur.Active
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []float64{1, 0, 1, 0}, backend.history(buzzerPin))
}

func TestPattern_UnknownName(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(t)
	_, err := c.Apply(context.Background(), "buzzer", "beep", map[string]any{"pattern": "morse"})
	require.Error(t, err)
	assert.ErrorIs(t, err, enviro.ErrValidation)
}

func TestPattern_ExplicitSteps(t *testing.T) {
	t.Parallel()

	c, _, store := newTestController(t)

	st, err := c.Apply(context.Background(), "buzzer", "beep", map[string]any{"onMs": float64(30), "offMs": float64(30)})
	require.NoError(t, err)
	assert.True(t, st.Active)

	assert.Eventually(t, func() bool {
		cur, ok := store.Get("buzzer")
		return ok && !cur.Active
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPattern_NeedsNameOrSteps(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(t)
	_, err := c.Apply(context.Background(), "buzzer", "beep", map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, enviro.ErrValidation)
}

func TestPattern_SupersededByNewCommand(t *testing.T) {
	t.Parallel()

	c, backend, store := newTestController(t)

	_, err := c.Apply(context.Background(), "buzzer", "beep", map[string]any{"pattern": "alarm"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond) // still inside the first on step
	_, err = c.Apply(context.Background(), "buzzer", "turnOff", nil)
	require.NoError(t, err)

	// no pattern step may drive the output after the supersede
	time.Sleep(700 * time.Millisecond)
	cur, ok := store.Get("buzzer")
	require.True(t, ok)
	assert.False(t, cur.Active)
	assert.Equal(t, []float64{1, 0}, backend.history(buzzerPin))
}

func TestPattern_RepeatBudgetExpiresDuringOffInterval(t *testing.T) {
	t.Parallel()

	c, backend, store := newTestController(t)

	// 30ms on, then a 200ms off interval; the 100ms budget ends inside
	// the off interval, which must finish the pattern, not replay it
	_, err := c.Apply(context.Background(), "buzzer", "beep", map[string]any{
		"onMs": float64(30), "offMs": float64(200), "repeat": true, "totalMs": float64(100),
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		cur, ok := store.Get("buzzer")
		return ok && !cur.Active
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, backend.last(buzzerPin))

	// the device writer lock must be free again for the next command
	st, err := c.Apply(context.Background(), "buzzer", "turnOn", nil)
	require.NoError(t, err)
	assert.True(t, st.Active)
}

func TestPattern_StepWriteFailureStillFinishes(t *testing.T) {
	t.Parallel()

	c, backend, store := newTestController(t)

	_, err := c.Apply(context.Background(), "buzzer", "beep", map[string]any{"onMs": float64(30), "offMs": float64(30)})
	require.NoError(t, err)

	// later step writes fail at the pin; the pattern still runs to its
	// inactive end state
	backend.setFailing(buzzerPin, true)

	assert.Eventually(t, func() bool {
		cur, ok := store.Get("buzzer")
		return ok && !cur.Active
	}, 2*time.Second, 5*time.Millisecond)

	backend.setFailing(buzzerPin, false)
	st, err := c.Apply(context.Background(), "buzzer", "turnOn", nil)
	require.NoError(t, err)
	assert.True(t, st.Active)
}

func TestApplyScene(t *testing.T) {
	t.Parallel()

	c, _, store := newTestController(t)

	results, err := c.ApplyScene(context.Background(), "ventilate")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results["fan"].State)
	assert.Equal(t, 60, results["fan"].State.Speed)

	cur, ok := store.Get("fan")
	require.True(t, ok)
	assert.Equal(t, 60, cur.Speed)
}

func TestApplyScene_StepFailureIsIsolated(t *testing.T) {
	t.Parallel()

	c, _, store := newTestController(t)

	results, err := c.ApplyScene(context.Background(), "mixed")
	require.NoError(t, err)
	require.Len(t, results, 2)

	// the bad buzzer step fails on its own, the fan step still lands
	assert.NotEmpty(t, results["buzzer"].Error)
	assert.Nil(t, results["buzzer"].State)
	require.NotNil(t, results["fan"].State)
	assert.Equal(t, 40, results["fan"].State.Speed)

	cur, ok := store.Get("fan")
	require.True(t, ok)
	assert.True(t, cur.Active)
}

func TestApplyScene_Unknown(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(t)
	_, err := c.ApplyScene(context.Background(), "party")
	require.Error(t, err)
	assert.ErrorIs(t, err, enviro.ErrNotConfigured)
}

func TestScenes_ListsConfiguredNames(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(t)
	assert.ElementsMatch(t, []string{"ventilate", "alert", "calm", "mixed"}, c.Scenes())
}

func TestEmergency_AppliesSceneAndReverts(t *testing.T) {
	t.Parallel()

	c, _, store := newTestController(t)

	results, err := c.EmergencySequence(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 2)

	buzzer, _ := store.Get("buzzer")
	fan, _ := store.Get("fan")
	assert.True(t, buzzer.Active)
	assert.Equal(t, 100, fan.Speed)

	// after the grace period the revert scene restores the normal state
	assert.Eventually(t, func() bool {
		buzzer, _ := store.Get("buzzer")
		fan, _ := store.Get("fan")
		return !buzzer.Active && fan.Speed == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEmergency_RevertCanBeCanceled(t *testing.T) {
	t.Parallel()

	c, _, store := newTestController(t)

	_, err := c.EmergencySequence(context.Background())
	require.NoError(t, err)

	assert.True(t, c.CancelEmergencyRevert())
	assert.False(t, c.CancelEmergencyRevert())

	time.Sleep(150 * time.Millisecond)
	fan, _ := store.Get("fan")
	assert.Equal(t, 100, fan.Speed)
}

func TestEmergency_NotConfigured(t *testing.T) {
	t.Parallel()

	cfg := controllerConfig()
	cfg.Emergency = config.EmergencyConfig{}
	c, err := NewController(cfg, hal.New(newRecordingBackend()), state.NewActuatorStore(), nil)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	_, err = c.EmergencySequence(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, enviro.ErrNotConfigured)
}

func TestConcurrentCommandsAndEmergency(t *testing.T) {
	t.Parallel()

	c, _, store := newTestController(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		speed := float64(i * 10)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Apply(context.Background(), "fan", "setSpeed", map[string]any{"speed": speed})
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.EmergencySequence(context.Background())
		}()
	}
	wg.Wait()

	// whatever interleaving happened, the fan ends in a committed state
	_, ok := store.Get("fan")
	assert.True(t, ok)
}

type ctxMarker struct{}

func TestApply_ThreadsCallerContextToWrites(t *testing.T) {
	t.Parallel()

	c, backend, _ := newTestController(t)

	ctx := context.WithValue(context.Background(), ctxMarker{}, "caller")
	_, err := c.Apply(ctx, "buzzer", "turnOn", nil)
	require.NoError(t, err)

	got := backend.lastCtx()
	require.NotNil(t, got)
	assert.Equal(t, "caller", got.Value(ctxMarker{}))
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	c, backend, store := newTestController(t)

	_, err := c.Apply(context.Background(), "heater", "turnOn", map[string]any{"durationMs": float64(60000)})
	require.NoError(t, err)
	_, err = c.Apply(context.Background(), "fan", "setSpeed", map[string]any{"speed": float64(70)})
	require.NoError(t, err)

	c.Shutdown()
	c.Shutdown() // idempotent

	for _, id := range []string{"fan", "heater", "buzzer", "grow-light"} {
		cur, ok := store.Get(id)
		require.True(t, ok, id)
		assert.False(t, cur.Active, id)
	}
	assert.Equal(t, 0.0, backend.last(fanPin))
	assert.Equal(t, 0.0, backend.last(heaterPin))

	_, err = c.Apply(context.Background(), "fan", "setSpeed", map[string]any{"speed": float64(10)})
	require.Error(t, err)
	assert.ErrorIs(t, err, enviro.ErrNotConfigured)
}
