// Package actuator validates and applies device commands through the
// HAL, owning per-device safety auto-off timers and output patterns.
package actuator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fisaks/enviro/internal/config"
	"github.com/fisaks/enviro/internal/enviro"
	"github.com/fisaks/enviro/internal/hal"
	"github.com/fisaks/enviro/internal/logging"
	"github.com/fisaks/enviro/internal/state"
)

// device is one registered actuator plus its single-writer section. The
// gen counter is bumped by every command; timer callbacks capture the gen
// they were armed under and become no-ops once a newer command has
// touched the device.
type device struct {
	cfg      config.ActuatorConfig
	pin      hal.PinHandle
	channels map[string]hal.PinHandle

	mu  sync.Mutex
	gen uint64
}

type Controller struct {
	pins      *hal.HAL
	store     state.ActuatorStore
	publisher enviro.StatePublisher // optional
	devices   map[string]*device
	timers    *TimerSet

	scenes    map[string][]config.SceneStep
	emergency config.EmergencyConfig

	mu     sync.Mutex
	closed bool
}

// NewController registers every actuator pin with the HAL. Duplicate pin
// registration is a configuration error and aborts startup.
func NewController(cfg *config.Config, pins *hal.HAL, store state.ActuatorStore, publisher enviro.StatePublisher) (*Controller, error) {
	c := &Controller{
		pins:      pins,
		store:     store,
		publisher: publisher,
		devices:   make(map[string]*device),
		timers:    NewTimerSet(),
		scenes:    cfg.Scenes,
		emergency: cfg.Emergency,
	}

	for _, a := range cfg.Actuators {
		dev := &device{cfg: a}
		mode := hal.Digital
		if a.Kind == "pwm" {
			mode = hal.PWM
		}
		if len(a.Channels) > 0 {
			dev.channels = make(map[string]hal.PinHandle, len(a.Channels))
			for name, pin := range a.Channels {
				handle, err := pins.Configure(pin, hal.Out, mode)
				if err != nil {
					return nil, fmt.Errorf("actuator %s/%s: %w", a.ID, name, err)
				}
				dev.channels[name] = handle
			}
		} else {
			handle, err := pins.Configure(a.Pin, hal.Out, mode)
			if err != nil {
				return nil, fmt.Errorf("actuator %s: %w", a.ID, err)
			}
			dev.pin = handle
		}
		c.devices[a.ID] = dev
		store.Set(enviro.ActuatorState{Device: a.ID, Active: false})
	}
	return c, nil
}

// Apply validates and executes one command against one device. All state
// mutation for a device id funnels through its writer lock; commands to
// different devices never block each other.
func (c *Controller) Apply(ctx context.Context, deviceID, action string, params map[string]any) (enviro.ActuatorState, error) {
	dev, ok := c.devices[deviceID]
	if !ok {
		return enviro.ActuatorState{}, fmt.Errorf("device %q: %w", deviceID, enviro.ErrNotConfigured)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if c.isClosed() {
		return enviro.ActuatorState{}, fmt.Errorf("controller shut down: %w", enviro.ErrNotConfigured)
	}

	// a new command supersedes whatever was pending for this device
	dev.gen++
	c.timers.Cancel(dev.cfg.ID)
	c.timers.Cancel(patternKey(dev.cfg.ID))

	var (
		st  enviro.ActuatorState
		err error
	)
	switch strings.ToLower(action) {
	case "setspeed":
		st, err = c.setSpeedLocked(ctx, dev, params)
	case "turnon":
		st, err = c.switchLocked(ctx, dev, params, true)
	case "turnoff", "stop":
		st, err = c.switchLocked(ctx, dev, nil, false)
	case "setcolor":
		st, err = c.setColorLocked(ctx, dev, params)
	case "beep", "blink":
		st, err = c.patternLocked(dev, params)
	default:
		return enviro.ActuatorState{}, fmt.Errorf("action %q on %s: %w", action, deviceID, enviro.ErrUnsupportedAction)
	}
	if err != nil {
		return enviro.ActuatorState{}, err
	}

	c.commitLocked(dev, st)
	return st, nil
}

func (c *Controller) setSpeedLocked(ctx context.Context, dev *device, params map[string]any) (enviro.ActuatorState, error) {
	if dev.cfg.Kind != "pwm" {
		return enviro.ActuatorState{}, fmt.Errorf("setSpeed on %s device %s: %w", dev.cfg.Kind, dev.cfg.ID, enviro.ErrUnsupportedAction)
	}
	raw, ok := numParam(params, "speed")
	if !ok {
		return enviro.ActuatorState{}, fmt.Errorf("setSpeed needs a numeric speed: %w", enviro.ErrValidation)
	}
	speed := clampInt(int(raw), 0, 100)

	if err := c.pins.Write(ctx, dev.pin, float64(speed)); err != nil {
		return enviro.ActuatorState{}, err
	}

	st := enviro.ActuatorState{
		Device:      dev.cfg.ID,
		Active:      speed > 0,
		Speed:       speed,
		LastCommand: time.Now(),
	}
	if st.Active {
		st.DurationMs = c.armSafetyLocked(dev, intParam(params, "durationMs", 0))
	}
	return st, nil
}

func (c *Controller) switchLocked(ctx context.Context, dev *device, params map[string]any, on bool) (enviro.ActuatorState, error) {
	if err := c.writeLevelLocked(ctx, dev, on); err != nil {
		return enviro.ActuatorState{}, err
	}
	st := enviro.ActuatorState{
		Device:      dev.cfg.ID,
		Active:      on,
		LastCommand: time.Now(),
	}
	if on {
		st.DurationMs = c.armSafetyLocked(dev, intParam(params, "durationMs", 0))
	}
	return st, nil
}

func (c *Controller) setColorLocked(ctx context.Context, dev *device, params map[string]any) (enviro.ActuatorState, error) {
	if len(dev.channels) == 0 {
		return enviro.ActuatorState{}, fmt.Errorf("setColor on single-pin device %s: %w", dev.cfg.ID, enviro.ErrUnsupportedAction)
	}

	color := enviro.RGB{}
	for name, target := range map[string]*int{"red": &color.Red, "green": &color.Green, "blue": &color.Blue} {
		raw, ok := numParam(params, name)
		if !ok {
			return enviro.ActuatorState{}, fmt.Errorf("setColor needs numeric %s: %w", name, enviro.ErrValidation)
		}
		*target = clampInt(int(raw), 0, 255)
	}

	for name, value := range map[string]int{"red": color.Red, "green": color.Green, "blue": color.Blue} {
		handle, ok := dev.channels[name]
		if !ok {
			return enviro.ActuatorState{}, fmt.Errorf("device %s has no %s channel: %w", dev.cfg.ID, name, enviro.ErrValidation)
		}
		if err := c.pins.Write(ctx, handle, float64(value)); err != nil {
			return enviro.ActuatorState{}, err
		}
	}

	st := enviro.ActuatorState{
		Device:      dev.cfg.ID,
		Active:      color.Red > 0 || color.Green > 0 || color.Blue > 0,
		Color:       &color,
		LastCommand: time.Now(),
	}
	if st.Active {
		st.DurationMs = c.armSafetyLocked(dev, intParam(params, "durationMs", 0))
	}
	return st, nil
}

func (c *Controller) patternLocked(dev *device, params map[string]any) (enviro.ActuatorState, error) {
	pat, err := patternFromParams(params)
	if err != nil {
		return enviro.ActuatorState{}, err
	}
	c.startPatternLocked(dev, dev.gen, pat)
	return enviro.ActuatorState{
		Device:      dev.cfg.ID,
		Active:      true,
		DurationMs:  pat.TotalMs,
		LastCommand: time.Now(),
	}, nil
}

// armSafetyLocked schedules the auto-off for a timed activation. The
// actuator's ceiling caps the requested duration and also bounds an
// unbounded activation when the descriptor declares one.
func (c *Controller) armSafetyLocked(dev *device, durationMs int) int {
	effective := durationMs
	if dev.cfg.MaxRunMs > 0 && (effective <= 0 || effective > dev.cfg.MaxRunMs) {
		effective = dev.cfg.MaxRunMs
	}
	if effective <= 0 {
		return 0
	}
	gen := dev.gen
	c.timers.Schedule(dev.cfg.ID, time.Duration(effective)*time.Millisecond, func() {
		c.withDevice(dev, gen, func() { c.autoOffLocked(dev) })
	})
	return effective
}

// autoOffLocked re-applies the off state when a safety timer expires.
func (c *Controller) autoOffLocked(dev *device) {
	dev.gen++
	if err := c.writeLevelLocked(context.Background(), dev, false); err != nil {
		logging.Error("Safety auto-off write failed", "device", dev.cfg.ID, "error", err)
	}
	logging.Info("Safety auto-off", "device", dev.cfg.ID)
	c.commitLocked(dev, enviro.ActuatorState{
		Device:      dev.cfg.ID,
		Active:      false,
		LastCommand: time.Now(),
	})
}

// withDevice runs fn under the device writer lock, dropping the call if
// the controller shut down or a newer command superseded gen.
func (c *Controller) withDevice(dev *device, gen uint64, fn func()) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if c.isClosed() || dev.gen != gen {
		return
	}
	fn()
}

// writeLevelLocked drives the plain on/off output for the device kind.
// Timer callbacks pass a background context; the command path passes the
// caller's.
func (c *Controller) writeLevelLocked(ctx context.Context, dev *device, on bool) error {
	if len(dev.channels) > 0 {
		level := 0.0
		if on {
			level = 255
		}
		for _, handle := range dev.channels {
			if err := c.pins.Write(ctx, handle, level); err != nil {
				return err
			}
		}
		return nil
	}
	var level float64
	switch {
	case on && dev.cfg.Kind == "pwm":
		level = 100
	case on:
		level = 1
	}
	return c.pins.Write(ctx, dev.pin, level)
}

func (c *Controller) commitLocked(dev *device, st enviro.ActuatorState) {
	c.store.Set(st)
	if c.publisher != nil {
		go c.publisher.PublishActuatorState(context.Background(), st)
	}
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Shutdown idempotently cancels every pending timer and pattern and
// forces all actuators to the off default.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.timers.StopAll()
	for _, dev := range c.devices {
		dev.mu.Lock()
		dev.gen++
		if err := c.writeLevelLocked(context.Background(), dev, false); err != nil {
			logging.Warn("Shutdown off write failed", "device", dev.cfg.ID, "error", err)
		}
		c.store.Set(enviro.ActuatorState{Device: dev.cfg.ID, Active: false, LastCommand: time.Now()})
		dev.mu.Unlock()
	}
	logging.Info("Actuator controller shut down")
}

/* =========================
   Param helpers
   ========================= */

func numParam(params map[string]any, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func intParam(params map[string]any, key string, def int) int {
	if v, ok := numParam(params, key); ok {
		return int(v)
	}
	return def
}

func boolParam(params map[string]any, key string) bool {
	if params == nil {
		return false
	}
	b, _ := params[key].(bool)
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
