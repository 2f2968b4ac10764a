// Package hal owns pin registration and uniform read/write access to the
// pin interface, physical or simulated. Exactly one descriptor may own a
// pin; the backend behind the registry is chosen once at startup.
package hal

import (
	"context"
	"fmt"
	"sync"

	"github.com/fisaks/enviro/internal/config"
	"github.com/fisaks/enviro/internal/enviro"
	"github.com/fisaks/enviro/internal/logging"
)

type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

type Mode string

const (
	Digital Mode = "digital"
	PWM     Mode = "pwm"
	I2C     Mode = "i2c"
)

// Pin is one registered line.
type Pin struct {
	ID        int
	Direction Direction
	Mode      Mode
}

// PinHandle identifies a configured pin. Zero value is never valid.
type PinHandle struct {
	id int
	ok bool
}

func (h PinHandle) ID() int { return h.id }

// Backend is the strategy behind the registry: simulated or physical.
type Backend interface {
	Read(ctx context.Context, pin Pin) (float64, error)
	Write(ctx context.Context, pin Pin, value float64) error
	Close() error
}

type HAL struct {
	backend Backend

	mu   sync.RWMutex
	pins map[int]Pin
}

func New(backend Backend) *HAL {
	return &HAL{
		backend: backend,
		pins:    make(map[int]Pin),
	}
}

// Detect picks the backend: a Modbus pin board when one is configured,
// otherwise the simulator.
func Detect(cfg *config.Config) Backend {
	if cfg.Hardware.TCPAddr != "" {
		logging.Info("Using modbus pin interface", "addr", cfg.Hardware.TCPAddr)
		return NewModbusBackend(cfg.Hardware)
	}
	logging.Info("No physical pin interface configured, using simulator")
	return NewSimBackend(cfg)
}

// Configure registers a pin. A pin id can be claimed exactly once.
func (h *HAL) Configure(pinID int, dir Direction, mode Mode) (PinHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.pins[pinID]; exists {
		return PinHandle{}, fmt.Errorf("pin %d: %w", pinID, enviro.ErrAlreadyConfigured)
	}
	h.pins[pinID] = Pin{ID: pinID, Direction: dir, Mode: mode}
	logging.Debug("Pin configured", "pin", pinID, "direction", dir, "mode", mode)
	return PinHandle{id: pinID, ok: true}, nil
}

func (h *HAL) lookup(handle PinHandle) (Pin, error) {
	if !handle.ok {
		return Pin{}, fmt.Errorf("zero pin handle: %w", enviro.ErrNotConfigured)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	pin, exists := h.pins[handle.id]
	if !exists {
		return Pin{}, fmt.Errorf("pin %d: %w", handle.id, enviro.ErrNotConfigured)
	}
	return pin, nil
}

func (h *HAL) Read(ctx context.Context, handle PinHandle) (float64, error) {
	pin, err := h.lookup(handle)
	if err != nil {
		return 0, err
	}
	v, err := h.backend.Read(ctx, pin)
	if err != nil {
		return 0, fmt.Errorf("read pin %d: %w: %w", pin.ID, enviro.ErrHardware, err)
	}
	return v, nil
}

// Write drives an output pin. Writes are logged at the boundary for
// diagnostics and observable by subsequent reads on the same handle.
func (h *HAL) Write(ctx context.Context, handle PinHandle, value float64) error {
	pin, err := h.lookup(handle)
	if err != nil {
		return err
	}
	if err := h.backend.Write(ctx, pin, value); err != nil {
		return fmt.Errorf("write pin %d: %w: %w", pin.ID, enviro.ErrHardware, err)
	}
	logging.Debug("Pin write", "pin", pin.ID, "mode", pin.Mode, "value", value)
	return nil
}

func (h *HAL) Close() {
	if err := h.backend.Close(); err != nil {
		logging.Warn("Pin backend close", "error", err)
	}
}
