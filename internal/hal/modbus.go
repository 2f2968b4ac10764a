package hal

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/fisaks/enviro/internal/config"
	"github.com/fisaks/enviro/internal/logging"
)

// ModbusBackend maps pins onto a Modbus TCP pin board: digital lines live
// on coils / discrete inputs, pwm and analog lines on holding / input
// registers at the same address as the pin id.
type ModbusBackend struct {
	cfg config.HardwareConfig

	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
	connOK  bool
}

func NewModbusBackend(cfg config.HardwareConfig) *ModbusBackend {
	return &ModbusBackend{cfg: cfg}
}

func (b *ModbusBackend) ensureConnected() error {
	if b.connOK {
		return nil
	}
	b.closeLocked()

	h := modbus.NewTCPClientHandler(b.cfg.TCPAddr)
	h.Timeout = b.cfg.Timeout()
	if b.cfg.Debug {
		h.Logger = log.New(logging.WrapSlog("addr", b.cfg.TCPAddr), "modbus: ", 0)
	}
	if err := h.Connect(); err != nil {
		return err
	}
	b.handler = h
	b.client = modbus.NewClient(h)
	b.connOK = true
	return nil
}

func (b *ModbusBackend) closeLocked() {
	if b.handler != nil {
		_ = b.handler.Close()
		b.handler = nil
	}
	b.client = nil
	b.connOK = false
}

// withClient runs one bus call, reconnecting and retrying once per
// configured attempt when the failure looks transient.
func (b *ModbusBackend) withClient(ctx context.Context, fn func(c modbus.Client) ([]byte, error)) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= b.cfg.RetryCount; attempt++ {
		if attempt > 0 && b.cfg.RetryDelay() > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.cfg.RetryDelay()):
			}
		}
		if err := b.ensureConnected(); err != nil {
			lastErr = err
			continue
		}
		data, err := fn(b.client)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
		logging.Warn("Modbus call failed, retrying", "addr", b.cfg.TCPAddr, "attempt", attempt+1, "error", err)
		b.closeLocked()
	}
	return nil, lastErr
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "connection") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "reset") ||
		strings.Contains(s, "closed") ||
		strings.Contains(s, "i/o") ||
		strings.Contains(s, "timeout")
}

func (b *ModbusBackend) Read(ctx context.Context, pin Pin) (float64, error) {
	addr := uint16(pin.ID)
	switch {
	case pin.Mode == Digital && pin.Direction == In:
		data, err := b.withClient(ctx, func(c modbus.Client) ([]byte, error) {
			return c.ReadDiscreteInputs(addr, 1)
		})
		return bitValue(data), err
	case pin.Mode == Digital:
		data, err := b.withClient(ctx, func(c modbus.Client) ([]byte, error) {
			return c.ReadCoils(addr, 1)
		})
		return bitValue(data), err
	case pin.Direction == In:
		data, err := b.withClient(ctx, func(c modbus.Client) ([]byte, error) {
			return c.ReadInputRegisters(addr, 1)
		})
		return wordValue(data), err
	default:
		data, err := b.withClient(ctx, func(c modbus.Client) ([]byte, error) {
			return c.ReadHoldingRegisters(addr, 1)
		})
		return wordValue(data), err
	}
}

func (b *ModbusBackend) Write(ctx context.Context, pin Pin, value float64) error {
	if pin.Direction != Out {
		return fmt.Errorf("pin %d is not an output", pin.ID)
	}
	addr := uint16(pin.ID)
	var err error
	if pin.Mode == Digital {
		coil := uint16(0x0000)
		if value != 0 {
			coil = 0xFF00
		}
		_, err = b.withClient(ctx, func(c modbus.Client) ([]byte, error) {
			return c.WriteSingleCoil(addr, coil)
		})
	} else {
		_, err = b.withClient(ctx, func(c modbus.Client) ([]byte, error) {
			return c.WriteSingleRegister(addr, uint16(value))
		})
	}
	return err
}

func (b *ModbusBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
	return nil
}

func bitValue(data []byte) float64 {
	if len(data) > 0 && data[0]&0x01 != 0 {
		return 1
	}
	return 0
}

func wordValue(data []byte) float64 {
	if len(data) < 2 {
		return 0
	}
	return float64(uint16(data[0])<<8 | uint16(data[1]))
}
