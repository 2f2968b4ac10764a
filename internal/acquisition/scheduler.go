// Package acquisition samples every registered sensor on a fixed cadence
// and publishes an immutable snapshot of the latest readings.
package acquisition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fisaks/enviro/internal/config"
	"github.com/fisaks/enviro/internal/enviro"
	"github.com/fisaks/enviro/internal/hal"
	"github.com/fisaks/enviro/internal/logging"
	"github.com/fisaks/enviro/internal/state"
)

type ZeroSignal struct{}

// Zero is the canonical value to send on signal channels.
var Zero ZeroSignal

// descriptor is one measurement resolved to its pin handle. Immutable
// after registration.
type descriptor struct {
	sensorID string
	spec     config.Measurement
	handle   hal.PinHandle
}

type Scheduler struct {
	nodeName string
	interval time.Duration

	pins        *hal.HAL
	descriptors []descriptor
	snapshots   state.SnapshotStore
	sink        enviro.SnapshotSink // optional, fire-and-forget

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler registers every sensor pin with the HAL. Registration
// failures (duplicate pins) are configuration errors and abort startup.
func NewScheduler(cfg *config.Config, pins *hal.HAL, snapshots state.SnapshotStore, sink enviro.SnapshotSink) (*Scheduler, error) {
	s := &Scheduler{
		nodeName:  cfg.NodeName,
		interval:  cfg.AcquisitionInterval(),
		pins:      pins,
		snapshots: snapshots,
		sink:      sink,
	}
	for _, sensor := range cfg.Sensors {
		for _, m := range sensor.Measurements {
			handle, err := pins.Configure(m.Pin, hal.In, hal.PWM)
			if err != nil {
				return nil, fmt.Errorf("sensor %s/%s: %w", sensor.ID, m.Key, err)
			}
			s.descriptors = append(s.descriptors, descriptor{
				sensorID: sensor.ID,
				spec:     m,
				handle:   handle,
			})
		}
	}
	return s, nil
}

// Start moves the scheduler from idle to running. Calling it while
// running is a no-op with a warning.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		logging.Warn("Acquisition scheduler already running")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	pollCh := make(chan ZeroSignal, 1)
	go func() {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				select {
				case pollCh <- Zero: // send a signal; drop if one is queued
				default:
				}
			}
		}
	}()

	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-pollCh:
				s.sampleOnce(ctx)
			}
		}
	}()

	logging.Info("Acquisition scheduler started", "interval", s.interval.Milliseconds(), "descriptors", len(s.descriptors))
}

// Stop cancels the pending tick and returns once the worker has exited.
// Nothing fires after Stop returns. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	<-s.done
	s.running = false
	logging.Info("Acquisition scheduler stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// sampleOnce reads every descriptor, excluding the ones that fail. A
// cycle where everything fails still publishes a metadata-only snapshot
// flagged as degraded.
func (s *Scheduler) sampleOnce(ctx context.Context) {
	snap := enviro.ReadingSnapshot{
		Timestamp: time.Now(),
		DeviceID:  s.nodeName,
		Readings:  make(map[string]float64, len(s.descriptors)),
	}

	for _, d := range s.descriptors {
		raw, err := s.pins.Read(ctx, d.handle)
		if err != nil {
			logging.Error("Sensor read failed", "sensor", d.sensorID, "key", d.spec.Key, "error", err)
			snap.Errors = append(snap.Errors, d.spec.Key+": "+err.Error())
			continue
		}
		snap.Readings[d.spec.Key] = d.spec.Convert(raw)
	}

	if len(snap.Readings) == 0 && len(s.descriptors) > 0 {
		snap.Readings = nil
		snap.Degraded = true
		logging.Warn("Acquisition cycle degraded, all sensors failed", "device", s.nodeName)
	}

	s.snapshots.Publish(snap)

	if s.sink != nil {
		go s.sink.PublishSnapshot(ctx, snap)
	}
}

// TestSensor performs a synchronous one-shot read of the descriptor that
// produces the given measurement key and returns the engineering-unit
// value. The published snapshot slot is not touched.
func (s *Scheduler) TestSensor(ctx context.Context, key string) (float64, error) {
	for _, d := range s.descriptors {
		if d.spec.Key != key {
			continue
		}
		raw, err := s.pins.Read(ctx, d.handle)
		if err != nil {
			return 0, err
		}
		return d.spec.Convert(raw), nil
	}
	return 0, fmt.Errorf("measurement %q: %w", key, enviro.ErrNotConfigured)
}
