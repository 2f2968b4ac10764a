package enviro

import (
	"context"
	"sync"
	"time"
)

// ReadingSnapshot is one immutable set of the latest sensor readings.
// A new tick always builds a new snapshot; nothing mutates a published one.
type ReadingSnapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	DeviceID  string             `json:"deviceId"`
	Readings  map[string]float64 `json:"readings,omitempty"`
	Degraded  bool               `json:"degraded,omitempty"`
	Errors    []string           `json:"errors,omitempty"`
}

// Keys returns the measurement keys present in the snapshot.
func (s ReadingSnapshot) Keys() []string {
	keys := make([]string, 0, len(s.Readings))
	for k := range s.Readings {
		keys = append(keys, k)
	}
	return keys
}

// ActuatorState is the controller-owned state of one actuator.
type ActuatorState struct {
	Device      string    `json:"device"`
	Active      bool      `json:"active"`
	Speed       int       `json:"speed,omitempty"`
	Color       *RGB      `json:"color,omitempty"`
	DurationMs  int       `json:"durationMs,omitempty"`
	LastCommand time.Time `json:"lastCommand"`
}

type RGB struct {
	Red   int `json:"red"`
	Green int `json:"green"`
	Blue  int `json:"blue"`
}

// CommandRequest is the loose shape received from a client for device commands.
type CommandRequest struct {
	ID     string         `json:"id,omitempty"`
	Device string         `json:"device"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// CommandResult is the per-device outcome of a composite operation.
type CommandResult struct {
	State *ActuatorState `json:"state,omitempty"`
	Error string         `json:"error,omitempty"`
}

// SnapshotSink receives every published snapshot for durable storage.
// Callers fire and forget; a sink failure never blocks acquisition.
type SnapshotSink interface {
	PublishSnapshot(ctx context.Context, snap ReadingSnapshot)
}

// StatePublisher is notified after every committed actuator state change.
type StatePublisher interface {
	PublishActuatorState(ctx context.Context, state ActuatorState)
}

// StateFanout relays state changes to every registered publisher. Add is
// for wiring at startup; it is safe against publishes from other
// goroutines once the system runs.
type StateFanout struct {
	mu   sync.RWMutex
	subs []StatePublisher
}

func (f *StateFanout) Add(p StatePublisher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, p)
}

func (f *StateFanout) PublishActuatorState(ctx context.Context, state ActuatorState) {
	f.mu.RLock()
	subs := f.subs
	f.mu.RUnlock()
	for _, p := range subs {
		p.PublishActuatorState(ctx, state)
	}
}
