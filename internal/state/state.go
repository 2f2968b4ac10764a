package state

import (
	"sync"

	"github.com/fisaks/enviro/internal/enviro"
)

// SnapshotStore is the single latest-readings slot. One writer (the
// acquisition scheduler) replaces the whole snapshot; readers never see a
// partial one. Older snapshots are discarded.
type SnapshotStore interface {
	Publish(snap enviro.ReadingSnapshot)
	Latest() (enviro.ReadingSnapshot, bool)
	Clear()
}

type snapshotStore struct {
	mu     sync.RWMutex
	latest enviro.ReadingSnapshot
	has    bool
}

func NewSnapshotStore() SnapshotStore {
	return &snapshotStore{}
}

func (s *snapshotStore) Publish(snap enviro.ReadingSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// last write wins, but never step the clock backwards
	if s.has && snap.Timestamp.Before(s.latest.Timestamp) {
		return
	}
	s.latest = snap
	s.has = true
}

func (s *snapshotStore) Latest() (enviro.ReadingSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.has
}

func (s *snapshotStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = enviro.ReadingSnapshot{}
	s.has = false
}

// ActuatorStore holds the controller-owned state per actuator. Writes for
// one device all come through that device's single-writer section in the
// controller; the store itself only guards the map.
type ActuatorStore interface {
	Get(device string) (enviro.ActuatorState, bool)
	Set(state enviro.ActuatorState)
	All() map[string]enviro.ActuatorState
}

type actuatorStore struct {
	mu    sync.RWMutex
	store map[string]enviro.ActuatorState
}

func NewActuatorStore() ActuatorStore {
	return &actuatorStore{store: make(map[string]enviro.ActuatorState)}
}

func (s *actuatorStore) Get(device string) (enviro.ActuatorState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.store[device]
	return st, ok
}

func (s *actuatorStore) Set(state enviro.ActuatorState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[state.Device] = state
}

func (s *actuatorStore) All() map[string]enviro.ActuatorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]enviro.ActuatorState, len(s.store))
	for k, v := range s.store {
		out[k] = v
	}
	return out
}
