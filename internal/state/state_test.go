package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/enviro/internal/enviro"
)

func TestSnapshotStore_LastWriteWins(t *testing.T) {
	t.Parallel()

	s := NewSnapshotStore()

	_, ok := s.Latest()
	assert.False(t, ok)

	t0 := time.Now()
	s.Publish(enviro.ReadingSnapshot{Timestamp: t0, Readings: map[string]float64{"temperature": 21.5}})
	s.Publish(enviro.ReadingSnapshot{Timestamp: t0.Add(time.Second), Readings: map[string]float64{"temperature": 22.0}})

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, 22.0, latest.Readings["temperature"])
}

func TestSnapshotStore_RefusesOlderSnapshot(t *testing.T) {
	t.Parallel()

	s := NewSnapshotStore()
	t0 := time.Now()
	s.Publish(enviro.ReadingSnapshot{Timestamp: t0, Readings: map[string]float64{"temperature": 22.0}})
	s.Publish(enviro.ReadingSnapshot{Timestamp: t0.Add(-time.Second), Readings: map[string]float64{"temperature": 19.0}})

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, 22.0, latest.Readings["temperature"])
	assert.Equal(t, t0, latest.Timestamp)
}

func TestSnapshotStore_Clear(t *testing.T) {
	t.Parallel()

	s := NewSnapshotStore()
	s.Publish(enviro.ReadingSnapshot{Timestamp: time.Now()})
	s.Clear()

	_, ok := s.Latest()
	assert.False(t, ok)
}

func TestActuatorStore_GetSetAll(t *testing.T) {
	t.Parallel()

	s := NewActuatorStore()

	_, ok := s.Get("fan")
	assert.False(t, ok)

	s.Set(enviro.ActuatorState{Device: "fan", Active: true, Speed: 80})
	s.Set(enviro.ActuatorState{Device: "pump", Active: false})

	fan, ok := s.Get("fan")
	require.True(t, ok)
	assert.True(t, fan.Active)
	assert.Equal(t, 80, fan.Speed)

	all := s.All()
	assert.Len(t, all, 2)

	// All returns a copy; mutating it must not leak back into the store
	all["fan"] = enviro.ActuatorState{Device: "fan", Active: false}
	fan, _ = s.Get("fan")
	assert.True(t, fan.Active)
}

func TestActuatorStore_SetReplaces(t *testing.T) {
	t.Parallel()

	s := NewActuatorStore()
	s.Set(enviro.ActuatorState{Device: "fan", Active: true, Speed: 80})
	s.Set(enviro.ActuatorState{Device: "fan", Active: false})

	fan, ok := s.Get("fan")
	require.True(t, ok)
	assert.False(t, fan.Active)
	assert.Zero(t, fan.Speed)
}
