package hal

import (
	"context"
	"math/rand"
	"sync"

	"github.com/fisaks/enviro/internal/config"
)

// SimBackend stands in when no physical interface is present. Input pins
// hold one evolving value each, advanced per read by a small bounded
// random delta and clamped to the pin's physical range, so repeated reads
// drift realistically instead of jumping around. Output pins simply hold
// the last written value.
type SimBackend struct {
	mu     sync.Mutex
	values map[int]float64
	walks  map[int]walkRange
	rnd    *rand.Rand
}

type walkRange struct {
	min, max float64
}

func NewSimBackend(cfg *config.Config) *SimBackend {
	b := &SimBackend{
		values: make(map[int]float64),
		walks:  make(map[int]walkRange),
		rnd:    rand.New(rand.NewSource(rand.Int63())),
	}
	if cfg != nil {
		for _, s := range cfg.Sensors {
			for _, m := range s.Measurements {
				b.SetWalk(m.Pin, m.SimMin, m.SimMax)
			}
		}
	}
	return b
}

// SetWalk bounds the random walk for an input pin. A zero range falls
// back to 0..100.
func (b *SimBackend) SetWalk(pinID int, min, max float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if max <= min {
		min, max = 0, 100
	}
	b.walks[pinID] = walkRange{min: min, max: max}
	// start somewhere inside the range, not at the edge
	b.values[pinID] = min + (max-min)*(0.25+0.5*b.rnd.Float64())
}

func (b *SimBackend) Read(_ context.Context, pin Pin) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pin.Direction == Out {
		return b.values[pin.ID], nil
	}

	w, ok := b.walks[pin.ID]
	if !ok {
		w = walkRange{min: 0, max: 100}
		b.walks[pin.ID] = w
		b.values[pin.ID] = w.min + (w.max-w.min)/2
	}

	// bounded step: at most 1% of the range per read, either direction
	step := (w.max - w.min) * 0.01 * (2*b.rnd.Float64() - 1)
	v := b.values[pin.ID] + step
	if v < w.min {
		v = w.min
	}
	if v > w.max {
		v = w.max
	}
	b.values[pin.ID] = v
	return v, nil
}

func (b *SimBackend) Write(_ context.Context, pin Pin, value float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[pin.ID] = value
	return nil
}

func (b *SimBackend) Close() error { return nil }
