package actuator

import (
	"sync"
	"time"

	"github.com/fisaks/enviro/internal/logging"
)

// TimerSet holds at most one pending delayed action per key (actuator id,
// or a reserved key like the emergency revert). Scheduling always cancels
// the previous timer for the key first, so a stale timer can never fire
// after a newer one was armed. A fired callback re-checks that it is
// still the current owner of its key, which closes the race between
// expiry and a concurrent cancel.
type TimerSet struct {
	mu      sync.Mutex
	pending map[string]*pendingTimer
	nextGen uint64
	stopped bool
}

type pendingTimer struct {
	timer *time.Timer
	gen   uint64
}

func NewTimerSet() *TimerSet {
	logging.Debug("Timer set created")
	return &TimerSet{pending: make(map[string]*pendingTimer)}
}

// Schedule arms fire to run after delay, replacing any pending timer for
// the key. fire always runs on the timer goroutine, never inline on the
// caller, so callers may hold locks that fire needs to reacquire.
func (ts *TimerSet) Schedule(key string, delay time.Duration, fire func()) {
	if delay <= 0 {
		delay = time.Nanosecond
	}

	ts.mu.Lock()
	if ts.stopped {
		ts.mu.Unlock()
		return
	}
	if prev, ok := ts.pending[key]; ok {
		prev.timer.Stop()
	}
	ts.nextGen++
	gen := ts.nextGen
	p := &pendingTimer{gen: gen}
	p.timer = time.AfterFunc(delay, func() {
		ts.mu.Lock()
		cur, ok := ts.pending[key]
		if !ok || cur.gen != gen {
			ts.mu.Unlock()
			return // canceled or replaced after expiry
		}
		delete(ts.pending, key)
		ts.mu.Unlock()
		fire()
	})
	ts.pending[key] = p
	ts.mu.Unlock()
}

// Cancel stops the pending timer for the key, reporting whether one was
// pending.
func (ts *TimerSet) Cancel(key string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	p, ok := ts.pending[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(ts.pending, key)
	return true
}

// StopAll cancels everything and refuses further scheduling. Idempotent.
func (ts *TimerSet) StopAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for key, p := range ts.pending {
		p.timer.Stop()
		delete(ts.pending, key)
	}
	ts.stopped = true
	logging.Debug("Timer set stopped")
}
