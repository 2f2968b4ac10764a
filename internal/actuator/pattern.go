package actuator

import (
	"context"
	"fmt"
	"time"

	"github.com/fisaks/enviro/internal/enviro"
	"github.com/fisaks/enviro/internal/logging"
)

// Pattern is an ordered list of on/off steps. A continuous pattern is a
// single step with zero off time capped by TotalMs; a repeating pattern
// replays its steps until the TotalMs budget is exhausted and is then
// forced off.
type Pattern struct {
	Steps   []Step
	Repeat  bool
	TotalMs int
}

type Step struct {
	OnMs  int
	OffMs int
}

func (p Pattern) totalBudget() time.Duration {
	return time.Duration(p.TotalMs) * time.Millisecond
}

var builtinPatterns = map[string]Pattern{
	"single":     {Steps: []Step{{OnMs: 200}}},
	"double":     {Steps: []Step{{OnMs: 200, OffMs: 200}, {OnMs: 200}}},
	"long":       {Steps: []Step{{OnMs: 1000}}},
	"alarm":      {Steps: []Step{{OnMs: 500, OffMs: 500}}, Repeat: true, TotalMs: 10000},
	"continuous": {Steps: []Step{{OnMs: 1000}}, Repeat: true, TotalMs: 30000},
}

// patternFromParams resolves either a named built-in pattern or explicit
// onMs/offMs steps. totalMs overrides the budget either way.
func patternFromParams(params map[string]any) (Pattern, error) {
	if name, ok := params["pattern"].(string); ok {
		pat, known := builtinPatterns[name]
		if !known {
			return Pattern{}, fmt.Errorf("unknown pattern %q: %w", name, enviro.ErrValidation)
		}
		if total := intParam(params, "totalMs", 0); total > 0 {
			pat.TotalMs = total
		}
		return pat, nil
	}

	onMs := intParam(params, "onMs", 0)
	if onMs <= 0 {
		return Pattern{}, fmt.Errorf("pattern needs a name or onMs: %w", enviro.ErrValidation)
	}
	pat := Pattern{
		Steps:   []Step{{OnMs: onMs, OffMs: intParam(params, "offMs", 0)}},
		Repeat:  boolParam(params, "repeat"),
		TotalMs: intParam(params, "totalMs", 0),
	}
	if pat.Repeat && pat.TotalMs <= 0 {
		pat.TotalMs = 10000 // repeating without a budget would never stop
	}
	return pat, nil
}

// Pattern execution. The caller of enterStepLocked holds dev.mu; timer
// callbacks reacquire it and verify the command generation so a step
// from a superseded command can never drive the output again.

func (c *Controller) startPatternLocked(dev *device, gen uint64, pat Pattern) {
	var deadline time.Time
	if pat.TotalMs > 0 {
		deadline = time.Now().Add(pat.totalBudget())
	}
	c.enterStepLocked(dev, gen, pat, 0, deadline)
}

func (c *Controller) enterStepLocked(dev *device, gen uint64, pat Pattern, idx int, deadline time.Time) {
	// the deadline check comes before the on write, a step is never
	// entered past the budget
	if !deadline.IsZero() && time.Until(deadline) <= 0 {
		c.finishPatternLocked(dev)
		return
	}

	step := pat.Steps[idx]
	onDur := time.Duration(step.OnMs) * time.Millisecond

	if err := c.writeLevelLocked(context.Background(), dev, true); err != nil {
		logging.Error("Pattern step write failed", "device", dev.cfg.ID, "error", err)
	}

	if !deadline.IsZero() {
		if remaining := time.Until(deadline); remaining <= onDur {
			c.timers.Schedule(patternKey(dev.cfg.ID), remaining, func() {
				c.withDevice(dev, gen, func() { c.finishPatternLocked(dev) })
			})
			return
		}
	}

	c.timers.Schedule(patternKey(dev.cfg.ID), onDur, func() {
		c.withDevice(dev, gen, func() { c.leaveStepLocked(dev, gen, pat, idx, deadline) })
	})
}

func (c *Controller) leaveStepLocked(dev *device, gen uint64, pat Pattern, idx int, deadline time.Time) {
	next := idx + 1
	if next >= len(pat.Steps) {
		if !pat.Repeat {
			c.finishPatternLocked(dev)
			return
		}
		next = 0
	}

	step := pat.Steps[idx]
	if step.OffMs <= 0 {
		// zero off time: stay on and move straight to the next step
		c.enterStepLocked(dev, gen, pat, next, deadline)
		return
	}

	offDur := time.Duration(step.OffMs) * time.Millisecond
	if err := c.writeLevelLocked(context.Background(), dev, false); err != nil {
		logging.Error("Pattern step write failed", "device", dev.cfg.ID, "error", err)
	}

	if !deadline.IsZero() {
		if remaining := time.Until(deadline); remaining <= offDur {
			// the budget ends inside the off interval; finish at the
			// deadline instead of re-entering
			c.timers.Schedule(patternKey(dev.cfg.ID), remaining, func() {
				c.withDevice(dev, gen, func() { c.finishPatternLocked(dev) })
			})
			return
		}
	}

	c.timers.Schedule(patternKey(dev.cfg.ID), offDur, func() {
		c.withDevice(dev, gen, func() { c.enterStepLocked(dev, gen, pat, next, deadline) })
	})
}

// finishPatternLocked forces the off output state and commits the
// inactive state. Also the landing point for cancellation.
func (c *Controller) finishPatternLocked(dev *device) {
	dev.gen++
	if err := c.writeLevelLocked(context.Background(), dev, false); err != nil {
		logging.Error("Pattern off write failed", "device", dev.cfg.ID, "error", err)
	}
	c.commitLocked(dev, enviro.ActuatorState{
		Device:      dev.cfg.ID,
		Active:      false,
		LastCommand: time.Now(),
	})
}

func patternKey(device string) string { return "pattern/" + device }
