package actuator

import (
	"context"
	"fmt"

	"github.com/fisaks/enviro/internal/enviro"
	"github.com/fisaks/enviro/internal/logging"
)

const emergencyRevertKey = "emergency/revert"

// ApplyScene applies a configured environmental preset. Every step is
// attempted independently; one device's failure lands in the results map
// and never stops the others.
func (c *Controller) ApplyScene(ctx context.Context, name string) (map[string]enviro.CommandResult, error) {
	steps, ok := c.scenes[name]
	if !ok {
		return nil, fmt.Errorf("scene %q: %w", name, enviro.ErrNotConfigured)
	}

	results := make(map[string]enviro.CommandResult, len(steps))
	for _, step := range steps {
		st, err := c.Apply(ctx, step.Device, step.Action, step.Params)
		if err != nil {
			logging.Warn("Scene step failed", "scene", name, "device", step.Device, "action", step.Action, "error", err)
			results[step.Device] = enviro.CommandResult{Error: err.Error()}
			continue
		}
		stCopy := st
		results[step.Device] = enviro.CommandResult{State: &stCopy}
	}
	return results, nil
}

// EmergencySequence applies the emergency scene across its devices and
// arms the automatic revert to the normal state after the grace period.
// Re-triggering cancels the earlier revert before arming a new one, the
// same discipline as ordinary safety timers.
func (c *Controller) EmergencySequence(ctx context.Context) (map[string]enviro.CommandResult, error) {
	if c.emergency.Scene == "" {
		return nil, fmt.Errorf("emergency scene: %w", enviro.ErrNotConfigured)
	}

	logging.Warn("Emergency sequence triggered")
	results, err := c.ApplyScene(ctx, c.emergency.Scene)
	if err != nil {
		return nil, err
	}

	if c.emergency.RevertScene != "" {
		revert := c.emergency.RevertScene
		c.timers.Schedule(emergencyRevertKey, c.emergency.RevertAfter(), func() {
			logging.Info("Emergency revert", "scene", revert)
			if _, err := c.ApplyScene(context.Background(), revert); err != nil {
				logging.Error("Emergency revert failed", "scene", revert, "error", err)
			}
		})
	}
	return results, nil
}

// CancelEmergencyRevert drops a pending automatic revert, reporting
// whether one was armed.
func (c *Controller) CancelEmergencyRevert() bool {
	return c.timers.Cancel(emergencyRevertKey)
}

// Scenes lists the configured preset names.
func (c *Controller) Scenes() []string {
	names := make([]string, 0, len(c.scenes))
	for name := range c.scenes {
		names = append(names, name)
	}
	return names
}
