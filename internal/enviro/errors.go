package enviro

import "errors"

// Error kinds shared across the HAL, the acquisition scheduler and the
// actuator controller. Boundaries wrap these with %w and add detail.
var (
	ErrNotConfigured     = errors.New("not configured")
	ErrAlreadyConfigured = errors.New("already configured")
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrValidation        = errors.New("validation error")
	ErrHardware          = errors.New("hardware error")
	ErrTimeout           = errors.New("timeout")
)
