// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"
)

/* =========================
   Types
   ========================= */

type Config struct {
	NodeName              string                 `json:"nodeName"`
	ListenAddr            string                 `json:"listenAddr"`
	AcquisitionIntervalMs int                    `json:"acquisitionIntervalMs"` // sensor sampling cadence, >= 1000
	BroadcastIntervalMs   int                    `json:"broadcastIntervalMs"`   // realtime push cadence
	Hardware              HardwareConfig         `json:"hardware"`
	MQTT                  MQTTConfig             `json:"mqtt"`
	Sensors               []SensorConfig         `json:"sensors"`
	Actuators             []ActuatorConfig       `json:"actuators"`
	Scenes                map[string][]SceneStep `json:"scenes"`
	Emergency             EmergencyConfig        `json:"emergency"`
}

type HardwareConfig struct {
	// TCPAddr points the pin interface at a Modbus TCP pin board.
	// Empty means no physical interface: the simulated backend is used.
	TCPAddr      string `json:"tcpAddr"`
	TimeoutMs    int    `json:"timeoutMs"`
	RetryCount   int    `json:"retryCount"`
	RetryDelayMs int    `json:"retryDelayMs"`
	Debug        bool   `json:"debug"`
}

type MQTTConfig struct {
	BrokerURL        string `json:"brokerUrl"` // empty disables the export sink
	TopicPrefix      string `json:"topicPrefix"`
	ConnectTimeoutMs int    `json:"connectTimeoutMs"`
	PublishTimeoutMs int    `json:"publishTimeoutMs"`
}

type SensorConfig struct {
	ID           string        `json:"id"`
	Measurements []Measurement `json:"measurements"`
}

type Measurement struct {
	Key    string  `json:"key"`
	Unit   string  `json:"unit"`
	Pin    int     `json:"pin"`
	Scale  float64 `json:"scale,omitempty"`  // 0 means 1.0
	Offset float64 `json:"offset,omitempty"` // engineering = raw*scale + offset
	SimMin float64 `json:"simMin,omitempty"` // random walk floor (simulated backend)
	SimMax float64 `json:"simMax,omitempty"` // random walk ceiling
}

type ActuatorConfig struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"` // "relay" | "digital" | "pwm"
	Pin      int            `json:"pin,omitempty"`
	Channels map[string]int `json:"channels,omitempty"` // named pins, e.g. {"red":17,"green":27,"blue":22}
	MaxRunMs int            `json:"maxRunMs,omitempty"`  // safety ceiling for timed activations
}

type SceneStep struct {
	Device string         `json:"device"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

type EmergencyConfig struct {
	Scene         string `json:"scene"`         // scene applied when the sequence fires
	RevertScene   string `json:"revertScene"`   // scene restored after the grace period
	RevertAfterMs int    `json:"revertAfterMs"` // grace period before automatic revert
}

/* =========================
   Helpers
   ========================= */

func (c Config) AcquisitionInterval() time.Duration {
	return time.Duration(c.AcquisitionIntervalMs) * time.Millisecond
}
func (c Config) BroadcastInterval() time.Duration {
	return time.Duration(c.BroadcastIntervalMs) * time.Millisecond
}
func (h HardwareConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutMs) * time.Millisecond
}
func (h HardwareConfig) RetryDelay() time.Duration {
	return time.Duration(h.RetryDelayMs) * time.Millisecond
}
func (e EmergencyConfig) RevertAfter() time.Duration {
	return time.Duration(e.RevertAfterMs) * time.Millisecond
}

func (m Measurement) Convert(raw float64) float64 {
	scale := m.Scale
	if scale == 0 {
		scale = 1
	}
	return raw*scale + m.Offset
}

// MeasurementKeys lists every key produced by the configured sensors.
func (c Config) MeasurementKeys() []string {
	var keys []string
	for _, s := range c.Sensors {
		for _, m := range s.Measurements {
			keys = append(keys, m.Key)
		}
	}
	return keys
}

func (c Config) FindActuator(id string) (ActuatorConfig, bool) {
	for _, a := range c.Actuators {
		if a.ID == id {
			return a, true
		}
	}
	return ActuatorConfig{}, false
}

/* =========================
   Strict load + validate
   ========================= */

func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(raw)
}

func LoadConfigFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return parseConfig(raw)
}

func parseConfig(raw []byte) (*Config, error) {
	clean := stripJSONComments(raw)

	dec := json.NewDecoder(strings.NewReader(string(clean)))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs multiErr

	if strings.TrimSpace(c.NodeName) == "" {
		c.NodeName = "enviro"
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = ":8765"
	}

	/* Cadences */
	if c.AcquisitionIntervalMs < 1000 {
		errs.addf("acquisitionIntervalMs must be >= 1000, got %d", c.AcquisitionIntervalMs)
	}
	if c.BroadcastIntervalMs <= 0 {
		c.BroadcastIntervalMs = 1000
	}

	/* Hardware */
	if c.Hardware.TimeoutMs <= 0 {
		c.Hardware.TimeoutMs = 500
	}
	if c.Hardware.RetryCount < 0 {
		errs.add("hardware.retryCount cannot be negative")
	}
	if c.Hardware.RetryDelayMs < 0 {
		errs.add("hardware.retryDelayMs cannot be negative")
	}

	/* Sensors (unique ids, unique keys, unique pins across everything) */
	seenPins := map[int]string{} // pin -> owner
	claimPin := func(pin int, owner string) {
		if pin < 0 {
			errs.addf("%s: pin cannot be negative", owner)
			return
		}
		if prev, ok := seenPins[pin]; ok {
			errs.addf("%s: pin %d already configured by %s", owner, pin, prev)
			return
		}
		seenPins[pin] = owner
	}

	if len(c.Sensors) == 0 {
		errs.add("sensors cannot be empty")
	}
	seenSensors := map[string]int{}
	seenKeys := map[string]string{} // key -> sensor id
	for i := range c.Sensors {
		s := &c.Sensors[i]
		if strings.TrimSpace(s.ID) == "" {
			errs.addf("sensors[%d]: id is required", i)
		} else if j, ok := seenSensors[s.ID]; ok {
			errs.addf("sensors[%d]: duplicate sensor id %q (also at sensors[%d])", i, s.ID, j)
		} else {
			seenSensors[s.ID] = i
		}
		if len(s.Measurements) == 0 {
			errs.addf("sensors[%d/%s]: measurements cannot be empty", i, s.ID)
		}
		for j := range s.Measurements {
			m := &s.Measurements[j]
			if strings.TrimSpace(m.Key) == "" {
				errs.addf("sensors[%d/%s].measurements[%d]: key is required", i, s.ID, j)
				continue
			}
			if owner, clash := seenKeys[m.Key]; clash {
				errs.addf("sensors[%d/%s]: duplicate measurement key %q (also produced by %s)", i, s.ID, m.Key, owner)
			} else {
				seenKeys[m.Key] = s.ID
			}
			claimPin(m.Pin, fmt.Sprintf("sensors[%s].%s", s.ID, m.Key))
			if m.SimMax < m.SimMin {
				errs.addf("sensors[%d/%s].measurements[%s]: simMax < simMin", i, s.ID, m.Key)
			}
		}
	}

	/* Actuators */
	seenActuators := map[string]int{}
	for i := range c.Actuators {
		a := &c.Actuators[i]
		if strings.TrimSpace(a.ID) == "" {
			errs.addf("actuators[%d]: id is required", i)
		} else if j, ok := seenActuators[a.ID]; ok {
			errs.addf("actuators[%d]: duplicate actuator id %q (also at actuators[%d])", i, a.ID, j)
		} else {
			seenActuators[a.ID] = i
		}
		if _, ok := seenSensors[a.ID]; ok {
			errs.addf("actuators[%d/%s]: id collides with a sensor id", i, a.ID)
		}

		if !slices.Contains([]string{"relay", "digital", "pwm"}, a.Kind) {
			errs.addf("actuators[%d/%s]: kind must be one of relay, digital, pwm", i, a.ID)
		}
		switch {
		case len(a.Channels) > 0:
			for name, pin := range a.Channels {
				claimPin(pin, fmt.Sprintf("actuators[%s].%s", a.ID, name))
			}
		default:
			claimPin(a.Pin, fmt.Sprintf("actuators[%s]", a.ID))
		}
		if a.MaxRunMs < 0 {
			errs.addf("actuators[%d/%s]: maxRunMs cannot be negative", i, a.ID)
		}
	}

	/* Scenes */
	for name, steps := range c.Scenes {
		if len(steps) == 0 {
			errs.addf("scenes[%s]: cannot be empty", name)
		}
		for j, step := range steps {
			if _, ok := seenActuators[step.Device]; !ok {
				errs.addf("scenes[%s][%d]: unknown device %q", name, j, step.Device)
			}
			if strings.TrimSpace(step.Action) == "" {
				errs.addf("scenes[%s][%d]: action is required", name, j)
			}
		}
	}

	/* Emergency */
	if c.Emergency.Scene != "" {
		if _, ok := c.Scenes[c.Emergency.Scene]; !ok {
			errs.addf("emergency.scene: unknown scene %q", c.Emergency.Scene)
		}
	}
	if c.Emergency.RevertScene != "" {
		if _, ok := c.Scenes[c.Emergency.RevertScene]; !ok {
			errs.addf("emergency.revertScene: unknown scene %q", c.Emergency.RevertScene)
		}
	}
	if c.Emergency.RevertAfterMs < 0 {
		errs.add("emergency.revertAfterMs cannot be negative")
	} else if c.Emergency.RevertAfterMs == 0 {
		c.Emergency.RevertAfterMs = 30000
	}

	/* MQTT (optional) */
	if c.MQTT.BrokerURL != "" {
		if c.MQTT.TopicPrefix == "" {
			c.MQTT.TopicPrefix = "enviro/" + c.NodeName
		}
		if c.MQTT.ConnectTimeoutMs <= 0 {
			c.MQTT.ConnectTimeoutMs = 10000
		}
		if c.MQTT.PublishTimeoutMs <= 0 {
			c.MQTT.PublishTimeoutMs = 5000
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

/* =========================
   Comment stripping + utils
   ========================= */

var (
	lineComments  = regexp.MustCompile(`(?m)//[^\n\r]*`)
	blockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

func stripJSONComments(in []byte) []byte {
	text := string(in)
	text = blockComments.ReplaceAllString(text, "")
	text = lineComments.ReplaceAllString(text, "")
	return []byte(text)
}

// small multi-error
type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }
func (m multiErr) Error() string            { return "validation errors: " + strings.Join(m, "; ") }
