// Package realtime tracks connected observers and their subscriptions,
// pushes the latest readings to them on a fixed cadence and routes their
// device commands to the actuator controller.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fisaks/enviro/internal/enviro"
	"github.com/fisaks/enviro/internal/logging"
	"github.com/fisaks/enviro/internal/state"
)

// DeviceController is the command surface the hub routes inbound
// requests to. Requests reaching the hub are assumed authorized.
type DeviceController interface {
	Apply(ctx context.Context, device, action string, params map[string]any) (enviro.ActuatorState, error)
	ApplyScene(ctx context.Context, name string) (map[string]enviro.CommandResult, error)
	EmergencySequence(ctx context.Context) (map[string]enviro.CommandResult, error)
}

// SensorTester performs a synchronous diagnostic read of one measurement
// outside the periodic acquisition loop.
type SensorTester interface {
	TestSensor(ctx context.Context, key string) (float64, error)
}

type Hub struct {
	snapshots  state.SnapshotStore
	actuators  state.ActuatorStore
	controller DeviceController
	tester     SensorTester // optional
	knownKeys  []string
	interval   time.Duration

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type HubConfig struct {
	Snapshots         state.SnapshotStore
	Actuators         state.ActuatorStore
	Controller        DeviceController
	Tester            SensorTester
	Keys              []string // all known measurement keys
	BroadcastInterval time.Duration
}

func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		snapshots:  cfg.Snapshots,
		actuators:  cfg.Actuators,
		controller: cfg.Controller,
		tester:     cfg.Tester,
		knownKeys:  cfg.Keys,
		interval:   cfg.BroadcastInterval,
		sessions:   make(map[string]*session),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start runs the periodic broadcast loop until Stop or ctx cancellation.
func (h *Hub) Start(ctx context.Context) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.running {
		logging.Warn("Realtime hub already running")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	h.running = true

	go func() {
		defer close(h.done)
		t := time.NewTicker(h.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				h.broadcastSnapshot()
			}
		}
	}()
	logging.Info("Realtime hub started", "interval", h.interval.Milliseconds())
}

func (h *Hub) Stop() {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if !h.running {
		return
	}
	h.cancel()
	<-h.done
	h.running = false

	h.mu.Lock()
	for _, s := range h.sessions {
		s.close()
	}
	h.sessions = make(map[string]*session)
	h.mu.Unlock()
	logging.Info("Realtime hub stopped")
}

// ServeWS upgrades one observer connection and runs its session.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Websocket upgrade failed", "error", err)
		return
	}

	s := newSession(h, conn)
	h.mu.Lock()
	h.sessions[s.id] = s
	count := len(h.sessions)
	h.mu.Unlock()

	logging.Info("Client connected", "session", s.id, "clients", count)

	go s.writePump()
	s.send(event{Event: "welcome", Data: map[string]any{
		"sessionId":        s.id,
		"serverTime":       time.Now(),
		"connectedClients": count,
	}})
	h.broadcastCount(count)

	s.readPump() // blocks until the connection closes
}

func (h *Hub) removeSession(s *session) {
	h.mu.Lock()
	_, present := h.sessions[s.id]
	delete(h.sessions, s.id)
	count := len(h.sessions)
	h.mu.Unlock()
	if !present {
		return
	}
	logging.Info("Client disconnected", "session", s.id, "clients", count)
	h.broadcastCount(count)
}

func (h *Hub) sessionList() []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// ClientCount reports the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) broadcastCount(count int) {
	ev := event{Event: "client-count-update", Data: map[string]any{
		"count":     count,
		"timestamp": time.Now(),
	}}
	for _, s := range h.sessionList() {
		s.send(ev)
	}
}

// broadcastSnapshot delivers the latest snapshot to every session whose
// subscription intersects it. A failed or slow client only loses its own
// delivery; per-client freshness guarantees a session never sees a
// snapshot older than one it already received.
func (h *Hub) broadcastSnapshot() {
	snap, ok := h.snapshots.Latest()
	if !ok {
		return
	}
	for _, s := range h.sessionList() {
		s.offerSnapshot(snap)
	}
}

// PublishActuatorState relays every committed actuator state change to
// all connected observers. Satisfies enviro.StatePublisher so timer and
// pattern transitions surface too, not only direct commands.
func (h *Hub) PublishActuatorState(_ context.Context, st enviro.ActuatorState) {
	ev := event{Event: "device-state-changed", Data: map[string]any{
		"device":    st.Device,
		"state":     st,
		"timestamp": time.Now(),
	}}
	for _, s := range h.sessionList() {
		s.send(ev)
	}
}

/* =========================
   Inbound dispatch
   ========================= */

func (h *Hub) dispatch(s *session, ev inboundEvent) {
	switch ev.Event {
	case "subscribe-sensors":
		s.subscribe(ev.keys(), h.knownKeys)
	case "unsubscribe-sensors":
		s.unsubscribe(ev.keys())
	case "control-device":
		h.handleControl(s, ev)
	case "apply-scene":
		h.handleScene(s, ev)
	case "trigger-emergency":
		h.handleEmergency(s)
	case "test-sensor":
		h.handleTestSensor(s, ev)
	case "get-status":
		h.handleStatus(s)
	case "ping":
		s.send(event{Event: "pong", Data: map[string]any{"timestamp": time.Now()}})
	default:
		logging.Warn("Unknown client event", "session", s.id, "event", ev.Event)
	}
}

func (h *Hub) handleControl(s *session, ev inboundEvent) {
	var req enviro.CommandRequest
	if err := ev.decode(&req); err != nil {
		logging.Warn("Malformed control event", "session", s.id, "error", err)
		return
	}

	st, err := h.controller.Apply(context.Background(), req.Device, req.Action, req.Params)
	if err != nil {
		s.send(event{Event: "device-control-error", Data: map[string]any{
			"device":    req.Device,
			"action":    req.Action,
			"error":     err.Error(),
			"timestamp": time.Now(),
		}})
		return
	}

	s.send(event{Event: "device-control-result", Data: map[string]any{
		"device":    req.Device,
		"action":    req.Action,
		"result":    st,
		"timestamp": time.Now(),
	}})
	// device-state-changed goes out to everyone via PublishActuatorState
}

func (h *Hub) handleScene(s *session, ev inboundEvent) {
	var req struct {
		Scene string `json:"scene"`
	}
	if err := ev.decode(&req); err != nil {
		logging.Warn("Malformed scene event", "session", s.id, "error", err)
		return
	}
	results, err := h.controller.ApplyScene(context.Background(), req.Scene)
	if err != nil {
		s.send(event{Event: "device-control-error", Data: map[string]any{
			"device":    req.Scene,
			"action":    "apply-scene",
			"error":     err.Error(),
			"timestamp": time.Now(),
		}})
		return
	}
	s.send(event{Event: "device-control-result", Data: map[string]any{
		"device":    req.Scene,
		"action":    "apply-scene",
		"result":    results,
		"timestamp": time.Now(),
	}})
}

func (h *Hub) handleEmergency(s *session) {
	results, err := h.controller.EmergencySequence(context.Background())
	if err != nil {
		s.send(event{Event: "device-control-error", Data: map[string]any{
			"device":    "emergency",
			"action":    "trigger-emergency",
			"error":     err.Error(),
			"timestamp": time.Now(),
		}})
		return
	}
	s.send(event{Event: "device-control-result", Data: map[string]any{
		"device":    "emergency",
		"action":    "trigger-emergency",
		"result":    results,
		"timestamp": time.Now(),
	}})
}

func (h *Hub) handleTestSensor(s *session, ev inboundEvent) {
	var req struct {
		Key string `json:"key"`
	}
	if err := ev.decode(&req); err != nil {
		logging.Warn("Malformed test-sensor event", "session", s.id, "error", err)
		return
	}
	if h.tester == nil {
		s.send(event{Event: "sensor-test-error", Data: map[string]any{
			"key":       req.Key,
			"error":     "sensor testing unavailable",
			"timestamp": time.Now(),
		}})
		return
	}
	value, err := h.tester.TestSensor(context.Background(), req.Key)
	if err != nil {
		s.send(event{Event: "sensor-test-error", Data: map[string]any{
			"key":       req.Key,
			"error":     err.Error(),
			"timestamp": time.Now(),
		}})
		return
	}
	s.send(event{Event: "sensor-test-result", Data: map[string]any{
		"key":       req.Key,
		"value":     value,
		"timestamp": time.Now(),
	}})
}

func (h *Hub) handleStatus(s *session) {
	data := map[string]any{
		"timestamp": time.Now(),
		"clients":   h.ClientCount(),
		"devices":   h.actuators.All(),
	}
	if snap, ok := h.snapshots.Latest(); ok {
		data["readings"] = snap
	}
	s.send(event{Event: "status", Data: data})
}
