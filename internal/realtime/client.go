package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fisaks/enviro/internal/enviro"
	"github.com/fisaks/enviro/internal/logging"
)

const (
	sendBufferSize = 64
	readLimit      = 64 * 1024
	readTimeout    = 60 * time.Second
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
)

// event is the outbound wire envelope.
type event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// inboundEvent carries the raw payload so each handler can decode its
// own shape.
type inboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (ev inboundEvent) decode(v any) error {
	if len(ev.Data) == 0 {
		return nil
	}
	return json.Unmarshal(ev.Data, v)
}

func (ev inboundEvent) keys() []string {
	var payload struct {
		Keys []string `json:"keys"`
	}
	_ = ev.decode(&payload)
	return payload.Keys
}

// session is one connected observer. The hub is the sole owner: created
// on connect, destroyed on disconnect.
type session struct {
	id        string
	hub       *Hub
	conn      *websocket.Conn
	sendCh    chan event
	done      chan struct{}
	closeOnce sync.Once
	connected time.Time

	mu            sync.Mutex
	subscriptions map[string]struct{}
	lastDelivered time.Time // newest snapshot timestamp sent to this client
}

func newSession(h *Hub, conn *websocket.Conn) *session {
	return &session{
		id:            uuid.NewString(),
		hub:           h,
		conn:          conn,
		sendCh:        make(chan event, sendBufferSize),
		done:          make(chan struct{}),
		connected:     time.Now(),
		subscriptions: make(map[string]struct{}),
	}
}

// send queues an event for delivery. A full buffer drops the event for
// this client only; a slow observer never stalls the hub or its peers.
func (s *session) send(ev event) {
	select {
	case <-s.done:
	case s.sendCh <- ev:
	default:
		logging.Warn("Dropping event, client send buffer full", "session", s.id, "event", ev.Event)
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

/* =========================
   Subscriptions
   ========================= */

// subscribe adds keys to the subscription set; no keys means all known
// measurement keys.
func (s *session) subscribe(keys, known []string) {
	if len(keys) == 0 {
		keys = known
	}
	s.mu.Lock()
	for _, k := range keys {
		s.subscriptions[k] = struct{}{}
	}
	count := len(s.subscriptions)
	s.mu.Unlock()
	logging.Debug("Client subscribed", "session", s.id, "keys", keys, "total", count)
}

// unsubscribe removes keys; no keys clears the whole set, dropping the
// client from the broadcast group.
func (s *session) unsubscribe(keys []string) {
	s.mu.Lock()
	if len(keys) == 0 {
		s.subscriptions = make(map[string]struct{})
	} else {
		for _, k := range keys {
			delete(s.subscriptions, k)
		}
	}
	count := len(s.subscriptions)
	s.mu.Unlock()
	logging.Debug("Client unsubscribed", "session", s.id, "keys", keys, "total", count)
}

// offerSnapshot queues the snapshot if the client subscribes to any of
// its keys and has not already received a newer one.
func (s *session) offerSnapshot(snap enviro.ReadingSnapshot) {
	s.mu.Lock()
	if len(s.subscriptions) == 0 || !snap.Timestamp.After(s.lastDelivered) {
		s.mu.Unlock()
		return
	}
	payload := map[string]any{
		"timestamp": snap.Timestamp,
		"deviceId":  snap.DeviceID,
	}
	if snap.Degraded {
		payload["degraded"] = true
	}
	matched := false
	for k, v := range snap.Readings {
		if _, ok := s.subscriptions[k]; ok {
			payload[k] = v
			matched = true
		}
	}
	if !matched && !snap.Degraded {
		s.mu.Unlock()
		return
	}
	s.lastDelivered = snap.Timestamp
	s.mu.Unlock()

	s.send(event{Event: "sensor-data", Data: payload})
}

/* =========================
   Pumps
   ========================= */

func (s *session) readPump() {
	defer func() {
		s.hub.removeSession(s)
		s.close()
	}()

	s.conn.SetReadLimit(readLimit)
	s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn("Websocket read error", "session", s.id, "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var ev inboundEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			logging.Warn("Malformed client message", "session", s.id, "error", err)
			continue
		}
		s.hub.dispatch(s, ev)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case ev := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(ev); err != nil {
				logging.Warn("Websocket write error", "session", s.id, "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
