package messaging

import (
	"context"

	"github.com/fisaks/enviro/internal/config"
	"github.com/fisaks/enviro/internal/enviro"
	"github.com/fisaks/enviro/internal/logging"
)

// Exporter mirrors published snapshots and actuator state changes to the
// MQTT broker for durable storage downstream. Every publish is
// fire-and-forget: a broker failure is logged, never surfaced to the
// acquisition or command path.
type Exporter struct {
	Broker
}

// NodeCatalog is the retained summary republished on every reconnect so
// consumers can discover what this node measures and drives.
type NodeCatalog struct {
	Node      string   `json:"node"`
	Keys      []string `json:"keys"`
	Actuators []string `json:"actuators"`
}

func NewExporter(broker Broker, cfg *config.Config) *Exporter {
	e := &Exporter{Broker: broker}

	catalog := NodeCatalog{Node: cfg.NodeName, Keys: cfg.MeasurementKeys()}
	for _, a := range cfg.Actuators {
		catalog.Actuators = append(catalog.Actuators, a.ID)
	}
	if mb, ok := broker.(*MsgBroker); ok {
		mb.AddOnConnectPublisher("catalog", func() (PublishRequest, error) {
			return PublishRequest{
				Topic:   broker.Topic("catalog"),
				Qos:     AtLeastOnce,
				Retain:  true,
				Payload: catalog,
			}, nil
		})
	}
	return e
}

func (e *Exporter) PublishSnapshot(ctx context.Context, snap enviro.ReadingSnapshot) {
	topic := e.Topic("readings")
	if err := e.PublishJSON(ctx, topic, FireAndForget, true, snap); err != nil {
		logging.Warn("Snapshot export failed", "topic", topic, "error", err)
	}
}

func (e *Exporter) PublishActuatorState(ctx context.Context, st enviro.ActuatorState) {
	topic := e.Topic("device", st.Device, "state")
	if err := e.PublishJSON(ctx, topic, FireAndForget, true, st); err != nil {
		logging.Warn("State export failed", "topic", topic, "device", st.Device, "error", err)
	}
}
