package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fisaks/enviro/internal/acquisition"
	"github.com/fisaks/enviro/internal/actuator"
	"github.com/fisaks/enviro/internal/config"
	"github.com/fisaks/enviro/internal/enviro"
	"github.com/fisaks/enviro/internal/hal"
	"github.com/fisaks/enviro/internal/logging"
	"github.com/fisaks/enviro/internal/messaging"
	"github.com/fisaks/enviro/internal/realtime"
	"github.com/fisaks/enviro/internal/state"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	path := getenv("ENVIRO_CONFIG_PATH", "/etc/enviro/config.json")

	logging.Init()
	cfg, err := config.LoadConfig(path)
	if err != nil {
		logging.Fatal("Config error", "error", err)
	}

	logging.Info("Loaded config",
		"node", cfg.NodeName,
		"sensors", len(cfg.Sensors),
		"actuators", len(cfg.Actuators),
		"acquisitionMs", cfg.AcquisitionIntervalMs,
	)

	// Graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pins := hal.New(hal.Detect(cfg))
	defer pins.Close()

	snapshots := state.NewSnapshotStore()
	actuators := state.NewActuatorStore()
	fanout := &enviro.StateFanout{}

	// Optional MQTT export of snapshots and state changes
	var sink enviro.SnapshotSink
	if cfg.MQTT.BrokerURL != "" {
		broker := messaging.NewBroker(messaging.BrokerConfig{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientName:     cfg.NodeName,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			ConnectTimeout: time.Duration(cfg.MQTT.ConnectTimeoutMs) * time.Millisecond,
			PublishTimeout: time.Duration(cfg.MQTT.PublishTimeoutMs) * time.Millisecond,
		})
		exporter := messaging.NewExporter(broker, cfg)
		if err := broker.Connect(ctx); err != nil {
			logging.Warn("MQTT connect failed, export disabled until reconnect", "error", err)
		}
		defer broker.Close(context.Background())
		sink = exporter
		fanout.Add(exporter)
	}

	controller, err := actuator.NewController(cfg, pins, actuators, fanout)
	if err != nil {
		logging.Fatal("Actuator init", "error", err)
	}
	defer controller.Shutdown()

	scheduler, err := acquisition.NewScheduler(cfg, pins, snapshots, sink)
	if err != nil {
		logging.Fatal("Acquisition init", "error", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	hub := realtime.NewHub(realtime.HubConfig{
		Snapshots:         snapshots,
		Actuators:         actuators,
		Controller:        controller,
		Tester:            scheduler,
		Keys:              cfg.MeasurementKeys(),
		BroadcastInterval: cfg.BroadcastInterval(),
	})
	fanout.Add(hub)
	hub.Start(ctx)
	defer hub.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		logging.Info("Listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal("HTTP server", "error", err)
		}
	}()

	// Wait for SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	logging.Info("Shutting down", "signal", s)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	cancel()
	time.Sleep(200 * time.Millisecond)
	logging.Info("bye")
}
