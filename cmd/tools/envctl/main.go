package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// defaultServerURL matches the server's default listen address.
const defaultServerURL = "ws://localhost:8765/ws"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  envctl control --device DEVICE --action ACTION [--speed N] [--duration MS] [--color R,G,B] [--pattern NAME]
  envctl scene --name NAME
  envctl emergency
  envctl test --key KEY
  envctl status
  envctl watch [--keys key1,key2]

Common flags:
  --server   (string)   Server websocket URL (default: ws://localhost:8765/ws)

`)
	flag.PrintDefaults()
}

type event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type rawEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func dial(server string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(server, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", server, err)
		os.Exit(1)
	}
	// First frame is always the welcome.
	var welcome rawEvent
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&welcome); err != nil {
		fmt.Fprintf(os.Stderr, "welcome read error: %v\n", err)
		os.Exit(1)
	}
	return conn
}

// waitFor reads frames until one of the wanted events arrives, printing
// its payload. Broadcast traffic arriving in between is skipped.
func waitFor(conn *websocket.Conn, wanted ...string) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var ev rawEvent
		if err := conn.ReadJSON(&ev); err != nil {
			fmt.Fprintf(os.Stderr, "read error: %v\n", err)
			os.Exit(1)
		}
		for _, w := range wanted {
			if ev.Event == w {
				fmt.Printf("%s: %s\n", ev.Event, string(ev.Data))
				return
			}
		}
	}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Missing command (e.g. control)\n")
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]

	switch cmd {
	case "control":
		runControl(os.Args[2:])
	case "scene":
		runScene(os.Args[2:])
	case "emergency":
		runEmergency(os.Args[2:])
	case "test":
		runTest(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(2)
	}
}

func runControl(args []string) {
	fs := flag.NewFlagSet("control", flag.ExitOnError)
	device := fs.String("device", "", "Device id (required)")
	action := fs.String("action", "", "Action name, e.g. setSpeed, turnOn, turnOff, setColor, beep (required)")
	speed := fs.Int("speed", -1, "Speed percentage for setSpeed")
	duration := fs.Int("duration", 0, "Auto-off duration in milliseconds")
	color := fs.String("color", "", "R,G,B triple for setColor")
	pattern := fs.String("pattern", "", "Pattern name for beep/blink")
	server := fs.String("server", defaultServerURL, "Server websocket URL")
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	missing := false
	if *device == "" {
		fmt.Fprintf(os.Stderr, "--device is required\n")
		missing = true
	}
	if *action == "" {
		fmt.Fprintf(os.Stderr, "--action is required\n")
		missing = true
	}
	if missing {
		usage()
		os.Exit(2)
	}

	params := map[string]interface{}{}
	if *speed >= 0 {
		params["speed"] = *speed
	}
	if *duration > 0 {
		params["durationMs"] = *duration
	}
	if *color != "" {
		var r, g, b int
		if _, err := fmt.Sscanf(*color, "%d,%d,%d", &r, &g, &b); err != nil {
			fmt.Fprintf(os.Stderr, "--color must be R,G,B: %v\n", err)
			os.Exit(2)
		}
		params["red"] = r
		params["green"] = g
		params["blue"] = b
	}
	if *pattern != "" {
		params["pattern"] = *pattern
	}

	conn := dial(*server)
	defer conn.Close()

	cmd := event{Event: "control-device", Data: map[string]interface{}{
		"device": *device,
		"action": *action,
		"params": params,
	}}
	if err := conn.WriteJSON(cmd); err != nil {
		fmt.Fprintf(os.Stderr, "write error: %v\n", err)
		os.Exit(1)
	}
	waitFor(conn, "device-control-result", "device-control-error")
}

func runScene(args []string) {
	fs := flag.NewFlagSet("scene", flag.ExitOnError)
	name := fs.String("name", "", "Scene name (required)")
	server := fs.String("server", defaultServerURL, "Server websocket URL")
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if *name == "" {
		fmt.Fprintf(os.Stderr, "--name is required\n")
		usage()
		os.Exit(2)
	}

	conn := dial(*server)
	defer conn.Close()

	if err := conn.WriteJSON(event{Event: "apply-scene", Data: map[string]string{"scene": *name}}); err != nil {
		fmt.Fprintf(os.Stderr, "write error: %v\n", err)
		os.Exit(1)
	}
	waitFor(conn, "device-control-result", "device-control-error")
}

func runEmergency(args []string) {
	fs := flag.NewFlagSet("emergency", flag.ExitOnError)
	server := fs.String("server", defaultServerURL, "Server websocket URL")
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	conn := dial(*server)
	defer conn.Close()

	if err := conn.WriteJSON(event{Event: "trigger-emergency"}); err != nil {
		fmt.Fprintf(os.Stderr, "write error: %v\n", err)
		os.Exit(1)
	}
	waitFor(conn, "device-control-result", "device-control-error")
}

func runTest(args []string) {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	key := fs.String("key", "", "Measurement key to read (required)")
	server := fs.String("server", defaultServerURL, "Server websocket URL")
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if *key == "" {
		fmt.Fprintf(os.Stderr, "--key is required\n")
		usage()
		os.Exit(2)
	}

	conn := dial(*server)
	defer conn.Close()

	if err := conn.WriteJSON(event{Event: "test-sensor", Data: map[string]string{"key": *key}}); err != nil {
		fmt.Fprintf(os.Stderr, "write error: %v\n", err)
		os.Exit(1)
	}
	waitFor(conn, "sensor-test-result", "sensor-test-error")
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server := fs.String("server", defaultServerURL, "Server websocket URL")
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	conn := dial(*server)
	defer conn.Close()

	if err := conn.WriteJSON(event{Event: "get-status"}); err != nil {
		fmt.Fprintf(os.Stderr, "write error: %v\n", err)
		os.Exit(1)
	}
	waitFor(conn, "status")
}

func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	keys := fs.String("keys", "", "Comma separated measurement keys (default: all)")
	server := fs.String("server", defaultServerURL, "Server websocket URL")
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	conn := dial(*server)
	defer conn.Close()

	sub := map[string]interface{}{}
	if *keys != "" {
		sub["keys"] = strings.Split(*keys, ",")
	}
	if err := conn.WriteJSON(event{Event: "subscribe-sensors", Data: sub}); err != nil {
		fmt.Fprintf(os.Stderr, "write error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Watching sensor data (Ctrl-C to stop)")
	for {
		conn.SetReadDeadline(time.Time{})
		var ev rawEvent
		if err := conn.ReadJSON(&ev); err != nil {
			fmt.Fprintf(os.Stderr, "read error: %v\n", err)
			os.Exit(1)
		}
		if ev.Event == "sensor-data" || ev.Event == "device-state-changed" {
			fmt.Printf("%s: %s\n", ev.Event, string(ev.Data))
		}
	}
}
