package main

// Standalone Modbus pin board: point the server's hardware.tcpAddr here
// to exercise the physical pin backend without hardware. Input registers
// drift like real sensors; coils and holding registers just hold what
// the server writes.

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/goburrow/serial"
	"github.com/tbrandon/mbserver"
)

func main() {
	addr := flag.String("addr", ":1502", "Modbus TCP listen address")
	rtuPort := flag.String("rtu", "", "optional serial port for Modbus RTU (e.g. /dev/ttyUSB0)")
	baud := flag.Int("baud", 19200, "serial baud rate for -rtu")
	pins := flag.String("pins", "0:2150,1:480,2:10130,3:550,4:410,5:120", "inputPin:seedValue list")
	flag.Parse()

	srv := mbserver.NewServer()
	defer srv.Close()

	seeded := map[int]int{}
	for _, part := range strings.Split(*pins, ",") {
		var pin, value int
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d:%d", &pin, &value); err != nil {
			log.Fatalf("bad -pins entry %q: %v", part, err)
		}
		srv.InputRegisters[pin] = uint16(value)
		seeded[pin] = value
	}

	if err := srv.ListenTCP(*addr); err != nil {
		log.Fatalf("ListenTCP: %v", err)
	}
	log.Printf("Modbus pin board listening on %s (%d seeded inputs)", *addr, len(seeded))

	if *rtuPort != "" {
		if err := srv.ListenRTU(&serial.Config{
			Address:  *rtuPort,
			BaudRate: *baud,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
			Timeout:  5 * time.Second,
		}); err != nil {
			log.Fatalf("ListenRTU: %v", err)
		}
		log.Printf("Modbus pin board on serial %s @ %d", *rtuPort, *baud)
	}

	// Drift the seeded inputs so repeated polls look alive.
	for {
		time.Sleep(1 * time.Second)
		for pin, seed := range seeded {
			step := rand.Intn(2*seed/100+3) - (seed/100 + 1)
			v := int(srv.InputRegisters[pin]) + step
			if v < 0 {
				v = 0
			}
			srv.InputRegisters[pin] = uint16(v)
		}
	}
}
