// Command simulator runs only the ECU simulators against a CAN port,
// generating J1939 traffic for a gateway instance running elsewhere on
// the same bus. It reuses internal/gateway with every outer bridge
// disabled, so the wire encoding and transport-protocol framing are
// identical to what a full gateway process would produce.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/serebryakov7/j1939-gateway/internal/config"
	"github.com/serebryakov7/j1939-gateway/internal/gateway"
)

var (
	canInterface = flag.String("can-if", "vcan0", "CAN interface name")
	backend      = flag.String("backend", "virtual", "CAN backend: virtual, slcan, nativelinux")
	localSA      = flag.Uint("sa", 0xF9, "source address the transport engine answers to")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg := config.Default()
	cfg.CAN.Interface = *canInterface
	cfg.CAN.Backend = *backend
	cfg.J1939.LocalSA = uint8(*localSA)
	cfg.MQTT.Enabled = false
	cfg.Dashboard.Enabled = false
	cfg.Telemetry.Enabled = false
	cfg.Capture.Enabled = false

	logger := log.Default()
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		log.Fatalf("simulator: %v", err)
	}

	if err := gw.Start(); err != nil {
		log.Fatalf("simulator: start: %v", err)
	}
	logger.Printf("simulator: generating traffic on %s (backend %s)", *canInterface, *backend)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Printf("simulator: received %s, shutting down", sig)

	gw.Stop()
	logger.Println("simulator: stopped")
}
