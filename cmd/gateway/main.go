// Command gateway runs the J1939 CAN gateway: it opens a CAN port,
// starts the configured ECU simulators and outer bridges, and serves
// until it receives SIGINT or SIGTERM.
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
	configPath = flag.String("config", "gateway.json", "path to the JSON configuration file")
	overrides  multiFlag
)

// multiFlag collects repeated -set flags into a slice.
type multiFlag []string

func (m *multiFlag) String() string { return "" }
func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func main() {
	flag.Var(&overrides, "set", "dot-path config override a.b.c=value, may be repeated")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("gateway: load config: %v", err)
	}
	for _, assignment := range overrides {
		if err := config.ApplyOverride(&cfg, assignment); err != nil {
			log.Fatalf("gateway: %v", err)
		}
	}

	logger := log.Default()
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		log.Fatalf("gateway: %v", err)
	}

	if err := gw.Start(); err != nil {
		log.Fatalf("gateway: start: %v", err)
	}
	logger.Printf("gateway: running on interface %s (backend %s)", cfg.CAN.Interface, cfg.CAN.Backend)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Printf("gateway: received %s, shutting down", sig)

	gw.Stop()
	logger.Println("gateway: stopped")
}
