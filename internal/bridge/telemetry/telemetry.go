// Package telemetry writes every decoded J1939 application message to
// InfluxDB as one point per Parameter Group, tagged by source address
// so a time-series query can reconstruct a single ECU's history.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/serebryakov7/j1939-gateway/internal/hostmodule"
	"github.com/serebryakov7/j1939-gateway/internal/msgbus"
	"github.com/serebryakov7/j1939-gateway/internal/pgn"
	"github.com/serebryakov7/j1939-gateway/internal/simulator"
)

// Config holds the connection settings for the InfluxDB exporter.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// writeAPI is the subset of api.WriteAPIBlocking that Bridge depends on,
// so tests can substitute a fake without a live InfluxDB server.
type writeAPI interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

var _ hostmodule.Module = (*Bridge)(nil)

// Bridge is a hostmodule.Module that mirrors bus traffic into InfluxDB.
type Bridge struct {
	cfg Config

	binding hostmodule.Binding
	client  influxdb2.Client
	api     writeAPI

	mu        sync.Mutex
	disposeTX msgbus.Disposer
	disposeRX msgbus.Disposer
}

// New creates a Bridge writing points to the bucket/org described by cfg.
func New(cfg Config) *Bridge {
	return &Bridge{cfg: cfg}
}

func (b *Bridge) Name() string    { return "bridge.telemetry" }
func (b *Bridge) Version() string { return "1.0.0" }

func (b *Bridge) Bind(binding hostmodule.Binding) { b.binding = binding }

func (b *Bridge) OnInit() error {
	b.client = influxdb2.NewClient(b.cfg.URL, b.cfg.Token)
	b.api = b.client.WriteAPIBlocking(b.cfg.Org, b.cfg.Bucket)

	if _, err := b.client.Ping(context.Background()); err != nil {
		b.client.Close()
		return fmt.Errorf("connect to InfluxDB: %w", err)
	}
	return nil
}

func (b *Bridge) OnStart() error {
	b.disposeTX = b.binding.Bus.Subscribe(simulator.TopicJ1939TX, b.onTXMessage)
	b.disposeRX = b.binding.Bus.Subscribe(simulator.TopicJ1939RX, b.onTXMessage)
	return nil
}

func (b *Bridge) OnStop() error {
	b.mu.Lock()
	disposeTX, disposeRX := b.disposeTX, b.disposeRX
	b.mu.Unlock()
	if disposeTX != nil {
		disposeTX()
	}
	if disposeRX != nil {
		disposeRX()
	}
	if b.client != nil {
		b.client.Close()
	}
	return nil
}

func (b *Bridge) onTXMessage(env msgbus.Envelope) {
	msg, ok := env.Payload.(simulator.TxMessage)
	if !ok {
		return
	}

	point := pointFor(msg)
	if err := b.api.WritePoint(context.Background(), point); err != nil {
		b.log("write point: %v", err)
	}
}

// pointFor builds one InfluxDB point per message: the dictionary name as
// measurement, source/destination address as tags, and each payload byte
// as a field, since the byte layout is PGN-specific and decoded
// elsewhere.
func pointFor(msg simulator.TxMessage) *write.Point {
	fields := make(map[string]interface{}, len(msg.Data)+1)
	fields["length"] = len(msg.Data)
	for i, b := range msg.Data {
		fields[fmt.Sprintf("byte%d", i)] = int(b)
	}

	return influxdb2.NewPoint(
		pgn.Lookup(msg.PGN).Name,
		map[string]string{
			"sa":  fmt.Sprintf("%d", msg.SA),
			"da":  fmt.Sprintf("%d", msg.DA),
			"pgn": fmt.Sprintf("%d", msg.PGN),
		},
		fields,
		time.Now(),
	)
}

func (b *Bridge) log(format string, args ...any) {
	if b.binding.Logger != nil {
		b.binding.Logger.Printf("telemetry: "+format, args...)
	} else {
		log.Printf("telemetry: "+format, args...)
	}
}
