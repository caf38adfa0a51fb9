// Package gateway wires the CAN port, the transport-protocol engine, the
// message bus, and every registered module into one runtime: the
// top-level object cmd/gateway constructs and runs.
package gateway

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/serebryakov7/j1939-gateway/internal/bridge/dashboard"
	"github.com/serebryakov7/j1939-gateway/internal/bridge/mqttbridge"
	"github.com/serebryakov7/j1939-gateway/internal/bridge/telemetry"
	"github.com/serebryakov7/j1939-gateway/internal/canbus"
	"github.com/serebryakov7/j1939-gateway/internal/canbus/nativelinux"
	"github.com/serebryakov7/j1939-gateway/internal/canbus/slcan"
	"github.com/serebryakov7/j1939-gateway/internal/canid"
	"github.com/serebryakov7/j1939-gateway/internal/capture"
	"github.com/serebryakov7/j1939-gateway/internal/config"
	"github.com/serebryakov7/j1939-gateway/internal/dtcstore"
	"github.com/serebryakov7/j1939-gateway/internal/hostmodule"
	"github.com/serebryakov7/j1939-gateway/internal/msgbus"
	"github.com/serebryakov7/j1939-gateway/internal/pgn"
	"github.com/serebryakov7/j1939-gateway/internal/simulator"
	"github.com/serebryakov7/j1939-gateway/internal/transport"
)

// Gateway owns the runtime singletons and the registry of modules built
// from a config.Config.
type Gateway struct {
	cfg    config.Config
	logger *log.Logger

	port     canbus.Port
	engine   *transport.Engine
	bus      *msgbus.Bus
	sched    *msgbus.Scheduler
	registry *hostmodule.Registry

	dtcs    *dtcstore.Store
	capture *capture.Store

	cancel context.CancelFunc
}

// New builds a Gateway from cfg, opening the configured CAN port and
// constructing the transport engine and message bus, but does not start
// any module yet.
func New(cfg config.Config, logger *log.Logger) (*Gateway, error) {
	if logger == nil {
		logger = log.Default()
	}

	port, err := openPort(cfg.CAN)
	if err != nil {
		return nil, fmt.Errorf("gateway: open CAN port: %w", err)
	}

	bus := msgbus.New(func(topic string, err error) {
		logger.Printf("gateway: bus handler error on %s: %v", topic, err)
	})
	sched := msgbus.NewScheduler()

	g := &Gateway{
		cfg:    cfg,
		logger: logger,
		port:   port,
		bus:    bus,
		sched:  sched,
	}

	g.engine = transport.New(port, cfg.J1939.LocalSA, g.onAssembledMessage)

	var dtcs *dtcstore.Store
	if cfg.MQTT.Enabled || cfg.Dashboard.Enabled {
		dtcs, err = dtcstore.Open(defaultDTCDBPath)
		if err != nil {
			port.Close()
			return nil, fmt.Errorf("gateway: open DTC store: %w", err)
		}
	}
	g.dtcs = dtcs

	if cfg.Capture.Enabled {
		captureStore, err := capture.Open(cfg.Capture.DBPath)
		if err != nil {
			port.Close()
			return nil, fmt.Errorf("gateway: open capture store: %w", err)
		}
		g.capture = captureStore
	}

	g.registry = hostmodule.NewRegistry(hostmodule.Binding{
		Logger:    logger,
		Bus:       bus,
		Scheduler: sched,
	})

	g.registerModules()
	port.OnFrame(g.onFrame)

	return g, nil
}

// defaultDTCDBPath is the bbolt file the DTC store opens; unlike the CAN
// capture log, it has no per-deployment config knob yet since every
// gateway instance shares one truck's diagnostic history.
const defaultDTCDBPath = "j1939_dtc.db"

func openPort(cfg config.CANConfig) (canbus.Port, error) {
	switch cfg.Backend {
	case "", "virtual":
		return canbus.NewVirtualPort(canbus.NewRegistry(), cfg.Interface), nil
	case "slcan":
		return slcan.Open(cfg.Interface, slcan.Config{Name: cfg.Interface, Baud: cfg.Bitrate, ReadTimeout: 100 * time.Millisecond})
	case "nativelinux":
		return nativelinux.Open(cfg.Interface)
	default:
		return nil, fmt.Errorf("gateway: unknown CAN backend %q", cfg.Backend)
	}
}

// registerModules builds and registers every simulator and bridge the
// configuration enables, in a fixed order: simulators first, then
// bridges, so bridges observe the simulators' very first publish.
func (g *Gateway) registerModules() {
	var engine *simulator.Engine
	if g.cfg.Simulator.Engine.Enabled {
		engine = simulator.NewEngine(g.cfg.Simulator.Engine.SA)
		if ms := g.cfg.Simulator.Engine.RateMs; ms > 0 {
			engine.RateMs = time.Duration(ms) * time.Millisecond
		}
		g.registry.Register(engine)
	}

	if g.cfg.Simulator.Transmission.Enabled {
		tr := simulator.NewTransmission(g.cfg.Simulator.Transmission.SA, engine)
		if ms := g.cfg.Simulator.Transmission.RateMs; ms > 0 {
			tr.RateMs = time.Duration(ms) * time.Millisecond
		}
		g.registry.Register(tr)
	}

	if g.cfg.Simulator.Brakes.Enabled {
		brake := simulator.NewBrake(g.cfg.Simulator.Brakes.SA)
		if ms := g.cfg.Simulator.Brakes.RateMs; ms > 0 {
			brake.RateMs = time.Duration(ms) * time.Millisecond
		}
		g.registry.Register(brake)
	}

	g.registry.Register(&txForwarder{gateway: g})

	if g.cfg.MQTT.Enabled {
		g.registry.Register(mqttbridge.New(mqttbridge.Config{
			Broker:         g.cfg.MQTT.Broker,
			ClientID:       g.cfg.MQTT.ClientID,
			Topic:          g.cfg.MQTT.Topic,
			DTCTopic:       g.cfg.MQTT.DTCTopic,
			CommandTopic:   g.cfg.MQTT.CommandTopic,
			UpdateInterval: g.cfg.MQTT.UpdateInterval,
		}, g.dtcs))
	}

	if g.cfg.Dashboard.Enabled {
		g.registry.Register(dashboard.New(g.cfg.Dashboard.Addr, g.dtcs))
	}

	if g.cfg.Telemetry.Enabled {
		g.registry.Register(telemetry.New(telemetry.Config{
			URL:    g.cfg.Telemetry.URL,
			Token:  g.cfg.Telemetry.Token,
			Org:    g.cfg.Telemetry.Org,
			Bucket: g.cfg.Telemetry.Bucket,
		}))
	}
}

// Start runs OnInit/OnStart on every registered module and begins the
// transport engine's session-sweep loop.
func (g *Gateway) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.engine.Start(ctx)

	if err := g.registry.Start(); err != nil {
		g.cancel()
		g.engine.Stop()
		return err
	}
	return nil
}

// Stop tears down every started module in reverse order, stops the
// transport engine, and closes the CAN port.
func (g *Gateway) Stop() {
	g.registry.Stop()
	g.sched.StopAll()
	if g.cancel != nil {
		g.cancel()
	}
	if err := g.engine.Stop(); err != nil {
		g.logger.Printf("gateway: transport engine stop: %v", err)
	}
	if g.capture != nil {
		if err := g.capture.Close(); err != nil {
			g.logger.Printf("gateway: close capture store: %v", err)
		}
	}
	if g.dtcs != nil {
		if err := g.dtcs.Close(); err != nil {
			g.logger.Printf("gateway: close DTC store: %v", err)
		}
	}
	if err := g.port.Close(); err != nil {
		g.logger.Printf("gateway: close CAN port: %v", err)
	}
}

// onFrame is the CAN port's receive callback: transport-protocol control
// and data frames are routed into the reassembly engine, DM1/DM2 trouble
// code frames are recorded into the DTC store and published, PGN requests
// are relayed onto the request topic, and every other decoded frame is
// published directly as a completed message.
func (g *Gateway) onFrame(frame canid.CANFrame) {
	if g.capture != nil {
		if err := g.capture.Record(g.port.Interface(), frame, time.Now()); err != nil {
			g.logger.Printf("gateway: record frame: %v", err)
		}
	}

	msg, ok := pgn.Decode(frame)
	if !ok {
		return
	}

	switch msg.PGN {
	case pgn.TPCM, pgn.TPDT:
		g.engine.HandleFrame(frame)
	case pgn.Request:
		g.handleRequest(msg)
	case pgn.DM1, pgn.DM2:
		g.recordDTCs(msg.SA, msg.Raw)
		g.publishRX(msg)
	default:
		g.publishRX(msg)
	}
}

func (g *Gateway) handleRequest(msg pgn.Message) {
	requested, ok := pgn.DecodeRequest(msg.Raw)
	if !ok {
		return
	}
	g.bus.Publish(simulator.TopicRequest, simulator.RequestMessage{PGN: requested, RequesterSA: msg.SA})
}

func (g *Gateway) recordDTCs(sa uint8, raw []byte) {
	if g.dtcs == nil {
		return
	}
	for _, rec := range pgn.DecodeDM1(raw, sa) {
		if _, err := g.dtcs.IsNew(rec); err != nil {
			g.logger.Printf("gateway: record DTC: %v", err)
		}
	}
}

func (g *Gateway) publishRX(msg pgn.Message) {
	da, _ := msg.DestinationAddress()
	g.bus.Publish(simulator.TopicJ1939RX, simulator.TxMessage{
		PGN:      msg.PGN,
		Data:     msg.Raw,
		Priority: msg.Priority,
		SA:       msg.SA,
		DA:       da,
	})
}

// onAssembledMessage is the transport engine's completion callback for
// multi-packet (BAM/RTS-CTS) transfers. Multi-frame DM1 trouble-code lists
// are common once a truck accumulates more than one active code, so this
// path records DTCs exactly like the single-frame path in onFrame.
func (g *Gateway) onAssembledMessage(m transport.Message) {
	if m.PGN == pgn.DM1 || m.PGN == pgn.DM2 {
		g.recordDTCs(m.SA, m.Data)
	}
	g.bus.Publish(simulator.TopicJ1939RX, simulator.TxMessage{
		PGN:      m.PGN,
		Data:     m.Data,
		Priority: m.Priority,
		SA:       m.SA,
		DA:       m.DA,
	})
}

// txForwarder is the hostmodule that bridges TopicJ1939TX onto the wire:
// every application message any module wants sent goes out through the
// transport engine, which frames it as a single CAN frame or a BAM/RTS-CTS
// transfer depending on its length.
type txForwarder struct {
	gateway *Gateway
	binding hostmodule.Binding
	dispose msgbus.Disposer
}

func (f *txForwarder) Name() string    { return "gateway.tx-forwarder" }
func (f *txForwarder) Version() string { return "1.0.0" }

func (f *txForwarder) Bind(b hostmodule.Binding) { f.binding = b }
func (f *txForwarder) OnInit() error             { return nil }

func (f *txForwarder) OnStart() error {
	f.dispose = f.binding.Bus.Subscribe(simulator.TopicJ1939TX, f.onTX)
	return nil
}

func (f *txForwarder) OnStop() error {
	if f.dispose != nil {
		f.dispose()
	}
	return nil
}

func (f *txForwarder) onTX(env msgbus.Envelope) {
	msg, ok := env.Payload.(simulator.TxMessage)
	if !ok {
		return
	}
	if err := f.gateway.engine.Send(context.Background(), msg.Priority, msg.PGN, msg.SA, msg.DA, msg.Data); err != nil {
		f.binding.Logger.Printf("gateway: send %s from %#x: %v", pgn.Lookup(msg.PGN).Name, msg.SA, err)
	}
}
