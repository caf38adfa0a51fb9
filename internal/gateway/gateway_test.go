package gateway

import (
	"path/filepath"
	"testing"

	"github.com/serebryakov7/j1939-gateway/common"
	"github.com/serebryakov7/j1939-gateway/internal/canbus"
	"github.com/serebryakov7/j1939-gateway/internal/canid"
	"github.com/serebryakov7/j1939-gateway/internal/config"
	"github.com/serebryakov7/j1939-gateway/internal/dtcstore"
	"github.com/serebryakov7/j1939-gateway/internal/hostmodule"
	"github.com/serebryakov7/j1939-gateway/internal/msgbus"
	"github.com/serebryakov7/j1939-gateway/internal/pgn"
	"github.com/serebryakov7/j1939-gateway/internal/simulator"
	"github.com/serebryakov7/j1939-gateway/internal/transport"
)

func TestOpenPortVirtualIsDefault(t *testing.T) {
	port, err := openPort(config.CANConfig{Interface: "vcan0"})
	if err != nil {
		t.Fatalf("openPort: %v", err)
	}
	defer port.Close()
	if _, ok := port.(*canbus.VirtualPort); !ok {
		t.Fatalf("openPort with empty backend = %T, want *canbus.VirtualPort", port)
	}
}

func TestOpenPortUnknownBackendErrors(t *testing.T) {
	if _, err := openPort(config.CANConfig{Interface: "vcan0", Backend: "bogus"}); err == nil {
		t.Fatal("expected an error for an unknown CAN backend")
	}
}

// newTestGateway builds a Gateway wired to a virtual port and a bus, with
// no registered modules, for exercising onFrame/handleRequest/txForwarder
// in isolation.
func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	port := canbus.NewVirtualPort(canbus.NewRegistry(), "vcan0")
	t.Cleanup(func() { port.Close() })

	bus := msgbus.New(nil)
	sched := msgbus.NewScheduler()

	g := &Gateway{
		cfg:    config.Default(),
		logger: nil,
		port:   port,
		bus:    bus,
		sched:  sched,
	}
	g.engine = transport.New(port, 0xF9, g.onAssembledMessage)
	g.registry = hostmodule.NewRegistry(hostmodule.Binding{Bus: bus, Scheduler: sched})
	g.registry.Register(&txForwarder{gateway: g})
	port.OnFrame(g.onFrame)

	if err := g.registry.Start(); err != nil {
		t.Fatalf("registry.Start: %v", err)
	}
	t.Cleanup(g.registry.Stop)

	return g
}

func frameFor(t *testing.T, p uint32, sa, da uint8, data []byte) canid.CANFrame {
	t.Helper()
	id, err := canid.Build(canid.BuildParams{Priority: 3, PGN: p, SA: sa, DA: da})
	if err != nil {
		t.Fatalf("canid.Build: %v", err)
	}
	return canid.CANFrame{ID: id, Data: data, Extended: true}
}

func TestOnFrameRepublishesApplicationMessageOnRX(t *testing.T) {
	g := newTestGateway(t)

	var got simulator.TxMessage
	seen := false
	g.bus.Subscribe(simulator.TopicJ1939RX, func(env msgbus.Envelope) {
		got = env.Payload.(simulator.TxMessage)
		seen = true
	})

	g.onFrame(frameFor(t, pgn.EEC1, 0x00, 0xFF, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	if !seen {
		t.Fatal("expected onFrame to republish the decoded message on TopicJ1939RX")
	}
	if got.PGN != pgn.EEC1 || got.SA != 0x00 {
		t.Fatalf("published message = %+v, want PGN=EEC1 SA=0", got)
	}
}

func TestOnFrameRequestDecodesAndPublishesRequestMessage(t *testing.T) {
	g := newTestGateway(t)

	var got simulator.RequestMessage
	seen := false
	g.bus.Subscribe(simulator.TopicRequest, func(env msgbus.Envelope) {
		got = env.Payload.(simulator.RequestMessage)
		seen = true
	})

	g.onFrame(frameFor(t, pgn.Request, 0x80, 0x00, pgn.EncodeRequest(pgn.EEC1)))

	if !seen {
		t.Fatal("expected onFrame to publish a RequestMessage for a Request PGN frame")
	}
	if got.PGN != pgn.EEC1 || got.RequesterSA != 0x80 {
		t.Fatalf("RequestMessage = %+v, want PGN=EEC1 RequesterSA=0x80", got)
	}
}

func TestOnFrameDM1RecordsDTCAndRepublishes(t *testing.T) {
	g := newTestGateway(t)
	store, err := dtcstore.Open(filepath.Join(t.TempDir(), "dtc.db"))
	if err != nil {
		t.Fatalf("dtcstore.Open: %v", err)
	}
	defer store.Close()
	g.dtcs = store

	rxSeen := false
	g.bus.Subscribe(simulator.TopicJ1939RX, func(msgbus.Envelope) { rxSeen = true })

	data := pgn.EncodeDM1([]common.DTCRecord{{SPN: 190, FMI: 0, OC: 1}})
	g.onFrame(frameFor(t, pgn.DM1, 0x00, 0xFF, data))

	if !rxSeen {
		t.Fatal("expected DM1 frame to also be republished on TopicJ1939RX")
	}

	active, err := store.Active()
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 1 || active[0].SPN != 190 {
		t.Fatalf("Active() = %+v, want one record with SPN 190", active)
	}
}

func TestOnFrameIgnoresNonJ1939Frame(t *testing.T) {
	g := newTestGateway(t)

	seen := false
	g.bus.Subscribe(simulator.TopicJ1939RX, func(msgbus.Envelope) { seen = true })

	g.onFrame(canid.CANFrame{ID: 0x123, Data: []byte{1}, Extended: false})

	if seen {
		t.Fatal("expected a standard (non-extended) frame to be dropped by pgn.Decode, not republished")
	}
}

func TestOnAssembledMessageDM2RecordsDTC(t *testing.T) {
	g := newTestGateway(t)
	store, err := dtcstore.Open(filepath.Join(t.TempDir(), "dtc.db"))
	if err != nil {
		t.Fatalf("dtcstore.Open: %v", err)
	}
	defer store.Close()
	g.dtcs = store

	data := pgn.EncodeDM1([]common.DTCRecord{{SPN: 521, FMI: 31, OC: 1}})
	g.onAssembledMessage(transport.Message{PGN: pgn.DM2, SA: 0x0B, DA: 0xFF, Data: data})

	active, err := store.Active()
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 1 || active[0].SPN != 521 {
		t.Fatalf("Active() = %+v, want one record with SPN 521", active)
	}
}

func TestTxForwarderSendsSingleFrameOnWire(t *testing.T) {
	g := newTestGateway(t)

	received := make(chan canid.CANFrame, 1)
	g.port.OnFrame(func(f canid.CANFrame) {
		select {
		case received <- f:
		default:
		}
	})

	g.bus.Publish(simulator.TopicJ1939TX, simulator.TxMessage{
		PGN: pgn.EEC1, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, Priority: 3, SA: 0x00, DA: 0xFF,
	})

	select {
	case f := <-received:
		parsed := canid.Parse(f.ID)
		if parsed.PGN != pgn.EEC1 {
			t.Fatalf("sent frame PGN = %#x, want %#x", parsed.PGN, pgn.EEC1)
		}
	default:
		t.Fatal("expected the transport engine to emit a CAN frame for a published TX message")
	}
}

func TestTxForwarderIgnoresNonTxPayload(t *testing.T) {
	g := newTestGateway(t)

	sent := false
	g.port.OnFrame(func(canid.CANFrame) { sent = true })

	g.bus.Publish(simulator.TopicJ1939TX, "not a TxMessage")

	if sent {
		t.Fatal("expected a malformed TX payload to be ignored, not sent")
	}
}
