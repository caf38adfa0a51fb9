package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/serebryakov7/j1939-gateway/internal/canbus"
	"github.com/serebryakov7/j1939-gateway/internal/canid"
	"github.com/serebryakov7/j1939-gateway/internal/pgn"
)

func buildCM(sa, da uint8, payload []byte) canid.CANFrame {
	id, _ := canid.Build(canid.BuildParams{Priority: 7, PGN: pgn.TPCM, SA: sa, DA: da})
	return canid.CANFrame{ID: id, Data: payload, Extended: true}
}

func buildDT(sa, da uint8, payload []byte) canid.CANFrame {
	id, _ := canid.Build(canid.BuildParams{Priority: 7, PGN: pgn.TPDT, SA: sa, DA: da})
	return canid.CANFrame{ID: id, Data: payload, Extended: true}
}

func TestBAMReassemblesFullMessage(t *testing.T) {
	var got Message
	var gotOK bool
	e := New(nullPort{}, 0x80, func(m Message) {
		got, gotOK = m, true
	})

	data := make([]byte, 50)
	for i := range data {
		data[i] = byte(i)
	}
	packets := numPackets(len(data))

	e.HandleFrame(buildCM(0x10, BroadcastAddress, encodeBAM(uint16(len(data)), uint8(packets), 0xFECA)))
	for i := 0; i < packets; i++ {
		start := i * 7
		end := start + 7
		if end > len(data) {
			end = len(data)
		}
		e.HandleFrame(buildDT(0x10, BroadcastAddress, encodeDT(uint8(i+1), data[start:end])))
	}

	if !gotOK {
		t.Fatal("expected onComplete to be invoked")
	}
	if got.PGN != 0xFECA || got.SA != 0x10 {
		t.Errorf("got = %+v", got)
	}
	if !bytes.Equal(got.Data, data) {
		t.Errorf("assembled data mismatch: got %v want %v", got.Data, data)
	}
}

func TestBAMReplacedBySecondAnnounceFromSameSA(t *testing.T) {
	var completions int
	port := &recordingPort{}
	e := New(port, 0x80, func(Message) { completions++ })

	e.HandleFrame(buildCM(0x10, BroadcastAddress, encodeBAM(14, 2, 0xFECA)))
	e.HandleFrame(buildCM(0x10, BroadcastAddress, encodeBAM(7, 1, 0xFECA)))
	e.HandleFrame(buildDT(0x10, BroadcastAddress, encodeDT(1, []byte{1, 2, 3, 4, 5, 6, 7})))

	if completions != 1 {
		t.Fatalf("completions = %d, want 1", completions)
	}

	select {
	case <-e.Errors():
	default:
		t.Fatal("expected the replaced session to surface an error on the error channel")
	}

	if len(port.sent) != 1 {
		t.Fatalf("sent frames = %d, want 1 abort frame for the replaced session", len(port.sent))
	}
	cm, err := decodeCM(port.sent[0].Data)
	if err != nil {
		t.Fatalf("decodeCM: %v", err)
	}
	if cm.control != ctrlAbort {
		t.Fatalf("sent frame control = %d, want ctrlAbort", cm.control)
	}
}

func TestBAMOversizedLengthIsRejected(t *testing.T) {
	port := &recordingPort{}
	var completions int
	e := New(port, 0x80, func(Message) { completions++ })

	e.HandleFrame(buildCM(0x10, BroadcastAddress, encodeBAM(MaxMessageLength+1, 255, 0xFECA)))

	select {
	case <-e.Errors():
	default:
		t.Fatal("expected an oversized BAM announcement to surface an error")
	}

	if len(port.sent) != 1 {
		t.Fatalf("sent frames = %d, want 1 abort frame", len(port.sent))
	}
	cm, err := decodeCM(port.sent[0].Data)
	if err != nil {
		t.Fatalf("decodeCM: %v", err)
	}
	if cm.control != ctrlAbort {
		t.Fatalf("sent frame control = %d, want ctrlAbort", cm.control)
	}

	e.mu.Lock()
	_, created := e.incoming[sessionKey{SA: 0x10, DA: BroadcastAddress}]
	e.mu.Unlock()
	if created {
		t.Error("expected no session to be created for an oversized BAM announcement")
	}
}

func TestRTSOversizedLengthIsRejected(t *testing.T) {
	port := &recordingPort{}
	e := New(port, 0x80, func(Message) {})

	e.HandleFrame(buildCM(0x10, 0x80, encodeRTS(MaxMessageLength+1, 255, 16, 0xFECA)))

	select {
	case <-e.Errors():
	default:
		t.Fatal("expected an oversized RTS to surface an error")
	}

	if len(port.sent) != 1 {
		t.Fatalf("sent frames = %d, want 1 abort frame", len(port.sent))
	}
	cm, err := decodeCM(port.sent[0].Data)
	if err != nil {
		t.Fatalf("decodeCM: %v", err)
	}
	if cm.control != ctrlAbort {
		t.Fatalf("sent frame control = %d, want ctrlAbort", cm.control)
	}

	e.mu.Lock()
	_, created := e.incoming[sessionKey{SA: 0x10, DA: 0x80}]
	e.mu.Unlock()
	if created {
		t.Error("expected no session to be created for an oversized RTS")
	}
}

func TestBAMTimeoutIsReapedBySweep(t *testing.T) {
	e := New(nullPort{}, 0x80, func(Message) {})
	fakeNow := time.Now()
	e.now = func() time.Time { return fakeNow }

	e.HandleFrame(buildCM(0x10, BroadcastAddress, encodeBAM(14, 2, 0xFECA)))

	fakeNow = fakeNow.Add(T1 + time.Millisecond)
	e.sweep()

	select {
	case err := <-e.Errors():
		evt, ok := err.(TimeoutEvent)
		if !ok || evt.Kind != BAMTimeout {
			t.Errorf("err = %v, want BAMTimeout", err)
		}
	default:
		t.Fatal("expected a timeout event on the error channel")
	}

	e.mu.Lock()
	_, stillThere := e.incoming[sessionKey{SA: 0x10, DA: BroadcastAddress}]
	e.mu.Unlock()
	if stillThere {
		t.Error("expected session to be removed after timeout")
	}
}

func TestRTSCTSRoundTripBetweenTwoEngines(t *testing.T) {
	reg := canbus.NewRegistry()
	portA := canbus.NewVirtualPort(reg, "vcan0")
	portB := canbus.NewVirtualPort(reg, "vcan0")
	defer portA.Close()
	defer portB.Close()

	var received Message
	var gotOK bool
	engineA := New(portA, 0x80, func(Message) {})
	engineB := New(portB, 0x10, func(m Message) { received, gotOK = m, true })

	portA.OnFrame(engineA.HandleFrame)
	portB.OnFrame(engineB.HandleFrame)

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := engineA.Send(ctx, 6, 0x1234, 0x80, 0x10, data); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !gotOK {
		t.Fatal("expected the receiving engine to complete reassembly")
	}
	if received.PGN != 0x1234 || received.SA != 0x80 || received.DA != 0x10 {
		t.Errorf("received = %+v", received)
	}
	if !bytes.Equal(received.Data, data) {
		t.Errorf("assembled data mismatch: got %v want %v", received.Data, data)
	}
}

func TestSendRejectsOversizedMessage(t *testing.T) {
	e := New(nullPort{}, 0x80, func(Message) {})
	err := e.Send(context.Background(), 6, 0x1234, 0x80, 0x10, make([]byte, MaxMessageLength+1))
	if err == nil {
		t.Fatal("expected an error for an oversized message")
	}
}

func TestSendShortPayloadGoesOutAsSingleFrame(t *testing.T) {
	p := &recordingPort{}
	e := New(p, 0x80, func(Message) {})
	if err := e.Send(context.Background(), 3, 0xF004, 0x80, BroadcastAddress, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(p.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(p.sent))
	}
}

// nullPort discards everything sent to it; used by tests that only
// exercise the receive side of the engine.
type nullPort struct{}

var _ canbus.Port = nullPort{}

func (nullPort) Send(canid.CANFrame) error  { return nil }
func (nullPort) Interface() string          { return "null" }
func (nullPort) IsConnected() bool          { return true }
func (nullPort) Close() error               { return nil }
func (nullPort) OnFrame(canbus.Handler)     {}
func (nullPort) SetFilters([]canbus.Filter) {}
func (nullPort) Errors() <-chan error       { return nil }

// recordingPort records every frame passed to Send.
type recordingPort struct {
	nullPort
	sent []canid.CANFrame
}

func (p *recordingPort) Send(f canid.CANFrame) error {
	p.sent = append(p.sent, f)
	return nil
}
