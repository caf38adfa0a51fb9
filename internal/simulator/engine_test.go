package simulator

import (
	"testing"
	"time"

	"github.com/serebryakov7/j1939-gateway/internal/hostmodule"
	"github.com/serebryakov7/j1939-gateway/internal/msgbus"
	"github.com/serebryakov7/j1939-gateway/internal/pgn"
)

func TestEncodeDecodeEEC1RoundTrip(t *testing.T) {
	for _, rpm := range []float64{0, 800, 1234.5, 2200} {
		data := EncodeEEC1(rpm)
		if len(data) != 8 {
			t.Fatalf("EncodeEEC1(%v) length = %d, want 8", rpm, len(data))
		}
		got := DecodeEEC1RPM(data)
		if diff := got - rpm; diff > 0.125 || diff < -0.125 {
			t.Fatalf("DecodeEEC1RPM(EncodeEEC1(%v)) = %v, want within 0.125", rpm, got)
		}
	}
}

func TestEngineRampsUpWhileRunning(t *testing.T) {
	e := NewEngine(0x00)
	e.RateMs = time.Millisecond
	bus := msgbus.New(nil)
	e.Bind(hostmodule.Binding{Bus: bus, Scheduler: msgbus.NewScheduler()})
	if err := e.OnInit(); err != nil {
		t.Fatalf("OnInit: %v", err)
	}

	var lastRPM float64
	bus.Subscribe(TopicJ1939TX, func(env msgbus.Envelope) {
		msg := env.Payload.(TxMessage)
		lastRPM = DecodeEEC1RPM(msg.Data)
	})

	for i := 0; i < 5; i++ {
		e.tick()
	}
	if lastRPM != 250 {
		t.Fatalf("after 5 ticks rpm = %v, want 250", lastRPM)
	}
}

func TestEngineRampsDownWhenStopped(t *testing.T) {
	e := NewEngine(0x00)
	bus := msgbus.New(nil)
	e.Bind(hostmodule.Binding{Bus: bus, Scheduler: msgbus.NewScheduler()})
	e.rpm = 100
	e.SetRunning(false)

	e.tick()
	if e.rpm != 50 {
		t.Fatalf("rpm after one ramp-down tick = %v, want 50", e.rpm)
	}
}

func TestEngineAnswersRequestWithCurrentRPM(t *testing.T) {
	e := NewEngine(0x42)
	bus := msgbus.New(nil)
	e.Bind(hostmodule.Binding{Bus: bus, Scheduler: msgbus.NewScheduler()})
	if err := e.OnStart(); err != nil {
		t.Fatalf("OnStart: %v", err)
	}
	e.rpm = 900

	var got TxMessage
	var published bool
	bus.Subscribe(TopicJ1939TX, func(env msgbus.Envelope) {
		published = true
		got = env.Payload.(TxMessage)
	})

	bus.Publish(TopicRequest, RequestMessage{PGN: pgn.EEC1, RequesterSA: 0x10})

	if !published {
		t.Fatal("expected a response to be published")
	}
	if got.DA != 0x10 || got.SA != 0x42 {
		t.Fatalf("response addressing = %+v", got)
	}
	if rpm := DecodeEEC1RPM(got.Data); rpm != 900 {
		t.Fatalf("response rpm = %v, want 900", rpm)
	}
}

func TestEngineAnswersDiagnosticRequestWithDTC(t *testing.T) {
	e := NewEngine(0x42)
	bus := msgbus.New(nil)
	e.Bind(hostmodule.Binding{Bus: bus, Scheduler: msgbus.NewScheduler()})
	if err := e.OnStart(); err != nil {
		t.Fatalf("OnStart: %v", err)
	}

	var got TxMessage
	bus.Subscribe(TopicJ1939TX, func(env msgbus.Envelope) { got = env.Payload.(TxMessage) })
	bus.Publish(TopicRequest, RequestMessage{PGN: pgn.DM1, RequesterSA: 0x10})

	if got.PGN != pgn.DM1 {
		t.Fatalf("response PGN = %#x, want DM1", got.PGN)
	}
	records := pgn.DecodeDM1(got.Data, got.SA)
	if len(records) != 1 || records[0].SPN != spnEngineSpeed {
		t.Fatalf("DecodeDM1(got.Data) = %+v, want one record for SPN %d", records, spnEngineSpeed)
	}
}

func TestEngineIgnoresRequestForOtherPGN(t *testing.T) {
	e := NewEngine(0x42)
	bus := msgbus.New(nil)
	e.Bind(hostmodule.Binding{Bus: bus, Scheduler: msgbus.NewScheduler()})
	if err := e.OnStart(); err != nil {
		t.Fatalf("OnStart: %v", err)
	}

	published := false
	bus.Subscribe(TopicJ1939TX, func(env msgbus.Envelope) { published = true })
	bus.Publish(TopicRequest, RequestMessage{PGN: pgn.ETC1, RequesterSA: 0x10})

	if published {
		t.Fatal("engine should not answer requests for unrelated PGNs")
	}
}
