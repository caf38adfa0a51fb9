package simulator

import (
	"testing"

	"github.com/serebryakov7/j1939-gateway/internal/hostmodule"
	"github.com/serebryakov7/j1939-gateway/internal/msgbus"
	"github.com/serebryakov7/j1939-gateway/internal/pgn"
)

func TestEncodeDecodeEBC1RoundTrip(t *testing.T) {
	want := WheelSpeeds{FrontLeft: 55.5, FrontRight: 55.6, RearLeft: 54.9, RearRight: 55.1}
	data := EncodeEBC1(want)
	if len(data) != 8 {
		t.Fatalf("length = %d, want 8", len(data))
	}
	got := DecodeEBC1(data)
	const eps = 1.0 / 256
	if diff := got.FrontLeft - want.FrontLeft; diff > eps || diff < -eps {
		t.Fatalf("FrontLeft = %v, want ~%v", got.FrontLeft, want.FrontLeft)
	}
	if diff := got.RearRight - want.RearRight; diff > eps || diff < -eps {
		t.Fatalf("RearRight = %v, want ~%v", got.RearRight, want.RearRight)
	}
}

func TestEncodeDecodeASC2RoundTrip(t *testing.T) {
	data := EncodeASC2(40, 600, 580, 780, true, false, true)
	if len(data) != 8 {
		t.Fatalf("length = %d, want 8", len(data))
	}
	pedal, front, rear, air, abs, traction, parking := DecodeASC2(data)
	if diff := pedal - 40; diff > 0.4 || diff < -0.4 {
		t.Fatalf("pedal = %v, want ~40", pedal)
	}
	if diff := front - 600; diff > 2 || diff < -2 {
		t.Fatalf("front = %v, want ~600", front)
	}
	if diff := rear - 580; diff > 2 || diff < -2 {
		t.Fatalf("rear = %v, want ~580", rear)
	}
	if diff := air - 780; diff > 4 || diff < -4 {
		t.Fatalf("air = %v, want ~780", air)
	}
	if !abs || traction || !parking {
		t.Fatalf("status flags = abs:%v traction:%v parking:%v", abs, traction, parking)
	}
}

func TestBrakePublishesBothPGNsOnTick(t *testing.T) {
	b := NewBrake(0x0B)
	b.SetWheelSpeeds(WheelSpeeds{FrontLeft: 10, FrontRight: 10, RearLeft: 10, RearRight: 10})
	bus := msgbus.New(nil)
	b.Bind(hostmodule.Binding{Bus: bus, Scheduler: msgbus.NewScheduler()})

	var seen []uint32
	bus.Subscribe(TopicJ1939TX, func(env msgbus.Envelope) {
		seen = append(seen, env.Payload.(TxMessage).PGN)
	})

	b.tick()

	if len(seen) != 2 || seen[0] != pgn.ABS || seen[1] != pgn.ASC2 {
		t.Fatalf("published PGNs = %v, want [ABS, ASC2]", seen)
	}
}

func TestBrakeAnswersRequestForSpecificPGN(t *testing.T) {
	b := NewBrake(0x0B)
	bus := msgbus.New(nil)
	b.Bind(hostmodule.Binding{Bus: bus, Scheduler: msgbus.NewScheduler()})
	if err := b.OnStart(); err != nil {
		t.Fatalf("OnStart: %v", err)
	}

	var got []TxMessage
	bus.Subscribe(TopicJ1939TX, func(env msgbus.Envelope) {
		got = append(got, env.Payload.(TxMessage))
	})

	bus.Publish(TopicRequest, RequestMessage{PGN: pgn.ABS, RequesterSA: 0x99})

	if len(got) != 1 || got[0].PGN != pgn.ABS || got[0].DA != 0x99 {
		t.Fatalf("got = %+v", got)
	}
}

func TestBrakeAnswersDiagnosticRequestWithDTC(t *testing.T) {
	b := NewBrake(0x0B)
	bus := msgbus.New(nil)
	b.Bind(hostmodule.Binding{Bus: bus, Scheduler: msgbus.NewScheduler()})
	if err := b.OnStart(); err != nil {
		t.Fatalf("OnStart: %v", err)
	}

	var got TxMessage
	bus.Subscribe(TopicJ1939TX, func(env msgbus.Envelope) { got = env.Payload.(TxMessage) })
	bus.Publish(TopicRequest, RequestMessage{PGN: pgn.DM1, RequesterSA: 0x99})

	records := pgn.DecodeDM1(got.Data, got.SA)
	if got.PGN != pgn.DM1 || len(records) != 1 || records[0].SPN != spnABSActive {
		t.Fatalf("got = %+v, records = %+v", got, records)
	}
}

func TestBrakeSetStatusReflectedInPublish(t *testing.T) {
	b := NewBrake(0x0B)
	b.SetStatus(true, true, false)
	bus := msgbus.New(nil)
	b.Bind(hostmodule.Binding{Bus: bus, Scheduler: msgbus.NewScheduler()})

	var asc2 TxMessage
	bus.Subscribe(TopicJ1939TX, func(env msgbus.Envelope) {
		if msg := env.Payload.(TxMessage); msg.PGN == pgn.ASC2 {
			asc2 = msg
		}
	})

	b.tick()

	_, _, _, _, abs, traction, parking := DecodeASC2(asc2.Data)
	if !abs || !traction || parking {
		t.Fatalf("status = abs:%v traction:%v parking:%v", abs, traction, parking)
	}
}
