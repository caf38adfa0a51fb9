package simulator

import (
	"math"
	"sync"
	"time"

	"github.com/serebryakov7/j1939-gateway/internal/hostmodule"
	"github.com/serebryakov7/j1939-gateway/internal/msgbus"
	"github.com/serebryakov7/j1939-gateway/internal/pgn"
)

const (
	defaultTransmissionRate = 100 * time.Millisecond

	// spnCurrentGear is reported in the synthetic DM1 response to a
	// diagnostic request, fmiDataErratic marking it intermittent.
	spnCurrentGear = 523
	fmiDataErratic = 2
)

// gearRatios maps a gear number (1-indexed) to its reduction ratio;
// index 0 is neutral and reports output shaft speed zero.
var gearRatios = []float64{0, 4.0, 2.8, 2.0, 1.4, 1.0, 0.8}

var _ hostmodule.Module = (*Transmission)(nil)

// Transmission simulates an Electronic Transmission Controller,
// broadcasting ETC1 (PGN 0xF001) at its configured tick rate. Its input
// shaft speed tracks the engine it is paired with.
type Transmission struct {
	SA     uint8
	RateMs time.Duration
	Engine *Engine

	binding hostmodule.Binding

	mu   sync.Mutex
	gear int

	tickHandle msgbus.Handle
	disposeReq msgbus.Disposer
}

// NewTransmission creates a Transmission simulator addressed as sa,
// deriving its input shaft speed from engine's rpm.
func NewTransmission(sa uint8, engine *Engine) *Transmission {
	return &Transmission{SA: sa, RateMs: defaultTransmissionRate, Engine: engine, gear: 1}
}

func (t *Transmission) Name() string    { return "simulator.transmission" }
func (t *Transmission) Version() string { return "1.0.0" }

func (t *Transmission) Bind(b hostmodule.Binding) { t.binding = b }

func (t *Transmission) OnInit() error {
	if t.RateMs <= 0 {
		t.RateMs = defaultTransmissionRate
	}
	return nil
}

func (t *Transmission) OnStart() error {
	t.tickHandle = t.binding.Scheduler.Every(t.RateMs, t.tick)
	t.disposeReq = t.binding.Bus.Subscribe(TopicRequest, t.onRequest)
	return nil
}

func (t *Transmission) OnStop() error {
	if t.binding.Scheduler != nil {
		t.binding.Scheduler.Clear(t.tickHandle)
	}
	if t.disposeReq != nil {
		t.disposeReq()
	}
	return nil
}

// SetGear sets the current gear (0 = neutral, 1-6 = drive ratios from
// gearRatios). Out-of-range values are clamped.
func (t *Transmission) SetGear(gear int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gear = max(0, min(gear, len(gearRatios)-1))
}

func (t *Transmission) tick() {
	t.mu.Lock()
	gear := t.gear
	t.mu.Unlock()

	inputRPM := 0.0
	if t.Engine != nil {
		inputRPM = t.Engine.currentRPM()
	}

	t.publish(inputRPM, gear)
}

func (t *Transmission) publish(inputRPM float64, gear int) {
	t.binding.Bus.Publish(TopicJ1939TX, TxMessage{
		PGN:      pgn.ETC1,
		Data:     EncodeETC1(inputRPM, gear),
		Priority: 3,
		SA:       t.SA,
		DA:       broadcastDA,
	})
}

func (t *Transmission) onRequest(env msgbus.Envelope) {
	req, ok := env.Payload.(RequestMessage)
	if !ok {
		return
	}
	if isDiagnosticRequest(req.PGN) {
		respondWithDTC(t.binding.Bus, t.SA, req.RequesterSA, spnCurrentGear, fmiDataErratic)
		return
	}
	if req.PGN != pgn.ETC1 {
		return
	}
	t.mu.Lock()
	gear := t.gear
	t.mu.Unlock()

	inputRPM := 0.0
	if t.Engine != nil {
		inputRPM = t.Engine.currentRPM()
	}

	t.binding.Bus.Publish(TopicJ1939TX, TxMessage{
		PGN:      pgn.ETC1,
		Data:     EncodeETC1(inputRPM, gear),
		Priority: 3,
		SA:       t.SA,
		DA:       req.RequesterSA,
	})
}

// outputShaftRPM computes the output shaft speed for inputRPM at gear,
// returning zero in neutral.
func outputShaftRPM(inputRPM float64, gear int) float64 {
	if gear <= 0 || gear >= len(gearRatios) {
		return 0
	}
	return inputRPM / gearRatios[gear]
}

// EncodeETC1 renders the ETC1 byte layout: bytes 0-1 input shaft speed
// and bytes 2-3 output shaft speed, both 0.125 rpm/bit little-endian;
// byte 4 clutch slip (unused, 0xFF); byte 5 torque ratio (unused,
// 0xFF); bytes 6-7 selected and current gear, offset by +125.
func EncodeETC1(inputRPM float64, gear int) []byte {
	outputRPM := outputShaftRPM(inputRPM, gear)
	inRaw := uint16(math.Round(inputRPM * 8))
	outRaw := uint16(math.Round(outputRPM * 8))
	gearByte := byte(gear + 125)
	return []byte{
		byte(inRaw), byte(inRaw >> 8),
		byte(outRaw), byte(outRaw >> 8),
		0xFF,
		0xFF,
		gearByte,
		gearByte,
	}
}

// DecodeETC1 extracts input shaft speed (rpm), output shaft speed (rpm),
// and the current gear from an 8-byte ETC1 payload.
func DecodeETC1(data []byte) (inputRPM, outputRPM float64, gear int) {
	inRaw := uint16(data[0]) | uint16(data[1])<<8
	outRaw := uint16(data[2]) | uint16(data[3])<<8
	return float64(inRaw) / 8, float64(outRaw) / 8, int(data[7]) - 125
}

func (e *Engine) currentRPM() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rpm
}
