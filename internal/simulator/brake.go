package simulator

import (
	"math"
	"sync"
	"time"

	"github.com/serebryakov7/j1939-gateway/internal/hostmodule"
	"github.com/serebryakov7/j1939-gateway/internal/msgbus"
	"github.com/serebryakov7/j1939-gateway/internal/pgn"
)

const defaultBrakeRate = 100 * time.Millisecond

const (
	abStatusBit       = 1 << 0
	tractionStatusBit = 1 << 1
	parkingStatusBit  = 1 << 2

	// spnABSActive is reported in the synthetic DM1 response to a
	// diagnostic request, fmiConditionExists marking it currently active.
	spnABSActive       = 521
	fmiConditionExists = 31
)

// WheelSpeeds holds per-wheel speed in km/h.
type WheelSpeeds struct {
	FrontLeft  float64
	FrontRight float64
	RearLeft   float64
	RearRight  float64
}

var _ hostmodule.Module = (*Brake)(nil)

// Brake simulates an Electronic Brake Controller, broadcasting EBC1
// (PGN 0xFEEE, wheel speeds) and ASC2 (PGN 0xFEAE, pedal/pressure/status)
// at its configured tick rate.
type Brake struct {
	SA     uint8
	RateMs time.Duration

	binding hostmodule.Binding

	mu               sync.Mutex
	wheels           WheelSpeeds
	pedalPercent     float64
	frontPressureKPa float64
	rearPressureKPa  float64
	airPressureKPa   float64
	absActive        bool
	tractionActive   bool
	parkingSet       bool

	tickHandle msgbus.Handle
	disposeReq msgbus.Disposer
}

// NewBrake creates a Brake simulator addressed as sa, with air supply
// pressure defaulted to a nominal charged-system value.
func NewBrake(sa uint8) *Brake {
	return &Brake{SA: sa, RateMs: defaultBrakeRate, airPressureKPa: 800}
}

func (b *Brake) Name() string    { return "simulator.brake" }
func (b *Brake) Version() string { return "1.0.0" }

func (b *Brake) Bind(binding hostmodule.Binding) { b.binding = binding }

func (b *Brake) OnInit() error {
	if b.RateMs <= 0 {
		b.RateMs = defaultBrakeRate
	}
	return nil
}

func (b *Brake) OnStart() error {
	b.tickHandle = b.binding.Scheduler.Every(b.RateMs, b.tick)
	b.disposeReq = b.binding.Bus.Subscribe(TopicRequest, b.onRequest)
	return nil
}

func (b *Brake) OnStop() error {
	if b.binding.Scheduler != nil {
		b.binding.Scheduler.Clear(b.tickHandle)
	}
	if b.disposeReq != nil {
		b.disposeReq()
	}
	return nil
}

// SetWheelSpeeds sets the simulated per-wheel speed in km/h.
func (b *Brake) SetWheelSpeeds(w WheelSpeeds) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wheels = w
}

// SetPedalPercent sets the brake pedal position as a percentage (0-100).
func (b *Brake) SetPedalPercent(percent float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pedalPercent = percent
}

// SetStatus sets the ABS/traction-control/parking-brake status bits.
func (b *Brake) SetStatus(absActive, tractionActive, parkingSet bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.absActive = absActive
	b.tractionActive = tractionActive
	b.parkingSet = parkingSet
}

// SetPressures sets the simulated front/rear axle brake pressure and air
// supply pressure, all in kPa.
func (b *Brake) SetPressures(frontKPa, rearKPa, airKPa float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frontPressureKPa = frontKPa
	b.rearPressureKPa = rearKPa
	b.airPressureKPa = airKPa
}

func (b *Brake) snapshot() (WheelSpeeds, float64, float64, float64, float64, bool, bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wheels, b.pedalPercent, b.frontPressureKPa, b.rearPressureKPa, b.airPressureKPa,
		b.absActive, b.tractionActive, b.parkingSet
}

func (b *Brake) tick() {
	wheels, pedal, front, rear, air, abs, traction, parking := b.snapshot()

	b.binding.Bus.Publish(TopicJ1939TX, TxMessage{
		PGN:      pgn.ABS,
		Data:     EncodeEBC1(wheels),
		Priority: 3,
		SA:       b.SA,
		DA:       broadcastDA,
	})
	b.binding.Bus.Publish(TopicJ1939TX, TxMessage{
		PGN:      pgn.ASC2,
		Data:     EncodeASC2(pedal, front, rear, air, abs, traction, parking),
		Priority: 3,
		SA:       b.SA,
		DA:       broadcastDA,
	})
}

func (b *Brake) onRequest(env msgbus.Envelope) {
	req, ok := env.Payload.(RequestMessage)
	if !ok {
		return
	}

	if isDiagnosticRequest(req.PGN) {
		respondWithDTC(b.binding.Bus, b.SA, req.RequesterSA, spnABSActive, fmiConditionExists)
		return
	}

	wheels, pedal, front, rear, air, abs, traction, parking := b.snapshot()

	switch req.PGN {
	case pgn.ABS:
		b.binding.Bus.Publish(TopicJ1939TX, TxMessage{
			PGN: pgn.ABS, Data: EncodeEBC1(wheels), Priority: 3, SA: b.SA, DA: req.RequesterSA,
		})
	case pgn.ASC2:
		b.binding.Bus.Publish(TopicJ1939TX, TxMessage{
			PGN: pgn.ASC2, Data: EncodeASC2(pedal, front, rear, air, abs, traction, parking), Priority: 3, SA: b.SA, DA: req.RequesterSA,
		})
	}
}

// EncodeEBC1 renders per-wheel speed into the 8-byte EBC1 layout: four
// 16-bit little-endian fields at 1/256 km/h per bit, in the order front
// left, front right, rear left, rear right.
func EncodeEBC1(w WheelSpeeds) []byte {
	fl := uint16(math.Round(w.FrontLeft * 256))
	fr := uint16(math.Round(w.FrontRight * 256))
	rl := uint16(math.Round(w.RearLeft * 256))
	rr := uint16(math.Round(w.RearRight * 256))
	return []byte{
		byte(fl), byte(fl >> 8),
		byte(fr), byte(fr >> 8),
		byte(rl), byte(rl >> 8),
		byte(rr), byte(rr >> 8),
	}
}

// DecodeEBC1 extracts per-wheel speeds in km/h from an 8-byte EBC1
// payload.
func DecodeEBC1(data []byte) WheelSpeeds {
	fl := uint16(data[0]) | uint16(data[1])<<8
	fr := uint16(data[2]) | uint16(data[3])<<8
	rl := uint16(data[4]) | uint16(data[5])<<8
	rr := uint16(data[6]) | uint16(data[7])<<8
	return WheelSpeeds{
		FrontLeft:  float64(fl) / 256,
		FrontRight: float64(fr) / 256,
		RearLeft:   float64(rl) / 256,
		RearRight:  float64(rr) / 256,
	}
}

// EncodeASC2 renders the ASC2 byte layout: byte 0 pedal position at
// 0.4%/bit; bytes 1-2 front axle brake pressure and bytes 3-4 rear axle
// brake pressure, both 2 kPa/bit little-endian; bytes 5-6 air supply
// pressure at 4 kPa/bit little-endian; byte 7 a status bitmask (bit 0
// ABS active, bit 1 traction control active, bit 2 parking brake set).
func EncodeASC2(pedalPercent, frontKPa, rearKPa, airKPa float64, absActive, tractionActive, parkingSet bool) []byte {
	pedal := byte(math.Round(pedalPercent / 0.4))
	front := uint16(math.Round(frontKPa / 2))
	rear := uint16(math.Round(rearKPa / 2))
	air := uint16(math.Round(airKPa / 4))

	var status byte
	if absActive {
		status |= abStatusBit
	}
	if tractionActive {
		status |= tractionStatusBit
	}
	if parkingSet {
		status |= parkingStatusBit
	}

	return []byte{
		pedal,
		byte(front), byte(front >> 8),
		byte(rear), byte(rear >> 8),
		byte(air), byte(air >> 8),
		status,
	}
}

// DecodeASC2 extracts the pedal position (percent), axle and air
// pressures (kPa), and status flags from an 8-byte ASC2 payload.
func DecodeASC2(data []byte) (pedalPercent, frontKPa, rearKPa, airKPa float64, absActive, tractionActive, parkingSet bool) {
	pedalPercent = float64(data[0]) * 0.4
	frontKPa = float64(uint16(data[1])|uint16(data[2])<<8) * 2
	rearKPa = float64(uint16(data[3])|uint16(data[4])<<8) * 2
	airKPa = float64(uint16(data[5])|uint16(data[6])<<8) * 4
	status := data[7]
	return pedalPercent, frontKPa, rearKPa, airKPa, status&abStatusBit != 0, status&tractionStatusBit != 0, status&parkingStatusBit != 0
}
