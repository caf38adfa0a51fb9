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
	defaultEngineRate = 100 * time.Millisecond
	maxRPM            = 2200.0
	maxTorquePercent  = 80.0

	// spnEngineSpeed is reported in the synthetic DM1 response to a
	// diagnostic request, fmiAboveNormalMost marking it out-of-range-high.
	spnEngineSpeed     = 190
	fmiAboveNormalMost = 0
)

var _ hostmodule.Module = (*Engine)(nil)

// Engine simulates an Electronic Engine Controller, broadcasting EEC1
// (PGN 0xF004) at its configured tick rate.
type Engine struct {
	SA     uint8
	RateMs time.Duration

	binding hostmodule.Binding

	mu      sync.Mutex
	running bool
	rpm     float64
	// torquePercent tracks simulated load as a percentage (-125 to 125,
	// 1%/bit with a -125% offset, matching SPN 513's convention) but is
	// not part of the EEC1 wire encoding: the bytes it would occupy are
	// left at 0xFF, matching the rest of the reserved fields.
	torquePercent float64

	tickHandle msgbus.Handle
	disposeReq msgbus.Disposer
}

// NewEngine creates an Engine simulator addressed as sa, running by
// default so its rpm ramps up from zero on the first tick.
func NewEngine(sa uint8) *Engine {
	return &Engine{SA: sa, RateMs: defaultEngineRate, running: true}
}

func (e *Engine) Name() string    { return "simulator.engine" }
func (e *Engine) Version() string { return "1.0.0" }

func (e *Engine) Bind(b hostmodule.Binding) { e.binding = b }

func (e *Engine) OnInit() error {
	if e.RateMs <= 0 {
		e.RateMs = defaultEngineRate
	}
	return nil
}

func (e *Engine) OnStart() error {
	e.tickHandle = e.binding.Scheduler.Every(e.RateMs, e.tick)
	e.disposeReq = e.binding.Bus.Subscribe(TopicRequest, e.onRequest)
	return nil
}

func (e *Engine) OnStop() error {
	if e.binding.Scheduler != nil {
		e.binding.Scheduler.Clear(e.tickHandle)
	}
	if e.disposeReq != nil {
		e.disposeReq()
	}
	return nil
}

// SetRunning toggles the engine on or off; a stopped engine ramps its rpm
// and torque back down to zero instead of up.
func (e *Engine) SetRunning(running bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = running
}

func (e *Engine) tick() {
	e.mu.Lock()
	if e.running {
		e.rpm = math.Min(e.rpm+50, maxRPM)
		e.torquePercent = math.Min(e.torquePercent+2, maxTorquePercent)
	} else {
		e.rpm = math.Max(e.rpm-50, 0)
		e.torquePercent = math.Max(e.torquePercent-2, 0)
	}
	rpm := e.rpm
	e.mu.Unlock()

	e.publish(rpm)
}

func (e *Engine) publish(rpm float64) {
	e.binding.Bus.Publish(TopicJ1939TX, TxMessage{
		PGN:      pgn.EEC1,
		Data:     EncodeEEC1(rpm),
		Priority: 3,
		SA:       e.SA,
		DA:       broadcastDA,
	})
}

func (e *Engine) onRequest(env msgbus.Envelope) {
	req, ok := env.Payload.(RequestMessage)
	if !ok {
		return
	}
	if isDiagnosticRequest(req.PGN) {
		respondWithDTC(e.binding.Bus, e.SA, req.RequesterSA, spnEngineSpeed, fmiAboveNormalMost)
		return
	}
	if req.PGN != pgn.EEC1 {
		return
	}
	e.mu.Lock()
	rpm := e.rpm
	e.mu.Unlock()

	e.binding.Bus.Publish(TopicJ1939TX, TxMessage{
		PGN:      pgn.EEC1,
		Data:     EncodeEEC1(rpm),
		Priority: 3,
		SA:       e.SA,
		DA:       req.RequesterSA,
	})
}

// EncodeEEC1 renders rpm into the 8-byte EEC1 byte layout: bytes 0-1 are
// engine speed at 0.125 rpm/bit, little-endian; the remaining bytes are
// unused (0xFF).
func EncodeEEC1(rpm float64) []byte {
	raw := uint16(math.Round(rpm * 8))
	return []byte{byte(raw), byte(raw >> 8), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
}

// DecodeEEC1RPM extracts engine speed in rpm from an 8-byte EEC1 payload.
func DecodeEEC1RPM(data []byte) float64 {
	raw := uint16(data[0]) | uint16(data[1])<<8
	return float64(raw) / 8
}
