// Package canid implements the J1939 identifier codec: the bidirectional
// mapping between a 29-bit extended CAN identifier and its
// priority/data-page/PDU-format/PDU-specific/source-address decomposition.
package canid

import (
	"errors"
	"time"
)

// ErrInvalidPGN is returned by Build when the caller-supplied PGN does not
// fit in 18 bits.
var ErrInvalidPGN = errors.New("canid: pgn out of 18-bit range")

// MaxPGN is the largest value a PGN field can hold (18 bits).
const MaxPGN = 0x3FFFF

// CANFrame is the bit-exact, immutable-once-emitted wire frame shared by
// every port implementation in internal/canbus.
type CANFrame struct {
	ID        uint32
	Data      []byte
	Extended  bool
	Timestamp *time.Time // nil until a port stamps it on receive
}

// Valid reports whether the frame's id and data length are within range:
// extended=false ⇒ id < 0x800; extended=true ⇒ id < 0x20000000;
// 0 ≤ len(data) ≤ 8.
func (f CANFrame) Valid() bool {
	if len(f.Data) > 8 {
		return false
	}
	if f.Extended {
		return f.ID < 0x20000000
	}
	return f.ID < 0x800
}

// Clone returns a deep copy so callers cannot mutate a frame after it has
// been handed to the bus.
func (f CANFrame) Clone() CANFrame {
	cp := f
	if f.Data != nil {
		cp.Data = append([]byte(nil), f.Data...)
	}
	if f.Timestamp != nil {
		ts := *f.Timestamp
		cp.Timestamp = &ts
	}
	return cp
}

// ParsedID is the decomposition of a 29-bit J1939 identifier.
type ParsedID struct {
	Priority uint8
	DataPage uint8
	PF       uint8
	PS       uint8
	SA       uint8
	PGN      uint32
}

// IsPDU1 reports whether the PGN is destination-specific (PF < 240).
func (p ParsedID) IsPDU1() bool {
	return p.PF < 240
}

// DestinationAddress returns (da, true) for PDU1 identifiers, where PS
// carries the destination address; PDU2 (broadcast) identifiers have no
// destination and the second value is false.
func (p ParsedID) DestinationAddress() (uint8, bool) {
	if p.IsPDU1() {
		return p.PS, true
	}
	return 0, false
}

// Parse decomposes a 29-bit extended CAN identifier into its priority,
// data page, PDU format/specific bytes, source address, and resulting PGN.
func Parse(id uint32) ParsedID {
	priority := uint8((id >> 26) & 0x7)
	dp := uint8((id >> 24) & 0x1)
	pf := uint8((id >> 16) & 0xFF)
	ps := uint8((id >> 8) & 0xFF)
	sa := uint8(id & 0xFF)

	pgn := uint32(dp)<<16 | uint32(pf)<<8
	if pf >= 240 {
		pgn |= uint32(ps)
	}

	return ParsedID{
		Priority: priority,
		DataPage: dp,
		PF:       pf,
		PS:       ps,
		SA:       sa,
		PGN:      pgn,
	}
}

// BuildParams are the inputs to Build. Build applies no defaults: a zero
// Priority, SA or DA is encoded as zero, so DA 0 addresses node 0 rather
// than the global address 0xFF.
type BuildParams struct {
	Priority uint8
	PGN      uint32
	SA       uint8
	DA       uint8
}

// Build assembles a 29-bit extended CAN identifier from the given
// priority/PGN/SA/DA. Priority is clamped to 3 bits. DA is only
// meaningful (and only applied) for PDU1 PGNs; for PDU2 PGNs the low byte
// of PGN supplies PS and DA is ignored.
func Build(p BuildParams) (uint32, error) {
	if p.PGN > MaxPGN {
		return 0, ErrInvalidPGN
	}

	priority := p.Priority & 0x7
	dp := uint8((p.PGN >> 16) & 0x1)
	pf := uint8((p.PGN >> 8) & 0xFF)

	var ps uint8
	if pf < 240 {
		ps = p.DA
	} else {
		ps = uint8(p.PGN & 0xFF)
	}

	id := uint32(priority)<<26 | uint32(dp)<<24 | uint32(pf)<<16 | uint32(ps)<<8 | uint32(p.SA)
	return id, nil
}

// Default priority/SA/DA values for callers that want a sensible default
// instead of the zero value (which would be a valid but likely wrong SA).
const (
	DefaultPriority uint8 = 3
	DefaultSA       uint8 = 0x80
	DefaultDA       uint8 = 0xFF
)
