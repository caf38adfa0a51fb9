// Package pgn holds the curated J1939 Parameter Group Number dictionary
// and the frame decoder built on top of internal/canid.
package pgn

import (
	"github.com/serebryakov7/j1939-gateway/internal/canid"
)

// Well-known PGNs, including the engine/transmission/brake controller
// groups the simulator emits and the diagnostic and transport-protocol
// control PGNs the gateway consumes.
const (
	EEC1            uint32 = 0xF004 // Electronic Engine Controller 1
	ETC1            uint32 = 0xF001 // Electronic Transmission Controller 1
	ETC2            uint32 = 0xF005 // Electronic Transmission Controller 2
	CCVS            uint32 = 0xFEF1 // Cruise Control / Vehicle Speed
	FuelRate        uint32 = 0xFEF2 // Fuel Economy (Liquid)
	EngineFluidTemp uint32 = 0xFEF5 // Engine Fluid Temperature (ambient/coolant family)
	DM1             uint32 = 0xFECA // Active Diagnostic Trouble Codes
	DM2             uint32 = 0xFECB // Previously Active Diagnostic Trouble Codes
	AddressClaimed  uint32 = 0xEE00
	Request         uint32 = 0xEA00
	TPBAM           uint32 = 0xEC00 // alias of TP.CM used for BAM; TP.CM carries all control codes
	TPDT            uint32 = 0xEB00
	TPCM            uint32 = 0xEC00
	ABS             uint32 = 0xFEEE // Electronic Brake Controller 1 (wheel speeds)
	ASC2            uint32 = 0xFEAE // Anti-lock Braking / Traction control
	VehicleDistance uint32 = 0xFEE4 // High Resolution Vehicle Distance
)

// Info describes a known Parameter Group.
type Info struct {
	Name        string
	Length      int // documented payload length in bytes, 0 if variable
	Description string
}

// Dictionary is the process-wide, read-only table of known PGNs.
var Dictionary = map[uint32]Info{
	EEC1:            {Name: "EEC1", Length: 8, Description: "Electronic Engine Controller 1"},
	ETC1:            {Name: "ETC1", Length: 8, Description: "Electronic Transmission Controller 1"},
	ETC2:            {Name: "ETC2", Length: 8, Description: "Electronic Transmission Controller 2"},
	CCVS:            {Name: "CCVS", Length: 8, Description: "Cruise Control / Vehicle Speed"},
	FuelRate:        {Name: "LFE", Length: 4, Description: "Fuel Economy (Liquid)"},
	EngineFluidTemp: {Name: "ET1", Length: 5, Description: "Engine Fluid Temperature"},
	DM1:             {Name: "DM1", Length: 8, Description: "Active Diagnostic Trouble Codes"},
	DM2:             {Name: "DM2", Length: 8, Description: "Previously Active Diagnostic Trouble Codes"},
	AddressClaimed:  {Name: "AC", Length: 8, Description: "Address Claimed"},
	Request:         {Name: "REQUEST", Length: 3, Description: "Request PGN"},
	TPCM:            {Name: "TP.CM", Length: 8, Description: "Transport Protocol Connection Management"},
	TPDT:            {Name: "TP.DT", Length: 8, Description: "Transport Protocol Data Transfer"},
	ABS:             {Name: "EBC1", Length: 8, Description: "Electronic Brake Controller 1"},
	ASC2:            {Name: "ASC2", Length: 8, Description: "Anti-lock Braking / Traction Control"},
	VehicleDistance: {Name: "VDHR", Length: 8, Description: "High Resolution Vehicle Distance"},
}

// Lookup returns the dictionary entry for pgn, or a synthetic "Unknown
// PGN" entry when the PGN is not in the table.
func Lookup(n uint32) Info {
	if info, ok := Dictionary[n]; ok {
		return info
	}
	return Info{Name: "Unknown PGN"}
}

// Message is a decoded frame: the identifier decomposition plus the
// dictionary name and the raw payload.
type Message struct {
	canid.ParsedID
	Name string
	Raw  []byte
}

// Decode turns a CANFrame into a Message, looking up the PGN's name in
// the dictionary. Non-J1939 (11-bit) frames are not decodable and Decode
// returns the zero Message with ok=false.
func Decode(f canid.CANFrame) (Message, bool) {
	if !f.Extended {
		return Message{}, false
	}
	parsed := canid.Parse(f.ID)
	return Message{
		ParsedID: parsed,
		Name:     Lookup(parsed.PGN).Name,
		Raw:      append([]byte(nil), f.Data...),
	}, true
}
