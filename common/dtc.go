// Package common holds wire-level types shared between the core J1939
// stack and the outer bridges: diagnostic trouble code records and the
// inbound control-plane command protocol.
package common

// DTCRecord is a diagnostic trouble code as stored and exported over
// the MQTT bridge. MID holds the reporting source address, kept under
// its historical field name for continuity with the source-address
// description dictionary.
type DTCRecord struct {
	MID               uint8  `json:"mid"`
	SPN               uint32 `json:"spn"`
	FMI               uint8  `json:"fmi"`
	OC                uint16 `json:"oc,omitempty"`
	Active            bool   `json:"active"`
	TimestampUnixNano int64  `json:"timestampUnixNano"`
}
