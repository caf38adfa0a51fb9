// Package simulator implements the deterministic, tick-based ECU models
// (engine, transmission, brake) that broadcast their state as J1939
// Parameter Groups on a fixed schedule, each exposing scaled fields at
// their documented byte offsets and answering on-demand requests.
package simulator

// TxMessage is the payload published on TopicJ1939TX (a ready-to-encode
// application message a simulator or module wants sent) and on
// TopicJ1939RX (a message the gateway decoded off the wire).
type TxMessage struct {
	PGN      uint32
	Data     []byte
	Priority uint8
	SA       uint8
	DA       uint8
}

// RequestMessage is the payload published on TopicRequest when a PGN
// 0xEA00 request frame arrives.
type RequestMessage struct {
	PGN         uint32
	RequesterSA uint8
}

const (
	TopicJ1939TX = "j1939.tx"
	TopicJ1939RX = "j1939.rx"
	TopicRequest = "request"

	broadcastDA uint8 = 0xFF
)
