// Package transport implements the J1939 Transport Protocol: fragmenting
// payloads larger than 8 bytes into TP.CM/TP.DT frames and reassembling
// them on receipt, covering both the connectionless BAM flow and the
// flow-controlled RTS/CTS flow.
package transport

import (
	"encoding/binary"
	"errors"

	"github.com/serebryakov7/j1939-gateway/internal/canid"
)

// TP.CM control codes (first byte of a TP.CM frame).
const (
	ctrlBAM   = 32
	ctrlRTS   = 16
	ctrlCTS   = 17
	ctrlEOM   = 19
	ctrlAbort = 255
)

// MaxMessageLength is the largest payload the protocol can fragment.
const MaxMessageLength = 1785

// ErrTPInvalidPacket is surfaced (never thrown out of frame delivery) when
// a TP.CM/TP.DT frame is malformed.
var ErrTPInvalidPacket = errors.New("transport: invalid TP packet")

// cmFrame is the decoded form of any TP.CM control frame.
type cmFrame struct {
	control      uint8
	totalLength  uint16
	totalPackets uint8
	param        uint8 // max-packets-per-CTS (RTS), 0xFF (BAM/EOM), reason (Abort)
	pgn          uint32
	// CTS-only
	ctsCount uint8
	ctsNext  uint8
}

func decodeEmbeddedPGN(b [3]byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func encodeEmbeddedPGN(p uint32) [3]byte {
	return [3]byte{byte(p), byte(p >> 8), byte(p >> 16)}
}

func decodeCM(data []byte) (cmFrame, error) {
	if len(data) < 8 {
		return cmFrame{}, ErrTPInvalidPacket
	}
	f := cmFrame{control: data[0]}
	switch f.control {
	case ctrlCTS:
		f.ctsCount = data[1]
		f.ctsNext = data[2]
		f.pgn = decodeEmbeddedPGN([3]byte{data[5], data[6], data[7]})
	case ctrlAbort:
		f.param = data[1]
		f.pgn = decodeEmbeddedPGN([3]byte{data[5], data[6], data[7]})
	case ctrlBAM, ctrlRTS, ctrlEOM:
		f.totalLength = binary.LittleEndian.Uint16(data[1:3])
		f.totalPackets = data[3]
		f.param = data[4]
		f.pgn = decodeEmbeddedPGN([3]byte{data[5], data[6], data[7]})
	default:
		return cmFrame{}, ErrTPInvalidPacket
	}
	return f, nil
}

func encodeBAM(length uint16, packets uint8, p uint32) []byte {
	return encodeLengthPacketsParam(ctrlBAM, length, packets, 0xFF, p)
}

func encodeRTS(length uint16, packets uint8, maxPerCTS uint8, p uint32) []byte {
	return encodeLengthPacketsParam(ctrlRTS, length, packets, maxPerCTS, p)
}

func encodeEOM(length uint16, packets uint8, p uint32) []byte {
	return encodeLengthPacketsParam(ctrlEOM, length, packets, 0xFF, p)
}

func encodeLengthPacketsParam(control uint8, length uint16, packets uint8, param uint8, p uint32) []byte {
	buf := make([]byte, 8)
	buf[0] = control
	binary.LittleEndian.PutUint16(buf[1:3], length)
	buf[3] = packets
	buf[4] = param
	pgnBytes := encodeEmbeddedPGN(p)
	copy(buf[5:8], pgnBytes[:])
	return buf
}

func encodeCTS(count uint8, next uint8, p uint32) []byte {
	buf := make([]byte, 8)
	buf[0] = ctrlCTS
	buf[1] = count
	buf[2] = next
	buf[3] = 0xFF
	buf[4] = 0xFF
	pgnBytes := encodeEmbeddedPGN(p)
	copy(buf[5:8], pgnBytes[:])
	return buf
}

func encodeAbort(reason uint8, p uint32) []byte {
	buf := make([]byte, 8)
	buf[0] = ctrlAbort
	buf[1] = reason
	buf[2], buf[3], buf[4] = 0xFF, 0xFF, 0xFF
	pgnBytes := encodeEmbeddedPGN(p)
	copy(buf[5:8], pgnBytes[:])
	return buf
}

// encodeDT renders one TP.DT data frame: sequence number followed by up
// to 7 payload bytes, padded with 0xFF.
func encodeDT(seq uint8, chunk []byte) []byte {
	buf := make([]byte, 8)
	buf[0] = seq
	for i := 0; i < 7; i++ {
		if i < len(chunk) {
			buf[1+i] = chunk[i]
		} else {
			buf[1+i] = 0xFF
		}
	}
	return buf
}

// buildID assembles the 29-bit CAN id for a TP.CM or TP.DT frame.
func buildID(priority uint8, tpPGN uint32, sa, da uint8) uint32 {
	id, _ := canid.Build(canid.BuildParams{Priority: priority, PGN: tpPGN, SA: sa, DA: da})
	return id
}

func numPackets(length int) int {
	return (length + 6) / 7
}
