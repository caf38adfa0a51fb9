//go:build linux

package nativelinux

import (
	"bytes"
	"testing"

	"github.com/serebryakov7/j1939-gateway/internal/canid"
)

func TestEncodeDecodeFrameRoundTripExtended(t *testing.T) {
	frame := canid.CANFrame{ID: 0x18F00401, Data: []byte{1, 2, 3, 4, 5}, Extended: true}
	buf := encodeFrame(frame)
	if len(buf) != canFrameSize {
		t.Fatalf("encoded length = %d, want %d", len(buf), canFrameSize)
	}
	decoded := decodeFrame(buf)
	if decoded.ID != frame.ID || !decoded.Extended || !bytes.Equal(decoded.Data, frame.Data) {
		t.Errorf("decoded = %+v, want %+v", decoded, frame)
	}
}

func TestEncodeDecodeFrameRoundTripStandard(t *testing.T) {
	frame := canid.CANFrame{ID: 0x123, Data: []byte{0xAA, 0xBB}, Extended: false}
	buf := encodeFrame(frame)
	decoded := decodeFrame(buf)
	if decoded.ID != frame.ID || decoded.Extended || !bytes.Equal(decoded.Data, frame.Data) {
		t.Errorf("decoded = %+v, want %+v", decoded, frame)
	}
}

func TestEncodeFrameSetsEFFFlag(t *testing.T) {
	buf := encodeFrame(canid.CANFrame{ID: 0x1FFFFFFF, Extended: true})
	raw := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if raw&canEFFFlag == 0 {
		t.Error("expected EFF flag set in encoded identifier word")
	}
}

func TestDecodeFrameClampsOversizedLength(t *testing.T) {
	buf := make([]byte, canFrameSize)
	buf[4] = 0xFF // bogus oversized length byte
	decoded := decodeFrame(buf)
	if len(decoded.Data) != 8 {
		t.Errorf("len(Data) = %d, want clamped to 8", len(decoded.Data))
	}
}
