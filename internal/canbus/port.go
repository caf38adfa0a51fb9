// Package canbus defines the CAN port abstraction and an in-memory
// virtual bus used by the simulator and tests.
package canbus

import (
	"errors"
	"time"

	"github.com/serebryakov7/j1939-gateway/internal/canid"
)

// ErrPortClosed is returned by Send when the port has already been closed.
var ErrPortClosed = errors.New("canbus: port closed")

// Handler receives frames accepted by a port's filters, in registration
// order. A handler's panic is recovered by the port and forwarded on its
// error channel; it never stops fan-out to later handlers.
type Handler func(canid.CANFrame)

// Filter matches a frame iff (frame.ID & Mask) == (ID & Mask) and, when
// Extended is non-nil, the frame's Extended flag equals *Extended.
type Filter struct {
	ID       uint32
	Mask     uint32
	Extended *bool
}

// Match reports whether f accepts frame.
func (flt Filter) Match(frame canid.CANFrame) bool {
	if flt.Extended != nil && frame.Extended != *flt.Extended {
		return false
	}
	return (frame.ID & flt.Mask) == (flt.ID & flt.Mask)
}

// MatchAny reports whether frame is accepted by any of filters. An empty
// filter list accepts every frame.
func MatchAny(filters []Filter, frame canid.CANFrame) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Match(frame) {
			return true
		}
	}
	return false
}

// Port is the CAN port contract every backend (virtual, slcan,
// nativelinux) implements.
type Port interface {
	Send(frame canid.CANFrame) error
	OnFrame(h Handler)
	SetFilters(filters []Filter)
	Interface() string
	IsConnected() bool
	Close() error
	// Errors returns a channel on which handler panics/errors surface;
	// it never blocks a send and is never closed while the port is open.
	Errors() <-chan error
}

// nowStamp returns the current time for stamping a freshly-received frame.
func nowStamp() *time.Time {
	t := time.Now()
	return &t
}
