//go:build linux

// Package nativelinux implements a canbus.Port over a raw Linux
// SocketCAN interface (AF_CAN, SOCK_RAW, CAN_RAW), grounded on the
// raw-socket frame layout and read-loop shape of a SocketCAN-based J1939
// bus reader: open a bound raw socket, read fixed-size can_frame structs
// in a dedicated goroutine, and fan them out through a filter-then-handler
// pipeline identical to the other canbus backends.
package nativelinux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/serebryakov7/j1939-gateway/internal/canbus"
	"github.com/serebryakov7/j1939-gateway/internal/canid"
)

const (
	canFrameSize = 16 // struct can_frame: u32 id, u8 len, u8 pad[3], u8 data[8]
	canEFFFlag   = 0x80000000
	canEFFMask   = 0x1FFFFFFF
	canSFFMask   = 0x000007FF
)

var _ canbus.Port = (*Port)(nil)

// Port is a canbus.Port backed by a bound SocketCAN raw socket.
type Port struct {
	iface string
	fd    int

	mu       sync.Mutex
	closed   bool
	filters  []canbus.Filter
	handlers []canbus.Handler
	errCh    chan error

	stopCh chan struct{}
	doneCh chan struct{}
}

// Open binds a CAN_RAW socket to the named interface (e.g. "can0") and
// starts its receive loop.
func Open(iface string) (*Port, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("nativelinux: socket: %w", err)
	}

	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nativelinux: interface %s: %w", iface, err)
	}

	addr := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nativelinux: bind %s: %w", iface, err)
	}

	p := &Port{
		iface:  iface,
		fd:     fd,
		errCh:  make(chan error, 16),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

func (p *Port) Interface() string { return p.iface }

func (p *Port) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *Port) SetFilters(filters []canbus.Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append([]canbus.Filter(nil), filters...)
}

func (p *Port) OnFrame(h canbus.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

func (p *Port) Errors() <-chan error { return p.errCh }

// Send writes frame as a raw can_frame to the bound socket.
func (p *Port) Send(frame canid.CANFrame) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return canbus.ErrPortClosed
	}
	if !frame.Valid() {
		return errors.New("nativelinux: invalid frame")
	}

	buf := encodeFrame(frame)
	_, err := unix.Write(p.fd, buf)
	return err
}

func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	err := unix.Close(p.fd)
	<-p.doneCh
	return err
}

func (p *Port) readLoop() {
	defer close(p.doneCh)
	buf := make([]byte, canFrameSize)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		n, err := unix.Read(p.fd, buf)
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
			}
			select {
			case p.errCh <- fmt.Errorf("nativelinux: read: %w", err):
			default:
			}
			continue
		}
		if n != canFrameSize {
			continue
		}

		frame := decodeFrame(buf)
		now := time.Now()
		frame.Timestamp = &now

		p.mu.Lock()
		filters := p.filters
		handlers := make([]canbus.Handler, len(p.handlers))
		copy(handlers, p.handlers)
		p.mu.Unlock()

		if !canbus.MatchAny(filters, frame) {
			continue
		}
		for _, h := range handlers {
			p.invoke(h, frame)
		}
	}
}

func (p *Port) invoke(h canbus.Handler, frame canid.CANFrame) {
	defer func() {
		if r := recover(); r != nil {
			select {
			case p.errCh <- fmt.Errorf("nativelinux: handler panic: %v", r):
			default:
			}
		}
	}()
	h(frame)
}

// encodeFrame renders frame as a 16-byte struct can_frame.
func encodeFrame(frame canid.CANFrame) []byte {
	buf := make([]byte, canFrameSize)
	id := frame.ID
	if frame.Extended {
		id = (id & canEFFMask) | canEFFFlag
	} else {
		id &= canSFFMask
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = byte(len(frame.Data))
	copy(buf[8:8+len(frame.Data)], frame.Data)
	return buf
}

// decodeFrame parses a 16-byte struct can_frame into a CANFrame.
func decodeFrame(buf []byte) canid.CANFrame {
	raw := binary.LittleEndian.Uint32(buf[0:4])
	extended := raw&canEFFFlag != 0
	var id uint32
	if extended {
		id = raw & canEFFMask
	} else {
		id = raw & canSFFMask
	}
	dlc := int(buf[4])
	if dlc > 8 {
		dlc = 8
	}
	data := append([]byte(nil), buf[8:8+dlc]...)
	return canid.CANFrame{ID: id, Data: data, Extended: extended}
}
