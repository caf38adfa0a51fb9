// Package slcan implements a canbus.Port backed by a serial-attached
// SLCAN/LAWICEL ASCII CAN adapter, reading and writing the '\r'-delimited
// ASCII line protocol over a standard serial connection.
package slcan

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/serebryakov7/j1939-gateway/internal/canbus"
	"github.com/serebryakov7/j1939-gateway/internal/canid"
)

// Config holds the serial connection parameters for an SLCAN adapter.
type Config struct {
	Name        string
	Baud        int
	ReadTimeout time.Duration
}

// serialPort is the subset of *serial.Port this package depends on, so
// tests can substitute an in-memory pipe.
type serialPort interface {
	io.ReadWriteCloser
}

var _ canbus.Port = (*Port)(nil)

// Port is a canbus.Port that speaks the SLCAN ASCII line protocol over a
// serial connection.
type Port struct {
	iface string
	conn  serialPort

	mu       sync.Mutex
	closed   bool
	filters  []canbus.Filter
	handlers []canbus.Handler
	errCh    chan error

	stopCh chan struct{}
	doneCh chan struct{}
}

// Open opens the named serial device and starts the SLCAN read loop.
// iface is a logical name reported by Interface() — SLCAN has no concept
// of interface naming the way SocketCAN does.
func Open(iface string, cfg Config) (*Port, error) {
	sc := &serial.Config{
		Name:        cfg.Name,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	}
	conn, err := serial.OpenPort(sc)
	if err != nil {
		return nil, fmt.Errorf("slcan: open %s: %w", cfg.Name, err)
	}
	return newPort(iface, conn), nil
}

func newPort(iface string, conn serialPort) *Port {
	p := &Port{
		iface:  iface,
		conn:   conn,
		errCh:  make(chan error, 16),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go p.readLoop()
	return p
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

// Send encodes frame as an SLCAN ASCII line and writes it to the serial
// device.
func (p *Port) Send(frame canid.CANFrame) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return canbus.ErrPortClosed
	}
	if !frame.Valid() {
		return errors.New("slcan: invalid frame")
	}

	line, err := EncodeLine(frame)
	if err != nil {
		return err
	}
	_, err = p.conn.Write([]byte(line))
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
	err := p.conn.Close()
	<-p.doneCh
	return err
}

// readLoop reads SLCAN lines, decodes them, and fans them out to
// registered handlers after applying the port's filters.
func (p *Port) readLoop() {
	defer close(p.doneCh)
	reader := bufio.NewReader(p.conn)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		line, err := reader.ReadString('\r')
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
			}
			select {
			case p.errCh <- fmt.Errorf("slcan: read: %w", err):
			default:
			}
			return
		}

		frame, ok := DecodeLine(line)
		if !ok {
			continue
		}
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
			case p.errCh <- fmt.Errorf("slcan: handler panic: %v", r):
			default:
			}
		}
	}()
	h(frame)
}

// EncodeLine renders frame as an SLCAN "t"/"T" line: t<id:3hex><dlc><data
// hex>\r for standard frames, T<id:8hex><dlc><data hex>\r for extended.
func EncodeLine(frame canid.CANFrame) (string, error) {
	if len(frame.Data) > 8 {
		return "", errors.New("slcan: data too long")
	}
	var b strings.Builder
	if frame.Extended {
		fmt.Fprintf(&b, "T%08X%d", frame.ID, len(frame.Data))
	} else {
		fmt.Fprintf(&b, "t%03X%d", frame.ID, len(frame.Data))
	}
	b.WriteString(strings.ToUpper(hex.EncodeToString(frame.Data)))
	b.WriteByte('\r')
	return b.String(), nil
}

// DecodeLine parses an SLCAN "t"/"T" line into a CANFrame. Lines that are
// not data frames (status replies, empty lines) are ignored via ok=false.
func DecodeLine(line string) (canid.CANFrame, bool) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 2 {
		return canid.CANFrame{}, false
	}

	var extended bool
	var idLen int
	switch line[0] {
	case 't':
		extended, idLen = false, 3
	case 'T':
		extended, idLen = true, 8
	default:
		return canid.CANFrame{}, false
	}

	if len(line) < 1+idLen+1 {
		return canid.CANFrame{}, false
	}

	idHex := line[1 : 1+idLen]
	id, err := strconv.ParseUint(idHex, 16, 32)
	if err != nil {
		return canid.CANFrame{}, false
	}

	dlcDigit := line[1+idLen : 2+idLen]
	dlc, err := strconv.Atoi(dlcDigit)
	if err != nil || dlc < 0 || dlc > 8 {
		return canid.CANFrame{}, false
	}

	dataHex := line[2+idLen:]
	if len(dataHex) < dlc*2 {
		return canid.CANFrame{}, false
	}
	data, err := hex.DecodeString(dataHex[:dlc*2])
	if err != nil {
		return canid.CANFrame{}, false
	}

	return canid.CANFrame{ID: uint32(id), Data: data, Extended: extended}, true
}
