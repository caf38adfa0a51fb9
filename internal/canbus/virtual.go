package canbus

import (
	"sync"

	"github.com/serebryakov7/j1939-gateway/internal/canid"
)

// Registry is a virtual-bus map from interface name to the ordered list
// of ports registered on it. It is an explicit, runtime-owned object
// rather than a package-level global: internal/gateway constructs one
// Registry and passes it into every VirtualPort it creates, so tests can
// run isolated buses in parallel instead of sharing hidden global state.
type Registry struct {
	mu    sync.Mutex
	ports map[string][]*VirtualPort
}

// NewRegistry creates an empty virtual-bus registry.
func NewRegistry() *Registry {
	return &Registry{ports: make(map[string][]*VirtualPort)}
}

func (r *Registry) register(p *VirtualPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports[p.iface] = append(r.ports[p.iface], p)
}

func (r *Registry) deregister(p *VirtualPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.ports[p.iface]
	for i, q := range list {
		if q == p {
			r.ports[p.iface] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.ports[p.iface]) == 0 {
		delete(r.ports, p.iface)
	}
}

func (r *Registry) snapshot(iface string) []*VirtualPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.ports[iface]
	out := make([]*VirtualPort, len(list))
	copy(out, list)
	return out
}

var _ Port = (*VirtualPort)(nil)

// VirtualPort is the in-memory loopback CAN port: sends on one port
// reach every port (including itself) registered on the same interface
// name, synchronously.
type VirtualPort struct {
	iface    string
	registry *Registry

	mu       sync.Mutex
	closed   bool
	filters  []Filter
	handlers []Handler
	errCh    chan error
}

// NewVirtualPort creates and registers a new virtual port on iface.
func NewVirtualPort(registry *Registry, iface string) *VirtualPort {
	p := &VirtualPort{
		iface:    iface,
		registry: registry,
		errCh:    make(chan error, 16),
	}
	registry.register(p)
	return p
}

func (p *VirtualPort) Interface() string { return p.iface }

func (p *VirtualPort) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *VirtualPort) SetFilters(filters []Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append([]Filter(nil), filters...)
}

func (p *VirtualPort) OnFrame(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

func (p *VirtualPort) Errors() <-chan error { return p.errCh }

// Send delivers frame to every port registered on the same interface,
// including p itself (loopback), in registration order. Each recipient
// stamps a timestamp if the frame does not already carry one.
func (p *VirtualPort) Send(frame canid.CANFrame) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPortClosed
	}

	for _, recipient := range p.registry.snapshot(p.iface) {
		recipient.deliver(frame)
	}
	return nil
}

// deliver runs the local receive path: filter, then fan out to handlers
// in registration order, catching any handler panic and surfacing it on
// the error channel without aborting fan-out to later handlers.
func (p *VirtualPort) deliver(frame canid.CANFrame) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	filters := p.filters
	handlers := make([]Handler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	stamped := frame.Clone()
	if stamped.Timestamp == nil {
		stamped.Timestamp = nowStamp()
	}

	if !MatchAny(filters, stamped) {
		return
	}

	for _, h := range handlers {
		p.invoke(h, stamped)
	}
}

func (p *VirtualPort) invoke(h Handler, frame canid.CANFrame) {
	defer func() {
		if r := recover(); r != nil {
			select {
			case p.errCh <- handlerPanic{r}:
			default:
			}
		}
	}()
	h(frame)
}

type handlerPanic struct{ v any }

func (e handlerPanic) Error() string {
	return "canbus: handler panicked"
}

// Close deregisters the port from the registry and marks it closed.
// Further Send calls fail with ErrPortClosed; in-flight fan-out that is
// already iterating this port's handler list completes.
func (p *VirtualPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.registry.deregister(p)
	return nil
}
