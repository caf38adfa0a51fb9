// Package hostmodule defines the runtime module interface and the
// registry that binds, starts, and stops a fixed set of modules in
// sequence. It generalizes "pick one of two wire protocols" into "bind
// and sequence N runtime modules" — the registry the gateway
// orchestrator drives at startup and shutdown.
package hostmodule

import (
	"fmt"
	"log"

	"github.com/serebryakov7/j1939-gateway/internal/msgbus"
)

// Binding is what the runtime hands every module at registration time.
type Binding struct {
	Logger    *log.Logger
	Bus       *msgbus.Bus
	Scheduler *msgbus.Scheduler
	Config    map[string]any
}

// Module is one unit of runtime behavior: an ECU simulator, a bridge, a
// diagnostics store. The runtime calls OnInit then OnStart on every
// registered module in registration order, and OnStop in reverse order.
type Module interface {
	Name() string
	Version() string
	Bind(b Binding)
	OnInit() error
	OnStart() error
	OnStop() error
}

// entry pairs a module with whether its OnStart has completed, so a
// startup failure partway through only tears down what actually started.
type entry struct {
	module  Module
	started bool
}

// Registry holds modules in registration order and sequences their
// lifecycle calls.
type Registry struct {
	binding Binding
	entries []*entry
}

// NewRegistry creates a Registry that binds every registered module with
// binding.
func NewRegistry(binding Binding) *Registry {
	return &Registry{binding: binding}
}

// Register appends m to the registry and binds it immediately. A module
// may not touch Bus or Scheduler before OnStart runs.
func (r *Registry) Register(m Module) {
	m.Bind(r.binding)
	r.entries = append(r.entries, &entry{module: m})
}

// Modules returns the registered modules in registration order.
func (r *Registry) Modules() []Module {
	out := make([]Module, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.module
	}
	return out
}

// Start runs OnInit on every module in registration order, then OnStart
// on every module in registration order. A failure in either call aborts
// startup and tears down, in reverse order, every module whose OnStart
// already completed.
func (r *Registry) Start() error {
	for _, e := range r.entries {
		if err := e.module.OnInit(); err != nil {
			r.teardown()
			return fmt.Errorf("hostmodule: %s: OnInit: %w", e.module.Name(), err)
		}
	}
	for _, e := range r.entries {
		if err := e.module.OnStart(); err != nil {
			r.teardown()
			return fmt.Errorf("hostmodule: %s: OnStart: %w", e.module.Name(), err)
		}
		e.started = true
	}
	return nil
}

// Stop calls OnStop on every started module in reverse registration
// order. Stop errors are logged through the bound logger and do not
// interrupt teardown of the remaining modules.
func (r *Registry) Stop() {
	r.teardown()
}

func (r *Registry) teardown() {
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if !e.started {
			continue
		}
		if err := e.module.OnStop(); err != nil && r.binding.Logger != nil {
			r.binding.Logger.Printf("hostmodule: %s: OnStop: %v", e.module.Name(), err)
		}
		e.started = false
	}
}
