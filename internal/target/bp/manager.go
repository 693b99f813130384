package bp

import (
	"github.com/tetherlab/tether/internal/mi"
	"github.com/tetherlab/tether/internal/mi/bpwire"
)

// Manager owns a session's breakpoint machinery: the hit dispatcher, the
// context guard and the live-set of intercept points. The session creates
// one Manager and builds all breakpoints through it.
type Manager struct {
	cmdr  Commander
	guard *mi.Guard
	disp  *Dispatcher
	live  *LiveSet
	port  int
}

// NewManager wires a manager to a session's command surface and router.
// A port of 0 selects the default intercept channel port.
func NewManager(cmdr Commander, router *mi.Router, port int) *Manager {
	if port == 0 {
		port = bpwire.DefaultPort
	}
	return &Manager{
		cmdr:  cmdr,
		guard: router.Guard(),
		disp:  NewDispatcher(router),
		live:  NewLiveSet(),
		port:  port,
	}
}

// HaltPoint sets a halting breakpoint at location.
func (m *Manager) HaltPoint(location string, opts ...HaltOption) (*HaltPoint, error) {
	return NewHaltPoint(m.cmdr, m.disp, location, opts...)
}

// Barrier sets a one-party barrier at location.
func (m *Manager) Barrier(location string, parties int, opts ...HaltOption) (*Barrier, error) {
	return NewBarrier(m.cmdr, m.disp, location, parties, opts...)
}

// CommandPoint sets a fire-and-forget command breakpoint at location.
func (m *Manager) CommandPoint(location string, cmds ...string) (*CommandPoint, error) {
	return NewCommandPoint(m.cmdr, location, cmds...)
}

// InterceptPoint sets an intercepting breakpoint at location, listening on
// the manager's configured channel port unless an option overrides it.
func (m *Manager) InterceptPoint(location string, opts ...InterceptOption) (*InterceptPoint, error) {
	opts = append([]InterceptOption{WithPort(m.port)}, opts...)
	return NewInterceptPoint(m.cmdr, m.guard, m.live, location, opts...)
}

// LiveIntercepts returns the number of intercept points not yet deleted.
func (m *Manager) LiveIntercepts() int {
	return m.live.Len()
}

// DeleteAll force-deletes every live intercept point.
func (m *Manager) DeleteAll() {
	m.live.DeleteAll()
}

// Stop terminates the hit dispatcher. Called once at session teardown.
func (m *Manager) Stop() {
	m.disp.Stop()
}
