package bp

import (
	"time"
)

// DefaultWaitTimeout is applied when WaitComplete is called without an
// explicit timeout on an intercept point, so a location that is never
// reached cannot block a test forever.
const DefaultWaitTimeout = 20 * time.Second

// Point is the capability set shared by every breakpoint variant. Variants
// that cannot honor a capability warn and no-op instead of failing.
type Point interface {
	// Location returns the location string the breakpoint was set on.
	Location() string

	// Hits returns how often the breakpoint has been reached.
	Hits() int

	// Reached is the hook invoked when the breakpoint is hit. The default
	// is a no-op; behavior is injected at construction time.
	Reached()

	// WaitComplete blocks until the breakpoint has been hit and handled,
	// or the timeout expires.
	WaitComplete(timeout time.Duration) error

	// Delete removes the breakpoint from the debugger and from its
	// session's bookkeeping.
	Delete() error

	// Exec runs a debugger command in the breakpoint's execution context.
	Exec(cmd string) error

	// Eval evaluates an expression in the breakpoint's execution context.
	Eval(expr string) (string, error)

	// Ret forces an immediate return from the current function, with an
	// optional return value.
	Ret(val string) error
}
