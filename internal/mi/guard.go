package mi

import (
	"fmt"
	"sync"
)

// Context is the mode governing who may issue commands on the shared
// debugger connection.
type Context int

const (
	// ContextNormal is ordinary test-code command traffic.
	ContextNormal Context = iota + 1
	// ContextIntercept is command traffic issued from within an intercept
	// breakpoint's hit handler.
	ContextIntercept
)

// String returns the context name.
func (c Context) String() string {
	switch c {
	case ContextNormal:
		return "normal"
	case ContextIntercept:
		return "intercept"
	default:
		return "unknown"
	}
}

// Guard is a single-holder gate over the command connection. A transition
// away from normal context is only possible when no other holder is active,
// and only the current holder may release. Failed calls leave the guard
// unchanged.
type Guard struct {
	mu     sync.Mutex
	ctx    Context
	holder string
}

// NewGuard creates a guard in normal context with no holder.
func NewGuard() *Guard {
	return &Guard{ctx: ContextNormal}
}

// Acquire switches the guard to mode on behalf of holder. It fails if the
// guard is not currently in normal context.
func (g *Guard) Acquire(holder string, mode Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ctx != ContextNormal {
		return fmt.Errorf("%w: context %s held by %q", ErrContextViolation, g.ctx, g.holder)
	}
	g.ctx = mode
	g.holder = holder
	return nil
}

// Release resets the guard to normal context. It fails unless holder matches
// the current holder.
func (g *Guard) Release(holder string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holder == "" || holder != g.holder {
		return fmt.Errorf("%w: release by %q, held by %q", ErrContextViolation, holder, g.holder)
	}
	g.ctx = ContextNormal
	g.holder = ""
	return nil
}

// Current returns the guard's context.
func (g *Guard) Current() Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctx
}

// Holder returns the current holder id, or the empty string in normal
// context.
func (g *Guard) Holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}
