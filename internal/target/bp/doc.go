// Package bp provides the breakpoint abstraction for on-target testing:
// halting breakpoints that wake a host-side waiter, barriers that resume
// the target on their own, fire-and-forget command breakpoints registered
// with the companion script, and full intercept breakpoints that run host
// logic inside the paused target context over a private wire channel.
//
// All variants implement the Point capability set. Halting variants are
// routed by the Dispatcher from the debugger's stop notifications; the
// intercept variants never halt the target.
package bp
