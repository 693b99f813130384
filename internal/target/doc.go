// Package target implements the session against a live debug target: the
// run-state machine fed by debugger notifications, the command surface
// (exec, console exec, eval, forced return), execution control (continue,
// halt with IT-block handling, stepping), register and symbol helpers, and
// breakpoint construction through the bp sub-package.
package target
