package mi

import (
	"errors"
	"fmt"
)

// Sentinel errors for the mi package.
var (
	// ErrTimeout is returned when a blocking wait expires before the
	// debugger delivers the awaited record. The in-flight command is not
	// cancelled; a late response is discarded.
	ErrTimeout = errors.New("timeout waiting for debugger response")

	// ErrContextViolation is returned when a normal-mode command is issued
	// while the context guard is held in intercept mode (or vice versa).
	ErrContextViolation = errors.New("command issued outside the required context")

	// ErrTransportClosed is returned for all waits once the router loop has
	// terminated due to a transport I/O failure. The session is unusable
	// from that point on.
	ErrTransportClosed = errors.New("debugger transport closed")

	// ErrNoToken is returned when a result record arrives without a token.
	ErrNoToken = errors.New("result record without token")
)

// CommandError reports a failure result from the debugger. Msg carries the
// debugger's original message text.
type CommandError struct {
	Msg string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("gdb error: %s", e.Msg)
}
