package target

import "errors"

var (
	// ErrContinue reports that the target never reached running state
	// despite repeated resume attempts.
	ErrContinue = errors.New("target execution could not be continued")

	// ErrHalt reports that the target never reached halted state despite
	// repeated interrupt attempts.
	ErrHalt = errors.New("target execution could not be halted")

	// ErrNotHalted reports that a wait for the halted state timed out.
	ErrNotHalted = errors.New("target did not reach halted state")

	// ErrNotConnected reports an operation requiring a live debugger
	// connection on a disconnected session.
	ErrNotConnected = errors.New("debugger connection is not established")
)
