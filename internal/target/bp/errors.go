package bp

import "errors"

// Sentinel errors for the bp package.
var (
	// ErrRegistration is returned when breakpoint creation did not yield
	// the expected confirmation from the debugger or companion script.
	ErrRegistration = errors.New("breakpoint registration failed")

	// ErrUnknownSymbol is returned when a breakpoint location does not
	// resolve to a symbol in the target binary.
	ErrUnknownSymbol = errors.New("no such symbol in target binary")

	// ErrBarrierParties is returned when a barrier is constructed for more
	// than one waiting party.
	ErrBarrierParties = errors.New("barrier supports exactly one waiting party")
)
