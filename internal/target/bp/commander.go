package bp

import (
	"strings"
	"time"

	"github.com/tetherlab/tether/internal/mi"
)

// Commander is the normal-context command surface breakpoints use to talk
// to the target. It is implemented by the target session and can be
// substituted in tests.
type Commander interface {
	// Exec sends an MI command and waits for its result. A timeout of 0
	// uses the session default.
	Exec(cmd string, timeout time.Duration) (*mi.Record, error)

	// ExecNoBlock sends an MI command without waiting for the result.
	ExecNoBlock(cmd string) (int64, error)

	// CliExec runs a console command through the MI bridge.
	CliExec(cmd string, timeout time.Duration) (*mi.Record, error)

	// Eval evaluates an expression on the halted target.
	Eval(expr string, timeout time.Duration) (string, error)

	// Ret forces a return from the current function.
	Ret(val string) error

	// Cont resumes target execution.
	Cont() error

	// WaitHalted blocks until the target reports halted.
	WaitHalted(timeout time.Duration) error

	// SymbolExists reports whether location resolves to a known symbol.
	SymbolExists(location string) bool
}

// checkLocation validates a breakpoint location against the target's
// symbols. Raw addresses (*) and line offsets (+/-) are accepted as-is.
func checkLocation(cmdr Commander, location string) error {
	if strings.HasPrefix(location, "*") || strings.HasPrefix(location, "+") || strings.HasPrefix(location, "-") {
		return nil
	}
	if !cmdr.SymbolExists(location) {
		return &LocationError{Location: location}
	}
	return nil
}

// LocationError reports a breakpoint location that does not resolve.
type LocationError struct {
	Location string
}

func (e *LocationError) Error() string {
	return "no symbol \"" + e.Location + "\" found in target binary symbols"
}

// Unwrap lets errors.Is match ErrUnknownSymbol.
func (e *LocationError) Unwrap() error {
	return ErrUnknownSymbol
}
