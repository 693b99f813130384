package target

import (
	"time"

	"github.com/tetherlab/tether/internal/mi"
)

// SymbolChecker reports whether a name resolves in the loaded binary.
// Sessions resolve through the debugger by default; tests substitute a
// fixed set.
type SymbolChecker interface {
	Exists(name string) bool
}

type cliExecutor interface {
	CliExec(cmd string, timeout time.Duration) (*mi.Record, error)
}

// Symbols resolves symbols by asking the debugger: the info command fails
// for unknown names and succeeds for known ones.
type Symbols struct {
	cmdr cliExecutor
}

func NewSymbols(cmdr cliExecutor) *Symbols {
	return &Symbols{cmdr: cmdr}
}

func (s *Symbols) Exists(name string) bool {
	_, err := s.cmdr.CliExec("info address "+name, 0)
	return err == nil
}
