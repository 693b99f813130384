package script

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/tetherlab/tether/internal/target/bp"
)

// Surface is the breakpoint capability set exposed to handler scripts.
// *bp.InterceptPoint satisfies it; tests substitute fakes.
type Surface interface {
	Exec(cmd string) error
	Eval(expr string) (string, error)
	Ret(val string) error
	Hits() int
	Location() string
}

// Handler is a loaded Lua hit handler.
type Handler struct {
	mu   sync.Mutex
	L    *lua.LState
	fn   lua.LValue
	path string
}

// Load reads and runs a handler script. The script must define a global
// reached() function.
func Load(path string) (*Handler, error) {
	L := lua.NewState()
	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, fmt.Errorf("loading handler script %s: %w", path, err)
	}
	fn := L.GetGlobal("reached")
	if fn.Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("handler script %s does not define reached()", path)
	}
	return &Handler{L: L, fn: fn, path: path}, nil
}

// LoadString is Load for an in-memory script.
func LoadString(src string) (*Handler, error) {
	L := lua.NewState()
	if err := L.DoString(src); err != nil {
		L.Close()
		return nil, fmt.Errorf("loading handler script: %w", err)
	}
	fn := L.GetGlobal("reached")
	if fn.Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("handler script does not define reached()")
	}
	return &Handler{L: L, fn: fn, path: "<string>"}, nil
}

// Close releases the Lua state. The handler must not be in use.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.L.Close()
}

// Reached runs the script's reached() function against s. Script errors
// and raised Lua errors are returned, never panicked.
func (h *Handler) Reached(s Surface) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.bind(s)
	h.L.Push(h.fn)
	if err := h.L.PCall(0, 0, nil); err != nil {
		return fmt.Errorf("handler script %s: %w", h.path, err)
	}
	return nil
}

// Bind packages the handler as an intercept point option.
func Bind(h *Handler) bp.InterceptOption {
	return bp.WithHandler(func(p *bp.InterceptPoint) error {
		return h.Reached(p)
	})
}

// bind installs the breakpoint capability globals. Globals are rebound on
// every invocation so a handler can serve successive hits of the same
// breakpoint.
func (h *Handler) bind(s Surface) {
	h.L.SetGlobal("exec", h.L.NewFunction(func(L *lua.LState) int {
		if err := s.Exec(L.CheckString(1)); err != nil {
			L.RaiseError("%v", err)
		}
		return 0
	}))
	h.L.SetGlobal("eval", h.L.NewFunction(func(L *lua.LState) int {
		res, err := s.Eval(L.CheckString(1))
		if err != nil {
			L.RaiseError("%v", err)
		}
		L.Push(lua.LString(res))
		return 1
	}))
	h.L.SetGlobal("ret", h.L.NewFunction(func(L *lua.LState) int {
		if err := s.Ret(L.OptString(1, "")); err != nil {
			L.RaiseError("%v", err)
		}
		return 0
	}))
	h.L.SetGlobal("hits", h.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(s.Hits()))
		return 1
	}))
	h.L.SetGlobal("location", h.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(s.Location()))
		return 1
	}))
}
