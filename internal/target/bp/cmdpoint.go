package bp

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/tidwall/sjson"
)

// CommandPoint is a breakpoint whose command list runs entirely inside the
// debugger. The target is never halted from the host's point of view, so the
// host-side observation surface is intentionally inert: everything except
// Delete warns and returns a zero value.
type CommandPoint struct {
	cmdr     Commander
	location string
}

// NewCommandPoint registers location together with its command list at the
// companion script. The commands execute in debugger context on every hit.
func NewCommandPoint(cmdr Commander, location string, cmds ...string) (*CommandPoint, error) {
	if err := checkLocation(cmdr, location); err != nil {
		return nil, err
	}

	arr := "[]"
	arr, _ = sjson.Set(arr, "-1", location)
	for _, c := range cmds {
		arr, _ = sjson.Set(arr, "-1", c)
	}
	// The argument travels inside a CLI command line, so inner quotes
	// must be escaped.
	arr = strings.ReplaceAll(arr, `"`, `\"`)

	if _, err := cmdr.Exec(fmt.Sprintf("tether-bp-nostop-cmd %s", arr), 0); err != nil {
		return nil, fmt.Errorf("registering command breakpoint at %s: %w", location, err)
	}
	return &CommandPoint{cmdr: cmdr, location: location}, nil
}

func (p *CommandPoint) Location() string { return p.location }

// Hits always reports zero; hit accounting happens inside the debugger.
func (p *CommandPoint) Hits() int {
	glog.Warning("bp: hits of a command breakpoint are not observable from the host")
	return 0
}

func (p *CommandPoint) Reached() {
	glog.Warning("bp: a command breakpoint only executes the commands set at construction")
}

func (p *CommandPoint) WaitComplete(timeout time.Duration) error {
	glog.Warning("bp: completion of a command breakpoint cannot be waited for")
	return nil
}

func (p *CommandPoint) Exec(cmd string) error {
	glog.Warning("bp: a command breakpoint does not accept commands after construction")
	return nil
}

func (p *CommandPoint) Eval(expr string) (string, error) {
	glog.Warning("bp: a command breakpoint cannot evaluate expressions")
	return "", nil
}

func (p *CommandPoint) Ret(val string) error {
	glog.Warning("bp: a command breakpoint cannot force a return")
	return nil
}

// Delete removes the breakpoint from the companion script.
func (p *CommandPoint) Delete() error {
	_, err := p.cmdr.CliExec(fmt.Sprintf("tether-bp-nostop-delete %s", p.location), 0)
	return err
}
