package bp

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/tetherlab/tether/internal/mi"
)

// haltedPollWindow bounds how long a hit handler waits for the debugger's
// internal state to agree with its stop notification.
const haltedPollWindow = time.Second

// HaltPoint is a breakpoint that halts the target when reached. Each hit
// increments the hit count, invokes the Reached hook and signals at most
// one waiter through a single-slot handoff; an uncollected signal is
// overwritten by the next hit.
type HaltPoint struct {
	cmdr     Commander
	disp     *Dispatcher
	location string
	num      int
	addr     string
	hits     atomic.Int64
	slot     chan struct{}
	reached  func()
}

// HaltOption configures a HaltPoint.
type HaltOption func(*haltConfig)

type haltConfig struct {
	temporary bool
	reached   func()
}

// Temporary registers the breakpoint as one-shot on the debugger side.
func Temporary() HaltOption {
	return func(c *haltConfig) { c.temporary = true }
}

// WithReached installs the hook invoked on every hit, after the target is
// confirmed halted and before the waiter is signaled.
func WithReached(hook func()) HaltOption {
	return func(c *haltConfig) { c.reached = hook }
}

// NewHaltPoint registers a halting breakpoint at location. The location
// must resolve to a known symbol unless it uses raw-address (*) or
// line-offset (+/-) syntax. Registration failure is fatal to the
// constructor.
func NewHaltPoint(cmdr Commander, disp *Dispatcher, location string, opts ...HaltOption) (*HaltPoint, error) {
	var cfg haltConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := checkLocation(cmdr, location); err != nil {
		return nil, err
	}

	args := ""
	if cfg.temporary {
		args = "-t "
	}
	rec, err := cmdr.Exec(fmt.Sprintf("-break-insert %s%s", args, location), 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRegistration, location, err)
	}

	numStr := rec.Field("number")
	if numStr == "" {
		return nil, fmt.Errorf("%w: %s: no breakpoint information in result", ErrRegistration, location)
	}
	num, err := strconv.Atoi(numStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: bad breakpoint number %q", ErrRegistration, location, numStr)
	}

	p := &HaltPoint{
		cmdr:     cmdr,
		disp:     disp,
		location: location,
		num:      num,
		addr:     rec.Field("addr"),
		slot:     make(chan struct{}, 1),
		reached:  cfg.reached,
	}
	disp.add(p)
	return p, nil
}

// Num returns the debugger-assigned breakpoint number.
func (p *HaltPoint) Num() int {
	return p.num
}

// Addr returns the resolved address reported by the debugger.
func (p *HaltPoint) Addr() string {
	return p.addr
}

// Location returns the breakpoint location.
func (p *HaltPoint) Location() string {
	return p.location
}

// Hits returns the number of times the breakpoint was hit.
func (p *HaltPoint) Hits() int {
	return int(p.hits.Load())
}

// Reached invokes the configured hit hook. The default is a no-op.
func (p *HaltPoint) Reached() {
	if p.reached != nil {
		p.reached()
	}
}

// hit is invoked by the dispatcher when the debugger reports this
// breakpoint as the stop reason.
func (p *HaltPoint) hit(rec *mi.Record) {
	p.hits.Add(1)

	// The stop notification can outrun the debugger's internal state;
	// wait until both agree before letting the hook issue commands.
	if err := p.cmdr.WaitHalted(haltedPollWindow); err != nil {
		glog.Warningf("bp: %s hit but target not confirmed halted: %v", p.location, err)
	}

	p.Reached()

	select {
	case p.slot <- struct{}{}:
	default:
		// At-most-one-pending: an uncollected signal is superseded.
	}
}

// WaitComplete blocks until the breakpoint is hit and handled. A timeout
// of 0 waits forever.
func (p *HaltPoint) WaitComplete(timeout time.Duration) error {
	if timeout <= 0 {
		<-p.slot
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.slot:
		return nil
	case <-timer.C:
		return fmt.Errorf("halt point at %s not reached within %v: %w", p.location, timeout, mi.ErrTimeout)
	}
}

// Exec runs a command through the normal target surface; the target is
// halted at this breakpoint, so no special context is needed.
func (p *HaltPoint) Exec(cmd string) error {
	_, err := p.cmdr.Exec(cmd, 0)
	return err
}

// Eval evaluates an expression through the normal target surface.
func (p *HaltPoint) Eval(expr string) (string, error) {
	return p.cmdr.Eval(expr, 0)
}

// Ret forces a return from the current function.
func (p *HaltPoint) Ret(val string) error {
	return p.cmdr.Ret(val)
}

// Delete removes the breakpoint from the debugger and the dispatcher.
func (p *HaltPoint) Delete() error {
	_, err := p.cmdr.Exec(fmt.Sprintf("-break-delete %d", p.num), 0)
	p.disp.remove(p)
	return err
}

// Barrier is a HaltPoint restricted to exactly one waiting party whose hit
// hook resumes the target, so waiting on it means "continue once execution
// has passed this location".
type Barrier struct {
	*HaltPoint
}

// NewBarrier registers a barrier at location. Party counts other than 1
// fail before any debugger interaction happens.
func NewBarrier(cmdr Commander, disp *Dispatcher, location string, parties int, opts ...HaltOption) (*Barrier, error) {
	if parties != 1 {
		return nil, fmt.Errorf("%w: got %d", ErrBarrierParties, parties)
	}

	opts = append(opts, WithReached(func() {
		if err := cmdr.Cont(); err != nil {
			glog.Warningf("bp: barrier at %s failed to resume target: %v", location, err)
		}
	}))
	hp, err := NewHaltPoint(cmdr, disp, location, opts...)
	if err != nil {
		return nil, err
	}
	return &Barrier{HaltPoint: hp}, nil
}

// ContWhenReached blocks until execution has passed the barrier location.
func (b *Barrier) ContWhenReached(timeout time.Duration) error {
	return b.WaitComplete(timeout)
}
