package bp

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/tetherlab/tether/internal/mi"
	"github.com/tetherlab/tether/internal/mi/bpwire"
)

// acceptTimeout bounds how long the constructor waits for the companion
// script to connect back after the breakpoint was registered.
const acceptTimeout = 10 * time.Second

// deleteTimeout bounds every step of the best-effort teardown of an
// intercept point.
const deleteTimeout = time.Second

// InterceptOption configures an InterceptPoint.
type InterceptOption func(*interceptConfig)

type interceptConfig struct {
	port int
	hook func(*InterceptPoint) error
}

// WithPort overrides the loopback port the host listens on for the
// companion connection.
func WithPort(port int) InterceptOption {
	return func(c *interceptConfig) { c.port = port }
}

// WithHandler installs the hit handler. It runs in intercept context with
// the command connection held; errors are logged and the target is resumed
// regardless.
func WithHandler(hook func(*InterceptPoint) error) InterceptOption {
	return func(c *interceptConfig) { c.hook = hook }
}

// InterceptPoint is a breakpoint handled entirely over a private channel to
// the companion script: the debugger's command connection stays free while
// the target sits in the breakpoint, and commands issued from the hit
// handler travel over the channel instead. The target resumes only after
// the handler turn finishes.
type InterceptPoint struct {
	cmdr     Commander
	guard    *mi.Guard
	live     *LiveSet
	location string
	id       string
	hook     func(*InterceptPoint) error

	conn     net.Conn
	reqMu    sync.Mutex
	hits     atomic.Int64
	running  atomic.Bool
	complete chan struct{}
	wg       sync.WaitGroup
}

// NewInterceptPoint registers an intercepting breakpoint at location. The
// host listens first, then instructs the companion script to set the
// breakpoint and connect back; exactly one connection is accepted.
func NewInterceptPoint(cmdr Commander, guard *mi.Guard, live *LiveSet, location string, opts ...InterceptOption) (*InterceptPoint, error) {
	cfg := interceptConfig{port: bpwire.DefaultPort}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := checkLocation(cmdr, location); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.port))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: listen on port %d: %v", ErrRegistration, location, cfg.port, err)
	}
	defer ln.Close()
	if tl, ok := ln.(*net.TCPListener); ok {
		tl.SetDeadline(time.Now().Add(acceptTimeout))
	}

	if _, err := cmdr.CliExec(fmt.Sprintf("tether-bp-nostop-tcp %s", location), 0); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRegistration, location, err)
	}

	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: companion did not connect: %v", ErrRegistration, location, err)
	}

	p := newInterceptConn(cmdr, guard, live, location, cfg.hook, conn)
	return p, nil
}

// newInterceptConn wires an already-established channel connection and
// starts the turn loop.
func newInterceptConn(cmdr Commander, guard *mi.Guard, live *LiveSet, location string, hook func(*InterceptPoint) error, conn net.Conn) *InterceptPoint {
	p := &InterceptPoint{
		cmdr:     cmdr,
		guard:    guard,
		live:     live,
		location: location,
		id:       "intercept-" + uuid.NewString(),
		hook:     hook,
		conn:     conn,
		complete: make(chan struct{}, 1),
	}
	p.running.Store(true)
	if live != nil {
		live.add(p)
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *InterceptPoint) Location() string { return p.location }

// Hits returns the number of handled hits.
func (p *InterceptPoint) Hits() int {
	return int(p.hits.Load())
}

// Reached runs the configured hit handler. A failing handler is logged and
// discarded; the target is resumed either way.
func (p *InterceptPoint) Reached() {
	if p.hook == nil {
		return
	}
	if err := p.hook(p); err != nil {
		glog.Errorf("bp: handler of intercept at %s failed: %v", p.location, err)
		glog.Warning("bp: letting target continue anyway, remaining handler commands are discarded")
	}
}

// Exec runs a debugger command in breakpoint context over the channel.
func (p *InterceptPoint) Exec(cmd string) error {
	_, err := p.roundTrip(bpwire.TypeExec, cmd)
	return err
}

// Eval evaluates an expression in breakpoint context over the channel.
func (p *InterceptPoint) Eval(expr string) (string, error) {
	res, err := p.roundTrip(bpwire.TypeEval, expr)
	if err != nil {
		return "", err
	}
	if strings.Contains(res, "<optimized out>") {
		glog.Warningf("bp: accessed entity %s is optimized out in the binary", expr)
	}
	return res, nil
}

// Ret forces a return from the function the breakpoint sits in.
func (p *InterceptPoint) Ret(val string) error {
	if val != "" {
		return p.Exec("return " + val)
	}
	return p.Exec("return")
}

func (p *InterceptPoint) roundTrip(t bpwire.Type, payload string) (string, error) {
	p.reqMu.Lock()
	defer p.reqMu.Unlock()

	if err := bpwire.NewMessage(t, []byte(payload)).Write(p.conn); err != nil {
		return "", fmt.Errorf("intercept at %s: send %s: %w", p.location, t, err)
	}
	resp, err := bpwire.Read(p.conn)
	if err != nil {
		return "", fmt.Errorf("intercept at %s: read reply: %w", p.location, err)
	}
	switch resp.Type {
	case bpwire.TypeResp:
		return string(resp.Payload), nil
	case bpwire.TypeExcept:
		return "", fmt.Errorf("execution of %q in breakpoint context failed: %s", payload, resp.Payload)
	default:
		return "", fmt.Errorf("intercept at %s: unexpected reply type %s", p.location, resp.Type)
	}
}

// WaitComplete blocks until a full handler turn has finished. A zero
// timeout is replaced by DefaultWaitTimeout so a location that is never
// reached cannot block forever.
func (p *InterceptPoint) WaitComplete(timeout time.Duration) error {
	override := false
	if timeout <= 0 {
		override = true
		timeout = DefaultWaitTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.complete:
		return nil
	case <-timer.C:
		if override {
			return fmt.Errorf("intercept at %s not reached after override timeout of %v: %w", p.location, timeout, mi.ErrTimeout)
		}
		return fmt.Errorf("intercept at %s not reached after timeout of %v: %w", p.location, timeout, mi.ErrTimeout)
	}
}

func (p *InterceptPoint) run() {
	defer p.wg.Done()

	for p.running.Load() {
		msg, err := bpwire.Read(p.conn)
		if err != nil {
			if p.running.CompareAndSwap(true, false) {
				glog.Warningf("bp: intercept at %s: channel lost: %v", p.location, err)
			}
			return
		}
		if msg.Type != bpwire.TypeHit {
			glog.Warningf("bp: intercept at %s: received %s while waiting for %s", p.location, msg.Type, bpwire.TypeHit)
		}
		p.hits.Add(1)

		p.turn()

		if err := bpwire.NewMessage(bpwire.TypeFinishCont, nil).Write(p.conn); err != nil {
			glog.Warningf("bp: intercept at %s: resume message failed: %v", p.location, err)
		}

		select {
		case p.complete <- struct{}{}:
		default:
			// Auto-reset: an uncollected completion is superseded.
		}
	}
}

// turn runs one handler invocation under the intercept context. The guard
// is released and the turn ends even when the handler panics.
func (p *InterceptPoint) turn() {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("bp: handler of intercept at %s panicked: %v", p.location, r)
			glog.Warning("bp: letting target continue anyway, remaining handler commands are discarded")
		}
		if err := p.guard.Release(p.id); err != nil {
			glog.V(2).Infof("bp: intercept at %s: %v", p.location, err)
		}
	}()

	if err := p.guard.Acquire(p.id, mi.ContextIntercept); err != nil {
		glog.Warningf("bp: intercept at %s could not take over the command connection, skipping handler: %v", p.location, err)
		return
	}
	p.Reached()
}

// Delete tears the intercept point down: companion-side removal, channel
// close, loop join, live-set removal. Every step is best effort and bounded;
// failures are logged, never returned.
func (p *InterceptPoint) Delete() error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}

	if _, err := p.cmdr.CliExec(fmt.Sprintf("tether-bp-nostop-delete %s", p.location), deleteTimeout); err != nil {
		glog.Warningf("bp: intercept at %s: companion delete failed: %v", p.location, err)
	}
	if err := p.conn.Close(); err != nil {
		glog.V(2).Infof("bp: intercept at %s: close channel: %v", p.location, err)
	}
	if !waitTimeout(&p.wg, deleteTimeout) {
		glog.Warningf("bp: intercept at %s: turn loop did not exit within %v", p.location, deleteTimeout)
	}
	if p.live != nil {
		p.live.remove(p)
	}
	return nil
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// LiveSet tracks the intercept points of a session so teardown can
// force-delete whatever a test leaked.
type LiveSet struct {
	mu     sync.Mutex
	points []*InterceptPoint
}

func NewLiveSet() *LiveSet {
	return &LiveSet{}
}

func (s *LiveSet) add(p *InterceptPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, p)
}

func (s *LiveSet) remove(p *InterceptPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.points {
		if q == p {
			s.points = append(s.points[:i], s.points[i+1:]...)
			return
		}
	}
}

// Len returns the number of live intercept points.
func (s *LiveSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}

// DeleteAll deletes every live intercept point and logs if any survive.
func (s *LiveSet) DeleteAll() {
	s.mu.Lock()
	snapshot := make([]*InterceptPoint, len(s.points))
	copy(snapshot, s.points)
	s.mu.Unlock()

	for _, p := range snapshot {
		p.Delete()
	}
	if n := s.Len(); n != 0 {
		glog.Warningf("bp: %d intercept point(s) survived delete-all", n)
	}
}
