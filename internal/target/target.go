package target

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/tetherlab/tether/internal/mi"
	"github.com/tetherlab/tether/internal/target/bp"
)

const (
	// defaultExecTimeout applies to synchronous commands issued without an
	// explicit timeout.
	defaultExecTimeout = 5 * time.Second

	// contRetries and haltRetries bound how often Cont and Halt re-issue
	// their command while waiting for the matching state notification.
	contRetries = 40
	haltRetries = 20

	// retryWait is the per-attempt wait of the Cont/Halt retry loops.
	retryWait = 100 * time.Millisecond

	// haltedPollWindow bounds how long a stopped notification may disagree
	// with the debugger's internal target state.
	haltedPollWindow = time.Second

	// stepPoll is the busy-wait interval of the step commands.
	stepPoll = time.Millisecond

	defaultWorkers = 4
)

// Options configures a Target session.
type Options struct {
	// ExecTimeout is the default timeout of synchronous commands.
	// Zero selects 5 seconds.
	ExecTimeout time.Duration

	// SettleDelay is slept after the target confirmed running, giving
	// freshly resumed firmware time to pass early initialization.
	SettleDelay time.Duration

	// InterceptPort is the loopback port for intercept breakpoint
	// channels. Zero selects the default port.
	InterceptPort int

	// CompanionScript is the path of the script sourced into the debugger
	// on connect. It provides the companion commands breakpoints rely on.
	CompanionScript string

	// Device is the device id announced to the debug server before
	// flash-related operations. Empty skips the announcement.
	Device string

	// Workers sizes the notification worker pool.
	Workers int

	// Symbols overrides symbol resolution; nil selects debugger-backed
	// resolution.
	Symbols SymbolChecker
}

// Target is one session against a live debug target. All commands travel
// through a single routed debugger connection; the run state is owned by
// the notification stream and never guessed from command results.
type Target struct {
	id     string
	router *mi.Router
	pool   *workerpool.WorkerPool
	state  *runState
	stateQ *mi.NotifyQueue
	bps    *bp.Manager
	syms   SymbolChecker

	tuneMu      sync.Mutex
	execTimeout time.Duration
	settleDelay time.Duration

	companionScript string
	device          string
}

// New creates a session over tr and starts routing. The session is usable
// for local commands immediately; Connect attaches it to a debug server.
func New(tr mi.Transport, opts Options) *Target {
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = defaultExecTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}

	pool := workerpool.New(opts.Workers)
	router := mi.NewRouter(tr, mi.NewGuard(), pool)

	t := &Target{
		id:              uuid.NewString(),
		router:          router,
		pool:            pool,
		state:           newRunState(),
		execTimeout:     opts.ExecTimeout,
		settleDelay:     opts.SettleDelay,
		companionScript: opts.CompanionScript,
		device:          opts.Device,
	}

	t.stateQ = mi.NewNotifyQueue(pool, t.onRunStateNotify)
	router.Subscribe(t.stateQ, "stopped", "")
	router.Subscribe(t.stateQ, "running", "")

	t.bps = bp.NewManager(t, router, opts.InterceptPort)

	if opts.Symbols != nil {
		t.syms = opts.Symbols
	} else {
		t.syms = NewSymbols(t)
	}
	return t
}

// ID returns the session identity.
func (t *Target) ID() string {
	return t.id
}

// Tune replaces the session's timing tunables. Zero values keep the
// current setting. Safe to call while the session is in use, so a config
// reload can apply without a new session.
func (t *Target) Tune(execTimeout, settleDelay time.Duration) {
	t.tuneMu.Lock()
	defer t.tuneMu.Unlock()
	if execTimeout > 0 {
		t.execTimeout = execTimeout
	}
	if settleDelay > 0 {
		t.settleDelay = settleDelay
	}
}

func (t *Target) defaultTimeout() time.Duration {
	t.tuneMu.Lock()
	defer t.tuneMu.Unlock()
	return t.execTimeout
}

func (t *Target) settle() time.Duration {
	t.tuneMu.Lock()
	defer t.tuneMu.Unlock()
	return t.settleDelay
}

// Breakpoints returns the session's breakpoint manager.
func (t *Target) Breakpoints() *bp.Manager {
	return t.bps
}

// Router exposes the underlying connection router.
func (t *Target) Router() *mi.Router {
	return t.router
}

// Connect attaches the session to a debug server and sources the companion
// script into the debugger.
func (t *Target) Connect(serverAddr string) error {
	if _, err := t.Exec("-gdb-set mi-async on", 0); err != nil {
		return err
	}
	if _, err := t.Exec("-target-select remote "+serverAddr, 0); err != nil {
		return err
	}
	if _, err := t.CliExec("set mem inaccessible-by-default off", time.Second); err != nil {
		return err
	}
	if t.companionScript != "" {
		// The debugger expects POSIX-formatted paths.
		if _, err := t.CliExec("source "+filepath.ToSlash(t.companionScript), 0); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect ends the session: the debugger is asked to exit, breakpoint
// dispatch stops, and the connection shuts down. The target is not resumed.
func (t *Target) Disconnect() error {
	if _, err := t.ExecNoBlock("-gdb-exit"); err != nil && !errors.Is(err, mi.ErrTransportClosed) {
		glog.Warningf("target %s: exit request failed: %v", t.id, err)
	}
	t.bps.Stop()
	return t.router.Close()
}

// Teardown force-deletes leaked intercept points, then disconnects.
func (t *Target) Teardown() error {
	t.bps.DeleteAll()
	return t.Disconnect()
}

// Exec sends an MI command and waits for its result. A timeout of 0 uses
// the session default.
func (t *Target) Exec(cmd string, timeout time.Duration) (*mi.Record, error) {
	if timeout <= 0 {
		timeout = t.defaultTimeout()
	}
	return t.router.SendSync(cmd, timeout)
}

// ExecNoBlock sends an MI command without waiting for the result and
// returns its token.
func (t *Target) ExecNoBlock(cmd string) (int64, error) {
	return t.router.SendAsync(cmd)
}

// CliExec runs a console command through the MI bridge.
func (t *Target) CliExec(cmd string, timeout time.Duration) (*mi.Record, error) {
	return t.Exec(fmt.Sprintf("-interpreter-exec console %q", cmd), timeout)
}

// Eval evaluates an expression on the halted target and returns the
// normalized value string. Expressions may read and write variables and
// registers or call functions on the target.
func (t *Target) Eval(expr string, timeout time.Duration) (string, error) {
	rec, err := t.Exec(fmt.Sprintf("-data-evaluate-expression %q", expr), timeout)
	if err != nil {
		return "", err
	}
	val := rec.Field("value")
	if strings.Contains(val, "<optimized out>") {
		glog.Warningf("target: accessed entity %s is optimized out in the target binary", expr)
	}
	return NormalizeValue(val), nil
}

// EvalUint evaluates an expression expected to yield a number. Hex and
// decimal representations are both accepted.
func (t *Target) EvalUint(expr string, timeout time.Duration) (uint64, error) {
	val, err := t.Eval(expr, timeout)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(val), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("eval of %s: not a number: %q", expr, val)
	}
	return n, nil
}

// Ret forces a return from the current function. The console return
// command is used when a value is given since the MI variant does not
// support return values.
func (t *Target) Ret(val string) error {
	if val == "" {
		_, err := t.Exec("-exec-return", 0)
		return err
	}
	_, err := t.CliExec("return "+val, 0)
	return err
}

// Cont resumes the target and waits until the running notification
// confirms it, re-issuing the resume command on every retry.
func (t *Target) Cont() error {
	for i := 0; i < contRetries; i++ {
		running, ch := t.state.watch()
		if running {
			break
		}
		if _, err := t.ExecNoBlock("-exec-continue"); err != nil {
			return err
		}
		timer := time.NewTimer(retryWait)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
	if !t.state.isRunning() {
		return ErrContinue
	}
	if d := t.settle(); d > 0 {
		time.Sleep(d)
	}
	return nil
}

// Halt interrupts the target and waits until the stopped notification
// confirms it. If the halt landed inside an IT block, instructions are
// stepped until the block is complete, so later eval function calls
// cannot wedge the core. Pass haltInITBlock to suppress the stepping and
// leave the core exactly where it stopped.
func (t *Target) Halt(haltInITBlock bool) error {
	for i := 0; i < haltRetries; i++ {
		running, ch := t.state.watch()
		if !running {
			break
		}
		if _, err := t.ExecNoBlock("-exec-interrupt --all"); err != nil {
			return err
		}
		timer := time.NewTimer(retryWait)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
	if t.state.isRunning() {
		return ErrHalt
	}
	if haltInITBlock {
		return nil
	}

	for {
		xpsr, err := t.EvalUint("$xpsr", 0)
		if err != nil {
			return err
		}
		if !XPSRInITBlock(uint32(xpsr)) {
			return nil
		}
		if err := t.StepInst(); err != nil {
			return err
		}
	}
}

// Step executes the next source line and waits for the target to halt
// again.
func (t *Target) Step() error {
	return t.step("-exec-next")
}

// StepInst executes the next instruction and waits for the target to halt
// again.
func (t *Target) StepInst() error {
	return t.step("-exec-next-instruction")
}

func (t *Target) step(cmd string) error {
	// Pre-set running so the poll below cannot race the notification.
	t.state.set(true)
	if _, err := t.Exec(cmd, 0); err != nil {
		t.state.set(false)
		return err
	}
	for t.state.isRunning() {
		time.Sleep(stepPoll)
	}
	return nil
}

// IsRunning reports the target's run state as seen through notifications.
func (t *Target) IsRunning() bool {
	return t.state.isRunning()
}

// WaitHalted blocks until the target reports halted. This does not halt
// the target; call Halt for that. A timeout of 0 waits one second.
func (t *Target) WaitHalted(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = haltedPollWindow
	}
	if err := t.state.waitFor(false, timeout); err != nil {
		return fmt.Errorf("%w within %v", ErrNotHalted, timeout)
	}
	return nil
}

// SymbolExists reports whether location resolves in the target binary.
func (t *Target) SymbolExists(location string) bool {
	return t.syms.Exists(location)
}

// onRunStateNotify consumes one queued state notification. It runs on the
// worker pool, never on the router loop.
func (t *Target) onRunStateNotify() {
	rec, ok := t.stateQ.TryWait()
	if !ok {
		return
	}
	switch rec.Message {
	case "stopped":
		// A stopped notification is not always in sync with the debugger's
		// internal target state; wait until both agree.
		t.waitDebuggerHalted(haltedPollWindow)
		t.state.set(false)
	case "running":
		t.state.set(true)
	}
}

// waitDebuggerHalted polls an info command until the debugger accepts it,
// which it only does for a halted target.
func (t *Target) waitDebuggerHalted(window time.Duration) {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		_, err := t.router.SendSync("-thread-info", window)
		if err == nil {
			return
		}
		if errors.Is(err, mi.ErrContextViolation) || errors.Is(err, mi.ErrTransportClosed) {
			return
		}
		runtime.Gosched()
	}
	glog.Warningf("target: not halted within %v despite reported as stopped by the debugger", window)
}

// ProbeRunning asks the companion script, through the console channel,
// whether the target is executing. Unlike IsRunning this reflects the
// debugger's own view rather than the notification stream.
func (t *Target) ProbeRunning(timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = t.defaultTimeout()
	}
	id := t.router.NextRespID()
	cmd := fmt.Sprintf("tether-is-running %d", id)
	if _, err := t.ExecNoBlock(fmt.Sprintf("-interpreter-exec console %q", cmd)); err != nil {
		return false, err
	}
	rec, err := t.router.WaitConsole(id, timeout)
	if err != nil {
		return false, err
	}
	parts := strings.Split(rec.Payload, ",")
	if len(parts) < 4 {
		return false, fmt.Errorf("malformed probe response: %q", rec.Payload)
	}
	return strings.TrimSpace(parts[3]) == "YES", nil
}

// Load programs a firmware image: the executable file is selected, the
// symbol table replaced when a separate symbol file is given, and the image
// downloaded to the target.
func (t *Target) Load(loadELF, symbolELF string, enableFlash bool) error {
	if loadELF != "" {
		if _, err := t.Exec("-file-exec-file "+loadELF, 0); err != nil {
			return err
		}
	}
	if symbolELF != "" {
		// A bare -file-symbol-file clears the debugger's symbol table.
		if _, err := t.Exec("-file-symbol-file", 0); err != nil {
			return err
		}
		if _, err := t.Exec("-file-symbol-file "+symbolELF, 0); err != nil {
			return err
		}
	}
	if t.device != "" {
		if _, err := t.CliExec("monitor flash device "+t.device, 0); err != nil {
			return err
		}
	}
	if enableFlash {
		if _, err := t.CliExec("monitor flash download=1", 0); err != nil {
			return err
		}
	}
	if loadELF != "" {
		if _, err := t.Exec("-target-download", 0); err != nil {
			return err
		}
	}
	return nil
}

// Reset resets the target through the debug server monitor.
func (t *Target) Reset(flushRegCache bool) error {
	if _, err := t.CliExec("monitor reset", 0); err != nil {
		return err
	}
	if flushRegCache {
		return t.RegFlushCache()
	}
	return nil
}

// BpClearAll removes every breakpoint: companion-managed, debugger-managed
// and server-side hardware breakpoints.
func (t *Target) BpClearAll() error {
	if _, err := t.CliExec("tether-bp-nostop-delete", 0); err != nil {
		return err
	}
	if _, err := t.Exec("-break-delete", 0); err != nil {
		return err
	}
	_, err := t.CliExec("monitor clrbp", 0)
	return err
}

// BpCount returns the number of debugger-managed breakpoints.
func (t *Target) BpCount() (int, error) {
	rec, err := t.Exec("-break-list", 0)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(rec.Field("nr_rows"))
	if err != nil {
		return 0, fmt.Errorf("break-list result without row count: %w", err)
	}
	return n, nil
}
