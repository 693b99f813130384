package bp

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tetherlab/tether/internal/mi"
)

// fakeCommander records issued commands and answers from a script keyed by
// command prefix.
type fakeCommander struct {
	mu      sync.Mutex
	cmds    []string
	cli     []string
	conts   int
	results map[string]string // command prefix -> result line
	symbols map[string]bool
	execErr error
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{
		results: map[string]string{
			"-break-insert": `^done,bkpt={number="2",type="breakpoint",addr="0x000001c4",func="main"}`,
		},
		symbols: map[string]bool{"main": true, "my_func": true},
	}
}

func (c *fakeCommander) record(cmd string) { c.cmds = append(c.cmds, cmd) }

func (c *fakeCommander) result(cmd string) (*mi.Record, error) {
	for prefix, line := range c.results {
		if strings.HasPrefix(cmd, prefix) {
			return mi.ParseRecord(line), nil
		}
	}
	return mi.ParseRecord("^done"), nil
}

func (c *fakeCommander) Exec(cmd string, timeout time.Duration) (*mi.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(cmd)
	if c.execErr != nil {
		return nil, c.execErr
	}
	return c.result(cmd)
}

func (c *fakeCommander) ExecNoBlock(cmd string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(cmd)
	return 1000, nil
}

func (c *fakeCommander) CliExec(cmd string, timeout time.Duration) (*mi.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cli = append(c.cli, cmd)
	return mi.ParseRecord("^done"), nil
}

func (c *fakeCommander) Eval(expr string, timeout time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("eval " + expr)
	return "0x42", nil
}

func (c *fakeCommander) Ret(val string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("ret " + val)
	return nil
}

func (c *fakeCommander) Cont() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conts++
	return nil
}

func (c *fakeCommander) WaitHalted(timeout time.Duration) error { return nil }

func (c *fakeCommander) SymbolExists(location string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.symbols[location]
}

func (c *fakeCommander) commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cmds...)
}

func (c *fakeCommander) cliCommands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cli...)
}

func (c *fakeCommander) contCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conts
}

func stoppedAt(bkptno int) *mi.Record {
	return mi.ParseRecord(fmt.Sprintf(`*stopped,reason="breakpoint-hit",disp="keep",bkptno="%d"`, bkptno))
}

func TestHaltPointRegistration(t *testing.T) {
	cmdr := newFakeCommander()
	d := &Dispatcher{points: make(map[int]*HaltPoint), done: make(chan struct{})}

	p, err := NewHaltPoint(cmdr, d, "main")
	if err != nil {
		t.Fatalf("NewHaltPoint: %v", err)
	}
	if p.Num() != 2 {
		t.Errorf("Num = %d, want 2", p.Num())
	}
	if p.Addr() != "0x000001c4" {
		t.Errorf("Addr = %q, want 0x000001c4", p.Addr())
	}
	if got := cmdr.commands()[0]; got != "-break-insert main" {
		t.Errorf("registration command = %q", got)
	}
	if _, ok := d.lookup(2); !ok {
		t.Error("breakpoint not registered with dispatcher")
	}
}

func TestHaltPointTemporary(t *testing.T) {
	cmdr := newFakeCommander()
	d := &Dispatcher{points: make(map[int]*HaltPoint), done: make(chan struct{})}

	if _, err := NewHaltPoint(cmdr, d, "main", Temporary()); err != nil {
		t.Fatalf("NewHaltPoint: %v", err)
	}
	if got := cmdr.commands()[0]; got != "-break-insert -t main" {
		t.Errorf("registration command = %q, want -break-insert -t main", got)
	}
}

func TestHaltPointUnknownSymbol(t *testing.T) {
	cmdr := newFakeCommander()
	d := &Dispatcher{points: make(map[int]*HaltPoint), done: make(chan struct{})}

	_, err := NewHaltPoint(cmdr, d, "bogus_func")
	if !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("NewHaltPoint = %v, want ErrUnknownSymbol", err)
	}
	if len(cmdr.commands()) != 0 {
		t.Error("debugger touched despite unknown symbol")
	}
}

func TestHaltPointRawLocationSkipsSymbolCheck(t *testing.T) {
	cmdr := newFakeCommander()
	d := &Dispatcher{points: make(map[int]*HaltPoint), done: make(chan struct{})}

	if _, err := NewHaltPoint(cmdr, d, "*0x20000000"); err != nil {
		t.Fatalf("NewHaltPoint with raw address: %v", err)
	}
}

func TestHaltPointHitAndWait(t *testing.T) {
	cmdr := newFakeCommander()
	d := &Dispatcher{points: make(map[int]*HaltPoint), done: make(chan struct{})}

	var hookCalls int
	p, err := NewHaltPoint(cmdr, d, "main", WithReached(func() { hookCalls++ }))
	if err != nil {
		t.Fatalf("NewHaltPoint: %v", err)
	}

	d.dispatch(stoppedAt(2))

	if err := p.WaitComplete(time.Second); err != nil {
		t.Fatalf("WaitComplete: %v", err)
	}
	if p.Hits() != 1 {
		t.Errorf("Hits = %d, want 1", p.Hits())
	}
	if hookCalls != 1 {
		t.Errorf("hook calls = %d, want 1", hookCalls)
	}
}

func TestHaltPointAtMostOnePendingSignal(t *testing.T) {
	cmdr := newFakeCommander()
	d := &Dispatcher{points: make(map[int]*HaltPoint), done: make(chan struct{})}

	p, err := NewHaltPoint(cmdr, d, "main")
	if err != nil {
		t.Fatalf("NewHaltPoint: %v", err)
	}

	// Three hits, no waiter: only one signal survives.
	d.dispatch(stoppedAt(2))
	d.dispatch(stoppedAt(2))
	d.dispatch(stoppedAt(2))

	if p.Hits() != 3 {
		t.Errorf("Hits = %d, want 3", p.Hits())
	}
	if err := p.WaitComplete(100 * time.Millisecond); err != nil {
		t.Fatalf("first WaitComplete: %v", err)
	}
	if err := p.WaitComplete(50 * time.Millisecond); !errors.Is(err, mi.ErrTimeout) {
		t.Errorf("second WaitComplete = %v, want ErrTimeout", err)
	}
}

func TestHaltPointWaitTimeout(t *testing.T) {
	cmdr := newFakeCommander()
	d := &Dispatcher{points: make(map[int]*HaltPoint), done: make(chan struct{})}

	p, err := NewHaltPoint(cmdr, d, "main")
	if err != nil {
		t.Fatalf("NewHaltPoint: %v", err)
	}
	if err := p.WaitComplete(30 * time.Millisecond); !errors.Is(err, mi.ErrTimeout) {
		t.Errorf("WaitComplete = %v, want ErrTimeout", err)
	}
}

func TestHaltPointDelete(t *testing.T) {
	cmdr := newFakeCommander()
	d := &Dispatcher{points: make(map[int]*HaltPoint), done: make(chan struct{})}

	p, err := NewHaltPoint(cmdr, d, "main")
	if err != nil {
		t.Fatalf("NewHaltPoint: %v", err)
	}
	if err := p.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := d.lookup(2); ok {
		t.Error("breakpoint still registered after Delete")
	}

	found := false
	for _, cmd := range cmdr.commands() {
		if cmd == "-break-delete 2" {
			found = true
		}
	}
	if !found {
		t.Error("-break-delete 2 not issued")
	}
}

func TestDispatcherUnknownNumberTolerated(t *testing.T) {
	d := &Dispatcher{points: make(map[int]*HaltPoint), done: make(chan struct{})}

	// Must not panic, just log.
	d.dispatch(stoppedAt(99))
	d.dispatch(mi.ParseRecord(`*stopped,reason="breakpoint-hit"`))
}

func TestBarrierParties(t *testing.T) {
	cmdr := newFakeCommander()
	d := &Dispatcher{points: make(map[int]*HaltPoint), done: make(chan struct{})}

	for _, parties := range []int{0, 2, -1} {
		_, err := NewBarrier(cmdr, d, "main", parties)
		if !errors.Is(err, ErrBarrierParties) {
			t.Errorf("NewBarrier(parties=%d) = %v, want ErrBarrierParties", parties, err)
		}
	}
	if len(cmdr.commands()) != 0 {
		t.Error("debugger touched despite invalid party count")
	}
}

func TestBarrierAutoCont(t *testing.T) {
	cmdr := newFakeCommander()
	d := &Dispatcher{points: make(map[int]*HaltPoint), done: make(chan struct{})}

	b, err := NewBarrier(cmdr, d, "main", 1)
	if err != nil {
		t.Fatalf("NewBarrier: %v", err)
	}

	d.dispatch(stoppedAt(2))

	if err := b.ContWhenReached(time.Second); err != nil {
		t.Fatalf("ContWhenReached: %v", err)
	}
	if got := cmdr.contCount(); got != 1 {
		t.Errorf("cont count = %d, want 1", got)
	}
}

func TestCommandPointRegistersJSON(t *testing.T) {
	cmdr := newFakeCommander()

	p, err := NewCommandPoint(cmdr, "my_func", "set var glob += 1", "printf \"hit\"")
	if err != nil {
		t.Fatalf("NewCommandPoint: %v", err)
	}

	cmds := cmdr.commands()
	if len(cmds) != 1 {
		t.Fatalf("command count = %d, want 1", len(cmds))
	}
	const prefix = "tether-bp-nostop-cmd "
	if !strings.HasPrefix(cmds[0], prefix) {
		t.Fatalf("registration command = %q", cmds[0])
	}

	// The argument is a JSON array with escaped quotes.
	raw := strings.ReplaceAll(strings.TrimPrefix(cmds[0], prefix), `\"`, `"`)
	arr := gjson.Parse(raw).Array()
	if len(arr) != 3 {
		t.Fatalf("array length = %d, want 3: %s", len(arr), raw)
	}
	if arr[0].String() != "my_func" {
		t.Errorf("first element = %q, want my_func", arr[0].String())
	}
	if arr[1].String() != "set var glob += 1" {
		t.Errorf("second element = %q", arr[1].String())
	}
	if arr[2].String() != `printf "hit"` {
		t.Errorf("third element = %q", arr[2].String())
	}

	if err := p.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	cli := cmdr.cliCommands()
	if len(cli) != 1 || cli[0] != "tether-bp-nostop-delete my_func" {
		t.Errorf("delete commands = %v", cli)
	}
}

func TestCommandPointInertSurface(t *testing.T) {
	cmdr := newFakeCommander()
	p, err := NewCommandPoint(cmdr, "my_func", "cont")
	if err != nil {
		t.Fatalf("NewCommandPoint: %v", err)
	}

	if err := p.WaitComplete(time.Second); err != nil {
		t.Errorf("WaitComplete = %v, want nil no-op", err)
	}
	if err := p.Exec("set var x=1"); err != nil {
		t.Errorf("Exec = %v, want nil no-op", err)
	}
	if v, err := p.Eval("x"); err != nil || v != "" {
		t.Errorf("Eval = (%q, %v), want empty no-op", v, err)
	}
	if err := p.Ret("0"); err != nil {
		t.Errorf("Ret = %v, want nil no-op", err)
	}
	if n := p.Hits(); n != 0 {
		t.Errorf("Hits = %d, want 0", n)
	}
}
