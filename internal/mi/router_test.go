package mi

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gammazero/workerpool"
)

// fakeTransport feeds scripted lines to the router and records written
// commands.
type fakeTransport struct {
	mu      sync.Mutex
	written []string
	lines   chan string

	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{lines: make(chan string, 64)}
}

func (t *fakeTransport) WriteLine(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, line)
	return nil
}

func (t *fakeTransport) ReadLine() (string, error) {
	line, ok := <-t.lines
	if !ok {
		return "", io.EOF
	}
	return line, nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.lines) })
	return nil
}

func (t *fakeTransport) push(line string) {
	t.lines <- line
}

func (t *fakeTransport) allWritten() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.written...)
}

func (t *fakeTransport) lastWritten() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.written) == 0 {
		return ""
	}
	return t.written[len(t.written)-1]
}

func newTestRouter(t *testing.T) (*Router, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	pool := workerpool.New(2)
	r := NewRouter(tr, NewGuard(), pool)
	t.Cleanup(func() {
		r.Close()
		pool.StopWait()
	})
	return r, tr
}

func TestSendAsyncTokens(t *testing.T) {
	r, tr := newTestRouter(t)

	tok, err := r.SendAsync("-exec-continue")
	if err != nil {
		t.Fatalf("SendAsync: %v", err)
	}
	if tok != 1000 {
		t.Errorf("first token = %d, want 1000", tok)
	}
	if got := tr.lastWritten(); got != "1000-exec-continue" {
		t.Errorf("written = %q, want 1000-exec-continue", got)
	}

	tok, _ = r.SendAsync("-exec-interrupt --all")
	if tok != 1001 {
		t.Errorf("second token = %d, want 1001", tok)
	}
}

func TestSendSyncResult(t *testing.T) {
	r, tr := newTestRouter(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.push(`1000^done,value="0x42"`)
	}()

	rec, err := r.SendSync(`-data-evaluate-expression "x"`, time.Second)
	if err != nil {
		t.Fatalf("SendSync: %v", err)
	}
	if got := rec.Field("value"); got != "0x42" {
		t.Errorf("value = %q, want 0x42", got)
	}
}

func TestSendSyncConcurrentCallers(t *testing.T) {
	r, tr := newTestRouter(t)

	const callers = 64

	// Answer written commands in reversed batches so results come back
	// out of issuance order.
	go func() {
		served := 0
		for served < callers {
			lines := tr.allWritten()[served:]
			if len(lines) == 0 {
				time.Sleep(time.Millisecond)
				continue
			}
			for i := len(lines) - 1; i >= 0; i-- {
				line := lines[i]
				tok := line[:strings.IndexByte(line, '-')]
				arg := line[strings.LastIndexByte(line, ' ')+1:]
				tr.push(fmt.Sprintf(`%s^done,value="%s"`, tok, arg))
			}
			served += len(lines)
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("call_%d", i)
			rec, err := r.SendSync("-data-evaluate-expression "+want, 5*time.Second)
			if err != nil {
				errs <- fmt.Sprintf("SendSync %s: %v", want, err)
				return
			}
			if got := rec.Field("value"); got != want {
				errs <- fmt.Sprintf("caller %d got value %q, want %q", i, got, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestSendSyncError(t *testing.T) {
	r, tr := newTestRouter(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.push(`1000^error,msg="No symbol \"bogus\" in current context."`)
	}()

	_, err := r.SendSync(`-data-evaluate-expression "bogus"`, time.Second)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("SendSync error = %v, want *CommandError", err)
	}
	if !strings.Contains(cmdErr.Msg, "bogus") {
		t.Errorf("error message = %q, want symbol name included", cmdErr.Msg)
	}
}

func TestSendSyncBenignErrorsDowngrade(t *testing.T) {
	benign := []string{
		`1000^error,msg="Unable to fetch, stopped while in a function called from GDB"`,
		`1000^error,msg="Unknown remote qXfer reply: OK"`,
	}
	for _, line := range benign {
		r, tr := newTestRouter(t)
		line := line
		go func() {
			time.Sleep(10 * time.Millisecond)
			tr.push(line)
		}()
		if _, err := r.SendSync("-exec-next", time.Second); err != nil {
			t.Errorf("SendSync with benign error %q = %v, want nil", line, err)
		}
		r.Close()
	}
}

func TestSendSyncTargetRunningError(t *testing.T) {
	r, tr := newTestRouter(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.push(`1000^error,msg="Cannot execute this command while the target is running."`)
	}()

	_, err := r.SendSync("-thread-info", time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "must be halted") {
		t.Errorf("error = %v, want halted-target wrap", err)
	}
}

func TestSendSyncContextViolation(t *testing.T) {
	r, _ := newTestRouter(t)

	if err := r.Guard().Acquire("bp-1", ContextIntercept); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_, err := r.SendSync("-exec-next", time.Second)
	if !errors.Is(err, ErrContextViolation) {
		t.Fatalf("SendSync in intercept context = %v, want ErrContextViolation", err)
	}
}

func TestNotifySubscription(t *testing.T) {
	r, tr := newTestRouter(t)

	specific := NewNotifyQueue(nil, nil)
	wildcard := NewNotifyQueue(nil, nil)
	r.Subscribe(specific, "stopped", "breakpoint-hit")
	r.Subscribe(wildcard, "stopped", "")

	tr.push(`*stopped,reason="breakpoint-hit",bkptno="2"`)

	rec, err := specific.Wait(time.Second)
	if err != nil {
		t.Fatalf("specific Wait: %v", err)
	}
	if got := rec.Field("bkptno"); got != "2" {
		t.Errorf("bkptno = %q, want 2", got)
	}

	// The wildcard subscriber sees the same notification.
	if _, err := wildcard.Wait(time.Second); err != nil {
		t.Fatalf("wildcard Wait: %v", err)
	}

	// A reason without a specific subscriber still reaches the wildcard.
	tr.push(`*stopped,reason="end-stepping-range"`)
	rec, err = wildcard.Wait(time.Second)
	if err != nil {
		t.Fatalf("wildcard Wait: %v", err)
	}
	if rec.Reason != "end-stepping-range" {
		t.Errorf("reason = %q, want end-stepping-range", rec.Reason)
	}
}

func TestUnclaimedNotify(t *testing.T) {
	r, tr := newTestRouter(t)

	tr.push(`=thread-group-started,id="i1",pid="42"`)

	rec, err := r.UnclaimedNotify(NotifyKey{Event: "thread-group-started"}, time.Second)
	if err != nil {
		t.Fatalf("UnclaimedNotify: %v", err)
	}
	if got := rec.Field("pid"); got != "42" {
		t.Errorf("pid = %q, want 42", got)
	}
}

func TestConsoleResponseRouting(t *testing.T) {
	r, tr := newTestRouter(t)

	id := r.NextRespID()
	if id != 8000 {
		t.Fatalf("first resp id = %d, want 8000", id)
	}

	tr.push(`~"TETHER_RESP, 8000, tether-is-running, NO, TETHER_RESP_END\n"`)

	rec, err := r.WaitConsole(id, time.Second)
	if err != nil {
		t.Fatalf("WaitConsole: %v", err)
	}
	if !strings.Contains(rec.Payload, "tether-is-running") {
		t.Errorf("payload = %q", rec.Payload)
	}
}

func TestTransportFailureFailsWaiters(t *testing.T) {
	r, tr := newTestRouter(t)

	errc := make(chan error, 1)
	go func() {
		_, err := r.SendSync("-exec-next", 0)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	tr.Close() // receive loop sees EOF

	select {
	case err := <-errc:
		if !errors.Is(err, ErrTransportClosed) {
			t.Errorf("SendSync after transport loss = %v, want ErrTransportClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending SendSync not failed by transport loss")
	}

	// New commands fail fast.
	if _, err := r.SendAsync("-exec-next"); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("SendAsync after transport loss = %v, want ErrTransportClosed", err)
	}
}
