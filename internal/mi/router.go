package mi

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/golang/glog"
)

// RespMarker tags console output lines that carry a response to a companion
// script command. The numeric response id follows as the second
// comma-separated field.
const RespMarker = "TETHER_RESP"

const (
	// firstToken is the initial MI request token.
	firstToken = 1000
	// firstRespID is the initial companion command response id. The ranges
	// are disjoint so a stray value is recognizable in traces.
	firstRespID = 8000
)

// NotifyKey identifies a notification class for subscription and for
// retrieval of unclaimed notifications. An empty Reason acts as wildcard.
type NotifyKey struct {
	Event  string
	Reason string
}

// Subscriber receives notification records routed by the Router.
type Subscriber interface {
	Notify(rec *Record)
}

// Router drives the debugger connection: it writes token-prefixed commands
// and runs a loop that classifies every output record, completes pending
// requests, and fans notifications out to subscribers.
//
// A transport I/O failure is fatal to the session: the loop exits, all
// pending and future waits fail with ErrTransportClosed.
type Router struct {
	tr    Transport
	guard *Guard
	pool  *workerpool.WorkerPool

	nextToken  atomic.Int64
	nextRespID atomic.Int64

	results *BlockingStore
	console *BlockingStore
	notify  *BlockingStore

	subMu sync.Mutex
	subs  map[NotifyKey][]Subscriber

	closeOnce sync.Once
	done      chan struct{}

	errMu sync.RWMutex
	err   error
}

// NewRouter creates a router over the given transport and starts its
// receive loop. Notification side effects run on pool so the loop itself
// never executes user-visible work.
func NewRouter(tr Transport, guard *Guard, pool *workerpool.WorkerPool) *Router {
	r := &Router{
		tr:      tr,
		guard:   guard,
		pool:    pool,
		results: NewBlockingStore(),
		console: NewBlockingStore(),
		notify:  NewBlockingStore(),
		subs:    make(map[NotifyKey][]Subscriber),
		done:    make(chan struct{}),
	}
	r.nextToken.Store(firstToken - 1)
	r.nextRespID.Store(firstRespID - 1)
	go r.receiveLoop()
	return r
}

// Guard returns the context guard serializing traffic on this connection.
func (r *Router) Guard() *Guard {
	return r.guard
}

// Pool returns the shared notification worker pool.
func (r *Router) Pool() *workerpool.WorkerPool {
	return r.pool
}

// Err returns the transport error that terminated the receive loop, if any.
func (r *Router) Err() error {
	r.errMu.RLock()
	defer r.errMu.RUnlock()
	return r.err
}

// Close shuts down the router and the transport. Pending waiters fail with
// ErrTransportClosed.
func (r *Router) Close() error {
	r.fail(nil)
	return r.tr.Close()
}

// NextRespID allocates a response id for a companion script command whose
// answer arrives as console output.
func (r *Router) NextRespID() int64 {
	return r.nextRespID.Add(1)
}

// SendAsync writes "<token><cmd>" to the debugger and returns the token
// without waiting for a result.
func (r *Router) SendAsync(cmd string) (int64, error) {
	select {
	case <-r.done:
		return 0, ErrTransportClosed
	default:
	}

	token := r.nextToken.Add(1)
	if glog.V(2) {
		glog.Infof("mi: %d write: %s", token, cmd)
	}
	if err := r.tr.WriteLine(fmt.Sprintf("%d%s", token, cmd)); err != nil {
		return 0, fmt.Errorf("send %q: %w", cmd, err)
	}
	return token, nil
}

// SendSync sends cmd and blocks until its result record arrives or timeout
// expires. A timeout of 0 waits forever. It fails fast with
// ErrContextViolation when the guard is not in normal context, so test code
// cannot interleave with an active intercept handler.
func (r *Router) SendSync(cmd string, timeout time.Duration) (*Record, error) {
	if ctx := r.guard.Current(); ctx != ContextNormal {
		if ctx == ContextIntercept {
			return nil, fmt.Errorf("%w: use the intercept point's exec/eval while its handler is active", ErrContextViolation)
		}
		return nil, ErrContextViolation
	}

	token, err := r.SendAsync(cmd)
	if err != nil {
		return nil, err
	}

	rec, err := r.results.Pop(token, timeout)
	if err != nil {
		return nil, err
	}
	return rec, resultError(rec)
}

// WaitConsole blocks until the console record with the given response id
// arrives. Id 0 is the default slot for console output without a marker.
func (r *Router) WaitConsole(respID int64, timeout time.Duration) (*Record, error) {
	return r.console.Pop(respID, timeout)
}

// Subscribe registers sub for notifications with the given event name.
// An empty reason subscribes to any reason not claimed by a more specific
// subscriber.
func (r *Router) Subscribe(sub Subscriber, event, reason string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	key := NotifyKey{Event: event, Reason: reason}
	r.subs[key] = append(r.subs[key], sub)
}

// UnclaimedNotify retrieves a stored notification that no subscriber
// claimed when it arrived.
func (r *Router) UnclaimedNotify(key NotifyKey, timeout time.Duration) (*Record, error) {
	return r.notify.Pop(key, timeout)
}

func (r *Router) receiveLoop() {
	for {
		line, err := r.tr.ReadLine()
		if line != "" {
			if rec := ParseRecord(line); rec != nil {
				r.route(rec)
			}
		}
		if err != nil {
			select {
			case <-r.done:
			default:
				glog.Errorf("mi: transport read failed, session is dead: %v", err)
			}
			r.fail(err)
			return
		}
	}
}

func (r *Router) route(rec *Record) {
	switch rec.Kind {
	case KindResult:
		if rec.Token == 0 {
			glog.Warningf("mi: result record without token: %s %s", rec.Message, rec.Payload)
			return
		}
		r.results.Put(rec.Token, rec)

	case KindConsole:
		if strings.Contains(rec.Payload, RespMarker) {
			id, ok := consoleRespID(rec.Payload)
			if !ok {
				glog.Warningf("mi: console response with unparsable id: %s", rec.Payload)
				return
			}
			r.console.Put(id, rec)
			return
		}
		r.console.Put(int64(0), rec)

	case KindNotify:
		r.routeNotify(rec)

	default:
		// Raw output, target and log records carry nothing the core needs.
	}
}

func (r *Router) routeNotify(rec *Record) {
	key := NotifyKey{Event: rec.Message, Reason: rec.Reason}

	r.subMu.Lock()
	specific := append([]Subscriber(nil), r.subs[key]...)
	wildcard := append([]Subscriber(nil), r.subs[NotifyKey{Event: rec.Message}]...)
	r.subMu.Unlock()

	notified := make(map[Subscriber]bool, len(specific))
	for _, sub := range specific {
		sub.Notify(rec)
		notified[sub] = true
	}
	if rec.Reason != "" {
		for _, sub := range wildcard {
			if !notified[sub] {
				sub.Notify(rec)
				notified[sub] = true
			}
		}
	}

	// Notifications nobody claimed are kept for synchronous retrieval.
	if len(notified) == 0 {
		r.notify.Put(key, rec)
	}
}

func (r *Router) fail(err error) {
	r.closeOnce.Do(func() {
		r.errMu.Lock()
		r.err = err
		r.errMu.Unlock()

		close(r.done)
		r.results.Close(ErrTransportClosed)
		r.console.Close(ErrTransportClosed)
		r.notify.Close(ErrTransportClosed)
	})
}

// consoleRespID extracts the response id from a marked console payload,
// e.g. "TETHER_RESP, 8003, tether-is-running, NO, TETHER_RESP_END".
func consoleRespID(payload string) (int64, bool) {
	parts := strings.Split(payload, ",")
	if len(parts) < 2 {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Known-benign debugger error texts that are reported but must not fail the
// issuing command.
const (
	benignStoppedInCall = "stopped while in a function called from GDB"
	benignQXferReply    = "Unknown remote qXfer reply: OK"
	errTargetRunning    = "Cannot execute this command while the target is running"
)

// resultError maps an error result record to a Go error. The two benign
// message patterns downgrade to warnings.
func resultError(rec *Record) error {
	if rec.Message != "error" {
		return nil
	}
	msg := rec.Field("msg")
	switch {
	case strings.Contains(msg, benignStoppedInCall):
		glog.Warningf("mi: target stopped by the debugger, likely a halting breakpoint hit during an eval function call; " +
			"use an intercept point to run code at that location while evaluating")
		return nil
	case strings.Contains(msg, benignQXferReply):
		glog.Warningf("mi: received message: %s", msg)
		return nil
	case strings.Contains(msg, errTargetRunning):
		return fmt.Errorf("target must be halted to execute the requested command: %w", &CommandError{Msg: msg})
	default:
		return &CommandError{Msg: msg}
	}
}
