package mi

import (
	"time"

	"github.com/gammazero/workerpool"
	"github.com/golang/glog"
)

// notifyQueueDepth bounds how many undelivered notifications a queue holds.
// The router never blocks on a slow consumer; overflow is dropped loudly.
const notifyQueueDepth = 128

// NotifyQueue is a Subscriber that buffers notifications for synchronous
// consumption and optionally runs a callback per notification on the shared
// worker pool, keeping the router loop free of user-visible work.
type NotifyQueue struct {
	ch       chan *Record
	pool     *workerpool.WorkerPool
	callback func()
}

// NewNotifyQueue creates a queue. If callback is non-nil it is submitted to
// pool for every delivered notification.
func NewNotifyQueue(pool *workerpool.WorkerPool, callback func()) *NotifyQueue {
	return &NotifyQueue{
		ch:       make(chan *Record, notifyQueueDepth),
		pool:     pool,
		callback: callback,
	}
}

// Notify implements Subscriber. It never blocks the caller.
func (q *NotifyQueue) Notify(rec *Record) {
	select {
	case q.ch <- rec:
	default:
		glog.Warningf("mi: notification queue full, dropping %s/%s", rec.Message, rec.Reason)
		return
	}
	if q.callback != nil && q.pool != nil {
		q.pool.Submit(q.callback)
	}
}

// Wait blocks until a notification is available or timeout expires.
// A timeout of 0 waits forever.
func (q *NotifyQueue) Wait(timeout time.Duration) (*Record, error) {
	if timeout <= 0 {
		return <-q.ch, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rec := <-q.ch:
		return rec, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// TryWait returns the next buffered notification without blocking.
func (q *NotifyQueue) TryWait() (*Record, bool) {
	select {
	case rec := <-q.ch:
		return rec, true
	default:
		return nil, false
	}
}
