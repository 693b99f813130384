package bp

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/tetherlab/tether/internal/mi"
)

// dispatchPoll is the queue poll timeout of the dispatch loop; it bounds
// how long a Stop call can go unobserved.
const dispatchPoll = 100 * time.Millisecond

// Dispatcher routes "breakpoint-hit" stop notifications to the owning
// halting breakpoint by debugger-assigned number. Unknown numbers are
// logged and dropped. It runs its own loop for the lifetime of a session.
type Dispatcher struct {
	queue *mi.NotifyQueue

	mu     sync.Mutex
	points map[int]*HaltPoint

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher, subscribes it to breakpoint-hit stop
// notifications on r, and starts its loop.
func NewDispatcher(r *mi.Router) *Dispatcher {
	d := &Dispatcher{
		queue:  mi.NewNotifyQueue(nil, nil),
		points: make(map[int]*HaltPoint),
		done:   make(chan struct{}),
	}
	r.Subscribe(d.queue, "stopped", "breakpoint-hit")
	d.wg.Add(1)
	go d.run()
	return d
}

// Stop terminates the dispatch loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}

func (d *Dispatcher) add(p *HaltPoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.points[p.num] = p
}

func (d *Dispatcher) remove(p *HaltPoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.points, p.num)
}

// lookup returns the registered breakpoint for a debugger number.
func (d *Dispatcher) lookup(num int) (*HaltPoint, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.points[num]
	return p, ok
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case <-d.done:
			return
		default:
		}

		rec, err := d.queue.Wait(dispatchPoll)
		if err != nil {
			if !errors.Is(err, mi.ErrTimeout) {
				return
			}
			continue
		}
		d.dispatch(rec)
	}
}

func (d *Dispatcher) dispatch(rec *mi.Record) {
	if rec.Reason != "breakpoint-hit" {
		glog.Errorf("bp: stop notification with unexpected reason %q", rec.Reason)
		return
	}

	numStr := rec.Field("bkptno")
	num, err := strconv.Atoi(numStr)
	if err != nil {
		glog.Warningf("bp: stop notification without usable bkptno: %q", numStr)
		return
	}

	p, ok := d.lookup(num)
	if !ok {
		glog.Warningf("bp: breakpoint number %d not found in list of known breakpoints", num)
		return
	}
	p.hit(rec)
}
