package target

import (
	"fmt"
	"sync"
	"time"
)

// runState tracks whether the target is executing. It is written only from
// notification handling (and the step commands, which pre-set running before
// the debugger confirms). Waiters observe transitions through a broadcast
// channel replaced on every change.
type runState struct {
	mu      sync.Mutex
	running bool
	changed chan struct{}
}

func newRunState() *runState {
	return &runState{changed: make(chan struct{})}
}

func (s *runState) set(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = running
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *runState) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// watch returns the current state together with a channel that closes on
// the next transition.
func (s *runState) watch() (bool, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.changed
}

// waitFor blocks until the state equals want or the deadline passes.
func (s *runState) waitFor(want bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		cur, ch := s.watch()
		if cur == want {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("run state still %s after %v", stateName(cur), timeout)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func stateName(running bool) string {
	if running {
		return "running"
	}
	return "halted"
}
