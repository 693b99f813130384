package mi

import (
	"sync"
	"time"
)

// BlockingStore is a keyed single-slot mailbox. Put stores a value under a
// key and wakes waiters; Pop blocks until the key is present or the timeout
// expires. A second Put for the same key before a Pop overwrites the slot.
type BlockingStore struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  map[any]*Record
	closed bool
	err    error
}

// NewBlockingStore creates an empty store.
func NewBlockingStore() *BlockingStore {
	s := &BlockingStore{items: make(map[any]*Record)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Put stores value under key and wakes all waiters. Values put after Close
// are dropped.
func (s *BlockingStore) Put(key any, value *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.items[key] = value
	s.cond.Broadcast()
}

// Pop removes and returns the value stored under key, blocking until it is
// available. A timeout of 0 means wait forever. On expiry ErrTimeout is
// returned; after Close the close error is returned immediately.
func (s *BlockingStore) Pop(key any, timeout time.Duration) (*Record, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		t := time.AfterFunc(timeout, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		defer t.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return nil, s.err
		}
		if v, ok := s.items[key]; ok {
			delete(s.items, key)
			return v, nil
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}
		s.cond.Wait()
	}
}

// Close fails all current and future waiters with err.
func (s *BlockingStore) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	if s.err == nil {
		s.err = ErrTransportClosed
	}
	s.cond.Broadcast()
}
