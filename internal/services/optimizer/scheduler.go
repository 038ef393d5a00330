package optimizer

import (
	"context"
	"sync"
	"time"
)

// Priority orders requests that are waiting for an upstream slot
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the priority name used in logs
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// DefaultMaxWait is how long a request may wait before it jumps the priority order
const DefaultMaxWait = 2 * time.Second

// scheduler hands out a fixed number of upstream slots. A free slot goes to the waiter
// that has waited at least maxWait (oldest first); otherwise to the highest priority,
// first come first served within a priority.
type scheduler struct {
	mu      sync.Mutex
	slots   int
	active  int
	maxWait time.Duration
	now     func() time.Time
	seq     uint64
	waiting []*ticket
}

type ticket struct {
	priority Priority
	enqueued time.Time
	seq      uint64
	ready    chan struct{}
	granted  bool
}

func newScheduler(slots int, maxWait time.Duration, now func() time.Time) *scheduler {
	if slots <= 0 {
		slots = 1
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &scheduler{slots: slots, maxWait: maxWait, now: now}
}

// acquire blocks until a slot is granted or ctx is done
func (s *scheduler) acquire(ctx context.Context, p Priority) error {
	s.mu.Lock()
	if s.active < s.slots && len(s.waiting) == 0 {
		s.active++
		s.mu.Unlock()
		return nil
	}
	s.seq++
	t := &ticket{priority: p, enqueued: s.now(), seq: s.seq, ready: make(chan struct{})}
	s.waiting = append(s.waiting, t)
	s.mu.Unlock()

	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if t.granted {
			s.mu.Unlock()
			s.release()
			return ctx.Err()
		}
		for i, w := range s.waiting {
			if w == t {
				s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active > 0 {
		s.active--
	}
	for s.active < s.slots && len(s.waiting) > 0 {
		i := s.nextLocked()
		t := s.waiting[i]
		s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
		t.granted = true
		s.active++
		close(t.ready)
	}
}

func (s *scheduler) nextLocked() int {
	now := s.now()
	best := -1
	for i, t := range s.waiting {
		if now.Sub(t.enqueued) < s.maxWait {
			continue
		}
		if best == -1 || t.seq < s.waiting[best].seq {
			best = i
		}
	}
	if best >= 0 {
		return best
	}
	for i, t := range s.waiting {
		if best == -1 {
			best = i
			continue
		}
		b := s.waiting[best]
		if t.priority > b.priority || (t.priority == b.priority && t.seq < b.seq) {
			best = i
		}
	}
	return best
}

func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}
