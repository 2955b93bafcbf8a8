// Package sched provides a task scheduler that owns every timer it
// creates, so that disposing the scheduler reliably cancels all
// outstanding callbacks. Components hand their delayed work to a
// Scheduler instead of calling time.AfterFunc directly; tearing down
// a scope then cannot leave an orphaned timer mutating disposed state.
package sched

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handle represents a single scheduled callback. Cancel is idempotent
// and safe to call after the callback has fired.
type Handle struct {
	id    uint64
	timer *time.Timer
	s     *Scheduler

	mu   sync.Mutex
	done bool
}

// Cancel stops the callback if it has not fired yet. Repeated calls
// are no-ops.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	h.mu.Unlock()

	h.timer.Stop()
	h.s.forget(h.id)
}

// markFired records that the callback ran, so a later Cancel is a no-op.
// Returns false if the handle was cancelled (or the scheduler closed)
// before the timer fired, in which case the callback must not run.
func (h *Handle) markFired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return false
	}
	h.done = true
	return true
}

// Scheduler creates and tracks cancellable timers. The zero value is
// not usable; construct with New.
type Scheduler struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Handle
	closed  bool
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		pending: make(map[uint64]*Handle),
	}
}

// After schedules fn to run once after d. The returned handle can
// cancel the callback. If the scheduler is already closed the callback
// never runs and the returned handle is inert.
func (s *Scheduler) After(d time.Duration, fn func()) *Handle {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "After",
			"delay":    d,
		}).Debug("Scheduler closed, dropping timer")
		return &Handle{done: true, s: s, timer: time.NewTimer(0)}
	}

	s.nextID++
	h := &Handle{id: s.nextID, s: s}
	s.pending[h.id] = h
	s.mu.Unlock()

	h.timer = time.AfterFunc(d, func() {
		if !h.markFired() {
			return
		}
		s.forget(h.id)
		fn()
	})
	return h
}

// forget drops a handle from the pending set.
func (s *Scheduler) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Pending returns the number of timers that have neither fired nor
// been cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close cancels every outstanding timer and rejects all future After
// calls. Close is idempotent; a closed scheduler never fires a
// callback again.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := make([]*Handle, 0, len(s.pending))
	for _, h := range s.pending {
		handles = append(handles, h)
	}
	s.pending = make(map[uint64]*Handle)
	s.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		fired := h.done
		h.done = true
		h.mu.Unlock()
		if !fired && h.timer != nil {
			h.timer.Stop()
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Close",
		"cancelled": len(handles),
	}).Debug("Scheduler closed")
}
