package testutil

import (
	"sort"
	"sync"
	"time"

	"sitesync/pkg/eventloop"
)

// Epoch is the virtual time a Scheduler starts at.
var Epoch = time.Date(2024, time.March, 4, 8, 0, 0, 0, time.UTC)

// Scheduler is a deterministic eventloop.Scheduler for tests.
//
// Callbacks run on the goroutine that calls Post, Advance or a method that
// posts; callbacks posted while another callback runs are queued and run
// after it, in order. Time only moves through Advance.
type Scheduler struct {
	mu      sync.Mutex
	now     time.Time
	tasks   []func()
	timers  []*fakeTimer
	seq     int64
	running bool
}

var _ eventloop.Scheduler = (*Scheduler)(nil)

// NewScheduler creates a scheduler at Epoch.
func NewScheduler() *Scheduler {
	return &Scheduler{now: Epoch}
}

// Now returns the virtual time.
func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Post queues fn and drains the queue unless a callback is already running.
func (s *Scheduler) Post(fn func()) {
	s.mu.Lock()
	s.tasks = append(s.tasks, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		next := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.mu.Unlock()
		next()
	}
}

// AfterFunc registers fn to run once the virtual clock passes d from now.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) eventloop.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &fakeTimer{s: s, at: s.now.Add(d), seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers in deadline order.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		t := s.nextDue(target)
		if t == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		s.now = t.at
		t.done = true
		s.mu.Unlock()
		s.Post(t.fn)
	}
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// NextDeadline returns the delay until the earliest pending timer.
func (s *Scheduler) NextDeadline() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.nextDue(time.Time{})
	if t == nil {
		return 0, false
	}
	return t.at.Sub(s.now), true
}

// nextDue returns the earliest pending timer at or before limit; a zero limit
// means no bound. Caller holds mu.
func (s *Scheduler) nextDue(limit time.Time) *fakeTimer {
	pending := s.timers[:0]
	for _, t := range s.timers {
		if !t.done {
			pending = append(pending, t)
		}
	}
	s.timers = pending
	if len(pending) == 0 {
		return nil
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].at.Equal(pending[j].at) {
			return pending[i].seq < pending[j].seq
		}
		return pending[i].at.Before(pending[j].at)
	})
	first := pending[0]
	if !limit.IsZero() && first.at.After(limit) {
		return nil
	}
	return first
}

type fakeTimer struct {
	s    *Scheduler
	at   time.Time
	seq  int64
	fn   func()
	done bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
