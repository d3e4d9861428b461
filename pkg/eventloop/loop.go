package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"sitesync/pkg/exception"
)

// Timer is a pending callback that can be cancelled before it runs.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// Scheduler serializes callbacks. Every component in this module mutates its
// state only from callbacks running on its scheduler.
type Scheduler interface {
	Now() time.Time
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
}

// Loop is a single-goroutine Scheduler backed by the wall clock.
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	signal chan struct{}
	closed atomic.Bool
}

// New allocates an idle loop. Call Run to start executing callbacks.
func New() *Loop {
	return &Loop{
		tasks:  make([]func(), 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Now returns the wall clock time.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Post queues fn to run on the loop goroutine. It never blocks.
func (l *Loop) Post(fn func()) {
	if fn == nil || l.closed.Load() {
		return
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// AfterFunc posts fn onto the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return t
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	if l.closed.Load() {
		return exception.ErrConnectionClose
	}
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Close stops the loop from accepting new callbacks.
func (l *Loop) Close() {
	if l.closed.CompareAndSwap(false, true) {
		select {
		case l.signal <- struct{}{}:
		default:
		}
	}
}

// Run executes queued callbacks until the context is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	for {
		for {
			fn, ok := l.pop()
			if !ok {
				break
			}
			l.invoke(fn)
		}
		if l.closed.Load() {
			return exception.ErrConnectionClose
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.signal:
		}
	}
}

func (l *Loop) pop() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil, false
	}
	fn := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return fn, true
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("event loop callback panic: %+v", r)
		}
	}()
	fn()
}

type loopTimer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

func (t *loopTimer) Stop() bool {
	if !t.stopped.CompareAndSwap(false, true) {
		return false
	}
	t.timer.Stop()
	return true
}
