// Package loop provides the single-goroutine reactor that owns all session
// state. Other goroutines talk to it only by posting tasks.
package loop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
)

// Task is a unit of work executed on the loop goroutine.
type Task func()

// Poster is the posting side of an EventLoop.
type Poster interface {
	PostTask(t Task) bool
	PostDelayTask(d time.Duration, t Task) *Timer
}

// EventLoop runs posted tasks one at a time, in posting order, on the
// goroutine that calls Run.
type EventLoop struct {
	mu      sync.Mutex
	tasks   *queue.Queue
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	running  atomic.Bool
	stopOnce sync.Once
}

var _ Poster = (*EventLoop)(nil)

func New() *EventLoop {
	return &EventLoop{
		tasks: queue.New(),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// PostTask enqueues t. It never blocks and reports false once the loop
// has been stopped.
func (l *EventLoop) PostTask(t Task) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks.Add(t)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// PostDelayTask posts t after d. The returned Timer cancels it; a
// cancelled task never runs, even if its timer already fired.
func (l *EventLoop) PostDelayTask(d time.Duration, t Task) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		if tm.cancelled.Load() {
			return
		}
		l.PostTask(func() {
			if tm.cancelled.Load() {
				return
			}
			t()
		})
	})
	return tm
}

// Run executes tasks until Stop. Tasks still queued at Stop are dropped.
func (l *EventLoop) Run() {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	defer close(l.done)

	for {
		t, ok := l.next()
		if ok {
			l.exec(t)
			continue
		}
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}
	}
}

func (l *EventLoop) next() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || l.tasks.Length() == 0 {
		return nil, false
	}
	return l.tasks.Remove().(Task), true
}

func (l *EventLoop) exec(t Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "loop").Interface("panic", r).Msg("task panicked")
		}
	}()
	t()
}

// Pending returns the number of queued tasks.
func (l *EventLoop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tasks.Length()
}

// Stop makes the loop exit after the task in progress. It does not wait;
// use Done for that. Safe to call from a task.
func (l *EventLoop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		close(l.quit)
	})
}

// Done is closed when Run has returned.
func (l *EventLoop) Done() <-chan struct{} { return l.done }

// Timer is a cancellable delayed task.
type Timer struct {
	t         *time.Timer
	cancelled atomic.Bool
}

// Cancel prevents the task from running. Nil-safe.
func (tm *Timer) Cancel() {
	if tm == nil {
		return
	}
	tm.cancelled.Store(true)
	tm.t.Stop()
}
