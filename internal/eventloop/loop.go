// Package eventloop runs every chat state mutation on a single goroutine.
// Socket frames, timers, periodic ticks and completions of blocking work are posted
// into one FIFO queue and executed in order, so state components need no locks.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/robfig/cron/v3"
)

// ErrStopped is returned when posting to a loop that has exited.
var ErrStopped = errors.New("eventloop: stopped")

// Timer is a cancellable handle. Stop must be called on the loop goroutine;
// after it returns the callback is guaranteed not to run.
type Timer interface {
	Stop() bool
}

// Scheduler is what the chat engine needs from its host event queue.
type Scheduler interface {
	Now() time.Time
	// AfterFunc runs f on the loop once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
	// Every runs f on the loop at a fixed interval until stopped.
	Every(d time.Duration, f func()) Timer
	// Go runs work off the loop and then runs then on the loop.
	Go(work func(), then func())
}

// Loop is the production Scheduler.
// Lifecycle: New -> Run(ctx) (blocks) -> ctx cancelled -> pending tasks dropped.
type Loop struct {
	tasks chan func()
	cron  *cron.Cron
	done  chan struct{}
	once  sync.Once
}

// New creates a loop with a task queue of the given capacity.
func New(queue int) *Loop {
	if queue <= 0 {
		queue = 1024
	}
	return &Loop{
		tasks: make(chan func(), queue),
		cron:  cron.New(cron.WithSeconds()),
		done:  make(chan struct{}),
	}
}

// Run executes posted tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	l.cron.Start()
	defer func() {
		// done first: cron jobs blocked in Post must be released before Stop waits on them.
		l.once.Do(func() { close(l.done) })
		<-l.cron.Stop().Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-l.tasks:
			l.exec(f)
		}
	}
}

func (l *Loop) exec(f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("eventloop: panic recovered: %v", r)
		}
	}()
	f()
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Post enqueues f. It blocks while the queue is full so that no frame is lost or
// reordered, and fails only when the loop has exited.
func (l *Loop) Post(f func()) error {
	select {
	case l.tasks <- f:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Call runs f on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		f()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

func (l *Loop) Now() time.Time { return time.Now() }

// loopTimer is stopped on the loop goroutine; the stopped flag is read there too,
// so a callback already queued before Stop is discarded.
type loopTimer struct {
	stopped bool
	stop    func() bool
}

func (t *loopTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	return t.stop()
}

func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	lt := &loopTimer{}
	tm := time.AfterFunc(d, func() {
		_ = l.Post(func() {
			if lt.stopped {
				return
			}
			lt.stopped = true
			f()
		})
	})
	lt.stop = tm.Stop
	return lt
}

// Every schedules f through cron's constant-delay schedule. Intervals below one
// second are rounded up by cron.
func (l *Loop) Every(d time.Duration, f func()) Timer {
	lt := &loopTimer{}
	id := l.cron.Schedule(cron.Every(d), cron.FuncJob(func() {
		_ = l.Post(func() {
			if !lt.stopped {
				f()
			}
		})
	}))
	lt.stop = func() bool {
		l.cron.Remove(id)
		return true
	}
	return lt
}

func (l *Loop) Go(work func(), then func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("eventloop: panic in background work: %v", r)
			}
		}()
		work()
		if then != nil {
			if err := l.Post(then); err != nil {
				logger.Debugf("eventloop: completion dropped: %v", err)
			}
		}
	}()
}

func (l *Loop) String() string {
	return fmt.Sprintf("eventloop(queued=%d)", len(l.tasks))
}
