// Package looptest provides a deterministic eventloop.Scheduler driven by virtual time.
// Everything runs on the caller's goroutine: timers fire inside Advance, background
// work completes inside Flush.
package looptest

import (
	"sort"
	"time"

	"github.com/chatsync/internal/eventloop"
)

// Manual is a virtual-time scheduler for tests.
type Manual struct {
	now     time.Time
	seq     int
	timers  []*timer
	pending []job
}

type job struct {
	work func()
	then func()
}

type timer struct {
	at      time.Time
	seq     int
	every   time.Duration
	f       func()
	stopped bool
}

func (t *timer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// New starts virtual time at start.
func New(start time.Time) *Manual {
	return &Manual{now: start}
}

var _ eventloop.Scheduler = (*Manual)(nil)

func (m *Manual) Now() time.Time { return m.now }

func (m *Manual) schedule(d time.Duration, every time.Duration, f func()) *timer {
	m.seq++
	t := &timer{at: m.now.Add(d), seq: m.seq, every: every, f: f}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) AfterFunc(d time.Duration, f func()) eventloop.Timer {
	return m.schedule(d, 0, f)
}

func (m *Manual) Every(d time.Duration, f func()) eventloop.Timer {
	return m.schedule(d, d, f)
}

// Go queues work; it runs only when Flush is called, which lets tests interleave
// other events between an action and its completion.
func (m *Manual) Go(work func(), then func()) {
	m.pending = append(m.pending, job{work: work, then: then})
}

// Pending is the number of queued background jobs.
func (m *Manual) Pending() int { return len(m.pending) }

// Flush runs all queued background work and completions in FIFO order, including
// work queued by completions.
func (m *Manual) Flush() {
	for len(m.pending) > 0 {
		j := m.pending[0]
		m.pending = m.pending[1:]
		j.work()
		if j.then != nil {
			j.then()
		}
	}
}

// FlushOne runs the oldest queued job. It reports false when nothing was queued.
func (m *Manual) FlushOne() bool {
	if len(m.pending) == 0 {
		return false
	}
	j := m.pending[0]
	m.pending = m.pending[1:]
	j.work()
	if j.then != nil {
		j.then()
	}
	return true
}

// Advance moves virtual time forward by d, firing due timers in time order.
func (m *Manual) Advance(d time.Duration) {
	end := m.now.Add(d)
	for {
		t := m.next(end)
		if t == nil {
			break
		}
		m.now = t.at
		if t.every > 0 {
			t.at = t.at.Add(t.every)
		} else {
			t.stopped = true
		}
		t.f()
	}
	m.now = end
	m.compact()
}

// Active is the number of live timers.
func (m *Manual) Active() int {
	m.compact()
	return len(m.timers)
}

func (m *Manual) next(end time.Time) *timer {
	m.compact()
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at.Equal(m.timers[j].at) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].at.Before(m.timers[j].at)
	})
	for _, t := range m.timers {
		if !t.at.After(end) {
			return t
		}
		break
	}
	return nil
}

func (m *Manual) compact() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(m.timers); i++ {
		m.timers[i] = nil
	}
	m.timers = live
}
