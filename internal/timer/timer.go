// Package timer provides the schedule/cancel capability units use for
// timeouts and periodic work.
package timer

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled callback. Cancel is idempotent and safe to call after
// the callback has fired.
type Timer interface {
	Cancel()
}

// Scheduler runs fn no earlier than delay from now.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) Timer
}

// Manual is a Scheduler driven by an explicit clock. Nothing fires until
// Advance is called, which makes handshake timeouts deterministic.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	queued []*manualTimer
}

type manualTimer struct {
	owner     *Manual
	at        time.Time
	seq       uint64
	fn        func()
	cancelled bool
}

func (t *manualTimer) Cancel() {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	t.cancelled = true
}

// NewManual returns a clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Schedule(delay time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{owner: m, at: m.now.Add(delay), seq: m.seq, fn: fn}
	m.queued = append(m.queued, t)
	return t
}

// Advance moves the clock forward and fires every timer that falls due, in
// due-time order. Timers scheduled by fired callbacks also fire if they fall
// within the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		t := m.popDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

// RunPending fires timers that are already due without moving the clock.
func (m *Manual) RunPending() {
	m.Advance(0)
}

// Pending counts timers that have neither fired nor been cancelled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.queued {
		if !t.cancelled {
			n++
		}
	}
	return n
}

func (m *Manual) popDue(target time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.queued[:0]
	for _, t := range m.queued {
		if !t.cancelled {
			live = append(live, t)
		}
	}
	m.queued = live

	sort.SliceStable(m.queued, func(i, j int) bool {
		if m.queued[i].at.Equal(m.queued[j].at) {
			return m.queued[i].seq < m.queued[j].seq
		}
		return m.queued[i].at.Before(m.queued[j].at)
	})

	if len(m.queued) == 0 || m.queued[0].at.After(target) {
		return nil
	}
	t := m.queued[0]
	m.queued = m.queued[1:]
	if t.at.After(m.now) {
		m.now = t.at
	}
	return t
}

// Posted is a Scheduler backed by real time. Fired callbacks are handed to
// post instead of running on the timer goroutine, so a connection loop can
// serialize them with incoming lines.
type Posted struct {
	post func(func())
}

// NewPosted returns a real-time scheduler delivering callbacks through post.
func NewPosted(post func(func())) *Posted {
	return &Posted{post: post}
}

type postedTimer struct {
	mu        sync.Mutex
	t         *time.Timer
	cancelled bool
}

func (p *Posted) Schedule(delay time.Duration, fn func()) Timer {
	pt := &postedTimer{}
	pt.t = time.AfterFunc(delay, func() {
		p.post(func() {
			pt.mu.Lock()
			cancelled := pt.cancelled
			pt.mu.Unlock()
			if !cancelled {
				fn()
			}
		})
	})
	return pt
}

func (pt *postedTimer) Cancel() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.cancelled = true
	pt.t.Stop()
}

// Group tracks timers so they can all be cancelled at teardown.
type Group struct {
	mu     sync.Mutex
	sched  Scheduler
	timers map[*groupTimer]struct{}
}

// NewGroup wraps sched.
func NewGroup(sched Scheduler) *Group {
	return &Group{sched: sched, timers: make(map[*groupTimer]struct{})}
}

type groupTimer struct {
	g     *Group
	inner Timer
}

func (gt *groupTimer) Cancel() {
	gt.inner.Cancel()
	gt.g.forget(gt)
}

func (g *Group) Schedule(delay time.Duration, fn func()) Timer {
	gt := &groupTimer{g: g}
	g.mu.Lock()
	g.timers[gt] = struct{}{}
	g.mu.Unlock()

	gt.inner = g.sched.Schedule(delay, func() {
		g.forget(gt)
		fn()
	})
	return gt
}

func (g *Group) forget(gt *groupTimer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.timers, gt)
}

// CancelAll cancels every outstanding timer.
func (g *Group) CancelAll() {
	g.mu.Lock()
	timers := make([]*groupTimer, 0, len(g.timers))
	for gt := range g.timers {
		timers = append(timers, gt)
	}
	g.timers = make(map[*groupTimer]struct{})
	g.mu.Unlock()

	for _, gt := range timers {
		gt.inner.Cancel()
	}
}

// Len counts outstanding timers.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}
