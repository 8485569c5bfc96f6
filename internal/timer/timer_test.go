package timer

import (
	"reflect"
	"testing"
	"time"
)

func TestManualFiresInOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	var fired []string
	m.Schedule(3*time.Second, func() { fired = append(fired, "c") })
	m.Schedule(1*time.Second, func() { fired = append(fired, "a") })
	m.Schedule(1*time.Second, func() { fired = append(fired, "b") })

	m.Advance(999 * time.Millisecond)
	if len(fired) != 0 {
		t.Fatalf("fired before due: %v", fired)
	}

	m.Advance(2 * time.Second)
	if !reflect.DeepEqual(fired, []string{"a", "b"}) {
		t.Fatalf("fired = %v, want [a b]", fired)
	}

	m.Advance(time.Second)
	if !reflect.DeepEqual(fired, []string{"a", "b", "c"}) {
		t.Fatalf("fired = %v, want [a b c]", fired)
	}
}

func TestManualCancelIdempotent(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	fired := 0
	tm := m.Schedule(time.Second, func() { fired++ })
	tm.Cancel()
	tm.Cancel()
	m.Advance(time.Minute)
	if fired != 0 {
		t.Fatal("cancelled timer fired")
	}

	tm = m.Schedule(time.Second, func() { fired++ })
	m.Advance(time.Second)
	tm.Cancel()
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestManualRescheduleWithinWindow(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		m.Schedule(time.Second, tick)
	}
	m.Schedule(time.Second, tick)

	m.Advance(3500 * time.Millisecond)
	if ticks != 3 {
		t.Fatalf("ticks = %d, want 3", ticks)
	}
	if m.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", m.Pending())
	}
}

func TestGroupCancelAll(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	g := NewGroup(m)

	fired := 0
	g.Schedule(time.Second, func() { fired++ })
	g.Schedule(2*time.Second, func() { fired++ })
	if g.Len() != 2 {
		t.Fatalf("Len = %d, want 2", g.Len())
	}

	m.Advance(time.Second)
	if g.Len() != 1 {
		t.Fatalf("Len after one fired = %d, want 1", g.Len())
	}

	g.CancelAll()
	m.Advance(time.Minute)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if g.Len() != 0 {
		t.Fatalf("Len after CancelAll = %d", g.Len())
	}
}

func TestPostedDeliversThroughPost(t *testing.T) {
	posted := make(chan func(), 1)
	p := NewPosted(func(fn func()) { posted <- fn })

	ran := false
	p.Schedule(time.Millisecond, func() { ran = true })

	select {
	case fn := <-posted:
		fn()
	case <-time.After(5 * time.Second):
		t.Fatal("timer never posted")
	}
	if !ran {
		t.Fatal("posted callback did not run")
	}
}
