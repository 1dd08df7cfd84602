package voice

import (
	"sync"
	"testing"
	"time"
)

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{}
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, at: c.now + d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

type firedTurns struct {
	mu    sync.Mutex
	turns []string
}

func (f *firedTurns) record(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, text)
}

func (f *firedTurns) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.turns...)
}

func TestDebouncerFiresOnceAfterSilence(t *testing.T) {
	clock := newFakeClock()
	fired := &firedTurns{}
	d := NewDebouncer(clock, 2*time.Second, fired.record)

	d.OnFinalFragment("hello")
	clock.advance(2 * time.Second)
	clock.advance(10 * time.Second)

	if got := fired.all(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("fired = %v, want exactly one %q", got, "hello")
	}
	if d.Pending() != "" {
		t.Fatalf("pending should be cleared, got %q", d.Pending())
	}
}

func TestDebouncerExtendsWindowAndReplacesPrefix(t *testing.T) {
	clock := newFakeClock()
	fired := &firedTurns{}
	d := NewDebouncer(clock, 2*time.Second, fired.record)

	d.OnFinalFragment("hello")
	clock.advance(time.Second)
	d.OnFinalFragment("hello there")
	clock.advance(time.Second)

	if got := fired.all(); len(got) != 0 {
		t.Fatalf("window should have been extended, fired %v", got)
	}

	clock.advance(time.Second)
	if got := fired.all(); len(got) != 1 || got[0] != "hello there" {
		t.Fatalf("fired = %v, want single %q", got, "hello there")
	}
}

func TestDebouncerConcatenatesDistinctFragments(t *testing.T) {
	clock := newFakeClock()
	fired := &firedTurns{}
	d := NewDebouncer(clock, 2*time.Second, fired.record)

	d.OnFinalFragment("first part")
	d.OnFinalFragment("second part")
	clock.advance(2 * time.Second)

	if got := fired.all(); len(got) != 1 || got[0] != "first part second part" {
		t.Fatalf("fired = %v", got)
	}
}

func TestDebouncerKeepsLongerPending(t *testing.T) {
	clock := newFakeClock()
	fired := &firedTurns{}
	d := NewDebouncer(clock, 2*time.Second, fired.record)

	d.OnFinalFragment("hello there")
	d.OnFinalFragment("hello")

	if d.Pending() != "hello there" {
		t.Fatalf("pending = %q", d.Pending())
	}
}

func TestDebouncerTakeShortCircuitsTimer(t *testing.T) {
	clock := newFakeClock()
	fired := &firedTurns{}
	d := NewDebouncer(clock, 2*time.Second, fired.record)

	d.OnFinalFragment("done talking")
	if got := d.Take(); got != "done talking" {
		t.Fatalf("Take = %q", got)
	}

	clock.advance(5 * time.Second)
	if got := fired.all(); len(got) != 0 {
		t.Fatalf("timer must not fire after Take, got %v", got)
	}
}

func TestDebouncerCancelDropsPending(t *testing.T) {
	clock := newFakeClock()
	fired := &firedTurns{}
	d := NewDebouncer(clock, 2*time.Second, fired.record)

	d.OnFinalFragment("ignore me")
	d.Cancel()
	clock.advance(5 * time.Second)

	if got := fired.all(); len(got) != 0 {
		t.Fatalf("cancelled turn must not fire, got %v", got)
	}
	if d.Pending() != "" {
		t.Fatalf("pending = %q", d.Pending())
	}
}

func TestDebouncerIgnoresEmptyFragments(t *testing.T) {
	clock := newFakeClock()
	fired := &firedTurns{}
	d := NewDebouncer(clock, 2*time.Second, fired.record)

	d.OnFinalFragment("   ")
	clock.advance(5 * time.Second)

	if got := fired.all(); len(got) != 0 {
		t.Fatalf("empty fragment must not arm the timer, got %v", got)
	}
}
