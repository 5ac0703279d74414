package trigger

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward, running due timers in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	end := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		sort.Slice(c.timers, func(i, j int) bool { return c.timers[i].at.Before(c.timers[j].at) })
		var next *fakeTimer
		for i, t := range c.timers {
			if !t.stopped && !t.at.After(end) {
				next = t
				c.timers = append(c.timers[:i], c.timers[i+1:]...)
				break
			}
		}
		if next == nil {
			c.now = end
			c.mu.Unlock()
			return
		}
		next.stopped = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

type recorder struct {
	mu      sync.Mutex
	ctxs    []context.Context
	dones   []func()
	history []State
}

func (r *recorder) dispatch(ctx context.Context, done func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctxs = append(r.ctxs, ctx)
	r.dones = append(r.dones, done)
}

func (r *recorder) transition(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, to)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ctxs)
}

func newTestScheduler(cfg Config) (*Scheduler, *fakeClock, *recorder) {
	clock := newFakeClock()
	rec := &recorder{}
	s := NewScheduler(cfg, rec.dispatch, zap.NewNop(), WithClock(clock), WithTransitionHook(rec.transition))
	return s, clock, rec
}

func typeChars(s *Scheduler, clock *fakeClock, chars string, gap time.Duration) {
	for i, r := range chars {
		if i > 0 {
			clock.Advance(gap)
		}
		s.Edit(EditEvent{Path: "a.go", Inserted: string(r)})
	}
}

var testConfig = Config{Enabled: true, QuietInterval: 500 * time.Millisecond, CharThreshold: 3}

func TestBelowThresholdNeverDispatches(t *testing.T) {
	s, clock, rec := newTestScheduler(testConfig)

	typeChars(s, clock, "ab", 50*time.Millisecond)
	clock.Advance(600 * time.Millisecond)

	if rec.count() != 0 {
		t.Fatalf("dispatched %d times, want 0", rec.count())
	}
	if s.State() != Idle {
		t.Errorf("state = %s, want idle", s.State())
	}
}

func TestThresholdThenQuietDispatchesOnce(t *testing.T) {
	s, clock, rec := newTestScheduler(testConfig)

	typeChars(s, clock, "abc", 100*time.Millisecond)
	if s.State() != Pending {
		t.Fatalf("state = %s, want pending", s.State())
	}
	clock.Advance(499 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("dispatched before the quiet interval elapsed")
	}
	clock.Advance(time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("dispatched %d times, want 1", rec.count())
	}
	clock.Advance(5 * time.Second)
	if rec.count() != 1 {
		t.Fatalf("dispatched %d times, want exactly 1", rec.count())
	}
	if s.State() != Dispatched {
		t.Errorf("state = %s, want dispatched", s.State())
	}

	rec.dones[0]()
	if s.State() != Idle {
		t.Errorf("state after completion = %s, want idle", s.State())
	}
	want := []State{Pending, Dispatched, Completed, Idle}
	if len(rec.history) != len(want) {
		t.Fatalf("transitions = %v, want %v", rec.history, want)
	}
	for i := range want {
		if rec.history[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, rec.history[i], want[i])
		}
	}
}

func TestQualifyingEditRestartsTimer(t *testing.T) {
	s, clock, rec := newTestScheduler(testConfig)

	typeChars(s, clock, "abc", 10*time.Millisecond)
	clock.Advance(400 * time.Millisecond)
	s.Edit(EditEvent{Path: "a.go", Inserted: "d"})
	clock.Advance(400 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("timer was not restarted by a qualifying edit")
	}
	clock.Advance(100 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("dispatched %d times, want 1", rec.count())
	}
}

func TestEditWhileDispatchedCancels(t *testing.T) {
	s, clock, rec := newTestScheduler(testConfig)

	typeChars(s, clock, "abc", 10*time.Millisecond)
	clock.Advance(500 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("dispatched %d times, want 1", rec.count())
	}
	first := rec.ctxs[0]

	typeChars(s, clock, "def", 10*time.Millisecond)
	if first.Err() == nil {
		t.Fatal("in-flight request was not cancelled by a new edit")
	}
	if s.State() != Pending {
		t.Errorf("state = %s, want pending", s.State())
	}

	// A stale completion callback must not disturb the new cycle.
	rec.dones[0]()
	if s.State() != Pending {
		t.Errorf("stale done changed state to %s", s.State())
	}

	clock.Advance(500 * time.Millisecond)
	if rec.count() != 2 {
		t.Fatalf("dispatched %d times, want 2", rec.count())
	}
}

func TestSingleEditWhileDispatchedReentersPending(t *testing.T) {
	s, clock, rec := newTestScheduler(Config{Enabled: true, QuietInterval: 500 * time.Millisecond, CharThreshold: 5})

	typeChars(s, clock, "abcde", 10*time.Millisecond)
	clock.Advance(500 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("dispatched %d times, want 1", rec.count())
	}

	s.Edit(EditEvent{Path: "a.go", Inserted: "f"})
	if rec.ctxs[0].Err() == nil {
		t.Fatal("in-flight request was not cancelled")
	}
	if s.State() != Pending {
		t.Fatalf("state = %s, want pending", s.State())
	}
	clock.Advance(500 * time.Millisecond)
	if rec.count() != 2 {
		t.Fatalf("dispatched %d times, want 2", rec.count())
	}

	// A deletion during a request cancels it and stays idle.
	s.Edit(EditEvent{Path: "a.go", Deleted: 1})
	if s.State() != Idle || rec.ctxs[1].Err() == nil {
		t.Errorf("state = %s, cancelled = %v", s.State(), rec.ctxs[1].Err())
	}
	clock.Advance(time.Second)
	if rec.count() != 2 {
		t.Errorf("dispatched %d times after deletion, want 2", rec.count())
	}
}

func TestManualBypassesDebounce(t *testing.T) {
	s, clock, rec := newTestScheduler(testConfig)

	s.Edit(EditEvent{Path: "a.go", Inserted: "x"})
	s.Manual()
	if rec.count() != 1 || s.State() != Dispatched {
		t.Fatalf("manual: count %d state %s", rec.count(), s.State())
	}

	s.Manual()
	if rec.ctxs[0].Err() == nil {
		t.Error("second manual trigger did not supersede the first")
	}
	clock.Advance(time.Second)
	if rec.count() != 2 {
		t.Errorf("dispatched %d times, want 2", rec.count())
	}
}

func TestDeletionAndPunctuationReset(t *testing.T) {
	s, clock, rec := newTestScheduler(testConfig)

	typeChars(s, clock, "ab", 10*time.Millisecond)
	s.Edit(EditEvent{Path: "a.go", Deleted: 1})
	typeChars(s, clock, "c", 0)
	clock.Advance(time.Second)
	if rec.count() != 0 {
		t.Fatal("deletion did not reset the count")
	}

	typeChars(s, clock, "abc", 10*time.Millisecond)
	s.Edit(EditEvent{Path: "a.go", Inserted: ";"})
	clock.Advance(time.Second)
	if rec.count() != 0 || s.State() != Idle {
		t.Fatalf("punctuation did not abandon the pending timer: count %d state %s", rec.count(), s.State())
	}
}

func TestTypingIntervalRestartsCount(t *testing.T) {
	cfg := testConfig
	cfg.TypingInterval = 300 * time.Millisecond
	s, clock, rec := newTestScheduler(cfg)

	typeChars(s, clock, "ab", 10*time.Millisecond)
	clock.Advance(400 * time.Millisecond)
	s.Edit(EditEvent{Path: "a.go", Inserted: "c"})
	clock.Advance(time.Second)
	if rec.count() != 0 {
		t.Fatal("count survived a typing gap")
	}
}

func TestCancelAndDisabled(t *testing.T) {
	s, clock, rec := newTestScheduler(testConfig)
	typeChars(s, clock, "abc", 10*time.Millisecond)
	s.Cancel()
	clock.Advance(time.Second)
	if rec.count() != 0 || s.State() != Idle {
		t.Fatalf("cancel: count %d state %s", rec.count(), s.State())
	}

	cfg := testConfig
	cfg.Enabled = false
	s, clock, rec = newTestScheduler(cfg)
	typeChars(s, clock, "abcdef", 10*time.Millisecond)
	clock.Advance(time.Second)
	if rec.count() != 0 {
		t.Fatal("disabled scheduler dispatched")
	}
	s.Manual()
	if rec.count() != 1 {
		t.Fatal("manual trigger must work while automatic triggering is disabled")
	}
}

func TestGroupIsolatesDocuments(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	paths := map[string]int{}
	g := NewGroup(testConfig, func(_ context.Context, path string, done func()) {
		mu.Lock()
		paths[path]++
		mu.Unlock()
		done()
	}, zap.NewNop(), WithClock(clock))

	for _, r := range "abc" {
		g.Edit(EditEvent{Path: "a.go", Inserted: string(r)})
		g.Edit(EditEvent{Path: "b.go", Inserted: string(r)})
	}
	g.Edit(EditEvent{Path: "b.go", Deleted: 1})
	clock.Advance(time.Second)

	if paths["a.go"] != 1 || paths["b.go"] != 0 {
		t.Errorf("dispatches = %v", paths)
	}
	if g.State("a.go") != Idle || g.State("unknown") != Idle {
		t.Errorf("states: a=%s unknown=%s", g.State("a.go"), g.State("unknown"))
	}
	g.Manual("b.go")
	g.Forget("b.go")
	if paths["b.go"] != 1 {
		t.Errorf("manual b.go: %v", paths)
	}
}
