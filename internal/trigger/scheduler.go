package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
)

// State is the lifecycle of one completion context.
type State int

const (
	Idle State = iota
	Pending
	Dispatched
	Completed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Dispatched:
		return "dispatched"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config controls when typing triggers a completion.
type Config struct {
	Enabled bool `json:"enabled" toml:"enabled"`
	// QuietInterval is the pause after the last qualifying edit before
	// a request fires.
	QuietInterval time.Duration `json:"quiet_interval" toml:"quiet_interval"`
	// CharThreshold is the number of characters typed since the last
	// dispatch that makes an edit qualify.
	CharThreshold int `json:"char_threshold" toml:"char_threshold"`
	// TypingInterval restarts the count when the gap between two edits
	// exceeds it. Zero disables the check.
	TypingInterval time.Duration `json:"typing_interval" toml:"typing_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		QuietInterval:  500 * time.Millisecond,
		CharThreshold:  1,
		TypingInterval: 1200 * time.Millisecond,
	}
}

// EditEvent describes one change to a document.
type EditEvent struct {
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Inserted string `json:"inserted"`
	Deleted  int    `json:"deleted"`
}

// DispatchFunc starts a request. It must not block for the duration of
// the request; done is called once the request has finished. ctx is
// cancelled when the request is superseded or stopped.
type DispatchFunc func(ctx context.Context, done func())

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithTransitionHook observes every state change.
func WithTransitionHook(f func(from, to State)) Option {
	return func(s *Scheduler) { s.onTransition = f }
}

// Scheduler debounces edits of one completion context into dispatches.
type Scheduler struct {
	cfg          Config
	dispatch     DispatchFunc
	clock        Clock
	onTransition func(from, to State)
	logger       *zap.Logger

	mu         sync.Mutex
	state      State
	count      int
	lastEdit   time.Time
	timer      Timer
	gen        uint64
	cancelReq  context.CancelFunc
	dispatches int
}

// NewScheduler creates an idle Scheduler.
func NewScheduler(cfg Config, dispatch DispatchFunc, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		dispatch: dispatch,
		clock:    RealClock,
		logger:   logger,
	}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.CharThreshold <= 0 {
		s.cfg.CharThreshold = 1
	}
	return s
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dispatches returns how many requests have been started.
func (s *Scheduler) Dispatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatches
}

// Edit feeds one edit. An in-flight request is cancelled first and a
// typed edit that supersedes it re-enters Pending whatever the count.
// Deletions and whitespace or punctuation reset the typed count and
// abandon a pending timer.
func (s *Scheduler) Edit(e EditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	superseded := s.state == Dispatched
	if superseded {
		s.cancelLocked()
	}
	if !s.cfg.Enabled {
		return
	}

	now := s.clock.Now()
	if e.Deleted > 0 || resetsCount(e.Inserted) {
		s.count = 0
		s.lastEdit = now
		if s.state == Pending {
			s.stopTimerLocked()
			s.setLocked(Idle)
		}
		return
	}

	if s.cfg.TypingInterval > 0 && !s.lastEdit.IsZero() && now.Sub(s.lastEdit) > s.cfg.TypingInterval {
		s.count = 0
	}
	s.lastEdit = now
	s.count += utf8.RuneCountInString(e.Inserted)

	if s.count >= s.cfg.CharThreshold || superseded {
		s.stopTimerLocked()
		s.gen++
		gen := s.gen
		s.timer = s.clock.AfterFunc(s.cfg.QuietInterval, func() { s.fire(gen) })
		if s.state != Pending {
			s.setLocked(Pending)
		}
	}
}

// Manual dispatches immediately, bypassing the debounce.
func (s *Scheduler) Manual() {
	s.mu.Lock()
	if s.state == Dispatched {
		s.cancelLocked()
	}
	s.stopTimerLocked()
	ctx, done := s.startLocked()
	s.mu.Unlock()

	s.dispatch(ctx, done)
}

// Cancel abandons a pending timer or in-flight request.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Pending:
		s.stopTimerLocked()
		s.setLocked(Idle)
	case Dispatched:
		s.cancelLocked()
	}
	s.count = 0
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.state != Pending || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	ctx, done := s.startLocked()
	s.mu.Unlock()

	s.dispatch(ctx, done)
}

// startLocked moves to Dispatched and returns the request context plus
// its completion callback.
func (s *Scheduler) startLocked() (context.Context, func()) {
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelReq = cancel
	s.count = 0
	s.dispatches++
	s.setLocked(Dispatched)

	var once sync.Once
	done := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.gen != gen || s.state != Dispatched {
				return
			}
			s.cancelReq = nil
			cancel()
			s.setLocked(Completed)
			s.setLocked(Idle)
		})
	}
	return ctx, done
}

func (s *Scheduler) cancelLocked() {
	if s.cancelReq != nil {
		s.cancelReq()
		s.cancelReq = nil
	}
	s.gen++
	s.setLocked(Cancelled)
	s.setLocked(Idle)
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) setLocked(to State) {
	from := s.state
	s.state = to
	if ce := s.logger.Check(zap.DebugLevel, "trigger transition"); ce != nil {
		ce.Write(zap.Stringer("from", from), zap.Stringer("to", to))
	}
	if s.onTransition != nil {
		s.onTransition(from, to)
	}
}

// resetsCount reports whether inserted text has no identifier characters.
func resetsCount(inserted string) bool {
	if inserted == "" {
		return true
	}
	for _, r := range inserted {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			return false
		}
	}
	return true
}
