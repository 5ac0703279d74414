package trigger

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// GroupDispatchFunc starts a request for one document.
type GroupDispatchFunc func(ctx context.Context, path string, done func())

// Group keeps one Scheduler per document path.
type Group struct {
	cfg      Config
	dispatch GroupDispatchFunc
	opts     []Option
	logger   *zap.Logger

	mu     sync.Mutex
	byPath map[string]*Scheduler
}

// NewGroup creates an empty Group.
func NewGroup(cfg Config, dispatch GroupDispatchFunc, logger *zap.Logger, opts ...Option) *Group {
	return &Group{
		cfg:      cfg,
		dispatch: dispatch,
		opts:     opts,
		logger:   logger,
		byPath:   make(map[string]*Scheduler),
	}
}

func (g *Group) scheduler(path string) *Scheduler {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.byPath[path]
	if !ok {
		s = NewScheduler(g.cfg, func(ctx context.Context, done func()) {
			g.dispatch(ctx, path, done)
		}, g.logger.With(zap.String("path", path)), g.opts...)
		g.byPath[path] = s
	}
	return s
}

// Edit routes an edit to its document's scheduler.
func (g *Group) Edit(e EditEvent) { g.scheduler(e.Path).Edit(e) }

// Manual triggers a completion for path immediately.
func (g *Group) Manual(path string) { g.scheduler(path).Manual() }

// State returns the state for path; unknown paths are Idle.
func (g *Group) State(path string) State {
	g.mu.Lock()
	s, ok := g.byPath[path]
	g.mu.Unlock()
	if !ok {
		return Idle
	}
	return s.State()
}

// Cancel stops pending and in-flight work for path.
func (g *Group) Cancel(path string) {
	g.mu.Lock()
	s, ok := g.byPath[path]
	g.mu.Unlock()
	if ok {
		s.Cancel()
	}
}

// Forget cancels and drops the scheduler for a closed document.
func (g *Group) Forget(path string) {
	g.mu.Lock()
	s, ok := g.byPath[path]
	delete(g.byPath, path)
	g.mu.Unlock()
	if ok {
		s.Cancel()
	}
}

// CancelAll stops every scheduler.
func (g *Group) CancelAll() {
	g.mu.Lock()
	all := make([]*Scheduler, 0, len(g.byPath))
	for _, s := range g.byPath {
		all = append(all, s)
	}
	g.mu.Unlock()
	for _, s := range all {
		s.Cancel()
	}
}
