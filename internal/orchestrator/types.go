package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	editorctx "github.com/nidhogg/codeassist/internal/context"
	"github.com/nidhogg/codeassist/internal/provider"
)

// ErrNoRoute is returned when no provider profile is bound to a purpose.
var ErrNoRoute = errors.New("no provider configured")

// Purpose selects which route serves a request.
type Purpose string

const (
	PurposeCompletion Purpose = "completion"
	PurposeChat       Purpose = "chat"
)

// Route binds a purpose to a provider snapshot and a template.
type Route struct {
	Provider     provider.Config
	Template     string
	Instructions string
}

// Routes resolves the active route for each request. Implementations may
// swap routes between requests; a request reads exactly one snapshot.
type Routes interface {
	Route(p Purpose) (Route, error)
}

// StaticRoutes is an in-memory Routes that can be updated at runtime.
type StaticRoutes struct {
	mu     sync.RWMutex
	routes map[Purpose]Route
}

func NewStaticRoutes() *StaticRoutes {
	return &StaticRoutes{routes: make(map[Purpose]Route)}
}

// Set installs r for p. The provider config is cloned.
func (s *StaticRoutes) Set(p Purpose, r Route) {
	r.Provider = r.Provider.Clone()
	s.mu.Lock()
	s.routes[p] = r
	s.mu.Unlock()
}

func (s *StaticRoutes) Route(p Purpose) (Route, error) {
	s.mu.RLock()
	r, ok := s.routes[p]
	s.mu.RUnlock()
	if !ok {
		return Route{}, fmt.Errorf("%w for %s", ErrNoRoute, p)
	}
	r.Provider = r.Provider.Clone()
	return r, nil
}

// CompletionTrigger asks for an inline completion at a cursor.
type CompletionTrigger struct {
	// ContextID identifies the logical completion context. It defaults to
	// the document path; a new trigger for the same id supersedes the
	// previous one.
	ContextID    string
	Document     editorctx.Document
	Cursor       editorctx.Cursor
	Open         []editorctx.OpenDocument
	Instructions string
}

// ChatTurn is one user message in a conversation. Document is optional and
// adds code context around Cursor to the prompt.
type ChatTurn struct {
	Conversation string
	Text         string
	Document     editorctx.Document
	Cursor       editorctx.Cursor
	Open         []editorctx.OpenDocument
}

// RetryPolicy retries retryable connection errors that occur before any
// token has been relayed.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// delay is the wait before attempt n+1, doubling each time.
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.Backoff
	for i := 1; i < n && d < 10*time.Second; i++ {
		d *= 2
	}
	return d
}
