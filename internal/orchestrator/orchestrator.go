package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	editorctx "github.com/nidhogg/codeassist/internal/context"
	"github.com/nidhogg/codeassist/internal/history"
	"github.com/nidhogg/codeassist/internal/prompt"
	"github.com/nidhogg/codeassist/internal/provider"
)

// Providers resolves an adapter for a backend id.
type Providers interface {
	Get(id provider.ID) (provider.Provider, error)
}

// Options wires an Orchestrator to its collaborators.
type Options struct {
	Collector  *editorctx.Collector
	Engine     *prompt.Engine
	Catalog    *prompt.Catalog
	Providers  Providers
	Routes     Routes
	Archive    history.Archive // optional
	TokenLimit int
	Retry      RetryPolicy
	Logger     *zap.Logger
}

// Orchestrator composes context collection, prompt rendering, provider
// dispatch and history into completion and chat flows. At most one
// request is in flight per logical context; a new one supersedes it.
type Orchestrator struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	flights  map[string]*flight
	sessions map[string]*history.Store
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{
		opts:     opts,
		logger:   opts.Logger,
		flights:  make(map[string]*flight),
		sessions: make(map[string]*history.Store),
	}
}

// Complete dispatches an inline completion. Configuration errors are
// returned before anything is sent; everything after dispatch arrives on
// the channel. A superseded or stopped request closes the channel without
// a terminal event.
func (o *Orchestrator) Complete(ctx context.Context, t CompletionTrigger) (<-chan provider.Event, error) {
	if t.Document == nil {
		return nil, fmt.Errorf("%w: no document", editorctx.ErrContextUnavailable)
	}
	route, tmpl, adapter, err := o.resolve(PurposeCompletion)
	if err != nil {
		return nil, err
	}
	id := t.ContextID
	if id == "" {
		id = t.Document.Path()
	}

	w := o.collect(t.Document, t.Cursor, t.Open)
	instructions := t.Instructions
	if instructions == "" {
		instructions = route.Instructions
	}
	body, err := o.opts.Engine.Render(tmpl, w, instructions)
	if err != nil {
		return nil, err
	}
	req := provider.NewRequest(body, route.Provider)

	f, ctx := o.begin(ctx, "complete:"+id)
	out := make(chan provider.Event, 16)
	go func() {
		defer o.finish(f)
		defer close(out)
		text, final, ok := o.relay(ctx, adapter, req, out, tmpl.Kind == prompt.KindFIM)
		if !ok {
			return
		}
		if tmpl.Kind == prompt.KindChat {
			// Chat models answer in prose; only the cleaned code is relayed.
			if cleaned := cleanCompletion(text, w.Path, o.opts.Engine.Languages()); cleaned != "" {
				if !send(ctx, out, provider.Token(cleaned)) {
					return
				}
			}
		}
		send(ctx, out, final)
	}()
	return out, nil
}

// Chat sends one user turn of a conversation. The user turn is appended to
// history before dispatch and the assistant turn when the stream completes.
// On cancellation or failure history is restored to its state before the
// turn began. ErrEntryOversized is returned when the turn cannot fit the
// token budget.
func (o *Orchestrator) Chat(ctx context.Context, turn ChatTurn) (<-chan provider.Event, error) {
	if err := history.ValidateConversation(turn.Conversation); err != nil {
		return nil, err
	}
	route, tmpl, adapter, err := o.resolve(PurposeChat)
	if err != nil {
		return nil, err
	}
	if tmpl.Kind != prompt.KindChat {
		return nil, fmt.Errorf("%w: %s: chat needs a chat template", prompt.ErrTemplateInvalid, tmpl.Name)
	}

	key := "chat:" + turn.Conversation
	f, ctx := o.begin(ctx, key)
	started := false
	defer func() {
		if !started {
			o.finish(f)
		}
	}()

	store, err := o.session(ctx, turn.Conversation)
	if err != nil {
		return nil, err
	}
	snap := store.Snapshot()
	if _, err := store.Append(history.NewEntry(history.RoleUser, turn.Text)); err != nil {
		return nil, err
	}

	var w *editorctx.Window
	if turn.Document != nil {
		w = o.collect(turn.Document, turn.Cursor, turn.Open)
	} else {
		w = &editorctx.Window{}
	}
	entries := store.Entries()
	prior := make([]prompt.Message, 0, len(entries)-1)
	for _, e := range entries[:len(entries)-1] {
		prior = append(prior, prompt.Message{Role: string(e.Role), Content: e.Content})
	}
	body, err := o.opts.Engine.RenderChat(tmpl, w, turn.Text, prior)
	if err != nil {
		store.Restore(snap)
		return nil, err
	}
	if route.Instructions != "" && tmpl.System == "" {
		body.System = strings.TrimSpace(route.Instructions + "\n\n" + body.System)
	}
	req := provider.NewRequest(body, route.Provider)

	out := make(chan provider.Event, 16)
	started = true
	go func() {
		defer o.finish(f)
		defer close(out)
		text, final, ok := o.relay(ctx, adapter, req, out, true)
		if !ok || ctx.Err() != nil {
			// A Stop racing the final event still discards the turn.
			store.Restore(snap)
			return
		}
		if _, err := store.Append(history.NewEntry(history.RoleAssistant, text)); err != nil {
			store.Restore(snap)
			send(ctx, out, provider.Failure(err))
			return
		}
		o.archive(ctx, turn.Conversation, store)
		send(ctx, out, final)
	}()
	return out, nil
}

// Stop cancels any completion or chat in flight for id and waits for it
// to wind down.
func (o *Orchestrator) Stop(id string) {
	o.stop("complete:" + id)
	o.stop("chat:" + id)
}

// NewChat cancels any turn in flight, clears the conversation and removes
// it from the archive.
func (o *Orchestrator) NewChat(ctx context.Context, conversation string) error {
	if err := history.ValidateConversation(conversation); err != nil {
		return err
	}
	o.stop("chat:" + conversation)
	o.mu.Lock()
	store := o.sessions[conversation]
	delete(o.sessions, conversation)
	o.mu.Unlock()
	if store != nil {
		store.Clear()
	}
	if o.opts.Archive != nil {
		if err := o.opts.Archive.Delete(ctx, conversation); err != nil {
			return fmt.Errorf("delete archived chat: %w", err)
		}
	}
	return nil
}

// History returns the entries of a conversation, oldest first.
func (o *Orchestrator) History(ctx context.Context, conversation string) ([]history.Entry, error) {
	if err := history.ValidateConversation(conversation); err != nil {
		return nil, err
	}
	store, err := o.session(ctx, conversation)
	if err != nil {
		return nil, err
	}
	return store.Entries(), nil
}

// TokenTotal returns the running token total of a conversation.
func (o *Orchestrator) TokenTotal(ctx context.Context, conversation string) (int, error) {
	store, err := o.session(ctx, conversation)
	if err != nil {
		return 0, err
	}
	return store.Total(), nil
}

// LoadChat replaces a conversation with a chat document. The document is
// fully validated first; on error live history is untouched.
func (o *Orchestrator) LoadChat(ctx context.Context, conversation string, doc []byte) ([]history.Entry, error) {
	if err := history.ValidateConversation(conversation); err != nil {
		return nil, err
	}
	entries, err := history.Unmarshal(doc)
	if err != nil {
		return nil, err
	}
	o.stop("chat:" + conversation)
	store, err := o.session(ctx, conversation)
	if err != nil {
		return nil, err
	}
	evicted, err := store.Replace(entries)
	if err != nil {
		return nil, err
	}
	o.archive(ctx, conversation, store)
	return evicted, nil
}

// ExportChat renders a conversation as a chat document.
func (o *Orchestrator) ExportChat(ctx context.Context, conversation string) ([]byte, error) {
	entries, err := o.History(ctx, conversation)
	if err != nil {
		return nil, err
	}
	return history.Marshal(entries)
}

// Conversations lists live sessions and, when an archive is configured,
// archived ones.
func (o *Orchestrator) Conversations(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	o.mu.Lock()
	for id := range o.sessions {
		seen[id] = true
		ids = append(ids, id)
	}
	o.mu.Unlock()
	if o.opts.Archive != nil {
		archived, err := o.opts.Archive.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range archived {
			if !seen[id] {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// InFlight returns the number of requests currently running.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.flights)
}

// Close cancels every request in flight.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	keys := make([]string, 0, len(o.flights))
	for k := range o.flights {
		keys = append(keys, k)
	}
	o.mu.Unlock()
	for _, k := range keys {
		o.stop(k)
	}
}

func (o *Orchestrator) resolve(p Purpose) (Route, prompt.Template, provider.Provider, error) {
	route, err := o.opts.Routes.Route(p)
	if err != nil {
		return Route{}, prompt.Template{}, nil, err
	}
	tmpl, err := o.opts.Catalog.Get(route.Template)
	if err != nil {
		return Route{}, prompt.Template{}, nil, err
	}
	if err := tmpl.Validate(); err != nil {
		return Route{}, prompt.Template{}, nil, err
	}
	adapter, err := o.opts.Providers.Get(route.Provider.ID)
	if err != nil {
		return Route{}, prompt.Template{}, nil, err
	}
	return route, tmpl, adapter, nil
}

// collect gathers context, degrading to an empty window when the document
// cannot be read.
func (o *Orchestrator) collect(doc editorctx.Document, cur editorctx.Cursor, open []editorctx.OpenDocument) *editorctx.Window {
	w, err := o.opts.Collector.Collect(doc, cur, open)
	if err != nil {
		o.logger.Warn("context unavailable, sending empty context",
			zap.String("path", doc.Path()), zap.Error(err))
		return &editorctx.Window{Path: doc.Path()}
	}
	return w
}

// session returns the store for a conversation, loading it from the
// archive the first time it is used.
func (o *Orchestrator) session(ctx context.Context, conversation string) (*history.Store, error) {
	o.mu.Lock()
	store, ok := o.sessions[conversation]
	o.mu.Unlock()
	if ok {
		return store, nil
	}

	store = history.NewStore(o.opts.TokenLimit, o.logger)
	if o.opts.Archive != nil {
		entries, err := o.opts.Archive.Load(ctx, conversation)
		switch {
		case errors.Is(err, history.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("load archived chat: %w", err)
		default:
			if _, err := store.Replace(entries); err != nil {
				return nil, fmt.Errorf("restore archived chat: %w", err)
			}
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.sessions[conversation]; ok {
		return existing, nil
	}
	o.sessions[conversation] = store
	return store, nil
}

func (o *Orchestrator) archive(ctx context.Context, conversation string, store *history.Store) {
	if o.opts.Archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.opts.Archive.Save(ctx, conversation, store.Entries()); err != nil {
		o.logger.Warn("archive chat failed",
			zap.String("conversation", conversation), zap.Error(err))
	}
}
