package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	editorctx "github.com/nidhogg/codeassist/internal/context"
	"github.com/nidhogg/codeassist/internal/history"
	"github.com/nidhogg/codeassist/internal/orchestrator"
	"github.com/nidhogg/codeassist/internal/prompt"
	"github.com/nidhogg/codeassist/internal/provider"
	"github.com/nidhogg/codeassist/internal/trigger"
)

// maxDocumentBytes bounds request bodies carrying editor buffers.
const maxDocumentBytes = 8 << 20

// ModelLister lists the models a provider profile can serve.
type ModelLister interface {
	Models(ctx context.Context, cfg provider.Config) ([]string, error)
}

// Options wires a Handler.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Routes       *orchestrator.StaticRoutes // optional; enables route switching
	Models       ModelLister
	Profiles     []provider.Config
	Changes      *editorctx.ChangeCache // optional
	Trigger      trigger.Config
	TriggerOpts  []trigger.Option
	Hub          *Hub
	Logger       *zap.Logger
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch     *orchestrator.Orchestrator
	routes   *orchestrator.StaticRoutes
	models   ModelLister
	profiles []provider.Config
	changes  *editorctx.ChangeCache
	group    *trigger.Group
	hub      *Hub
	logger   *zap.Logger

	docMu sync.Mutex
	docs  map[string]documentState
}

// documentState is the latest editor snapshot of a document, used when the
// scheduler fires.
type documentState struct {
	content string
	cursor  editorctx.Cursor
	open    []editorctx.OpenDocument
}

// NewHandler creates a new API handler.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(0, opts.Logger)
	}
	h := &Handler{
		orch:     opts.Orchestrator,
		routes:   opts.Routes,
		models:   opts.Models,
		profiles: opts.Profiles,
		changes:  opts.Changes,
		hub:      opts.Hub,
		logger:   opts.Logger,
		docs:     make(map[string]documentState),
	}
	h.group = trigger.NewGroup(opts.Trigger, h.dispatch, opts.Logger, opts.TriggerOpts...)
	return h
}

// Close cancels pending and in-flight scheduled completions.
func (h *Handler) Close() { h.group.CancelAll() }

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Completion routes
		r.Post("/complete", h.complete)
		r.Post("/edits", h.edit)
		r.Post("/edits/trigger", h.manualTrigger)
		r.Delete("/documents", h.closeDocument)
		r.Get("/completions", h.completionStream)
		r.Get("/completions/history", h.completionHistory)

		// Chat routes
		r.Get("/chats", h.listChats)
		r.Post("/chat/{conversation}", h.chat)
		r.Post("/chat/{conversation}/stop", h.stopChat)
		r.Post("/chat/{conversation}/compress", h.compressChat)
		r.Delete("/chat/{conversation}", h.newChat)
		r.Get("/chat/{conversation}/history", h.exportChat)
		r.Put("/chat/{conversation}/history", h.loadChat)

		// Provider routes
		r.Get("/providers", h.listProviders)
		r.Get("/providers/{name}/models", h.listModels)
		r.Put("/routes/{purpose}", h.setRoute)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"in_flight": h.orch.InFlight(),
	})
}

type documentRequest struct {
	Path    string                   `json:"path"`
	Content string                   `json:"content"`
	Line    int                      `json:"line"`
	Column  int                      `json:"column"`
	Open    []editorctx.OpenDocument `json:"open,omitempty"`
}

func (d documentRequest) document() editorctx.Document {
	if d.Path == "" {
		return nil
	}
	return editorctx.StaticDocument{FilePath: d.Path, Content: d.Content}
}

func (d documentRequest) cursor() editorctx.Cursor {
	return editorctx.Cursor{Line: d.Line, Column: d.Column}
}

type completeRequest struct {
	documentRequest
	ContextID    string `json:"context_id,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}
	ch, err := h.orch.Complete(r.Context(), orchestrator.CompletionTrigger{
		ContextID:    req.ContextID,
		Document:     req.document(),
		Cursor:       req.cursor(),
		Open:         req.Open,
		Instructions: req.Instructions,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.stream(w, ch)
}

type editRequest struct {
	documentRequest
	Inserted string `json:"inserted"`
	Deleted  int    `json:"deleted"`
}

func (h *Handler) edit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}

	h.docMu.Lock()
	h.docs[req.Path] = documentState{content: req.Content, cursor: req.cursor(), open: req.Open}
	h.docMu.Unlock()

	if h.changes != nil {
		if snippet := lineAt(req.Content, req.Line); strings.TrimSpace(snippet) != "" {
			h.changes.Add(req.Path, req.Line, snippet)
		}
	}
	h.group.Edit(trigger.EditEvent{
		Path:     req.Path,
		Line:     req.Line,
		Inserted: req.Inserted,
		Deleted:  req.Deleted,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"state": h.group.State(req.Path).String()})
}

type pathRequest struct {
	Path string `json:"path"`
}

func (h *Handler) manualTrigger(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.docMu.Lock()
	_, ok := h.docs[req.Path]
	h.docMu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "document not known, send an edit first"})
		return
	}
	h.group.Manual(req.Path)
	writeJSON(w, http.StatusAccepted, map[string]string{"state": h.group.State(req.Path).String()})
}

func (h *Handler) closeDocument(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}
	h.group.Forget(path)
	h.docMu.Lock()
	delete(h.docs, path)
	h.docMu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// dispatch runs a scheduler-fired completion against the latest snapshot
// of path and publishes its events to the hub.
func (h *Handler) dispatch(ctx context.Context, path string, done func()) {
	h.docMu.Lock()
	st, ok := h.docs[path]
	h.docMu.Unlock()
	if !ok {
		done()
		return
	}

	ch, err := h.orch.Complete(ctx, orchestrator.CompletionTrigger{
		Document: editorctx.StaticDocument{FilePath: path, Content: st.content},
		Cursor:   st.cursor,
		Open:     st.open,
	})
	if err != nil {
		h.logger.Warn("scheduled completion rejected", zap.String("path", path), zap.Error(err))
		h.hub.Publish(StreamEvent{Type: "error", Path: path, Error: err.Error(), Reason: errorReason(err)})
		done()
		return
	}

	go func() {
		defer done()
		var sb strings.Builder
		rec := CompletionRecord{Path: path}
		for ev := range ch {
			se := toStreamEvent(ev)
			se.Path = path
			h.hub.Publish(se)
			switch ev.Kind {
			case provider.EventToken:
				sb.WriteString(ev.Text)
			case provider.EventDone:
				rec.FinishReason = ev.FinishReason
			case provider.EventError:
				rec.Error = se.Error
			}
		}
		if rec.FinishReason == "" && rec.Error == "" {
			return // superseded
		}
		rec.Text = sb.String()
		rec.FinishedAt = time.Now()
		h.hub.Record(rec)
	}()
}

func (h *Handler) completionStream(w http.ResponseWriter, r *http.Request) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	events, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.write(ev); err != nil || ev.Type == EventLagging {
				return
			}
		}
	}
}

func (h *Handler) completionHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.hub.History(limit))
}

func (h *Handler) listChats(w http.ResponseWriter, r *http.Request) {
	ids, err := h.orch.Conversations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

type chatRequest struct {
	documentRequest
	Message string `json:"message"`
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	ch, err := h.orch.Chat(r.Context(), orchestrator.ChatTurn{
		Conversation: chi.URLParam(r, "conversation"),
		Text:         req.Message,
		Document:     req.document(),
		Cursor:       req.cursor(),
		Open:         req.Open,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.stream(w, ch)
}

func (h *Handler) stopChat(w http.ResponseWriter, r *http.Request) {
	h.orch.Stop(chi.URLParam(r, "conversation"))
	w.WriteHeader(http.StatusNoContent)
}

// compressChat streams a summary of the conversation. With ?into=<id> the
// summary starts a new conversation; otherwise it replaces the history.
func (h *Handler) compressChat(w http.ResponseWriter, r *http.Request) {
	ch, err := h.orch.Compress(r.Context(), chi.URLParam(r, "conversation"), r.URL.Query().Get("into"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.stream(w, ch)
}

func (h *Handler) newChat(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.NewChat(r.Context(), chi.URLParam(r, "conversation")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) exportChat(w http.ResponseWriter, r *http.Request) {
	doc, err := h.orch.ExportChat(r.Context(), chi.URLParam(r, "conversation"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

func (h *Handler) loadChat(w http.ResponseWriter, r *http.Request) {
	doc, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	conversation := chi.URLParam(r, "conversation")
	evicted, err := h.orch.LoadChat(r.Context(), conversation, doc)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := h.orch.TokenTotal(r.Context(), conversation)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"evicted": len(evicted), "tokens": total})
}

type providerInfo struct {
	Name     string      `json:"name"`
	Type     provider.ID `json:"type"`
	Endpoint string      `json:"endpoint,omitempty"`
	Model    string      `json:"model,omitempty"`
	Local    bool        `json:"local"`
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	out := make([]providerInfo, 0, len(h.profiles))
	for _, p := range h.profiles {
		out = append(out, providerInfo{
			Name:     p.Name,
			Type:     p.ID,
			Endpoint: p.Endpoint,
			Model:    p.Model,
			Local:    p.ID.Local(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) profile(name string) (provider.Config, bool) {
	for _, p := range h.profiles {
		if p.Name == name {
			return p.Clone(), true
		}
	}
	return provider.Config{}, false
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.profile(chi.URLParam(r, "name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "provider profile not found"})
		return
	}
	models, err := h.models.Models(r.Context(), cfg)
	switch {
	case errors.Is(err, provider.ErrListingUnsupported):
		// The editor falls back to a free-text model field.
		writeJSON(w, http.StatusOK, map[string]any{"models": []string{}, "manual": true})
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"models": models, "manual": false})
	}
}

type routeRequest struct {
	Profile      string `json:"profile"`
	Model        string `json:"model,omitempty"`
	Template     string `json:"template,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// setRoute switches the provider serving a purpose. Requests already in
// flight keep the snapshot they started with.
func (h *Handler) setRoute(w http.ResponseWriter, r *http.Request) {
	if h.routes == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "route switching disabled"})
		return
	}
	purpose := orchestrator.Purpose(chi.URLParam(r, "purpose"))
	if purpose != orchestrator.PurposeCompletion && purpose != orchestrator.PurposeChat {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "purpose must be completion or chat"})
		return
	}
	var req routeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cfg, ok := h.profile(req.Profile)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "provider profile not found"})
		return
	}
	if req.Model != "" {
		cfg.Model = req.Model
	}
	route := orchestrator.Route{Provider: cfg, Template: req.Template, Instructions: req.Instructions}
	if current, err := h.routes.Route(purpose); err == nil {
		if route.Template == "" {
			route.Template = current.Template
		}
		if route.Instructions == "" {
			route.Instructions = current.Instructions
		}
	}
	h.routes.Set(purpose, route)
	h.logger.Info("route switched",
		zap.String("purpose", string(purpose)),
		zap.String("profile", cfg.Name),
		zap.String("model", cfg.Model))
	writeJSON(w, http.StatusOK, map[string]string{
		"purpose":  string(purpose),
		"profile":  cfg.Name,
		"model":    cfg.Model,
		"template": route.Template,
	})
}

// stream relays ch as server-sent events. On a client disconnect the
// request context cancels the producer, which closes ch.
func (h *Handler) stream(w http.ResponseWriter, ch <-chan provider.Event) {
	sse, ok := newSSEWriter(w)
	if !ok {
		for range ch {
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	sse.relay(ch)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentBytes)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func statusFor(err error) int {
	var pe *history.ParseError
	switch {
	case errors.As(err, &pe),
		errors.Is(err, history.ErrInvalidConversation),
		errors.Is(err, editorctx.ErrContextUnavailable):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrEmptyConversation):
		return http.StatusConflict
	case errors.Is(err, history.ErrEntryOversized):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, prompt.ErrTemplateInvalid),
		errors.Is(err, provider.ErrUnknownProvider):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrNoRoute):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error(), "reason": errorReason(err)}
	var pe *history.ParseError
	if errors.As(err, &pe) {
		body["reason"] = "malformed_document"
		body["offset"] = pe.Offset
	}
	writeJSON(w, statusFor(err), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// lineAt returns line n of s, or "" when out of range.
func lineAt(s string, n int) string {
	if n < 0 {
		return ""
	}
	for i := 0; i < n; i++ {
		j := strings.IndexByte(s, '\n')
		if j < 0 {
			return ""
		}
		s = s[j+1:]
	}
	if j := strings.IndexByte(s, '\n'); j >= 0 {
		s = s[:j]
	}
	return strings.TrimSuffix(s, "\r")
}
