package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nidhogg/codeassist/internal/history"
	"github.com/nidhogg/codeassist/internal/provider"
)

// StreamEvent is the wire form of a provider.Event.
type StreamEvent struct {
	Type         string `json:"type"`
	Path         string `json:"path,omitempty"`
	Text         string `json:"text,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Error        string `json:"error,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Guidance     string `json:"guidance,omitempty"`
}

func toStreamEvent(ev provider.Event) StreamEvent {
	out := StreamEvent{Type: ev.Kind.String(), Text: ev.Text, FinishReason: ev.FinishReason}
	if ev.Kind == provider.EventError && ev.Err != nil {
		out.Error = ev.Err.Error()
		out.Reason = errorReason(ev.Err)
		var ce *provider.ConnectionError
		if errors.As(ev.Err, &ce) {
			out.Guidance = ce.Guidance()
		}
	}
	return out
}

func errorReason(err error) string {
	var ce *provider.ConnectionError
	switch {
	case errors.As(err, &ce):
		return string(ce.Reason)
	case errors.Is(err, provider.ErrTimeout):
		return "timeout"
	case errors.Is(err, provider.ErrParseFailure):
		return "parse_failure"
	case errors.Is(err, history.ErrEntryOversized):
		return "history_oversized"
	default:
		return "unknown"
	}
}

// sseWriter writes server-sent events and flushes after each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, flusher: f}, true
}

func (s *sseWriter) write(ev StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// relay copies events to the client until the channel closes. A write
// failure means the client went away; the caller's context cancels the
// request.
func (s *sseWriter) relay(ch <-chan provider.Event) {
	for ev := range ch {
		if err := s.write(toStreamEvent(ev)); err != nil {
			for range ch {
			}
			return
		}
	}
}
