package api

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CompletionRecord tracks a finished scheduler-dispatched completion.
type CompletionRecord struct {
	Path         string    `json:"path"`
	Text         string    `json:"text"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Error        string    `json:"error,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// subscriberBuffer is how many events a subscriber may fall behind before
// it is evicted.
const subscriberBuffer = 64

// EventLagging is the terminal event sent to an evicted subscriber.
const EventLagging = "lagging"

// Hub fans completion events out to every subscriber of the completion
// stream. Chunks are positional, so a subscriber that falls behind is
// evicted with a terminal lagging event instead of missing chunks.
type Hub struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	history []CompletionRecord
	keep    int
	logger  *zap.Logger
}

type subscriber struct {
	// ch has one slot beyond subscriberBuffer reserved for the lagging event.
	ch   chan StreamEvent
	once sync.Once
}

func (s *subscriber) close() { s.once.Do(func() { close(s.ch) }) }

// NewHub keeps the last keep records.
func NewHub(keep int, logger *zap.Logger) *Hub {
	if keep <= 0 {
		keep = 50
	}
	return &Hub{subs: make(map[*subscriber]struct{}), keep: keep, logger: logger}
}

// Subscribe returns a channel of events and a function that ends the
// subscription. The channel is closed on unsubscribe or eviction.
func (h *Hub) Subscribe() (<-chan StreamEvent, func()) {
	sub := &subscriber{ch: make(chan StreamEvent, subscriberBuffer+1)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub.ch, func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		sub.close()
	}
}

// Publish sends ev to all subscribers. Only Publish sends, under h.mu, so
// the length check cannot race with another sender.
func (h *Hub) Publish(ev StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if len(sub.ch) < subscriberBuffer {
			sub.ch <- ev
			continue
		}
		h.logger.Warn("completion subscriber lagging, evicted",
			zap.String("path", ev.Path), zap.Int("buffered", len(sub.ch)))
		delete(h.subs, sub)
		sub.ch <- StreamEvent{Type: EventLagging, Path: ev.Path}
		sub.close()
	}
}

// Record stores a finished completion.
func (h *Hub) Record(rec CompletionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, rec)
	if len(h.history) > h.keep {
		h.history = append([]CompletionRecord(nil), h.history[len(h.history)-h.keep:]...)
	}
}

// History returns up to limit recent records, oldest first.
func (h *Hub) History(limit int) []CompletionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > len(h.history) {
		limit = len(h.history)
	}
	return append([]CompletionRecord(nil), h.history[len(h.history)-limit:]...)
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
