package history

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrEntryOversized is returned when an entry cannot fit the token
// budget even after evicting everything that may be evicted.
var ErrEntryOversized = errors.New("token limit exceeded, start a new chat")

// Role is the author of an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Entry is one turn of a conversation.
type Entry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEntry creates an entry with an estimated token count.
func NewEntry(role Role, content string) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Tokens:    EstimateTokens(content),
		CreatedAt: time.Now().UTC(),
	}
}

// EstimateTokens approximates a token count as one token per four runes.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

// Snapshot is an opaque copy of a store's contents.
type Snapshot struct {
	entries []Entry
	total   int
}

// Len returns the number of entries in the snapshot.
func (s Snapshot) Len() int { return len(s.entries) }

// Store is a chronological conversation bounded by a token budget. The
// running total never exceeds the limit after a mutation.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
	total   int
	limit   int
	logger  *zap.Logger
}

// NewStore creates an empty store. A limit of zero disables the budget.
func NewStore(limit int, logger *zap.Logger) *Store {
	return &Store{limit: limit, logger: logger}
}

// Append adds e at the tail and evicts from the head until the budget
// holds. The newest entry and the most recent user turn are never
// evicted; if the budget cannot be met without them, ErrEntryOversized is
// returned and the store is left unchanged.
func (s *Store) Append(e Entry) ([]Entry, error) {
	if e.Tokens < 0 {
		return nil, fmt.Errorf("history entry has negative token count %d", e.Tokens)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := make([]Entry, 0, len(s.entries)+1)
	candidate = append(candidate, s.entries...)
	candidate = append(candidate, e)

	kept, evicted, total, err := fit(candidate, s.total+e.Tokens, s.limit)
	if err != nil {
		return nil, err
	}
	s.entries = kept
	s.total = total
	if len(evicted) > 0 {
		s.logger.Debug("history evicted",
			zap.Int("evicted", len(evicted)),
			zap.Int("total_tokens", total),
			zap.Int("limit", s.limit))
	}
	return evicted, nil
}

// fit evicts evictable entries from the head until total fits limit.
func fit(entries []Entry, total, limit int) (kept, evicted []Entry, newTotal int, err error) {
	if limit <= 0 || total <= limit {
		return entries, nil, total, nil
	}
	newest := len(entries) - 1
	lastUser := -1
	for i := newest; i >= 0; i-- {
		if entries[i].Role == RoleUser {
			lastUser = i
			break
		}
	}

	kept = make([]Entry, 0, len(entries))
	for i, e := range entries {
		if total > limit && i != newest && i != lastUser {
			evicted = append(evicted, e)
			total -= e.Tokens
			continue
		}
		kept = append(kept, e)
	}
	if total > limit {
		return nil, nil, 0, fmt.Errorf("%w: %d tokens over a limit of %d", ErrEntryOversized, total, limit)
	}
	return kept, evicted, total, nil
}

// Total returns the running token total.
func (s *Store) Total() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// Limit returns the token budget.
func (s *Store) Limit() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limit
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns a copy of the conversation, oldest first.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries...)
}

// Snapshot captures the current contents for a later Restore.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{entries: append([]Entry(nil), s.entries...), total: s.total}
}

// Restore puts back contents captured by Snapshot.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append([]Entry(nil), snap.entries...)
	s.total = snap.total
}

// Truncate keeps only the first n entries.
func (s *Store) Truncate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n >= len(s.entries) {
		return
	}
	for _, e := range s.entries[n:] {
		s.total -= e.Tokens
	}
	s.entries = s.entries[:n:n]
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.total = 0
}

// Replace installs entries, typically a loaded document, evicting from
// the head if they exceed the budget. On error the store is unchanged.
func (s *Store) Replace(entries []Entry) ([]Entry, error) {
	total := 0
	for _, e := range entries {
		if !e.Role.Valid() {
			return nil, fmt.Errorf("history entry %s has invalid role %q", e.ID, e.Role)
		}
		if e.Tokens < 0 {
			return nil, fmt.Errorf("history entry %s has negative token count", e.ID)
		}
		total += e.Tokens
	}
	kept, evicted, total, err := fit(append([]Entry(nil), entries...), total, s.Limit())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.entries = kept
	s.total = total
	s.mu.Unlock()
	return evicted, nil
}
