package context

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const maxChangeSnippet = 200

// Change is one recent edit kept as context for chat-style providers.
type Change struct {
	Path     string    `json:"path"`
	Line     int       `json:"line"`
	Snippet  string    `json:"snippet"`
	Modified time.Time `json:"modified"`
	seq      uint64
}

// ChangeCache is a fixed-capacity collection of recent edits. Repeated
// edits to the same line replace the earlier record and refresh its
// position, so the least recently modified line is evicted first.
type ChangeCache struct {
	cache *ttlcache.Cache[string, Change]
	seq   atomic.Uint64
}

// NewChangeCache creates a cache holding up to capacity edits. A positive
// ttl additionally expires entries that have not been touched since.
func NewChangeCache(capacity int, ttl time.Duration) *ChangeCache {
	if capacity <= 0 {
		capacity = 20
	}
	opts := []ttlcache.Option[string, Change]{
		ttlcache.WithCapacity[string, Change](uint64(capacity)),
		ttlcache.WithDisableTouchOnHit[string, Change](),
	}
	if ttl > 0 {
		opts = append(opts, ttlcache.WithTTL[string, Change](ttl))
	}
	c := ttlcache.New[string, Change](opts...)
	go c.Start()
	return &ChangeCache{cache: c}
}

// Add records an edit of one line. Blank snippets are ignored.
func (c *ChangeCache) Add(path string, line int, snippet string) {
	snippet = strings.TrimSpace(snippet)
	if path == "" || snippet == "" {
		return
	}
	if r := []rune(snippet); len(r) > maxChangeSnippet {
		snippet = string(r[:maxChangeSnippet])
	}
	ch := Change{
		Path:     path,
		Line:     line,
		Snippet:  snippet,
		Modified: time.Now(),
		seq:      c.seq.Add(1),
	}
	c.cache.Set(changeKey(path, line), ch, ttlcache.DefaultTTL)
}

// Entries returns the live changes, oldest first.
func (c *ChangeCache) Entries() []Change {
	items := c.cache.Items()
	out := make([]Change, 0, len(items))
	for _, it := range items {
		if it.IsExpired() {
			continue
		}
		out = append(out, it.Value())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Context renders recent changes outside exclude as prompt text.
func (c *ChangeCache) Context(exclude string) string {
	var b strings.Builder
	for _, ch := range c.Entries() {
		if ch.Path == exclude {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("Recent changes in other files:\n")
		}
		fmt.Fprintf(&b, "%s:%d: %s\n", ch.Path, ch.Line+1, ch.Snippet)
	}
	return b.String()
}

// Len returns the number of cached changes.
func (c *ChangeCache) Len() int { return c.cache.Len() }

// Clear drops every change.
func (c *ChangeCache) Clear() { c.cache.DeleteAll() }

// Close stops the expiry loop.
func (c *ChangeCache) Close() { c.cache.Stop() }

func changeKey(path string, line int) string {
	return fmt.Sprintf("%s:%d", path, line)
}
