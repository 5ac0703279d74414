package context

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Collector gathers prefix/suffix text around a cursor and optional
// content from other open files, bounded by Config.
type Collector struct {
	cfg     Config
	changes *ChangeCache
	logger  *zap.Logger
}

// NewCollector creates a Collector. changes may be nil.
func NewCollector(cfg Config, changes *ChangeCache, logger *zap.Logger) *Collector {
	return &Collector{cfg: cfg, changes: changes, logger: logger}
}

// Config returns the collector's limits.
func (c *Collector) Config() Config { return c.cfg }

// Collect builds a Window for the cursor position in doc. It only fails
// when doc itself cannot be read; open files are taken as given.
func (c *Collector) Collect(doc Document, cur Cursor, open []OpenDocument) (*Window, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: no active document", ErrContextUnavailable)
	}
	text, err := doc.Text()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrContextUnavailable, doc.Path(), err)
	}

	w := &Window{
		Path:               doc.Path(),
		FullFileRequested:  c.cfg.ReadFullFile,
		OpenFilesRequested: c.cfg.IncludeOpenFiles,
	}

	lines := strings.Split(text, "\n")
	cur = clampCursor(lines, cur)

	first, last := 0, len(lines)-1
	if !c.cfg.ReadFullFile {
		if c.cfg.LinesBefore > 0 && cur.Line-c.cfg.LinesBefore > first {
			first = cur.Line - c.cfg.LinesBefore
			w.Truncated.Prefix = true
		}
		if c.cfg.LinesAfter > 0 && cur.Line+c.cfg.LinesAfter < last {
			last = cur.Line + c.cfg.LinesAfter
			w.Truncated.Suffix = true
		}
	}
	if c.cfg.SkipCopyright {
		if end, ok := copyrightEnd(lines); ok && end < cur.Line && end+1 > first {
			first = end + 1
		}
	}

	line := []rune(lines[cur.Line])
	var prefix, suffix strings.Builder
	for _, l := range lines[first:cur.Line] {
		prefix.WriteString(l)
		prefix.WriteByte('\n')
	}
	prefix.WriteString(string(line[:cur.Column]))

	suffix.WriteString(string(line[cur.Column:]))
	for _, l := range lines[cur.Line+1 : last+1] {
		suffix.WriteByte('\n')
		suffix.WriteString(l)
	}

	var cut bool
	w.Prefix, cut = keepTail(prefix.String(), c.cfg.MaxPrefixChars)
	w.Truncated.Prefix = w.Truncated.Prefix || cut
	w.Suffix, cut = keepHead(suffix.String(), c.cfg.MaxSuffixChars)
	w.Truncated.Suffix = w.Truncated.Suffix || cut

	if c.cfg.IncludeOpenFiles {
		w.OpenFiles, w.Truncated.OpenFiles, w.Truncated.DroppedFiles = c.openFiles(doc.Path(), open)
	}
	if c.cfg.UseRecentChanges && c.changes != nil {
		w.RecentChanges = c.changes.Context(doc.Path())
	}

	if w.Truncated.Any() {
		c.logger.Debug("context truncated",
			zap.String("path", w.Path),
			zap.Bool("prefix", w.Truncated.Prefix),
			zap.Bool("suffix", w.Truncated.Suffix),
			zap.Int("open_files_cut", w.Truncated.OpenFiles),
			zap.Int("open_files_dropped", w.Truncated.DroppedFiles))
	}
	return w, nil
}

// openFiles applies the per-file cap, then drops whole files starting
// from the least recently focused until the aggregate fits.
func (c *Collector) openFiles(active string, open []OpenDocument) ([]OpenFile, int, int) {
	docs := make([]OpenDocument, 0, len(open))
	for _, d := range open {
		if d.Path == active {
			continue
		}
		docs = append(docs, d)
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].LastFocused.After(docs[j].LastFocused)
	})

	files := make([]OpenFile, 0, len(docs))
	var shortened, total int
	for _, d := range docs {
		content, cut := keepHead(d.Content, c.cfg.MaxOpenFileChars)
		if cut {
			shortened++
		}
		total += runeLen(content)
		files = append(files, OpenFile{Path: d.Path, Content: content})
	}

	dropped := 0
	if limit := c.cfg.MaxOpenFilesChars; limit > 0 {
		for len(files) > 0 && total > limit {
			total -= runeLen(files[len(files)-1].Content)
			files = files[:len(files)-1]
			dropped++
		}
	}
	return files, shortened, dropped
}

func clampCursor(lines []string, cur Cursor) Cursor {
	if cur.Line < 0 {
		cur.Line = 0
	}
	if cur.Line >= len(lines) {
		cur.Line = len(lines) - 1
	}
	n := runeLen(lines[cur.Line])
	if cur.Column < 0 {
		cur.Column = 0
	}
	if cur.Column > n {
		cur.Column = n
	}
	return cur
}

// keepTail keeps the last n runes of s.
func keepTail(s string, n int) (string, bool) {
	if n <= 0 || runeLen(s) <= n {
		return s, false
	}
	r := []rune(s)
	return string(r[len(r)-n:]), true
}

// keepHead keeps the first n runes of s.
func keepHead(s string, n int) (string, bool) {
	if n <= 0 || runeLen(s) <= n {
		return s, false
	}
	return string([]rune(s)[:n]), true
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
