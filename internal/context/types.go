package context

import (
	"errors"
	"time"
)

// ErrContextUnavailable is returned when the active document cannot be read.
var ErrContextUnavailable = errors.New("context unavailable")

// Document is the active editor buffer.
type Document interface {
	Path() string
	Text() (string, error)
}

// StaticDocument is a Document backed by an in-memory string.
type StaticDocument struct {
	FilePath string
	Content  string
}

func (d StaticDocument) Path() string          { return d.FilePath }
func (d StaticDocument) Text() (string, error) { return d.Content, nil }

// Cursor is a zero-based line and rune column.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// OpenDocument is another editor tab offered as extra context.
type OpenDocument struct {
	Path        string    `json:"path"`
	Content     string    `json:"content"`
	LastFocused time.Time `json:"last_focused"`
}

// OpenFile is one entry of the collected open-files context.
type OpenFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Truncation records which parts of a Window were cut to fit the caps.
type Truncation struct {
	Prefix       bool `json:"prefix"`
	Suffix       bool `json:"suffix"`
	OpenFiles    int  `json:"open_files"`    // files shortened by the per-file cap
	DroppedFiles int  `json:"dropped_files"` // whole files dropped by the aggregate cap
}

// Any reports whether anything was truncated.
func (t Truncation) Any() bool {
	return t.Prefix || t.Suffix || t.OpenFiles > 0 || t.DroppedFiles > 0
}

// Window is the context collected around a cursor for one request.
type Window struct {
	Path               string     `json:"path"`
	Prefix             string     `json:"prefix"`
	Suffix             string     `json:"suffix"`
	OpenFiles          []OpenFile `json:"open_files,omitempty"`
	FullFileRequested  bool       `json:"full_file_requested"`
	OpenFilesRequested bool       `json:"open_files_requested"`
	Truncated          Truncation `json:"truncated"`
	RecentChanges      string     `json:"recent_changes,omitempty"`
}

// Size returns the number of runes held by the window.
func (w *Window) Size() int {
	n := runeLen(w.Prefix) + runeLen(w.Suffix)
	for _, f := range w.OpenFiles {
		n += runeLen(f.Content)
	}
	return n
}

// Config holds context collection limits. Zero caps mean unlimited.
type Config struct {
	MaxPrefixChars    int  `json:"max_prefix_chars" toml:"max_prefix_chars"`
	MaxSuffixChars    int  `json:"max_suffix_chars" toml:"max_suffix_chars"`
	LinesBefore       int  `json:"lines_before" toml:"lines_before"`
	LinesAfter        int  `json:"lines_after" toml:"lines_after"`
	ReadFullFile      bool `json:"read_full_file" toml:"read_full_file"`
	IncludeOpenFiles  bool `json:"include_open_files" toml:"include_open_files"`
	MaxOpenFileChars  int  `json:"max_open_file_chars" toml:"max_open_file_chars"`
	MaxOpenFilesChars int  `json:"max_open_files_chars" toml:"max_open_files_chars"`
	SkipCopyright     bool `json:"skip_copyright" toml:"skip_copyright"`
	UseRecentChanges  bool `json:"use_recent_changes" toml:"use_recent_changes"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxPrefixChars:    8000,
		MaxSuffixChars:    4000,
		MaxOpenFileChars:  4000,
		MaxOpenFilesChars: 12000,
		SkipCopyright:     true,
	}
}
