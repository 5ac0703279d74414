package context

import (
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

type brokenDoc struct{}

func (brokenDoc) Path() string          { return "broken.go" }
func (brokenDoc) Text() (string, error) { return "", errors.New("buffer closed") }

func newTestCollector(cfg Config) *Collector {
	return NewCollector(cfg, nil, zap.NewNop())
}

func TestCollectSplitsAtCursor(t *testing.T) {
	c := newTestCollector(Config{})
	doc := StaticDocument{FilePath: "main.go", Content: "package main\n\nfunc main() {\n\tfoo()\n}\n"}

	w, err := c.Collect(doc, Cursor{Line: 3, Column: 5}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Prefix != "package main\n\nfunc main() {\n\tfoo(" {
		t.Errorf("prefix = %q", w.Prefix)
	}
	if w.Suffix != ")\n}\n" {
		t.Errorf("suffix = %q", w.Suffix)
	}
	if w.Truncated.Any() {
		t.Errorf("unexpected truncation: %+v", w.Truncated)
	}
}

func TestCollectCapsKeepCursorAdjacentText(t *testing.T) {
	prefix := strings.Repeat("a", 50) + "XYZ"
	suffix := "123" + strings.Repeat("b", 50)
	doc := StaticDocument{FilePath: "x.txt", Content: prefix + suffix}

	for _, tc := range []struct{ p, s int }{{3, 3}, {10, 1}, {1, 40}, {100, 100}} {
		c := newTestCollector(Config{MaxPrefixChars: tc.p, MaxSuffixChars: tc.s})
		w, err := c.Collect(doc, Cursor{Line: 0, Column: len(prefix)}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if runeLen(w.Prefix) > tc.p {
			t.Errorf("caps %v: prefix len %d", tc, runeLen(w.Prefix))
		}
		if runeLen(w.Suffix) > tc.s {
			t.Errorf("caps %v: suffix len %d", tc, runeLen(w.Suffix))
		}
		if !strings.HasSuffix(prefix, w.Prefix) {
			t.Errorf("caps %v: prefix %q is not the text before the cursor", tc, w.Prefix)
		}
		if !strings.HasPrefix(suffix, w.Suffix) {
			t.Errorf("caps %v: suffix %q is not the text after the cursor", tc, w.Suffix)
		}
		if wantCut := tc.p < len(prefix); w.Truncated.Prefix != wantCut {
			t.Errorf("caps %v: prefix truncated = %v, want %v", tc, w.Truncated.Prefix, wantCut)
		}
	}
}

func TestCollectCountsRunes(t *testing.T) {
	c := newTestCollector(Config{MaxPrefixChars: 2})
	doc := StaticDocument{FilePath: "u.txt", Content: "héllo"}

	w, err := c.Collect(doc, Cursor{Line: 0, Column: 3}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Prefix != "él" {
		t.Errorf("prefix = %q, want %q", w.Prefix, "él")
	}
}

func TestCollectLineWindow(t *testing.T) {
	c := newTestCollector(Config{LinesBefore: 1, LinesAfter: 1})
	doc := StaticDocument{FilePath: "l.txt", Content: "1\n2\n3\n4\n5"}

	w, err := c.Collect(doc, Cursor{Line: 2, Column: 1}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Prefix != "2\n3" || w.Suffix != "\n4" {
		t.Errorf("got prefix %q suffix %q", w.Prefix, w.Suffix)
	}
	if !w.Truncated.Prefix || !w.Truncated.Suffix {
		t.Errorf("expected both sides truncated: %+v", w.Truncated)
	}

	c = newTestCollector(Config{LinesBefore: 1, LinesAfter: 1, ReadFullFile: true})
	w, _ = c.Collect(doc, Cursor{Line: 2, Column: 1}, nil)
	if w.Prefix != "1\n2\n3" || !w.FullFileRequested {
		t.Errorf("full file: got prefix %q requested=%v", w.Prefix, w.FullFileRequested)
	}
}

func TestCollectSkipsCopyrightHeader(t *testing.T) {
	src := "// Copyright 2024 Example Inc.\n// SPDX-License-Identifier: MIT\n\npackage main\n"
	c := newTestCollector(Config{SkipCopyright: true})

	w, err := c.Collect(StaticDocument{FilePath: "main.go", Content: src}, Cursor{Line: 3, Column: 12}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Prefix != "\npackage main" {
		t.Errorf("prefix = %q", w.Prefix)
	}

	plain := "// helpers for main\npackage main\n"
	w, _ = c.Collect(StaticDocument{FilePath: "main.go", Content: plain}, Cursor{Line: 1, Column: 0}, nil)
	if !strings.HasPrefix(w.Prefix, "// helpers") {
		t.Errorf("non-license comment was dropped: %q", w.Prefix)
	}
}

func TestCollectOpenFiles(t *testing.T) {
	now := time.Now()
	open := []OpenDocument{
		{Path: "old.go", Content: strings.Repeat("o", 10), LastFocused: now.Add(-time.Hour)},
		{Path: "main.go", Content: "active", LastFocused: now},
		{Path: "new.go", Content: strings.Repeat("n", 30), LastFocused: now.Add(-time.Minute)},
		{Path: "mid.go", Content: strings.Repeat("m", 10), LastFocused: now.Add(-10 * time.Minute)},
	}
	c := newTestCollector(Config{IncludeOpenFiles: true, MaxOpenFileChars: 20, MaxOpenFilesChars: 30})

	w, err := c.Collect(StaticDocument{FilePath: "main.go", Content: "x"}, Cursor{}, open)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.OpenFiles) != 2 {
		t.Fatalf("got %d open files, want 2: %+v", len(w.OpenFiles), w.OpenFiles)
	}
	if w.OpenFiles[0].Path != "new.go" || w.OpenFiles[1].Path != "mid.go" {
		t.Errorf("unexpected order: %s, %s", w.OpenFiles[0].Path, w.OpenFiles[1].Path)
	}
	if runeLen(w.OpenFiles[0].Content) != 20 {
		t.Errorf("per-file cap not applied: %d", runeLen(w.OpenFiles[0].Content))
	}
	if w.Truncated.OpenFiles != 1 || w.Truncated.DroppedFiles != 1 {
		t.Errorf("truncation = %+v", w.Truncated)
	}
}

func TestCollectOpenFilesNotRequested(t *testing.T) {
	c := newTestCollector(Config{})
	open := []OpenDocument{{Path: "other.go", Content: "x"}}

	w, _ := c.Collect(StaticDocument{FilePath: "main.go", Content: ""}, Cursor{}, open)
	if w.OpenFilesRequested || len(w.OpenFiles) != 0 {
		t.Errorf("open files collected without being requested: %+v", w)
	}
	if w.Truncated.Any() {
		t.Errorf("empty result must not be reported as truncated")
	}
}

func TestCollectUnreadableDocument(t *testing.T) {
	c := newTestCollector(Config{})
	if _, err := c.Collect(brokenDoc{}, Cursor{}, nil); !errors.Is(err, ErrContextUnavailable) {
		t.Fatalf("got %v, want ErrContextUnavailable", err)
	}
	if _, err := c.Collect(nil, Cursor{}, nil); !errors.Is(err, ErrContextUnavailable) {
		t.Fatalf("nil doc: got %v, want ErrContextUnavailable", err)
	}
}

func TestCollectClampsCursor(t *testing.T) {
	c := newTestCollector(Config{})
	w, err := c.Collect(StaticDocument{FilePath: "a", Content: "ab\ncd"}, Cursor{Line: 9, Column: 9}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Prefix != "ab\ncd" || w.Suffix != "" {
		t.Errorf("got prefix %q suffix %q", w.Prefix, w.Suffix)
	}
}
