package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DocumentVersion is the chat document format written by Marshal.
const DocumentVersion = "0.1"

// ParseError reports a malformed chat document.
type ParseError struct {
	Offset int64 // byte offset for syntax errors, otherwise zero
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Offset > 0 {
		return fmt.Sprintf("chat document: %s at offset %d", e.Reason, e.Offset)
	}
	return "chat document: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

type document struct {
	Version  string     `json:"version"`
	Messages []docEntry `json:"messages"`
}

type docEntry struct {
	ID        string     `json:"id,omitempty"`
	Role      Role       `json:"role"`
	Content   *string    `json:"content"`
	Tokens    *int       `json:"tokens,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Marshal encodes entries as a chat document.
func Marshal(entries []Entry) ([]byte, error) {
	doc := document{Version: DocumentVersion, Messages: make([]docEntry, len(entries))}
	for i, e := range entries {
		content, tokens := e.Content, e.Tokens
		de := docEntry{ID: e.ID, Role: e.Role, Content: &content, Tokens: &tokens}
		if !e.CreatedAt.IsZero() {
			at := e.CreatedAt
			de.CreatedAt = &at
		}
		doc.Messages[i] = de
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Unmarshal decodes and validates a chat document. It never returns a
// partial result: either every entry is valid or a *ParseError is returned.
func Unmarshal(data []byte) ([]Entry, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, syntaxError(err)
	}
	if _, ok := raw["messages"]; !ok {
		return nil, &ParseError{Reason: "missing messages"}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, syntaxError(err)
	}
	if doc.Version != DocumentVersion {
		return nil, &ParseError{Reason: fmt.Sprintf("unsupported version %q", doc.Version)}
	}

	entries := make([]Entry, 0, len(doc.Messages))
	for i, m := range doc.Messages {
		if !m.Role.Valid() {
			return nil, &ParseError{Reason: fmt.Sprintf("message %d: invalid role %q", i, m.Role)}
		}
		if m.Content == nil {
			return nil, &ParseError{Reason: fmt.Sprintf("message %d: missing content", i)}
		}
		e := Entry{ID: m.ID, Role: m.Role, Content: *m.Content}
		if m.Tokens != nil {
			if *m.Tokens < 0 {
				return nil, &ParseError{Reason: fmt.Sprintf("message %d: negative token count", i)}
			}
			e.Tokens = *m.Tokens
		} else {
			e.Tokens = EstimateTokens(e.Content)
		}
		if m.CreatedAt != nil {
			e.CreatedAt = *m.CreatedAt
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func syntaxError(err error) *ParseError {
	var se *json.SyntaxError
	if errors.As(err, &se) {
		return &ParseError{Offset: se.Offset, Reason: "invalid JSON", Err: err}
	}
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) {
		return &ParseError{Offset: te.Offset, Reason: fmt.Sprintf("field %q has wrong type", te.Field), Err: err}
	}
	return &ParseError{Reason: err.Error(), Err: err}
}

// SaveFile writes entries to path atomically.
func SaveFile(path string, entries []Entry) error {
	data, err := Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal chat: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create chat dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".chat-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write chat: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write chat: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFile reads and validates a chat document.
func LoadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}
