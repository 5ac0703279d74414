package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrTemplateInvalid is returned for templates that cannot be rendered.
var ErrTemplateInvalid = errors.New("template invalid")

// Placeholders recognized in template text.
const (
	PlaceholderInstructions = "{{QODE_INSTRUCTIONS}}"
	PlaceholderPrefix       = "{{QODE_PREFIX}}"
	PlaceholderSuffix       = "{{QODE_SUFFIX}}"
	PlaceholderLanguage     = "{{QODE_LANGUAGE}}"
	PlaceholderFileContext  = "{{QODE_FILE_CONTEXT}}"
)

// Kind distinguishes fill-in-the-middle from chat-style prompting.
type Kind string

const (
	KindFIM  Kind = "fim"
	KindChat Kind = "chat"
)

// Template describes how a request body is produced from context.
//
// For FIM templates User carries the prompt text. Suffix is set when the
// provider accepts the suffix as a separate field; otherwise the suffix
// placeholder must appear in User. For chat templates User is the text of
// the synthetic user message and may be empty to use the default layout.
type Template struct {
	Name        string          `json:"name" toml:"name"`
	Kind        Kind            `json:"kind" toml:"kind"`
	Description string          `json:"description,omitempty" toml:"description"`
	System      string          `json:"system,omitempty" toml:"system"`
	User        string          `json:"user,omitempty" toml:"user"`
	Suffix      string          `json:"suffix,omitempty" toml:"suffix"`
	Stop        []string        `json:"stop,omitempty" toml:"stop"`
	Body        json.RawMessage `json:"body,omitempty" toml:"-"`
	Providers   []string        `json:"providers,omitempty" toml:"providers"`
}

// Validate checks that the template can be rendered for its kind.
func (t Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: missing name", ErrTemplateInvalid)
	}
	if len(t.Body) > 0 && !json.Valid(t.Body) {
		return fmt.Errorf("%w: %s: body is not valid JSON", ErrTemplateInvalid, t.Name)
	}
	switch t.Kind {
	case KindFIM:
		text := t.User + string(t.Body)
		if !strings.Contains(text, PlaceholderPrefix) {
			return fmt.Errorf("%w: %s: FIM template lacks %s", ErrTemplateInvalid, t.Name, PlaceholderPrefix)
		}
		if !strings.Contains(text+t.Suffix, PlaceholderSuffix) {
			return fmt.Errorf("%w: %s: FIM template lacks %s", ErrTemplateInvalid, t.Name, PlaceholderSuffix)
		}
	case KindChat:
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrTemplateInvalid, t.Name, t.Kind)
	}
	return nil
}

// Supports reports whether the template declares the provider. Templates
// without a provider list are usable everywhere.
func (t Template) Supports(providerID string) bool {
	if len(t.Providers) == 0 {
		return true
	}
	for _, p := range t.Providers {
		if p == providerID {
			return true
		}
	}
	return false
}
