package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	editorctx "github.com/nidhogg/codeassist/internal/context"
)

// Roles used in rendered chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a rendered chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Rendered is a template rendered against one context window. Adapters
// turn it into their wire format.
type Rendered struct {
	Template string          `json:"template"`
	Kind     Kind            `json:"kind"`
	System   string          `json:"system,omitempty"`
	Prompt   string          `json:"prompt,omitempty"`
	Suffix   string          `json:"suffix,omitempty"`
	Messages []Message       `json:"messages,omitempty"`
	Stop     []string        `json:"stop,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
	Language string          `json:"language,omitempty"`
}

const defaultChatUser = "{{QODE_FILE_CONTEXT}}" +
	"Here is the code around the cursor:\n" +
	"<code_context>\n{{QODE_PREFIX}}<cursor>{{QODE_SUFFIX}}\n</code_context>\n\n" +
	"{{QODE_INSTRUCTIONS}}"

// Engine renders templates with strict single-pass substitution.
type Engine struct {
	langs  *Languages
	rules  Rules
	logger *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRules appends project rules to every rendered system prompt.
func WithRules(r Rules) EngineOption {
	return func(e *Engine) { e.rules = r }
}

// NewEngine creates an Engine. A nil langs uses the built-in table.
func NewEngine(langs *Languages, logger *zap.Logger, opts ...EngineOption) *Engine {
	if langs == nil {
		langs = NewLanguages()
	}
	e := &Engine{langs: langs, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Languages returns the engine's language table.
func (e *Engine) Languages() *Languages { return e.langs }

// Render substitutes the window and instructions into t. w may be nil
// when no code context applies. Placeholders inside substituted values
// are never expanded. Completion rules are appended to the system prompt.
func (e *Engine) Render(t Template, w *editorctx.Window, instructions string) (Rendered, error) {
	return e.render(t, w, instructions, false)
}

func (e *Engine) render(t Template, w *editorctx.Window, instructions string, chat bool) (Rendered, error) {
	if err := t.Validate(); err != nil {
		return Rendered{}, err
	}
	if w == nil {
		w = &editorctx.Window{}
	}
	lang := e.langs.ForPath(w.Path)
	r := newReplacer(w, lang, instructions, e.fileContext(t.Kind, w, lang))

	out := Rendered{
		Template: t.Name,
		Kind:     t.Kind,
		System:   r.Replace(t.System),
		Stop:     append([]string(nil), t.Stop...),
		Language: lang.Name,
	}
	// Rule text is appended after substitution so it is never expanded.
	if rules := e.rules.text(chat); rules != "" {
		if out.System != "" {
			out.System += "\n\n"
		}
		out.System += rules
	}
	switch t.Kind {
	case KindFIM:
		out.Prompt = r.Replace(t.User)
		out.Suffix = r.Replace(t.Suffix)
	case KindChat:
		user := t.User
		if user == "" {
			user = defaultChatUser
		}
		out.Prompt = r.Replace(user)
		out.Messages = []Message{{Role: RoleUser, Content: out.Prompt}}
	}

	if len(t.Body) > 0 {
		body, err := renderBody(t.Body, r)
		if err != nil {
			return Rendered{}, fmt.Errorf("%w: %s: %v", ErrTemplateInvalid, t.Name, err)
		}
		out.Body = body
	}

	e.logger.Debug("prompt rendered",
		zap.String("template", t.Name),
		zap.String("kind", string(t.Kind)),
		zap.String("language", lang.Name),
		zap.Int("prompt_chars", len(out.Prompt)))
	return out, nil
}

// RenderChat renders a chat turn on top of prior conversation messages.
// Chat rules are appended to the system prompt.
func (e *Engine) RenderChat(t Template, w *editorctx.Window, text string, history []Message) (Rendered, error) {
	if t.Kind != KindChat {
		return Rendered{}, fmt.Errorf("%w: %s: chat turn needs a chat template", ErrTemplateInvalid, t.Name)
	}
	out, err := e.render(t, w, text, true)
	if err != nil {
		return Rendered{}, err
	}
	msgs := make([]Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	out.Messages = append(msgs, out.Messages...)
	return out, nil
}

// fileContext is the file description block for chat prompts.
func (e *Engine) fileContext(kind Kind, w *editorctx.Window, lang Language) string {
	if kind != KindChat || w.Path == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(FileInfo(lang, w.Path))
	b.WriteString("\n\n")
	for _, f := range w.OpenFiles {
		fmt.Fprintf(&b, "File: %s\n```%s\n%s\n```\n\n", f.Path, e.langs.ForPath(f.Path).Name, f.Content)
	}
	if w.RecentChanges != "" {
		b.WriteString(w.RecentChanges)
		b.WriteString("\n")
	}
	return b.String()
}

func newReplacer(w *editorctx.Window, lang Language, instructions, fileContext string) *strings.Replacer {
	return strings.NewReplacer(
		PlaceholderInstructions, instructions,
		PlaceholderPrefix, w.Prefix,
		PlaceholderSuffix, w.Suffix,
		PlaceholderLanguage, lang.Name,
		PlaceholderFileContext, fileContext,
	)
}

// renderBody substitutes placeholders in every string leaf of a JSON
// document. Keys are left as written.
func renderBody(raw json.RawMessage, r *strings.Replacer) (json.RawMessage, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(substituteLeaves(doc, r))
}

func substituteLeaves(v any, r *strings.Replacer) any {
	switch x := v.(type) {
	case string:
		return r.Replace(x)
	case map[string]any:
		for k, val := range x {
			x[k] = substituteLeaves(val, r)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = substituteLeaves(val, r)
		}
		return x
	default:
		return v
	}
}
