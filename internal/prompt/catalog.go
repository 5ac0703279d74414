package prompt

import (
	"fmt"
	"sort"
	"sync"
)

const completionSystem = "You are an expert code completion assistant. " +
	"Reply only with the code that belongs at <cursor>, without explanations, " +
	"markdown fences or repeating the surrounding code."

const chatSystem = "You are a helpful programming assistant embedded in a code editor. " +
	"Answer concisely and use fenced code blocks for code."

var localFIM = []string{"ollama", "llamacpp", "lmstudio", "openai_compatible"}

var chatProviders = []string{"ollama", "llamacpp", "lmstudio", "openai", "openai_compatible", "openrouter", "mistral", "codestral"}

var builtinTemplates = []Template{
	{
		Name: "ollama-fim", Kind: KindFIM,
		Description: "Prefix and suffix sent as separate fields; the model applies its own FIM format.",
		User:        PlaceholderPrefix, Suffix: PlaceholderSuffix,
		Providers: []string{"ollama"},
	},
	{
		Name: "codellama-fim", Kind: KindFIM,
		User:      "<PRE> " + PlaceholderPrefix + " <SUF>" + PlaceholderSuffix + " <MID>",
		Stop:      []string{"<EOT>", "<PRE>", "<SUF", "<MID>"},
		Providers: localFIM,
	},
	{
		Name: "starcoder2-fim", Kind: KindFIM,
		User:      "<fim_prefix>" + PlaceholderPrefix + "<fim_suffix>" + PlaceholderSuffix + "<fim_middle>",
		Stop:      []string{"<|endoftext|>", "<file_sep>", "<fim_prefix>", "<fim_suffix>", "<fim_middle>"},
		Providers: localFIM,
	},
	{
		Name: "deepseekcoder-fim", Kind: KindFIM,
		User:      "<｜fim▁begin｜>" + PlaceholderPrefix + "<｜fim▁hole｜>" + PlaceholderSuffix + "<｜fim▁end｜>",
		Stop:      []string{"<｜end▁of▁sentence｜>"},
		Providers: localFIM,
	},
	{
		Name: "qwen-fim", Kind: KindFIM,
		User:      "<|fim_prefix|>" + PlaceholderPrefix + "<|fim_suffix|>" + PlaceholderSuffix + "<|fim_middle|>",
		Stop:      []string{"<|endoftext|>", "<|fim_pad|>", "<|repo_name|>", "<|file_sep|>", "<|im_start|>", "<|im_end|>"},
		Providers: localFIM,
	},
	{
		Name: "codestral-fim", Kind: KindFIM,
		User: PlaceholderPrefix, Suffix: PlaceholderSuffix,
		Providers: []string{"mistral", "codestral"},
	},
	{
		Name: "llamacpp-infill", Kind: KindFIM,
		User: PlaceholderPrefix, Suffix: PlaceholderSuffix,
		Providers: []string{"llamacpp"},
	},
	{
		Name: "chatml-completion", Kind: KindChat,
		System:    completionSystem,
		Providers: chatProviders,
	},
	{
		Name: "claude-completion", Kind: KindChat,
		System:    completionSystem,
		Providers: []string{"claude"},
	},
	{
		Name: "google-completion", Kind: KindChat,
		System:    completionSystem,
		Providers: []string{"google"},
	},
	{
		Name: "chat", Kind: KindChat,
		System: chatSystem,
		User:   PlaceholderFileContext + PlaceholderInstructions,
	},
}

// Catalog holds the built-in templates plus user-defined ones.
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]Template
}

// NewCatalog validates custom templates and registers them after the
// built-ins, so a custom template may replace a built-in of the same name.
func NewCatalog(custom ...Template) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Template)}
	for _, t := range builtinTemplates {
		c.byName[t.Name] = t
	}
	for _, t := range custom {
		if err := c.Add(t); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add validates and registers a template.
func (c *Catalog) Add(t Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.byName[t.Name] = t
	c.mu.Unlock()
	return nil
}

// Get returns a template by name.
func (c *Catalog) Get(name string) (Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byName[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: unknown template %q", ErrTemplateInvalid, name)
	}
	return t, nil
}

// List returns templates of kind usable with providerID, sorted by name.
// An empty providerID or kind matches everything.
func (c *Catalog) List(providerID string, kind Kind) []Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Template
	for _, t := range c.byName {
		if kind != "" && t.Kind != kind {
			continue
		}
		if providerID != "" && !t.Supports(providerID) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
