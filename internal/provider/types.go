package provider

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nidhogg/codeassist/internal/prompt"
)

// ID names one of the supported backends.
type ID string

const (
	Ollama           ID = "ollama"
	LlamaCpp         ID = "llamacpp"
	LMStudio         ID = "lmstudio"
	OpenAI           ID = "openai"
	OpenAICompatible ID = "openai_compatible"
	OpenRouter       ID = "openrouter"
	Claude           ID = "claude"
	Google           ID = "google"
	Mistral          ID = "mistral"
	Codestral        ID = "codestral"
)

// IDs lists every supported backend.
var IDs = []ID{Ollama, LlamaCpp, LMStudio, OpenAI, OpenAICompatible, OpenRouter, Claude, Google, Mistral, Codestral}

// Known reports whether id names a supported backend.
func Known(id ID) bool { return slices.Contains(IDs, id) }

// Local reports whether the backend is a local inference server.
func (id ID) Local() bool {
	return id == Ollama || id == LlamaCpp || id == LMStudio
}

// Provider translates generic requests into one backend's wire format.
// Implementations are stateless; all per-request settings arrive in the
// Config snapshot carried by the Request.
type Provider interface {
	ID() ID
	BuildRequest(req *Request) (*Payload, error)
	Stream(ctx context.Context, p *Payload) (<-chan Event, error)
	ListModels(ctx context.Context, cfg Config) ([]string, error)
}

// Sampling holds generation parameters. Nil fields are left to the
// backend's defaults and never sent.
type Sampling struct {
	Temperature      *float64 `json:"temperature,omitempty" toml:"temperature"`
	TopP             *float64 `json:"top_p,omitempty" toml:"top_p"`
	TopK             *int     `json:"top_k,omitempty" toml:"top_k"`
	MaxTokens        int      `json:"max_tokens,omitempty" toml:"max_tokens"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty" toml:"presence_penalty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty" toml:"frequency_penalty"`
}

func (s Sampling) clone() Sampling {
	return Sampling{
		Temperature:      clonePtr(s.Temperature),
		TopP:             clonePtr(s.TopP),
		TopK:             clonePtr(s.TopK),
		MaxTokens:        s.MaxTokens,
		PresencePenalty:  clonePtr(s.PresencePenalty),
		FrequencyPenalty: clonePtr(s.FrequencyPenalty),
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Config is the provider configuration read for one request.
type Config struct {
	Name                string            `json:"name"`
	ID                  ID                `json:"id"`
	Endpoint            string            `json:"endpoint"`
	Model               string            `json:"model"`
	APIKey              string            `json:"-"`
	Stream              bool              `json:"stream"`
	Sampling            Sampling          `json:"sampling"`
	ContextWindowTokens int               `json:"context_window_tokens,omitempty"`
	KeepAlive           time.Duration     `json:"keep_alive,omitempty"`
	ConnectTimeout      time.Duration     `json:"connect_timeout,omitempty"`
	IdleTimeout         time.Duration     `json:"idle_timeout,omitempty"`
	Headers             map[string]string `json:"headers,omitempty"`
}

// Clone returns a deep copy so a snapshot shares nothing with its source.
func (c Config) Clone() Config {
	out := c
	out.Sampling = c.Sampling.clone()
	out.Headers = maps.Clone(c.Headers)
	return out
}

// endpoint returns the configured base URL or def.
func (c Config) endpoint(def string) string {
	if c.Endpoint != "" {
		return trimSlash(c.Endpoint)
	}
	return def
}

// Request is built once per dispatch and never mutated. Cancellation is
// carried by the context passed to Stream.
type Request struct {
	ID     string
	Kind   prompt.Kind
	Body   prompt.Rendered
	Config Config
}

// NewRequest snapshots cfg into a new Request.
func NewRequest(body prompt.Rendered, cfg Config) *Request {
	return &Request{
		ID:     uuid.NewString(),
		Kind:   body.Kind,
		Body:   body,
		Config: cfg.Clone(),
	}
}

// EventKind tags a stream event.
type EventKind int

const (
	EventToken EventKind = iota
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one element of a response stream. Events of one request are
// delivered in emission order; Done and Error are terminal.
type Event struct {
	Kind         EventKind
	Text         string
	FinishReason string
	Err          error
}

// Token creates a text chunk event.
func Token(text string) Event { return Event{Kind: EventToken, Text: text} }

// Done creates a terminal success event.
func Done(reason string) Event { return Event{Kind: EventDone, FinishReason: reason} }

// Failure creates a terminal error event.
func Failure(err error) Event { return Event{Kind: EventError, Err: err} }

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool { return e.Kind != EventToken }
