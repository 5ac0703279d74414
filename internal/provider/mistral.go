package provider

import (
	"context"
	"fmt"

	"github.com/nidhogg/codeassist/internal/prompt"
)

// mistralAdapter covers Mistral's platform API and the dedicated
// Codestral host. FIM goes to /v1/fim/completions, chat to the OpenAI
// compatible route.
type mistralAdapter struct {
	*transport
	chat        *openAIAdapter
	id          ID
	defaultHost string
}

func newMistral(t *transport) *mistralAdapter {
	return newMistralVariant(t, Mistral, "https://api.mistral.ai")
}

func newCodestral(t *transport) *mistralAdapter {
	return newMistralVariant(t, Codestral, "https://codestral.mistral.ai")
}

func newMistralVariant(t *transport, id ID, host string) *mistralAdapter {
	return &mistralAdapter{
		transport:   t,
		chat:        &openAIAdapter{transport: t, id: id, defaultHost: host, fields: openAIFields},
		id:          id,
		defaultHost: host,
	}
}

func (a *mistralAdapter) ID() ID { return a.id }

func (a *mistralAdapter) BuildRequest(req *Request) (*Payload, error) {
	if req.Kind != prompt.KindFIM {
		return a.chat.BuildRequest(req)
	}
	cfg := req.Config
	body := map[string]any{
		"model":  cfg.Model,
		"prompt": req.Body.Prompt,
		"stream": cfg.Stream,
	}
	if req.Body.Suffix != "" {
		body["suffix"] = req.Body.Suffix
	}
	// The FIM route takes no penalties.
	samplingFields{Temperature: "temperature", TopP: "top_p", MaxTokens: "max_tokens", Stop: "stop"}.
		put(body, cfg.Sampling, req.Body.Stop)

	p, err := newPayload(req, cfg.endpoint(a.defaultHost)+"/v1/fim/completions", body, FramingSSE, decodeOpenAI)
	if err != nil {
		return nil, err
	}
	bearer(p, cfg.APIKey)
	return p, nil
}

// ListModels is unsupported on the Codestral host; callers fall back to a
// manually entered model name.
func (a *mistralAdapter) ListModels(ctx context.Context, cfg Config) ([]string, error) {
	if a.id == Codestral {
		return nil, fmt.Errorf("%w: %s", ErrListingUnsupported, a.id)
	}
	return listOpenAIModels(ctx, a.transport, cfg.endpoint(a.defaultHost), cfg.APIKey)
}
