package provider

import (
	"context"
	"encoding/json"

	"github.com/nidhogg/codeassist/internal/prompt"
)

var llamaCppFields = samplingFields{
	Temperature: "temperature", TopP: "top_p", TopK: "top_k", MaxTokens: "n_predict",
	Presence: "presence_penalty", Frequency: "frequency_penalty", Stop: "stop",
}

// llamaCppAdapter drives llama.cpp's server: native /infill for split
// FIM, /completion for raw FIM prompts, OpenAI routes for chat.
type llamaCppAdapter struct {
	*transport
	chat *openAIAdapter
}

func newLlamaCpp(t *transport) *llamaCppAdapter {
	return &llamaCppAdapter{
		transport: t,
		chat:      &openAIAdapter{transport: t, id: LlamaCpp, defaultHost: "http://localhost:8080", fields: openAIFields.withTopK("top_k")},
	}
}

func (a *llamaCppAdapter) ID() ID { return LlamaCpp }

func (a *llamaCppAdapter) BuildRequest(req *Request) (*Payload, error) {
	if req.Kind != prompt.KindFIM {
		return a.chat.BuildRequest(req)
	}
	cfg := req.Config
	body := map[string]any{
		"stream":       cfg.Stream,
		"cache_prompt": true,
	}
	if cfg.Model != "" {
		body["model"] = cfg.Model
	}
	llamaCppFields.put(body, cfg.Sampling, req.Body.Stop)

	path := "/completion"
	if req.Body.Suffix != "" {
		path = "/infill"
		body["input_prefix"] = req.Body.Prompt
		body["input_suffix"] = req.Body.Suffix
		body["prompt"] = ""
	} else {
		body["prompt"] = req.Body.Prompt
	}
	p, err := newPayload(req, cfg.endpoint(a.chat.defaultHost)+path, body, FramingSSE, decodeLlamaCpp)
	if err != nil {
		return nil, err
	}
	bearer(p, cfg.APIKey)
	return p, nil
}

func (a *llamaCppAdapter) ListModels(ctx context.Context, cfg Config) ([]string, error) {
	return a.chat.ListModels(ctx, cfg)
}

// decodeLlamaCpp handles native frames; chat responses go through the
// OpenAI decoder via the chat adapter's payload.
func decodeLlamaCpp(_ string, data []byte) (frame, error) {
	var chunk struct {
		Content  string `json:"content"`
		Stop     bool   `json:"stop"`
		StopType string `json:"stop_type"`
		Error    *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return frame{}, err
	}
	if chunk.Error != nil {
		return frame{}, &ConnectionError{Reason: ReasonServer, Message: chunk.Error.Message}
	}
	return frame{Text: chunk.Content, Done: chunk.Stop, FinishReason: chunk.StopType}, nil
}
