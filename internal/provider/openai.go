package provider

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/nidhogg/codeassist/internal/prompt"
)

// openAIAdapter speaks the OpenAI chat/completions protocol. It backs the
// openai, openai_compatible, lmstudio and openrouter variants.
type openAIAdapter struct {
	*transport
	id          ID
	defaultHost string
	fields      samplingFields
	headers     map[string]string
}

func newOpenAI(t *transport) *openAIAdapter {
	return &openAIAdapter{transport: t, id: OpenAI, defaultHost: "https://api.openai.com", fields: openAIFields}
}

func newOpenAICompatible(t *transport) *openAIAdapter {
	return &openAIAdapter{transport: t, id: OpenAICompatible, defaultHost: "http://localhost:8000", fields: openAIFields.withTopK("top_k")}
}

func newLMStudio(t *transport) *openAIAdapter {
	return &openAIAdapter{transport: t, id: LMStudio, defaultHost: "http://localhost:1234", fields: openAIFields.withTopK("top_k")}
}

func newOpenRouter(t *transport) *openAIAdapter {
	return &openAIAdapter{
		transport:   t,
		id:          OpenRouter,
		defaultHost: "https://openrouter.ai/api",
		fields:      openAIFields.withTopK("top_k"),
		headers: map[string]string{
			"HTTP-Referer": "https://github.com/nidhogg/codeassist",
			"X-Title":      "codeassist",
		},
	}
}

func (a *openAIAdapter) ID() ID { return a.id }

// BuildRequest targets /v1/chat/completions for chat templates and the
// legacy /v1/completions endpoint (with suffix) for FIM templates.
func (a *openAIAdapter) BuildRequest(req *Request) (*Payload, error) {
	cfg := req.Config
	body := map[string]any{
		"model":  cfg.Model,
		"stream": cfg.Stream,
	}
	a.fields.put(body, cfg.Sampling, req.Body.Stop)

	path := "/v1/chat/completions"
	if req.Kind == prompt.KindFIM {
		path = "/v1/completions"
		body["prompt"] = req.Body.Prompt
		if req.Body.Suffix != "" {
			body["suffix"] = req.Body.Suffix
		}
	} else {
		body["messages"] = chatMessages(req.Body)
	}

	p, err := newPayload(req, cfg.endpoint(a.defaultHost)+path, body, FramingSSE, decodeOpenAI)
	if err != nil {
		return nil, err
	}
	bearer(p, cfg.APIKey)
	for k, v := range a.headers {
		if p.Header.Get(k) == "" {
			p.Header.Set(k, v)
		}
	}
	return p, nil
}

// ListModels queries /v1/models.
func (a *openAIAdapter) ListModels(ctx context.Context, cfg Config) ([]string, error) {
	return listOpenAIModels(ctx, a.transport, cfg.endpoint(a.defaultHost), cfg.APIKey)
}

func listOpenAIModels(ctx context.Context, t *transport, host, key string) ([]string, error) {
	h := make(http.Header)
	if key != "" {
		h.Set("Authorization", "Bearer "+key)
	}
	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := t.getJSON(ctx, host+"/v1/models", h, &result); err != nil {
		return nil, err
	}
	models := make([]string, 0, len(result.Data))
	for _, m := range result.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Text         string  `json:"text"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// decodeOpenAI handles streamed chunks, "[DONE]", and complete bodies of
// both chat and text completions.
func decodeOpenAI(_ string, data []byte) (frame, error) {
	if string(data) == "[DONE]" {
		return frame{Done: true}, nil
	}
	var chunk openAIChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return frame{}, err
	}
	if chunk.Error != nil {
		return frame{}, &ConnectionError{Reason: ReasonServer, Message: chunk.Error.Message}
	}
	if len(chunk.Choices) == 0 {
		return frame{}, nil
	}
	c := chunk.Choices[0]
	f := frame{Text: c.Delta.Content + c.Message.Content + c.Text}
	if c.FinishReason != nil && *c.FinishReason != "" {
		f.Done = true
		f.FinishReason = *c.FinishReason
	}
	return f, nil
}
