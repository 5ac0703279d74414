package provider

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/nidhogg/codeassist/internal/prompt"
)

const anthropicVersion = "2023-06-01"

var claudeFields = samplingFields{
	Temperature: "temperature", TopP: "top_p", TopK: "top_k", MaxTokens: "max_tokens", Stop: "stop_sequences",
}

// claudeAdapter speaks the Anthropic Messages API. It has no FIM endpoint.
type claudeAdapter struct {
	*transport
}

func newClaude(t *transport) *claudeAdapter { return &claudeAdapter{transport: t} }

func (a *claudeAdapter) ID() ID { return Claude }

func (a *claudeAdapter) host(cfg Config) string { return cfg.endpoint("https://api.anthropic.com") }

func (a *claudeAdapter) BuildRequest(req *Request) (*Payload, error) {
	if err := chatOnly(Claude, req); err != nil {
		return nil, err
	}
	cfg := req.Config

	// The system prompt is a top-level field, not a message.
	messages := make([]prompt.Message, 0, len(req.Body.Messages))
	for _, m := range req.Body.Messages {
		if m.Role != prompt.RoleSystem {
			messages = append(messages, m)
		}
	}
	body := map[string]any{
		"model":      cfg.Model,
		"messages":   messages,
		"stream":     cfg.Stream,
		"max_tokens": 4096,
	}
	if req.Body.System != "" {
		body["system"] = req.Body.System
	}
	claudeFields.put(body, cfg.Sampling, req.Body.Stop)

	p, err := newPayload(req, a.host(cfg)+"/v1/messages", body, FramingSSE, newClaudeDecoder())
	if err != nil {
		return nil, err
	}
	p.Header.Set("x-api-key", cfg.APIKey)
	p.Header.Set("anthropic-version", anthropicVersion)
	return p, nil
}

// ListModels queries /v1/models.
func (a *claudeAdapter) ListModels(ctx context.Context, cfg Config) ([]string, error) {
	h := make(http.Header)
	h.Set("x-api-key", cfg.APIKey)
	h.Set("anthropic-version", anthropicVersion)
	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := a.getJSON(ctx, a.host(cfg)+"/v1/models", h, &result); err != nil {
		return nil, err
	}
	models := make([]string, 0, len(result.Data))
	for _, m := range result.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

// newClaudeDecoder handles typed stream events and complete message
// bodies. The stop reason arrives in message_delta, before message_stop.
func newClaudeDecoder() decodeFunc {
	stopReason := "end_turn"
	return func(event string, data []byte) (frame, error) {
		f, err := decodeClaude(event, data)
		if f.FinishReason != "" {
			stopReason = f.FinishReason
		}
		if f.Done {
			f.FinishReason = stopReason
		}
		return f, err
	}
}

func decodeClaude(event string, data []byte) (frame, error) {
	var msg struct {
		Type  string `json:"type"`
		Delta struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Error      struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return frame{}, err
	}
	if event == "" {
		event = msg.Type
	}
	switch event {
	case "content_block_delta":
		return frame{Text: msg.Delta.Text}, nil
	case "message_delta":
		return frame{FinishReason: msg.Delta.StopReason}, nil
	case "message_stop":
		return frame{Done: true}, nil
	case "error":
		reason := ReasonServer
		if msg.Error.Type == "rate_limit_error" {
			reason = ReasonRateLimited
		} else if msg.Error.Type == "authentication_error" {
			reason = ReasonAuth
		}
		return frame{}, &ConnectionError{Reason: reason, Message: msg.Error.Message}
	case "message":
		var f frame
		for _, c := range msg.Content {
			if c.Type == "text" {
				f.Text += c.Text
			}
		}
		f.Done = true
		f.FinishReason = msg.StopReason
		return f, nil
	}
	return frame{}, nil
}
