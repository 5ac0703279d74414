package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/codeassist/internal/prompt"
)

var ollamaFields = samplingFields{
	Temperature: "temperature", TopP: "top_p", TopK: "top_k", MaxTokens: "num_predict",
	Presence: "presence_penalty", Frequency: "frequency_penalty", Stop: "stop",
}

// ollamaAdapter drives a local Ollama server. Responses are NDJSON.
type ollamaAdapter struct {
	*transport
}

func newOllama(t *transport) *ollamaAdapter { return &ollamaAdapter{transport: t} }

func (a *ollamaAdapter) ID() ID { return Ollama }

func (a *ollamaAdapter) host(cfg Config) string { return cfg.endpoint("http://localhost:11434") }

// BuildRequest uses /api/generate for FIM and /api/chat for chat. KeepAlive
// tells the server to unload the model after that long without requests.
func (a *ollamaAdapter) BuildRequest(req *Request) (*Payload, error) {
	cfg := req.Config
	options := map[string]any{}
	ollamaFields.put(options, cfg.Sampling, req.Body.Stop)
	if cfg.ContextWindowTokens > 0 {
		options["num_ctx"] = cfg.ContextWindowTokens
	}

	body := map[string]any{
		"model":  cfg.Model,
		"stream": cfg.Stream,
	}
	if len(options) > 0 {
		body["options"] = options
	}
	if cfg.KeepAlive > 0 {
		body["keep_alive"] = keepAlive(cfg.KeepAlive)
	}

	path := "/api/chat"
	if req.Kind == prompt.KindFIM {
		path = "/api/generate"
		body["prompt"] = req.Body.Prompt
		if req.Body.System != "" {
			body["system"] = req.Body.System
		}
		if req.Body.Suffix != "" {
			body["suffix"] = req.Body.Suffix
		} else {
			// The prompt already carries the model's FIM tokens.
			body["raw"] = true
		}
	} else {
		body["messages"] = chatMessages(req.Body)
	}
	return newPayload(req, a.host(cfg)+path, body, FramingNDJSON, decodeOllama)
}

// ListModels queries /api/tags.
func (a *ollamaAdapter) ListModels(ctx context.Context, cfg Config) ([]string, error) {
	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := a.getJSON(ctx, a.host(cfg)+"/api/tags", nil, &result); err != nil {
		return nil, err
	}
	models := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		models = append(models, m.Name)
	}
	return models, nil
}

func decodeOllama(_ string, data []byte) (frame, error) {
	var chunk struct {
		Response string `json:"response"`
		Message  struct {
			Content string `json:"content"`
		} `json:"message"`
		Done       bool   `json:"done"`
		DoneReason string `json:"done_reason"`
		Error      string `json:"error"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return frame{}, err
	}
	if chunk.Error != "" {
		return frame{}, &ConnectionError{Reason: ReasonServer, Message: chunk.Error}
	}
	return frame{
		Text:         chunk.Response + chunk.Message.Content,
		Done:         chunk.Done,
		FinishReason: chunk.DoneReason,
	}, nil
}

func keepAlive(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	return d.String()
}
