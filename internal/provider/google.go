package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/nidhogg/codeassist/internal/prompt"
)

var googleFields = samplingFields{
	Temperature: "temperature", TopP: "topP", TopK: "topK", MaxTokens: "maxOutputTokens",
	Presence: "presencePenalty", Frequency: "frequencyPenalty", Stop: "stopSequences",
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

// googleAdapter speaks the Gemini generateContent API. The API key goes
// in the x-goog-api-key header so it never appears in a URL.
type googleAdapter struct {
	*transport
}

func newGoogle(t *transport) *googleAdapter { return &googleAdapter{transport: t} }

func (a *googleAdapter) ID() ID { return Google }

func (a *googleAdapter) host(cfg Config) string {
	return cfg.endpoint("https://generativelanguage.googleapis.com")
}

func (a *googleAdapter) BuildRequest(req *Request) (*Payload, error) {
	if err := chatOnly(Google, req); err != nil {
		return nil, err
	}
	cfg := req.Config

	contents := make([]googleContent, 0, len(req.Body.Messages))
	for _, m := range req.Body.Messages {
		role := "user"
		switch m.Role {
		case prompt.RoleSystem:
			continue
		case prompt.RoleAssistant:
			role = "model"
		}
		contents = append(contents, googleContent{Role: role, Parts: []googlePart{{Text: m.Content}}})
	}
	body := map[string]any{"contents": contents}
	if req.Body.System != "" {
		body["system_instruction"] = googleContent{Parts: []googlePart{{Text: req.Body.System}}}
	}
	gen := map[string]any{}
	googleFields.put(gen, cfg.Sampling, req.Body.Stop)
	if len(gen) > 0 {
		body["generationConfig"] = gen
	}

	target := a.host(cfg) + "/v1beta/models/" + url.PathEscape(cfg.Model)
	if cfg.Stream {
		target += ":streamGenerateContent?alt=sse"
	} else {
		target += ":generateContent"
	}
	p, err := newPayload(req, target, body, FramingSSE, decodeGoogle)
	if err != nil {
		return nil, err
	}
	p.Header.Set("x-goog-api-key", cfg.APIKey)
	return p, nil
}

// ListModels queries /v1beta/models and strips the "models/" prefix.
func (a *googleAdapter) ListModels(ctx context.Context, cfg Config) ([]string, error) {
	h := make(http.Header)
	h.Set("x-goog-api-key", cfg.APIKey)
	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := a.getJSON(ctx, a.host(cfg)+"/v1beta/models", h, &result); err != nil {
		return nil, err
	}
	models := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		models = append(models, strings.TrimPrefix(m.Name, "models/"))
	}
	return models, nil
}

func decodeGoogle(_ string, data []byte) (frame, error) {
	var chunk struct {
		Candidates []struct {
			Content      googleContent `json:"content"`
			FinishReason string        `json:"finishReason"`
		} `json:"candidates"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return frame{}, err
	}
	if chunk.Error != nil {
		e := statusError(chunk.Error.Code, nil)
		e.Message = chunk.Error.Message
		return frame{}, e
	}
	if len(chunk.Candidates) == 0 {
		return frame{}, nil
	}
	c := chunk.Candidates[0]
	var f frame
	for _, p := range c.Content.Parts {
		f.Text += p.Text
	}
	if c.FinishReason != "" {
		f.Done = true
		f.FinishReason = strings.ToLower(c.FinishReason)
	}
	return f, nil
}
