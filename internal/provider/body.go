package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nidhogg/codeassist/internal/prompt"
)

func unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func trimSlash(s string) string { return strings.TrimRight(s, "/") }

// samplingFields names each sampling parameter in a backend's schema.
// An empty name means the backend has no such parameter and it is omitted.
type samplingFields struct {
	Temperature, TopP, TopK, MaxTokens, Presence, Frequency, Stop string
}

var openAIFields = samplingFields{
	Temperature: "temperature", TopP: "top_p", MaxTokens: "max_tokens",
	Presence: "presence_penalty", Frequency: "frequency_penalty", Stop: "stop",
}

// put writes the set sampling parameters into m under the backend's names.
func (f samplingFields) put(m map[string]any, s Sampling, stop []string) {
	if f.Temperature != "" && s.Temperature != nil {
		m[f.Temperature] = *s.Temperature
	}
	if f.TopP != "" && s.TopP != nil {
		m[f.TopP] = *s.TopP
	}
	if f.TopK != "" && s.TopK != nil {
		m[f.TopK] = *s.TopK
	}
	if f.MaxTokens != "" && s.MaxTokens > 0 {
		m[f.MaxTokens] = s.MaxTokens
	}
	if f.Presence != "" && s.PresencePenalty != nil {
		m[f.Presence] = *s.PresencePenalty
	}
	if f.Frequency != "" && s.FrequencyPenalty != nil {
		m[f.Frequency] = *s.FrequencyPenalty
	}
	if f.Stop != "" && len(stop) > 0 {
		m[f.Stop] = stop
	}
}

// withTopK returns a copy that also maps top_k.
func (f samplingFields) withTopK(name string) samplingFields {
	f.TopK = name
	return f
}

// chatMessages returns the rendered conversation with the system prompt
// as a leading message.
func chatMessages(r prompt.Rendered) []prompt.Message {
	msgs := make([]prompt.Message, 0, len(r.Messages)+1)
	if r.System != "" {
		msgs = append(msgs, prompt.Message{Role: prompt.RoleSystem, Content: r.System})
	}
	return append(msgs, r.Messages...)
}

// chatOnly rejects FIM requests for backends without a completion endpoint.
func chatOnly(id ID, req *Request) error {
	if req.Kind != prompt.KindChat {
		return fmt.Errorf("%w: %s accepts only chat templates", ErrUnsupportedKind, id)
	}
	return nil
}

// newPayload marshals body, overlaying a rendered custom body if the
// template supplied one, and applies the config's timeouts and headers.
func newPayload(req *Request, url string, body map[string]any, framing Framing, decode decodeFunc) (*Payload, error) {
	if len(req.Body.Body) > 0 {
		var custom map[string]any
		if err := json.Unmarshal(req.Body.Body, &custom); err != nil {
			return nil, fmt.Errorf("custom body: %w", err)
		}
		for k, v := range custom {
			body[k] = v
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	for k, v := range req.Config.Headers {
		h.Set(k, v)
	}
	if !req.Config.Stream {
		framing = FramingNone
	}
	return &Payload{
		Method:         http.MethodPost,
		URL:            url,
		Header:         h,
		Body:           data,
		Framing:        framing,
		ConnectTimeout: req.Config.ConnectTimeout,
		IdleTimeout:    req.Config.IdleTimeout,
		decode:         decode,
	}, nil
}

func bearer(p *Payload, key string) {
	if key != "" {
		p.Header.Set("Authorization", "Bearer "+key)
	}
}
