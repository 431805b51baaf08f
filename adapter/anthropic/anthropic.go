// Package anthropic is the wire codec for the Anthropic messages API.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sluicehq/sluice"
)

// Tag is the adapter tag this codec registers under.
const Tag = "anthropic"

// defaultVersion is sent as anthropic-version unless the model's headers
// carry one.
const defaultVersion = "2023-06-01"

// defaultMaxTokens applies when the model declares no return cap; the
// messages API rejects requests without max_tokens.
const defaultMaxTokens = 4096

// Adapter builds messages-API bodies and decodes content-block responses
// and event-typed SSE deltas.
type Adapter struct{}

var _ sluice.ModelAdapter = (*Adapter)(nil)

func New() *Adapter {
	return &Adapter{}
}

// BuildRequest renders the messages call. System messages lift into the
// top-level system field; Options keys merge into the body last.
func (a *Adapter) BuildRequest(req sluice.AdapterRequest) (sluice.ModelRequest, error) {
	m := req.Model
	msgs, system := splitSystem(req.Prompt)

	maxTokens := m.MaxReturnTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body := map[string]any{
		"model":      m.Name,
		"max_tokens": maxTokens,
		"messages":   msgs,
	}
	if system != "" {
		body["system"] = system
	}
	if req.Stream {
		body["stream"] = true
	}
	for k, v := range req.Options {
		body[k] = v
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return sluice.ModelRequest{}, fmt.Errorf("marshal body: %w", err)
	}

	headers := make(map[string]string, len(m.Headers)+2)
	for k, v := range m.Headers {
		headers[k] = v
	}
	if m.APIKey != "" && headers["x-api-key"] == "" {
		headers["x-api-key"] = m.APIKey
	}
	if headers["anthropic-version"] == "" {
		headers["anthropic-version"] = defaultVersion
	}
	return sluice.ModelRequest{URL: m.URL, Headers: headers, Body: payload}, nil
}

// splitSystem converts the neutral prompt into the messages array plus the
// combined system text. Plain text becomes a single user message.
func splitSystem(p sluice.Prompt) ([]message, string) {
	if !p.IsMessages() {
		return []message{{Role: "user", Content: p.Text}}, ""
	}
	var msgs []message
	var system []string
	for _, m := range p.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, message{Role: m.Role, Content: m.Content})
	}
	return msgs, strings.Join(system, "\n\n")
}

// ParseResponse concatenates the text content blocks.
func (a *Adapter) ParseResponse(body []byte) (sluice.ModelResponse, error) {
	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return sluice.ModelResponse{}, fmt.Errorf("decode messages response: %w", err)
	}

	var sb strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return sluice.ModelResponse{
		Text: sb.String(),
		Usage: sluice.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
		Raw: json.RawMessage(body),
	}, nil
}

// ParseDelta decodes one event payload. Text arrives in
// content_block_delta events; message_stop ends the stream. Other event
// types (message_start, ping, content_block_start) carry no text.
func (a *Adapter) ParseDelta(data []byte) (sluice.Delta, error) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return sluice.Delta{}, fmt.Errorf("decode stream event: %w", err)
	}
	switch ev.Type {
	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" {
			return sluice.Delta{Text: ev.Delta.Text}, nil
		}
		return sluice.Delta{}, nil
	case "message_stop":
		return sluice.Delta{Done: true}, nil
	default:
		return sluice.Delta{}, nil
	}
}

// --- Wire types ---

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID      string         `json:"id"`
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
	Usage   usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type  string      `json:"type"`
	Delta *eventDelta `json:"delta,omitempty"`
}

type eventDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
