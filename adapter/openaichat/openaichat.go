// Package openaichat is the wire codec for OpenAI-compatible chat
// completions endpoints (OpenAI, OpenRouter, vLLM, most gateways).
package openaichat

import (
	"encoding/json"
	"fmt"

	"github.com/sluicehq/sluice"
)

// Tag is the adapter tag this codec registers under.
const Tag = "openai-chat"

// Adapter builds chat completions bodies and decodes responses and SSE
// deltas. It is stateless; one instance serves every model with this tag.
type Adapter struct{}

var _ sluice.ModelAdapter = (*Adapter)(nil)

func New() *Adapter {
	return &Adapter{}
}

// BuildRequest renders the chat completions call. The model entry's name
// is the vendor model id; Options keys merge into the body last and may
// override anything, vendor naming applies.
func (a *Adapter) BuildRequest(req sluice.AdapterRequest) (sluice.ModelRequest, error) {
	m := req.Model
	body := map[string]any{
		"model":    m.Name,
		"messages": messagesFor(req.Prompt),
	}
	if m.MaxReturnTokens > 0 {
		body["max_tokens"] = m.MaxReturnTokens
	}
	if req.Stream {
		body["stream"] = true
		// Ask for usage in the final chunk.
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	for k, v := range req.Options {
		body[k] = v
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return sluice.ModelRequest{}, fmt.Errorf("marshal body: %w", err)
	}

	headers := make(map[string]string, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers[k] = v
	}
	if m.APIKey != "" && headers["Authorization"] == "" {
		headers["Authorization"] = "Bearer " + m.APIKey
	}
	return sluice.ModelRequest{URL: m.URL, Headers: headers, Body: payload}, nil
}

// messagesFor converts the neutral prompt to the chat message array. Plain
// text becomes a single user message.
func messagesFor(p sluice.Prompt) []message {
	if !p.IsMessages() {
		return []message{{Role: "user", Content: p.Text}}
	}
	msgs := make([]message, len(p.Messages))
	for i, m := range p.Messages {
		msgs[i] = message{Role: m.Role, Content: m.Content}
	}
	return msgs
}

// ParseResponse extracts choices[0].message.content and usage.
func (a *Adapter) ParseResponse(body []byte) (sluice.ModelResponse, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return sluice.ModelResponse{}, fmt.Errorf("decode chat response: %w", err)
	}

	out := sluice.ModelResponse{Raw: json.RawMessage(body)}
	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		out.Text = resp.Choices[0].Message.Content
	}
	if resp.Usage != nil {
		out.Usage = sluice.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// ParseDelta decodes one SSE chunk. The final chunk carries a finish
// reason; the usage-only chunk after it has no choices and is ignored.
func (a *Adapter) ParseDelta(data []byte) (sluice.Delta, error) {
	var chunk chatResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return sluice.Delta{}, fmt.Errorf("decode chat delta: %w", err)
	}
	if len(chunk.Choices) == 0 {
		return sluice.Delta{}, nil
	}
	c := chunk.Choices[0]
	d := sluice.Delta{Done: c.FinishReason != ""}
	if c.Delta != nil {
		d.Text = c.Delta.Content
	}
	return d, nil
}

// --- Wire types ---

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage,omitempty"`
}

type choice struct {
	Message      *choiceMessage `json:"message,omitempty"`
	Delta        *choiceMessage `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

type choiceMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
