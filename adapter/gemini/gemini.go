// Package gemini is the wire codec for the Gemini generateContent API.
// The model URL is the bare model endpoint, for example
// https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-flash;
// the codec appends the method and the API key.
package gemini

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/sluicehq/sluice"
)

// Tag is the adapter tag this codec registers under.
const Tag = "gemini"

// Adapter builds generateContent bodies and decodes candidate responses.
// Streaming uses streamGenerateContent with SSE framing; the stream has no
// end sentinel and simply closes.
type Adapter struct{}

var _ sluice.ModelAdapter = (*Adapter)(nil)

func New() *Adapter {
	return &Adapter{}
}

// BuildRequest renders the generateContent call. System messages lift into
// systemInstruction; Options keys merge into generationConfig, Gemini's
// naming applies (camelCase).
func (a *Adapter) BuildRequest(req sluice.AdapterRequest) (sluice.ModelRequest, error) {
	m := req.Model
	contents, system := contentsFor(req.Prompt)

	body := map[string]any{
		"contents": contents,
	}
	if system != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": system}},
		}
	}

	genConfig := map[string]any{}
	if m.MaxReturnTokens > 0 {
		genConfig["maxOutputTokens"] = m.MaxReturnTokens
	}
	for k, v := range req.Options {
		genConfig[k] = v
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return sluice.ModelRequest{}, fmt.Errorf("marshal body: %w", err)
	}
	return sluice.ModelRequest{
		URL:     methodURL(m, req.Stream),
		Headers: m.Headers,
		Body:    payload,
	}, nil
}

// methodURL appends the API method and key to the model endpoint.
func methodURL(m sluice.ModelConfig, stream bool) string {
	u := m.URL
	if stream {
		u += ":streamGenerateContent?alt=sse"
	} else {
		u += ":generateContent"
	}
	if m.APIKey != "" {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "key=" + url.QueryEscape(m.APIKey)
	}
	return u
}

// contentsFor converts the neutral prompt to Gemini contents. The
// assistant role maps to "model"; system messages combine into the
// returned system text.
func contentsFor(p sluice.Prompt) ([]map[string]any, string) {
	if !p.IsMessages() {
		return []map[string]any{{
			"role":  "user",
			"parts": []map[string]any{{"text": p.Text}},
		}}, ""
	}
	var contents []map[string]any
	var system []string
	for _, m := range p.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]any{{"text": m.Content}},
		})
	}
	return contents, strings.Join(system, "\n\n")
}

// ParseResponse concatenates candidates[0].content.parts[].text, skipping
// thought parts.
func (a *Adapter) ParseResponse(body []byte) (sluice.ModelResponse, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return sluice.ModelResponse{}, fmt.Errorf("decode generate response: %w", err)
	}

	out := sluice.ModelResponse{Raw: json.RawMessage(body)}
	out.Text = textOf(resp)
	if resp.UsageMetadata != nil {
		out.Usage = sluice.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return out, nil
}

// ParseDelta decodes one streamed chunk, which has the same shape as a
// full response. Done is never set; the stream ends when the body closes.
func (a *Adapter) ParseDelta(data []byte) (sluice.Delta, error) {
	var resp geminiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return sluice.Delta{}, fmt.Errorf("decode stream chunk: %w", err)
	}
	return sluice.Delta{Text: textOf(resp)}, nil
}

func textOf(resp geminiResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.Thought {
			continue
		}
		if p.Text != nil {
			sb.WriteString(*p.Text)
		}
	}
	return sb.String()
}

// --- Wire types ---

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text    *string `json:"text,omitempty"`
	Thought bool    `json:"thought,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}
