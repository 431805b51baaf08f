package sluice

import "encoding/json"

// --- Wire protocol types ---

type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Prompt is a rendered prompt ready for a model adapter. Exactly one of
// Text or Messages is set.
type Prompt struct {
	Text     string        `json:"text,omitempty"`
	Messages []ChatMessage `json:"messages,omitempty"`
}

// IsMessages reports whether the prompt is a message list.
func (p Prompt) IsMessages() bool { return len(p.Messages) > 0 }

// ModelRequest is a fully built HTTP request for one model call.
type ModelRequest struct {
	URL     string
	Headers map[string]string
	Body    []byte
}

// ModelResponse is the decoded reply from one model call. Raw keeps the
// vendor payload for callers that need fields the adapter does not map.
type ModelResponse struct {
	Text  string          `json:"text"`
	Usage Usage           `json:"usage"`
	Raw   json.RawMessage `json:"raw,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Delta is one streamed fragment decoded from an SSE event.
type Delta struct {
	Text string
	Done bool
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}
