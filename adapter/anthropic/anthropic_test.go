package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/sluicehq/sluice"
)

func testModel() sluice.ModelConfig {
	return sluice.ModelConfig{
		Name:            "claude-sonnet-4-5",
		Adapter:         Tag,
		URL:             "https://api.anthropic.com/v1/messages",
		APIKey:          "sk-ant-test",
		MaxReturnTokens: 1024,
	}
}

func TestBuildRequest_SystemExtraction(t *testing.T) {
	req, err := New().BuildRequest(sluice.AdapterRequest{
		Model: testModel(),
		Prompt: sluice.Prompt{Messages: []sluice.ChatMessage{
			sluice.SystemMessage("Be terse."),
			sluice.UserMessage("Hi"),
			sluice.SystemMessage("Answer in English."),
		}},
	})
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}

	var body struct {
		Model     string    `json:"model"`
		System    string    `json:"system"`
		MaxTokens int       `json:"max_tokens"`
		Messages  []message `json:"messages"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.System != "Be terse.\n\nAnswer in English." {
		t.Errorf("system = %q", body.System)
	}
	if len(body.Messages) != 1 || body.Messages[0].Role != "user" {
		t.Errorf("messages = %+v, want system lifted out", body.Messages)
	}
	if body.MaxTokens != 1024 {
		t.Errorf("max_tokens = %d", body.MaxTokens)
	}
}

func TestBuildRequest_Headers(t *testing.T) {
	req, _ := New().BuildRequest(sluice.AdapterRequest{
		Model:  testModel(),
		Prompt: sluice.Prompt{Text: "Hi"},
	})
	if req.Headers["x-api-key"] != "sk-ant-test" {
		t.Errorf("x-api-key = %q", req.Headers["x-api-key"])
	}
	if req.Headers["anthropic-version"] != defaultVersion {
		t.Errorf("anthropic-version = %q", req.Headers["anthropic-version"])
	}
}

func TestBuildRequest_DefaultMaxTokens(t *testing.T) {
	m := testModel()
	m.MaxReturnTokens = 0
	req, _ := New().BuildRequest(sluice.AdapterRequest{Model: m, Prompt: sluice.Prompt{Text: "Hi"}})

	var body map[string]any
	json.Unmarshal(req.Body, &body)
	if body["max_tokens"] != float64(defaultMaxTokens) {
		t.Errorf("max_tokens = %v, the messages API requires one", body["max_tokens"])
	}
}

func TestParseResponse(t *testing.T) {
	body := []byte(`{
		"id": "msg_1",
		"role": "assistant",
		"content": [
			{"type": "text", "text": "Hello"},
			{"type": "text", "text": " world"}
		],
		"usage": {"input_tokens": 9, "output_tokens": 2}
	}`)
	resp, err := New().ParseResponse(body)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Text != "Hello world" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 2 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestParseDelta(t *testing.T) {
	d, err := New().ParseDelta([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`))
	if err != nil {
		t.Fatalf("ParseDelta: %v", err)
	}
	if d.Text != "Hi" || d.Done {
		t.Errorf("delta = %+v", d)
	}

	d, _ = New().ParseDelta([]byte(`{"type":"message_stop"}`))
	if !d.Done {
		t.Error("message_stop should set Done")
	}

	d, _ = New().ParseDelta([]byte(`{"type":"ping"}`))
	if d.Text != "" || d.Done {
		t.Errorf("ping = %+v, want empty delta", d)
	}
}
