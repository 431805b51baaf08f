package gemini

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/sluicehq/sluice"
)

func testModel() sluice.ModelConfig {
	return sluice.ModelConfig{
		Name:            "gemini-2.5-flash",
		Adapter:         Tag,
		URL:             "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-flash",
		APIKey:          "key-123",
		MaxReturnTokens: 256,
	}
}

func TestBuildRequest_URL(t *testing.T) {
	a := New()

	req, err := a.BuildRequest(sluice.AdapterRequest{Model: testModel(), Prompt: sluice.Prompt{Text: "Hi"}})
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if !strings.HasSuffix(req.URL, ":generateContent?key=key-123") {
		t.Errorf("URL = %q", req.URL)
	}

	req, _ = a.BuildRequest(sluice.AdapterRequest{Model: testModel(), Prompt: sluice.Prompt{Text: "Hi"}, Stream: true})
	if !strings.HasSuffix(req.URL, ":streamGenerateContent?alt=sse&key=key-123") {
		t.Errorf("stream URL = %q", req.URL)
	}
}

func TestBuildRequest_Body(t *testing.T) {
	req, err := New().BuildRequest(sluice.AdapterRequest{
		Model: testModel(),
		Prompt: sluice.Prompt{Messages: []sluice.ChatMessage{
			sluice.SystemMessage("Be terse."),
			sluice.UserMessage("Hi"),
			sluice.AssistantMessage("Hello!"),
		}},
		Options: map[string]any{"temperature": 0.1},
	})
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}

	contents := body["contents"].([]any)
	if len(contents) != 2 {
		t.Fatalf("expected 2 contents, got %d", len(contents))
	}
	second := contents[1].(map[string]any)
	if second["role"] != "model" {
		t.Errorf("assistant should map to role 'model', got %v", second["role"])
	}

	si := body["systemInstruction"].(map[string]any)
	parts := si["parts"].([]any)
	if parts[0].(map[string]any)["text"] != "Be terse." {
		t.Errorf("systemInstruction = %v", si)
	}

	gc := body["generationConfig"].(map[string]any)
	if gc["maxOutputTokens"] != float64(256) {
		t.Errorf("maxOutputTokens = %v", gc["maxOutputTokens"])
	}
	if gc["temperature"] != 0.1 {
		t.Errorf("temperature = %v", gc["temperature"])
	}
}

func TestParseResponse(t *testing.T) {
	body := []byte(`{
		"candidates": [{"content": {"role": "model", "parts": [
			{"text": "The answer", "thought": false},
			{"text": " is 42"}
		]}}],
		"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 4}
	}`)
	resp, err := New().ParseResponse(body)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Text != "The answer is 42" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Usage.InputTokens != 7 || resp.Usage.OutputTokens != 4 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestParseResponse_SkipsThoughtParts(t *testing.T) {
	body := []byte(`{"candidates": [{"content": {"parts": [
		{"text": "reasoning...", "thought": true},
		{"text": "Answer"}
	]}}]}`)
	resp, _ := New().ParseResponse(body)
	if resp.Text != "Answer" {
		t.Errorf("Text = %q, thought parts should be skipped", resp.Text)
	}
}

func TestParseDelta(t *testing.T) {
	d, err := New().ParseDelta([]byte(`{"candidates": [{"content": {"parts": [{"text": "chunk"}]}}]}`))
	if err != nil {
		t.Fatalf("ParseDelta: %v", err)
	}
	if d.Text != "chunk" || d.Done {
		t.Errorf("delta = %+v", d)
	}
}
