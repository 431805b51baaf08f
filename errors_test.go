package sluice

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestErrUpstreamError(t *testing.T) {
	tests := []struct {
		model  string
		status int
		body   string
		want   string
	}{
		{"gpt-4o", 429, "too many requests", "gpt-4o: http 429: too many requests"},
		{"claude-sonnet", 500, "internal server error", "claude-sonnet: http 500: internal server error"},
	}
	for _, tt := range tests {
		e := &ErrUpstream{Model: tt.model, Status: tt.status, Body: tt.body}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrUpstream{%q, %d, %q}.Error() = %q, want %q", tt.model, tt.status, tt.body, got, tt.want)
		}
	}
}

func TestErrUpstreamMatchesThroughWrapping(t *testing.T) {
	inner := &ErrUpstream{Model: "m", Status: 503, Body: "unavailable"}
	wrapped := fmt.Errorf("stage 2: %w", inner)
	var e *ErrUpstream
	if !errors.As(wrapped, &e) {
		t.Fatal("errors.As should find ErrUpstream through wrapping")
	}
	if e.Status != 503 {
		t.Errorf("Status = %d, want 503", e.Status)
	}
}

func TestErrPromptTooLongError(t *testing.T) {
	e := &ErrPromptTooLong{Pathway: "summarize", Budget: -12, Template: 4100}
	want := "pathway summarize: prompt too long: template uses 4100 tokens, -12 left for input"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrParseUnwrap(t *testing.T) {
	cause := errors.New("not a number")
	e := &ErrParse{Parser: "numbered-list", Line: "x. first", Cause: cause}
	if !errors.Is(e, cause) {
		t.Error("errors.Is should match the cause through Unwrap")
	}
	want := `parser numbered-list: not a number: "x. first"`
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"0", 0},
		{"120", 120 * time.Second},
		{" 5 ", 5 * time.Second},
		{"-3", 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.in); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	got := ParseRetryAfter(future)
	if got <= 0 || got > 90*time.Second {
		t.Errorf("ParseRetryAfter(future date) = %v, want within (0, 90s]", got)
	}
	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(past); got != 0 {
		t.Errorf("ParseRetryAfter(past date) = %v, want 0", got)
	}
}
