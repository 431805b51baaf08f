package sluice

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors returned by the resolver and registries. Match with
// errors.Is.
var (
	// ErrCanceled is returned when a request is canceled before completion.
	// Outputs of calls already in flight are discarded.
	ErrCanceled = errors.New("request canceled")

	// ErrUnknownModel is returned when a pathway names a model that is not
	// in the model table.
	ErrUnknownModel = errors.New("unknown model")

	// ErrUnknownPathway is returned for a pathway name with no definition.
	ErrUnknownPathway = errors.New("unknown pathway")
)

// ErrUpstream is a non-2xx response from a model endpoint. The dispatcher
// retries these up to its attempt ceiling; status 429 is additionally
// counted as a rate-limit event.
type ErrUpstream struct {
	Model      string
	Status     int
	Body       string
	RetryAfter time.Duration // parsed Retry-After header, 0 if absent
}

func (e *ErrUpstream) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Model, e.Status, e.Body)
}

// ErrPromptTooLong means the stage templates leave no token room for input.
// It is fatal: no retry, no upstream call.
type ErrPromptTooLong struct {
	Pathway  string
	Budget   int // tokens left for input after template overhead
	Template int // token estimate of the largest stage template
}

func (e *ErrPromptTooLong) Error() string {
	return fmt.Sprintf("pathway %s: prompt too long: template uses %d tokens, %d left for input", e.Pathway, e.Template, e.Budget)
}

// ErrParse is a response that failed output parsing. The upstream call
// succeeded, so the dispatcher never retries these.
type ErrParse struct {
	Parser string
	Line   string // offending fragment, may be empty
	Cause  error
}

func (e *ErrParse) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("parser %s: %v: %q", e.Parser, e.Cause, e.Line)
	}
	return fmt.Sprintf("parser %s: %v", e.Parser, e.Cause)
}

func (e *ErrParse) Unwrap() error { return e.Cause }

// ParseRetryAfter parses an HTTP Retry-After header value, which is either
// an integer number of seconds or an HTTP-date. Returns 0 for empty or
// malformed values and for dates in the past.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
