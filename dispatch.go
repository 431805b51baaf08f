package sluice

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Call is one logical model invocation: a built wire request plus
// delivery policy. OnDelta, when set on a streaming call, receives live
// token text; only the first hedge duplicate emits it.
type Call struct {
	Model   ModelConfig
	Request ModelRequest
	Stream  bool
	NoHedge bool
	OnDelta func(text string)
}

// Sender executes logical calls. Dispatcher implements it; decorators
// wrap it.
type Sender interface {
	Send(ctx context.Context, call Call) (ModelResponse, error)
}

// Dispatcher turns logical calls into rate-limited, hedged, retried HTTP
// requests. One logical call runs up to maxAttempts hedge groups; each
// group races up to hedgeCount staggered duplicates and the first success
// wins, aborting the rest. Transport streaming is absorbed here: the
// caller always gets one assembled ModelResponse.
type Dispatcher struct {
	registry *Registry
	limiter  *Limiter
	monitor  *CallMonitor
	client   *http.Client
	logger   *slog.Logger

	maxAttempts int
	retryBase   time.Duration
	hedgeCount  int
	hedgeDelay  time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLimiter injects a shared rate limiter. By default the dispatcher
// owns a private one, which is fine unless several dispatchers target the
// same upstreams.
func WithLimiter(l *Limiter) DispatcherOption {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithMonitor injects the call monitor that counts physical attempts.
func WithMonitor(m *CallMonitor) DispatcherOption {
	return func(d *Dispatcher) { d.monitor = m }
}

// WithHTTPClient replaces the transport client (default: http.Client
// with no overall timeout; per-call deadlines come from the context).
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

// WithDispatchLogger sets the structured logger for retry and downgrade
// events. If not set, a no-op logger is used.
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRetryAttempts sets the retry ceiling per logical call (default: 10).
func WithRetryAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

// WithRetryDelay sets the backoff base before the second attempt
// (default: 200ms). Each subsequent delay doubles, with ±20% jitter.
func WithRetryDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.retryBase = delay }
}

// WithHedgeAttempts sets how many duplicates race per hedge group
// (default: 3). Values below 2 disable hedging.
func WithHedgeAttempts(k int) DispatcherOption {
	return func(d *Dispatcher) { d.hedgeCount = k }
}

// WithHedgeDelay sets the base stagger before the first duplicate fires
// (default: 10s). Duplicate i launches at delay×2^i − delay, ±20%.
func WithHedgeDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.hedgeDelay = delay }
}

func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		maxAttempts: 10,
		retryBase:   200 * time.Millisecond,
		hedgeCount:  3,
		hedgeDelay:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.limiter == nil {
		d.limiter = NewLimiter()
	}
	if d.monitor == nil {
		d.monitor = NewCallMonitor()
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.logger == nil {
		d.logger = nopLogger
	}
	return d
}

// Send implements Sender. Upstream failures retry up to the ceiling with
// exponential backoff; other errors propagate immediately. A streaming
// call stops retrying once any delta has been delivered, to avoid
// emitting duplicate content.
func (d *Dispatcher) Send(ctx context.Context, call Call) (ModelResponse, error) {
	adapter, err := d.registry.AdapterFor(call.Model)
	if err != nil {
		return ModelResponse{}, err
	}
	if call.Stream && !call.Model.Streaming {
		d.logger.Warn("streaming unsupported, downgrading to plain request",
			"model", call.Model.Name)
		call.Stream = false
	}
	var tokensSent atomic.Bool
	if call.Stream && call.OnDelta != nil {
		inner := call.OnDelta
		call.OnDelta = func(text string) {
			tokensSent.Store(true)
			inner(text)
		}
	}

	var last error
	for i := 0; i < d.maxAttempts; i++ {
		resp, err := d.hedged(ctx, call, adapter)
		if err == nil {
			return resp, nil
		}
		if !retryableUpstream(err) || tokensSent.Load() {
			return ModelResponse{}, err
		}
		last = err
		d.logger.Warn("retrying upstream error",
			"model", call.Model.Name,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", d.maxAttempts)
		if i < d.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(d.retryBase, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ModelResponse{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	d.logger.Error("retry attempts exhausted",
		"model", call.Model.Name,
		"attempts", d.maxAttempts,
		"error", last)
	return ModelResponse{}, last
}

// hedged runs one hedge group. The group ends when any duplicate
// succeeds, when every launched duplicate has failed, or when the caller
// cancels. Unlaunched duplicates are abandoned on failure: hedging exists
// for tail latency, the retry loop owns error recovery.
func (d *Dispatcher) hedged(ctx context.Context, call Call, adapter ModelAdapter) (ModelResponse, error) {
	if call.NoHedge || d.hedgeCount < 2 {
		return d.attempt(ctx, call, adapter, call.OnDelta)
	}

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		resp ModelResponse
		err  error
	}
	results := make(chan outcome, d.hedgeCount)
	launch := func(onDelta func(string)) {
		go func() {
			resp, err := d.attempt(hctx, call, adapter, onDelta)
			results <- outcome{resp, err}
		}()
	}

	// Offset schedule from group start, jittered once up front.
	offsets := make([]time.Duration, 0, d.hedgeCount-1)
	for i := 1; i < d.hedgeCount; i++ {
		offsets = append(offsets, jitter(d.hedgeDelay*(1<<i)-d.hedgeDelay))
	}
	start := time.Now()

	launch(call.OnDelta)
	launched, inFlight := 1, 1
	var last error
	for {
		var stagger <-chan time.Time
		var timer *time.Timer
		if launched < d.hedgeCount {
			wait := offsets[launched-1] - time.Since(start)
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			stagger = timer.C
		}
		select {
		case out := <-results:
			if timer != nil {
				timer.Stop()
			}
			if out.err == nil {
				cancel()
				return out.resp, nil
			}
			last = out.err
			inFlight--
			if inFlight == 0 {
				return ModelResponse{}, last
			}
		case <-stagger:
			// Later duplicates never emit live deltas: one live stream
			// per logical call.
			launch(nil)
			launched++
			inFlight++
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ModelResponse{}, ctx.Err()
		}
	}
}

// attempt is one physical request: limiter slot, HTTP exchange, decode.
func (d *Dispatcher) attempt(ctx context.Context, call Call, adapter ModelAdapter, onDelta func(string)) (ModelResponse, error) {
	release, err := d.limiter.Acquire(ctx, call.Model)
	if err != nil {
		return ModelResponse{}, err
	}
	defer release()

	d.monitor.Observe(call.Model.Name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, call.Request.URL,
		bytes.NewReader(call.Request.Body))
	if err != nil {
		return ModelResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range call.Request.Headers {
		req.Header.Set(k, v)
	}
	if call.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ModelResponse{}, ctx.Err()
		}
		return ModelResponse{}, &ErrUpstream{Model: call.Model.Name, Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		upErr := &ErrUpstream{
			Model:  call.Model.Name,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			upErr.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"))
			d.monitor.ObserveRateLimited(call.Model.Name)
		}
		return ModelResponse{}, upErr
	}

	if call.Stream {
		return d.readStream(ctx, call.Model, adapter, resp.Body, onDelta)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ModelResponse{}, ctx.Err()
		}
		return ModelResponse{}, &ErrUpstream{Model: call.Model.Name, Status: resp.StatusCode, Body: err.Error()}
	}
	out, err := adapter.ParseResponse(raw)
	if err != nil {
		return ModelResponse{}, &ErrUpstream{
			Model:  call.Model.Name,
			Status: resp.StatusCode,
			Body:   "decode response: " + err.Error(),
		}
	}
	return out, nil
}

// readStream consumes an SSE body, feeding each data event through the
// adapter and accumulating text. The assembled response is returned once
// the stream ends; transport streaming never escapes the dispatcher.
//
// SSE format expected:
//
//	data: {...}\n
//	data: [DONE]\n
func (d *Dispatcher) readStream(ctx context.Context, model ModelConfig, adapter ModelAdapter, body io.Reader, onDelta func(string)) (ModelResponse, error) {
	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var full strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}
		delta, err := adapter.ParseDelta([]byte(data))
		if err != nil {
			// Skip malformed chunks.
			continue
		}
		if delta.Text != "" {
			full.WriteString(delta.Text)
			if onDelta != nil {
				onDelta(delta.Text)
			}
		}
		if delta.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ModelResponse{}, ctx.Err()
		}
		return ModelResponse{}, &ErrUpstream{Model: model.Name, Body: "stream: " + err.Error()}
	}
	return ModelResponse{Text: full.String()}, nil
}

// retryableUpstream reports whether err is worth another attempt. Only
// upstream failures are: budget, parse, and cancellation errors do not
// improve with repetition.
func retryableUpstream(err error) bool {
	var e *ErrUpstream
	return errors.As(err, &e)
}

// statusOf extracts the HTTP status from an ErrUpstream, or 0.
func statusOf(err error) int {
	var e *ErrUpstream
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrUpstream, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrUpstream
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the wait before retry i, exponential backoff with
// the server's Retry-After as a floor when present.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := jitter(base * (1 << i))
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// jitter spreads d uniformly across ±20%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	span := int64(d) / 5
	return time.Duration(int64(d) - span + rand.Int63n(2*span+1))
}

var _ Sender = (*Dispatcher)(nil)
