package sluice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// Args are the caller-supplied inputs for one resolve. Text is the raw
// input; Params override the pathway's default template values. Async
// returns a request id immediately and delivers results over the progress
// channel; Stream additionally re-emits live token deltas, and implies
// Async. ContextID loads previously saved context before execution.
type Args struct {
	Text      string
	Async     bool
	Stream    bool
	ContextID string
	Params    map[string]string
}

// Result is what a resolve produces. Synchronous calls fill every field;
// async calls fill only RequestID and Events, with the rest arriving in
// the terminal progress event.
type Result struct {
	RequestID string
	Parsed    any
	Text      string
	Warnings  []string

	// ContextID addresses the saved context after this resolve: a fresh id
	// when a stage saved something, otherwise whatever the caller passed.
	ContextID string

	// Events carries this request's progress stream for async calls. The
	// channel closes after the terminal event. Nil for synchronous calls.
	Events <-chan ProgressEvent
}

// Resolver is the orchestration engine: it turns a pathway definition
// plus caller input into budgeted, chunked, staged model calls through a
// Sender, and shapes the output with the pathway's parser.
type Resolver struct {
	sender   Sender
	registry *Registry
	states   *StateRegistry
	broker   *Broker
	store    ContextStore
	logger   *slog.Logger

	pathways  map[string]*PathwayDefinition
	pending   []*PathwayDefinition
	summary   string
	dualSplit float64
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithPathways registers pathway definitions at construction. They are
// validated by NewResolver.
func WithPathways(defs ...*PathwayDefinition) ResolverOption {
	return func(r *Resolver) { r.pending = append(r.pending, defs...) }
}

// WithStateRegistry shares a request-state registry with the embedding
// transport, so cancellation by request id reaches resolves started here.
func WithStateRegistry(s *StateRegistry) ResolverOption {
	return func(r *Resolver) { r.states = s }
}

// WithBroker shares a progress broker with the embedding transport.
func WithBroker(b *Broker) ResolverOption {
	return func(r *Resolver) { r.broker = b }
}

// WithContextStore enables context continuity across resolves.
func WithContextStore(s ContextStore) ResolverOption {
	return func(r *Resolver) { r.store = s }
}

// WithLogger sets the structured logger for resolve lifecycle events. If
// not set, a no-op logger is used.
func WithLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// WithSummaryPathway names the pathway used to condense oversized input
// for pathways that declare SummarizeInput.
func WithSummaryPathway(name string) ResolverOption {
	return func(r *Resolver) { r.summary = name }
}

// WithDualInputSplit tunes the budget share given to chunk text when a
// stage consumes both the chunk and the previous result (default: 0.5).
func WithDualInputSplit(split float64) ResolverOption {
	return func(r *Resolver) { r.dualSplit = split }
}

func NewResolver(sender Sender, registry *Registry, opts ...ResolverOption) (*Resolver, error) {
	r := &Resolver{
		sender:   sender,
		registry: registry,
		pathways: make(map[string]*PathwayDefinition),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.states == nil {
		r.states = NewStateRegistry()
	}
	if r.broker == nil {
		r.broker = NewBroker()
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	for _, d := range r.pending {
		if err := r.register(d); err != nil {
			return nil, err
		}
	}
	r.pending = nil
	return r, nil
}

// RegisterPathway validates and adds one pathway. Call during startup;
// the pathway table is read-only once the resolver serves requests.
func (r *Resolver) RegisterPathway(d *PathwayDefinition) error {
	return r.register(d)
}

func (r *Resolver) register(d *PathwayDefinition) error {
	if err := d.normalize(); err != nil {
		return err
	}
	if _, ok := r.registry.Model(d.Model); !ok {
		return fmt.Errorf("pathway %q: %w: %q", d.Name, ErrUnknownModel, d.Model)
	}
	if _, dup := r.pathways[d.Name]; dup {
		return fmt.Errorf("pathway %q: already registered", d.Name)
	}
	r.pathways[d.Name] = d
	return nil
}

// Cancel flags a request for cooperative cancellation. Future calls for
// that request are skipped; calls already in flight complete and their
// outputs are discarded. Returns false for unknown or finished requests.
func (r *Resolver) Cancel(requestID string) bool {
	return r.states.Cancel(requestID)
}

// Subscribe attaches a late observer to a request's progress stream. The
// primary consumer should use Result.Events instead, which cannot miss
// early events.
func (r *Resolver) Subscribe(requestID string) (<-chan ProgressEvent, func()) {
	return r.broker.Subscribe(requestID)
}

// request is the per-resolve working set shared by the executing
// goroutines. saved, dirty, and warns are guarded by mu; everything else
// is read-only after plan.
type request struct {
	id      string
	def     *PathwayDefinition
	model   ModelConfig
	adapter ModelAdapter
	counter *HeuristicCounter
	chunker *Chunker
	state   *RequestState
	params  map[string]string

	mu    sync.Mutex
	saved map[string]string
	dirty bool
	warns []string
}

func (rq *request) warn(format string, args ...any) {
	rq.mu.Lock()
	rq.warns = append(rq.warns, fmt.Sprintf(format, args...))
	rq.mu.Unlock()
}

func (rq *request) warnings() []string {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return slices.Clone(rq.warns)
}

func (rq *request) save(key, value string) {
	rq.mu.Lock()
	rq.saved[key] = value
	rq.dirty = true
	rq.mu.Unlock()
}

func (rq *request) snapshotSaved() map[string]string {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return maps.Clone(rq.saved)
}

// Resolve runs one pathway over the caller's input. Synchronous calls
// block until the parsed result is ready. Async and stream calls return
// the request id and event channel immediately and execute in the
// background, detached from the caller's context; cancellation then goes
// through Cancel, not the context.
func (r *Resolver) Resolve(ctx context.Context, pathway string, args Args) (Result, error) {
	d, ok := r.pathways[pathway]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownPathway, pathway)
	}
	m, ok := r.registry.Model(d.Model)
	if !ok {
		return Result{}, fmt.Errorf("pathway %q: %w: %q", d.Name, ErrUnknownModel, d.Model)
	}
	adapter, err := r.registry.AdapterFor(m)
	if err != nil {
		return Result{}, err
	}

	rq := &request{
		id:      NewID(),
		def:     d,
		model:   m,
		adapter: adapter,
		counter: CounterFor(m.Family),
		params:  mergeParams(d.Params, args.Params),
		saved:   make(map[string]string),
	}
	rq.chunker = NewChunker(rq.counter)

	if args.ContextID != "" {
		if r.store == nil {
			return Result{}, fmt.Errorf("pathway %q: context id supplied but no context store configured", d.Name)
		}
		blob, found, err := r.store.Get(ctx, args.ContextID)
		if err != nil {
			return Result{}, fmt.Errorf("load context %s: %w", args.ContextID, err)
		}
		if found && blob != nil {
			rq.saved = maps.Clone(blob)
		}
	}

	async := args.Async || args.Stream
	rq.state = r.states.Begin(rq.id, 0)
	r.logger.Info("pathway resolve",
		"pathway", d.Name,
		"request_id", rq.id,
		"model", m.Name,
		"async", async,
		"stream", args.Stream)

	if !async {
		execCtx, cancel := r.execCtx(ctx, d)
		defer cancel()
		return r.run(execCtx, rq, args)
	}

	events, _ := r.broker.Subscribe(rq.id)
	go func() {
		execCtx, cancel := r.execCtx(context.WithoutCancel(ctx), d)
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("pathway panic",
					"pathway", d.Name, "request_id", rq.id, "panic", fmt.Sprintf("%v", p))
				r.states.Finish(rq.id)
				r.broker.Publish(ProgressEvent{
					RequestID: rq.id,
					Err:       fmt.Errorf("pathway panic: %v", p),
					Done:      true,
				})
			}
		}()
		start := time.Now()
		if _, err := r.run(execCtx, rq, args); err == nil {
			r.logger.Info("pathway completed",
				"pathway", d.Name, "request_id", rq.id, "duration", time.Since(start))
		}
	}()
	return Result{RequestID: rq.id, Events: events}, nil
}

// execCtx applies the pathway timeout.
func (r *Resolver) execCtx(ctx context.Context, d *PathwayDefinition) (context.Context, context.CancelFunc) {
	if d.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.Timeout)
}

// run owns a request from chunking to the terminal event.
func (r *Resolver) run(ctx context.Context, rq *request, args Args) (Result, error) {
	defer r.states.Finish(rq.id)
	d := rq.def

	chunks, stream, err := r.plan(ctx, rq, args)
	if err != nil {
		return r.fail(rq, err)
	}
	rq.state.setTotal(len(chunks) * len(d.Stages))
	r.logger.Debug("pathway executing",
		"pathway", d.Name, "request_id", rq.id,
		"chunks", len(chunks), "stages", len(d.Stages))

	var out string
	if d.ParallelChunks {
		out, err = r.runParallelChunks(ctx, rq, chunks, stream)
	} else {
		out, err = r.runSerialStages(ctx, rq, chunks, stream)
	}
	if err != nil {
		return r.fail(rq, err)
	}

	r.logger.Debug("pathway parsing", "pathway", d.Name, "request_id", rq.id)
	parsed, err := d.ParseFunc(out)
	if err != nil {
		return r.fail(rq, err)
	}

	contextID := r.persistContext(ctx, rq, args)

	data := out
	if s, ok := parsed.(string); ok {
		data = s
	} else if b, jerr := json.Marshal(parsed); jerr == nil {
		data = string(b)
	}
	rq.state.setData(data)
	r.broker.Publish(ProgressEvent{
		RequestID: rq.id,
		Progress:  1,
		Data:      data,
		Warnings:  rq.warnings(),
		ContextID: contextID,
		Done:      true,
	})
	return Result{
		RequestID: rq.id,
		Parsed:    parsed,
		Text:      out,
		Warnings:  rq.warnings(),
		ContextID: contextID,
	}, nil
}

// fail publishes the terminal event for an unsuccessful request.
func (r *Resolver) fail(rq *request, err error) (Result, error) {
	if errors.Is(err, ErrCanceled) {
		r.logger.Info("pathway canceled", "pathway", rq.def.Name, "request_id", rq.id)
	} else {
		r.logger.Warn("pathway failed",
			"pathway", rq.def.Name, "request_id", rq.id, "error", err)
	}
	r.broker.Publish(ProgressEvent{RequestID: rq.id, Err: err, Done: true})
	return Result{RequestID: rq.id}, err
}

// plan turns raw input into chunks: budget, optional summarization, then
// chunking or truncation. It also decides whether streaming survives,
// since live deltas only make sense for a single-chunk request.
func (r *Resolver) plan(ctx context.Context, rq *request, args Args) ([]string, bool, error) {
	d, m := rq.def, rq.model
	r.logger.Debug("pathway chunking", "pathway", d.Name, "request_id", rq.id)
	probe := StageInput{Params: rq.params, Saved: rq.snapshotSaved()}

	if !d.usesText() {
		window := int(m.promptRatio() * float64(m.MaxTokens))
		for _, st := range d.Stages {
			if t := templateTokens(st, rq.counter, probe); m.MaxTokens > 0 && t >= window {
				return nil, false, &ErrPromptTooLong{Pathway: d.Name, Budget: window - t, Template: t}
			}
		}
		return []string{""}, args.Stream, nil
	}
	if m.MaxTokens <= 0 {
		// No declared window, nothing to budget against.
		return []string{args.Text}, args.Stream, nil
	}

	budget, err := inputBudget(d, m, rq.counter, r.dualSplit, probe)
	if err != nil {
		return nil, false, err
	}

	text := args.Text
	if d.SummarizeInput && rq.counter.Count(text) > budget {
		if text, err = r.summarize(ctx, rq, text); err != nil {
			return nil, false, err
		}
	}

	var chunks []string
	switch {
	case rq.counter.Count(text) <= budget:
		chunks = []string{text}
	case d.ChunkInput:
		chunks = rq.chunker.Chunk(text, budget)
		for i, c := range chunks {
			if rq.counter.Count(c) > budget {
				rq.warn("chunk %d exceeds the %d token budget (unbreakable content)", i, budget)
			}
		}
	default:
		chunks = []string{rq.chunker.Truncate(text, budget, d.TruncateFromFront)}
		rq.warn("input truncated to %d tokens", budget)
	}

	stream := args.Stream
	if stream && len(chunks) > 1 {
		stream = false
		rq.warn("stream downgraded to async: input split into %d chunks", len(chunks))
		r.logger.Warn("stream downgraded",
			"pathway", d.Name, "request_id", rq.id, "chunks", len(chunks))
	}
	return chunks, stream, nil
}

// summarize condenses oversized input through the configured summary
// pathway with a recursive synchronous resolve.
func (r *Resolver) summarize(ctx context.Context, rq *request, text string) (string, error) {
	if r.summary == "" || rq.def.Name == r.summary {
		rq.warn("input summarization skipped: no summary pathway configured")
		return text, nil
	}
	res, err := r.Resolve(ctx, r.summary, Args{Text: text})
	if err != nil {
		return "", fmt.Errorf("summarize input: %w", err)
	}
	rq.warn("input summarized before chunking")
	return res.Text, nil
}

// runSerialStages is the default policy: stages run in order, and within
// a text-consuming stage the chunks fan out concurrently. Chunk outputs
// join in original chunk order, never completion order, and the joined
// text feeds the next stage as its previous result.
func (r *Resolver) runSerialStages(ctx context.Context, rq *request, chunks []string, stream bool) (string, error) {
	d := rq.def
	live := stream && len(chunks) == 1
	prev := ""
	for si := range d.Stages {
		st := &d.Stages[si]
		if st.UsesTextInput {
			outs := make([]string, len(chunks))
			errCh := make(chan error, len(chunks))
			var wg sync.WaitGroup
			for ci, chunk := range chunks {
				wg.Add(1)
				go func(ci int, chunk string) {
					defer wg.Done()
					out, err := r.call(ctx, rq, st, StageInput{Text: chunk, PreviousResult: prev}, live)
					if err != nil {
						errCh <- err
						return
					}
					outs[ci] = out
				}(ci, chunk)
			}
			wg.Wait()
			close(errCh)
			for err := range errCh {
				return "", err
			}
			prev = strings.Join(outs, d.JoinSeparator)
		} else {
			out, err := r.call(ctx, rq, st, StageInput{PreviousResult: prev}, live)
			if err != nil {
				return "", err
			}
			prev = out
		}
		if st.SaveResultTo != "" {
			rq.save(st.SaveResultTo, prev)
		}
	}
	return prev, nil
}

// runParallelChunks runs the whole stage chain per chunk, chunks
// concurrent, and joins the per-chunk finals in original order.
func (r *Resolver) runParallelChunks(ctx context.Context, rq *request, chunks []string, stream bool) (string, error) {
	d := rq.def
	live := stream && len(chunks) == 1
	outs := make([]string, len(chunks))
	errCh := make(chan error, len(chunks))
	var wg sync.WaitGroup
	for ci, chunk := range chunks {
		wg.Add(1)
		go func(ci int, chunk string) {
			defer wg.Done()
			prev := ""
			for si := range d.Stages {
				st := &d.Stages[si]
				in := StageInput{PreviousResult: prev}
				if st.UsesTextInput {
					in.Text = chunk
				}
				out, err := r.call(ctx, rq, st, in, live)
				if err != nil {
					errCh <- err
					return
				}
				if st.SaveResultTo != "" {
					rq.save(st.SaveResultTo, out)
				}
				prev = out
			}
			outs[ci] = prev
		}(ci, chunk)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		return "", err
	}
	return strings.Join(outs, d.JoinSeparator), nil
}

// call executes one stage over one input through the sender. The
// cancellation flag is checked here so both policies skip calls the
// moment a request is canceled.
func (r *Resolver) call(ctx context.Context, rq *request, st *PromptStage, in StageInput, live bool) (string, error) {
	if rq.state.Canceled() {
		return "", ErrCanceled
	}
	d, m := rq.def, rq.model
	in.Params = rq.params
	in.Saved = rq.snapshotSaved()

	if st.UsesPreviousResult && in.PreviousResult != "" && m.MaxTokens > 0 {
		pb, err := prevBudget(d, *st, m, rq.counter, r.dualSplit, in)
		if err != nil {
			return "", err
		}
		if rq.counter.Count(in.PreviousResult) > pb {
			in.PreviousResult = rq.chunker.Truncate(in.PreviousResult, pb, false)
			rq.warn("previous result truncated to %d tokens", pb)
		}
	}

	wireReq, err := rq.adapter.BuildRequest(AdapterRequest{
		Model:   m,
		Prompt:  st.render(in),
		Options: d.Options,
		Stream:  live,
	})
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	call := Call{Model: m, Request: wireReq, Stream: live, NoHedge: d.DisableHedge}
	if live {
		call.OnDelta = func(text string) {
			r.broker.Publish(ProgressEvent{RequestID: rq.id, Delta: text})
		}
	}
	resp, err := r.sender.Send(ctx, call)
	if err != nil {
		return "", err
	}
	r.step(rq)
	return resp.Text, nil
}

// step counts one finished call and publishes progress. The final step's
// publish is skipped; run publishes the terminal event with the result.
func (r *Resolver) step(rq *request) {
	completed, total := r.states.StepDone(rq.id)
	if total == 0 || completed >= total {
		return
	}
	r.broker.Publish(ProgressEvent{
		RequestID: rq.id,
		Progress:  float64(completed) / float64(total),
	})
}

// persistContext writes dirty saved context under a fresh id. Persistence
// is best effort: a failed save degrades to a warning rather than
// discarding a computed result.
func (r *Resolver) persistContext(ctx context.Context, rq *request, args Args) string {
	rq.mu.Lock()
	dirty := rq.dirty
	blob := maps.Clone(rq.saved)
	rq.mu.Unlock()
	if !dirty {
		return args.ContextID
	}
	if r.store == nil {
		rq.warn("saved context discarded: no context store configured")
		return ""
	}
	id := NewID()
	if err := r.store.Set(ctx, id, blob); err != nil {
		r.logger.Warn("context save failed", "request_id", rq.id, "error", err)
		rq.warn("context save failed: %v", err)
		return ""
	}
	return id
}

func mergeParams(defaults, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
