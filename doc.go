// Package sluice is request-orchestration middleware for generative-model
// endpoints.
//
// It turns declarative pathway definitions (prompt templates plus an
// execution policy) into resilient, rate-limited, chunked calls against
// third-party model APIs, and hands parsed results back to many concurrent
// callers. Long inputs are split into token-budgeted chunks, each prompt
// stage is fanned out or chained according to the pathway's policy, and
// every upstream call goes through per-model admission control, request
// hedging, and retry with exponential backoff.
//
// # Quick Start
//
// Load a config, build the registry, and resolve a pathway:
//
//	cfg, err := config.Load("sluice.toml")
//	reg, pathways, err := config.Build(cfg)
//
//	dispatcher := sluice.NewDispatcher(reg)
//	resolver, err := sluice.NewResolver(dispatcher, reg)
//	for _, d := range pathways {
//		err = resolver.RegisterPathway(d)
//	}
//
//	res, err := resolver.Resolve(ctx, "summarize", sluice.Args{Text: doc})
//
// Asynchronous execution returns a request id and an event channel
// immediately; progress and the final result arrive on the channel:
//
//	res, _ := resolver.Resolve(ctx, "summarize", sluice.Args{Text: doc, Async: true})
//	for ev := range res.Events {
//		fmt.Printf("%.0f%%\n", ev.Progress*100)
//	}
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Sender] dispatches one model call (Dispatcher, or an instrumented wrapper)
//   - [ModelAdapter] is the vendor wire codec (request build, response parse, stream deltas)
//   - [Counter] estimates token counts for budgeting and chunking
//   - [ContextStore] persists saved pathway context
//   - [ParseFunc] shapes final output (passthrough, numbered lists, custom)
//
// # Included Implementations
//
// Adapters: adapter/openaichat (OpenAI-compatible chat APIs),
// adapter/anthropic (Anthropic messages API), adapter/gemini (Google Gemini).
// Context stores: store/memory, store/redis, store/sqlite, store/postgres.
//
// See the cmd/sluice directory for a complete reference application.
package sluice
