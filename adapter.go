package sluice

// AdapterRequest carries everything an adapter needs to build one call.
type AdapterRequest struct {
	Model  ModelConfig
	Prompt Prompt
	// Options are generation parameters merged into the request body,
	// temperature and the like. Keys follow the vendor's naming.
	Options map[string]any
	Stream  bool
}

// ModelAdapter translates between the engine's neutral request shape and
// one vendor wire format. Adapters are stateless codecs; transport, retry,
// hedging, and rate limiting belong to the dispatcher.
type ModelAdapter interface {
	// BuildRequest renders the HTTP request for one call.
	BuildRequest(req AdapterRequest) (ModelRequest, error)
	// ParseResponse decodes a complete response body.
	ParseResponse(body []byte) (ModelResponse, error)
	// ParseDelta decodes one SSE data payload. Done marks the vendor's
	// end-of-stream sentinel; the payload after Done is ignored.
	ParseDelta(data []byte) (Delta, error)
}
