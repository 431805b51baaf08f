package sluice

import "fmt"

// ModelConfig describes one upstream model endpoint and its capacity. URL
// and header values are concrete by the time a config lands here; secret
// interpolation happens at load time.
type ModelConfig struct {
	Name    string
	Adapter string // wire codec tag, e.g. "openai-chat"
	URL     string
	Headers map[string]string

	// APIKey is placed by the adapter in the vendor's way: bearer header,
	// x-api-key header, or URL query parameter.
	APIKey string

	// Family tags the tokenizer family for counting heuristics.
	Family string

	// MaxTokens is the context window; zero disables budgeting entirely.
	// MaxReturnTokens caps the completion per call; zero leaves it to the
	// vendor default.
	MaxTokens       int
	MaxReturnTokens int

	// PromptRatio is the share of MaxTokens available to the prompt.
	// Zero or out-of-range values fall back to 0.5.
	PromptRatio float64

	// RPS is the per-second request reservoir. Zero means unlimited.
	// MaxConcurrent caps in-flight calls; zero means the reservoir size.
	RPS           int
	MaxConcurrent int

	// Streaming marks endpoints that support SSE delta streaming.
	Streaming bool
}

func (m ModelConfig) promptRatio() float64 {
	if m.PromptRatio <= 0 || m.PromptRatio > 1 {
		return 0.5
	}
	return m.PromptRatio
}

func (m ModelConfig) maxInFlight() int {
	if m.MaxConcurrent > 0 {
		return m.MaxConcurrent
	}
	return m.RPS
}

// Registry wires the model table to the adapters that speak each wire
// format. Build one at startup and inject it into the dispatcher and
// resolver; it is read-only after that and must not be mutated
// concurrently.
type Registry struct {
	models   map[string]ModelConfig
	adapters map[string]ModelAdapter
}

func NewRegistry() *Registry {
	return &Registry{
		models:   make(map[string]ModelConfig),
		adapters: make(map[string]ModelAdapter),
	}
}

// RegisterAdapter makes a wire codec available under an adapter tag.
// Registering the same tag twice replaces the codec.
func (r *Registry) RegisterAdapter(tag string, a ModelAdapter) {
	r.adapters[tag] = a
}

// AddModel adds one model to the table. The model's adapter tag must be
// registered first so misconfigurations surface at startup.
func (r *Registry) AddModel(m ModelConfig) error {
	if m.Name == "" {
		return fmt.Errorf("model has no name")
	}
	if _, ok := r.adapters[m.Adapter]; !ok {
		return fmt.Errorf("model %q: unknown adapter %q", m.Name, m.Adapter)
	}
	if _, dup := r.models[m.Name]; dup {
		return fmt.Errorf("model %q: already registered", m.Name)
	}
	r.models[m.Name] = m
	return nil
}

// Model looks up a model by name.
func (r *Registry) Model(name string) (ModelConfig, bool) {
	m, ok := r.models[name]
	return m, ok
}

// Adapter looks up a wire codec by tag.
func (r *Registry) Adapter(tag string) (ModelAdapter, bool) {
	a, ok := r.adapters[tag]
	return a, ok
}

// AdapterFor returns the codec for a model from the table.
func (r *Registry) AdapterFor(m ModelConfig) (ModelAdapter, error) {
	a, ok := r.adapters[m.Adapter]
	if !ok {
		return nil, fmt.Errorf("model %q: unknown adapter %q", m.Name, m.Adapter)
	}
	return a, nil
}
