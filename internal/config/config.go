// Package config loads the TOML configuration and builds the engine
// wiring from it: the model registry, the pathway definitions, and the
// dispatch knobs.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sluicehq/sluice"
	"github.com/sluicehq/sluice/adapter/anthropic"
	"github.com/sluicehq/sluice/adapter/gemini"
	"github.com/sluicehq/sluice/adapter/openaichat"
)

type Config struct {
	Models   map[string]ModelConfig   `toml:"models"`
	Pathways map[string]PathwayConfig `toml:"pathways"`
	Dispatch DispatchConfig           `toml:"dispatch"`
	Summary  SummaryConfig            `toml:"summary"`
	Store    StoreConfig              `toml:"store"`
	Observer ObserverConfig           `toml:"observer"`
}

// ModelConfig is one [models.<name>] table. The table name doubles as
// the vendor model id sent in request bodies.
type ModelConfig struct {
	Type            string            `toml:"type"`
	URL             string            `toml:"url"`
	Headers         map[string]string `toml:"headers"`
	APIKey          string            `toml:"api_key"`
	APIKeyEnv       string            `toml:"api_key_env"`
	Family          string            `toml:"family"`
	MaxTokens       int               `toml:"max_tokens"`
	MaxReturnTokens int               `toml:"max_return_tokens"`
	PromptRatio     float64           `toml:"prompt_ratio"`
	RPS             int               `toml:"rps"`
	MaxConcurrent   int               `toml:"max_concurrent"`
	Streaming       bool              `toml:"streaming"`
}

// PathwayConfig is one [pathways.<name>] table.
type PathwayConfig struct {
	Model             string            `toml:"model"`
	ChunkInput        bool              `toml:"chunk_input"`
	ParallelChunks    bool              `toml:"parallel_chunks"`
	SummarizeInput    bool              `toml:"summarize_input"`
	DisableHedge      bool              `toml:"disable_hedge"`
	TruncateFromFront bool              `toml:"truncate_from_front"`
	Parser            string            `toml:"parser"`
	JoinSeparator     string            `toml:"join_separator"`
	TimeoutSeconds    int               `toml:"timeout_seconds"`
	Params            map[string]string `toml:"params"`
	Options           map[string]any    `toml:"options"`
	Stages            []StageConfig     `toml:"stages"`
}

// StageConfig is one [[pathways.<name>.stages]] entry. Exactly one of
// prompt or messages must be set.
type StageConfig struct {
	Prompt             string          `toml:"prompt"`
	Messages           []MessageConfig `toml:"messages"`
	UsesTextInput      bool            `toml:"uses_text_input"`
	UsesPreviousResult bool            `toml:"uses_previous_result"`
	SaveResultTo       string          `toml:"save_result_to"`
}

type MessageConfig struct {
	Role    string `toml:"role"`
	Content string `toml:"content"`
}

// DispatchConfig tunes retry and hedging. Zero values keep the
// dispatcher defaults.
type DispatchConfig struct {
	RetryAttempts int `toml:"retry_attempts"`
	RetryDelayMS  int `toml:"retry_delay_ms"`
	HedgeAttempts int `toml:"hedge_attempts"`
	HedgeDelayMS  int `toml:"hedge_delay_ms"`
}

// SummaryConfig names the pathway used to condense oversized input.
type SummaryConfig struct {
	Pathway string `toml:"pathway"`
}

// StoreConfig selects the saved-context backend.
type StoreConfig struct {
	Backend  string `toml:"backend"`
	Path     string `toml:"path"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
	TTLHours int    `toml:"ttl_hours"`
	DSN      string `toml:"dsn"`
}

// ObserverConfig switches OTEL instrumentation on. Exporter endpoints
// come from the standard OTEL env vars.
type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

// ObserverPricing is per-million-token USD pricing for one model.
type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Models:   map[string]ModelConfig{},
		Pathways: map[string]PathwayConfig{},
		Store:    StoreConfig{Backend: "memory", Path: "sluice.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins for
// secrets). With an empty path it tries sluice.toml and falls back to
// defaults when the file does not exist; an explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = "sluice.toml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file, run on defaults plus env.
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	// Env overrides
	for name, m := range cfg.Models {
		if m.APIKeyEnv == "" {
			continue
		}
		if v := os.Getenv(m.APIKeyEnv); v != "" {
			m.APIKey = v
			cfg.Models[name] = m
		}
	}
	if v := os.Getenv("SLUICE_REDIS_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("SLUICE_POSTGRES_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if os.Getenv("SLUICE_OBSERVER_ENABLED") == "true" || os.Getenv("SLUICE_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg, nil
}

// Build turns a Config into engine wiring: a registry with the bundled
// wire codecs and every configured model, plus the pathway definitions
// keyed by name. Validation errors name the offending config key. The
// {{key}} placeholder in model URLs and header values is replaced with
// the resolved API key.
func Build(cfg Config) (*sluice.Registry, map[string]*sluice.PathwayDefinition, error) {
	reg := sluice.NewRegistry()
	reg.RegisterAdapter(openaichat.Tag, openaichat.New())
	reg.RegisterAdapter(anthropic.Tag, anthropic.New())
	reg.RegisterAdapter(gemini.Tag, gemini.New())

	for _, name := range sortedKeys(cfg.Models) {
		mc := cfg.Models[name]
		if mc.Type == "" {
			return nil, nil, fmt.Errorf("models.%s: no type", name)
		}
		if mc.URL == "" {
			return nil, nil, fmt.Errorf("models.%s: no url", name)
		}
		m := sluice.ModelConfig{
			Name:            name,
			Adapter:         mc.Type,
			URL:             strings.ReplaceAll(mc.URL, "{{key}}", mc.APIKey),
			APIKey:          mc.APIKey,
			Family:          mc.Family,
			MaxTokens:       mc.MaxTokens,
			MaxReturnTokens: mc.MaxReturnTokens,
			PromptRatio:     mc.PromptRatio,
			RPS:             mc.RPS,
			MaxConcurrent:   mc.MaxConcurrent,
			Streaming:       mc.Streaming,
		}
		if len(mc.Headers) > 0 {
			m.Headers = make(map[string]string, len(mc.Headers))
			for k, v := range mc.Headers {
				m.Headers[k] = strings.ReplaceAll(v, "{{key}}", mc.APIKey)
			}
		}
		if err := reg.AddModel(m); err != nil {
			return nil, nil, fmt.Errorf("models.%s: %w", name, err)
		}
	}

	defs := make(map[string]*sluice.PathwayDefinition, len(cfg.Pathways))
	for _, name := range sortedKeys(cfg.Pathways) {
		pc := cfg.Pathways[name]
		if _, ok := cfg.Models[pc.Model]; !ok {
			return nil, nil, fmt.Errorf("pathways.%s: unknown model %q", name, pc.Model)
		}
		d := &sluice.PathwayDefinition{
			Name:              name,
			Model:             pc.Model,
			Params:            pc.Params,
			Options:           pc.Options,
			ChunkInput:        pc.ChunkInput,
			ParallelChunks:    pc.ParallelChunks,
			SummarizeInput:    pc.SummarizeInput,
			DisableHedge:      pc.DisableHedge,
			TruncateFromFront: pc.TruncateFromFront,
			Parser:            pc.Parser,
			JoinSeparator:     pc.JoinSeparator,
			Timeout:           time.Duration(pc.TimeoutSeconds) * time.Second,
		}
		for i, sc := range pc.Stages {
			if sc.Prompt != "" && len(sc.Messages) > 0 {
				return nil, nil, fmt.Errorf("pathways.%s: stage %d: both prompt and messages set", name, i)
			}
			st := sluice.PromptStage{
				Text:               sc.Prompt,
				UsesTextInput:      sc.UsesTextInput,
				UsesPreviousResult: sc.UsesPreviousResult,
				SaveResultTo:       sc.SaveResultTo,
			}
			for _, mc := range sc.Messages {
				st.Messages = append(st.Messages, sluice.ChatMessage{Role: mc.Role, Content: mc.Content})
			}
			d.Stages = append(d.Stages, st)
		}
		defs[name] = d
	}
	return reg, defs, nil
}

// DispatcherOptions converts the dispatch section into dispatcher
// options, skipping zero values so defaults stay in force.
func DispatcherOptions(dc DispatchConfig) []sluice.DispatcherOption {
	var opts []sluice.DispatcherOption
	if dc.RetryAttempts > 0 {
		opts = append(opts, sluice.WithRetryAttempts(dc.RetryAttempts))
	}
	if dc.RetryDelayMS > 0 {
		opts = append(opts, sluice.WithRetryDelay(time.Duration(dc.RetryDelayMS)*time.Millisecond))
	}
	if dc.HedgeAttempts > 0 {
		opts = append(opts, sluice.WithHedgeAttempts(dc.HedgeAttempts))
	}
	if dc.HedgeDelayMS > 0 {
		opts = append(opts, sluice.WithHedgeDelay(time.Duration(dc.HedgeDelayMS)*time.Millisecond))
	}
	return opts
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
