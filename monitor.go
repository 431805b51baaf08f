package sluice

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// CallMonitor counts physical call attempts and upstream rate-limit
// rejections per model. Start flushes the counters to the log every
// interval and resets them, giving a per-window rate. The monitor is
// observational only; admission control lives in the Limiter.
type CallMonitor struct {
	mu      sync.Mutex
	windows map[string]*callWindow

	interval time.Duration
	logger   *slog.Logger
}

type callWindow struct {
	calls       int
	rateLimited int
}

// CallStats is one model's counts for the current window.
type CallStats struct {
	Calls       int
	RateLimited int
}

// MonitorOption configures a CallMonitor.
type MonitorOption func(*CallMonitor)

// WithMonitorInterval sets the flush interval (default: 10s).
func WithMonitorInterval(d time.Duration) MonitorOption {
	return func(m *CallMonitor) { m.interval = d }
}

// WithMonitorLogger sets the structured logger for window flushes. If not
// set, a no-op logger is used.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *CallMonitor) { m.logger = l }
}

func NewCallMonitor(opts ...MonitorOption) *CallMonitor {
	m := &CallMonitor{
		windows:  make(map[string]*callWindow),
		interval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = nopLogger
	}
	return m
}

// Observe counts one physical call attempt against model. Hedge duplicates
// and retries each count separately.
func (m *CallMonitor) Observe(model string) {
	m.mu.Lock()
	m.window(model).calls++
	m.mu.Unlock()
}

// ObserveRateLimited counts one 429 rejection from model.
func (m *CallMonitor) ObserveRateLimited(model string) {
	m.mu.Lock()
	m.window(model).rateLimited++
	m.mu.Unlock()
}

// Snapshot returns the current window's counts without resetting them.
func (m *CallMonitor) Snapshot() map[string]CallStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]CallStats, len(m.windows))
	for name, w := range m.windows {
		out[name] = CallStats{Calls: w.calls, RateLimited: w.rateLimited}
	}
	return out
}

// Start runs the flush loop. Blocks until ctx is cancelled; returns nil on
// clean shutdown.
func (m *CallMonitor) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.interval):
		}
		m.flush()
	}
}

// flush logs each model's window counts and resets the window.
func (m *CallMonitor) flush() {
	m.mu.Lock()
	snap := m.windows
	m.windows = make(map[string]*callWindow)
	m.mu.Unlock()

	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w := snap[name]
		m.logger.Info("model call rate",
			"model", name,
			"calls", w.calls,
			"rate_limited", w.rateLimited,
			"window", m.interval)
	}
}

// window returns the counter pair for a model. Callers hold m.mu.
func (m *CallMonitor) window(model string) *callWindow {
	w, ok := m.windows[model]
	if !ok {
		w = &callWindow{}
		m.windows[model] = w
	}
	return w
}
