package sluice

import (
	"context"
	"sync"
	"time"
)

// Limiter admits model calls according to each model's capacity: a request
// reservoir holding RPS tokens that refills in full when the one-second
// window rolls over, plus a cap on calls in flight. Reservoir tokens are
// spent for the rest of the window; release only frees the concurrency
// slot. State is per model and created lazily.
type Limiter struct {
	mu    sync.Mutex
	gates map[string]*modelGate
	now   func() time.Time
}

type modelGate struct {
	reservoir   int       // admissions left in the current window
	windowStart time.Time // zero until the first admission
	inFlight    int
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// LimiterClock injects the clock used for window rollover. Tests freeze it.
func LimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

func NewLimiter(opts ...LimiterOption) *Limiter {
	l := &Limiter{
		gates: make(map[string]*modelGate),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until m admits one more call or ctx is done. The returned
// release frees the concurrency slot and must be called when the call
// finishes; calling it more than once is safe. Models with no RPS are
// unlimited.
func (l *Limiter) Acquire(ctx context.Context, m ModelConfig) (release func(), err error) {
	if m.RPS <= 0 {
		return func() {}, nil
	}
	for {
		l.mu.Lock()
		g := l.gate(m.Name)
		now := l.now()
		if now.Sub(g.windowStart) >= time.Second {
			g.reservoir = m.RPS
			g.windowStart = now
		}
		maxIF := m.maxInFlight()
		if g.reservoir > 0 && g.inFlight < maxIF {
			g.reservoir--
			g.inFlight++
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					g.inFlight--
					l.mu.Unlock()
				})
			}, nil
		}

		// Blocked. Wait for the window to roll, or poll for a freed slot
		// when only the concurrency cap is in the way.
		wait := g.windowStart.Add(time.Second).Sub(now)
		if g.reservoir > 0 || wait <= 0 || wait > time.Second {
			wait = 10 * time.Millisecond
		}
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// gate returns the state for a model, creating it on first use. Callers
// hold l.mu.
func (l *Limiter) gate(name string) *modelGate {
	g, ok := l.gates[name]
	if !ok {
		g = &modelGate{}
		l.gates[name] = g
	}
	return g
}

// InFlight reports the calls currently running against a model.
func (l *Limiter) InFlight(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if g, ok := l.gates[name]; ok {
		return g.inFlight
	}
	return 0
}
