// Package breaker tracks per-endpoint health and gates whether a call to a
// provider+model may be attempted. State is process-wide and shared across
// all concurrent sessions; a restart is itself a circuit reset.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/worldloom/genflow/observe"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type Config struct {
	// FailureThreshold is the number of countable failures inside one window
	// that opens the circuit.
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	MaxCooldown      time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
	}
}

func normalizeConfig(cfg Config) Config {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	return cfg
}

// record holds one endpoint's health. Each record has its own lock so
// unrelated endpoints never serialize against each other.
type record struct {
	mu              sync.Mutex
	state           State
	windowFailures  int
	windowSuccesses int
	windowStart     time.Time
	lastTransition  time.Time
	openUntil       time.Time
	cooldown        time.Duration
	probeInFlight   bool
}

type Breaker struct {
	cfg      Config
	observer observe.Sink
	now      func() time.Time

	mu      sync.RWMutex
	records map[string]*record
}

type Option func(*Breaker)

func WithConfig(cfg Config) Option {
	return func(b *Breaker) { b.cfg = normalizeConfig(cfg) }
}

func WithObserver(observer observe.Sink) Option {
	return func(b *Breaker) {
		if observer != nil {
			b.observer = observer
		}
	}
}

// WithClock overrides the time source. Tests use this to step through
// cooldowns without sleeping.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

func New(opts ...Option) *Breaker {
	b := &Breaker{
		cfg:      DefaultConfig(),
		observer: observe.NoopSink{},
		now:      time.Now,
		records:  make(map[string]*record),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) recordFor(key string) *record {
	b.mu.RLock()
	r, ok := b.records[key]
	b.mu.RUnlock()
	if ok {
		return r
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok = b.records[key]; ok {
		return r
	}
	r = &record{
		state:       StateClosed,
		windowStart: b.now(),
		cooldown:    b.cfg.Cooldown,
	}
	b.records[key] = r
	return r
}

// CanExecute reports whether a call to the endpoint may be attempted. An open
// circuit whose cooldown has elapsed moves to half-open and grants exactly one
// trial call; further callers are blocked until that trial is recorded.
func (b *Breaker) CanExecute(key string) bool {
	r := b.recordFor(key)
	now := b.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Before(r.openUntil) {
			return false
		}
		b.transition(r, StateHalfOpen, now)
		b.emit(context.Background(), key, StateOpen, StateHalfOpen, "cooldown elapsed")
		r.probeInFlight = true
		return true
	case StateHalfOpen:
		if r.probeInFlight {
			return false
		}
		r.probeInFlight = true
		return true
	}
	return true
}

// RecordOutcome feeds a call result back into the endpoint's window. Only
// failures whose category counts for the breaker move it toward opening; a
// parse hiccup must not trip the circuit for a healthy endpoint.
func (b *Breaker) RecordOutcome(ctx context.Context, key string, success bool, countsForBreaker bool) {
	r := b.recordFor(key)
	now := b.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateClosed:
		b.slideWindow(r, now)
		if success {
			r.windowSuccesses++
			return
		}
		if !countsForBreaker {
			return
		}
		r.windowFailures++
		if r.windowFailures >= b.cfg.FailureThreshold {
			r.cooldown = b.cfg.Cooldown
			r.openUntil = now.Add(r.cooldown)
			b.transition(r, StateOpen, now)
			b.emit(ctx, key, StateClosed, StateOpen, "failure threshold reached")
		}
	case StateHalfOpen:
		r.probeInFlight = false
		if success {
			b.resetWindow(r, now)
			r.cooldown = b.cfg.Cooldown
			b.transition(r, StateClosed, now)
			b.emit(ctx, key, StateHalfOpen, StateClosed, "trial call succeeded")
			return
		}
		if !countsForBreaker {
			// A non-counting failure releases the probe without re-opening.
			return
		}
		r.cooldown = r.cooldown * 2
		if r.cooldown > b.cfg.MaxCooldown {
			r.cooldown = b.cfg.MaxCooldown
		}
		r.openUntil = now.Add(r.cooldown)
		b.transition(r, StateOpen, now)
		b.emit(ctx, key, StateHalfOpen, StateOpen, "trial call failed")
	case StateOpen:
		// Late result from a call started before the circuit opened.
	}
}

// StateOf returns the endpoint's current state without side effects.
func (b *Breaker) StateOf(key string) State {
	r := b.recordFor(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (b *Breaker) slideWindow(r *record, now time.Time) {
	if now.Sub(r.windowStart) >= b.cfg.Window {
		b.resetWindow(r, now)
	}
}

func (b *Breaker) resetWindow(r *record, now time.Time) {
	r.windowFailures = 0
	r.windowSuccesses = 0
	r.windowStart = now
}

func (b *Breaker) transition(r *record, next State, now time.Time) {
	r.state = next
	r.lastTransition = now
}

func (b *Breaker) emit(ctx context.Context, key string, previous, next State, reason string) {
	_ = b.observer.Emit(ctx, observe.Event{
		Kind:     observe.KindCircuit,
		Name:     observe.EventCircuitStateChange,
		Endpoint: key,
		Message:  reason,
		Attributes: map[string]any{
			"previousState": string(previous),
			"newState":      string(next),
		},
	})
}
