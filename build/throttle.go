package build

import (
	"context"
	"sync"
	"time"
)

const defaultCoalesceDelay = 2 * time.Second

// ThrottledPersister coalesces rapid updates into a single write after a
// fixed delay. It is meant for low-value, frequently-changing progress
// metadata only; generated content goes through the seed persister, which
// never coalesces.
type ThrottledPersister[T any] struct {
	writeFn func(context.Context, T) error
	delay   time.Duration

	mu      sync.Mutex
	pending *T
	timer   *time.Timer
	closed  bool

	// writeMu serializes write attempts. It is taken before dequeuing, so
	// Flush cannot observe an empty queue while a fire's write is in flight.
	writeMu sync.Mutex
}

func NewThrottledPersister[T any](delay time.Duration, write func(context.Context, T) error) *ThrottledPersister[T] {
	if delay <= 0 {
		delay = defaultCoalesceDelay
	}
	return &ThrottledPersister[T]{writeFn: write, delay: delay}
}

// Schedule records value as the latest state and arms the delay timer if one
// is not already pending. Rapid calls collapse into one write of the newest
// value.
func (p *ThrottledPersister[T]) Schedule(value T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending = &value
	if p.timer == nil {
		p.timer = time.AfterFunc(p.delay, p.fire)
	}
}

func (p *ThrottledPersister[T]) fire() {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	value := p.pending
	p.pending = nil
	p.timer = nil
	p.mu.Unlock()
	if value == nil {
		return
	}

	if err := p.writeFn(context.Background(), *value); err != nil {
		p.requeue(value)
	}
}

// requeue puts a failed value back unless something newer arrived meanwhile.
func (p *ThrottledPersister[T]) requeue(value *T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.pending != nil {
		return
	}
	p.pending = value
	if p.timer == nil {
		p.timer = time.AfterFunc(p.delay, p.fire)
	}
}

// Flush waits for any in-flight timer write to settle, cancels the timer, and
// writes the latest value immediately. A value requeued by a failed fire is
// picked up here rather than silently left behind.
func (p *ThrottledPersister[T]) Flush(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	value := p.pending
	p.pending = nil
	p.mu.Unlock()

	if value == nil {
		return nil
	}
	if err := p.writeFn(ctx, *value); err != nil {
		p.requeue(value)
		return err
	}
	return nil
}

// Close stops the persister. Pending state is dropped; call Flush first on
// orderly shutdown.
func (p *ThrottledPersister[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.pending = nil
}
