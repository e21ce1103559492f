// Package engine drives the call chain for one generation request: ask the
// router for an endpoint, invoke the provider, classify failures, feed them
// back for the next candidate, and report outcomes to the circuit breaker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/worldloom/genflow/breaker"
	"github.com/worldloom/genflow/faults"
	"github.com/worldloom/genflow/llm"
	"github.com/worldloom/genflow/observe"
	"github.com/worldloom/genflow/router"
	"github.com/worldloom/genflow/types"
)

const defaultMaxRateLimitWait = 30 * time.Second

type Engine struct {
	router           *router.Router
	breaker          *breaker.Breaker
	providers        map[string]llm.Provider
	observer         observe.Sink
	retryPolicy      RetryPolicy
	maxRateLimitWait time.Duration
}

type Option func(*Engine)

func WithProvider(provider llm.Provider) Option {
	return func(e *Engine) {
		if provider != nil {
			e.providers[provider.Name()] = provider
		}
	}
}

// WithBreaker overrides the breaker shared with the router. The router must
// be given the same instance, otherwise its gating never sees recorded
// outcomes.
func WithBreaker(b *breaker.Breaker) Option {
	return func(e *Engine) {
		if b != nil {
			e.breaker = b
		}
	}
}

func WithObserver(observer observe.Sink) Option {
	return func(e *Engine) {
		if observer != nil {
			e.observer = observer
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(e *Engine) { e.retryPolicy = normalizeRetryPolicy(policy) }
}

// WithMaxRateLimitWait caps how long the engine honors a provider-supplied
// retry-after hint before giving up on the endpoint.
func WithMaxRateLimitWait(max time.Duration) Option {
	return func(e *Engine) {
		if max > 0 {
			e.maxRateLimitWait = max
		}
	}
}

func New(r *router.Router, opts ...Option) (*Engine, error) {
	if r == nil {
		return nil, errors.New("router is required")
	}
	e := &Engine{
		router:           r,
		// Outcomes must land in the breaker the router consults.
		breaker:          r.Breaker(),
		providers:        make(map[string]llm.Provider),
		observer:         observe.NoopSink{},
		retryPolicy:      defaultRetryPolicy(),
		maxRateLimitWait: defaultMaxRateLimitWait,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.retryPolicy = normalizeRetryPolicy(e.retryPolicy)
	return e, nil
}

// Outcome describes a successful call chain.
type Outcome struct {
	Result       types.Result
	Batch        types.BatchResult
	Endpoint     router.Endpoint
	Attempts     int
	FallbackUsed bool
	Skipped      int
}

// ExhaustedError is the user-visible failure after a session runs out of
// candidates: the last classified error plus tried/skipped counts, not a
// generic message.
type ExhaustedError struct {
	Stage   string
	Tried   int
	Skipped int
	Last    *faults.Error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("stage %s: no endpoint available (%d tried, %d skipped)", e.Stage, e.Tried, e.Skipped)
	}
	return fmt.Sprintf("stage %s exhausted after %d endpoint(s), %d skipped: %v", e.Stage, e.Tried, e.Skipped, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	if e.Last == nil {
		return nil
	}
	return e.Last
}

// Generate runs one structured generation request through the fallback chain.
func (e *Engine) Generate(ctx context.Context, stage string, req types.Request) (Outcome, error) {
	return e.execute(ctx, stage, req, func(ctx context.Context, provider llm.Provider, req types.Request, out *Outcome) error {
		result, err := provider.Generate(ctx, req)
		if err != nil {
			return err
		}
		out.Result = result
		return nil
	})
}

// GenerateBatch runs one batch generation request through the fallback chain.
func (e *Engine) GenerateBatch(ctx context.Context, stage string, req types.Request) (Outcome, error) {
	return e.execute(ctx, stage, req, func(ctx context.Context, provider llm.Provider, req types.Request, out *Outcome) error {
		batch, err := provider.GenerateBatch(ctx, req)
		if err != nil {
			return err
		}
		out.Batch = batch
		return nil
	})
}

type invokeFunc func(ctx context.Context, provider llm.Provider, req types.Request, out *Outcome) error

func (e *Engine) execute(ctx context.Context, stage string, req types.Request, invoke invokeFunc) (Outcome, error) {
	session, err := e.router.NewSession(stage)
	if err != nil {
		return Outcome{}, err
	}

	var (
		lastErr      *faults.Error
		attempts     int
		skippedTotal int
	)
	for {
		selection := e.router.Next(session, lastErr)
		if selection == nil {
			break
		}
		skippedTotal += selection.Skipped

		provider, ok := e.providers[selection.Endpoint.Provider]
		if !ok || !provider.IsConfigured() {
			// Not a remote failure; move on without touching the breaker.
			lastErr = &faults.Error{
				Message:  fmt.Sprintf("provider %q is not configured", selection.Endpoint.Provider),
				Category: faults.CategoryRetryableTransient,
				Provider: selection.Endpoint.Provider,
				Model:    selection.Endpoint.Model,
				Stage:    stage,
			}
			continue
		}

		outcome, classified := e.callEndpoint(ctx, stage, provider, *selection, req, invoke, &attempts)
		if classified == nil {
			outcome.FallbackUsed = selection.IsFallback
			outcome.Skipped = skippedTotal
			return outcome, nil
		}
		if classified.Category == faults.CategoryCancelled {
			return Outcome{}, classified
		}
		lastErr = classified
	}

	return Outcome{}, &ExhaustedError{
		Stage:   stage,
		Tried:   session.TriedCount(),
		Skipped: skippedTotal,
		Last:    lastErr,
	}
}

// callEndpoint tries one endpoint, retrying in place for retryable failures
// per the retry policy. It returns a nil error on success, or the last
// classified error once the endpoint is given up on.
func (e *Engine) callEndpoint(
	ctx context.Context,
	stage string,
	provider llm.Provider,
	selection router.Selection,
	req types.Request,
	invoke invokeFunc,
	attempts *int,
) (Outcome, *faults.Error) {
	key := selection.Endpoint.Key()
	callReq := req
	callReq.Model = selection.Endpoint.Model
	callReq.Params = req.Params.Merge(selection.Params)

	var lastErr *faults.Error
	for attempt := 1; attempt <= e.retryPolicy.MaxAttempts; attempt++ {
		*attempts++
		started := time.Now().UTC()
		e.emit(ctx, observe.Event{
			Kind:     observe.KindCall,
			Name:     observe.EventCallStart,
			Status:   observe.StatusStarted,
			Endpoint: key,
			Stage:    stage,
			Attempt:  *attempts,
			Fallback: selection.IsFallback,
		})

		outcome := Outcome{Endpoint: selection.Endpoint, Attempts: *attempts}
		err := invoke(ctx, provider, callReq, &outcome)
		duration := time.Since(started)

		if err == nil {
			e.breaker.RecordOutcome(ctx, key, true, true)
			e.emit(ctx, observe.Event{
				Kind:       observe.KindCall,
				Name:       observe.EventCallEnd,
				Status:     observe.StatusCompleted,
				Endpoint:   key,
				Stage:      stage,
				Attempt:    *attempts,
				Fallback:   selection.IsFallback,
				DurationMs: duration.Milliseconds(),
			})
			return outcome, nil
		}

		classified := faults.Wrap(err, faults.Context{
			Provider: selection.Endpoint.Provider,
			Model:    selection.Endpoint.Model,
			Stage:    stage,
		})
		lastErr = classified
		e.breaker.RecordOutcome(ctx, key, false, classified.Flags().CountsForBreaker)
		e.emit(ctx, observe.Event{
			Kind:       observe.KindCall,
			Name:       observe.EventCallEnd,
			Status:     observe.StatusFailed,
			Endpoint:   key,
			Stage:      stage,
			Category:   string(classified.Category),
			Attempt:    *attempts,
			Fallback:   selection.IsFallback,
			DurationMs: duration.Milliseconds(),
			Error:      classified.Message,
		})

		if classified.Category == faults.CategoryCancelled {
			return Outcome{}, classified
		}
		if !classified.Flags().Retryable || attempt == e.retryPolicy.MaxAttempts {
			return Outcome{}, classified
		}
		if err := e.waitBeforeRetry(ctx, key, classified, attempt); err != nil {
			return Outcome{}, faults.Wrap(err, faults.Context{Provider: selection.Endpoint.Provider, Model: selection.Endpoint.Model, Stage: stage})
		}
	}
	return Outcome{}, lastErr
}

// waitBeforeRetry sleeps the provider-supplied retry-after hint when present,
// capped, otherwise the policy backoff.
func (e *Engine) waitBeforeRetry(ctx context.Context, key string, classified *faults.Error, attempt int) error {
	wait := e.retryPolicy.backoffForAttempt(attempt)
	if classified.RetryAfter > 0 {
		wait = classified.RetryAfter
		if wait > e.maxRateLimitWait {
			wait = e.maxRateLimitWait
		}
		e.emit(ctx, observe.Event{
			Kind:       observe.KindRateLimit,
			Name:       observe.EventRateLimitWait,
			Endpoint:   key,
			DurationMs: wait.Milliseconds(),
		})
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func (e *Engine) emit(ctx context.Context, event observe.Event) {
	_ = e.observer.Emit(ctx, event)
}

var _ error = (*ExhaustedError)(nil)
