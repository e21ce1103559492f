package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/worldloom/genflow/breaker"
	"github.com/worldloom/genflow/faults"
	"github.com/worldloom/genflow/llm"
	"github.com/worldloom/genflow/observe"
	"github.com/worldloom/genflow/router"
	"github.com/worldloom/genflow/types"
)

// fakeProvider scripts responses per call. A nil script entry means success.
type fakeProvider struct {
	name       string
	configured bool

	mu     sync.Mutex
	script []error
	calls  int
	models []string
}

func newFakeProvider(name string, script ...error) *fakeProvider {
	return &fakeProvider{name: name, configured: true, script: script}
}

func (p *fakeProvider) Name() string       { return p.name }
func (p *fakeProvider) IsConfigured() bool { return p.configured }

func (p *fakeProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{StructuredOutput: true, Batch: true}
}

func (p *fakeProvider) next(model string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.models = append(p.models, model)
	idx := p.calls
	p.calls++
	if idx < len(p.script) {
		return p.script[idx]
	}
	return nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) Generate(_ context.Context, req types.Request) (types.Result, error) {
	if err := p.next(req.Model); err != nil {
		return types.Result{}, err
	}
	return types.Result{Data: map[string]any{"from": p.name}}, nil
}

func (p *fakeProvider) GenerateBatch(_ context.Context, req types.Request) (types.BatchResult, error) {
	if err := p.next(req.Model); err != nil {
		return types.BatchResult{}, err
	}
	return types.BatchResult{
		Items: []types.BatchItem{{Name: "seed-0"}, {Name: "seed-1"}},
		Usage: &types.Usage{TotalTokens: 100},
	}, nil
}

var _ llm.Provider = (*fakeProvider)(nil)

func classifiedErr(provider string, failure faults.Failure) error {
	return faults.New(failure, faults.Context{Provider: provider})
}

func twoProviderStage() router.StageConfig {
	return router.StageConfig{
		Name: "seeds",
		Endpoints: []router.Endpoint{
			{Provider: "alpha", Model: "a1"},
			{Provider: "beta", Model: "b1"},
		},
		AllowFallback:     true,
		DegradeOnFallback: true,
		BaseParams:        types.GenerateParams{Temperature: 0.9},
		DegradedParams:    types.GenerateParams{Temperature: 0.4},
	}
}

func newTestEngine(t *testing.T, brk *breaker.Breaker, providers ...llm.Provider) *Engine {
	t.Helper()
	if brk == nil {
		brk = breaker.New()
	}
	rt := router.New(router.WithStage(twoProviderStage()), router.WithBreaker(brk))
	opts := []Option{
		WithBreaker(brk),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 1}),
	}
	for _, p := range providers {
		opts = append(opts, WithProvider(p))
	}
	eng, err := New(rt, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

func TestGenerateSucceedsOnPrimary(t *testing.T) {
	alpha := newFakeProvider("alpha")
	beta := newFakeProvider("beta")
	eng := newTestEngine(t, nil, alpha, beta)

	outcome, err := eng.Generate(context.Background(), "seeds", types.Request{UserPrompt: "go"})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if outcome.Endpoint.Key() != "alpha:a1" {
		t.Fatalf("unexpected endpoint: %+v", outcome.Endpoint)
	}
	if outcome.FallbackUsed || outcome.Attempts != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if beta.callCount() != 0 {
		t.Fatal("fallback provider should not be called")
	}
}

func TestGenerateFallsBackOnTransient(t *testing.T) {
	alpha := newFakeProvider("alpha", classifiedErr("alpha", faults.Failure{Message: "service unavailable", StatusCode: 503}))
	beta := newFakeProvider("beta")
	eng := newTestEngine(t, nil, alpha, beta)

	outcome, err := eng.Generate(context.Background(), "seeds", types.Request{UserPrompt: "go"})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if outcome.Endpoint.Key() != "beta:b1" {
		t.Fatalf("expected fallback endpoint, got %+v", outcome.Endpoint)
	}
	if !outcome.FallbackUsed {
		t.Fatal("fallback not flagged")
	}
	if outcome.Attempts != 2 {
		t.Fatalf("expected 2 attempts total, got %d", outcome.Attempts)
	}
}

func TestGenerateAbortsOnAuth(t *testing.T) {
	alpha := newFakeProvider("alpha", classifiedErr("alpha", faults.Failure{Message: "invalid api key", StatusCode: 401}))
	beta := newFakeProvider("beta")
	eng := newTestEngine(t, nil, alpha, beta)

	_, err := eng.Generate(context.Background(), "seeds", types.Request{UserPrompt: "go"})
	if err == nil {
		t.Fatal("expected failure")
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %T: %v", err, err)
	}
	if exhausted.Last == nil || exhausted.Last.Category != faults.CategoryAuth {
		t.Fatalf("unexpected last error: %+v", exhausted.Last)
	}
	if beta.callCount() != 0 {
		t.Fatal("auth failure must not fall back")
	}
}

func TestGenerateRetriesInPlace(t *testing.T) {
	alpha := newFakeProvider("alpha", classifiedErr("alpha", faults.Failure{Message: "connection reset"}))
	// Two in-endpoint attempts with negligible backoff.
	rt := router.New(router.WithStage(twoProviderStage()))
	eng, err := New(rt,
		WithProvider(alpha),
		WithProvider(newFakeProvider("beta")),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}),
	)
	if err != nil {
		t.Fatal(err)
	}

	outcome, err := eng.Generate(context.Background(), "seeds", types.Request{UserPrompt: "go"})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if outcome.Endpoint.Key() != "alpha:a1" {
		t.Fatalf("retry should stay on the endpoint, got %+v", outcome.Endpoint)
	}
	if outcome.Attempts != 2 || outcome.FallbackUsed {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestGenerateSkipsUnconfiguredProvider(t *testing.T) {
	alpha := newFakeProvider("alpha")
	alpha.configured = false
	beta := newFakeProvider("beta")
	eng := newTestEngine(t, nil, alpha, beta)

	outcome, err := eng.Generate(context.Background(), "seeds", types.Request{UserPrompt: "go"})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if outcome.Endpoint.Key() != "beta:b1" {
		t.Fatalf("unconfigured provider not skipped: %+v", outcome.Endpoint)
	}
	if alpha.callCount() != 0 {
		t.Fatal("unconfigured provider must not be invoked")
	}
}

func TestGenerateExhaustsAllEndpoints(t *testing.T) {
	transient := faults.Failure{Message: "service unavailable", StatusCode: 503}
	alpha := newFakeProvider("alpha", classifiedErr("alpha", transient))
	beta := newFakeProvider("beta", classifiedErr("beta", transient))
	eng := newTestEngine(t, nil, alpha, beta)

	_, err := eng.Generate(context.Background(), "seeds", types.Request{UserPrompt: "go"})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.Tried != 2 {
		t.Fatalf("expected 2 endpoints tried, got %d", exhausted.Tried)
	}
	if exhausted.Last == nil || exhausted.Last.Provider != "beta" {
		t.Fatalf("last error should come from the final endpoint: %+v", exhausted.Last)
	}
}

func TestGenerateFeedsBreaker(t *testing.T) {
	brk := breaker.New(breaker.WithConfig(breaker.Config{
		FailureThreshold: 1,
		Window:           time.Minute,
		Cooldown:         time.Hour,
		MaxCooldown:      time.Hour,
	}))
	transient := faults.Failure{Message: "service unavailable", StatusCode: 503}
	alpha := newFakeProvider("alpha", classifiedErr("alpha", transient))
	beta := newFakeProvider("beta")
	eng := newTestEngine(t, brk, alpha, beta)

	if _, err := eng.Generate(context.Background(), "seeds", types.Request{UserPrompt: "go"}); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if got := brk.StateOf("alpha:a1"); got != breaker.StateOpen {
		t.Fatalf("counting failure should open threshold-1 circuit, got %s", got)
	}

	// Next request skips the open circuit without touching alpha.
	before := alpha.callCount()
	outcome, err := eng.Generate(context.Background(), "seeds", types.Request{UserPrompt: "again"})
	if err != nil {
		t.Fatalf("second generate failed: %v", err)
	}
	if outcome.Endpoint.Key() != "beta:b1" || alpha.callCount() != before {
		t.Fatalf("open circuit was still called: %+v", outcome)
	}
	if outcome.Skipped == 0 {
		t.Fatal("skip should be reported in the outcome")
	}
}

func TestGenerateParseFailureDoesNotTripBreaker(t *testing.T) {
	brk := breaker.New(breaker.WithConfig(breaker.Config{
		FailureThreshold: 1,
		Window:           time.Minute,
		Cooldown:         time.Hour,
		MaxCooldown:      time.Hour,
	}))
	parse := faults.Failure{Message: "failed to parse: unexpected end of JSON input"}
	alpha := newFakeProvider("alpha", classifiedErr("alpha", parse))
	eng := newTestEngine(t, brk, alpha, newFakeProvider("beta"))

	if _, err := eng.Generate(context.Background(), "seeds", types.Request{UserPrompt: "go"}); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if got := brk.StateOf("alpha:a1"); got != breaker.StateClosed {
		t.Fatalf("parse failure must not open the circuit, got %s", got)
	}
}

func TestGenerateCancelledReturnsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	alpha := newFakeProvider("alpha", classifiedErr("alpha", faults.Failure{Message: "call aborted", Cause: ctx.Err()}))
	beta := newFakeProvider("beta")
	eng := newTestEngine(t, nil, alpha, beta)

	_, err := eng.Generate(ctx, "seeds", types.Request{UserPrompt: "go"})
	if faults.CategoryOf(err) != faults.CategoryCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if beta.callCount() != 0 {
		t.Fatal("cancellation must not fall back")
	}
}

func TestGenerateBatchCarriesUsage(t *testing.T) {
	alpha := newFakeProvider("alpha")
	eng := newTestEngine(t, nil, alpha, newFakeProvider("beta"))

	outcome, err := eng.GenerateBatch(context.Background(), "seeds", types.Request{UserPrompt: "go"})
	if err != nil {
		t.Fatalf("generate batch failed: %v", err)
	}
	if len(outcome.Batch.Items) != 2 {
		t.Fatalf("unexpected items: %+v", outcome.Batch.Items)
	}
	if outcome.Batch.Usage == nil || outcome.Batch.Usage.TotalTokens != 100 {
		t.Fatalf("usage lost: %+v", outcome.Batch.Usage)
	}
}

func TestEngineEmitsCallEvents(t *testing.T) {
	var mu sync.Mutex
	var events []observe.Event
	sink := observe.SinkFunc(func(_ context.Context, event observe.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
		return nil
	})

	rt := router.New(router.WithStage(twoProviderStage()))
	alpha := newFakeProvider("alpha", classifiedErr("alpha", faults.Failure{Message: "service unavailable", StatusCode: 503}))
	eng, err := New(rt,
		WithProvider(alpha),
		WithProvider(newFakeProvider("beta")),
		WithObserver(sink),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 1}),
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Generate(context.Background(), "seeds", types.Request{UserPrompt: "go"}); err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	// alpha start+fail, beta start+success.
	if len(events) != 4 {
		t.Fatalf("expected 4 call events, got %d: %+v", len(events), events)
	}
	if events[1].Status != observe.StatusFailed || events[1].Category != string(faults.CategoryRetryableTransient) {
		t.Fatalf("failure event wrong: %+v", events[1])
	}
	if events[3].Status != observe.StatusCompleted || !events[3].Fallback {
		t.Fatalf("success event wrong: %+v", events[3])
	}
}

func TestDefaultConstructionSharesBreaker(t *testing.T) {
	ctx := context.Background()

	unavailable := classifiedErr("alpha", faults.Failure{Message: "service unavailable", StatusCode: 503})
	script := make([]error, 0, 5)
	for i := 0; i < 5; i++ {
		script = append(script, unavailable)
	}
	alpha := newFakeProvider("alpha", script...)

	// No WithBreaker anywhere: router and engine must still share one.
	rt := router.New(router.WithStage(router.StageConfig{
		Name:          "seeds",
		Endpoints:     []router.Endpoint{{Provider: "alpha", Model: "a1"}},
		AllowFallback: true,
	}))
	eng, err := New(rt, WithProvider(alpha), WithRetryPolicy(RetryPolicy{MaxAttempts: 1}))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, err := eng.Generate(ctx, "seeds", types.Request{UserPrompt: "go"}); err == nil {
			t.Fatalf("call %d should have failed", i+1)
		}
	}
	if state := rt.Breaker().StateOf("alpha:a1"); state != breaker.StateOpen {
		t.Fatalf("circuit should be open after threshold failures, got %s", state)
	}

	_, err = eng.Generate(ctx, "seeds", types.Request{UserPrompt: "go"})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if exhausted.Skipped == 0 {
		t.Fatal("open endpoint was not reported as skipped")
	}
	if alpha.callCount() != 5 {
		t.Fatalf("open circuit was still called: %d calls", alpha.callCount())
	}
}
