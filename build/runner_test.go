package build

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/worldloom/genflow/engine"
	"github.com/worldloom/genflow/faults"
	"github.com/worldloom/genflow/llm"
	"github.com/worldloom/genflow/router"
	"github.com/worldloom/genflow/store"
	"github.com/worldloom/genflow/types"
)

// scriptedProvider fails the first N batch calls, then succeeds with a fixed
// item set.
type scriptedProvider struct {
	mu       sync.Mutex
	name     string
	failures int
	calls    int
	items    []types.BatchItem
}

func (p *scriptedProvider) Name() string {
	if p.name == "" {
		return "scripted"
	}
	return p.name
}

func (p *scriptedProvider) IsConfigured() bool { return true }

func (p *scriptedProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{StructuredOutput: true, Batch: true}
}

func (p *scriptedProvider) Generate(context.Context, types.Request) (types.Result, error) {
	return types.Result{}, llm.ErrNotSupported
}

func (p *scriptedProvider) GenerateBatch(context.Context, types.Request) (types.BatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return types.BatchResult{}, faults.New(
			faults.Failure{Message: "service unavailable", StatusCode: 503},
			faults.Context{Provider: "scripted"},
		)
	}
	return types.BatchResult{Items: p.items, Usage: &types.Usage{TotalTokens: 50}}, nil
}

var _ llm.Provider = (*scriptedProvider)(nil)

func newRunnerEngine(t *testing.T, provider llm.Provider, stages ...string) *engine.Engine {
	t.Helper()
	opts := []router.Option{}
	for _, stage := range stages {
		opts = append(opts, router.WithStage(router.StageConfig{
			Name:          stage,
			Endpoints:     []router.Endpoint{{Provider: provider.Name(), Model: "m1"}},
			AllowFallback: true,
		}))
	}
	eng, err := engine.New(router.New(opts...),
		engine.WithProvider(provider),
		engine.WithRetryPolicy(engine.RetryPolicy{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}),
	)
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

func TestRunnerCompletesBuild(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	provider := &scriptedProvider{items: seedItems(3)}
	eng := newRunnerEngine(t, provider, "stage-npcs", "stage-items")

	manager, err := NewBuild(st, "world-1",
		[]PoolPlan{{Name: "npcs", SeedTarget: 3}, {Name: "items", SeedTarget: 3}},
		WithSnapshotDelay(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer manager.Close()

	sink := &countingSink{}
	persister, err := NewSeedPersister(manager, st, sink)
	if err != nil {
		t.Fatal(err)
	}
	runner, err := NewRunner(eng, manager, persister)
	if err != nil {
		t.Fatal(err)
	}

	specs := []PoolSpec{
		{Name: "npcs", Stage: "stage-npcs", Prompt: "npcs please"},
		{Name: "items", Stage: "stage-items", Prompt: "items please"},
	}
	if err := runner.Run(ctx, specs); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	loaded, err := st.LoadBuild(ctx, manager.BuildID())
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != store.BuildCompleted {
		t.Fatalf("unexpected status: %s", loaded.Status)
	}
	if loaded.Progress != 1.0 {
		t.Fatalf("unexpected progress: %v", loaded.Progress)
	}
	if loaded.TotalTokens != 100 {
		t.Fatalf("tokens not accrued: %d", loaded.TotalTokens)
	}
	for _, pool := range []string{"npcs", "items"} {
		ps := loaded.Pools[pool]
		if ps.Status != store.PoolCompleted || ps.SeedsPersisted != 3 {
			t.Fatalf("pool %s not completed: %+v", pool, ps)
		}
	}
	if sink.count() != 6 {
		t.Fatalf("expected 6 side effects, got %d", sink.count())
	}
}

func TestRunnerRetriesTransientGeneration(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	provider := &scriptedProvider{failures: 1, items: seedItems(2)}
	eng := newRunnerEngine(t, provider, "stage-npcs")

	manager, err := NewBuild(st, "world-1", []PoolPlan{{Name: "npcs", SeedTarget: 2}}, WithSnapshotDelay(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer manager.Close()

	sink := &countingSink{}
	persister, err := NewSeedPersister(manager, st, sink)
	if err != nil {
		t.Fatal(err)
	}
	runner, err := NewRunner(eng, manager, persister)
	if err != nil {
		t.Fatal(err)
	}

	if err := runner.Run(ctx, []PoolSpec{{Name: "npcs", Stage: "stage-npcs", Prompt: "go"}}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if sink.count() != 2 {
		t.Fatalf("expected 2 side effects, got %d", sink.count())
	}
}

func TestRunnerMarksBuildFailed(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	// Always fails: retries and the single endpoint get exhausted.
	provider := &scriptedProvider{failures: 1000}
	eng := newRunnerEngine(t, provider, "stage-npcs")

	manager, err := NewBuild(st, "world-1", []PoolPlan{{Name: "npcs", SeedTarget: 2}}, WithSnapshotDelay(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer manager.Close()

	sink := &countingSink{}
	persister, err := NewSeedPersister(manager, st, sink)
	if err != nil {
		t.Fatal(err)
	}
	runner, err := NewRunner(eng, manager, persister)
	if err != nil {
		t.Fatal(err)
	}

	if err := runner.Run(ctx, []PoolSpec{{Name: "npcs", Stage: "stage-npcs", Prompt: "go"}}); err == nil {
		t.Fatal("expected run to fail")
	}
	loaded, err := st.LoadBuild(ctx, manager.BuildID())
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != store.BuildFailed {
		t.Fatalf("unexpected status: %s", loaded.Status)
	}
	if loaded.Pools["npcs"].Status != store.PoolFailed {
		t.Fatalf("pool not failed: %+v", loaded.Pools["npcs"])
	}
	if loaded.Pools["npcs"].Error == "" {
		t.Fatal("pool error message missing")
	}
}

func TestRunnerSkipsCompletedPools(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	provider := &scriptedProvider{items: seedItems(2)}
	eng := newRunnerEngine(t, provider, "stage-npcs")

	manager, err := NewBuild(st, "world-1", []PoolPlan{{Name: "npcs", SeedTarget: 2}}, WithSnapshotDelay(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer manager.Close()
	manager.SetPoolStatus("npcs", store.PoolCompleted)

	sink := &countingSink{}
	persister, err := NewSeedPersister(manager, st, sink)
	if err != nil {
		t.Fatal(err)
	}
	runner, err := NewRunner(eng, manager, persister)
	if err != nil {
		t.Fatal(err)
	}

	if err := runner.Run(ctx, []PoolSpec{{Name: "npcs", Stage: "stage-npcs", Prompt: "go"}}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if sink.count() != 0 {
		t.Fatal("completed pool was regenerated")
	}
}

func TestRunnerContinuesSiblingPoolsAfterFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	bad := &scriptedProvider{name: "bad", failures: 1000}
	good := &scriptedProvider{name: "good", items: seedItems(2)}
	rt := router.New(
		router.WithStage(router.StageConfig{
			Name:          "stage-bad",
			Endpoints:     []router.Endpoint{{Provider: "bad", Model: "m1"}},
			AllowFallback: true,
		}),
		router.WithStage(router.StageConfig{
			Name:          "stage-good",
			Endpoints:     []router.Endpoint{{Provider: "good", Model: "m1"}},
			AllowFallback: true,
		}),
	)
	eng, err := engine.New(rt,
		engine.WithProvider(bad),
		engine.WithProvider(good),
		engine.WithRetryPolicy(engine.RetryPolicy{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}),
	)
	if err != nil {
		t.Fatal(err)
	}

	manager, err := NewBuild(st, "world-1",
		[]PoolPlan{{Name: "npcs", SeedTarget: 2}, {Name: "items", SeedTarget: 2}},
		WithSnapshotDelay(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer manager.Close()

	sink := &countingSink{}
	persister, err := NewSeedPersister(manager, st, sink)
	if err != nil {
		t.Fatal(err)
	}
	runner, err := NewRunner(eng, manager, persister)
	if err != nil {
		t.Fatal(err)
	}

	specs := []PoolSpec{
		{Name: "npcs", Stage: "stage-bad", Prompt: "go"},
		{Name: "items", Stage: "stage-good", Prompt: "go"},
	}
	if err := runner.Run(ctx, specs); err == nil {
		t.Fatal("expected run to report the failed pool")
	}

	loaded, err := st.LoadBuild(ctx, manager.BuildID())
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != store.BuildFailed {
		t.Fatalf("unexpected status: %s", loaded.Status)
	}
	if loaded.Pools["npcs"].Status != store.PoolFailed {
		t.Fatalf("failed pool not marked: %+v", loaded.Pools["npcs"])
	}
	items := loaded.Pools["items"]
	if items.Status != store.PoolCompleted || items.SeedsPersisted != 2 {
		t.Fatalf("sibling pool was not run to completion: %+v", items)
	}
	if loaded.Progress != 1.0 {
		t.Fatalf("progress should cover all attempted pools: %v", loaded.Progress)
	}
	if sink.count() != 2 {
		t.Fatalf("expected 2 side effects from the healthy pool, got %d", sink.count())
	}
}
