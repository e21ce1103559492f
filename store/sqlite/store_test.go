package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/worldloom/genflow/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "builds.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleBuild(buildID, worldID string) store.BuildState {
	now := time.Now().UTC()
	return store.BuildState{
		BuildID: buildID,
		WorldID: worldID,
		Status:  store.BuildRunning,
		Pools: map[string]store.PoolState{
			"npcs": {Status: store.PoolGenerating, SeedsTotal: 10},
		},
		CurrentStage: "npcs",
		Progress:     0.25,
		CreatedAt:    &now,
		UpdatedAt:    &now,
	}
}

func TestSaveAndLoadBuild(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	build := sampleBuild("b1", "w1")
	build.TotalTokens = 1234
	if err := st.SaveBuild(ctx, build); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := st.LoadBuild(ctx, "b1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.WorldID != "w1" || loaded.Status != store.BuildRunning {
		t.Fatalf("unexpected build: %+v", loaded)
	}
	if loaded.TotalTokens != 1234 || loaded.Progress != 0.25 {
		t.Fatalf("fields lost: %+v", loaded)
	}
	pool, ok := loaded.Pools["npcs"]
	if !ok || pool.Status != store.PoolGenerating || pool.SeedsTotal != 10 {
		t.Fatalf("pools lost: %+v", loaded.Pools)
	}
}

func TestSaveBuildUpserts(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	build := sampleBuild("b1", "w1")
	if err := st.SaveBuild(ctx, build); err != nil {
		t.Fatal(err)
	}
	build.Status = store.BuildCompleted
	build.Progress = 1.0
	if err := st.SaveBuild(ctx, build); err != nil {
		t.Fatal(err)
	}

	loaded, err := st.LoadBuild(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != store.BuildCompleted || loaded.Progress != 1.0 {
		t.Fatalf("upsert did not apply: %+v", loaded)
	}
}

func TestLoadBuildNotFound(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.LoadBuild(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRunningBuildsFiltersWorldAndStatus(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.SaveBuild(ctx, sampleBuild("b1", "w1")); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveBuild(ctx, sampleBuild("b2", "w2")); err != nil {
		t.Fatal(err)
	}
	done := sampleBuild("b3", "w1")
	done.Status = store.BuildCompleted
	if err := st.SaveBuild(ctx, done); err != nil {
		t.Fatal(err)
	}

	all, err := st.ListRunningBuilds(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 running builds, got %d", len(all))
	}
	w1, err := st.ListRunningBuilds(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(w1) != 1 || w1[0].BuildID != "b1" {
		t.Fatalf("unexpected w1 builds: %+v", w1)
	}
}

func TestLatestRunningBuild(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	older := sampleBuild("b1", "w1")
	past := time.Now().UTC().Add(-time.Hour)
	older.UpdatedAt = &past
	if err := st.SaveBuild(ctx, older); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveBuild(ctx, sampleBuild("b2", "w1")); err != nil {
		t.Fatal(err)
	}

	latest, err := st.LatestRunningBuild(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.BuildID != "b2" {
		t.Fatalf("expected most recently updated build, got %s", latest.BuildID)
	}
	if _, err := st.LatestRunningBuild(ctx, "empty-world"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSeedJournal(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	key := store.SeedKey{BuildID: "b1", Pool: "npcs", Key: "b1:npcs:0"}
	if err := st.AppendSeedKey(ctx, key); err != nil {
		t.Fatal(err)
	}
	// Duplicate append is a silent no-op.
	if err := st.AppendSeedKey(ctx, key); err != nil {
		t.Fatalf("duplicate append failed: %v", err)
	}
	if err := st.AppendSeedKey(ctx, store.SeedKey{BuildID: "b1", Pool: "items", Key: "b1:items:0"}); err != nil {
		t.Fatal(err)
	}

	ok, err := st.HasSeedKey(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected key present: %v %v", ok, err)
	}
	ok, err = st.HasSeedKey(ctx, store.SeedKey{BuildID: "b1", Pool: "npcs", Key: "b1:npcs:9"})
	if err != nil || ok {
		t.Fatalf("expected key absent: %v %v", ok, err)
	}

	npcs, err := st.ListSeedKeys(ctx, "b1", "npcs")
	if err != nil {
		t.Fatal(err)
	}
	if len(npcs) != 1 || npcs[0] != "b1:npcs:0" {
		t.Fatalf("unexpected pool keys: %v", npcs)
	}
	all, err := st.ListAllSeedKeys(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 keys across pools, got %d", len(all))
	}
}

func TestDeleteBuildRemovesJournal(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.SaveBuild(ctx, sampleBuild("b1", "w1")); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendSeedKey(ctx, store.SeedKey{BuildID: "b1", Pool: "npcs", Key: "b1:npcs:0"}); err != nil {
		t.Fatal(err)
	}

	if err := st.DeleteBuild(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.LoadBuild(ctx, "b1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("build not deleted: %v", err)
	}
	keys, err := st.ListAllSeedKeys(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("journal not deleted with build: %v", keys)
	}
}

func TestPruneBuilds(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	old := time.Now().UTC().Add(-48 * time.Hour)

	stale := sampleBuild("b-old", "w1")
	stale.Status = store.BuildCompleted
	stale.UpdatedAt = &old
	if err := st.SaveBuild(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendSeedKey(ctx, store.SeedKey{BuildID: "b-old", Pool: "npcs", Key: "b-old:npcs:0"}); err != nil {
		t.Fatal(err)
	}

	// Old but still running: never pruned.
	running := sampleBuild("b-running", "w1")
	running.UpdatedAt = &old
	if err := st.SaveBuild(ctx, running); err != nil {
		t.Fatal(err)
	}

	// Terminal but recent: kept.
	fresh := sampleBuild("b-fresh", "w1")
	fresh.Status = store.BuildFailed
	if err := st.SaveBuild(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	pruned, err := st.PruneBuilds(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned build, got %d", pruned)
	}
	if _, err := st.LoadBuild(ctx, "b-old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("stale terminal build should be gone")
	}
	keys, err := st.ListAllSeedKeys(ctx, "b-old")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("pruned build left journal entries: %v", keys)
	}
	if _, err := st.LoadBuild(ctx, "b-running"); err != nil {
		t.Fatal("running build must survive pruning")
	}
	if _, err := st.LoadBuild(ctx, "b-fresh"); err != nil {
		t.Fatal("recent terminal build must survive pruning")
	}
}
