// Package build tracks the progress of long-running, multi-pool batch jobs
// and persists their output exactly once per idempotency key, so a crashed
// build resumes without duplicating already-produced seeds.
package build

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/worldloom/genflow/observe"
	"github.com/worldloom/genflow/store"
)

// PoolPlan names one pool and its seed target for a fresh build.
type PoolPlan struct {
	Name       string
	SeedTarget int
}

// Manager owns one build's in-memory state. Progress mutators update memory
// and schedule a coalesced snapshot; Flush forces a write at stage
// boundaries. The coalesced snapshot is advisory only; the durable seed
// journal is the source of truth for what was produced.
type Manager struct {
	store     store.Store
	observer  observe.Sink
	persister *ThrottledPersister[store.BuildState]

	mu       sync.Mutex
	state    store.BuildState
	seen     map[string]bool
	restored bool
}

type ManagerOption func(*managerOptions)

type managerOptions struct {
	observer observe.Sink
	delay    time.Duration
}

func WithObserver(observer observe.Sink) ManagerOption {
	return func(o *managerOptions) {
		if observer != nil {
			o.observer = observer
		}
	}
}

func WithSnapshotDelay(delay time.Duration) ManagerOption {
	return func(o *managerOptions) {
		if delay > 0 {
			o.delay = delay
		}
	}
}

func applyOptions(opts []ManagerOption) managerOptions {
	options := managerOptions{
		observer: observe.NoopSink{},
		delay:    defaultCoalesceDelay,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// NewBuild starts a fresh build with every pool pending.
func NewBuild(st store.Store, worldID string, pools []PoolPlan, opts ...ManagerOption) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if worldID == "" {
		return nil, fmt.Errorf("world id is required")
	}
	if len(pools) == 0 {
		return nil, fmt.Errorf("at least one pool is required")
	}

	now := time.Now().UTC()
	state := store.BuildState{
		BuildID:   uuid.NewString(),
		WorldID:   worldID,
		Status:    store.BuildRunning,
		Pools:     make(map[string]store.PoolState, len(pools)),
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	for _, plan := range pools {
		if plan.Name == "" {
			return nil, fmt.Errorf("pool name is required")
		}
		state.Pools[plan.Name] = store.PoolState{
			Status:     store.PoolPending,
			SeedsTotal: plan.SeedTarget,
		}
	}

	m := newManager(st, state, applyOptions(opts))
	return m, nil
}

// Restore rehydrates a manager from a prior snapshot and loads every
// journaled idempotency key into memory, so recovery never trusts the
// snapshot's own (possibly stale) bookkeeping.
func Restore(ctx context.Context, st store.Store, previous store.BuildState, opts ...ManagerOption) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if previous.BuildID == "" {
		return nil, fmt.Errorf("previous state has no build id")
	}
	if previous.Pools == nil {
		previous.Pools = map[string]store.PoolState{}
	}

	keys, err := st.ListAllSeedKeys(ctx, previous.BuildID)
	if err != nil {
		return nil, fmt.Errorf("failed to load seed journal for build %s: %w", previous.BuildID, err)
	}

	m := newManager(st, previous, applyOptions(opts))
	m.restored = true
	counts := make(map[string]int, len(previous.Pools))
	for _, key := range keys {
		m.seen[seenKey(key.Pool, key.Key)] = true
		counts[key.Pool]++
	}
	// Reconcile snapshot counters with the journal.
	for pool, count := range counts {
		ps := m.state.Pools[pool]
		if ps.SeedsPersisted < count {
			ps.SeedsPersisted = count
			m.state.Pools[pool] = ps
		}
	}
	return m, nil
}

// RestoreLatest restores the most recent running build for a world. An empty
// worldID matches any world.
func RestoreLatest(ctx context.Context, st store.Store, worldID string, opts ...ManagerOption) (*Manager, error) {
	previous, err := st.LatestRunningBuild(ctx, worldID)
	if err != nil {
		return nil, err
	}
	return Restore(ctx, st, previous, opts...)
}

func newManager(st store.Store, state store.BuildState, options managerOptions) *Manager {
	m := &Manager{
		store:    st,
		observer: options.observer,
		state:    state,
		seen:     make(map[string]bool),
	}
	m.persister = NewThrottledPersister(options.delay, func(ctx context.Context, snapshot store.BuildState) error {
		return st.SaveBuild(ctx, snapshot)
	})
	return m
}

func (m *Manager) BuildID() string { return m.state.BuildID }
func (m *Manager) WorldID() string { return m.state.WorldID }

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() store.BuildState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyStateLocked()
}

func (m *Manager) copyStateLocked() store.BuildState {
	out := m.state
	out.Pools = make(map[string]store.PoolState, len(m.state.Pools))
	for name, pool := range m.state.Pools {
		out.Pools[name] = pool
	}
	return out
}

func (m *Manager) scheduleLocked() {
	now := time.Now().UTC()
	m.state.UpdatedAt = &now
	m.persister.Schedule(m.copyStateLocked())
}

// SetStage records the current stage of the build.
func (m *Manager) SetStage(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.CurrentStage = stage
	m.scheduleLocked()
}

// SetProgress advances overall progress. Progress is monotonically
// non-decreasing within a run; lower values are ignored.
func (m *Manager) SetProgress(progress float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if progress <= m.state.Progress {
		return
	}
	m.state.Progress = progress
	m.scheduleLocked()
}

func (m *Manager) SetPoolStatus(pool string, status store.PoolStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps := m.state.Pools[pool]
	ps.Status = status
	m.state.Pools[pool] = ps
	m.scheduleLocked()
}

func (m *Manager) SetPoolError(pool string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps := m.state.Pools[pool]
	ps.Status = store.PoolFailed
	if err != nil {
		ps.Error = err.Error()
	}
	m.state.Pools[pool] = ps
	m.scheduleLocked()
}

func (m *Manager) MarkInfrastructurePersisted(pool, componentRef string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps := m.state.Pools[pool]
	ps.InfrastructurePersisted = true
	if componentRef != "" {
		ps.ComponentRef = componentRef
	}
	m.state.Pools[pool] = ps
	m.scheduleLocked()
}

// AddTokens accrues token usage against a pool and the build total.
func (m *Manager) AddTokens(pool string, tokens int) {
	if tokens <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ps := m.state.Pools[pool]
	ps.TokensUsed += tokens
	m.state.Pools[pool] = ps
	m.state.TotalTokens += tokens
	m.scheduleLocked()
}

// hasSeed checks the in-memory set first. After a restore, a miss is
// confirmed against the durable journal so a partially-loaded memory set can
// never cause a duplicate side effect.
func (m *Manager) hasSeed(ctx context.Context, pool, key string) (bool, error) {
	m.mu.Lock()
	found := m.seen[seenKey(pool, key)]
	restored := m.restored
	m.mu.Unlock()
	if found {
		return true, nil
	}
	if !restored {
		return false, nil
	}
	ok, err := m.store.HasSeedKey(ctx, store.SeedKey{BuildID: m.state.BuildID, Pool: pool, Key: key})
	if err != nil {
		return false, err
	}
	if ok {
		m.mu.Lock()
		m.seen[seenKey(pool, key)] = true
		m.mu.Unlock()
	}
	return ok, nil
}

// recordSeed marks a key as produced and bumps the pool counter.
func (m *Manager) recordSeed(pool, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[seenKey(pool, key)] = true
	ps := m.state.Pools[pool]
	ps.SeedsPersisted++
	m.state.Pools[pool] = ps
	m.scheduleLocked()
}

// countSkipped bumps the pool counter for a seed that was already journaled
// in a previous run but not reflected in this manager's counters yet.
func (m *Manager) countSkipped(pool, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[seenKey(pool, key)] {
		return
	}
	m.seen[seenKey(pool, key)] = true
	ps := m.state.Pools[pool]
	ps.SeedsPersisted++
	m.state.Pools[pool] = ps
	m.scheduleLocked()
}

// IncompletePools lists pools that still need work, in no particular order.
func (m *Manager) IncompletePools() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.state.Pools))
	for name, pool := range m.state.Pools {
		if pool.Status != store.PoolCompleted {
			out = append(out, name)
		}
	}
	return out
}

// Flush forces an immediate snapshot write, waiting for any in-flight
// coalesced write first. Use at stage boundaries.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	now := time.Now().UTC()
	m.state.UpdatedAt = &now
	snapshot := m.copyStateLocked()
	m.mu.Unlock()

	m.persister.Schedule(snapshot)
	return m.persister.Flush(ctx)
}

func (m *Manager) setStatus(ctx context.Context, status store.BuildStatus) error {
	m.mu.Lock()
	m.state.Status = status
	m.mu.Unlock()
	err := m.Flush(ctx)
	m.emitProgress(ctx)
	return err
}

func (m *Manager) Complete(ctx context.Context) error {
	return m.setStatus(ctx, store.BuildCompleted)
}

func (m *Manager) Fail(ctx context.Context) error {
	return m.setStatus(ctx, store.BuildFailed)
}

func (m *Manager) Cancel(ctx context.Context) error {
	return m.setStatus(ctx, store.BuildCancelled)
}

// Close releases the snapshot timer. Call Flush first on orderly shutdown.
func (m *Manager) Close() {
	m.persister.Close()
}

func (m *Manager) emitProgress(ctx context.Context) {
	snapshot := m.Snapshot()
	_ = m.observer.Emit(ctx, observe.Event{
		Kind:    observe.KindBuild,
		Name:    observe.EventBuildProgress,
		BuildID: snapshot.BuildID,
		Message: string(snapshot.Status),
		Attributes: map[string]any{
			"progress":    snapshot.Progress,
			"stage":       snapshot.CurrentStage,
			"totalTokens": snapshot.TotalTokens,
		},
	})
}

func seenKey(pool, key string) string {
	return pool + "\x00" + key
}
