package build

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/worldloom/genflow/faults"
	"github.com/worldloom/genflow/store"
	"github.com/worldloom/genflow/types"
)

// SeedSink performs the domain side effect for one generated item. It is the
// external collaborator the core records idempotently around.
type SeedSink interface {
	PersistSeed(ctx context.Context, pool string, item types.BatchItem) error
}

type SeedSinkFunc func(ctx context.Context, pool string, item types.BatchItem) error

func (f SeedSinkFunc) PersistSeed(ctx context.Context, pool string, item types.BatchItem) error {
	return f(ctx, pool, item)
}

// IdempotencyKey derives the stable identifier for item index in a pool. The
// name fragment hardens against index reuse when a retried generation call
// reorders or resizes a batch.
func IdempotencyKey(buildID, pool string, index int, name string) string {
	key := fmt.Sprintf("%s:%s:%d", buildID, pool, index)
	if name == "" {
		return key
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return fmt.Sprintf("%s-%08x", key, h.Sum32())
}

// SeedPersister writes each candidate item exactly once: side effect first,
// then the durable journal entry, then the counter, one item per commit. A
// crash mid-pool loses at most the single in-flight item.
type SeedPersister struct {
	manager      *Manager
	store        store.Store
	sink         SeedSink
	itemAttempts int
}

type SeedPersisterOption func(*SeedPersister)

// WithItemAttempts sets how many times a single item's transient side-effect
// failure is retried before the pool is given up on.
func WithItemAttempts(attempts int) SeedPersisterOption {
	return func(p *SeedPersister) {
		if attempts > 0 {
			p.itemAttempts = attempts
		}
	}
}

func NewSeedPersister(manager *Manager, st store.Store, sink SeedSink, opts ...SeedPersisterOption) (*SeedPersister, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("seed sink is required")
	}
	p := &SeedPersister{
		manager:      manager,
		store:        st,
		sink:         sink,
		itemAttempts: 3,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Report summarizes one PersistBatch call.
type Report struct {
	Persisted int
	Skipped   int
}

// PersistBatch runs candidate items through the idempotent pipeline in
// offered order. Items whose key is already journaled are skipped and
// counted; everything else is persisted then journaled, each item an
// independent commit.
func (p *SeedPersister) PersistBatch(ctx context.Context, pool string, items []types.BatchItem) (Report, error) {
	report := Report{}
	buildID := p.manager.BuildID()

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		key := IdempotencyKey(buildID, pool, i, item.Name)

		done, err := p.manager.hasSeed(ctx, pool, key)
		if err != nil {
			return report, fmt.Errorf("failed to check seed key %s: %w", key, err)
		}
		if done {
			p.manager.countSkipped(pool, key)
			report.Skipped++
			continue
		}

		if err := p.persistOne(ctx, pool, item); err != nil {
			return report, fmt.Errorf("failed to persist seed %q in pool %s: %w", item.Name, pool, err)
		}
		if err := p.store.AppendSeedKey(ctx, store.SeedKey{BuildID: buildID, Pool: pool, Key: key}); err != nil {
			return report, fmt.Errorf("failed to journal seed key %s: %w", key, err)
		}
		p.manager.recordSeed(pool, key)
		report.Persisted++
	}
	return report, nil
}

// persistOne retries a single item's transient failures without failing the
// whole pool.
func (p *SeedPersister) persistOne(ctx context.Context, pool string, item types.BatchItem) error {
	var lastErr error
	for attempt := 1; attempt <= p.itemAttempts; attempt++ {
		err := p.sink.PersistSeed(ctx, pool, item)
		if err == nil {
			return nil
		}
		lastErr = err
		if !faults.CategoryOf(err).Flags().Retryable {
			return err
		}
		if attempt == p.itemAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	return lastErr
}
