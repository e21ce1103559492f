package build

import (
	"context"
	"errors"
	"fmt"

	"github.com/worldloom/genflow/engine"
	"github.com/worldloom/genflow/faults"
	"github.com/worldloom/genflow/store"
	"github.com/worldloom/genflow/types"
)

// PoolSpec describes one pool's generation work: which routing stage serves
// it, the prompt, and how many seeds it targets.
type PoolSpec struct {
	Name           string               `json:"name"`
	Stage          string               `json:"stage"`
	SystemPrompt   string               `json:"systemPrompt,omitempty"`
	Prompt         string               `json:"prompt"`
	SeedTarget     int                  `json:"seedTarget"`
	ResponseSchema map[string]any       `json:"responseSchema,omitempty"`
	Params         types.GenerateParams `json:"params,omitempty"`
}

// Runner drives every pool of a build through generate-then-persist. Pools
// already completed in a restored build are skipped, so a resumed run picks
// up exactly where the crash left off.
type Runner struct {
	engine    *engine.Engine
	manager   *Manager
	persister *SeedPersister
}

func NewRunner(eng *engine.Engine, manager *Manager, persister *SeedPersister) (*Runner, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if persister == nil {
		return nil, fmt.Errorf("seed persister is required")
	}
	return &Runner{engine: eng, manager: manager, persister: persister}, nil
}

// Run executes the specs in order and settles the build's terminal status:
// Completed on success, Cancelled on context cancellation, Failed otherwise.
// A failed pool is marked and left behind; its siblings still run.
func (r *Runner) Run(ctx context.Context, specs []PoolSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("at least one pool spec is required")
	}

	var poolErrs []error
	for i, spec := range specs {
		if err := r.RunPool(ctx, spec); err != nil {
			if errors.Is(err, context.Canceled) || faults.CategoryOf(err) == faults.CategoryCancelled {
				_ = r.manager.Cancel(ctx)
				return err
			}
			poolErrs = append(poolErrs, err)
		}
		r.manager.SetProgress(float64(i+1) / float64(len(specs)))
	}
	if len(poolErrs) > 0 {
		_ = r.manager.Fail(ctx)
		return errors.Join(poolErrs...)
	}
	return r.manager.Complete(ctx)
}

// RunPool generates and persists a single pool. A pool the manager already
// marks completed is a no-op.
func (r *Runner) RunPool(ctx context.Context, spec PoolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("pool name is required")
	}
	if spec.Stage == "" {
		return fmt.Errorf("pool %s: stage is required", spec.Name)
	}

	snapshot := r.manager.Snapshot()
	if pool, ok := snapshot.Pools[spec.Name]; ok && pool.Status == store.PoolCompleted {
		return nil
	}

	r.manager.SetStage(spec.Name)
	r.manager.SetPoolStatus(spec.Name, store.PoolGenerating)

	outcome, err := r.engine.GenerateBatch(ctx, spec.Stage, types.Request{
		SystemPrompt:   spec.SystemPrompt,
		UserPrompt:     spec.Prompt,
		ResponseSchema: spec.ResponseSchema,
		Params:         spec.Params,
	})
	if err != nil {
		r.manager.SetPoolError(spec.Name, err)
		return fmt.Errorf("pool %s generation failed: %w", spec.Name, err)
	}
	if outcome.Batch.Usage != nil {
		r.manager.AddTokens(spec.Name, outcome.Batch.Usage.TotalTokens)
	}

	r.manager.SetPoolStatus(spec.Name, store.PoolPersisting)
	if _, err := r.persister.PersistBatch(ctx, spec.Name, outcome.Batch.Items); err != nil {
		r.manager.SetPoolError(spec.Name, err)
		return fmt.Errorf("pool %s persistence failed: %w", spec.Name, err)
	}

	r.manager.SetPoolStatus(spec.Name, store.PoolCompleted)
	return r.manager.Flush(ctx)
}
