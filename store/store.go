// Package store defines the durable persistence contract for build state and
// the seed idempotency-key journal. Implementations live in subpackages.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

type BuildStatus string

const (
	BuildRunning   BuildStatus = "running"
	BuildCompleted BuildStatus = "completed"
	BuildFailed    BuildStatus = "failed"
	BuildCancelled BuildStatus = "cancelled"
)

type PoolStatus string

const (
	PoolPending        PoolStatus = "pending"
	PoolInfrastructure PoolStatus = "infrastructure"
	PoolGenerating     PoolStatus = "generating"
	PoolPersisting     PoolStatus = "persisting"
	PoolCompleted      PoolStatus = "completed"
	PoolFailed         PoolStatus = "failed"
)

type PoolState struct {
	Status                  PoolStatus `json:"status"`
	InfrastructurePersisted bool       `json:"infrastructurePersisted"`
	SeedsPersisted          int        `json:"seedsPersisted"`
	SeedsTotal              int        `json:"seedsTotal"`
	ComponentRef            string     `json:"componentRef,omitempty"`
	Error                   string     `json:"error,omitempty"`
	TokensUsed              int        `json:"tokensUsed"`
}

// BuildState is the coalesced progress snapshot of one long-running batch
// build. Its counters are advisory; the seed journal is the source of truth
// for what was actually produced.
type BuildState struct {
	BuildID      string               `json:"buildId"`
	WorldID      string               `json:"worldId"`
	Status       BuildStatus          `json:"status"`
	Pools        map[string]PoolState `json:"pools"`
	TotalTokens  int                  `json:"totalTokens"`
	CurrentStage string               `json:"currentStage,omitempty"`
	Progress     float64              `json:"progress"`
	CreatedAt    *time.Time           `json:"createdAt,omitempty"`
	UpdatedAt    *time.Time           `json:"updatedAt,omitempty"`
}

// SeedKey is one durable journal entry. Its existence is the sole source of
// truth for "already produced, do not redo".
type SeedKey struct {
	BuildID string `json:"buildId"`
	Pool    string `json:"pool"`
	Key     string `json:"key"`
}

type Store interface {
	SaveBuild(ctx context.Context, build BuildState) error
	LoadBuild(ctx context.Context, buildID string) (BuildState, error)
	// ListRunningBuilds returns running builds for a world, most recent first.
	ListRunningBuilds(ctx context.Context, worldID string) ([]BuildState, error)
	// LatestRunningBuild returns the most recently updated running build.
	// An empty worldID matches any world.
	LatestRunningBuild(ctx context.Context, worldID string) (BuildState, error)
	// DeleteBuild removes a build's state and its journal entries together.
	DeleteBuild(ctx context.Context, buildID string) error

	// AppendSeedKey journals a key. Re-appending an existing key is a no-op.
	AppendSeedKey(ctx context.Context, key SeedKey) error
	HasSeedKey(ctx context.Context, key SeedKey) (bool, error)
	ListSeedKeys(ctx context.Context, buildID, pool string) ([]string, error)
	ListAllSeedKeys(ctx context.Context, buildID string) ([]SeedKey, error)

	Close() error
}
