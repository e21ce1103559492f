// Package store defines durable persistence for telemetry events, plus the
// aggregate counters dashboards read.
package store

import (
	"context"
	"time"

	"github.com/worldloom/genflow/observe"
)

type ListQuery struct {
	Limit  int
	Offset int
}

type MetricsQuery struct {
	Since *time.Time
}

type MetricsSummary struct {
	CallsStarted    int64 `json:"callsStarted"`
	CallsCompleted  int64 `json:"callsCompleted"`
	CallsFailed     int64 `json:"callsFailed"`
	FallbackCalls   int64 `json:"fallbackCalls"`
	CircuitChanges  int64 `json:"circuitChanges"`
	RateLimitWaits  int64 `json:"rateLimitWaits"`
	BuildsCompleted int64 `json:"buildsCompleted"`
	BuildsFailed    int64 `json:"buildsFailed"`
}

type Store interface {
	SaveEvent(ctx context.Context, event observe.Event) error
	ListEventsByBuild(ctx context.Context, buildID string, query ListQuery) ([]observe.Event, error)
	ListEventsByStage(ctx context.Context, stage string, query ListQuery) ([]observe.Event, error)
	AggregateMetrics(ctx context.Context, query MetricsQuery) (MetricsSummary, error)
	Close() error
}
