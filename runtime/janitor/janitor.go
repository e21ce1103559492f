// Package janitor prunes terminal builds past their retention on a cron
// schedule. Running builds are left alone regardless of age.
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"

	"github.com/worldloom/genflow/observe"
)

const (
	defaultSchedule  = "@hourly"
	defaultRetention = 7 * 24 * time.Hour
)

// Pruner deletes terminal builds not updated since cutoff and reports how
// many were removed.
type Pruner interface {
	PruneBuilds(ctx context.Context, cutoff time.Time) (int, error)
}

type Janitor struct {
	mu        sync.Mutex
	cron      *robcron.Cron
	pruner    Pruner
	observer  observe.Sink
	schedule  string
	retention time.Duration
	started   bool
	lastRun   time.Time
	lastErr   string
}

type Option func(*Janitor)

func WithSchedule(expr string) Option {
	return func(j *Janitor) {
		if expr != "" {
			j.schedule = expr
		}
	}
}

func WithRetention(retention time.Duration) Option {
	return func(j *Janitor) {
		if retention > 0 {
			j.retention = retention
		}
	}
}

func WithObserver(observer observe.Sink) Option {
	return func(j *Janitor) {
		if observer != nil {
			j.observer = observer
		}
	}
}

func New(pruner Pruner, opts ...Option) (*Janitor, error) {
	if pruner == nil {
		return nil, fmt.Errorf("pruner is required")
	}
	j := &Janitor{
		cron:      robcron.New(),
		pruner:    pruner,
		observer:  observe.NoopSink{},
		schedule:  defaultSchedule,
		retention: defaultRetention,
	}
	for _, opt := range opts {
		opt(j)
	}
	if _, err := j.cron.AddFunc(j.schedule, func() {
		_, _ = j.RunOnce(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}
	return j, nil
}

// RunOnce prunes immediately, regardless of the schedule.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-j.retention)
	pruned, err := j.pruner.PruneBuilds(ctx, cutoff)

	j.mu.Lock()
	j.lastRun = time.Now().UTC()
	if err != nil {
		j.lastErr = err.Error()
	} else {
		j.lastErr = ""
	}
	j.mu.Unlock()

	event := observe.Event{
		Kind: observe.KindCustom,
		Name: "janitor.prune",
		Attributes: map[string]any{
			"pruned":    pruned,
			"retention": j.retention.String(),
		},
	}
	if err != nil {
		event.Status = observe.StatusFailed
		event.Error = err.Error()
	} else {
		event.Status = observe.StatusCompleted
	}
	_ = j.observer.Emit(ctx, event)

	if err != nil {
		return 0, fmt.Errorf("failed to prune builds: %w", err)
	}
	return pruned, nil
}

// LastRun reports when the janitor last ran and any error it hit.
func (j *Janitor) LastRun() (time.Time, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun, j.lastErr
}

// Start begins the schedule. Non-blocking.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.started {
		j.cron.Start()
		j.started = true
	}
}

// Stop halts the schedule without waiting for an in-flight prune.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		j.cron.Stop()
		j.started = false
	}
}
