// Package router picks, per task stage, the next endpoint and parameters to
// try for a generation request, consuming circuit breaker state and
// classified errors from previous attempts.
package router

import (
	"fmt"

	"github.com/worldloom/genflow/breaker"
	"github.com/worldloom/genflow/faults"
	"github.com/worldloom/genflow/types"
)

const defaultGlobalMaxDistinct = 5

type Router struct {
	stages       map[string]StageConfig
	breaker      *breaker.Breaker
	globalMaxTry int
}

type Option func(*Router)

func WithStage(cfg StageConfig) Option {
	return func(r *Router) {
		if cfg.Name == "" {
			return
		}
		r.stages[cfg.Name] = normalizeStage(cfg)
	}
}

func WithBreaker(b *breaker.Breaker) Option {
	return func(r *Router) {
		if b != nil {
			r.breaker = b
		}
	}
}

// WithGlobalCap bounds distinct endpoints tried per session regardless of
// stage configuration.
func WithGlobalCap(max int) Option {
	return func(r *Router) {
		if max > 0 {
			r.globalMaxTry = max
		}
	}
}

func New(opts ...Option) *Router {
	r := &Router{
		stages:       make(map[string]StageConfig),
		breaker:      breaker.New(),
		globalMaxTry: defaultGlobalMaxDistinct,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Selection is one routing decision: the endpoint to call and the parameters
// to call it with.
type Selection struct {
	Endpoint   Endpoint
	Params     types.GenerateParams
	IsFallback bool
	Reason     string
	Skipped    int
}

// Breaker returns the circuit breaker this router consults. Callers recording
// outcomes must use the same instance or gating never sees them.
func (r *Router) Breaker() *breaker.Breaker {
	return r.breaker
}

func (r *Router) Stage(name string) (StageConfig, bool) {
	cfg, ok := r.stages[name]
	return cfg, ok
}

func (r *Router) NewSession(stage string) (*Session, error) {
	cfg, ok := r.stages[stage]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	return newSession(cfg), nil
}

// ShouldFallback reports whether the stage permits moving to another endpoint
// after the given error. The decision reads only the category flags, never
// message strings.
func (r *Router) ShouldFallback(stage string, err error) bool {
	cfg, ok := r.stages[stage]
	if !ok || !cfg.AllowFallback {
		return false
	}
	return faults.CategoryOf(err).Flags().FallbackAllowed
}

// Next yields the next endpoint and parameters for the session, or nil when
// the session is exhausted. previous is the classified error from the last
// attempt, nil on the first call.
func (r *Router) Next(session *Session, previous *faults.Error) *Selection {
	if session == nil {
		return nil
	}
	if previous != nil {
		if !previous.Flags().FallbackAllowed {
			return nil
		}
		if session.hasLast && !session.stage.AllowFallback {
			return nil
		}
		if previous.Category == faults.CategoryQuota && session.hasLast {
			session.markProviderQuotaExhausted(session.last.Provider)
		}
	}

	limit := session.stage.MaxDistinctEndpoints
	if r.globalMaxTry < limit {
		limit = r.globalMaxTry
	}
	if session.distinctTried >= limit {
		return nil
	}

	skipped := 0
	for i := session.cursor; i < len(session.stage.Endpoints); i++ {
		candidate := session.stage.Endpoints[i]
		if session.skipped(candidate) || !r.breaker.CanExecute(candidate.Key()) {
			skipped++
			continue
		}
		session.cursor = i + 1
		session.markTried(candidate)
		isFallback := session.distinctTried > 1
		reason := "primary"
		if isFallback {
			reason = "fallback"
			if previous != nil {
				reason = fmt.Sprintf("fallback after %s", previous.Category)
			}
		}
		return &Selection{
			Endpoint:   candidate,
			Params:     r.paramsFor(session.stage, isFallback),
			IsFallback: isFallback,
			Reason:     reason,
			Skipped:    skipped,
		}
	}
	return nil
}

// Primary returns the stage's first viable endpoint with base parameters. If
// every candidate's circuit is open it forces the first configured candidate
// so the caller always has something to try rather than stalling.
func (r *Router) Primary(stage string) (*Selection, error) {
	cfg, ok := r.stages[stage]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("stage %q has no endpoints configured", stage)
	}
	session := newSession(cfg)
	if selection := r.Next(session, nil); selection != nil {
		return selection, nil
	}
	return &Selection{
		Endpoint: cfg.Endpoints[0],
		Params:   cfg.BaseParams,
		Reason:   "forced: all circuits open",
		Skipped:  len(cfg.Endpoints),
	}, nil
}

func (r *Router) paramsFor(cfg StageConfig, isFallback bool) types.GenerateParams {
	if !isFallback || !cfg.DegradeOnFallback {
		return cfg.BaseParams
	}
	return cfg.BaseParams.Merge(cfg.DegradedParams)
}
