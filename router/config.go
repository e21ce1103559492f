package router

import (
	"strings"

	"github.com/worldloom/genflow/types"
)

// Endpoint identifies a provider+model pair, the unit of health tracking and
// fallback ordering.
type Endpoint struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// Key returns the join key shared with the breaker and telemetry:
// "provider:model", or just "provider" when the model is unset.
func (e Endpoint) Key() string {
	if e.Model == "" {
		return e.Provider
	}
	return e.Provider + ":" + e.Model
}

func ParseEndpoint(raw string) Endpoint {
	provider, model, found := strings.Cut(strings.TrimSpace(raw), ":")
	if !found {
		return Endpoint{Provider: provider}
	}
	return Endpoint{Provider: provider, Model: model}
}

// StageConfig describes one named category of generation work: its ordered
// candidate list, whether fallback is allowed, and how parameters degrade on
// fallback selections. Precision-sensitive stages set DegradeOnFallback false
// and always run with base parameters.
type StageConfig struct {
	Name                 string               `json:"name"`
	Endpoints            []Endpoint           `json:"endpoints"`
	AllowFallback        bool                 `json:"allowFallback"`
	DegradeOnFallback    bool                 `json:"degradeOnFallback"`
	BaseParams           types.GenerateParams `json:"baseParams"`
	DegradedParams       types.GenerateParams `json:"degradedParams"`
	MaxDistinctEndpoints int                  `json:"maxDistinctEndpoints"`
}

func normalizeStage(cfg StageConfig) StageConfig {
	if cfg.MaxDistinctEndpoints <= 0 {
		cfg.MaxDistinctEndpoints = len(cfg.Endpoints)
	}
	return cfg
}
