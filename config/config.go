// Package config loads stage routing and breaker settings from a JSON file.
// The file declares the endpoint chains per stage; code supplies defaults for
// everything omitted.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/worldloom/genflow/breaker"
	"github.com/worldloom/genflow/router"
	"github.com/worldloom/genflow/types"
)

type Config struct {
	Stages  []StageConfig `json:"stages"`
	Breaker BreakerConfig `json:"breaker"`
}

type StageConfig struct {
	Name                 string               `json:"name"`
	Endpoints            []string             `json:"endpoints"`
	AllowFallback        *bool                `json:"allowFallback,omitempty"`
	DegradeOnFallback    bool                 `json:"degradeOnFallback,omitempty"`
	BaseParams           types.GenerateParams `json:"baseParams,omitempty"`
	DegradedParams       types.GenerateParams `json:"degradedParams,omitempty"`
	MaxDistinctEndpoints int                  `json:"maxDistinctEndpoints,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int `json:"failureThreshold,omitempty"`
	WindowSeconds    int `json:"windowSeconds,omitempty"`
	CooldownSeconds  int `json:"cooldownSeconds,omitempty"`
	MaxCooldownSecs  int `json:"maxCooldownSeconds,omitempty"`
}

func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, fmt.Errorf("config path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %q: %w", absPath, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config file %q as JSON: %w", absPath, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %q: %w", absPath, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	seen := make(map[string]bool, len(c.Stages))
	for _, stage := range c.Stages {
		name := strings.TrimSpace(stage.Name)
		if name == "" {
			return fmt.Errorf("stage name is required")
		}
		if seen[name] {
			return fmt.Errorf("duplicate stage %q", name)
		}
		seen[name] = true
		if len(stage.Endpoints) == 0 {
			return fmt.Errorf("stage %q has no endpoints", name)
		}
		for _, raw := range stage.Endpoints {
			if router.ParseEndpoint(raw).Provider == "" {
				return fmt.Errorf("stage %q: endpoint %q has no provider", name, raw)
			}
		}
	}
	return nil
}

// RouterStages converts the declared stages into router stage configs.
func (c Config) RouterStages() ([]router.StageConfig, error) {
	out := make([]router.StageConfig, 0, len(c.Stages))
	for _, stage := range c.Stages {
		endpoints := make([]router.Endpoint, 0, len(stage.Endpoints))
		for _, raw := range stage.Endpoints {
			ep := router.ParseEndpoint(raw)
			if ep.Provider == "" {
				return nil, fmt.Errorf("stage %q: endpoint %q has no provider", stage.Name, raw)
			}
			endpoints = append(endpoints, ep)
		}
		allowFallback := true
		if stage.AllowFallback != nil {
			allowFallback = *stage.AllowFallback
		}
		out = append(out, router.StageConfig{
			Name:                 strings.TrimSpace(stage.Name),
			Endpoints:            endpoints,
			AllowFallback:        allowFallback,
			DegradeOnFallback:    stage.DegradeOnFallback,
			BaseParams:           stage.BaseParams,
			DegradedParams:       stage.DegradedParams,
			MaxDistinctEndpoints: stage.MaxDistinctEndpoints,
		})
	}
	return out, nil
}

// BreakerSettings converts the declared breaker block into a breaker config,
// leaving zero values for the breaker's own defaults to fill.
func (c Config) BreakerSettings() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		Window:           time.Duration(c.Breaker.WindowSeconds) * time.Second,
		Cooldown:         time.Duration(c.Breaker.CooldownSeconds) * time.Second,
		MaxCooldown:      time.Duration(c.Breaker.MaxCooldownSecs) * time.Second,
	}
}
