package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/worldloom/genflow/build"
)

// Plan is the JSON build plan: which world the build belongs to and the
// pools to generate, in order.
type Plan struct {
	WorldID string           `json:"worldId"`
	Pools   []build.PoolSpec `json:"pools"`
}

func loadPlan(path string) (Plan, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Plan{}, fmt.Errorf("plan path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("failed to read plan file %q: %w", path, err)
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return Plan{}, fmt.Errorf("failed to decode plan file %q as JSON: %w", path, err)
	}
	if plan.WorldID == "" {
		return Plan{}, fmt.Errorf("plan file %q: worldId is required", path)
	}
	if len(plan.Pools) == 0 {
		return Plan{}, fmt.Errorf("plan file %q: at least one pool is required", path)
	}
	seen := make(map[string]bool, len(plan.Pools))
	for _, pool := range plan.Pools {
		if pool.Name == "" {
			return Plan{}, fmt.Errorf("plan file %q: pool name is required", path)
		}
		if seen[pool.Name] {
			return Plan{}, fmt.Errorf("plan file %q: duplicate pool %q", path, pool.Name)
		}
		seen[pool.Name] = true
		if pool.Stage == "" {
			return Plan{}, fmt.Errorf("plan file %q: pool %q has no stage", path, pool.Name)
		}
	}
	return plan, nil
}

func (p Plan) poolPlans() []build.PoolPlan {
	out := make([]build.PoolPlan, 0, len(p.Pools))
	for _, pool := range p.Pools {
		out = append(out, build.PoolPlan{Name: pool.Name, SeedTarget: pool.SeedTarget})
	}
	return out
}
