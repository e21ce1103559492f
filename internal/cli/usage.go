package cli

import "fmt"

func printUsage() {
	fmt.Print(`genflow - resilient multi-provider generation builds

Usage:
  genflow build --plan=<plan.json> --config=<routing.json> [--out=<dir>]
  genflow resume --plan=<plan.json> --config=<routing.json> [--world=<id>] [--out=<dir>]
  genflow status <build-id>
  genflow builds [--world=<id>]
  genflow prune [--retention=<duration>]

Environment:
  GEMINI_API_KEY / OPENAI_API_KEY   provider credentials (at least one)
  GENFLOW_STORE                     "sqlite" (default) or "redis"
  GENFLOW_DB                        sqlite path (default ./.genflow/builds.db)
  GENFLOW_REDIS_ADDR                redis address when GENFLOW_STORE=redis
  GENFLOW_REDIS_DB                  redis database number (default 0)
  GENFLOW_TRACE_DB                  optional sqlite path for telemetry events
  GENFLOW_RETENTION                 prune retention window (default 168h)
`)
}
