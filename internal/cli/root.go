// Package cli implements the genflow command line: starting, resuming, and
// inspecting builds against a routing config and a durable store.
package cli

import (
	"context"
	"strings"
)

func Run(ctx context.Context, args []string) {
	if len(args) < 1 {
		printUsage()
		return
	}

	switch strings.TrimSpace(args[0]) {
	case "build":
		runBuild(ctx, args[1:])
	case "resume":
		runResume(ctx, args[1:])
	case "status":
		runStatus(ctx, args[1:])
	case "builds":
		listBuilds(ctx, args[1:])
	case "prune":
		runPrune(ctx, args[1:])
	case "help", "-h", "--help":
		printUsage()
	default:
		printUsage()
	}
}
