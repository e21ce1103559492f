// Package factory builds the configured provider set from environment
// variables. Unconfigured providers are simply absent; the router decides at
// call time whether a stage can still be served.
package factory

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/worldloom/genflow/llm"
	geminiprov "github.com/worldloom/genflow/providers/gemini"
	openaiprov "github.com/worldloom/genflow/providers/openai"
)

// FromEnv constructs every provider whose credentials are present.
func FromEnv(ctx context.Context) ([]llm.Provider, error) {
	var providers []llm.Provider

	if key := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); key != "" {
		model := getenv("GEMINI_MODEL", "gemini-2.5-flash")
		p, err := geminiprov.New(ctx, key, geminiprov.WithModel(model))
		if err != nil {
			return nil, fmt.Errorf("failed to configure gemini provider: %w", err)
		}
		providers = append(providers, p)
	}

	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		model := getenv("OPENAI_MODEL", "gpt-4o-mini")
		baseURL := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))

		opts := []openaiprov.Option{openaiprov.WithModel(model)}
		if baseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(baseURL))
		}
		p, err := openaiprov.New(key, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to configure openai provider: %w", err)
		}
		providers = append(providers, p)
	}

	if len(providers) == 0 {
		return nil, fmt.Errorf("no provider credentials found (set GEMINI_API_KEY or OPENAI_API_KEY)")
	}
	return providers, nil
}

// Named returns the single provider selected by GENFLOW_PROVIDER, defaulting
// to gemini.
func Named(ctx context.Context) (llm.Provider, error) {
	name := strings.ToLower(getenv("GENFLOW_PROVIDER", "gemini"))
	providers, err := FromEnv(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("provider %q is not configured", name)
}

func getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}
