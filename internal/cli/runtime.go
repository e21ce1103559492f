package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/worldloom/genflow/breaker"
	cfgfile "github.com/worldloom/genflow/config"
	"github.com/worldloom/genflow/engine"
	envcfg "github.com/worldloom/genflow/internal/config"
	"github.com/worldloom/genflow/observe"
	telemetrysqlite "github.com/worldloom/genflow/observe/store/sqlite"
	"github.com/worldloom/genflow/providers/factory"
	"github.com/worldloom/genflow/router"
	"github.com/worldloom/genflow/store"
	redisstore "github.com/worldloom/genflow/store/redis"
	sqlitestore "github.com/worldloom/genflow/store/sqlite"
)

const defaultDBPath = "./.genflow/builds.db"

func openStore() (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("GENFLOW_STORE"))) {
	case "", "sqlite":
		path := strings.TrimSpace(os.Getenv("GENFLOW_DB"))
		if path == "" {
			path = defaultDBPath
		}
		return sqlitestore.New(path)
	case "redis":
		addr := strings.TrimSpace(os.Getenv("GENFLOW_REDIS_ADDR"))
		if addr == "" {
			return nil, fmt.Errorf("GENFLOW_REDIS_ADDR is required when GENFLOW_STORE=redis")
		}
		opts := []redisstore.Option{}
		if password := os.Getenv("GENFLOW_REDIS_PASSWORD"); password != "" {
			opts = append(opts, redisstore.WithPassword(password))
		}
		if db := envcfg.ParseIntEnv("GENFLOW_REDIS_DB", 0); db > 0 {
			opts = append(opts, redisstore.WithDB(db))
		}
		return redisstore.New(addr, opts...)
	default:
		return nil, fmt.Errorf("unsupported GENFLOW_STORE %q (use sqlite or redis)", os.Getenv("GENFLOW_STORE"))
	}
}

// openObserver returns the telemetry sink and a close function. With
// GENFLOW_TRACE_DB set, events are persisted; otherwise emission is free.
func openObserver() (observe.Sink, func(), error) {
	path := strings.TrimSpace(os.Getenv("GENFLOW_TRACE_DB"))
	if path == "" {
		return observe.NoopSink{}, func() {}, nil
	}
	eventStore, err := telemetrysqlite.New(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open trace db: %w", err)
	}
	async := observe.NewAsyncSink(eventStore, 512)
	closer := func() {
		async.Close()
		if err := eventStore.Close(); err != nil {
			log.Printf("trace db close failed: %v", err)
		}
	}
	return async, closer, nil
}

func buildEngine(ctx context.Context, configPath string, observer observe.Sink) (*engine.Engine, error) {
	cfg, err := cfgfile.Load(configPath)
	if err != nil {
		return nil, err
	}
	stages, err := cfg.RouterStages()
	if err != nil {
		return nil, err
	}

	brk := breaker.New(
		breaker.WithConfig(cfg.BreakerSettings()),
		breaker.WithObserver(observer),
	)
	routerOpts := []router.Option{router.WithBreaker(brk)}
	for _, stage := range stages {
		routerOpts = append(routerOpts, router.WithStage(stage))
	}
	rt := router.New(routerOpts...)

	providers, err := factory.FromEnv(ctx)
	if err != nil {
		return nil, err
	}
	engineOpts := []engine.Option{
		engine.WithBreaker(brk),
		engine.WithObserver(observer),
	}
	for _, p := range providers {
		engineOpts = append(engineOpts, engine.WithProvider(p))
	}
	return engine.New(rt, engineOpts...)
}

func closeStore(st store.Store) {
	if st == nil {
		return
	}
	if err := st.Close(); err != nil {
		log.Printf("store close failed: %v", err)
	}
}
