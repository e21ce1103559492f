package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/worldloom/genflow/build"
	envcfg "github.com/worldloom/genflow/internal/config"
	"github.com/worldloom/genflow/observe"
	"github.com/worldloom/genflow/runtime/janitor"
	"github.com/worldloom/genflow/store"
	sqlitestore "github.com/worldloom/genflow/store/sqlite"
)

type flagSet struct {
	plan      string
	config    string
	out       string
	world     string
	retention string
}

func parseFlags(args []string) (flagSet, []string) {
	flags := flagSet{}
	positional := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--plan="):
			flags.plan = strings.TrimPrefix(arg, "--plan=")
		case strings.HasPrefix(arg, "--config="):
			flags.config = strings.TrimPrefix(arg, "--config=")
		case strings.HasPrefix(arg, "--out="):
			flags.out = strings.TrimPrefix(arg, "--out=")
		case strings.HasPrefix(arg, "--world="):
			flags.world = strings.TrimPrefix(arg, "--world=")
		case strings.HasPrefix(arg, "--retention="):
			flags.retention = strings.TrimPrefix(arg, "--retention=")
		default:
			positional = append(positional, arg)
		}
	}
	return flags, positional
}

func runBuild(ctx context.Context, args []string) {
	flags, _ := parseFlags(args)
	if flags.plan == "" || flags.config == "" {
		log.Fatal("build requires --plan= and --config=")
	}
	plan, err := loadPlan(flags.plan)
	if err != nil {
		log.Fatalf("plan load failed: %v", err)
	}

	st, err := openStore()
	if err != nil {
		log.Fatalf("store open failed: %v", err)
	}
	defer closeStore(st)

	observer, closeObserver, err := openObserver()
	if err != nil {
		log.Fatalf("telemetry open failed: %v", err)
	}
	defer closeObserver()

	manager, err := build.NewBuild(st, plan.WorldID, plan.poolPlans(), build.WithObserver(observer))
	if err != nil {
		log.Fatalf("build start failed: %v", err)
	}
	defer manager.Close()

	fmt.Printf("build %s started for world %s\n", manager.BuildID(), plan.WorldID)
	executePlan(ctx, flags, plan, st, observer, manager)
}

func runResume(ctx context.Context, args []string) {
	flags, _ := parseFlags(args)
	if flags.plan == "" || flags.config == "" {
		log.Fatal("resume requires --plan= and --config=")
	}
	plan, err := loadPlan(flags.plan)
	if err != nil {
		log.Fatalf("plan load failed: %v", err)
	}

	st, err := openStore()
	if err != nil {
		log.Fatalf("store open failed: %v", err)
	}
	defer closeStore(st)

	observer, closeObserver, err := openObserver()
	if err != nil {
		log.Fatalf("telemetry open failed: %v", err)
	}
	defer closeObserver()

	manager, err := build.RestoreLatest(ctx, st, flags.world, build.WithObserver(observer))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Fatal("no running build to resume")
		}
		log.Fatalf("restore failed: %v", err)
	}
	defer manager.Close()

	fmt.Printf("resuming build %s (incomplete pools: %s)\n",
		manager.BuildID(), strings.Join(manager.IncompletePools(), ", "))
	executePlan(ctx, flags, plan, st, observer, manager)
}

func executePlan(ctx context.Context, flags flagSet, plan Plan, st store.Store, observer observe.Sink, manager *build.Manager) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, flags.config, observer)
	if err != nil {
		log.Fatalf("engine setup failed: %v", err)
	}
	sink, err := newFileSeedSink(flags.out)
	if err != nil {
		log.Fatalf("seed output setup failed: %v", err)
	}
	persister, err := build.NewSeedPersister(manager, st, sink)
	if err != nil {
		log.Fatalf("persister setup failed: %v", err)
	}
	runner, err := build.NewRunner(eng, manager, persister)
	if err != nil {
		log.Fatalf("runner setup failed: %v", err)
	}

	if err := runner.Run(ctx, plan.Pools); err != nil {
		log.Fatalf("build %s did not complete: %v", manager.BuildID(), err)
	}
	snapshot := manager.Snapshot()
	fmt.Printf("build %s completed: %d tokens used\n", snapshot.BuildID, snapshot.TotalTokens)
}

func runStatus(ctx context.Context, args []string) {
	_, positional := parseFlags(args)
	if len(positional) < 1 {
		log.Fatal("status requires a build id")
	}

	st, err := openStore()
	if err != nil {
		log.Fatalf("store open failed: %v", err)
	}
	defer closeStore(st)

	state, err := st.LoadBuild(ctx, positional[0])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Fatalf("build %s not found", positional[0])
		}
		log.Fatalf("load failed: %v", err)
	}
	printBuild(state)
}

func listBuilds(ctx context.Context, args []string) {
	flags, _ := parseFlags(args)

	st, err := openStore()
	if err != nil {
		log.Fatalf("store open failed: %v", err)
	}
	defer closeStore(st)

	builds, err := st.ListRunningBuilds(ctx, flags.world)
	if err != nil {
		log.Fatalf("list failed: %v", err)
	}
	if len(builds) == 0 {
		fmt.Println("no running builds")
		return
	}
	for _, state := range builds {
		fmt.Printf("%s  world=%s  stage=%s  progress=%.0f%%\n",
			state.BuildID, state.WorldID, state.CurrentStage, state.Progress*100)
	}
}

func runPrune(ctx context.Context, args []string) {
	flags, _ := parseFlags(args)

	path := strings.TrimSpace(os.Getenv("GENFLOW_DB"))
	if path == "" {
		path = defaultDBPath
	}
	st, err := sqlitestore.New(path)
	if err != nil {
		log.Fatalf("store open failed: %v", err)
	}
	defer closeStore(st)

	opts := []janitor.Option{}
	if flags.retention != "" {
		retention, err := time.ParseDuration(flags.retention)
		if err != nil {
			log.Fatalf("invalid --retention value %q: %v", flags.retention, err)
		}
		opts = append(opts, janitor.WithRetention(retention))
	} else if retention := envcfg.ParseDurationEnv("GENFLOW_RETENTION", 0); retention > 0 {
		opts = append(opts, janitor.WithRetention(retention))
	}
	j, err := janitor.New(st, opts...)
	if err != nil {
		log.Fatalf("janitor setup failed: %v", err)
	}
	pruned, err := j.RunOnce(ctx)
	if err != nil {
		log.Fatalf("prune failed: %v", err)
	}
	fmt.Printf("pruned %d build(s)\n", pruned)
}

func printBuild(state store.BuildState) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		log.Fatalf("failed to render build: %v", err)
	}
	fmt.Println(string(data))
}
