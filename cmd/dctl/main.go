// Command dctl is the dispatch runtime's operator CLI: it opens the same
// on-disk event stream and snapshot store dispatchd uses and lets an
// operator inspect a run's snapshot, replay its event log, check its
// telemetry, or exercise one dispatch cycle by hand without going through
// the (out-of-scope) MCP frontend.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/madebymlai/spec-context-mcp/internal/complexity"
	"github.com/madebymlai/spec-context-mcp/internal/config"
	"github.com/madebymlai/spec-context-mcp/internal/dispatchexec"
	"github.com/madebymlai/spec-context-mcp/internal/domain"
	"github.com/madebymlai/spec-context-mcp/internal/eventstream"
	"github.com/madebymlai/spec-context-mcp/internal/filecache"
	"github.com/madebymlai/spec-context-mcp/internal/project"
	"github.com/madebymlai/spec-context-mcp/internal/prompt"
	"github.com/madebymlai/spec-context-mcp/internal/runtime"
	"github.com/madebymlai/spec-context-mcp/internal/schema"
	"github.com/madebymlai/spec-context-mcp/internal/snapshot"
)

func openManager(configPath string) (*runtime.Manager, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	home := config.ExpandHome(cfg.General.WorkflowHome)
	events, err := eventstream.Open(eventstream.Options{LogPath: filepath.Join(home, "events.jsonl")})
	if err != nil {
		return nil, nil, fmt.Errorf("open event stream: %w", err)
	}
	snaps, err := snapshot.Open(snapshot.Options{Path: filepath.Join(home, "snapshots.json")})
	if err != nil {
		_ = events.Close()
		return nil, nil, fmt.Errorf("open snapshot store: %w", err)
	}

	schemas := schema.NewRegistry()
	schema.RegisterDispatchContracts(schemas)

	table, err := complexity.NewTable(cfg.RoutingOverrides(), cfg.Catalog(), cfg.ValidProviders())
	if err != nil {
		_ = events.Close()
		return nil, nil, fmt.Errorf("build routing table: %w", err)
	}

	router := dispatchexec.NewRouter(dispatchexec.NewProcessExecutor())
	for name, p := range cfg.Providers {
		if p.Backend != "docker" {
			continue
		}
		docker, dockerErr := dispatchexec.NewDockerExecutor(p.DockerImage)
		if dockerErr != nil {
			_ = events.Close()
			return nil, nil, fmt.Errorf("provider %q: %w", name, dockerErr)
		}
		router.Use(domain.Provider(name), docker)
	}

	mgr := runtime.New(runtime.Dependencies{
		Events:    events,
		Snapshots: snaps,
		Schemas:   schemas,
		Prompts:   prompt.BuildRegistry(),
		Routing:   table,
		Executor:  router,
		Cache:     filecache.New(filecache.Options{MaxEntries: cfg.Cache.FileCacheMaxEntries}),
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}, runtime.Policy{
		ReviewLoopThreshold: cfg.General.ReviewLoopThreshold,
		StalledThreshold:    cfg.General.StalledThreshold,
		PromptTokenBudget:   cfg.General.PromptTokenBudget,
		CharsPerPromptToken: cfg.General.CharsPerPromptToken,
		MaxFactsRetrieved:   cfg.General.MaxFactsRetrieved,
		MaxFactTokens:       cfg.General.MaxFactTokens,
		BudgetPolicy:        cfg.ToBudgetPolicy(),
		BreakerThreshold:    cfg.Breaker.Threshold,
		BreakerOpenTimeout:  cfg.Breaker.OpenTimeout.Duration,
	})

	closeFn := func() {
		_ = snaps.Flush()
		_ = events.Close()
	}
	return mgr, closeFn, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dctl [-config path] <snapshot|replay|telemetry|sweep|dispatch|projects> [flags]")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "dispatchd.toml", "path to config file")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	mgr, closeFn, err := openManager(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dctl:", err)
		os.Exit(1)
	}
	defer closeFn()

	switch args[0] {
	case "snapshot":
		runSnapshot(mgr, args[1:])
	case "replay":
		runReplay(args[1:], *configPath)
	case "telemetry":
		runTelemetry(mgr, args[1:])
	case "sweep":
		runSweep(mgr)
	case "dispatch":
		runDispatch(mgr, args[1:])
	case "projects":
		runProjects(args[1:], *configPath)
	default:
		fmt.Fprintf(os.Stderr, "dctl: unknown subcommand %q\n", args[0])
		usage()
		os.Exit(2)
	}
}

func runSnapshot(mgr *runtime.Manager, args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	runID := fs.String("run", "", "run id")
	fs.Parse(args)
	if *runID == "" {
		fmt.Fprintln(os.Stderr, "dctl snapshot: -run is required")
		os.Exit(2)
	}
	resp := mgr.GetSnapshot(*runID)
	printJSON(resp)
	if !resp.Success {
		os.Exit(1)
	}
}

func runTelemetry(mgr *runtime.Manager, args []string) {
	fs := flag.NewFlagSet("telemetry", flag.ExitOnError)
	runID := fs.String("run", "", "run id")
	fs.Parse(args)
	if *runID == "" {
		fmt.Fprintln(os.Stderr, "dctl telemetry: -run is required")
		os.Exit(2)
	}
	resp := mgr.GetTelemetry(*runID)
	printJSON(resp)
	if !resp.Success {
		os.Exit(1)
	}
}

func runSweep(mgr *runtime.Manager) {
	resp := mgr.Sweep(context.Background())
	printJSON(resp)
	if !resp.Success {
		os.Exit(1)
	}
}

// runReplay dumps the raw event log for a run directly from the on-disk
// file, independent of the in-memory Manager, so replay still works against
// a log dispatchd has not loaded into its own process yet.
func runReplay(args []string, configPath string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	runID := fs.String("run", "", "run id (partition key)")
	after := fs.Int64("after", 0, "only show events with sequence greater than this")
	fs.Parse(args)
	if *runID == "" {
		fmt.Fprintln(os.Stderr, "dctl replay: -run is required")
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dctl replay:", err)
		os.Exit(1)
	}
	home := config.ExpandHome(cfg.General.WorkflowHome)
	events, err := eventstream.Open(eventstream.Options{LogPath: filepath.Join(home, "events.jsonl")})
	if err != nil {
		fmt.Fprintln(os.Stderr, "dctl replay:", err)
		os.Exit(1)
	}
	defer events.Close()

	for _, ev := range events.ReadPartition(*runID, *after) {
		printJSON(ev)
	}
}

// runProjects lists every project registered against the workflow home's
// registry file, or a single entry when -path is given, so an operator can
// see which dispatchd instances are (or recently were) running in a
// project without needing a live Manager.
func runProjects(args []string, configPath string) {
	fs := flag.NewFlagSet("projects", flag.ExitOnError)
	path := fs.String("path", "", "show only the entry for this absolute project path")
	fs.Parse(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dctl projects:", err)
		os.Exit(1)
	}
	home := config.ExpandHome(cfg.General.WorkflowHome)
	registry := project.Open(project.Options{Path: filepath.Join(home, "projects.json")})

	if *path != "" {
		entry, ok, err := registry.Get(*path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "dctl projects:", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "dctl projects: no entry for", *path)
			os.Exit(1)
		}
		printJSON(entry)
		return
	}

	entries, err := registry.List()
	if err != nil {
		fmt.Fprintln(os.Stderr, "dctl projects:", err)
		os.Exit(1)
	}
	printJSON(entries)
}

func runDispatch(mgr *runtime.Manager, args []string) {
	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)
	runID := fs.String("run", "", "run id")
	taskID := fs.String("task", "", "task id")
	role := fs.String("role", "implementer", "implementer|reviewer")
	specName := fs.String("spec", "manual-dctl-run", "spec name used to init the run if it doesn't exist yet")
	taskPrompt := fs.String("prompt", "", "task prompt text")
	projectPath := fs.String("project", ".", "project working directory")
	outputDir := fs.String("output-dir", os.TempDir(), "directory for contract/debug output files")
	complexityLevel := fs.String("complexity", string(domain.ComplexityModerate), "simple|moderate|complex")
	maxOutputTokens := fs.Int("max-output-tokens", 4000, "max output tokens for this dispatch")
	fs.Parse(args)

	if *runID == "" || *taskID == "" || *taskPrompt == "" {
		fmt.Fprintln(os.Stderr, "dctl dispatch: -run, -task, and -prompt are required")
		os.Exit(2)
	}

	if init := mgr.InitRun(*runID, *specName, *taskID); !init.Success {
		fmt.Fprintln(os.Stderr, "dctl dispatch: init_run failed:", init.Message)
		os.Exit(1)
	}

	resp := mgr.DispatchAndIngest(context.Background(), runtime.DispatchAndIngestRequest{
		RunID:           *runID,
		Role:            domain.Role(*role),
		TaskID:          *taskID,
		TaskPrompt:      *taskPrompt,
		ProjectPath:     *projectPath,
		ComplexityLevel: domain.ComplexityLevel(*complexityLevel),
		MaxOutputTokens: *maxOutputTokens,
		CompactionAuto:  true,
		OutputDir:       *outputDir,
	})
	printJSON(resp)
	if !resp.Success {
		os.Exit(1)
	}
}
