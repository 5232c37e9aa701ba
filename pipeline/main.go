package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/config"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/observability"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/pipeline"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/results"
	"github.com/goccy/go-json"
)

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return handleRun(args[2:], stdout, stderr)
	case "filters":
		return handleFilters(args[2:], stdout, stderr)
	case "status":
		return handleStatus(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  pipeline run [--dry-run] <stage>|all")
	fmt.Fprintln(w, "  pipeline filters preview [--items path] [--json]")
	fmt.Fprintln(w, "  pipeline status [--json]")
	fmt.Fprintln(w, "Stages: data_prep, dataset_group, solutions, campaigns, filters")
}

func loadConfig(stderr io.Writer, dryRun bool) (*config.Config, *slog.Logger, bool) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return nil, nil, false
	}
	if dryRun {
		cfg.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return nil, nil, false
	}
	logger := observability.NewLoggerTo(stderr)
	slog.SetDefault(logger)
	return cfg, logger, true
}

func handleRun(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dryRun := fs.Bool("dry-run", false, "use the in-memory catalog and object store")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "run requires <stage>|all")
		fs.Usage()
		return 2
	}

	cfg, logger, ok := loadConfig(stderr, *dryRun)
	if !ok {
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := pipeline.NewDeps(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	stages := pipeline.Stages(deps)

	store, closeStore, err := pipeline.OpenStore(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, "open results:", err)
		return 1
	}
	defer closeStore()

	// Postgres saves publish stage events, and the workers run each next stage.
	_, chained := store.(*results.PostgresStore)
	selected, err := selectStages(stages, fs.Arg(0), chained)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}
	if chained && fs.Arg(0) == "all" {
		logger.Info("remaining stages run on the workers", "started", selected[0].Name)
	}

	runner := &pipeline.Runner{
		Store:  store,
		Logger: logger,
		OnComplete: func(_ context.Context, stage string) error {
			_, err := fmt.Fprintf(stdout, "%s completed\n", stage)
			return err
		},
	}
	if err := runner.RunAll(ctx, selected); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	return 0
}

// selectStages resolves "all" or a stage name. When saved stages trigger the
// workers, "all" starts only the first stage so no stage runs twice.
func selectStages(stages []pipeline.Stage, arg string, chained bool) ([]pipeline.Stage, error) {
	if arg != "all" {
		s, err := pipeline.Lookup(stages, arg)
		if err != nil {
			return nil, err
		}
		return []pipeline.Stage{s}, nil
	}
	if chained {
		return stages[:1], nil
	}
	return stages, nil
}

func handleFilters(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "preview" {
		usage(stderr)
		return 2
	}
	fs := flag.NewFlagSet("filters preview", flag.ContinueOnError)
	fs.SetOutput(stderr)
	items := fs.String("items", "", "prepared items CSV (default: items_path from the data_prep results)")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args[1:]); err != nil {
		fs.Usage()
		return 2
	}

	cfg, logger, ok := loadConfig(stderr, true)
	if !ok {
		return 1
	}
	ctx := context.Background()

	store, closeStore, err := pipeline.OpenStore(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, "open results:", err)
		return 1
	}
	defer closeStore()
	b, err := store.Load(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "load results:", err)
		return 1
	}
	if *items == "" {
		if *items, err = b.String(pipeline.KeyItemsPath); err != nil {
			fmt.Fprintln(stderr, "no items file: run data_prep first or pass --items")
			return 1
		}
	}

	specs, err := pipeline.PlanFilters(cfg, pipeline.ResourcePrefix(cfg, b), *items)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if *jsonOut {
		return writeJSON(stdout, stderr, specs)
	}
	for _, s := range specs {
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", s.Key, s.Name, s.Expression)
	}
	return 0
}

func handleStatus(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}

	// Reads local or database results only, so AWS settings are not needed.
	cfg, logger, ok := loadConfig(stderr, true)
	if !ok {
		return 1
	}
	ctx := context.Background()
	store, closeStore, err := pipeline.OpenStore(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, "open results:", err)
		return 1
	}
	defer closeStore()

	b, err := store.Load(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "load results:", err)
		return 1
	}

	if *jsonOut {
		doc := make(map[string]map[string]any)
		for _, stage := range b.Stages() {
			doc[stage] = b.Stage(stage)
		}
		return writeJSON(stdout, stderr, doc)
	}
	if len(b.Stages()) == 0 {
		fmt.Fprintln(stdout, "no stages completed")
		return 0
	}
	for _, stage := range b.Stages() {
		fmt.Fprintln(stdout, stage)
		values := b.Stage(stage)
		for _, k := range slices.Sorted(maps.Keys(values)) {
			fmt.Fprintf(stdout, "  %s=%v\n", k, values[k])
		}
	}
	return 0
}

func writeJSON(stdout io.Writer, stderr io.Writer, v any) int {
	out, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		fmt.Fprintln(stderr, "encode:", err)
		return 1
	}
	_, _ = stdout.Write(append(out, '\n'))
	return 0
}
