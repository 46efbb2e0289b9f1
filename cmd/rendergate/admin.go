package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mattjoyce/rendergate/internal/api"
	"github.com/mattjoyce/rendergate/internal/binding"
	"github.com/mattjoyce/rendergate/internal/config"
	"github.com/mattjoyce/rendergate/internal/doctor"
	"github.com/mattjoyce/rendergate/internal/events"
	"github.com/mattjoyce/rendergate/internal/history"
	"github.com/mattjoyce/rendergate/internal/inspect"
	"github.com/mattjoyce/rendergate/internal/lock"
	"github.com/mattjoyce/rendergate/internal/log"
	"github.com/mattjoyce/rendergate/internal/notify"
	"github.com/mattjoyce/rendergate/internal/storage"
)

// eventBufferSize is how many outcomes serve keeps for reconnecting clients.
const eventBufferSize = 256

func runBindingList(args []string) int {
	fs := flag.NewFlagSet("binding list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load bindings: %v\n", err)
		return 1
	}

	names := reg.Names()
	if *jsonOut {
		list := make([]*binding.Binding, 0, len(names))
		for _, name := range names {
			b, _ := reg.Get(name)
			list = append(list, b)
		}
		data, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(names) == 0 {
		fmt.Println("No bindings registered.")
		return 0
	}
	for _, name := range names {
		b, _ := reg.Get(name)
		fmt.Printf("%s\n", b.Name)
		if b.Description != "" {
			fmt.Printf("  %s\n", b.Description)
		}
		fmt.Printf("  scene  : %s\n", b.SceneFile)
		fmt.Printf("  script : %s\n", b.EntryScript)
		fmt.Printf("  frames : %s\n", b.FramePattern)
		params := make([]string, 0, len(b.Params))
		for _, p := range b.Params {
			params = append(params, fmt.Sprintf("%s:%s", p.Name, p.Type))
		}
		if len(params) == 0 {
			fmt.Printf("  params : <core only>\n")
		} else {
			fmt.Printf("  params : %s\n", strings.Join(params, ", "))
		}
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	format := fs.String("format", "human", "Output format: human or json")
	jsonOut := fs.Bool("json", false, "Output as JSON (shorthand for --format json)")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *jsonOut {
		*format = "json"
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load bindings: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, reg).Validate()

	switch *format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	case "human":
		fmt.Print(doctor.FormatHuman(result))
	default:
		fmt.Fprintf(os.Stderr, "Unknown format: %s (use human or json)\n", *format)
		return 1
	}

	if !result.Valid {
		return 1
	}
	if *strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Show what would be written without writing")
	verbose := fs.Bool("verbose", false, "Show per-file hashes")
	fs.BoolVar(verbose, "v", false, "Show per-file hashes (shorthand)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to find config: %v\n", err)
			return 1
		}
		path = discovered
	}

	reports, err := config.LockConfig(path, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	for _, report := range reports {
		if *verbose {
			for _, f := range report.Files {
				if !f.Exists {
					fmt.Printf("SKIP %s (missing)\n", f.Path)
					continue
				}
				fmt.Printf("HASH %s: %s\n", f.Filename, f.Hash)
			}
		}
		if *dryRun {
			fmt.Printf("DRY-RUN .checksums: %s\n", report.ChecksumPath)
		} else {
			fmt.Printf("WROTE .checksums: %s\n", report.ChecksumPath)
		}
	}
	return 0
}

func openHistory(ctx context.Context, cfg *config.Config) (*history.Store, func(), error) {
	if _, err := os.Stat(cfg.State.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("no run history at %s", cfg.State.Path)
		}
		return nil, nil, err
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, err
	}
	return history.New(db), func() { _ = db.Close() }, nil
}

func runHistoryList(args []string) int {
	fs := flag.NewFlagSet("history list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum number of batches to show")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be positive")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, closeDB, err := openHistory(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open run history: %v\n", err)
		return 1
	}
	defer closeDB()

	batches, err := store.ListBatches(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list batches: %v\n", err)
		return 1
	}

	if *jsonOut {
		if batches == nil {
			batches = []history.Batch{}
		}
		data, err := json.MarshalIndent(batches, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	fmt.Print(inspect.BatchList(batches))
	return 0
}

func runHistoryShow(args []string) int {
	batchID, flagArgs := splitPositional(args, "config")

	fs := flag.NewFlagSet("history show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	verbose := fs.Bool("verbose", false, "Show argv and stderr for each job")
	fs.BoolVar(verbose, "v", false, "Show argv and stderr for each job (shorthand)")
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if batchID == "" && fs.NArg() > 0 {
		batchID = fs.Arg(0)
	}
	if strings.TrimSpace(batchID) == "" {
		fmt.Fprintln(os.Stderr, "Usage: rendergate history show <batch_id> [--config PATH] [--json] [-v]")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, closeDB, err := openHistory(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open run history: %v\n", err)
		return 1
	}
	defer closeDB()

	report, err := inspect.Load(ctx, store, batchID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "History error: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, err := inspect.JSON(report)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
		return 0
	}
	fmt.Print(inspect.Text(report, *verbose))
	return 0
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	listen := fs.String("listen", "", "Listen address (overrides api.listen)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	if cfg.API.Listen == "" {
		fmt.Fprintln(os.Stderr, "api.listen is not set")
		return 1
	}

	logger := log.WithComponent("serve")

	pidLock, err := lock.AcquirePIDLock(getPIDLockPath(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Another rendergate serve is running: %v\n", err)
		return 1
	}
	defer func() {
		if err := pidLock.Release(); err != nil {
			logger.Warn("failed to release pid lock", "error", err)
		}
	}()

	reg, err := buildRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load bindings: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open run history: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	server := api.New(api.Config{
		Listen:         cfg.API.Listen,
		APIKey:         cfg.API.Token,
		AllowedOrigins: cfg.API.CORSOrigins,
	}, history.New(db), reg, log.WithComponent("api"))

	if cfg.Notify.NATSURL != "" {
		hub := events.NewHub(eventBufferSize)
		sub, err := notify.Subscribe(cfg.Notify.NATSURL, cfg.Notify.Subject, hub.PublishOutcome, func(err error) {
			logger.Warn("dropped outcome message", "error", err)
		})
		if err != nil {
			logger.Warn("live outcome stream disabled", "url", cfg.Notify.NATSURL, "error", err)
		} else {
			defer sub.Close()
			server.WithEvents(hub)
			logger.Info("relaying outcomes to /events", "subject", cfg.Notify.Subject)
		}
	}

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("API server stopped", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// getPIDLockPath places the serve lock next to the history database.
func getPIDLockPath(cfg *config.Config) string {
	dbPath := cfg.State.Path
	base := strings.TrimSuffix(filepath.Base(dbPath), filepath.Ext(dbPath))
	if base == "" || base == "." {
		base = "rendergate"
	}
	return filepath.Join(filepath.Dir(dbPath), base+".pid")
}
