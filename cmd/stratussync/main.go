// stratussync drains the StratusDX partner queues (orders, order
// confirmations and results) into a local database.
//
// Usage:
//
//	stratussync setup                              # interactive config wizard
//	stratussync serve [--config <path>]            # HTTP API + polling scheduler
//	stratussync sync-once [--config ...] [--family orders]
//	stratussync status [--config <path>]           # record counts per family
//	stratussync version                            # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/njoerd114/stratussync/internal/api"
	"github.com/njoerd114/stratussync/internal/config"
	"github.com/njoerd114/stratussync/internal/model"
	"github.com/njoerd114/stratussync/internal/setup"
	"github.com/njoerd114/stratussync/internal/state"
	"github.com/njoerd114/stratussync/internal/stratus"
	"github.com/njoerd114/stratussync/internal/supervisor"
	syncp "github.com/njoerd114/stratussync/internal/sync"
	"github.com/njoerd114/stratussync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch cmd := os.Args[1]; cmd {
	case "setup":
		return runSetup(os.Args[2:])
	case "serve":
		return runServe(os.Args[2:])
	case "sync-once":
		return runSyncOnce(os.Args[2:])
	case "status":
		return runStatus(os.Args[2:])
	case "version":
		fmt.Println("stratussync", version)
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printUsage() {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "stratussync: sync StratusDX lab orders, confirmations and results")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  stratussync setup                       Interactive config wizard")
	fmt.Fprintln(os.Stderr, "  stratussync serve [--config ...]        HTTP API and polling scheduler")
	fmt.Fprintln(os.Stderr, "  stratussync sync-once [--family ...]    Single pass then exit")
	fmt.Fprintln(os.Stderr, "  stratussync status [--config ...]       Record counts per family")
	fmt.Fprintln(os.Stderr, "  stratussync version                     Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Run 'stratussync setup' to get started.")
	}
}

// --- Subcommands -------------------------------------------------------------

func runSetup(args []string) error {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to write config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return setup.NewWizard(os.Stdin, os.Stdout, *cfgPath, logger).Run(ctx)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := bootstrap(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	srv := api.NewServer(api.Options{
		Runner:             a.engine,
		Records:            a.store,
		JWTSecret:          a.cfg.Server.JWTSecret,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
		Logger:             a.log,
	})
	httpServer := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(a.log, supervisor.TreeConfig{ShutdownTimeout: a.cfg.Server.ShutdownTimeout})
	tree.AddAPIService(supervisor.NewHTTPService(httpServer, a.cfg.Server.ShutdownTimeout))
	tree.AddSchedulerService(supervisor.NewPollerService(a.engine))

	a.log.Info("serving",
		"listen_addr", a.cfg.Server.ListenAddr,
		"poll_interval", a.cfg.Sync.PollInterval,
		"jwt_auth", a.cfg.Server.JWTSecret != "",
	)
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}
	a.log.Info("shutdown complete")
	return nil
}

func runSyncOnce(args []string) error {
	fs := flag.NewFlagSet("sync-once", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	familyFlag := fs.String("family", "", "sync only this family (orders, confirmations, results)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var only model.Family
	if *familyFlag != "" {
		f, err := model.ParseFamily(*familyFlag)
		if err != nil {
			return err
		}
		only = f
	}

	a, err := bootstrap(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx = syncp.WithActor(ctx, syncp.ActorCLI)

	var results map[model.Family]syncp.FamilyResult
	if only != "" {
		sum, err := a.engine.RunFamily(ctx, only)
		res := syncp.FamilyResult{Success: err == nil, Summary: sum}
		if err != nil {
			res.Error = err.Error()
		}
		results = map[model.Family]syncp.FamilyResult{only: res}
	} else {
		results = a.engine.RunAll(ctx)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}

	var failed []string
	for f, res := range results {
		if !res.Success {
			failed = append(failed, string(f))
		}
		if res.Summary == nil {
			continue
		}
		for _, o := range res.Summary.Errors() {
			a.log.Warn("item not synced",
				"family", string(f),
				"guid", o.GUID,
				"result", string(o.Result),
				"error", o.Error,
			)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("sync failed for %v", failed)
	}
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("stratussync status")
	fmt.Println("------------------")

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Printf("  Config:    %s (%v)\n", *cfgPath, err)
		return nil
	}
	fmt.Printf("  Config:    %s\n", *cfgPath)
	fmt.Printf("  Partner:   %s\n", cfg.Partner.BaseURL)
	fmt.Printf("  Database:  %s\n", cfg.Database.Driver)
	if cfg.Sync.PollInterval > 0 {
		fmt.Printf("  Poll:      every %s\n", cfg.Sync.PollInterval)
	} else {
		fmt.Printf("  Poll:      disabled\n")
	}

	store, err := state.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		fmt.Printf("  Store:     unavailable (%v)\n", err)
		return nil
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	for _, f := range model.Families {
		counts, err := store.CountByStatus(ctx, f)
		if err != nil {
			return fmt.Errorf("counting %s: %w", f, err)
		}
		fmt.Printf("  %-14s acknowledged=%d retrieved=%d error=%d\n", string(f)+":",
			counts[model.StatusAcknowledged], counts[model.StatusRetrieved], counts[model.StatusError])
	}
	mappings, err := store.ListFacilityMappings(ctx)
	if err != nil {
		return fmt.Errorf("listing facility mappings: %w", err)
	}
	fmt.Printf("  Mappings:  %d facility mapping(s)\n", len(mappings))
	return nil
}

// --- Wiring ------------------------------------------------------------------

// app holds the components shared by serve and sync-once.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *state.Store
	engine *syncp.Engine

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// bootstrap loads config and builds the store, partner client and engine.
func bootstrap(cfgPath string, verbose bool) (*app, error) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"partner", cfg.Partner.BaseURL,
		"database", cfg.Database.Driver,
		"facility_mappings", len(cfg.FacilityMappings),
	)

	a := &app{cfg: cfg, log: logger}

	// --- Telemetry (optional) ------------------------------------------------

	if telCfg, ok := telemetry.FromConfig(cfg.Telemetry, version); ok {
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", telCfg.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	// --- Store ---------------------------------------------------------------

	store, err := state.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening %s store: %w", cfg.Database.Driver, err)
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
	})
	logger.Info("store opened", "driver", cfg.Database.Driver)

	ctx := context.Background()
	for _, m := range cfg.FacilityMappings {
		if err := store.UpsertFacilityMapping(ctx, m); err != nil {
			a.close()
			return nil, fmt.Errorf("seeding facility mapping %q: %w", m.Name, err)
		}
	}

	// --- Partner client and engine -------------------------------------------

	client, err := stratus.NewClientFromConfig(cfg.Partner, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("building partner client: %w", err)
	}

	resolver := syncp.NewFacilityResolver(store, cfg.Sync.FacilityCacheSize, cfg.Sync.FacilityCacheTTL, logger)
	orchestrators := make([]*syncp.Orchestrator, 0, len(model.Families))
	for _, f := range model.Families {
		strategy, err := syncp.NewStrategy(f, store, resolver)
		if err != nil {
			a.close()
			return nil, err
		}
		orchestrators = append(orchestrators, syncp.NewOrchestrator(
			client.Queue(f), strategy, store, logger,
			syncp.WithMaxBatches(cfg.Sync.MaxOrderBatches),
		))
	}
	a.engine = syncp.NewEngine(orchestrators, cfg.Sync.PollInterval, logger)
	return a, nil
}
