// CFDI Analytics - Ad-hoc analytics over electronic tax documents.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/cfdi-analytics/internal/api"
	"github.com/opensource-finance/cfdi-analytics/internal/bus"
	"github.com/opensource-finance/cfdi-analytics/internal/cache"
	"github.com/opensource-finance/cfdi-analytics/internal/config"
	"github.com/opensource-finance/cfdi-analytics/internal/domain"
	"github.com/opensource-finance/cfdi-analytics/internal/join"
	"github.com/opensource-finance/cfdi-analytics/internal/memstore"
	"github.com/opensource-finance/cfdi-analytics/internal/report"
	"github.com/opensource-finance/cfdi-analytics/internal/repository"
	"github.com/opensource-finance/cfdi-analytics/internal/sandbox"
	"github.com/opensource-finance/cfdi-analytics/internal/setop"
	"github.com/opensource-finance/cfdi-analytics/internal/stats"
	"github.com/opensource-finance/cfdi-analytics/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	host       string
	port       int
	dbDriver   string
	dbPath     string
	runtime    string
	fixtures   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "cfdi-analytics",
		Short:        "Ad-hoc analytics over CFDI records",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.dbDriver, "db-driver", "", "repository driver (sqlite, postgres, memory)")
	root.PersistentFlags().StringVar(&opts.dbPath, "db-path", "", "SQLite database path")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	for _, c := range []*cobra.Command{root, serve} {
		c.Flags().StringVar(&opts.host, "host", "", "listen address")
		c.Flags().IntVarP(&opts.port, "port", "p", 0, "listen port")
		c.Flags().StringVar(&opts.runtime, "runtime", "", "script runtime (docker, local)")
		c.Flags().StringVar(&opts.fixtures, "fixtures", "", "fixtures loaded into the memory store at startup")
	}

	root.AddCommand(serve, newJoinsCmd(), newValidateCmd(opts), newSeedCmd(opts), newVersionCmd())
	return root
}

// loadConfig applies the file and environment, then the command-line flags.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*domain.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = opts.host
	}
	if flags.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if flags.Changed("runtime") {
		cfg.Sandbox.Runtime = opts.runtime
	}
	if flags.Changed("db-driver") {
		cfg.Repository.Driver = opts.dbDriver
	}
	if flags.Changed("db-path") {
		cfg.Repository.SQLitePath = opts.dbPath
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg domain.LoggingConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, hopts)
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, hopts)
	}
	slog.SetDefault(slog.New(handler))
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging)

	slog.Info("starting cfdi-analytics",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"runtime", cfg.Sandbox.Runtime,
	)

	// Bus messages carry the W3C trace context of their publisher.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	if opts.fixtures != "" {
		if err := loadMemoryFixtures(repo, opts.fixtures); err != nil {
			return err
		}
	}
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	runner := &sandbox.Dispatch{Local: sandbox.NewSQLiteRunner()}
	if cfg.Sandbox.Runtime == "docker" {
		runner.Container = sandbox.NewDockerRunner(cfg.Sandbox.DockerBin, cfg.Sandbox.KillGrace)
	}
	scripts := sandbox.NewService(cfg.Sandbox, repo, runner, cacheImpl)
	if err := runner.Health(ctx); err != nil {
		slog.Warn("script runtime unavailable", "runtime", cfg.Sandbox.Runtime, "error", err)
	}

	var archive report.Archive
	if cfg.Storage.Enabled {
		s3Archive, err := report.NewS3Archive(cfg.Storage)
		if err != nil {
			return fmt.Errorf("initialize report archive: %w", err)
		}
		archive = s3Archive
		slog.Info("report archive initialized", "bucket", cfg.Storage.Bucket)
	}
	reports := report.NewService(repo, busImpl, archive)

	var jobs *worker.Worker
	if cfg.Worker.Enabled {
		jobs = worker.NewWorker(busImpl, cacheImpl, scripts, cfg.Worker)
		if err := jobs.Start(); err != nil {
			return fmt.Errorf("start script worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Records:   repo,
		Stats:     stats.NewService(repo),
		Joins:     join.NewEngine(repo, repo),
		Sets:      setop.NewEngine(repo),
		Scripts:   scripts,
		Jobs:      jobs,
		Reports:   reports,
		Health:    repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		RateLimit: cfg.RateLimit,
	}, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("cfdi-analytics is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		return err
	}

	if jobs != nil {
		if err := jobs.Stop(); err != nil {
			slog.Error("failed to stop script worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("cfdi-analytics shutdown complete")
	return nil
}

func loadMemoryFixtures(repo domain.Repository, path string) error {
	store, ok := repo.(*memstore.Store)
	if !ok {
		return fmt.Errorf("--fixtures needs the memory driver; use the seed command for SQL stores")
	}
	f, err := repository.LoadFixtures(path)
	if err != nil {
		return err
	}
	store.Add(f.Records()...)
	now := time.Now().UTC()
	for _, o := range f.Owned {
		store.AddOwned(o.Kind, domain.Row{"id": o.ID, "user_id": o.UserID, "name": o.Name, "created_at": now})
	}
	slog.Info("fixtures loaded", "path", path, "records", len(f.CFDIs))
	return nil
}

func newJoinsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "joins",
		Short: "Print the predefined join catalog",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			for _, d := range join.Catalog() {
				dates := ""
				if d.RequiresDateRange {
					dates = " (requires start_date and end_date)"
				}
				fmt.Fprintf(out, "%2d  %-32s %-10s %s%s\n", d.ID, d.Name, d.JoinType, strings.Join(d.Tables, ", "), dates)
			}
		},
	}
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Statically validate a script without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			lang, ok := domain.ParseLanguage(language)
			if !ok {
				return fmt.Errorf("unknown language %q", language)
			}
			strategy, err := sandbox.LanguageFor(lang, cfg.Sandbox)
			if err != nil {
				return err
			}
			if err := strategy.Validate(string(src)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "python", "script language (python, r, sql)")
	return cmd
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixtures.yaml>",
		Short: "Load development fixtures into the SQL store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			setupLogging(cfg.Logging)

			f, err := repository.LoadFixtures(args[0])
			if err != nil {
				return err
			}
			repo, err := repository.Open(cfg.Repository)
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.Seed(cmd.Context(), f); err != nil {
				return fmt.Errorf("seed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d records from %s\n", len(f.CFDIs), args[0])
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cfdi-analytics %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}
