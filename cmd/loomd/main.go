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
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"

	"github.com/loomworks/loom-go/internal/api"
	"github.com/loomworks/loom-go/internal/artifact"
	"github.com/loomworks/loom-go/internal/engine"
	"github.com/loomworks/loom-go/internal/executor"
	"github.com/loomworks/loom-go/internal/executor/script"
	"github.com/loomworks/loom-go/internal/executor/staticexec"
	"github.com/loomworks/loom-go/internal/platform/env"
	"github.com/loomworks/loom-go/internal/platform/httpserver"
	"github.com/loomworks/loom-go/internal/platform/objectstore"
	"github.com/loomworks/loom-go/internal/platform/postgres"
	"github.com/loomworks/loom-go/internal/registry"
	"github.com/loomworks/loom-go/internal/repo/memory"
	postgresrepo "github.com/loomworks/loom-go/internal/repo/postgres"
	"github.com/loomworks/loom-go/internal/repo/sqlite"
)

func main() {
	dev := flag.Bool("dev", false, "human-readable debug logs and built-in executors for unresolved step names")
	flag.Parse()

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, nil)
	if *dev {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(handler)

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("LOOM_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("LOOM_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	maxParallel, err := env.Int("LOOM_MAX_PARALLEL", 4)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	stores, checks, closeStores, err := openStores(ctx, logger)
	if err != nil {
		logger.Error("stores unavailable", "error", err)
		os.Exit(1)
	}
	defer closeStores()

	artifacts, artifactChecks, err := openArtifacts(ctx)
	if err != nil {
		logger.Error("artifact backend unavailable", "error", err)
		os.Exit(1)
	}
	checks = append(checks, artifactChecks...)

	execs := executor.NewRegistry()
	if err := script.LoadDir(env.String("LOOM_SCRIPTS_DIR", ""), execs); err != nil {
		logger.Error("script executors failed to load", "error", err)
		os.Exit(2)
	}

	svc, err := engine.NewService(logger, stores, artifacts, execs, engine.Config{MaxParallel: maxParallel})
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(2)
	}

	pipelines, err := loadPipelines(env.String("LOOM_PIPELINES_DIR", "configs"))
	if err != nil {
		logger.Error("pipeline definitions failed to load", "error", err)
		os.Exit(2)
	}
	if len(pipelines) == 0 {
		logger.Error("no pipeline definitions found", "dir", env.String("LOOM_PIPELINES_DIR", "configs"))
		os.Exit(2)
	}
	for _, reg := range pipelines {
		if *dev {
			registerStaticFallbacks(reg, execs)
		}
		if err := svc.RegisterPipeline(reg); err != nil {
			logger.Error("pipeline registration failed", "pipeline", reg.PipelineID(), "error", err)
			os.Exit(2)
		}
	}
	logger.Info("pipelines registered", "pipelines", svc.Pipelines(), "executors", execs.Names())

	// Runs interrupted by the previous process resume before traffic lands.
	recovered, err := svc.RecoverActive(ctx)
	if err != nil {
		logger.Error("recovery scan failed", "error", err)
		os.Exit(1)
	}
	if recovered > 0 {
		logger.Info("recovered interrupted runs", "count", recovered)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("loomd"))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks("loomd", checks...))
	api.New(logger, svc, artifacts).Register(mux)

	cfg := httpserver.Config{
		Service:         "loomd",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "loomd", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown incomplete", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// openStores selects the persistence mode: memory for dev, sqlite for a
// single-node daemon, postgres for shared deployments.
func openStores(ctx context.Context, logger *slog.Logger) (engine.Stores, []httpserver.ReadinessCheck, func(), error) {
	mode := env.String("LOOM_STORE", "memory")
	switch mode {
	case "memory":
		logger.Warn("using in-memory stores, runs will not survive a restart")
		stores := engine.Stores{
			Journal:     memory.NewJournalStore(),
			Runs:        memory.NewRunIndexStore(),
			Checkpoints: memory.NewCheckpointStore(),
		}
		return stores, nil, func() {}, nil

	case "sqlite":
		path := env.String("LOOM_SQLITE_PATH", "loom.db")
		db, err := sqlite.Open(path)
		if err != nil {
			return engine.Stores{}, nil, nil, err
		}
		if err := sqlite.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return engine.Stores{}, nil, nil, err
		}
		stores := engine.Stores{
			Journal:     sqlite.NewJournalStore(db),
			Runs:        sqlite.NewRunIndexStore(db),
			Checkpoints: sqlite.NewCheckpointStore(db),
		}
		checks := []httpserver.ReadinessCheck{dbCheck("sqlite", db.PingContext)}
		return stores, checks, func() { _ = db.Close() }, nil

	case "postgres":
		cfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return engine.Stores{}, nil, nil, err
		}
		db, err := postgres.Open(ctx, cfg)
		if err != nil {
			return engine.Stores{}, nil, nil, err
		}
		if err := postgresrepo.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return engine.Stores{}, nil, nil, err
		}
		stores := engine.Stores{
			Journal:     postgresrepo.NewJournalStore(db),
			Runs:        postgresrepo.NewRunIndexStore(db),
			Checkpoints: postgresrepo.NewCheckpointStore(db),
		}
		checks := []httpserver.ReadinessCheck{dbCheck("postgres", db.PingContext)}
		return stores, checks, func() { _ = db.Close() }, nil

	default:
		return engine.Stores{}, nil, nil, fmt.Errorf("unknown LOOM_STORE %q", mode)
	}
}

func dbCheck(name string, ping func(context.Context) error) httpserver.ReadinessCheck {
	return httpserver.ReadinessCheck{
		Name: name,
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return ping(checkCtx)
		},
	}
}

// openArtifacts selects the artifact backend: a local directory or MinIO.
func openArtifacts(ctx context.Context) (artifact.Store, []httpserver.ReadinessCheck, error) {
	switch backend := env.String("LOOM_ARTIFACTS", "fs"); backend {
	case "fs":
		dir := env.String("LOOM_ARTIFACTS_DIR", "artifacts")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
		store, err := artifact.NewFSStore(osfs.New(dir), nil)
		return store, nil, err

	case "minio":
		cfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			return nil, nil, err
		}
		client, err := objectstore.NewMinIOClient(cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := objectstore.EnsureBucket(ctx, client, cfg); err != nil {
			return nil, nil, err
		}
		store, err := artifact.NewMinioStore(client, cfg.Bucket, nil)
		if err != nil {
			return nil, nil, err
		}
		check := httpserver.ReadinessCheck{
			Name: "artifacts",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				return objectstore.CheckBucket(checkCtx, client, cfg)
			},
		}
		return store, []httpserver.ReadinessCheck{check}, nil

	default:
		return nil, nil, fmt.Errorf("unknown LOOM_ARTIFACTS %q", backend)
	}
}

func loadPipelines(dir string) ([]*registry.Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pipeline dir %s: %w", dir, err)
	}
	var out []*registry.Registry
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		reg, err := registry.Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, nil
}

// registerStaticFallbacks binds every step executor name no script claimed
// to the built-in deterministic executor, so a dev daemon runs any pipeline
// end to end. Outside dev mode an unresolved name fails the step instead.
func registerStaticFallbacks(reg *registry.Registry, execs *executor.Registry) {
	for _, name := range reg.TopoOrder() {
		node, ok := reg.Node(name)
		if !ok {
			continue
		}
		execName := node.ExecutorName()
		if _, err := execs.Resolve(execName); err == nil {
			continue
		}
		execs.MustRegister(staticexec.New(execName))
	}
}
