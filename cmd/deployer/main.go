package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/k11v/dreamdeploy/internal/amqputil"
	"github.com/k11v/dreamdeploy/internal/chat"
	"github.com/k11v/dreamdeploy/internal/compilejob/compilejobpg"
	"github.com/k11v/dreamdeploy/internal/deploy"
	"github.com/k11v/dreamdeploy/internal/dmb"
	"github.com/k11v/dreamdeploy/internal/eventhook"
	"github.com/k11v/dreamdeploy/internal/metrics"
	"github.com/k11v/dreamdeploy/internal/outputarchive"
	"github.com/k11v/dreamdeploy/internal/postgresutil"
	"github.com/k11v/dreamdeploy/internal/remotestatus/remotestatusamqp"
	"github.com/k11v/dreamdeploy/internal/server"
	"github.com/k11v/dreamdeploy/internal/session"
	"github.com/k11v/dreamdeploy/internal/sourcecontrol"
	"github.com/k11v/dreamdeploy/internal/staticfiles"
	"github.com/k11v/dreamdeploy/internal/toolchain"
)

// stopTimeout bounds the wait for background build deletions on shutdown.
const stopTimeout = 30 * time.Second

func main() {
	if err := run(os.Environ()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(environ []string) error {
	cfg, err := parseConfig(environ)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Development)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgresutil.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	db := compilejobpg.NewDatabase(pool)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	reporter := remotestatusamqp.NewReporter(amqputil.NewClient(cfg.AMQP.URL, &amqputil.QueueDeclareParams{
		Name:    remotestatusamqp.QueueName,
		Durable: true,
	}))
	notifier := chat.NewAMQPNotifier(amqputil.NewClient(cfg.AMQP.URL, &amqputil.QueueDeclareParams{
		Name:    chat.QueueName,
		Durable: true,
	}), logger)

	var archive outputarchive.Archive = outputarchive.Nop{}
	if cfg.S3.URL != "" {
		if err = outputarchive.Setup(ctx, outputarchive.NewClient(cfg.S3.URL), cfg.S3.bucket()); err != nil {
			return err
		}
		archive = outputarchive.NewS3Archive(cfg.S3.URL, cfg.S3.bucket())
	}

	toolchainManager := toolchain.NewManager(cfg.Toolchain.Root, nil, logger)
	if err = setupToolchain(ctx, toolchainManager, &cfg.Toolchain, logger); err != nil {
		return err
	}

	staticFiles := staticfiles.NewManager(cfg.StaticFilesRoot, logger)
	if err = staticFiles.Setup(); err != nil {
		return err
	}

	if err = os.MkdirAll(cfg.Build.Root, 0o755); err != nil {
		return err
	}
	events := eventhook.NewRunner(cfg.EventScriptsDir, logger)
	factory := dmb.NewFactory(&dmb.FactoryParams{
		Root:         cfg.Build.Root,
		Database:     db,
		Events:       events,
		RemoteStatus: reporter,
		Logger:       logger,
		Metrics:      m,
	})
	if err = factory.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if stopErr := factory.Stop(stopCtx); stopErr != nil {
			logger.Warn("didn't stop build factory", "error", stopErr)
		}
	}()

	orchestrator := deploy.NewOrchestrator(&deploy.OrchestratorParams{
		Database:     db,
		Repositories: &repositoryManager{manager: sourcecontrol.NewManager(cfg.RepositoryDir)},
		Toolchain:    toolchainManager,
		Builds:       factory,
		Events:       events,
		StaticFiles:  staticFiles,
		Launcher:     &launcher{launcher: session.NewLauncher(logger)},
		Chat:         notifier,
		RemoteStatus: reporter,
		Archive:      archive,
		Logger:       logger,
		Metrics:      m,
	})

	consumer := &Consumer{
		URL:     cfg.AMQP.URL,
		Handler: &Handler{deployer: orchestrator, logger: logger.With("component", "handler")},
		Logger:  logger.With("component", "consumer"),
	}
	live := &activator{
		factory:      factory,
		swapStrategy: cfg.Build.swapStrategy(),
		concurrency:  cfg.Build.mirrorConcurrency(),
		logger:       logger.With("component", "activator"),
	}
	srv := server.New(&cfg.Server, logger, factory, reg)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(ctx)
	})
	g.Go(func() error {
		return live.Run(ctx)
	})
	g.Go(func() error {
		return sweep(ctx, factory, cfg.Build.cleanupInterval(), logger)
	})
	g.Go(func() error {
		logger.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}

// setupToolchain activates the configured version, or the latest installed
// one, and prunes old versions.
func setupToolchain(ctx context.Context, m *toolchain.Manager, cfg *toolchainConfig, logger *slog.Logger) error {
	if cfg.Version != "" {
		version, err := semver.NewVersion(cfg.Version)
		if err != nil {
			return fmt.Errorf("invalid toolchain version: %w", err)
		}
		if err = m.SetActiveVersion(version); err != nil {
			return err
		}
	} else if _, err := m.ActivateLatest(ctx); err != nil {
		if !errors.Is(err, toolchain.ErrVersionNotInstalled) {
			return err
		}
		logger.Warn("no toolchain installed, deployments fail until one is")
	}

	removed, err := m.Prune(ctx, cfg.Keep)
	if err != nil {
		return err
	}
	if removed > 0 {
		logger.Info("pruned toolchain versions", "removed", removed)
	}
	return nil
}

// sweep deletes unused build directories every interval.
func sweep(ctx context.Context, factory *dmb.Factory, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := factory.CleanUnusedCompileJobs(ctx); err != nil && ctx.Err() == nil {
				logger.Error("didn't clean unused builds", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func newLogger(development bool) *slog.Logger {
	if development {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}
