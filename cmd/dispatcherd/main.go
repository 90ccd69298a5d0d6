// SPDX-License-Identifier: MIT

// dispatcherd runs the pipeline orchestrator, the encoder fleet
// dispatcher, and the admin HTTP API in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fetcharr/fetcharr/internal/api"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/fleet/bridge"
	"github.com/fetcharr/fetcharr/internal/fleet/dispatch"
	"github.com/fetcharr/fetcharr/internal/log"
	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/persistence/sqlite"
	"github.com/fetcharr/fetcharr/internal/pipeline/fsm"
	"github.com/fetcharr/fetcharr/internal/pipeline/model"
	"github.com/fetcharr/fetcharr/internal/pipeline/steps"
	"github.com/fetcharr/fetcharr/internal/pipeline/store"
	"github.com/fetcharr/fetcharr/internal/pipeline/template"
	"github.com/fetcharr/fetcharr/internal/pipeline/worker"
	"github.com/fetcharr/fetcharr/internal/resilience"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.LoadDispatcher()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "fetcharr-dispatcherd",
		Version: version,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("fleet_listen", cfg.ListenAddr).
		Str("api_listen", cfg.APIAddr).
		Str("data_dir", cfg.DataDir).
		Msg("starting dispatcherd")

	if err := run(ctx, cfg); err != nil {
		logger.Error().Err(err).Msg("dispatcherd exited")
		os.Exit(1)
	}
	logger.Info().Msg("dispatcherd stopped")
}

func run(ctx context.Context, cfg config.Dispatcher) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := sqlite.Open(filepath.Join(cfg.DataDir, "fetcharr.db"), sqlite.DefaultConfig())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	repo, err := store.NewSqliteStoreWithDB(db)
	if err != nil {
		return fmt.Errorf("item store: %w", err)
	}
	breakerStore, err := resilience.NewSqliteBreakerStore(db)
	if err != nil {
		return fmt.Errorf("breaker store: %w", err)
	}
	breakers := resilience.NewCircuitBreakerService(breakerStore)
	retry := resilience.NewRetryStrategy(breakers)

	templates, fileSource, err := templateSource(cfg.TemplatePath)
	if err != nil {
		return err
	}

	orch := worker.New(repo, templates, retry)
	br := bridge.New(orch)
	dispatcher := dispatch.New(
		dispatch.WithLivenessWindow(cfg.LivenessWindow),
		dispatch.WithCallbacks(br.Callbacks()),
	)
	br.Bind(dispatcher)

	exec := worker.NewExecutor(orch)
	exec.Register("encode", br.EncodeHandler())
	exec.Register("deliver", steps.NewDeliver(filepath.Join(cfg.DataDir, "library")))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("fleet listener: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := dispatcher.Serve(ctx, ln)
		if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return fmt.Errorf("fleet server: %w", err)
	})
	g.Go(func() error {
		return api.New(orch, dispatcher, breakers).Serve(ctx, cfg.APIAddr)
	})
	g.Go(func() error {
		return sweep(ctx, cfg.SweepInterval, orch, exec, templates)
	})
	if fileSource != nil {
		g.Go(func() error { return fileSource.Watch(ctx) })
	}

	err = g.Wait()
	dispatcher.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// templateSource loads templates from disk when a path is configured,
// falling back to the built-in defaults.
func templateSource(path string) (template.Source, *template.FileSource, error) {
	if path == "" {
		return template.NewStatic(template.Defaults()), nil, nil
	}
	src, err := template.NewFileSource(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load templates %s: %w", path, err)
	}
	return src, src, nil
}

// sweepStatuses are the parked positions this process can move forward
// itself: fresh downloads, plus items holding a mid-step status with a
// retry scheduled. Search and download belong to external integrations.
var sweepStatuses = []model.Status{
	model.StatusDownloaded,
	model.StatusEncoding,
	model.StatusEncoded,
	model.StatusDelivering,
}

// sweep periodically picks up schedulable items and runs their
// remaining steps. Item runs are bounded so one slow encode cannot
// monopolise the loop.
func sweep(ctx context.Context, interval time.Duration, orch *worker.Orchestrator, exec *worker.Executor, templates template.Source) error {
	logger := log.WithComponent("sweep")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if counts, err := orch.StatusCounts(ctx); err != nil {
			logger.Error().Err(err).Msg("status counts")
		} else {
			for _, status := range fsm.AllStatuses {
				metrics.SetItemsByStatus(string(status), counts[status])
			}
		}

		g, runCtx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for _, status := range sweepStatuses {
			items, err := orch.ItemsForProcessing(ctx, status)
			if err != nil {
				logger.Error().Err(err).Str(log.FieldStatus, string(status)).Msg("list items")
				continue
			}
			for _, item := range items {
				g.Go(func() error {
					tpl, err := templates.FindDefaultTemplate(runCtx, item.Type.RequestType())
					if err != nil {
						logger.Error().Err(err).Str(log.FieldItemID, item.ID).Msg("resolve template")
						return nil
					}
					if err := exec.Run(runCtx, item.ID, tpl); err != nil && runCtx.Err() == nil {
						logger.Error().Err(err).Str(log.FieldItemID, item.ID).Msg("run item")
					}
					return nil
				})
			}
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}
