// Command server wires Alphred's storage, topology, materializer, engine,
// and lifecycle layers together and drives a single workflow run to
// completion. It has no HTTP surface of its own (out of scope, see
// internal package docs) -- an external trigger/API layer is expected to
// call the same application-layer types this binary wires, or to launch this
// binary per run.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alphred/engine/internal/application/observer"
	"github.com/alphred/engine/internal/application/runlaunch"
	"github.com/alphred/engine/internal/application/topology"
	"github.com/alphred/engine/internal/config"
	"github.com/alphred/engine/internal/infrastructure/logger"
	"github.com/alphred/engine/internal/infrastructure/storage"
	"github.com/alphred/engine/pkg/engine"
)

func main() {
	var (
		treeKey = flag.String("tree-key", "", "Workflow tree key to launch (required)")
		version = flag.Int("version", 0, "Tree version to launch (0 = max published)")
	)
	flag.Parse()

	if *treeKey == "" {
		slog.Error("-tree-key is required")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging)
	log.Info("starting alphred run driver", "tree_key", *treeKey)

	db, err := storage.NewDB(&storage.Config{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MinConnections,
		ConnMaxLifetime: cfg.Database.MaxConnLifetime,
		ConnMaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Error("failed to connect to database", "error", err.Error())
		os.Exit(1)
	}
	defer storage.Close(db)

	store := storage.NewBunStore(db)
	loader := topology.NewLoader(store)
	materializer := runlaunch.NewMaterializer(store, loader)

	obsManager := observer.NewObserverManager(observer.WithLogger(log))
	if cfg.Observer.EnableLogger {
		if err := obsManager.Register(observer.NewLoggerObserver(observer.WithLoggerInstance(log))); err != nil {
			log.Error("failed to register logger observer", "error", err.Error())
			os.Exit(1)
		}
	}

	providers := engine.NewProviderRegistry()
	router := engine.NewRouter(engine.NewGuardEvaluator())
	fanout := engine.NewFanoutEngine(store)
	executor := engine.NewExecutor(store, providers, router, fanout, obsManager, engine.ExecuteOptions{
		MaxEnvelopeChars:    cfg.Provider.MaxEnvelopeChars,
		DiagnosticsMaxBytes: cfg.Provider.DiagnosticsMaxBytes,
	})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var selVersion *int
	if *version > 0 {
		selVersion = version
	}
	now := time.Now()
	result, err := materializer.Launch(ctx, runlaunch.LaunchInput{
		Selector:  topology.Selector{TreeKey: *treeKey, Version: selVersion},
		StartedAt: &now,
	})
	if err != nil {
		log.Error("failed to launch run", "error", err.Error())
		os.Exit(1)
	}
	log.Info("run launched", "workflow_run_id", result.Run.ID)

	lockBackoff := engine.DefaultBackoffPolicy()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown requested, stopping run driver", "workflow_run_id", result.Run.ID)
			return
		default:
		}

		outcome, err := stepUnderLock(ctx, store, lockBackoff, result.Run.ID, executor.ExecuteNextRunnableNode)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("step failed", "workflow_run_id", result.Run.ID, "error", err.Error())
			os.Exit(1)
		}

		switch outcome {
		case engine.StepRunTerminal:
			log.Info("run reached a terminal state", "workflow_run_id", result.Run.ID)
			return
		case engine.StepBlocked:
			log.Info("run blocked on an unresolved join barrier; exiting", "workflow_run_id", result.Run.ID)
			return
		case engine.StepAdvanced:
			continue
		}
	}
}

// stepUnderLock guards a single step with the run's advisory lock (§5's
// single-run-at-a-time rule), retrying acquisition under contention from
// another worker via a bounded backoff instead of failing the step outright.
func stepUnderLock(ctx context.Context, store *storage.BunStore, backoff engine.BackoffPolicy, workflowRunID string, step func(context.Context, string) (engine.StepOutcome, error)) (engine.StepOutcome, error) {
	var release func(context.Context) error
	err := backoff.Execute(ctx, func(ctx context.Context) error {
		acquired, rel, err := store.TryLockRun(ctx, workflowRunID)
		if err != nil {
			return err
		}
		if !acquired {
			return errRunLockHeldByAnotherWorker
		}
		release = rel
		return nil
	})
	if err != nil {
		return "", err
	}
	defer func() {
		if release != nil {
			_ = release(ctx)
		}
	}()

	return step(ctx, workflowRunID)
}

var errRunLockHeldByAnotherWorker = errors.New("run advisory lock held by another worker")
