package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/orchestrator"
	"github.com/zulandar/roundhouse/internal/storage"
	"github.com/zulandar/roundhouse/internal/worker"
	"go.uber.org/zap"
)

// shutdownTimeout bounds how long teardown waits for subtasks and workers.
const shutdownTimeout = 30 * time.Second

// app bundles the long-lived components every command that talks to
// workers needs.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  storage.Storage
	orch   *orchestrator.Orchestrator
}

// newLogger builds the process logger. --verbose forces debug level.
func newLogger(cfg config.LoggingConfig, verbose bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	level := cfg.Level
	if verbose {
		level = "debug"
	}
	if err := zcfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logging level %q: %w", level, err)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// loadConfig reads the config file and builds the logger it describes.
func loadConfig(flags *globalFlags) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg.Logging, flags.verbose)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openStore opens the configured thread storage.
func openStore(cfg *config.Config) (storage.Storage, error) {
	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}
	return store, nil
}

// newApp wires storage, the worker pool and the orchestrator.
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	defaults := worker.ConfigFrom(cfg.Worker)
	pool, err := worker.NewPool(worker.PoolOpts{
		Spawner:  &worker.ExecSpawner{Logger: logger},
		Defaults: defaults,
		Logger:   logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Opts{
		Storage:             store,
		Pool:                pool,
		Workspace:           cfg.Workspace,
		CommandPrefix:       cfg.CommandPrefix,
		SubtaskTimeout:      cfg.Subtasks.Timeout(),
		MaxSubtasks:         cfg.Subtasks.MaxRunning,
		KeepSubtasks:        cfg.Subtasks.KeepFinished,
		PersistPendingTurns: cfg.Storage.PersistPendingTurns,
		Logger:              logger,
	})
	if err != nil {
		pool.Shutdown()
		store.Close()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, store: store, orch: orch}, nil
}

// Close shuts down the orchestrator (killing every worker) and closes storage.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := a.orch.Shutdown(ctx)
	closeErr := a.store.Close()
	a.logger.Sync()
	return errors.Join(shutdownErr, closeErr)
}
