// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/keel/lib/config"
	"github.com/bureau-foundation/keel/lib/instance"
	"github.com/bureau-foundation/keel/lib/launcher"
	"github.com/bureau-foundation/keel/lib/ocispec"
	"github.com/bureau-foundation/keel/lib/procrunner"
	"github.com/bureau-foundation/keel/lib/servicedir"
	"github.com/bureau-foundation/keel/lib/statestore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var logLevel string
	var poolSize int

	flagSet := pflag.NewFlagSet("keel-launcher", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to keel.yaml (default: $KEEL_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "", "override configured log level (debug, info, warn, error)")
	flagSet.IntVar(&poolSize, "pool-size", 0, "override configured worker pool size")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if poolSize > 0 {
		cfg.Launcher.PoolSize = poolSize
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, err := statestore.Open(cfg.Storage.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	services, err := servicedir.New(cfg.Paths.Services, logger)
	if err != nil {
		return err
	}

	specs, err := ocispec.New(cfg.Paths.Run, logger)
	if err != nil {
		return err
	}

	runner := procrunner.New(logger)

	core, err := launcher.New(launcher.Config{
		PoolSize:      cfg.Launcher.PoolSize,
		QueueCapacity: cfg.Launcher.QueueCapacity,
		MaxInstances:  cfg.Launcher.MaxInstances,
		MaxServices:   cfg.Launcher.MaxServices,
		MaxLayers:     cfg.Launcher.MaxLayers,
		Logger:        logger,
	}, launcher.Deps{
		Runner:   runner,
		Services: services,
		Specs:    specs,
		Status:   &logStatusReceiver{logger: logger},
		Storage:  store,
	})
	if err != nil {
		return err
	}

	// Asynchronous exits flow from the runner back into the
	// launcher's status aggregator.
	runner.SetStatusReceiver(core)

	if err := core.Start(); err != nil {
		return fmt.Errorf("starting launcher: %w", err)
	}

	logger.Info("keel-launcher running",
		"database", cfg.Storage.Database,
		"services", cfg.Paths.Services,
		"pool_size", cfg.Launcher.PoolSize,
	)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	received := <-signals
	logger.Info("shutting down", "signal", received)

	return core.Stop()
}

// loadConfig loads the config file named by the flag, or falls back
// to KEEL_CONFIG.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

// logStatusReceiver logs status reports instead of delivering them to
// a control plane. The embedding integration replaces it.
type logStatusReceiver struct {
	logger *slog.Logger
}

func (r *logStatusReceiver) InstancesRunStatus(statuses []instance.Status) error {
	r.logger.Info("instances run status", "instances", len(statuses))
	for _, s := range statuses {
		r.logger.Info("instance",
			"ident", s.Ident,
			"service_version", s.ServiceVersion,
			"state", s.State,
			"error", s.Err,
		)
	}
	return nil
}

func (r *logStatusReceiver) InstancesUpdateStatus(statuses []instance.Status) error {
	for _, s := range statuses {
		r.logger.Info("instance update",
			"ident", s.Ident,
			"state", s.State,
			"error", s.Err,
		)
	}
	return nil
}
