// Package main implements the telemon entry point. Telemon ingests device
// telemetry over UDP, persists it to SQLite in batches, and maintains live
// per-device and per-gesture statistics.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/telemon/config"
	"github.com/c360/telemon/engine"
	"github.com/c360/telemon/feed"
	"github.com/c360/telemon/health"
	"github.com/c360/telemon/metric"
	"github.com/c360/telemon/receiver"
	"github.com/c360/telemon/stats"
	"github.com/c360/telemon/store"
	"github.com/c360/telemon/telemetry"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "telemon"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(&cfg, cliCfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("Starting telemon (device telemetry pipeline)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"listen", fmt.Sprintf("%s:%d", cfg.Receiver.Host, cfg.Receiver.Port),
		"store", cfg.Store.Path)

	eng, monitor, registry, err := buildPipeline(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Initialize(); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	obs := startObservability(cfg.HTTP.Addr, registry, monitor, eng, logger)

	<-ctx.Done()
	slog.Info("Shutdown signal received", "timeout", cliCfg.ShutdownTimeout)

	stopObservability(obs, logger)

	if err := eng.Stop(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	printFinalReport(eng)
	return nil
}

// buildPipeline constructs every component in dependency order. The store
// opens here, before the engine ever starts the receiver, so a packet can
// only be accepted once there is a place to persist it.
func buildPipeline(cfg config.Config, logger *slog.Logger) (*engine.Engine, *health.Monitor, *metric.Registry, error) {
	registry := metric.NewRegistry()
	monitor := health.NewMonitor()

	parser, err := telemetry.NewParser()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build parser: %w", err)
	}

	st, err := store.Open(store.Deps{
		Config:   cfg.Store,
		Registry: registry,
		Logger:   logger.With("component", "store"),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}

	rcv, err := receiver.New(receiver.Deps{
		Name:     "udp-receiver",
		Config:   cfg.Receiver,
		Registry: registry,
		Logger:   logger.With("component", "receiver"),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build receiver: %w", err)
	}

	agg := stats.New(stats.Deps{
		Config: cfg.Stats,
		Logger: logger.With("component", "stats"),
	})

	var liveFeed *feed.Feed
	if cfg.Feed.Enabled {
		liveFeed = feed.New(feed.Deps{
			Name:     "live-feed",
			Config:   cfg.Feed,
			Registry: registry,
			Logger:   logger.With("component", "feed"),
		})
	}

	eng, err := engine.New(engine.Deps{
		Name:     "engine",
		Config:   cfg.Engine,
		Receiver: rcv,
		Store:    st,
		Stats:    agg,
		Feed:     liveFeed,
		Parser:   parser,
		Registry: registry,
		Monitor:  monitor,
		Logger:   logger.With("component", "engine"),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build engine: %w", err)
	}

	return eng, monitor, registry, nil
}

func printFinalReport(eng *engine.Engine) {
	snap := eng.Snapshot()
	es := eng.Statistics()

	slog.Info("Final report",
		"processed", snap.TotalProcessed,
		"errors", snap.TotalErrors,
		"error_rate_pct", fmt.Sprintf("%.2f", snap.ErrorRatePercent),
		"devices", snap.TotalDevices,
		"last_sequence", es.LastSequence)
}
