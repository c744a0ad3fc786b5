package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/njoerd114/siterelay/internal/adapter"
	"github.com/njoerd114/siterelay/internal/adapter/httpnode"
	"github.com/njoerd114/siterelay/internal/config"
	"github.com/njoerd114/siterelay/internal/events"
	"github.com/njoerd114/siterelay/internal/state"
	"github.com/njoerd114/siterelay/internal/telemetry"
)

// app holds everything a subcommand needs. Build it with openApp and release
// it with Close.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *state.Store
	adapters *adapter.Registry
	reporter events.Reporter

	// Prometheus is non-nil when the API serves /metrics.
	prometheus *prometheus.Registry

	closers []func()
}

// openApp loads config, builds the logger, opens the registry, and registers
// the adapter factories.
func openApp(ctx context.Context, f *rootFlags) (*app, error) {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log, f.verbose)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, log: logger, adapters: adapter.NewRegistry()}

	// --- Telemetry (optional) ------------------------------------------------

	telCfg := telemetry.Config{}
	if cfg.Telemetry != nil {
		telCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
		telCfg.Insecure = cfg.Telemetry.Insecure
		telCfg.ServiceName = cfg.Telemetry.ServiceName
		telCfg.Headers = cfg.Telemetry.Headers
	}
	if cfg.HTTP != nil && cfg.HTTP.Metrics {
		a.prometheus = prometheus.NewRegistry()
		telCfg.Prometheus = a.prometheus
	}
	shutdownTel, err := telemetry.Setup(ctx, telCfg)
	if err != nil {
		logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		a.prometheus = nil
	} else {
		a.closers = append(a.closers, func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTel(flushCtx); err != nil {
				logger.Error("telemetry shutdown error", "error", err)
			}
		})
	}

	// --- Site registry -------------------------------------------------------

	dbPath := cfg.DBPath
	if dbPath == "" {
		if dbPath, err = state.DefaultDBPath(); err != nil {
			a.Close()
			return nil, fmt.Errorf("resolving registry path: %w", err)
		}
	}
	store, err := state.Open(dbPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening site registry at %q: %w", dbPath, err)
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			logger.Error("closing site registry", "error", err)
		}
	})
	logger.Debug("site registry opened", "path", dbPath)

	// --- Adapter factories ---------------------------------------------------

	closeFactories, err := httpnode.RegisterDefaults(a.adapters, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("registering adapter factories: %w", err)
	}
	a.closers = append(a.closers, closeFactories)
	logger.Debug("adapter factories registered", "types", a.adapters.Types())

	// --- Events --------------------------------------------------------------

	reporters := events.Multi{events.NewLogReporter(logger)}
	if cfg.Events != nil {
		nc, err := events.ConnectNATS(cfg.Events.NATSURL, logger)
		if err != nil {
			logger.Error("event publishing disabled", "error", err)
		} else {
			reporters = append(reporters, events.NewNATSReporter(nc, cfg.Events.SubjectPrefix, logger))
			a.closers = append(a.closers, func() { drainNATS(nc, logger) })
		}
	}
	a.reporter = reporters

	return a, nil
}

// Close releases everything openApp acquired, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// loadConfig reads path, or the default path. A missing default file yields
// the built-in defaults; a missing explicit file is an error.
func loadConfig(path string) (*config.Config, error) {
	explicit := path != ""
	if !explicit {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("loading config from %q: %w", path, err)
	}
	return cfg, nil
}

// newLogger builds the process logger. --verbose forces debug.
func newLogger(cfg config.LogConfig, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func drainNATS(nc *nats.Conn, logger *slog.Logger) {
	if err := nc.Drain(); err != nil {
		logger.Warn("draining NATS connection", "error", err)
		nc.Close()
	}
}
