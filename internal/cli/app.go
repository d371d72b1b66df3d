package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/notify"
	"github.com/roach88/tillsync/internal/notify/amqpnotify"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/remote/pgremote"
	"github.com/roach88/tillsync/internal/store"
)

// Backend is the remote side of a terminal: the system of record and, when
// configured, the change-notification broker.
type Backend struct {
	Remote remote.Remote
	Online engine.Connectivity

	// Subscriber is nil when no broker is configured.
	Subscriber notify.Subscriber

	Close func()
}

// BackendFunc opens a Backend from config.
type BackendFunc func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backend, error)

// openBackend connects to Postgres and, if configured, RabbitMQ. Remote
// writes are published on the broker. Neither has to be reachable: the
// engine waits for the database to come online, and an unreachable broker
// only disables change notifications for this session.
func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backend, error) {
	if cfg.Remote.PostgresDSN == "" {
		return nil, fmt.Errorf("remote.postgres_dsn is not set (or %s)", config.EnvPostgresDSN)
	}

	var (
		bus     *amqpnotify.Bus
		pgOpts  = []pgremote.Option{pgremote.WithLogger(logger)}
		closers []func()
	)
	if cfg.Notify.AMQPURL != "" {
		var err error
		bus, err = amqpnotify.Dial(cfg.Notify.AMQPURL, amqpnotify.WithLogger(logger))
		if err != nil {
			logger.Warn("broker unreachable, running without change notifications", "error", err)
			bus = nil
		}
	}
	if bus != nil {
		pgOpts = append(pgOpts, pgremote.WithPublisher(bus))
		closers = append(closers, func() {
			if err := bus.Close(); err != nil {
				logger.Warn("error closing broker connection", "error", err)
			}
		})
	}

	pg, err := pgremote.Connect(ctx, cfg.Remote.PostgresDSN, pgOpts...)
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, fmt.Errorf("connect remote: %w", err)
	}

	b := &Backend{
		Remote: pg,
		Online: pg,
		Close: func() {
			pg.Close()
			for _, c := range closers {
				c()
			}
		},
	}
	if bus != nil {
		b.Subscriber = bus
	}
	return b, nil
}

// app is what a command works with once config is loaded.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  *store.Store
}

// openApp loads config, configures logging and opens the local store.
func openApp(opts *RootOptions, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	logger := newLogger(cfg.Log, opts.Verbose, stderr)
	slog.SetDefault(logger)

	logger.Debug("opening local store", "path", cfg.Local.Path)
	st, err := store.Open(cfg.Local.Path, store.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open local store", err)
	}
	return &app{cfg: cfg, logger: logger, store: st}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing local store", "error", err)
	}
}

func (a *app) backend(ctx context.Context, opts *RootOptions) (*Backend, error) {
	open := opts.Backend
	if open == nil {
		open = openBackend
	}
	b, err := open(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open remote", err)
	}
	if b.Close == nil {
		b.Close = func() {}
	}
	return b, nil
}

func (a *app) processor(b *Backend) *engine.Processor {
	online := b.Online
	if online == nil {
		online = engine.AlwaysOnline{}
	}
	return engine.New(a.store, b.Remote,
		engine.WithLogger(a.logger),
		engine.WithConnectivity(online),
		engine.WithInterval(a.cfg.Sync.Interval.Std()),
		engine.WithBackoff(engine.Backoff{
			Base:        a.cfg.Sync.BackoffBase.Std(),
			Max:         a.cfg.Sync.BackoffMax.Std(),
			MaxAttempts: a.cfg.Sync.MaxAttempts,
		}),
	)
}

// newLogger builds the stderr logger. --verbose forces debug.
func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
