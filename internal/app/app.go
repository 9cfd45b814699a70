// Package app assembles the registry, its journal, the sequence ticker and
// the HTTP handler from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"claimkv/internal/api"
	"claimkv/internal/config"
	"claimkv/internal/engine"
	"claimkv/internal/events"
	"claimkv/internal/registry"
	"claimkv/internal/sequence"
	"claimkv/internal/storage/sqlite"
)

type App struct {
	Registry *registry.Registry
	Broker   *events.Broker
	Ticker   *sequence.Ticker
	Handler  http.Handler

	cfg     config.Config
	logger  *slog.Logger
	closers []io.Closer
}

// New opens the configured store, rebuilds the registry from it and wires
// the HTTP handler. The ticker resumes from the highest recovered sequence.
// ctx bounds start-up only; the journal stays open until Close.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, Broker: events.NewBroker(logger)}

	var (
		journal  registry.Journal
		restore  func(*registry.Registry) error
		startSeq uint64
	)

	switch cfg.Store {
	case config.StoreWAL:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		cl, err := engine.NewCommitLogManager(context.WithoutCancel(ctx), engine.CommitLogCfg{
			Path:                 cfg.CommitLogPath(),
			EnqueueTimeout:       cfg.CommitLog.EnqueueTimeout,
			FlushInterval:        cfg.CommitLog.FlushInterval,
			MaxEnqueuingMutation: cfg.CommitLog.MaxQueue,
			BufferBytes:          cfg.CommitLog.BufferBytes,
			SyncOnAppend:         cfg.CommitLog.SyncOnAppend,
			Logger:               logger,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cl)
		journal = cl
		recovered := cl.Recovered()
		for _, m := range recovered {
			startSeq = max(startSeq, m.Sequence)
		}
		restore = func(r *registry.Registry) error { return r.Replay(recovered) }

	case config.StoreSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		store, err := sqlite.Open(cfg.SQLitePath())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		journal = store
		entries, err := store.Entries(ctx)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		if startSeq, err = store.MaxSequence(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
		restore = func(r *registry.Registry) error { r.Restore(entries); return nil }

	case config.StoreMemory:
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	a.Ticker = sequence.NewTicker(startSeq, cfg.BlockInterval, logger)

	var opts []registry.Option
	if journal != nil {
		opts = append(opts, registry.WithJournal(journal))
	}
	a.Registry = registry.New(a.Ticker, events.NewGroup(events.LogSink{Logger: logger}, a.Broker), opts...)
	if restore != nil {
		if err := restore(a.Registry); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("restore registry: %w", err)
		}
	}
	logger.Info("registry ready",
		slog.String("store", cfg.Store),
		slog.Int("claims", a.Registry.Len()),
		slog.Uint64("sequence", startSeq))

	a.Handler = api.NewServer(api.Options{
		Registry:     a.Registry,
		Broker:       a.Broker,
		Sequence:     a.Ticker,
		Logger:       logger,
		CallerHeader: cfg.CallerHeader,
	})
	return a, nil
}

// Close stops event delivery and closes the journal, flushing buffered
// commit log records.
func (a *App) Close() error {
	a.Broker.Close()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
