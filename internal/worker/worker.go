package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"asrworker/internal/asr"
	"asrworker/internal/config"
	"asrworker/internal/device"
	"asrworker/internal/dispatch"
	"asrworker/internal/lifecycle"
	"asrworker/internal/reclaim"
	"asrworker/internal/stats"
	"asrworker/internal/storage"
)

// Worker owns the wired dispatcher and everything it holds open.
type Worker struct {
	Dispatcher *dispatch.Dispatcher
	Manager    *lifecycle.Manager
	Journal    *storage.TranscriptionRepository
	Assembly   *Assembly
	Provider   string

	db     *storage.DB
	logger *slog.Logger
}

// New resolves the device, declares the components and wires the dispatcher.
// Nothing is loaded until the dispatcher initializes.
func New(ctx context.Context, cfg config.Config, gpus device.Querier, logger *slog.Logger) (*Worker, error) {
	provider, err := device.Resolve(ctx, cfg.Device, gpus)
	if err != nil {
		return nil, fmt.Errorf("resolve device: %w", err)
	}
	logger.Info("device selected", "requested", cfg.Device, "provider", provider)

	parts, err := Build(cfg, provider, logger)
	if err != nil {
		return nil, fmt.Errorf("build components: %w", err)
	}

	w := &Worker{Assembly: parts, Provider: provider, logger: logger}
	w.Manager = lifecycle.New(parts.Loaders, lifecycle.Options{
		Timeout:   cfg.InitTimeout,
		Policy:    lifecycle.Policy(cfg.InitPolicy),
		Preflight: parts.Preflight,
		Device:    provider,
	}, logger)

	reclaimer := reclaim.New(cfg.ReclaimEvery, logger)
	if parts.VAD != nil {
		reclaimer.Register(parts.VAD)
	}

	deps := dispatch.Deps{
		Manager:   w.Manager,
		Stats:     stats.NewRegistry(),
		Reclaimer: reclaimer,
		Probe:     asr.DurationProbe{Logger: logger},
		GPUs:      gpus,
		Logger:    logger,
	}

	if cfg.JournalPath != "" {
		db, err := storage.Open(cfg.JournalPath)
		if err != nil {
			logger.Warn("journal disabled", "path", cfg.JournalPath, "error", err)
		} else {
			w.db = db
			w.Journal = storage.NewTranscriptionRepository(db)
			deps.Journal = w.Journal
			logger.Info("journal enabled", "path", cfg.JournalPath)
		}
	}

	w.Dispatcher = dispatch.New(deps, dispatch.Config{
		Defaults:  cfg.Defaults,
		ModelDir:  cfg.ModelDir,
		ModelType: parts.ModelType(),
	})
	return w, nil
}

// Close releases loaded components and the journal.
func (w *Worker) Close() error {
	var errs []error
	if err := w.Manager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("release components: %w", err))
	}
	if w.db != nil {
		if err := w.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	return errors.Join(errs...)
}
