package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Serve is the "serve" command: it migrates the backend and runs until SIGINT/SIGTERM.
// It returns an error instead of calling os.Exit to keep defers effective.
func Serve(parent context.Context, cfg Config, log Logger) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := a.backend.migrate(ctx); err != nil {
		_ = a.Close(context.Background())
		return err
	}

	return a.Run(ctx)
}

// Migrate is the "migrate" command: it applies schemas or indexes and exits.
func Migrate(ctx context.Context, cfg Config, log Logger) error {
	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = be.close(context.Background()) }()

	if err := be.migrate(ctx); err != nil {
		return err
	}
	log.Info("migrate.done", "store", be.kind)
	return nil
}
