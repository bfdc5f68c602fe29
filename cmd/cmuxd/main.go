// cmuxd is the standalone control-plane host: the entity directory plus the
// control socket, without the rendering application around them. It exists
// for development and for driving the control plane in integration tests.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/cmux-sh/cmux/internal/config"
	"github.com/cmux-sh/cmux/internal/daemon"
	"github.com/cmux-sh/cmux/internal/db"
	"github.com/cmux-sh/cmux/internal/directory"
	"github.com/cmux-sh/cmux/internal/logging"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		log := logging.NewFromEnv()
		log.Error().Err(err).Msg("cmuxd exited with error")
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.NewFromEnv()
	cfg := config.DefaultConfig()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return err
	}

	dir := directory.New(directory.WithLogger(log))
	dir.Start(ctx)
	if _, err := dir.Seed(ctx); err != nil {
		return err
	}

	srv := daemon.NewServer(cfg, dir,
		daemon.WithLogger(log),
		daemon.WithStore(store),
	)
	log.Info().Str("socket", cfg.SocketPath).Str("db", cfg.DBPath).Msg("cmuxd starting")
	return srv.Start(ctx)
}
