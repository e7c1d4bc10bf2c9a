// Command notifyd runs the notification delivery engine: the HTTP intake and
// inbox API, the per-channel delivery workers and the maintenance schedule.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrymomot/notifykit/internal/engine"
	"github.com/dmitrymomot/notifykit/pkg/config"
	"github.com/dmitrymomot/notifykit/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("notifyd exited with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var cfg engine.Config
	if err := config.Load(&cfg); err != nil {
		return err
	}

	log := logger.New(logger.WithEnvironment(cfg.Env, cfg.ServiceName))
	logger.SetAsDefault(log)

	backends, err := engine.Open(ctx, cfg, log)
	if err != nil {
		return err
	}

	e, err := engine.New(cfg, backends, engine.WithLogger(log))
	if err != nil {
		if backends.Close != nil {
			_ = backends.Close()
		}
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.LogAttrs(context.Background(), slog.LevelError, "failed to release backends", logger.Error(err))
		}
	}()

	return e.Run(ctx)
}
