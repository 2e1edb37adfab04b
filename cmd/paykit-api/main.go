// Command paykit-api обслуживает HTTP API узла подписок.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/app/api"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/config"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/logger"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
)

func main() {
	cfg := config.MustLoad()
	log := logger.New(cfg.Env)

	log.Info("starting paykit-api", slog.String("env", cfg.Env))
	log.Debug("debug messages are enabled")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := api.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize app", sl.Err(err))
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		log.Error("app stopped with error", sl.Err(err))
		os.Exit(1)
	}

	log.Info("paykit-api stopped gracefully")
}
