package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	paymentprocessor "github.com/magabrotheeeer/paykit-subscriptions/internal/app/payment-processor"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/config"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/logger"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/sl"
)

func main() {
	cfg := config.MustLoad()
	log := logger.New(cfg.Env)
	log.Info("starting payment-processor", slog.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := paymentprocessor.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize payment-processor", sl.Err(err))
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		log.Error("payment-processor stopped with error", sl.Err(err))
		os.Exit(1)
	}
	log.Info("payment-processor shutting down gracefully")
}
