package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/charlesnunot/Stratos-sub003/internal/app"
	"github.com/charlesnunot/Stratos-sub003/internal/config"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	boot := zap.Must(zap.NewProduction())
	if err := godotenv.Load(); err != nil {
		boot.Debug("no .env file", zap.Error(err))
	}

	cfg, err := config.Load("")
	if err != nil {
		boot.Fatal("config load failed", zap.Error(err))
	}
	logger, err := app.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		boot.Fatal("logger init failed", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}
	defer a.Close()

	w := a.Worker()
	logger.Info("worker started", zap.Duration("interval", w.Interval), zap.Int("batch_size", w.BatchSize))
	w.Run(ctx)
	logger.Info("worker stopped")
}
