package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/charlesnunot/Stratos-sub003/internal/app"
	"github.com/charlesnunot/Stratos-sub003/internal/config"
	internalhttp "github.com/charlesnunot/Stratos-sub003/internal/http"

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

	h, err := a.Handler()
	if err != nil {
		logger.Fatal("handler init failed", zap.Error(err))
	}
	srv := internalhttp.NewServer(h, a.Feed, logger.Named("http"), cfg.Server.CORSOrigins)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.Server.Addr), zap.String("store", cfg.Store.Driver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}
