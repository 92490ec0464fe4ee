package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coteacher/internal/app"
	"coteacher/internal/config"
	"coteacher/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.Log.Level)

	application, err := app.NewApplication(cfg)
	if err != nil {
		logger.L.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.L.Info("received signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.L.Error("server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Stop(ctx); err != nil {
		logger.L.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
}
