package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/scadarchive/internal/app"
	"github.com/timmy/scadarchive/internal/config"
	"github.com/timmy/scadarchive/internal/logger"
)

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	log := app.NewLogger(cfg.Log, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize")
	}
	defer a.Close()

	if err := a.Serve(ctx); err != nil {
		log.WithError(err).Error("Server stopped with error")
		a.Close()
		os.Exit(1)
	}
	log.Info("Server exited")
}
