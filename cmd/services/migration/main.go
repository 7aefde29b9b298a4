package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/linkflow-ai/migrator/internal/platform/config"
	"github.com/linkflow-ai/migrator/internal/platform/logger"
)

func main() {
	cfg, err := config.Load("migration")
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log := logger.New(cfg.Logger)
	log.Info("Starting Migration Service",
		"version", cfg.Version,
		"port", cfg.HTTP.Port,
		"environments", len(cfg.Migration.Environments),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to start", "error", err)
	}

	if err := a.run(ctx); err != nil {
		log.Error("server error", "error", err)
	} else {
		log.Info("received shutdown signal")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.shutdown(shutdownCtx)

	log.Info("Migration Service stopped gracefully")
}
