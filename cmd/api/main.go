package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/markdave123-py/docsense/internal/app"
	"github.com/markdave123-py/docsense/internal/config"
	"github.com/markdave123-py/docsense/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, "stdout")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	application, err := app.NewApp(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer application.Close()

	log.Info("docsense is running", zap.String("port", cfg.Port), zap.Int("workers", cfg.Ingest.Workers))
	if err := application.Run(ctx); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return
	}
	log.Info("shut down cleanly")
}
