package main

import (
	"context"
	"log/slog"
	"os"

	_ "github.com/kirinyoku/ticksy/docs"
	"github.com/kirinyoku/ticksy/internal/app"
	"github.com/kirinyoku/ticksy/internal/config"
)

// @title Ticksy API
// @version 1.0
// @description Event ticketing with M-Pesa checkout.
// @host localhost:8080
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	cfg, err := config.New()
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Env, cfg.LogLevel, os.Stdout)

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create application", "error", err)
		os.Exit(1)
	}

	if err := application.Run(context.Background()); err != nil {
		logger.Error("application finished with error", "error", err)
		os.Exit(1)
	}
}
