// BookMate balance gateway - cached, rate-limited access to tenant ledgers
package main

import (
	"context"
	"os"

	"github.com/TOOL2U/BookMate-sub002/internal/config"
	"github.com/TOOL2U/BookMate-sub002/internal/logging"
	"github.com/TOOL2U/BookMate-sub002/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting bookmate gateway",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"tenants_from_env", len(cfg.Tenants),
		"severity_policy", cfg.SeverityPolicy,
		"redis", cfg.RedisURL != "",
		"postgres", cfg.DatabaseURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
