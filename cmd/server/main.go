package main

import (
	"github.com/zep-us/impxy/internal/app"
	"github.com/zep-us/impxy/internal/config"
	"github.com/zep-us/impxy/internal/engine/curl"
	"github.com/zep-us/impxy/pkg/logger"
)

func main() {
	// Load configuration from config.toml
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	// Open the native engine; an unavailable engine still serves /probe
	eng, probe := curl.Open(cfg.LibraryPath)
	if !probe.Available {
		logger.Error("Impersonation engine unavailable: %s", probe.Reason)
	}

	application := app.NewApp(cfg, eng, probe)

	logger.Info("impxy starting...")

	if err := application.Run(); err != nil {
		logger.Fatal("Server error: %v", err)
	}
}
