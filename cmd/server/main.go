// Package main implements the entry point for the taskwell server, the
// durable multi-queue task broker and worker-pool dispatcher behind the
// asynchronous scrape, inference, analysis and publish pipelines.
package main

import (
	"flag"
	"log"

	"github.com/taskwell/taskwell/internal/config"
	"github.com/taskwell/taskwell/internal/platform/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	migrateCmd := flag.String("migrate", "", "run database migrations (up|down|status) and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger := logger.Setup(cfg.Server.LogLevel)
	appLogger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"queues", len(cfg.Queues),
		"database_configured", cfg.Database.URL != "")

	if *migrateCmd != "" {
		if err := runMigrations(cfg, *migrateCmd); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		return
	}

	app, err := newApplication(cfg, appLogger)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	if err := app.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
