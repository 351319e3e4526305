package main

import (
	"errors"
	"flag"
	"log"
	"os"

	"github.com/acme/voice-campaign-orchestrator/internal/config"
	"github.com/acme/voice-campaign-orchestrator/internal/infra/db"
	"github.com/acme/voice-campaign-orchestrator/internal/infra/db/migrations"
)

func main() {
	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	from, err := db.Migrate(cfg.Postgres.DSN())
	if err != nil {
		if errors.Is(err, db.ErrDirtySchema) {
			log.Fatalf("schema version %d is dirty; fix it by hand before migrating", from)
		}
		log.Fatalf("migration failed: %v", err)
	}
	log.Printf("schema migrated from version %d to %d", from, migrations.Version)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
