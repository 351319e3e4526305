package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/voice-campaign-orchestrator/internal/api"
	"github.com/acme/voice-campaign-orchestrator/internal/api/handlers"
	"github.com/acme/voice-campaign-orchestrator/internal/app"
	"github.com/acme/voice-campaign-orchestrator/internal/telemetry"
)

func main() {
	log.Println("Starting API server...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	log.Printf("Using config file: %s", *configPath)

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "api")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	services, err := container.Services()
	if err != nil {
		log.Fatalf("failed to build services: %v", err)
	}

	handlerSet := handlers.NewHandlerSet(handlers.Deps{
		Campaigns:     services.Campaign,
		Directory:     services.Directory,
		Ledger:        services.Ledger,
		TestCalls:     services.Call,
		WebhookErrors: services.Errors,
		Intake:        services.Intake,
		Checks: map[string]handlers.HealthCheck{
			"postgres": func(ctx context.Context) error { return container.Postgres.DB().PingContext(ctx) },
			"redis":    container.Redis.Ping,
			"scylla": func(ctx context.Context) error {
				return container.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
			},
		},
		Logger: container.Logger.Component("http"),
	})

	server := api.NewServer(container.Config.HTTP, handlerSet)

	log.Printf("Starting server on port %d...", container.Config.HTTP.Port)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("server terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
