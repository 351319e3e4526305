package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/voice-campaign-orchestrator/internal/app"
	"github.com/acme/voice-campaign-orchestrator/internal/telemetry"
	statusworker "github.com/acme/voice-campaign-orchestrator/internal/worker/status"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "status-worker")
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

	reader := container.Kafka.NewReader(container.Config.Kafka.StatusTopic, container.Config.Kafka.ConsumerGroupID+"-status")
	defer reader.Close()

	worker := statusworker.New(services.Campaign, container.Logger.Component("status-worker"))
	if err := worker.Run(ctx, reader); err != nil {
		log.Fatalf("worker terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
