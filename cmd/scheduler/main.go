package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/voice-campaign-orchestrator/internal/app"
	"github.com/acme/voice-campaign-orchestrator/internal/scheduler"
	"github.com/acme/voice-campaign-orchestrator/internal/telemetry"
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

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "scheduler")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	repos, err := container.Repositories()
	if err != nil {
		log.Fatalf("failed to build repositories: %v", err)
	}
	services, _ := container.Services()
	dispatchers, _ := container.Dispatchers()
	locks, _ := container.Locks()

	svc := scheduler.New(scheduler.Deps{
		Campaigns:  services.Campaign,
		Contacts:   repos.Contact,
		Attempts:   repos.Attempt,
		Agents:     repos.Agent,
		Credit:     services.Ledger,
		Dispatcher: dispatchers.CallDispatcher,
		Locker:     scheduler.NewRedisLocker(locks.Campaign),
		Logger:     container.Logger.Component("scheduler"),
	}, container.Config.Scheduler, container.Config.Billing.MinDispatchBalanceCents)
	if err := svc.Run(ctx); err != nil {
		log.Fatalf("scheduler terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
