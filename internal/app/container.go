package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/voice-campaign-orchestrator/internal/config"
	"github.com/acme/voice-campaign-orchestrator/internal/infra/db"
	"github.com/acme/voice-campaign-orchestrator/internal/infra/redis"
	"github.com/acme/voice-campaign-orchestrator/internal/queue"
	"github.com/acme/voice-campaign-orchestrator/internal/repository"
	pgrepo "github.com/acme/voice-campaign-orchestrator/internal/repository/postgres"
	scyllarepo "github.com/acme/voice-campaign-orchestrator/internal/repository/scylla"
	callsvc "github.com/acme/voice-campaign-orchestrator/internal/service/call"
	campaignsvc "github.com/acme/voice-campaign-orchestrator/internal/service/campaign"
	"github.com/acme/voice-campaign-orchestrator/internal/service/concurrency"
	"github.com/acme/voice-campaign-orchestrator/internal/service/directory"
	"github.com/acme/voice-campaign-orchestrator/internal/service/ledger"
	"github.com/acme/voice-campaign-orchestrator/internal/service/webhookerr"
	telephonySvc "github.com/acme/voice-campaign-orchestrator/internal/telephony"
	telephonyMock "github.com/acme/voice-campaign-orchestrator/internal/telephony/mock"
	"github.com/acme/voice-campaign-orchestrator/internal/webhook"
	"github.com/acme/voice-campaign-orchestrator/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		err          error
		repositories *Repositories
		services     *Services
		dispatchers  *Dispatchers
		providers    *Providers
		locks        *Locks
	}
}

// Repositories holds the storage adapters.
type Repositories struct {
	Campaign     repository.CampaignRepository
	Agent        repository.AgentRepository
	Contact      repository.ContactRepository
	Attempt      repository.AttemptRepository
	TestSession  repository.TestSessionRepository
	Ledger       repository.LedgerRepository
	WebhookError repository.WebhookErrorRepository
	Stats        repository.CampaignStatisticsRepository
	CallEvents   repository.CallEventStore
}

// Services holds the domain services.
type Services struct {
	Campaign  *campaignsvc.Service
	Directory *directory.Service
	Ledger    *ledger.Service
	Call      *callsvc.Service
	Errors    *webhookerr.Recorder
	Sweeper   *webhookerr.Sweeper
	Processor *webhook.Processor
	Intake    *webhook.Intake
}

// Dispatchers holds the Kafka producers.
type Dispatchers struct {
	CallDispatcher   *queue.CallDispatcher
	OutcomePublisher *queue.OutcomePublisher
}

// Providers holds external call providers.
type Providers struct {
	Telephony telephonySvc.Provider
}

// Locks holds distributed coordination helpers.
type Locks struct {
	Campaign *concurrency.CampaignLock
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		_ = pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		_ = scylla.Close()
		_ = pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		_ = redisClient.Close()
		_ = scylla.Close()
		_ = pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}, nil
}

func (c *Container) initComponents() error {
	c.components.once.Do(func() {
		sqlDB := c.Postgres.DB()
		repos := &Repositories{
			Campaign:     pgrepo.NewCampaignRepository(sqlDB),
			Agent:        pgrepo.NewAgentRepository(sqlDB),
			Contact:      pgrepo.NewContactRepository(sqlDB),
			Attempt:      pgrepo.NewAttemptRepository(sqlDB),
			TestSession:  pgrepo.NewTestSessionRepository(sqlDB),
			Ledger:       pgrepo.NewLedgerRepository(sqlDB),
			WebhookError: pgrepo.NewWebhookErrorRepository(sqlDB),
			Stats:        pgrepo.NewCampaignStatisticsRepository(sqlDB),
			CallEvents:   scyllarepo.NewCallEventStore(c.Scylla.Session()),
		}

		disp := &Dispatchers{
			CallDispatcher:   queue.NewCallDispatcher(c.Kafka, c.Config.Kafka.CallTopic),
			OutcomePublisher: queue.NewOutcomePublisher(c.Kafka, c.Config.Kafka.StatusTopic),
		}

		billing, err := ledger.NewService(repos.Ledger, c.Config.Billing, c.Logger.Component("ledger"))
		if err != nil {
			c.components.err = fmt.Errorf("bootstrap ledger: %w", err)
			return
		}

		recorder := webhookerr.NewRecorder(repos.WebhookError, c.Config.Retry, c.Logger.Component("webhook-errors"))
		processor := webhook.NewProcessor(webhook.ProcessorDeps{
			Attempts:           repos.Attempt,
			Sessions:           repos.TestSession,
			Ledger:             billing,
			Outcomes:           disp.OutcomePublisher,
			Events:             repos.CallEvents,
			ShortCallThreshold: c.Config.Webhook.ShortCallThreshold,
			Logger:             c.Logger.Component("webhook"),
		})
		verifier := webhook.Verifier{Secret: c.Config.Webhook.SigningSecret, Tolerance: c.Config.Webhook.Tolerance}

		services := &Services{
			Campaign: campaignsvc.NewService(
				repos.Campaign,
				repos.Agent,
				repos.Contact,
				repos.Attempt,
				repos.Stats,
				c.Logger.Component("campaigns"),
			),
			Directory: directory.NewService(repos.Agent, repos.Contact, c.Logger.Component("directory")),
			Ledger:    billing,
			Call: callsvc.NewService(
				repos.TestSession,
				repos.Agent,
				repos.CallEvents,
				disp.CallDispatcher,
				billing,
				c.Config.Billing.MinDispatchBalanceCents,
				c.Logger.Component("test-calls"),
			),
			Errors:    recorder,
			Sweeper:   webhookerr.NewSweeper(repos.WebhookError, processor, c.Config.Retry, c.Logger.Component("redrive")),
			Processor: processor,
			Intake:    webhook.NewIntake(verifier, processor, recorder, c.Logger.Component("webhook-intake")),
		}

		c.components.repositories = repos
		c.components.dispatchers = disp
		c.components.services = services
		c.components.providers = &Providers{Telephony: telephonyMock.NewProvider(c.Config.CallBridge)}
		c.components.locks = &Locks{
			Campaign: concurrency.NewCampaignLock(c.Redis.Inner(), c.Config.Scheduler.LockKeyPrefix, c.Config.Scheduler.LockTTL),
		}
	})
	return c.components.err
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() (*Repositories, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.repositories, nil
}

// Services exposes initialized services.
func (c *Container) Services() (*Services, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.services, nil
}

// Dispatchers exposes Kafka dispatchers.
func (c *Container) Dispatchers() (*Dispatchers, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.dispatchers, nil
}

// Providers exposes external providers.
func (c *Container) Providers() (*Providers, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.providers, nil
}

// Locks exposes the distributed locks.
func (c *Container) Locks() (*Locks, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.locks, nil
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if d := c.components.dispatchers; d != nil {
		if err := d.CallDispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher close: %w", err))
		}
		if err := d.OutcomePublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("outcome publisher close: %w", err))
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	topics := []string{c.Config.Kafka.CallTopic, c.Config.Kafka.StatusTopic}
	return c.Kafka.EnsureTopics(ctx, topics, 1)
}
