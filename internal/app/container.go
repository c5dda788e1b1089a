package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/dispatcher"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/infra/db"
	"github.com/acme/call-orchestrator/internal/infra/redis"
	"github.com/acme/call-orchestrator/internal/progress"
	"github.com/acme/call-orchestrator/internal/provider"
	providermock "github.com/acme/call-orchestrator/internal/provider/mock"
	"github.com/acme/call-orchestrator/internal/provider/voiceai"
	"github.com/acme/call-orchestrator/internal/queue"
	"github.com/acme/call-orchestrator/internal/reconciler"
	"github.com/acme/call-orchestrator/internal/repository"
	pgrepo "github.com/acme/call-orchestrator/internal/repository/postgres"
	scyllarepo "github.com/acme/call-orchestrator/internal/repository/scylla"
	campaignsvc "github.com/acme/call-orchestrator/internal/service/campaign"
	"github.com/acme/call-orchestrator/pkg/logger"
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
		repositories *repositories
		publishers   *publishers
		services     *services
		engine       *engine
		providers    *providers
	}
}

type repositories struct {
	Queue     repository.QueueRepository
	Calls     repository.CallRepository
	Campaigns repository.CampaignRepository
	Leads     repository.LeadRepository
	Progress  repository.ProgressRepository
	Archive   repository.EventArchive
}

type publishers struct {
	Events  *queue.EventPublisher
	Billing *queue.BillingPublisher
}

type services struct {
	Campaign *campaignsvc.Service
}

type engine struct {
	Reconciler *reconciler.Reconciler
	Dispatcher *dispatcher.Dispatcher
	Reporter   *progress.Reporter
}

type providers struct {
	Voice provider.Client
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
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{
			Queue:     pgrepo.NewQueueRepository(c.Postgres.DB()),
			Calls:     pgrepo.NewCallRepository(c.Postgres.DB()),
			Campaigns: pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Leads:     pgrepo.NewLeadRepository(c.Postgres.DB()),
			Progress:  pgrepo.NewProgressRepository(c.Postgres.DB()),
			Archive:   scyllarepo.NewEventArchive(c.Scylla.Session()),
		}

		pubs := &publishers{
			Events:  queue.NewEventPublisher(c.Kafka, c.Config.Kafka.CallEventTopic),
			Billing: queue.NewBillingPublisher(c.Kafka, c.Config.Kafka.BillingTopic),
		}

		defaultRetry := domain.RetryPolicy{
			MaxDailyRetries: c.Config.Retry.MaxDailyRetries,
			Mode:            c.Config.Retry.Mode,
			BaseDelay:       c.Config.Retry.BaseDelay,
			MaxDelay:        c.Config.Retry.MaxDelay,
		}

		svcs := &services{
			Campaign: campaignsvc.NewService(
				repos.Campaigns,
				repos.Queue,
				repos.Leads,
				defaultRetry,
				c.Config.Dispatcher.DefaultCapacity,
			),
		}

		voice := c.buildProvider()

		dedupe := reconciler.NewDedupe(c.Redis.Inner(), c.Config.Retry.DedupeTTL)
		rec := reconciler.New(
			repos.Calls,
			repos.Queue,
			repos.Campaigns,
			dedupe,
			repos.Archive,
			pubs.Events,
			pubs.Billing,
			c.Logger.Logger,
		)

		disp := dispatcher.New(
			repos.Queue,
			repos.Calls,
			repos.Campaigns,
			repos.Leads,
			repos.Progress,
			voice,
			repos.Archive,
			rec,
			c.Config.Dispatcher,
			c.Logger.Logger,
		)

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.services = svcs
		c.components.providers = &providers{Voice: voice}
		c.components.engine = &engine{
			Reconciler: rec,
			Dispatcher: disp,
			Reporter:   progress.NewReporter(repos.Progress, progress.DefaultRateWindow),
		}
	})
}

func (c *Container) buildProvider() provider.Client {
	if c.Config.Provider.Name == "mock" {
		return providermock.New()
	}
	return voiceai.New(
		c.Config.Provider.BaseURL,
		c.Config.Provider.APIKey,
		c.Config.Provider.RequestTimeout,
	)
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Publishers exposes Kafka publishers.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Engine exposes the dispatch/reconcile/progress components.
func (c *Container) Engine() *engine {
	c.initComponents()
	return c.components.engine
}

// Providers exposes external providers.
func (c *Container) Providers() *providers {
	c.initComponents()
	return c.components.providers
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	topics := []string{c.Config.Kafka.CallEventTopic, c.Config.Kafka.BillingTopic}
	return c.Kafka.EnsureTopics(ctx, topics, 12, 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil {
		if p.Events != nil {
			if err := p.Events.Close(); err != nil {
				errs = append(errs, fmt.Errorf("event publisher close: %w", err))
			}
		}
		if p.Billing != nil {
			if err := p.Billing.Close(); err != nil {
				errs = append(errs, fmt.Errorf("billing publisher close: %w", err))
			}
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
