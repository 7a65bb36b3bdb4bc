package cmd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"job-broker/config"
	"job-broker/core/broker"
	"job-broker/core/fleet"
	"job-broker/core/monitoring"
	"job-broker/core/repository"
	"job-broker/providers/aws"
	"job-broker/providers/salad"
)

// components are the stores and fleet selected by configuration
type components struct {
	db      *repository.DB
	redis   *redis.Client
	jobs    repository.JobStore
	bans    repository.BanStore
	rules   repository.RuleStore
	events  repository.EventStore
	fleet   fleet.Controller
	metrics *monitoring.Metrics
}

func (c *components) stores() broker.Stores {
	return broker.Stores{Jobs: c.jobs, Bans: c.bans, Events: c.events}
}

func (c *components) Close() {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			log.WithError(err).Warn("Failed to close redis client")
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			log.WithError(err).Warn("Failed to close database")
		}
	}
}

func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{metrics: monitoring.NewMetrics()}
	if err := c.buildStores(ctx, cfg); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.buildFleet(ctx, cfg); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *components) buildStores(ctx context.Context, cfg *config.Config) error {
	switch cfg.Store.Backend {
	case "postgres":
		db, err := repository.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
		if err != nil {
			return errors.Wrap(err, "failed to connect to database")
		}
		c.db = db
		c.jobs = repository.NewJobRepository(db)
		c.rules = repository.NewRuleRepository(db)
		c.events = repository.NewEventRepository(db)
		log.Info("Database connected successfully")
	default:
		log.Warn("Using in-memory stores, state is lost on restart")
		c.jobs = repository.NewMemoryJobStore()
		c.rules = repository.NewMemoryRuleStore()
		c.events = repository.NewMemoryEventStore()
	}

	switch cfg.Store.BanBackend {
	case "postgres":
		bans, err := repository.NewBanRepository(c.db, cfg.Store.BanCacheSize)
		if err != nil {
			return err
		}
		c.bans = bans
	case "redis":
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := c.redis.Ping(ctx).Err(); err != nil {
			return errors.Wrapf(err, "failed to connect to redis at %s", cfg.Redis.Addr)
		}
		c.bans = repository.NewRedisBanStore(c.redis, cfg.Redis.KeyPrefix)
	default:
		c.bans = repository.NewMemoryBanStore()
	}
	return nil
}

func (c *components) buildFleet(ctx context.Context, cfg *config.Config) error {
	var controller fleet.Controller
	switch cfg.Fleet.Provider {
	case "salad":
		client, err := salad.NewClient(salad.Settings{
			BaseURL:           cfg.Salad.BaseURL,
			APIKey:            cfg.Salad.APIKey,
			Organization:      cfg.Salad.Organization,
			Project:           cfg.Salad.Project,
			RequestsPerSecond: cfg.Fleet.RequestsPerSecond,
			CacheSize:         cfg.Salad.CacheSize,
		})
		if err != nil {
			return err
		}
		controller = client
	case "aws":
		client, err := aws.NewClient(ctx, aws.Settings{
			Region:       cfg.AWS.Region,
			AMIID:        cfg.AWS.AMIID,
			InstanceType: cfg.AWS.InstanceType,
			GroupTag:     cfg.AWS.GroupTag,
		})
		if err != nil {
			return err
		}
		controller = client
	default:
		log.Warn("Using the in-memory fleet, no instances will be managed")
		controller = fleet.NewMemoryController()
	}

	c.fleet = fleet.WithRetry(controller, fleet.RetryPolicy{
		Attempts: cfg.Fleet.RetryAttempts,
		Delay:    cfg.Fleet.RetryDelay,
	})
	return nil
}

func brokerConfig(cfg *config.Config) broker.Config {
	return broker.Config{
		MaxWorkerAttempts:        cfg.Broker.MaxWorkerAttempts,
		StaleMultiplier:          cfg.Broker.StaleMultiplier,
		DefaultMaxFailures:       cfg.Broker.DefaultMaxFailures,
		DefaultHeartbeatInterval: cfg.Broker.DefaultHeartbeatInterval,
		MaxBatchSubmit:           cfg.Broker.MaxBatchSubmit,
		AdminOwner:               cfg.Server.AdminOwner,
	}
}
