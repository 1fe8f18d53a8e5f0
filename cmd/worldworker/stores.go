package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xworld"
	"github.com/trickstertwo/xworld/adapter/dynamo"
	"github.com/trickstertwo/xworld/adapter/postgres"
	"github.com/trickstertwo/xworld/adapter/redisstore"
	"github.com/trickstertwo/xworld/config"
	"github.com/trickstertwo/xworld/deadletter"
	"github.com/trickstertwo/xworld/idempotency"
	"github.com/trickstertwo/xworld/world"
)

// deadLetterStore is what the worker needs from a dead-letter backend.
type deadLetterStore interface {
	xworld.DeadLetterStore
	deadletter.Lister
}

// worldStore is what the handlers need from a world backend.
type worldStore interface {
	world.ExitRepository
	world.LayerRepository
}

// stores holds the backends chosen for one process.
type stores struct {
	registry    xworld.IdempotencyStore
	deadLetters deadLetterStore
	world       worldStore

	closers []func() error
}

func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// openStores resolves the persistence mode once at startup.
func openStores(ctx context.Context, cfg config.Config, clock xclock.Clock, logger *xlog.Logger) (*stores, error) {
	s := &stores{}
	if !cfg.Durable() {
		s.registry = idempotency.NewMemoryStore(clock.Now)
		s.deadLetters = deadletter.NewMemoryStore()
		s.world = world.NewMemoryStore()
		logger.Info().Str("mode", config.PersistenceMemory).Msg("stores ready")
		return s, nil
	}

	var (
		pg  *postgres.DB
		ddb dynamo.API
		err error
	)
	if cfg.UsesPostgres() {
		pg, err = postgres.Open(cfg.PostgresDSN, postgres.WithTablePrefix(cfg.PostgresTablePrefix))
		if err != nil {
			return nil, err
		}
		if err := pg.Ping(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		s.closers = append(s.closers, pg.Close)
	}
	if cfg.UsesDynamo() {
		ddb, err = dynamo.NewClient(ctx, dynamo.ClientConfig{Region: cfg.DynamoRegion, Endpoint: cfg.DynamoEndpoint})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("dynamo: %w", err)
		}
	}

	switch cfg.RegistryBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			_ = s.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		s.registry = redisstore.New(client, redisstore.WithRetention(cfg.RegistryTTL()), redisstore.WithNow(clock.Now))
	case "dynamo":
		reg, err := dynamo.NewRegistry(ddb, cfg.DynamoRegistryTable)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.registry = reg.WithNow(clock.Now)
	case "postgres":
		s.registry = pg.Registry().WithNow(clock.Now)
	}

	switch cfg.DeadLetterBackend {
	case "dynamo":
		dl, err := dynamo.NewDeadLetterStore(ddb, cfg.DynamoDeadLetterTable)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.deadLetters = dl
	case "postgres":
		s.deadLetters = pg.DeadLetters()
	}

	switch cfg.WorldBackend {
	case "postgres":
		s.world = pg.World()
	default:
		s.world = world.NewMemoryStore()
	}

	logger.Info().
		Str("mode", config.PersistenceDurable).
		Str("registry", cfg.RegistryBackend).
		Str("deadletters", cfg.DeadLetterBackend).
		Str("world", cfg.WorldBackend).
		Msg("stores ready")
	return s, nil
}
