// Package config loads the worker's settings from XWORLD_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Persistence modes.
const (
	PersistenceMemory  = "memory"
	PersistenceDurable = "durable"
)

// Config is the full runtime configuration of cmd/worldworker.
type Config struct {
	RegistryTTLSeconds int64 `env:"REGISTRY_TTL_SECONDS" envDefault:"604800"`
	CacheTTLMillis     int64 `env:"CACHE_TTL_MS"         envDefault:"600000"`
	CacheMaxSize       int   `env:"CACHE_MAX_SIZE"       envDefault:"10000"`

	PersistenceMode   string `env:"PERSISTENCE_MODE"   envDefault:"memory"`
	RegistryBackend   string `env:"REGISTRY_BACKEND"   envDefault:"redis"`
	DeadLetterBackend string `env:"DEADLETTER_BACKEND" envDefault:"postgres"`
	WorldBackend      string `env:"WORLD_BACKEND"      envDefault:"memory"`

	Transport      string        `env:"TRANSPORT"       envDefault:"memory"`
	Topic          string        `env:"TOPIC"           envDefault:"world-events"`
	Group          string        `env:"GROUP"           envDefault:"world-worker"`
	Concurrency    int           `env:"CONCURRENCY"     envDefault:"8"`
	MaxDeliveries  int           `env:"MAX_DELIVERIES"  envDefault:"5"`
	PoisonStream   string        `env:"POISON_STREAM"`
	ProcessTimeout time.Duration `env:"PROCESS_TIMEOUT" envDefault:"30s"`
	AckTimeout     time.Duration `env:"ACK_TIMEOUT"     envDefault:"5s"`

	RedisAddr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"       envDefault:"0"`

	DynamoRegion          string `env:"DYNAMO_REGION"           envDefault:"us-east-1"`
	DynamoEndpoint        string `env:"DYNAMO_ENDPOINT"`
	DynamoRegistryTable   string `env:"DYNAMO_REGISTRY_TABLE"   envDefault:"ProcessedEvents"`
	DynamoDeadLetterTable string `env:"DYNAMO_DEADLETTER_TABLE" envDefault:"DeadLetters"`

	PostgresDSN         string `env:"POSTGRES_DSN"`
	PostgresTablePrefix string `env:"POSTGRES_TABLE_PREFIX" envDefault:"xworld_"`

	HTTPAddr     string `env:"HTTP_ADDR"     envDefault:":8080"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	ServiceName  string `env:"SERVICE_NAME"  envDefault:"xworld-worker"`
	LogLevel     string `env:"LOG_LEVEL"     envDefault:"info"`
}

// Load parses the environment with the XWORLD_ prefix and validates the result.
func Load() (Config, error) {
	return LoadFrom(nil)
}

// LoadFrom parses vars instead of the process environment when vars is non-nil.
func LoadFrom(vars map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Prefix: "XWORLD_"}
	if vars != nil {
		opts.Environment = vars
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.PersistenceMode = strings.ToLower(strings.TrimSpace(c.PersistenceMode))
	c.RegistryBackend = strings.ToLower(strings.TrimSpace(c.RegistryBackend))
	c.DeadLetterBackend = strings.ToLower(strings.TrimSpace(c.DeadLetterBackend))
	c.WorldBackend = strings.ToLower(strings.TrimSpace(c.WorldBackend))
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
}

// RegistryTTL is the durable de-duplication window.
func (c Config) RegistryTTL() time.Duration {
	return time.Duration(c.RegistryTTLSeconds) * time.Second
}

// CacheTTL is the in-process de-duplication window.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMillis) * time.Millisecond
}

// Durable reports whether durable backends are selected.
func (c Config) Durable() bool { return c.PersistenceMode == PersistenceDurable }

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("config: %s %q must be one of %s", field, v, strings.Join(allowed, ", "))
}

func (c Config) Validate() error {
	var errs []error
	if c.RegistryTTLSeconds <= 0 {
		errs = append(errs, errors.New("config: REGISTRY_TTL_SECONDS must be > 0"))
	}
	if c.CacheTTLMillis <= 0 {
		errs = append(errs, errors.New("config: CACHE_TTL_MS must be > 0"))
	}
	if c.CacheMaxSize <= 0 {
		errs = append(errs, errors.New("config: CACHE_MAX_SIZE must be > 0"))
	}
	if err := oneOf("PERSISTENCE_MODE", c.PersistenceMode, PersistenceMemory, PersistenceDurable); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("TRANSPORT", c.Transport, "memory", "redis-streams"); err != nil {
		errs = append(errs, err)
	}
	if c.Topic == "" || c.Group == "" {
		errs = append(errs, errors.New("config: TOPIC and GROUP are required"))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, errors.New("config: CONCURRENCY must be > 0"))
	}
	if c.ProcessTimeout <= 0 || c.AckTimeout <= 0 {
		errs = append(errs, errors.New("config: PROCESS_TIMEOUT and ACK_TIMEOUT must be > 0"))
	}

	if c.Durable() {
		if err := oneOf("REGISTRY_BACKEND", c.RegistryBackend, "dynamo", "redis", "postgres"); err != nil {
			errs = append(errs, err)
		}
		if err := oneOf("DEADLETTER_BACKEND", c.DeadLetterBackend, "dynamo", "postgres"); err != nil {
			errs = append(errs, err)
		}
		if err := oneOf("WORLD_BACKEND", c.WorldBackend, "memory", "postgres"); err != nil {
			errs = append(errs, err)
		}
		if c.usesPostgres() && strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("config: POSTGRES_DSN is required for postgres backends"))
		}
	}
	return errors.Join(errs...)
}

func (c Config) usesPostgres() bool {
	return c.RegistryBackend == "postgres" || c.DeadLetterBackend == "postgres" || c.WorldBackend == "postgres"
}

// UsesPostgres reports whether any durable backend needs POSTGRES_DSN.
func (c Config) UsesPostgres() bool { return c.Durable() && c.usesPostgres() }

// UsesDynamo reports whether any durable backend needs a DynamoDB client.
func (c Config) UsesDynamo() bool {
	return c.Durable() && (c.RegistryBackend == "dynamo" || c.DeadLetterBackend == "dynamo")
}
