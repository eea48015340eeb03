// Package config loads grantledger configuration.
//
// Values come from three layers, later layers winning: built-in defaults, an
// optional YAML file, then GRANTLEDGER_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds process configuration.
type Config struct {
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"` // text or json

	Store       StoreConfig       `yaml:"store" envPrefix:"STORE_"`
	Idempotency IdempotencyConfig `yaml:"idempotency" envPrefix:"IDEMPOTENCY_"`
	Service     ServiceConfig     `yaml:"service" envPrefix:"SERVICE_"`
	Evidence    EvidenceConfig    `yaml:"evidence" envPrefix:"EVIDENCE_"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// StoreConfig selects the event log backend.
type StoreConfig struct {
	// Driver is memory, postgres, pgx or sqlite.
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

// IdempotencyConfig selects the register backend.
type IdempotencyConfig struct {
	// Backend is memory, sql (shares the event log database) or redis.
	Backend       string        `yaml:"backend" env:"BACKEND"`
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
	RedisPrefix   string        `yaml:"redis_prefix" env:"REDIS_PREFIX"`
	LeaseTTL      time.Duration `yaml:"lease_ttl" env:"LEASE_TTL"`
	WaitTimeout   time.Duration `yaml:"wait_timeout" env:"WAIT_TIMEOUT"`
	Retention     time.Duration `yaml:"retention" env:"RETENTION"`
}

// ServiceConfig tunes command handling and the background loops.
type ServiceConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	ProjectionPoll time.Duration `yaml:"projection_poll" env:"PROJECTION_POLL"`
	RelayPoll      time.Duration `yaml:"relay_poll" env:"RELAY_POLL"`
	ChecklistPath  string        `yaml:"checklist_path" env:"CHECKLIST_PATH"`
}

// EvidenceConfig selects where evidence references are checked.
type EvidenceConfig struct {
	// Kind is none, file, s3 or gcs.
	Kind     string `yaml:"kind" env:"KIND"`
	Root     string `yaml:"root" env:"ROOT"`
	Bucket   string `yaml:"bucket" env:"BUCKET"`
	Region   string `yaml:"region" env:"REGION"`
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	Insecure    bool    `yaml:"insecure" env:"INSECURE"`
	SampleRate  float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Environment string  `yaml:"environment" env:"ENVIRONMENT"`
}

// Default returns an in-memory, single-process configuration.
func Default() Config {
	return Config{
		LogLevel:  "INFO",
		LogFormat: "text",
		Store:     StoreConfig{Driver: "memory"},
		Idempotency: IdempotencyConfig{
			Backend:     "memory",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "grantledger:idem:",
			LeaseTTL:    30 * time.Second,
			WaitTimeout: 10 * time.Second,
		},
		Service: ServiceConfig{
			MaxAttempts:    5,
			ProjectionPoll: 250 * time.Millisecond,
			RelayPoll:      time.Second,
		},
		Evidence: EvidenceConfig{Kind: "none"},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
			Environment: "development",
		},
	}
}

// Load applies the YAML file at path (if non-empty) and then the
// environment over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "GRANTLEDGER_"}); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects unknown backend names and impossible tunings.
func (c Config) Validate() error {
	if !oneOf(c.Store.Driver, "memory", "postgres", "pgx", "sqlite") {
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("config: store driver %s needs a dsn", c.Store.Driver)
	}
	if !oneOf(c.Idempotency.Backend, "memory", "sql", "redis") {
		return fmt.Errorf("config: unknown idempotency backend %q", c.Idempotency.Backend)
	}
	if c.Idempotency.Backend == "sql" && c.Store.Driver == "memory" {
		return fmt.Errorf("config: sql idempotency backend needs a sql store driver")
	}
	if !oneOf(c.Evidence.Kind, "none", "file", "s3", "gcs") {
		return fmt.Errorf("config: unknown evidence kind %q", c.Evidence.Kind)
	}
	if c.Service.MaxAttempts < 1 {
		return fmt.Errorf("config: max_attempts must be at least 1")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("config: log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
