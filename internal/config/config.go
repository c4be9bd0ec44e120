// Package config loads the environment-enumerated settings from spec §6
// into a typed struct via caarlos0/env, with a godotenv convenience load
// for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/holoforge/scenecast/internal/errs"
)

// Config holds every environment-enumerated setting from spec §6.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if unset
type Config struct {
	BusURL       string `env:"BUS_URL" envDefault:"nats://localhost:4222"`
	DatabaseURL  string `env:"DATABASE_URL" envDefault:""`
	Bucket       string `env:"BUCKET" envDefault:""`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	ServiceName  string `env:"SERVICE_NAME" envDefault:"scenecast"`

	WorkerConcurrency int `env:"WORKER_CONCURRENCY" envDefault:"0"` // 0 => runtime.NumCPU()
	GeneratorMaxMs    int `env:"GENERATOR_MAX_MS" envDefault:"10000"`
	DedupWindowMs     int `env:"DEDUP_WINDOW_MS" envDefault:"300000"` // jobID dedup window (spec §3)

	RequestReplyTimeoutMs int `env:"REQUEST_REPLY_TIMEOUT_MS" envDefault:"30000"`

	FPSTarget          int   `env:"FPS_TARGET" envDefault:"30"`
	BroadcastQueueCap  int   `env:"BROADCAST_QUEUE_CAP" envDefault:"16"`
	WSBacklogSoftBytes int64 `env:"WS_BACKLOG_SOFT_BYTES" envDefault:"4194304"`
	WSBacklogHardBytes int64 `env:"WS_BACKLOG_HARD_BYTES" envDefault:"16777216"`

	SnapshotIntervalMs int `env:"SNAPSHOT_INTERVAL_MS" envDefault:"300000"`

	PromPort   int  `env:"PROM_PORT" envDefault:"9617"`
	ExportProm bool `env:"EXPORT_PROM" envDefault:"true"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"` // memory|sql

	// WS gateway connection caps (spec §4.7).
	MaxConnsPerIP     int `env:"WS_MAX_CONNS_PER_IP" envDefault:"32"`
	MaxConnsPerTenant int `env:"WS_MAX_CONNS_PER_TENANT" envDefault:"256"`

	// Auth (C8 TokenVerifier).
	JWTSigningKey string `env:"JWT_SIGNING_KEY" envDefault:""`

	// Shutdown budgets (spec §4.9), expressed in ms for env-friendliness.
	BroadcastDrainMs int `env:"SHUTDOWN_BROADCAST_DRAIN_MS" envDefault:"2000"`
	WorkerDrainMs    int `env:"SHUTDOWN_WORKER_DRAIN_MS" envDefault:"10000"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present, tried from three
// candidate working directories like the teacher's cmd/*/main.go) and then
// from the environment, which always wins.
func Load() (*Config, error) {
	_ = godotenv.Load()
	_ = godotenv.Load("../.env")
	_ = godotenv.Load("../../.env")

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "config: parse environment")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would make startup unsafe.
func (c *Config) Validate() error {
	if c.BusURL == "" {
		return errs.New(errs.Fatal, "config: BUS_URL is required")
	}
	if c.StoreBackend != "memory" && c.StoreBackend != "sql" {
		return errs.New(errs.Fatal, fmt.Sprintf("config: unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if c.StoreBackend == "sql" && c.DatabaseURL == "" {
		return errs.New(errs.Fatal, "config: DATABASE_URL is required when STORE_BACKEND=sql")
	}
	if c.FPSTarget <= 0 {
		return errs.New(errs.Fatal, "config: FPS_TARGET must be positive")
	}
	if c.BroadcastQueueCap <= 0 {
		return errs.New(errs.Fatal, "config: BROADCAST_QUEUE_CAP must be positive")
	}
	return nil
}

// TickInterval returns the broadcast loop's tick period (1000/FPS ms).
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.FPSTarget)
}

func (c *Config) GeneratorMax() time.Duration {
	return time.Duration(c.GeneratorMaxMs) * time.Millisecond
}

func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMs) * time.Millisecond
}

func (c *Config) RequestReplyTimeout() time.Duration {
	return time.Duration(c.RequestReplyTimeoutMs) * time.Millisecond
}

func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalMs) * time.Millisecond
}

func (c *Config) BroadcastDrain() time.Duration {
	return time.Duration(c.BroadcastDrainMs) * time.Millisecond
}

func (c *Config) WorkerDrain() time.Duration {
	return time.Duration(c.WorkerDrainMs) * time.Millisecond
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
