package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Transport selects the event bus implementation.
const (
	TransportJetStream = "jetstream"
	TransportLocal     = "local"
)

// Config holds all application configuration, loaded from INTENTFLOW_* variables.
type Config struct {
	Transport string `env:"INTENTFLOW_TRANSPORT" envDefault:"jetstream"`

	// Empty PostgresDSN selects the in-memory event store.
	PostgresDSN   string `env:"INTENTFLOW_POSTGRES_DSN"`
	MigrationsDir string `env:"INTENTFLOW_MIGRATIONS_DIR" envDefault:"migrations"`
	// With MigrateOnStart off the schema must already be current.
	MigrateOnStart bool `env:"INTENTFLOW_MIGRATE_ON_START" envDefault:"true"`

	NATSURL       string        `env:"INTENTFLOW_NATS_URL" envDefault:"nats://localhost:4222"`
	StreamName    string        `env:"INTENTFLOW_STREAM_NAME" envDefault:"PLATFORM_EVENTS"`
	StreamMaxAge  time.Duration `env:"INTENTFLOW_STREAM_MAX_AGE" envDefault:"24h"`
	MaxReconnects int           `env:"INTENTFLOW_NATS_MAX_RECONNECTS" envDefault:"60"`

	// Empty RedisAddr disables the cache mirror and uses the in-memory replay buffer.
	RedisAddr     string `env:"INTENTFLOW_REDIS_ADDR"`
	RedisPassword string `env:"INTENTFLOW_REDIS_PASSWORD"`
	RedisDB       int    `env:"INTENTFLOW_REDIS_DB" envDefault:"0"`

	HTTPAddr    string `env:"INTENTFLOW_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr    string `env:"INTENTFLOW_GRPC_ADDR" envDefault:":9090"`
	MetricsAddr string `env:"INTENTFLOW_METRICS_ADDR" envDefault:":9091"`
	LogLevel    string `env:"INTENTFLOW_LOG_LEVEL" envDefault:"info"`

	PublishTimeout time.Duration `env:"INTENTFLOW_PUBLISH_TIMEOUT" envDefault:"5s"`
	AckWait        time.Duration `env:"INTENTFLOW_ACK_WAIT" envDefault:"30s"`
	NakDelay       time.Duration `env:"INTENTFLOW_NAK_DELAY" envDefault:"5s"`
	MaxDeliver     int           `env:"INTENTFLOW_MAX_DELIVER" envDefault:"5"`
	HandlerTimeout time.Duration `env:"INTENTFLOW_HANDLER_TIMEOUT" envDefault:"5m"`

	BufferMaxLen    int64         `env:"INTENTFLOW_BUFFER_MAX_LEN" envDefault:"10000"`
	BufferRetention time.Duration `env:"INTENTFLOW_BUFFER_RETENTION" envDefault:"24h"`
	DedupTTL        time.Duration `env:"INTENTFLOW_DEDUP_TTL" envDefault:"24h"`
	LRUCapacity     int           `env:"INTENTFLOW_LRU_CAPACITY" envDefault:"100000"`

	MaxSlippage    decimal.Decimal `env:"INTENTFLOW_MAX_SLIPPAGE" envDefault:"0.05"`
	MaxNotionalUSD decimal.Decimal `env:"INTENTFLOW_MAX_NOTIONAL_USD" envDefault:"10000"`

	MaxQueueSize    int  `env:"INTENTFLOW_MAX_QUEUE_SIZE" envDefault:"10000"`
	PipelineWorkers int  `env:"INTENTFLOW_PIPELINE_WORKERS" envDefault:"4"`
	AuditRejections bool `env:"INTENTFLOW_AUDIT_REJECTIONS" envDefault:"false"`

	VenuePollInterval time.Duration `env:"INTENTFLOW_VENUE_POLL_INTERVAL" envDefault:"200ms"`
	VenueTimeout      time.Duration `env:"INTENTFLOW_VENUE_TIMEOUT" envDefault:"30s"`
	// PaperFeeBps is charged by the in-memory paper venues.
	PaperFeeBps int64 `env:"INTENTFLOW_PAPER_FEE_BPS" envDefault:"5"`

	ShutdownTimeout time.Duration `env:"INTENTFLOW_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the platform cannot start with.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportJetStream, TransportLocal:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if !c.MaxSlippage.IsPositive() || c.MaxSlippage.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: max slippage must be in (0, 1], got %s", c.MaxSlippage)
	}
	if !c.MaxNotionalUSD.IsPositive() {
		return fmt.Errorf("config: max notional must be positive, got %s", c.MaxNotionalUSD)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("config: max queue size must be positive, got %d", c.MaxQueueSize)
	}
	if c.MaxDeliver <= 0 {
		return fmt.Errorf("config: max deliver must be positive, got %d", c.MaxDeliver)
	}
	if c.PublishTimeout <= 0 || c.AckWait <= 0 {
		return fmt.Errorf("config: publish timeout and ack wait must be positive")
	}
	if c.BufferRetention <= 0 || c.DedupTTL <= 0 {
		return fmt.Errorf("config: buffer retention and dedup ttl must be positive")
	}
	if c.HandlerTimeout <= 0 {
		return fmt.Errorf("config: handler timeout must be positive, got %s", c.HandlerTimeout)
	}
	if c.PipelineWorkers <= 0 {
		return fmt.Errorf("config: pipeline workers must be positive, got %d", c.PipelineWorkers)
	}
	return nil
}
