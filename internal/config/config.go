// Package config loads and validates scrapeq configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. SCRAPEQ_SERVER_PORT.
const EnvPrefix = "SCRAPEQ"

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Event transports.
const (
	TransportMemory = "memory"
	TransportPubSub = "pubsub"
	TransportAMQP   = "amqp"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	Logging   LoggingConfig     `mapstructure:"logging"`
	Leases    LeaseConfig       `mapstructure:"leases"`
	Delivery  DeliveryConfig    `mapstructure:"delivery"`
	Storage   StorageConfig     `mapstructure:"storage"`
	DB        DBConfig          `mapstructure:"db"`
	Events    EventsConfig      `mapstructure:"events"`
	Parser    ParserConfig      `mapstructure:"parser"`
	Progress  ProgressConfig    `mapstructure:"progress"`
	Telemetry TelemetryConfig   `mapstructure:"telemetry"`
	Secrets   map[string]string `mapstructure:"secrets"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// LeaseConfig drives the lease coordinator and the lease endpoint.
type LeaseConfig struct {
	Duration       time.Duration `mapstructure:"duration"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	CandidateLimit int           `mapstructure:"candidate_limit"`
	MaxBatch       int           `mapstructure:"max_batch"`
	// MaxAttempts fails a job after its lease expired this many times. Zero disables.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// DeliveryConfig drives the webhook delivery worker.
type DeliveryConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// RateLimitRPS caps requests per second to each consumer host. Zero disables.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// StorageConfig selects where raw and parsed content is written.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem blob store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DBConfig controls access to Postgres. An empty DSN keeps every store in memory.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// AutoMigrate applies the schema when serve starts.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// EventsConfig selects the transport carrying deliver and parse messages.
type EventsConfig struct {
	Transport string `mapstructure:"transport"`
	Buffer    int    `mapstructure:"buffer"`
	Consumers int    `mapstructure:"consumers"`
	// Redelivery pacing for the in-memory transport.
	RedeliveryBase time.Duration `mapstructure:"redelivery_base"`
	RedeliveryMax  time.Duration `mapstructure:"redelivery_max"`
	PubSub         PubSubConfig  `mapstructure:"pubsub"`
	AMQP           AMQPConfig    `mapstructure:"amqp"`
}

// PubSubConfig holds the Google Cloud Pub/Sub topic and subscription.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// AMQPConfig holds the RabbitMQ connection and topology.
type AMQPConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	Queue      string `mapstructure:"queue"`
	RoutingKey string `mapstructure:"routing_key"`
	Prefetch   int    `mapstructure:"prefetch"`
}

// ParserConfig points at the optional content parser. An empty endpoint disables parsing.
type ParserConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ProgressConfig tunes the lifecycle event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// TelemetryConfig describes the OpenTelemetry resource and sampling.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from an optional dotenv file, an optional config file,
// and SCRAPEQ_* environment variables. A missing dotenv file is ignored.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.max_body_bytes", 10<<20)
	v.SetDefault("logging.development", true)
	v.SetDefault("leases.duration", 5*time.Minute)
	v.SetDefault("leases.sweep_interval", 15*time.Second)
	v.SetDefault("leases.candidate_limit", 10)
	v.SetDefault("leases.max_batch", 5)
	v.SetDefault("leases.max_attempts", 5)
	v.SetDefault("delivery.timeout", 30*time.Second)
	v.SetDefault("delivery.max_attempts", 3)
	v.SetDefault("delivery.backoff_base", 60*time.Second)
	v.SetDefault("delivery.backoff_max", 0)
	v.SetDefault("delivery.concurrency", 8)
	v.SetDefault("delivery.poll_interval", time.Second)
	v.SetDefault("delivery.rate_limit_rps", 0)
	v.SetDefault("delivery.rate_limit_burst", 1)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "artifacts")
	v.SetDefault("storage.local.base_dir", "data/blobs")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 0)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", 0)
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("events.transport", TransportMemory)
	v.SetDefault("events.buffer", 1024)
	v.SetDefault("events.consumers", 4)
	v.SetDefault("events.redelivery_base", 100*time.Millisecond)
	v.SetDefault("events.redelivery_max", 30*time.Second)
	v.SetDefault("events.pubsub.project_id", "")
	v.SetDefault("events.pubsub.topic", "scrapeq-events")
	v.SetDefault("events.pubsub.subscription", "scrapeq-events-sub")
	v.SetDefault("events.amqp.url", "")
	v.SetDefault("events.amqp.exchange", "scrapeq")
	v.SetDefault("events.amqp.queue", "scrapeq.events")
	v.SetDefault("events.amqp.routing_key", "events")
	v.SetDefault("events.amqp.prefetch", 16)
	v.SetDefault("parser.endpoint", "")
	v.SetDefault("parser.timeout", 30*time.Second)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait", time.Second)
	v.SetDefault("progress.sink_timeout", 2*time.Second)
	v.SetDefault("telemetry.service_name", "scrapeq")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Leases.Duration <= 0 {
		return fmt.Errorf("leases.duration must be > 0")
	}
	if c.Leases.SweepInterval <= 0 {
		return fmt.Errorf("leases.sweep_interval must be > 0")
	}
	if c.Leases.MaxAttempts < 0 {
		return fmt.Errorf("leases.max_attempts must be >= 0")
	}
	if c.Delivery.Timeout <= 0 {
		return fmt.Errorf("delivery.timeout must be > 0")
	}
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("delivery.max_attempts must be > 0")
	}
	if c.Delivery.BackoffBase <= 0 {
		return fmt.Errorf("delivery.backoff_base must be > 0")
	}
	if c.Delivery.Concurrency <= 0 {
		return fmt.Errorf("delivery.concurrency must be > 0")
	}
	if c.Delivery.RateLimitRPS < 0 {
		return fmt.Errorf("delivery.rate_limit_rps must be >= 0")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Events.Transport {
	case TransportMemory:
		if c.Events.RedeliveryBase <= 0 {
			return fmt.Errorf("events.redelivery_base must be > 0")
		}
	case TransportPubSub:
		if c.Events.PubSub.ProjectID == "" || c.Events.PubSub.Topic == "" {
			return fmt.Errorf("events.pubsub.project_id and events.pubsub.topic are required for pubsub")
		}
	case TransportAMQP:
		if c.Events.AMQP.URL == "" {
			return fmt.Errorf("events.amqp.url is required for amqp")
		}
	default:
		return fmt.Errorf("unknown events.transport %q", c.Events.Transport)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Parser.Endpoint != "" && c.Parser.Timeout <= 0 {
		return fmt.Errorf("parser.timeout must be > 0 when parser.endpoint is set")
	}
	return nil
}

// ParserEnabled reports whether submitted content is sent to a parser.
func (c Config) ParserEnabled() bool {
	return c.Parser.Endpoint != ""
}
