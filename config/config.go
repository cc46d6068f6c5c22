package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App           AppConfig
	Server        ServerConfig
	Postgres      PostgresConfig
	Redis         RedisConfig
	AI            AIConfig
	Gateway       GatewayConfig
	Usage         UsageConfig
	Kafka         KafkaConfig
	ClickHouse    ClickHouseConfig
	Telemetry     TelemetryConfig
	ErrorTracking ErrorTrackingConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"ai-usage-gateway"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	RunSeed  bool   `envconfig:"RUN_SEED" default:"false"`
	SeedFile string `envconfig:"SEED_FILE" default:"seed.yaml"`
}

type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
}

type PostgresConfig struct {
	DSN string `envconfig:"POSTGRES_DSN"`
}

type RedisConfig struct {
	Addr string `envconfig:"REDIS_ADDR"`
}

// AIConfig holds vendor credentials. An empty key leaves that adapter unregistered,
// and routes naming it resolve to a configuration error.
type AIConfig struct {
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY"`
	GeminiAPIKey    string `envconfig:"GEMINI_API_KEY"`
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY"`

	// Requests per minute per provider across all gateway instances; 0 disables the budget.
	ProviderRPM int `envconfig:"PROVIDER_RPM" default:"0"`
}

type GatewayConfig struct {
	ProviderTimeout time.Duration `envconfig:"GATEWAY_PROVIDER_TIMEOUT" default:"60s"`
	RoutingLocalTTL time.Duration `envconfig:"ROUTING_LOCAL_TTL" default:"30s"`
	RoutingRedisTTL time.Duration `envconfig:"ROUTING_REDIS_TTL" default:"5m"`
	QuotaTimezone   string        `envconfig:"QUOTA_TIMEZONE" default:"UTC"`
}

type UsageConfig struct {
	QueueSize     int           `envconfig:"USAGE_QUEUE_SIZE" default:"1024"`
	Workers       int           `envconfig:"USAGE_WORKERS" default:"2"`
	AppendTimeout time.Duration `envconfig:"USAGE_APPEND_TIMEOUT" default:"5s"`
	MaxAttempts   int           `envconfig:"USAGE_MAX_ATTEMPTS" default:"3"`
	// AnalyticsSink is one of "none", "kafka", "clickhouse".
	AnalyticsSink string `envconfig:"USAGE_ANALYTICS_SINK" default:"none"`
}

type KafkaConfig struct {
	Brokers []string `envconfig:"KAFKA_BROKERS"`
	Topic   string   `envconfig:"KAFKA_USAGE_TOPIC" default:"ai.usage.events"`
}

type ClickHouseConfig struct {
	Addr     string `envconfig:"CLICKHOUSE_ADDR" default:"localhost:9000"`
	User     string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD"`
	Database string `envconfig:"CLICKHOUSE_DB" default:"analytics"`
}

type TelemetryConfig struct {
	ExporterType     string `envconfig:"OTEL_EXPORTER_TYPE" default:"stdout"` // "stdout" or "otlp"
	ExporterEndpoint string `envconfig:"OTEL_EXPORTER_ENDPOINT" default:"localhost:4317"`
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"false"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if _, err := time.LoadLocation(c.Gateway.QuotaTimezone); err != nil {
		return fmt.Errorf("invalid QUOTA_TIMEZONE: %w", err)
	}

	switch c.Usage.AnalyticsSink {
	case "none", "clickhouse":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when USAGE_ANALYTICS_SINK=kafka")
		}
	default:
		return fmt.Errorf("invalid USAGE_ANALYTICS_SINK %q", c.Usage.AnalyticsSink)
	}

	if c.ErrorTracking.Enabled && c.ErrorTracking.SentryDSN == "" {
		return fmt.Errorf("SENTRY_DSN is required when ERROR_TRACKING_ENABLED=true")
	}
	return nil
}
