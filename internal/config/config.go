// Package config loads process configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/lalithlochan/noti/internal/interval"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	DeliveryDiscord = "discord"
	DeliverySNS     = "sns"
	DeliveryLog     = "log"
)

type Config struct {
	Env      string `envconfig:"ENV" default:"development" validate:"oneof=development production test"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Port     int    `envconfig:"PORT" default:"8080" validate:"min=1,max=65535"`

	// Store
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres" validate:"oneof=postgres sqlite"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBHost      string `envconfig:"DB_HOST" default:"localhost"`
	DBPort      int    `envconfig:"DB_PORT" default:"5432"`
	DBUser      string `envconfig:"DB_USER" default:"noti"`
	DBPassword  string `envconfig:"DB_PASSWORD"`
	DBName      string `envconfig:"DB_NAME" default:"noti"`
	DBSSLMode   string `envconfig:"DB_SSLMODE" default:"disable"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"./data/noti.db" validate:"required_if=StoreDriver sqlite"`

	// Redis is optional; without it there is no cross-process occurrence
	// guard and no API rate limit.
	RedisURL      string `envconfig:"REDIS_URL"`
	RedisHost     string `envconfig:"REDIS_HOST"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// AWS
	AWSRegion    string `envconfig:"AWS_REGION" default:"us-east-1"`
	AWSEndpoint  string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
	SNSTopicARN  string `envconfig:"SNS_TOPIC_ARN" validate:"required_if=Delivery sns"`
	SQSQueueURL  string `envconfig:"SQS_QUEUE_URL" validate:"omitempty,url"`
	SESFromEmail string `envconfig:"SES_FROM_EMAIL" validate:"omitempty,email"`
	SESToEmail   string `envconfig:"SES_ALERT_EMAIL" validate:"omitempty,email"`

	// Discord
	Delivery       string  `envconfig:"DELIVERY_BACKEND" default:"discord" validate:"oneof=discord sns log"`
	DiscordToken   string  `envconfig:"DISCORD_TOKEN" validate:"required_if=Delivery discord"`
	DiscordAPIBase string  `envconfig:"DISCORD_API_BASE" default:"https://discord.com/api/v10" validate:"url"`
	DiscordRPS     float64 `envconfig:"DISCORD_RPS" default:"10" validate:"gte=0"`
	WebhookName    string  `envconfig:"WEBHOOK_NAME" default:"NotiWebhook" validate:"required,max=80"`

	// Scheduling. The interval-typed values accept "2min", "5sec", "1h" and so on.
	DeliverLate     interval.Interval `envconfig:"DELIVER_LATE" default:"2min"`
	PrefetchBuffer  interval.Interval `envconfig:"PREFETCH_BUFFER" default:"5sec"`
	RefreshMappings interval.Interval `envconfig:"REFRESH_MAPPINGS" default:"5min"`
	RefreshPause    time.Duration     `envconfig:"REFRESH_PAUSE" default:"2s" validate:"gte=0"`
	RetryBackoff    time.Duration     `envconfig:"RETRY_BACKOFF" default:"5s" validate:"gt=0"`

	// Admin API rate limit, per guild
	RateLimit       int           `envconfig:"API_RATE_LIMIT" default:"60" validate:"gte=0"`
	RateLimitWindow time.Duration `envconfig:"API_RATE_WINDOW" default:"1m" validate:"gt=0"`
}

// Load reads configuration from the environment. Values in a .env file in the
// working directory are used only when the variable is not already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	for name, iv := range map[string]interval.Interval{
		"DELIVER_LATE":     cfg.DeliverLate,
		"PREFETCH_BUFFER":  cfg.PrefetchBuffer,
		"REFRESH_MAPPINGS": cfg.RefreshMappings,
	} {
		if !iv.Valid() {
			return nil, fmt.Errorf("invalid configuration: %s must be a positive interval", name)
		}
	}

	return &cfg, nil
}

// RedisEnabled reports whether any Redis location was configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisURL != "" || c.RedisHost != ""
}

// AlertsEnabled reports whether operator alert emails can be sent.
func (c *Config) AlertsEnabled() bool {
	return c.SESFromEmail != "" && c.SESToEmail != ""
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
