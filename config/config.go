/*
Package config loads server settings from the environment.

PURPOSE:
  One Config struct for cmd/server. Values come from, in increasing
  precedence: defaults, an optional .env file, environment variables.

VARIABLES:
  SERVER_PORT            HTTP port (8080)
  STORE_DRIVER           memory | sqlite | postgres (sqlite)
  SQLITE_PATH            SQLite file (billing.db)
  DATABASE_URL           Postgres URL, required for postgres
  RABBITMQ_URL           AMQP URL, empty disables invoice publishing
  INVOICE_EXCHANGE       topic exchange for invoice events (billing.invoices)
  FEATURED_PRODUCT_NAME  product whose purchase features a story (FeaturedPost)
  LOG_LEVEL              debug | info | warn | error (info)
  LOG_FORMAT             text | json (text)
  CORS_ALLOWED_ORIGINS   comma separated origins (*)
  SEED_ON_START          load the demo catalog at startup (false)
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	ServerPort          string `mapstructure:"SERVER_PORT"`
	StoreDriver         string `mapstructure:"STORE_DRIVER"`
	SQLitePath          string `mapstructure:"SQLITE_PATH"`
	DatabaseURL         string `mapstructure:"DATABASE_URL"`
	RabbitMQURL         string `mapstructure:"RABBITMQ_URL"`
	InvoiceExchange     string `mapstructure:"INVOICE_EXCHANGE"`
	FeaturedProductName string `mapstructure:"FEATURED_PRODUCT_NAME"`
	LogLevel            string `mapstructure:"LOG_LEVEL"`
	LogFormat           string `mapstructure:"LOG_FORMAT"`
	CORSAllowedOrigins  string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	SeedOnStart         bool   `mapstructure:"SEED_ON_START"`
}

var defaults = map[string]any{
	"SERVER_PORT":           "8080",
	"STORE_DRIVER":          DriverSQLite,
	"SQLITE_PATH":           "billing.db",
	"DATABASE_URL":          "",
	"RABBITMQ_URL":          "",
	"INVOICE_EXCHANGE":      "billing.invoices",
	"FEATURED_PRODUCT_NAME": "FeaturedPost",
	"LOG_LEVEL":             "info",
	"LOG_FORMAT":            "text",
	"CORS_ALLOWED_ORIGINS":  "*",
	"SEED_ON_START":         false,
}

// Load reads path/.env if present, then the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.ServerPort == "" {
		return errors.New("SERVER_PORT is required")
	}
	return nil
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
