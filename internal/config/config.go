// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds settings shared by all binaries
type Config struct {
	Port              string   `mapstructure:"PORT"`
	Env               string   `mapstructure:"ENV"`
	LogLevel          string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL       string   `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32    `mapstructure:"DB_MAX_CONNS"`
	KafkaBrokers      []string `mapstructure:"KAFKA_BROKERS"`
	TopicReplication  int16    `mapstructure:"TOPIC_REPLICATION"`
	APIKeys           string   `mapstructure:"API_KEYS"`
	CORSOrigins       []string `mapstructure:"CORS_ORIGINS"`
	OTLPEndpoint      string   `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate   float64  `mapstructure:"TRACE_SAMPLE_RATE"`
	LowStockThreshold int      `mapstructure:"LOW_STOCK_THRESHOLD"`
	AlertWorkers      int      `mapstructure:"ALERT_WORKERS"`
	Timezone          string   `mapstructure:"TIMEZONE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "KAFKA_BROKERS",
	"TOPIC_REPLICATION", "API_KEYS", "CORS_ORIGINS", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"LOW_STOCK_THRESHOLD", "ALERT_WORKERS", "TIMEZONE",
}

// Load reads configuration from the environment and an optional .env file
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("TOPIC_REPLICATION", 1)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("TRACE_SAMPLE_RATE", 0.1)
	v.SetDefault("LOW_STOCK_THRESHOLD", 7)
	v.SetDefault("ALERT_WORKERS", 8)
	v.SetDefault("TIMEZONE", "UTC")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be between 0 and 1, got %v", c.TraceSampleRate)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.APIKeyMap(); err != nil {
		return err
	}
	return nil
}

// IsDev reports whether the service runs in development mode
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location loads the timezone used to decide what "today" is
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// APIKeyMap parses API_KEYS, a comma separated list of key:user pairs
func (c *Config) APIKeyMap() (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(c.APIKeys) {
		key, user, ok := strings.Cut(pair, ":")
		key, user = strings.TrimSpace(key), strings.TrimSpace(user)
		if !ok || key == "" || user == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must be key:user", pair)
		}
		out[key] = user
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
