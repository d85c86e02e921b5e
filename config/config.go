// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the data service. Every field is
// optional except that at least one token source must resolve at startup
// (enforced by the token loader, not here).
type Config struct {
	// Upstream accounts and tokens.
	AccountIDs           string `mapstructure:"UPSTOX_ACCOUNT_IDS"`
	AccessToken          string `mapstructure:"UPSTOX_ACCESS_TOKEN"`
	AccessTokenSecondary string `mapstructure:"UPSTOX_ACCESS_TOKEN_SECONDARY"`
	TokenServiceURL      string `mapstructure:"TOKEN_SERVICE_URL" validate:"omitempty,url"`
	UpstoxBaseURL        string `mapstructure:"UPSTOX_BASE_URL" validate:"required,url"`

	// Infrastructure.
	RedisHost     string `mapstructure:"REDIS_HOST" validate:"required"`
	RedisPort     int    `mapstructure:"REDIS_PORT" validate:"gt=0,lte=65535"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`

	// HTTP / WS server.
	HTTPPort int `mapstructure:"DATA_SERVICE_PORT" validate:"gt=0,lte=65535"`

	// Initial upstream subscription set (comma-separated instrument keys).
	Instruments string `mapstructure:"UPSTOX_INSTRUMENT_KEYS"`

	HistoryWorkers int    `mapstructure:"HISTORY_WORKERS" validate:"gt=0"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
}

// DefaultInstruments is the subscription set used when UPSTOX_INSTRUMENT_KEYS
// is not provided.
var DefaultInstruments = []string{
	"NSE_INDEX|Nifty 50",
	"NSE_INDEX|Nifty Bank",
	"NSE_EQ|INE020B01018",
	"NSE_EQ|INE467B01029",
}

// Load reads the environment via viper and validates the result.
// Invalid configuration fails fast at startup.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("UPSTOX_ACCOUNT_IDS", "")
	v.SetDefault("UPSTOX_ACCESS_TOKEN", "")
	v.SetDefault("UPSTOX_ACCESS_TOKEN_SECONDARY", "")
	v.SetDefault("TOKEN_SERVICE_URL", "http://token-service:8000")
	v.SetDefault("UPSTOX_BASE_URL", "https://api.upstox.com")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DATA_SERVICE_PORT", 8001)
	v.SetDefault("UPSTOX_INSTRUMENT_KEYS", "")
	v.SetDefault("HISTORY_WORKERS", 4)
	v.SetDefault("LOG_LEVEL", "info")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// RedisAddr returns the host:port address for the cache.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// ParseAccountIDs splits the comma-separated account id list.
func (c *Config) ParseAccountIDs() []string {
	return splitList(c.AccountIDs)
}

// ParseInstruments returns the initial instrument list, falling back to
// DefaultInstruments when unset.
func (c *Config) ParseInstruments() []string {
	if keys := splitList(c.Instruments); len(keys) > 0 {
		return keys
	}
	return DefaultInstruments
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
