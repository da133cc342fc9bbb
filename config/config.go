// Package config loads client configuration from the environment. A .env file
// in the working directory is honored when present, so embedding applications
// and the CLI share one configuration source.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/habedi/crmkit/apierr"
)

// Config collects every knob the client core needs. Credentials are validated
// eagerly by Validate; everything else has a sensible default.
type Config struct {
	// OAuth client credentials (required).
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// API endpoints (BaseURL required).
	BaseURL    string
	TokenURL   string
	APIVersion string

	// Token store.
	StoreDriver   string
	SQLitePath    string
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int

	// Rate limiting.
	RateLimit  int
	RateWindow time.Duration

	// Dispatcher.
	MaxAttempts int
	Timeout     time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Optional hard request pacer in front of the window limiter.
	// Zero leaves it disabled.
	PaceRPS   float64
	PaceBurst int
}

// Load reads configuration from CRMKIT_* environment variables, consulting a
// .env file first when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		ClientID:      os.Getenv("CRMKIT_CLIENT_ID"),
		ClientSecret:  os.Getenv("CRMKIT_CLIENT_SECRET"),
		RedirectURL:   os.Getenv("CRMKIT_REDIRECT_URL"),
		BaseURL:       strings.TrimRight(os.Getenv("CRMKIT_BASE_URL"), "/"),
		TokenURL:      os.Getenv("CRMKIT_TOKEN_URL"),
		APIVersion:    os.Getenv("CRMKIT_API_VERSION"),
		StoreDriver:   os.Getenv("CRMKIT_STORE_DRIVER"),
		SQLitePath:    os.Getenv("CRMKIT_SQLITE_PATH"),
		RedisAddr:     os.Getenv("CRMKIT_REDIS_ADDR"),
		RedisUsername: os.Getenv("CRMKIT_REDIS_USERNAME"),
		RedisPassword: os.Getenv("CRMKIT_REDIS_PASSWORD"),
		RedisDB:       envInt("CRMKIT_REDIS_DB", 0),
		RateLimit:     envInt("CRMKIT_RATE_LIMIT", 0),
		RateWindow:    envDuration("CRMKIT_RATE_WINDOW", 0),
		MaxAttempts:   envInt("CRMKIT_MAX_ATTEMPTS", 0),
		Timeout:       envDuration("CRMKIT_TIMEOUT", 0),
		BackoffBase:   envDuration("CRMKIT_BACKOFF_BASE", 0),
		BackoffCap:    envDuration("CRMKIT_BACKOFF_CAP", 0),
		PaceRPS:       envFloat("CRMKIT_PACE_RPS", 0),
		PaceBurst:     envInt("CRMKIT_PACE_BURST", 0),
	}
	if cfg.TokenURL == "" && cfg.BaseURL != "" {
		cfg.TokenURL = cfg.BaseURL + "/oauth2/token"
	}
	return cfg, nil
}

// Validate checks the required credential and endpoint fields. A failure here
// is a Configuration error: fatal, never retried, detected before any
// network call.
func (c *Config) Validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "CRMKIT_CLIENT_ID")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "CRMKIT_CLIENT_SECRET")
	}
	if c.RedirectURL == "" {
		missing = append(missing, "CRMKIT_REDIRECT_URL")
	}
	if c.BaseURL == "" {
		missing = append(missing, "CRMKIT_BASE_URL")
	}
	if len(missing) > 0 {
		return apierr.New(apierr.Configuration,
			fmt.Sprintf("missing required configuration: %s", strings.Join(missing, ", ")), nil)
	}
	return nil
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-integer environment value")
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-numeric environment value")
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring unparsable duration value")
		return fallback
	}
	return d
}
