package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/habedi/crmkit/auth"
	"github.com/habedi/crmkit/client"
	"github.com/habedi/crmkit/config"
	"github.com/habedi/crmkit/ratelimit"
	"github.com/habedi/crmkit/store"
)

// defaultSQLitePath is where the sqlite token store lives unless overridden.
var defaultSQLitePath = filepath.Join(os.Getenv("HOME"), ".crmkit/tokens.db")

// buildClient assembles the full client stack from environment configuration.
func buildClient() (*client.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := buildStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}

	exchanger, err := auth.NewOAuthExchanger(auth.OAuthConfig{
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Timeout:      cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}

	tokens := auth.NewService(st, exchanger, auth.Options{})
	limiter := ratelimit.New(ratelimit.Config{
		Limit:  cfg.RateLimit,
		Window: cfg.RateWindow,
	})

	return client.New(client.Config{
		BaseURL:     cfg.BaseURL,
		APIVersion:  cfg.APIVersion,
		MaxAttempts: cfg.MaxAttempts,
		Timeout:     cfg.Timeout,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		PaceRPS:     cfg.PaceRPS,
		PaceBurst:   cfg.PaceBurst,
	}, tokens, limiter)
}

func buildStore(cfg *config.Config) (store.Store, error) {
	deps := store.Dependencies{}
	if cfg.StoreDriver == store.DriverSQLite {
		path := cfg.SQLitePath
		if path == "" {
			path = defaultSQLitePath
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, err
		}
		db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("Failed to open sqlite token store")
			return nil, err
		}
		deps.SQLiteDB = db
	}

	return store.New(store.Config{
		Driver: cfg.StoreDriver,
		Redis: &store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
	}, deps)
}
