package runner

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"

	"github.com/inlethq/inlet/ingest"
	"github.com/inlethq/inlet/models"
	"github.com/inlethq/inlet/pkg/encryption"
	"github.com/inlethq/inlet/postgres"
	"github.com/inlethq/inlet/providers"
	"github.com/inlethq/inlet/providers/gmail"
	"github.com/inlethq/inlet/providers/slack"
	"github.com/inlethq/inlet/tokens"
)

// Core wires the storage, crypto and provider layers shared by the web and
// worker run modes.
type Core struct {
	Logger       *zap.Logger
	DB           *sql.DB
	Integrations models.IntegrationRepository
	Events       models.EventRepository
	Cipher       *encryption.Cipher
	Registry     *providers.Registry
	Refresher    *tokens.Refresher
	Sync         *ingest.Synchronizer
	Watches      *ingest.WatchManager
}

func NewCore(ctx context.Context, cfg *Config) (*Core, error) {
	if cfg.Dsn == "" {
		return nil, fmt.Errorf("%w: dsn", ErrMissingConfig)
	}

	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("%w: ENCRYPTION_KEY", ErrMissingConfig)
	}

	logger, err := NewLogger(cfg.Debug)
	if err != nil {
		return nil, err
	}

	key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode ENCRYPTION_KEY: %w", err)
	}

	cipher, err := encryption.New(key)
	if err != nil {
		return nil, err
	}

	db, err := postgres.Open(ctx, cfg.Dsn)
	if err != nil {
		return nil, err
	}

	registry := providers.NewRegistry()

	if cfg.Gmail.Configured() {
		gcfg := gmail.Config{
			ClientID:     cfg.Gmail.ClientID,
			ClientSecret: cfg.Gmail.ClientSecret,
			RedirectURL:  cfg.Gmail.RedirectURL,
			Topic:        cfg.GmailTopic,
		}
		if err := gcfg.Validate(); err != nil {
			return nil, err
		}

		registry.Register(gmail.New(gcfg))
	} else {
		logger.Warn("gmail credentials not set, provider disabled")
	}

	if cfg.Slack.Configured() {
		scfg := slack.Config{
			ClientID:     cfg.Slack.ClientID,
			ClientSecret: cfg.Slack.ClientSecret,
			RedirectURL:  cfg.Slack.RedirectURL,
		}
		if err := scfg.Validate(); err != nil {
			return nil, err
		}

		registry.Register(slack.New(scfg))
	} else {
		logger.Warn("slack credentials not set, provider disabled")
	}

	integrations := postgres.NewIntegrationRepository(db)
	events := postgres.NewEventRepository(db)

	refresher := tokens.New(integrations, cipher, logger)

	sync := ingest.NewSynchronizer(integrations, events, registry, refresher, logger,
		ingest.WithFetchConcurrency(cfg.SyncConcurrency),
	)

	watches := ingest.NewWatchManager(integrations, registry, refresher, logger)

	return &Core{
		Logger:       logger,
		DB:           db,
		Integrations: integrations,
		Events:       events,
		Cipher:       cipher,
		Registry:     registry,
		Refresher:    refresher,
		Sync:         sync,
		Watches:      watches,
	}, nil
}

func (c *Core) Close() error {
	_ = c.Logger.Sync()

	return c.DB.Close()
}
