package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/inlethq/inlet/models"
	"github.com/inlethq/inlet/providers"
	"github.com/inlethq/inlet/tokens"
)

// DefaultRenewWindow is how far before a watch's expiration the renewal job
// re-registers it.
const DefaultRenewWindow = 24 * time.Hour

// WatchManager registers provider push watches and keeps them from lapsing.
type WatchManager struct {
	integrations models.IntegrationRepository
	registry     *providers.Registry
	refresher    *tokens.Refresher
	logger       *zap.Logger
	renewWindow  time.Duration
	now          func() time.Time
}

type WatchOption func(*WatchManager)

func WithRenewWindow(d time.Duration) WatchOption {
	return func(w *WatchManager) { w.renewWindow = d }
}

func WithWatchClock(now func() time.Time) WatchOption {
	return func(w *WatchManager) { w.now = now }
}

func NewWatchManager(
	integrations models.IntegrationRepository,
	registry *providers.Registry,
	refresher *tokens.Refresher,
	logger *zap.Logger,
	opts ...WatchOption,
) *WatchManager {
	ans := WatchManager{
		integrations: integrations,
		registry:     registry,
		refresher:    refresher,
		logger:       logger,
		renewWindow:  DefaultRenewWindow,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(&ans)
	}

	return &ans
}

// Register subscribes the integration's account to push notifications and
// persists the watch expiration. On failure the previous watch state is left
// untouched and the error is returned to the caller.
func (w *WatchManager) Register(ctx context.Context, integration *models.Integration) (time.Time, error) {
	provider, err := w.registry.Get(integration.Provider)
	if err != nil {
		return time.Time{}, err
	}

	client, integration, err := w.refresher.Client(ctx, provider.OAuth(), integration)
	if err != nil {
		return time.Time{}, fmt.Errorf("credential refresh: %w", err)
	}

	expiration, err := provider.RegisterWatch(ctx, client)
	if err != nil {
		return time.Time{}, fmt.Errorf("register watch: %w", err)
	}

	if err := w.integrations.UpdateWatch(ctx, integration.ID, expiration); err != nil {
		return time.Time{}, fmt.Errorf("persist watch expiration: %w", err)
	}

	w.logger.Info("watch registered",
		zap.String("integration_id", integration.ID),
		zap.String("provider", string(integration.Provider)),
		zap.Time("watch_expiration", expiration))

	return expiration, nil
}

// RenewDue re-registers every watch expiring within the renewal window. A
// failed renewal whose watch has already lapsed moves the integration to
// EXPIRED; one still inside its window is retried on the next run. Individual
// failures do not stop the sweep.
func (w *WatchManager) RenewDue(ctx context.Context) error {
	due, err := w.integrations.ListWatchExpiring(ctx, w.now().Add(w.renewWindow))
	if err != nil {
		return fmt.Errorf("list expiring watches: %w", err)
	}

	var errs error

	for i := range due {
		integration := &due[i]

		if _, err := w.Register(ctx, integration); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("renew %s: %w", integration.ID, err))

			w.logger.Warn("watch renewal failed",
				zap.String("integration_id", integration.ID),
				zap.Error(err))

			if integration.WatchExpiration != nil && integration.WatchExpiration.Before(w.now()) {
				if updErr := w.integrations.UpdateStatus(ctx, integration.ID, integration.Status, models.StatusExpired); updErr != nil {
					errs = multierr.Append(errs, fmt.Errorf("mark %s expired: %w", integration.ID, updErr))
				} else {
					w.logger.Warn("integration expired: watch lapsed without renewal",
						zap.String("integration_id", integration.ID))
				}
			}
		}
	}

	return errs
}
