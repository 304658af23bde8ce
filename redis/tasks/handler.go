package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/inlethq/inlet/ingest"
	"github.com/inlethq/inlet/models"
	"github.com/inlethq/inlet/providers"
	"github.com/inlethq/inlet/tokens"
)

const defaultSweepWindow = 10 * time.Minute

// Handler processes queued and scheduled tasks.
type Handler struct {
	sync         *ingest.Synchronizer
	watches      *ingest.WatchManager
	integrations models.IntegrationRepository
	registry     *providers.Registry
	refresher    *tokens.Refresher
	logger       *zap.Logger
	sweepWindow  time.Duration
}

type HandlerOption func(*Handler)

// WithSweepWindow sets how far ahead of token expiry the refresh sweep looks.
func WithSweepWindow(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.sweepWindow = d
		}
	}
}

func NewHandler(
	sync *ingest.Synchronizer,
	watches *ingest.WatchManager,
	integrations models.IntegrationRepository,
	registry *providers.Registry,
	refresher *tokens.Refresher,
	logger *zap.Logger,
	opts ...HandlerOption,
) *Handler {
	ans := Handler{
		sync:         sync,
		watches:      watches,
		integrations: integrations,
		registry:     registry,
		refresher:    refresher,
		logger:       logger,
		sweepWindow:  defaultSweepWindow,
	}

	for _, opt := range opts {
		opt(&ans)
	}

	return &ans
}

// Register attaches the handler's task types to the mux.
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeHistorySync, h.HandleHistorySync)
	mux.HandleFunc(TypeWatchRenew, h.HandleWatchRenew)
	mux.HandleFunc(TypeRefreshSweep, h.HandleRefreshSweep)
}

func (h *Handler) HandleHistorySync(ctx context.Context, task *asynq.Task) error {
	var payload HistorySyncPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid history sync payload: %v: %w", err, asynq.SkipRetry)
	}

	_, err := h.sync.SyncByID(ctx, payload.IntegrationID, payload.Cursor)
	if err != nil {
		var refreshErr *tokens.RefreshError
		if errors.As(err, &refreshErr) && refreshErr.Revoked() {
			// The integration is REVOKED; retrying cannot succeed until the
			// user reconnects.
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}

		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("integration %s gone: %w", payload.IntegrationID, asynq.SkipRetry)
		}

		return err
	}

	return nil
}

func (h *Handler) HandleWatchRenew(ctx context.Context, _ *asynq.Task) error {
	return h.watches.RenewDue(ctx)
}

// HandleRefreshSweep refreshes every ACTIVE integration whose token expires
// inside the sweep window. Revoked integrations are transitioned by the
// refresher itself; only transient failures are reported for retry.
func (h *Handler) HandleRefreshSweep(ctx context.Context, _ *asynq.Task) error {
	due, err := h.integrations.ListTokenExpiring(ctx, time.Now().Add(h.sweepWindow))
	if err != nil {
		return fmt.Errorf("list expiring tokens: %w", err)
	}

	var errs error

	for i := range due {
		integration := &due[i]

		provider, err := h.registry.Get(integration.Provider)
		if err != nil {
			h.logger.Warn("skipping unconfigured provider",
				zap.String("integration_id", integration.ID),
				zap.String("provider", string(integration.Provider)))

			continue
		}

		if _, err := h.refresher.Refresh(ctx, provider.OAuth(), integration); err != nil {
			var refreshErr *tokens.RefreshError
			if errors.As(err, &refreshErr) && refreshErr.Revoked() {
				continue
			}

			errs = multierr.Append(errs, fmt.Errorf("refresh %s: %w", integration.ID, err))
		}
	}

	return errs
}
