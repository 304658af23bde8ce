// Package ingest contains the history synchronizer and the watch lifecycle
// manager: the parts of the pipeline that turn provider change notifications
// into exactly-once stored events.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inlethq/inlet/models"
	"github.com/inlethq/inlet/providers"
	"github.com/inlethq/inlet/tokens"
)

const defaultFetchConcurrency = 4

// Synchronizer fetches the incremental set of new provider items since a
// cursor, normalizes them and writes them to the event store with duplicate
// suppression. One synchronizer serves all providers via the capability
// interface.
type Synchronizer struct {
	integrations models.IntegrationRepository
	events       models.EventRepository
	registry     *providers.Registry
	refresher    *tokens.Refresher
	logger       *zap.Logger

	fetchConcurrency int
	now              func() time.Time
}

type SyncOption func(*Synchronizer)

func WithFetchConcurrency(n int) SyncOption {
	return func(s *Synchronizer) {
		if n > 0 {
			s.fetchConcurrency = n
		}
	}
}

func WithClock(now func() time.Time) SyncOption {
	return func(s *Synchronizer) { s.now = now }
}

func NewSynchronizer(
	integrations models.IntegrationRepository,
	events models.EventRepository,
	registry *providers.Registry,
	refresher *tokens.Refresher,
	logger *zap.Logger,
	opts ...SyncOption,
) *Synchronizer {
	ans := Synchronizer{
		integrations:     integrations,
		events:           events,
		registry:         registry,
		refresher:        refresher,
		logger:           logger,
		fetchConcurrency: defaultFetchConcurrency,
		now:              time.Now,
	}

	for _, opt := range opts {
		opt(&ans)
	}

	return &ans
}

// SyncByID loads the integration and runs one sync from its stored cursor.
// A freshly connected integration has no stored cursor yet; the cursor
// carried by the triggering notification seeds it.
func (s *Synchronizer) SyncByID(ctx context.Context, integrationID, notifiedCursor string) ([]models.Event, error) {
	integration, err := s.integrations.Get(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("load integration %s: %w", integrationID, err)
	}

	start := integration.HistoryCursor
	if start == "" {
		start = notifiedCursor
	}

	return s.Sync(ctx, integration, start)
}

// Sync runs one incremental sync for the integration starting at startCursor
// and returns the events that were newly stored. Per-item fetch failures are
// logged and skipped; they never abort the batch. On success the stored
// cursor is advanced (compare-and-swap) to the latest value observed.
func (s *Synchronizer) Sync(ctx context.Context, integration *models.Integration, startCursor string) ([]models.Event, error) {
	if integration.Status != models.StatusActive {
		return nil, fmt.Errorf("integration %s is %s", integration.ID, integration.Status)
	}

	provider, err := s.registry.Get(integration.Provider)
	if err != nil {
		return nil, err
	}

	client, integration, err := s.refresher.Client(ctx, provider.OAuth(), integration)
	if err != nil {
		return nil, fmt.Errorf("credential refresh: %w", err)
	}

	page, err := provider.FetchHistory(ctx, client, startCursor)
	if errors.Is(err, providers.ErrCursorTooOld) {
		s.logger.Warn("history cursor truncated, falling back to full resync",
			zap.String("integration_id", integration.ID),
			zap.String("cursor", startCursor))

		page, err = provider.FetchRecent(ctx, client)
	}

	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	items, fetchErrs := s.fetchItems(ctx, provider, client, page.ItemIDs)
	if fetchErrs != nil {
		// Partial failure is tolerated: the remaining items are stored and
		// the skipped ones will reappear on the next notification.
		s.logger.Warn("some history items could not be fetched",
			zap.String("integration_id", integration.ID),
			zap.Int("failed", len(multierr.Errors(fetchErrs))),
			zap.Error(fetchErrs))
	}

	stored := make([]models.Event, 0, len(items))

	for _, item := range items {
		event := models.Event{
			ID:            uuid.New().String(),
			IntegrationID: integration.ID,
			NativeID:      item.NativeID,
			Cursor:        page.LatestCursor,
			Title:         item.Title,
			Sender:        item.Sender,
			Channel:       item.Channel,
			Body:          item.Body,
			OccurredAt:    item.OccurredAt,
			ReceivedAt:    s.now().UTC(),
		}

		inserted, err := s.events.CreateIfAbsent(ctx, &event)
		if err != nil {
			return stored, fmt.Errorf("store event %s: %w", item.NativeID, err)
		}

		if inserted {
			stored = append(stored, event)
		}
	}

	if page.LatestCursor != "" && page.LatestCursor != startCursor {
		applied, err := s.integrations.AdvanceCursor(ctx, integration.ID, integration.HistoryCursor, page.LatestCursor)
		if err != nil {
			return stored, fmt.Errorf("advance cursor: %w", err)
		}

		if !applied {
			// A concurrent sync won the swap. Events were written
			// idempotently, so losing the cursor race costs nothing.
			s.logger.Debug("cursor already advanced by concurrent sync",
				zap.String("integration_id", integration.ID))
		}
	}

	if err := s.integrations.TouchLastUsed(ctx, integration.ID); err != nil {
		s.logger.Warn("failed to touch last_used_at", zap.String("integration_id", integration.ID), zap.Error(err))
	}

	s.logger.Info("sync completed",
		zap.String("integration_id", integration.ID),
		zap.String("provider", string(integration.Provider)),
		zap.Int("observed", len(page.ItemIDs)),
		zap.Int("stored", len(stored)),
		zap.String("cursor", page.LatestCursor))

	return stored, nil
}

// fetchItems fetches item details with bounded concurrency. Failures are
// collected, not propagated: the returned error aggregates them for logging.
func (s *Synchronizer) fetchItems(ctx context.Context, provider providers.Provider, client *http.Client, ids []string) ([]providers.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	results := make([]*providers.Item, len(ids))
	errs := make([]error, len(ids))

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(s.fetchConcurrency)

	for i, id := range ids {
		i, id := i, id
		group.Go(func() error {
			item, err := provider.FetchItem(ctx, client, id)
			if err != nil {
				errs[i] = fmt.Errorf("item %s: %w", id, err)
				return nil
			}

			results[i] = &item

			return nil
		})
	}

	_ = group.Wait()

	items := make([]providers.Item, 0, len(ids))
	for _, item := range results {
		if item != nil {
			items = append(items, *item)
		}
	}

	return items, multierr.Combine(errs...)
}
