// Package testutils provides in-memory repository implementations and small
// fixtures shared across package tests.
package testutils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inlethq/inlet/models"
	"github.com/inlethq/inlet/pkg/encryption"
)

// NewCipher returns a cipher with a fixed test key.
func NewCipher(t *testing.T) *encryption.Cipher {
	t.Helper()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	cipher, err := encryption.New(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	return cipher
}

// MemIntegrationRepo is a mutex-guarded in-memory IntegrationRepository.
type MemIntegrationRepo struct {
	mu    sync.Mutex
	items map[string]*models.Integration
}

var _ models.IntegrationRepository = (*MemIntegrationRepo)(nil)

func NewMemIntegrationRepo() *MemIntegrationRepo {
	return &MemIntegrationRepo{items: make(map[string]*models.Integration)}
}

// Add stores a copy of the integration, assigning an id when absent, and
// returns the stored id.
func (r *MemIntegrationRepo) Add(integration models.Integration) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if integration.ID == "" {
		integration.ID = uuid.NewString()
	}

	r.items[integration.ID] = &integration

	return integration.ID
}

func (r *MemIntegrationRepo) Create(_ context.Context, integration *models.Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.items {
		if existing.UserID == integration.UserID &&
			existing.Provider == integration.Provider &&
			existing.ProviderUserID == integration.ProviderUserID {
			integration.ID = existing.ID

			clone := *integration
			r.items[existing.ID] = &clone

			return nil
		}
	}

	if integration.ID == "" {
		integration.ID = uuid.NewString()
	}

	integration.CreatedAt = time.Now().UTC()
	integration.UpdatedAt = integration.CreatedAt

	clone := *integration
	r.items[integration.ID] = &clone

	return nil
}

func (r *MemIntegrationRepo) Get(_ context.Context, id string) (*models.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return nil, models.ErrNotFound
	}

	clone := *item

	return &clone, nil
}

func (r *MemIntegrationRepo) GetByProviderKey(_ context.Context, provider models.Provider, providerUserID string) (*models.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, item := range r.items {
		if item.Provider == provider && item.ProviderUserID == providerUserID {
			clone := *item

			return &clone, nil
		}
	}

	return nil, models.ErrNotFound
}

func (r *MemIntegrationRepo) GetByUser(_ context.Context, userID string, provider models.Provider) (*models.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, item := range r.items {
		if item.UserID == userID && item.Provider == provider {
			clone := *item

			return &clone, nil
		}
	}

	return nil, models.ErrNotFound
}

func (r *MemIntegrationRepo) UpdateTokens(_ context.Context, id string, patch models.TokenPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return models.ErrNotFound
	}

	item.AccessToken = patch.AccessToken
	if patch.RefreshToken != nil {
		item.RefreshToken = patch.RefreshToken
	}

	item.TokenExpiration = patch.TokenExpiration
	refreshedAt := patch.LastRefreshedAt
	item.LastRefreshedAt = &refreshedAt
	item.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *MemIntegrationRepo) UpdateStatus(_ context.Context, id string, from, to models.IntegrationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !from.CanTransition(to) {
		return models.ErrInvalidTransition
	}

	item, ok := r.items[id]
	if !ok || item.Status != from {
		return models.ErrNotFound
	}

	item.Status = to
	item.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *MemIntegrationRepo) UpdateWatch(_ context.Context, id string, expiration time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return models.ErrNotFound
	}

	item.WatchExpiration = &expiration
	item.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *MemIntegrationRepo) AdvanceCursor(_ context.Context, id, oldCursor, newCursor string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return false, models.ErrNotFound
	}

	if item.HistoryCursor != oldCursor {
		return false, nil
	}

	item.HistoryCursor = newCursor
	item.UpdatedAt = time.Now().UTC()

	return true, nil
}

func (r *MemIntegrationRepo) TouchLastUsed(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return models.ErrNotFound
	}

	now := time.Now().UTC()
	item.LastUsedAt = &now

	return nil
}

func (r *MemIntegrationRepo) ListWatchExpiring(_ context.Context, before time.Time) ([]models.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ans []models.Integration

	for _, item := range r.items {
		if item.Status != models.StatusActive || item.WatchExpiration == nil {
			continue
		}

		if item.WatchExpiration.Before(before) {
			ans = append(ans, *item)
		}
	}

	return ans, nil
}

func (r *MemIntegrationRepo) ListTokenExpiring(_ context.Context, before time.Time) ([]models.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ans []models.Integration

	for _, item := range r.items {
		if item.Status != models.StatusActive {
			continue
		}

		if item.TokenExpiration.Before(before) {
			ans = append(ans, *item)
		}
	}

	return ans, nil
}

func (r *MemIntegrationRepo) Delete(_ context.Context, userID string, provider models.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, item := range r.items {
		if item.UserID == userID && item.Provider == provider {
			delete(r.items, id)

			return nil
		}
	}

	return models.ErrNotFound
}

// MemEventRepo is a mutex-guarded in-memory EventRepository.
type MemEventRepo struct {
	mu     sync.Mutex
	events []models.Event
}

var _ models.EventRepository = (*MemEventRepo)(nil)

func NewMemEventRepo() *MemEventRepo {
	return &MemEventRepo{}
}

func (r *MemEventRepo) CreateIfAbsent(_ context.Context, event *models.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.events {
		if existing.IntegrationID == event.IntegrationID && existing.NativeID == event.NativeID {
			return false, nil
		}
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	r.events = append(r.events, *event)

	return true, nil
}

func (r *MemEventRepo) ListByIntegration(_ context.Context, integrationID string, limit int) ([]models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ans []models.Event

	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].IntegrationID != integrationID {
			continue
		}

		ans = append(ans, r.events[i])
		if limit > 0 && len(ans) >= limit {
			break
		}
	}

	return ans, nil
}

func (r *MemEventRepo) MarkProcessed(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.events {
		if r.events[i].ID == id {
			r.events[i].Processed = true

			return nil
		}
	}

	return models.ErrNotFound
}

// All returns a snapshot of the stored events.
func (r *MemEventRepo) All() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	ans := make([]models.Event, len(r.events))
	copy(ans, r.events)

	return ans
}
