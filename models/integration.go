package models

import (
	"context"
	"time"
)

// Provider identifies the third-party service an integration is connected to.
type Provider string

const (
	ProviderGmail          Provider = "GMAIL"
	ProviderSlack          Provider = "SLACK"
	ProviderOutlook        Provider = "OUTLOOK"
	ProviderGithub         Provider = "GITHUB"
	ProviderGoogleCalendar Provider = "GOOGLE_CALENDAR"
)

// GenericType groups providers by the kind of data they produce.
type GenericType string

const (
	GenericTypeEmail    GenericType = "EMAIL"
	GenericTypeCalendar GenericType = "CALENDAR"
	GenericTypeTask     GenericType = "TASK"
	GenericTypeChat     GenericType = "CHAT"
)

// IntegrationStatus is the credential lifecycle state.
type IntegrationStatus string

const (
	StatusActive  IntegrationStatus = "ACTIVE"
	StatusRevoked IntegrationStatus = "REVOKED"
	StatusExpired IntegrationStatus = "EXPIRED"
)

// CanTransition reports whether the lifecycle allows moving from s to next.
// ACTIVE is the only state with outgoing edges: the provider rejecting a
// refresh token moves the integration to REVOKED, a lapsed watch with no
// successful renewal moves it to EXPIRED. Terminal states require the user
// to reconnect, which creates fresh credentials via the OAuth flow.
func (s IntegrationStatus) CanTransition(next IntegrationStatus) bool {
	if s != StatusActive {
		return false
	}

	return next == StatusRevoked || next == StatusExpired
}

// Integration represents one connected provider account for one user.
// Token fields hold ciphertext; see pkg/encryption.
type Integration struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	Provider        Provider          `json:"provider"`
	GenericType     GenericType       `json:"generic_type"`
	AccessToken     []byte            `json:"-"` // stored encrypted
	RefreshToken    []byte            `json:"-"` // stored encrypted, may be empty
	TokenExpiration time.Time         `json:"token_expiration"`
	WatchExpiration *time.Time        `json:"watch_expiration,omitempty"`
	Status          IntegrationStatus `json:"status"`
	Scopes          []string          `json:"scopes,omitempty"`
	ProviderUserID  string            `json:"provider_user_id,omitempty"`
	HistoryCursor   string            `json:"history_cursor,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	LastUsedAt      *time.Time        `json:"last_used_at,omitempty"`
	LastRefreshedAt *time.Time        `json:"last_refreshed_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TokenPatch carries the mutable credential fields written on a successful
// token refresh. RefreshToken may be nil when the provider omitted one, in
// which case the stored value is retained.
type TokenPatch struct {
	AccessToken     []byte
	RefreshToken    []byte
	TokenExpiration time.Time
	LastRefreshedAt time.Time
}

// IntegrationRepository manages integration persistence.
type IntegrationRepository interface {
	Create(ctx context.Context, integration *Integration) error
	Get(ctx context.Context, id string) (*Integration, error)
	// GetByProviderKey resolves an integration by its natural provider key
	// (email address for Gmail, team id for Slack).
	GetByProviderKey(ctx context.Context, provider Provider, providerUserID string) (*Integration, error)
	GetByUser(ctx context.Context, userID string, provider Provider) (*Integration, error)
	UpdateTokens(ctx context.Context, id string, patch TokenPatch) error
	UpdateStatus(ctx context.Context, id string, from, to IntegrationStatus) error
	UpdateWatch(ctx context.Context, id string, expiration time.Time) error
	// AdvanceCursor performs a compare-and-swap on the history cursor and
	// reports whether the swap applied. A false return means a concurrent
	// sync already advanced the cursor; callers treat that as a no-op.
	AdvanceCursor(ctx context.Context, id, oldCursor, newCursor string) (bool, error)
	TouchLastUsed(ctx context.Context, id string) error
	ListWatchExpiring(ctx context.Context, before time.Time) ([]Integration, error)
	ListTokenExpiring(ctx context.Context, before time.Time) ([]Integration, error)
	Delete(ctx context.Context, userID string, provider Provider) error
}
