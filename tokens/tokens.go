// Package tokens implements the credential refresh flow: skew-window checks,
// the refresh exchange itself, persistence of rotated tokens and the ACTIVE →
// REVOKED lifecycle transition when a provider rejects a refresh token.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/inlethq/inlet/models"
	"github.com/inlethq/inlet/pkg/encryption"
)

// DefaultSkew is how close to expiry a token may get before a refresh is
// forced ahead of use.
const DefaultSkew = 5 * time.Minute

// Kind classifies refresh failures for the caller's retry policy.
type Kind int

const (
	// KindTransient covers network errors and provider 5xx; callers retry
	// with backoff.
	KindTransient Kind = iota
	// KindRevoked means the provider permanently rejected the refresh token;
	// the integration has been marked REVOKED and retrying is pointless.
	KindRevoked
)

// RefreshError is the typed failure of a refresh attempt.
type RefreshError struct {
	Kind Kind
	Err  error
}

func (e *RefreshError) Error() string {
	if e.Kind == KindRevoked {
		return fmt.Sprintf("refresh token revoked: %v", e.Err)
	}

	return fmt.Sprintf("transient refresh failure: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

func (e *RefreshError) Revoked() bool { return e.Kind == KindRevoked }

// Refresher exchanges refresh tokens for fresh access tokens and persists the
// result. It is the sole mutator of an integration's token fields.
type Refresher struct {
	repo   models.IntegrationRepository
	cipher *encryption.Cipher
	logger *zap.Logger
	skew   time.Duration
	now    func() time.Time
}

type Option func(*Refresher)

func WithSkew(d time.Duration) Option {
	return func(r *Refresher) { r.skew = d }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) { r.now = now }
}

func New(repo models.IntegrationRepository, cipher *encryption.Cipher, logger *zap.Logger, opts ...Option) *Refresher {
	ans := Refresher{
		repo:   repo,
		cipher: cipher,
		logger: logger,
		skew:   DefaultSkew,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(&ans)
	}

	return &ans
}

// Refresh ensures the integration's access token is valid for at least the
// skew window. Inside the window it performs exactly one token exchange and
// persists the rotated credentials; outside it the integration is returned
// unchanged with no network call.
func (r *Refresher) Refresh(ctx context.Context, conf *oauth2.Config, integration *models.Integration) (*models.Integration, error) {
	// Providers that do not rotate credentials report no expiry at all
	// (Slack installs without token rotation); a zero expiration means the
	// access token never expires.
	if integration.TokenExpiration.IsZero() {
		return integration, nil
	}

	if r.now().Add(r.skew).Before(integration.TokenExpiration) {
		return integration, nil
	}

	if len(integration.RefreshToken) == 0 {
		return nil, &RefreshError{Kind: KindRevoked, Err: errors.New("no refresh token on record")}
	}

	refreshToken, err := r.cipher.Decrypt(integration.RefreshToken)
	if err != nil {
		return nil, &RefreshError{Kind: KindTransient, Err: fmt.Errorf("decrypt refresh token: %w", err)}
	}

	stale := &oauth2.Token{
		RefreshToken: refreshToken,
		// Force the token source to perform the exchange.
		Expiry: r.now().Add(-time.Minute),
	}

	fresh, err := conf.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, r.classify(ctx, integration, err)
	}

	patch := models.TokenPatch{
		TokenExpiration: fresh.Expiry.UTC(),
		LastRefreshedAt: r.now().UTC(),
	}

	patch.AccessToken, err = r.cipher.Encrypt(fresh.AccessToken)
	if err != nil {
		return nil, &RefreshError{Kind: KindTransient, Err: fmt.Errorf("encrypt access token: %w", err)}
	}

	// Providers may omit the refresh token on rotation; keep the old one.
	if fresh.RefreshToken != "" && fresh.RefreshToken != refreshToken {
		patch.RefreshToken, err = r.cipher.Encrypt(fresh.RefreshToken)
		if err != nil {
			return nil, &RefreshError{Kind: KindTransient, Err: fmt.Errorf("encrypt refresh token: %w", err)}
		}
	}

	if err := r.repo.UpdateTokens(ctx, integration.ID, patch); err != nil {
		return nil, &RefreshError{Kind: KindTransient, Err: fmt.Errorf("persist refreshed tokens: %w", err)}
	}

	updated := *integration
	updated.AccessToken = patch.AccessToken
	if patch.RefreshToken != nil {
		updated.RefreshToken = patch.RefreshToken
	}
	updated.TokenExpiration = patch.TokenExpiration
	updated.LastRefreshedAt = &patch.LastRefreshedAt

	r.logger.Info("refreshed access token",
		zap.String("integration_id", integration.ID),
		zap.String("provider", string(integration.Provider)),
		zap.Time("new_expiration", patch.TokenExpiration))

	return &updated, nil
}

// Client returns an HTTP client carrying a valid access token, refreshing
// first when inside the skew window. The returned client uses a static token:
// downstream API calls never trigger an implicit, unpersisted refresh.
func (r *Refresher) Client(ctx context.Context, conf *oauth2.Config, integration *models.Integration) (*http.Client, *models.Integration, error) {
	integration, err := r.Refresh(ctx, conf, integration)
	if err != nil {
		return nil, nil, err
	}

	accessToken, err := r.cipher.Decrypt(integration.AccessToken)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt access token: %w", err)
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	})

	return oauth2.NewClient(ctx, src), integration, nil
}

// classify maps an exchange failure onto the error taxonomy and persists the
// REVOKED transition when the rejection is permanent.
func (r *Refresher) classify(ctx context.Context, integration *models.Integration, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && revokedResponse(retrieveErr) {
		if updErr := r.repo.UpdateStatus(ctx, integration.ID, integration.Status, models.StatusRevoked); updErr != nil {
			r.logger.Error("failed to persist REVOKED status",
				zap.String("integration_id", integration.ID),
				zap.Error(updErr))
		} else {
			r.logger.Warn("integration revoked by provider",
				zap.String("integration_id", integration.ID),
				zap.String("provider", string(integration.Provider)))
		}

		return &RefreshError{Kind: KindRevoked, Err: err}
	}

	return &RefreshError{Kind: KindTransient, Err: err}
}

func revokedResponse(err *oauth2.RetrieveError) bool {
	if err.ErrorCode == "invalid_grant" {
		return true
	}

	// Some providers answer 401 without a structured error body.
	if err.Response != nil && err.ErrorCode == "" {
		return err.Response.StatusCode == http.StatusUnauthorized
	}

	return false
}
