package tokens_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/inlethq/inlet/internal/testutils"
	"github.com/inlethq/inlet/models"
	"github.com/inlethq/inlet/pkg/encryption"
	"github.com/inlethq/inlet/tokens"
)

type tokenServer struct {
	*httptest.Server

	calls   int
	handler http.HandlerFunc
}

func newTokenServer(t *testing.T, handler http.HandlerFunc) *tokenServer {
	t.Helper()

	srv := &tokenServer{handler: handler}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.calls++
		srv.handler(w, r)
	}))

	t.Cleanup(srv.Close)

	return srv
}

func (s *tokenServer) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint: oauth2.Endpoint{
			TokenURL:  s.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func grantToken(w http.ResponseWriter, accessToken, refreshToken string) {
	w.Header().Set("Content-Type", "application/json")

	body := `{"access_token":"` + accessToken + `","token_type":"Bearer","expires_in":3600`
	if refreshToken != "" {
		body += `,"refresh_token":"` + refreshToken + `"`
	}

	body += `}`

	_, _ = w.Write([]byte(body))
}

func seedIntegration(t *testing.T, repo *testutils.MemIntegrationRepo, cipher *encryption.Cipher, expiresIn time.Duration) *models.Integration {
	t.Helper()

	access, err := cipher.Encrypt("old-access")
	require.NoError(t, err)

	refresh, err := cipher.Encrypt("old-refresh")
	require.NoError(t, err)

	integration := models.Integration{
		UserID:          "user-1",
		Provider:        models.ProviderGmail,
		GenericType:     models.GenericTypeEmail,
		AccessToken:     access,
		RefreshToken:    refresh,
		TokenExpiration: time.Now().Add(expiresIn),
		Status:          models.StatusActive,
		ProviderUserID:  "user@example.com",
	}
	integration.ID = repo.Add(integration)

	return &integration
}

func TestRefreshSkipsOutsideSkewWindow(t *testing.T) {
	repo := testutils.NewMemIntegrationRepo()
	cipher := testutils.NewCipher(t)
	srv := newTokenServer(t, func(w http.ResponseWriter, _ *http.Request) {
		grantToken(w, "new-access", "")
	})

	integration := seedIntegration(t, repo, cipher, time.Hour)

	refresher := tokens.New(repo, cipher, zap.NewNop())

	got, err := refresher.Refresh(context.Background(), srv.config(), integration)
	require.NoError(t, err)
	assert.Equal(t, 0, srv.calls, "no exchange expected outside the skew window")
	assert.Equal(t, integration.AccessToken, got.AccessToken)
}

func TestRefreshExchangesInsideSkewWindow(t *testing.T) {
	repo := testutils.NewMemIntegrationRepo()
	cipher := testutils.NewCipher(t)
	srv := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))

		grantToken(w, "new-access", "new-refresh")
	})

	integration := seedIntegration(t, repo, cipher, time.Minute)

	refresher := tokens.New(repo, cipher, zap.NewNop())

	got, err := refresher.Refresh(context.Background(), srv.config(), integration)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.calls)

	access, err := cipher.Decrypt(got.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "new-access", access)

	refresh, err := cipher.Decrypt(got.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "new-refresh", refresh)

	// The rotation must be persisted, not just returned.
	stored, err := repo.Get(context.Background(), integration.ID)
	require.NoError(t, err)

	access, err = cipher.Decrypt(stored.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "new-access", access)
	require.NotNil(t, stored.LastRefreshedAt)
}

func TestRefreshKeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	repo := testutils.NewMemIntegrationRepo()
	cipher := testutils.NewCipher(t)
	srv := newTokenServer(t, func(w http.ResponseWriter, _ *http.Request) {
		grantToken(w, "new-access", "")
	})

	integration := seedIntegration(t, repo, cipher, time.Minute)

	refresher := tokens.New(repo, cipher, zap.NewNop())

	got, err := refresher.Refresh(context.Background(), srv.config(), integration)
	require.NoError(t, err)

	refresh, err := cipher.Decrypt(got.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "old-refresh", refresh)

	stored, err := repo.Get(context.Background(), integration.ID)
	require.NoError(t, err)

	refresh, err = cipher.Decrypt(stored.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "old-refresh", refresh)
}

func TestRefreshInvalidGrantMarksRevoked(t *testing.T) {
	repo := testutils.NewMemIntegrationRepo()
	cipher := testutils.NewCipher(t)
	srv := newTokenServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been revoked."}`))
	})

	integration := seedIntegration(t, repo, cipher, time.Minute)

	refresher := tokens.New(repo, cipher, zap.NewNop())

	_, err := refresher.Refresh(context.Background(), srv.config(), integration)
	require.Error(t, err)

	var refreshErr *tokens.RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.True(t, refreshErr.Revoked())

	stored, err := repo.Get(context.Background(), integration.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRevoked, stored.Status)
}

func TestRefreshServerErrorIsTransient(t *testing.T) {
	repo := testutils.NewMemIntegrationRepo()
	cipher := testutils.NewCipher(t)
	srv := newTokenServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	integration := seedIntegration(t, repo, cipher, time.Minute)

	refresher := tokens.New(repo, cipher, zap.NewNop())

	_, err := refresher.Refresh(context.Background(), srv.config(), integration)
	require.Error(t, err)

	var refreshErr *tokens.RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.False(t, refreshErr.Revoked())

	// Transient failures must not touch the lifecycle state.
	stored, err := repo.Get(context.Background(), integration.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, stored.Status)
}

func TestRefreshWithoutRefreshTokenIsRevoked(t *testing.T) {
	repo := testutils.NewMemIntegrationRepo()
	cipher := testutils.NewCipher(t)
	srv := newTokenServer(t, func(w http.ResponseWriter, _ *http.Request) {
		grantToken(w, "new-access", "")
	})

	integration := seedIntegration(t, repo, cipher, time.Minute)
	integration.RefreshToken = nil

	refresher := tokens.New(repo, cipher, zap.NewNop())

	_, err := refresher.Refresh(context.Background(), srv.config(), integration)
	require.Error(t, err)

	var refreshErr *tokens.RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.True(t, refreshErr.Revoked())
	assert.Equal(t, 0, srv.calls)
}

func TestRefreshTreatsZeroExpirationAsNonExpiring(t *testing.T) {
	repo := testutils.NewMemIntegrationRepo()
	cipher := testutils.NewCipher(t)
	srv := newTokenServer(t, func(w http.ResponseWriter, _ *http.Request) {
		grantToken(w, "new-access", "")
	})

	access, err := cipher.Encrypt("xoxp-access")
	require.NoError(t, err)

	// Slack installs without token rotation: no expiry, no refresh token.
	integration := &models.Integration{
		UserID:         "user-1",
		Provider:       models.ProviderSlack,
		GenericType:    models.GenericTypeChat,
		AccessToken:    access,
		Status:         models.StatusActive,
		ProviderUserID: "T123",
	}
	integration.ID = repo.Add(*integration)

	refresher := tokens.New(repo, cipher, zap.NewNop())

	got, err := refresher.Refresh(context.Background(), srv.config(), integration)
	require.NoError(t, err)
	assert.Equal(t, 0, srv.calls, "a non-expiring token must never be exchanged")
	assert.Equal(t, integration.AccessToken, got.AccessToken)

	stored, err := repo.Get(context.Background(), integration.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, stored.Status)
}

func TestClientUsesStaticToken(t *testing.T) {
	repo := testutils.NewMemIntegrationRepo()
	cipher := testutils.NewCipher(t)
	srv := newTokenServer(t, func(w http.ResponseWriter, _ *http.Request) {
		grantToken(w, "new-access", "")
	})

	integration := seedIntegration(t, repo, cipher, time.Hour)

	refresher := tokens.New(repo, cipher, zap.NewNop())

	client, got, err := refresher.Client(context.Background(), srv.config(), integration)
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, integration.ID, got.ID)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer old-access", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer api.Close()

	resp, err := client.Get(api.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
