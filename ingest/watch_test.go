package ingest_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inlethq/inlet/ingest"
	"github.com/inlethq/inlet/internal/testutils"
	"github.com/inlethq/inlet/models"
	"github.com/inlethq/inlet/providers"
	"github.com/inlethq/inlet/tokens"
)

type watchFixture struct {
	repo     *testutils.MemIntegrationRepo
	provider *testutils.FakeProvider
	watches  *ingest.WatchManager
}

func newWatchFixture(t *testing.T, opts ...ingest.WatchOption) *watchFixture {
	t.Helper()

	repo := testutils.NewMemIntegrationRepo()
	cipher := testutils.NewCipher(t)
	provider := testutils.NewFakeProvider(models.ProviderGmail, models.GenericTypeEmail)
	registry := providers.NewRegistry(provider)
	refresher := tokens.New(repo, cipher, zap.NewNop())

	return &watchFixture{
		repo:     repo,
		provider: provider,
		watches:  ingest.NewWatchManager(repo, registry, refresher, zap.NewNop(), opts...),
	}
}

func (f *watchFixture) seed(t *testing.T, watchExpiration *time.Time) *models.Integration {
	t.Helper()

	cipher := testutils.NewCipher(t)

	access, err := cipher.Encrypt("access-token")
	require.NoError(t, err)

	integration := models.Integration{
		UserID:          "user-1",
		Provider:        models.ProviderGmail,
		GenericType:     models.GenericTypeEmail,
		AccessToken:     access,
		TokenExpiration: time.Now().Add(time.Hour),
		WatchExpiration: watchExpiration,
		Status:          models.StatusActive,
		ProviderUserID:  "user@example.com",
	}
	integration.ID = f.repo.Add(integration)

	return &integration
}

func TestRegisterPersistsWatchExpiration(t *testing.T) {
	f := newWatchFixture(t)
	integration := f.seed(t, nil)

	want := time.Now().Add(7 * 24 * time.Hour).UTC()
	f.provider.WatchExpiration = want

	got, err := f.watches.Register(context.Background(), integration)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	stored, err := f.repo.Get(context.Background(), integration.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.WatchExpiration)
	assert.Equal(t, want, *stored.WatchExpiration)
}

func TestRegisterFailureLeavesWatchUntouched(t *testing.T) {
	f := newWatchFixture(t)

	previous := time.Now().Add(time.Hour).UTC()
	integration := f.seed(t, &previous)

	f.provider.WatchErr = errors.New("topic not found")

	_, err := f.watches.Register(context.Background(), integration)
	require.Error(t, err)

	stored, err := f.repo.Get(context.Background(), integration.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.WatchExpiration)
	assert.Equal(t, previous, *stored.WatchExpiration)
	assert.Equal(t, models.StatusActive, stored.Status)
}

func TestRenewDueReregistersExpiringWatches(t *testing.T) {
	f := newWatchFixture(t)

	soon := time.Now().Add(time.Hour).UTC()
	far := time.Now().Add(30 * 24 * time.Hour).UTC()

	due := f.seed(t, &soon)
	f.seed(t, &far)

	renewed := time.Now().Add(7 * 24 * time.Hour).UTC()
	f.provider.WatchExpiration = renewed

	require.NoError(t, f.watches.RenewDue(context.Background()))
	assert.Equal(t, 1, f.provider.WatchCalls, "only the expiring watch is renewed")

	stored, err := f.repo.Get(context.Background(), due.ID)
	require.NoError(t, err)
	assert.Equal(t, renewed, *stored.WatchExpiration)
}

func TestRenewDueMarksLapsedWatchExpired(t *testing.T) {
	f := newWatchFixture(t)

	lapsed := time.Now().Add(-time.Hour).UTC()
	integration := f.seed(t, &lapsed)

	f.provider.WatchErr = errors.New("watch registration rejected")

	err := f.watches.RenewDue(context.Background())
	require.Error(t, err)

	stored, getErr := f.repo.Get(context.Background(), integration.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.StatusExpired, stored.Status)
}

func TestRenewDueKeepsUnlapsedWatchActiveOnFailure(t *testing.T) {
	f := newWatchFixture(t)

	soon := time.Now().Add(time.Hour).UTC()
	integration := f.seed(t, &soon)

	f.provider.WatchErr = errors.New("temporary outage")

	err := f.watches.RenewDue(context.Background())
	require.Error(t, err)

	// Still inside its window: retried next run, not expired.
	stored, getErr := f.repo.Get(context.Background(), integration.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.StatusActive, stored.Status)
}
