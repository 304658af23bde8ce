package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inlethq/inlet/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// testDB connects to the database named by PG_TEST_DSN and applies the
// migrations. Tests are skipped when the variable is unset.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL repository test: PG_TEST_DSN not set")
	}

	mig := NewMigrationRunner(dsn, zap.NewNop())
	if err := mig.SetMigrationsDir("../scripts/migrations"); err != nil {
		t.Fatalf("Failed to set migrations dir: %v", err)
	}

	if err := mig.Up(); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}

func testIntegration(userID string) *models.Integration {
	watch := time.Now().Add(7 * 24 * time.Hour).UTC()

	return &models.Integration{
		UserID:          userID,
		Provider:        models.ProviderGmail,
		GenericType:     models.GenericTypeEmail,
		AccessToken:     []byte("encrypted-access"),
		RefreshToken:    []byte("encrypted-refresh"),
		TokenExpiration: time.Now().Add(time.Hour).UTC(),
		WatchExpiration: &watch,
		Status:          models.StatusActive,
		Scopes:          []string{"https://www.googleapis.com/auth/gmail.readonly"},
		ProviderUserID:  uuid.NewString() + "@example.com",
		HistoryCursor:   "100",
	}
}

func TestIntegrationRepository(t *testing.T) {
	db := testDB(t)
	repo := NewIntegrationRepository(db)
	ctx := context.Background()

	integration := testIntegration(uuid.NewString())

	t.Run("Create", func(t *testing.T) {
		if err := repo.Create(ctx, integration); err != nil {
			t.Fatalf("Failed to create integration: %v", err)
		}

		if integration.ID == "" {
			t.Fatal("Expected an id to be assigned")
		}
	})

	t.Run("CreateUpsertsOnReconnect", func(t *testing.T) {
		again := *integration
		again.ID = ""
		again.AccessToken = []byte("rotated-access")

		if err := repo.Create(ctx, &again); err != nil {
			t.Fatalf("Failed to upsert integration: %v", err)
		}

		if again.ID != integration.ID {
			t.Errorf("Expected reconnect to reuse id %s, got %s", integration.ID, again.ID)
		}
	})

	t.Run("Get", func(t *testing.T) {
		got, err := repo.Get(ctx, integration.ID)
		if err != nil {
			t.Fatalf("Failed to get integration: %v", err)
		}

		if got.ProviderUserID != integration.ProviderUserID {
			t.Errorf("Expected provider user id %s, got %s", integration.ProviderUserID, got.ProviderUserID)
		}

		if len(got.Scopes) != 1 {
			t.Errorf("Expected 1 scope, got %d", len(got.Scopes))
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get(ctx, uuid.NewString())
		if !errors.Is(err, models.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("GetByProviderKey", func(t *testing.T) {
		got, err := repo.GetByProviderKey(ctx, models.ProviderGmail, integration.ProviderUserID)
		if err != nil {
			t.Fatalf("Failed to get by provider key: %v", err)
		}

		if got.ID != integration.ID {
			t.Errorf("Expected id %s, got %s", integration.ID, got.ID)
		}
	})

	t.Run("UpdateTokensKeepsRefreshWhenNil", func(t *testing.T) {
		patch := models.TokenPatch{
			AccessToken:     []byte("new-access"),
			TokenExpiration: time.Now().Add(2 * time.Hour).UTC(),
			LastRefreshedAt: time.Now().UTC(),
		}

		if err := repo.UpdateTokens(ctx, integration.ID, patch); err != nil {
			t.Fatalf("Failed to update tokens: %v", err)
		}

		got, err := repo.Get(ctx, integration.ID)
		if err != nil {
			t.Fatalf("Failed to get integration: %v", err)
		}

		if string(got.AccessToken) != "new-access" {
			t.Errorf("Expected access token to rotate, got %q", got.AccessToken)
		}

		if string(got.RefreshToken) != "encrypted-refresh" {
			t.Errorf("Expected refresh token to be retained, got %q", got.RefreshToken)
		}
	})

	t.Run("AdvanceCursor", func(t *testing.T) {
		applied, err := repo.AdvanceCursor(ctx, integration.ID, "100", "105")
		if err != nil {
			t.Fatalf("Failed to advance cursor: %v", err)
		}

		if !applied {
			t.Fatal("Expected the swap to apply")
		}

		// A second writer using the stale cursor loses the swap.
		applied, err = repo.AdvanceCursor(ctx, integration.ID, "100", "200")
		if err != nil {
			t.Fatalf("Failed on stale swap: %v", err)
		}

		if applied {
			t.Error("Expected the stale swap to be rejected")
		}

		got, err := repo.Get(ctx, integration.ID)
		if err != nil {
			t.Fatalf("Failed to get integration: %v", err)
		}

		if got.HistoryCursor != "105" {
			t.Errorf("Expected cursor 105, got %s", got.HistoryCursor)
		}
	})

	t.Run("ListWatchExpiring", func(t *testing.T) {
		due, err := repo.ListWatchExpiring(ctx, time.Now().Add(30*24*time.Hour))
		if err != nil {
			t.Fatalf("Failed to list expiring watches: %v", err)
		}

		found := false
		for _, i := range due {
			if i.ID == integration.ID {
				found = true
			}
		}

		if !found {
			t.Error("Expected the integration in the expiring-watch list")
		}
	})

	t.Run("UpdateStatusInvalidTransition", func(t *testing.T) {
		err := repo.UpdateStatus(ctx, integration.ID, models.StatusRevoked, models.StatusActive)
		if !errors.Is(err, models.ErrInvalidTransition) {
			t.Errorf("Expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		if err := repo.UpdateStatus(ctx, integration.ID, models.StatusActive, models.StatusRevoked); err != nil {
			t.Fatalf("Failed to update status: %v", err)
		}

		// The row is no longer ACTIVE, so the same transition finds nothing.
		err := repo.UpdateStatus(ctx, integration.ID, models.StatusActive, models.StatusRevoked)
		if !errors.Is(err, models.ErrNotFound) {
			t.Errorf("Expected ErrNotFound on repeated transition, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Delete(ctx, integration.UserID, models.ProviderGmail); err != nil {
			t.Fatalf("Failed to delete integration: %v", err)
		}

		err := repo.Delete(ctx, integration.UserID, models.ProviderGmail)
		if !errors.Is(err, models.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestEventRepository(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	integrations := NewIntegrationRepository(db)
	events := NewEventRepository(db)

	integration := testIntegration(uuid.NewString())
	if err := integrations.Create(ctx, integration); err != nil {
		t.Fatalf("Failed to create integration: %v", err)
	}

	event := &models.Event{
		IntegrationID: integration.ID,
		NativeID:      "m-" + uuid.NewString(),
		Cursor:        "105",
		Title:         "subject",
		Sender:        "alice@example.com",
		Body:          "body",
		OccurredAt:    time.Now().UTC(),
		ReceivedAt:    time.Now().UTC(),
	}

	t.Run("CreateIfAbsent", func(t *testing.T) {
		inserted, err := events.CreateIfAbsent(ctx, event)
		if err != nil {
			t.Fatalf("Failed to create event: %v", err)
		}

		if !inserted {
			t.Fatal("Expected the first insert to apply")
		}
	})

	t.Run("DuplicateIsNoOp", func(t *testing.T) {
		dup := *event
		dup.ID = ""

		inserted, err := events.CreateIfAbsent(ctx, &dup)
		if err != nil {
			t.Fatalf("Duplicate insert errored: %v", err)
		}

		if inserted {
			t.Error("Expected the duplicate to be suppressed")
		}
	})

	t.Run("ListByIntegration", func(t *testing.T) {
		list, err := events.ListByIntegration(ctx, integration.ID, 10)
		if err != nil {
			t.Fatalf("Failed to list events: %v", err)
		}

		if len(list) != 1 {
			t.Fatalf("Expected 1 event, got %d", len(list))
		}

		if list[0].NativeID != event.NativeID {
			t.Errorf("Expected native id %s, got %s", event.NativeID, list[0].NativeID)
		}
	})

	t.Run("MarkProcessed", func(t *testing.T) {
		if err := events.MarkProcessed(ctx, event.ID); err != nil {
			t.Fatalf("Failed to mark processed: %v", err)
		}

		list, err := events.ListByIntegration(ctx, integration.ID, 10)
		if err != nil {
			t.Fatalf("Failed to list events: %v", err)
		}

		if !list[0].Processed {
			t.Error("Expected the event to be processed")
		}
	})

	t.Run("DeleteCascades", func(t *testing.T) {
		if err := integrations.Delete(ctx, integration.UserID, models.ProviderGmail); err != nil {
			t.Fatalf("Failed to delete integration: %v", err)
		}

		list, err := events.ListByIntegration(ctx, integration.ID, 10)
		if err != nil {
			t.Fatalf("Failed to list events: %v", err)
		}

		if len(list) != 0 {
			t.Errorf("Expected events to cascade, got %d", len(list))
		}
	})
}
