package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inlethq/inlet/models"
)

const integrationColumns = `
	id, user_id, provider, generic_type, access_token, refresh_token,
	token_expiration, watch_expiration, status, scopes, provider_user_id,
	history_cursor, metadata, last_used_at, last_refreshed_at, created_at, updated_at
`

// IntegrationRepository persists integrations in PostgreSQL.
type IntegrationRepository struct {
	db *sql.DB
}

var _ models.IntegrationRepository = (*IntegrationRepository)(nil)

func NewIntegrationRepository(db *sql.DB) *IntegrationRepository {
	return &IntegrationRepository{db: db}
}

func (r *IntegrationRepository) Create(ctx context.Context, integration *models.Integration) error {
	if integration.ID == "" {
		integration.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	integration.CreatedAt = now
	integration.UpdatedAt = now

	if integration.Status == "" {
		integration.Status = models.StatusActive
	}

	scopes, err := json.Marshal(integration.Scopes)
	if err != nil {
		return err
	}

	metadata, err := json.Marshal(integration.Metadata)
	if err != nil {
		return err
	}

	// Reconnecting an account replaces the credentials of the existing row
	// rather than growing a second integration for the same account.
	query := `
		INSERT INTO integrations (` + integrationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (user_id, provider, provider_user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expiration = EXCLUDED.token_expiration,
			status = EXCLUDED.status,
			scopes = EXCLUDED.scopes,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`

	return r.db.QueryRowContext(ctx, query,
		integration.ID,
		integration.UserID,
		integration.Provider,
		integration.GenericType,
		integration.AccessToken,
		integration.RefreshToken,
		integration.TokenExpiration,
		integration.WatchExpiration,
		integration.Status,
		scopes,
		integration.ProviderUserID,
		integration.HistoryCursor,
		metadata,
		integration.LastUsedAt,
		integration.LastRefreshedAt,
		integration.CreatedAt,
		integration.UpdatedAt,
	).Scan(&integration.ID)
}

func (r *IntegrationRepository) Get(ctx context.Context, id string) (*models.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE id = $1`

	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *IntegrationRepository) GetByProviderKey(ctx context.Context, provider models.Provider, providerUserID string) (*models.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE provider = $1 AND provider_user_id = $2`

	return r.scanOne(r.db.QueryRowContext(ctx, query, provider, providerUserID))
}

func (r *IntegrationRepository) GetByUser(ctx context.Context, userID string, provider models.Provider) (*models.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE user_id = $1 AND provider = $2`

	return r.scanOne(r.db.QueryRowContext(ctx, query, userID, provider))
}

func (r *IntegrationRepository) UpdateTokens(ctx context.Context, id string, patch models.TokenPatch) error {
	query := `
		UPDATE integrations SET
			access_token = $2,
			refresh_token = COALESCE($3, refresh_token),
			token_expiration = $4,
			last_refreshed_at = $5,
			updated_at = NOW()
		WHERE id = $1
	`

	res, err := r.db.ExecContext(ctx, query, id, patch.AccessToken, patch.RefreshToken, patch.TokenExpiration, patch.LastRefreshedAt)
	if err != nil {
		return err
	}

	return requireRow(res)
}

func (r *IntegrationRepository) UpdateStatus(ctx context.Context, id string, from, to models.IntegrationStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}

	// The transition guard is enforced in the statement as well so two racing
	// writers cannot move the row twice.
	query := `UPDATE integrations SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`

	res, err := r.db.ExecContext(ctx, query, id, from, to)
	if err != nil {
		return err
	}

	return requireRow(res)
}

func (r *IntegrationRepository) UpdateWatch(ctx context.Context, id string, expiration time.Time) error {
	query := `UPDATE integrations SET watch_expiration = $2, updated_at = NOW() WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, expiration)
	if err != nil {
		return err
	}

	return requireRow(res)
}

func (r *IntegrationRepository) AdvanceCursor(ctx context.Context, id, oldCursor, newCursor string) (bool, error) {
	query := `
		UPDATE integrations SET history_cursor = $3, updated_at = NOW()
		WHERE id = $1 AND history_cursor = $2
	`

	res, err := r.db.ExecContext(ctx, query, id, oldCursor, newCursor)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

func (r *IntegrationRepository) TouchLastUsed(ctx context.Context, id string) error {
	query := `UPDATE integrations SET last_used_at = NOW() WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query, id)

	return err
}

func (r *IntegrationRepository) ListWatchExpiring(ctx context.Context, before time.Time) ([]models.Integration, error) {
	query := `
		SELECT ` + integrationColumns + `
		FROM integrations
		WHERE status = $1 AND watch_expiration IS NOT NULL AND watch_expiration < $2
		ORDER BY watch_expiration
	`

	return r.list(ctx, query, models.StatusActive, before)
}

func (r *IntegrationRepository) ListTokenExpiring(ctx context.Context, before time.Time) ([]models.Integration, error) {
	query := `
		SELECT ` + integrationColumns + `
		FROM integrations
		WHERE status = $1 AND token_expiration < $2
		ORDER BY token_expiration
	`

	return r.list(ctx, query, models.StatusActive, before)
}

func (r *IntegrationRepository) Delete(ctx context.Context, userID string, provider models.Provider) error {
	query := `DELETE FROM integrations WHERE user_id = $1 AND provider = $2`

	res, err := r.db.ExecContext(ctx, query, userID, provider)
	if err != nil {
		return err
	}

	return requireRow(res)
}

func (r *IntegrationRepository) list(ctx context.Context, query string, args ...any) ([]models.Integration, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ans []models.Integration

	for rows.Next() {
		i, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, *i)
	}

	return ans, rows.Err()
}

func (r *IntegrationRepository) scanOne(row *sql.Row) (*models.Integration, error) {
	i, err := scanIntegration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}

		return nil, err
	}

	return i, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntegration(row scanner) (*models.Integration, error) {
	var (
		i        models.Integration
		scopes   []byte
		metadata []byte
	)

	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Provider,
		&i.GenericType,
		&i.AccessToken,
		&i.RefreshToken,
		&i.TokenExpiration,
		&i.WatchExpiration,
		&i.Status,
		&scopes,
		&i.ProviderUserID,
		&i.HistoryCursor,
		&metadata,
		&i.LastUsedAt,
		&i.LastRefreshedAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &i.Scopes); err != nil {
			return nil, fmt.Errorf("decode scopes: %w", err)
		}
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &i.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}

	return &i, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return models.ErrNotFound
	}

	return nil
}
