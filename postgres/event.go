package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/inlethq/inlet/models"
)

// EventRepository persists normalized events in PostgreSQL. Duplicate
// suppression is a storage-level uniqueness constraint on
// (integration_id, native_id), not an application-level check-then-act.
type EventRepository struct {
	db *sql.DB
}

var _ models.EventRepository = (*EventRepository)(nil)

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) CreateIfAbsent(ctx context.Context, event *models.Event) (bool, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO events (
			id, integration_id, native_id, cursor, title, sender, channel,
			body, occurred_at, received_at, processed
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (integration_id, native_id) DO NOTHING
		RETURNING id
	`

	err := r.db.QueryRowContext(ctx, query,
		event.ID,
		event.IntegrationID,
		event.NativeID,
		event.Cursor,
		event.Title,
		event.Sender,
		event.Channel,
		event.Body,
		event.OccurredAt,
		event.ReceivedAt,
		event.Processed,
	).Scan(&event.ID)

	if errors.Is(err, sql.ErrNoRows) {
		// Conflict: the event already exists. A no-op success by contract.
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

func (r *EventRepository) ListByIntegration(ctx context.Context, integrationID string, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, integration_id, native_id, cursor, title, sender, channel,
		       body, occurred_at, received_at, processed
		FROM events
		WHERE integration_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, integrationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ans []models.Event

	for rows.Next() {
		var e models.Event

		err := rows.Scan(
			&e.ID,
			&e.IntegrationID,
			&e.NativeID,
			&e.Cursor,
			&e.Title,
			&e.Sender,
			&e.Channel,
			&e.Body,
			&e.OccurredAt,
			&e.ReceivedAt,
			&e.Processed,
		)
		if err != nil {
			return nil, err
		}

		ans = append(ans, e)
	}

	return ans, rows.Err()
}

func (r *EventRepository) MarkProcessed(ctx context.Context, id string) error {
	query := `UPDATE events SET processed = TRUE WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}

	return requireRow(res)
}
