package models

import (
	"context"
	"time"
)

// Event is one normalized unit of ingested provider content: an email for
// EMAIL integrations, a chat message for CHAT integrations. Events are unique
// per (integration, native id); redelivered webhooks never produce duplicates.
type Event struct {
	ID            string `json:"id"`
	IntegrationID string `json:"integration_id"`
	// NativeID is the provider-side identifier (Gmail message id, Slack
	// message ts) used for duplicate suppression.
	NativeID   string    `json:"native_id"`
	Cursor     string    `json:"cursor"` // history cursor observed at ingestion
	Title      string    `json:"title,omitempty"`
	Sender     string    `json:"sender,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	Body       string    `json:"body,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	ReceivedAt time.Time `json:"received_at"`
	Processed  bool      `json:"processed"`
}

// EventRepository persists normalized events.
type EventRepository interface {
	// CreateIfAbsent inserts the event unless one already exists for the same
	// (integration, native id). It reports whether a row was inserted; a
	// duplicate is a no-op success, not an error.
	CreateIfAbsent(ctx context.Context, event *Event) (bool, error)
	ListByIntegration(ctx context.Context, integrationID string, limit int) ([]Event, error)
	MarkProcessed(ctx context.Context, id string) error
}
