// Package tasks defines the asynq task types and their handlers.
package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// TypeHistorySync pulls incremental history for one integration.
	TypeHistorySync = "ingest:history_sync"
	// TypeWatchRenew re-registers provider watches nearing expiration.
	TypeWatchRenew = "watch:renew"
	// TypeRefreshSweep proactively refreshes tokens nearing expiry so the
	// webhook path rarely pays the refresh cost.
	TypeRefreshSweep = "tokens:refresh_sweep"
)

// HistorySyncPayload identifies the integration to sync and the cursor the
// triggering notification carried (used only to seed a first sync).
type HistorySyncPayload struct {
	IntegrationID string `json:"integration_id"`
	Cursor        string `json:"cursor,omitempty"`
}

func NewHistorySyncTask(integrationID, cursor string) (*asynq.Task, error) {
	if integrationID == "" {
		return nil, fmt.Errorf("history sync task requires an integration id")
	}

	payload, err := json.Marshal(HistorySyncPayload{
		IntegrationID: integrationID,
		Cursor:        cursor,
	})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(TypeHistorySync, payload), nil
}

func NewWatchRenewTask() *asynq.Task {
	return asynq.NewTask(TypeWatchRenew, nil)
}

func NewRefreshSweepTask() *asynq.Task {
	return asynq.NewTask(TypeRefreshSweep, nil)
}
