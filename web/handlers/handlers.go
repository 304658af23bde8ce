// Package handlers contains the HTTP boundary of the service: OAuth connect
// and callback routes, provider webhook endpoints and operator-facing status
// routes.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/inlethq/inlet/ingest"
	"github.com/inlethq/inlet/models"
	"github.com/inlethq/inlet/pkg/encryption"
	"github.com/inlethq/inlet/providers"
	"github.com/inlethq/inlet/tlmt"
)

// Dispatcher hands a resolved (integration, cursor) pair off for history
// synchronization. The queue-backed implementation lives in redis; the
// inline one in ingest.
type Dispatcher interface {
	DispatchSync(ctx context.Context, integrationID, cursor string) error
}

// Dependencies aggregates shared services used by handlers.
type Dependencies struct {
	Logger       *zap.Logger
	Integrations models.IntegrationRepository
	Events       models.EventRepository
	Registry     *providers.Registry
	Watches      *ingest.WatchManager
	Dispatcher   Dispatcher
	Cipher       *encryption.Cipher
	Telemetry    tlmt.Telemetry
}

// HandlerGroup groups all handler categories for routing setup.
type HandlerGroup struct {
	Integration *IntegrationHandler
	Webhook     *WebhookHandler
}

func NewHandlerGroup(deps Dependencies) *HandlerGroup {
	return &HandlerGroup{
		Integration: &IntegrationHandler{Deps: deps},
		Webhook:     &WebhookHandler{Deps: deps},
	}
}

func renderJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(payload)
}
