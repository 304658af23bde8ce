package handlers

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/inlethq/inlet/models"
	"github.com/inlethq/inlet/providers/gmail"
	"github.com/inlethq/inlet/providers/slack"
	"github.com/inlethq/inlet/tlmt"
)

// maxWebhookBody caps how much of a push notification body is read.
const maxWebhookBody = 1 << 20

// WebhookHandler receives provider push notifications. Every defect in an
// inbound payload is absorbed here: the provider always gets a 2xx back, so a
// bad payload or an unknown account can never trigger a redelivery storm. The
// failure is logged for operator visibility instead.
type WebhookHandler struct {
	Deps Dependencies
}

// HandleGmail handles POST /api/gmail-sub: the Pub/Sub push wrapper around a
// Gmail history notification.
func (h *WebhookHandler) HandleGmail(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.Deps.Logger.Warn("gmail webhook body read failed", zap.Error(err))
		w.WriteHeader(http.StatusNoContent)

		return
	}

	notification, err := gmail.DecodeNotification(body)
	if err != nil {
		h.Deps.Logger.Warn("gmail webhook payload rejected", zap.Error(err))
		w.WriteHeader(http.StatusNoContent)

		return
	}

	h.dispatch(r, models.ProviderGmail, notification.AccountKey, notification.Cursor)

	w.WriteHeader(http.StatusNoContent)
}

// HandleSlack handles POST /api/slack-sub: Events API callbacks plus the
// url_verification handshake, which is answered synchronously without any
// integration lookup.
func (h *WebhookHandler) HandleSlack(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.Deps.Logger.Warn("slack webhook body read failed", zap.Error(err))
		w.WriteHeader(http.StatusNoContent)

		return
	}

	env, err := slack.DecodeEnvelope(body)
	if err != nil {
		h.Deps.Logger.Warn("slack webhook payload rejected", zap.Error(err))
		w.WriteHeader(http.StatusNoContent)

		return
	}

	switch env.Type {
	case "url_verification":
		renderJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
		return

	case "event_callback":
		if env.Event == nil || env.Event.Type != "message" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		notification, err := slack.Notification(env)
		if err != nil {
			h.Deps.Logger.Warn("slack event rejected", zap.Error(err))
			w.WriteHeader(http.StatusNoContent)

			return
		}

		h.dispatch(r, models.ProviderSlack, notification.AccountKey, notification.Cursor)

		w.WriteHeader(http.StatusNoContent)

	default:
		h.Deps.Logger.Debug("ignoring slack envelope", zap.String("type", env.Type))
		w.WriteHeader(http.StatusNoContent)
	}
}

// dispatch resolves the addressed account to an integration and hands the
// (integration, cursor) pair to the synchronizer. All failures are absorbed.
func (h *WebhookHandler) dispatch(r *http.Request, provider models.Provider, accountKey, cursor string) {
	ctx := r.Context()

	_ = h.Deps.Telemetry.Send(ctx, tlmt.NewEvent("webhook.received", map[string]any{
		"provider": string(provider),
	}))

	integration, err := h.Deps.Integrations.GetByProviderKey(ctx, provider, accountKey)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			h.Deps.Logger.Warn("webhook for unknown account",
				zap.String("provider", string(provider)),
				zap.String("account_key", accountKey))

			return
		}

		h.Deps.Logger.Error("integration lookup failed",
			zap.String("provider", string(provider)),
			zap.Error(err))

		return
	}

	if integration.Status != models.StatusActive {
		h.Deps.Logger.Warn("webhook for inactive integration",
			zap.String("integration_id", integration.ID),
			zap.String("status", string(integration.Status)))

		return
	}

	if err := h.Deps.Dispatcher.DispatchSync(ctx, integration.ID, cursor); err != nil {
		h.Deps.Logger.Error("history sync dispatch failed",
			zap.String("integration_id", integration.ID),
			zap.Error(err))
	}
}
