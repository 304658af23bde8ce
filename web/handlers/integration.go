package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/inlethq/inlet/models"
	"github.com/inlethq/inlet/tlmt"
)

const (
	stateCookie   = "oauth_state"
	userCookie    = "oauth_user"
	stateLifetime = 300 // seconds
)

// IntegrationHandler implements the OAuth connect flow and integration
// management routes.
type IntegrationHandler struct {
	Deps Dependencies
}

func parseProvider(raw string) (models.Provider, error) {
	switch strings.ToLower(raw) {
	case "gmail":
		return models.ProviderGmail, nil
	case "slack":
		return models.ProviderSlack, nil
	case "outlook":
		return models.ProviderOutlook, nil
	case "github":
		return models.ProviderGithub, nil
	case "google-calendar":
		return models.ProviderGoogleCalendar, nil
	default:
		return "", fmt.Errorf("unsupported provider %q", raw)
	}
}

// HandleConnect starts the OAuth consent flow:
// GET /integrations/{provider}/connect?user_id=...
func (h *IntegrationHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	name, err := parseProvider(mux.Vars(r)["provider"])
	if err != nil {
		renderJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	provider, err := h.Deps.Registry.Get(name)
	if err != nil {
		renderJSON(w, http.StatusNotFound, map[string]string{"error": "provider not configured"})
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		renderJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}

	// State token prevents CSRF; the user id rides along in its own cookie
	// so the callback can bind the integration without a session layer.
	state := uuid.New().String()

	isSecure := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
	for cookieName, value := range map[string]string{stateCookie: state, userCookie: userID} {
		http.SetCookie(w, &http.Cookie{
			Name:     cookieName,
			Value:    value,
			Path:     "/",
			HttpOnly: true,
			Secure:   isSecure,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   stateLifetime,
		})
	}

	// AccessTypeOffline is required to get a refresh token.
	url := provider.OAuth().AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// HandleCallback exchanges the OAuth code, creates the integration and
// registers the provider watch:
// GET /integrations/{provider}?code=...&state=...
func (h *IntegrationHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	name, err := parseProvider(mux.Vars(r)["provider"])
	if err != nil {
		h.redirectError(w, r, "unsupported_provider")
		return
	}

	provider, err := h.Deps.Registry.Get(name)
	if err != nil {
		h.redirectError(w, r, "provider_not_configured")
		return
	}

	state, err := r.Cookie(stateCookie)
	if err != nil || r.URL.Query().Get("state") != state.Value {
		h.redirectError(w, r, "invalid_state")
		return
	}

	user, err := r.Cookie(userCookie)
	if err != nil || user.Value == "" {
		h.redirectError(w, r, "missing_user")
		return
	}

	h.clearCookies(w, r)

	code := r.URL.Query().Get("code")
	if code == "" {
		h.redirectError(w, r, "missing_code")
		return
	}

	token, err := provider.OAuth().Exchange(ctx, code)
	if err != nil {
		h.Deps.Logger.Warn("oauth code exchange failed",
			zap.String("provider", string(name)),
			zap.Error(err))
		h.redirectError(w, r, "token_exchange_failed")

		return
	}

	client := provider.OAuth().Client(ctx, token)

	providerUserID, err := provider.Identity(ctx, client)
	if err != nil {
		h.Deps.Logger.Warn("provider identity lookup failed",
			zap.String("provider", string(name)),
			zap.Error(err))
		h.redirectError(w, r, "identity_lookup_failed")

		return
	}

	accessToken, err := h.Deps.Cipher.Encrypt(token.AccessToken)
	if err != nil {
		h.redirectError(w, r, "internal")
		return
	}

	integration := &models.Integration{
		UserID:          user.Value,
		Provider:        name,
		GenericType:     provider.Kind(),
		AccessToken:     accessToken,
		TokenExpiration: token.Expiry.UTC(),
		Status:          models.StatusActive,
		Scopes:          provider.OAuth().Scopes,
		ProviderUserID:  providerUserID,
	}

	if token.RefreshToken != "" {
		integration.RefreshToken, err = h.Deps.Cipher.Encrypt(token.RefreshToken)
		if err != nil {
			h.redirectError(w, r, "internal")
			return
		}
	}

	if err := h.Deps.Integrations.Create(ctx, integration); err != nil {
		h.Deps.Logger.Error("failed to save integration",
			zap.String("provider", string(name)),
			zap.Error(err))
		h.redirectError(w, r, "save_failed")

		return
	}

	if _, err := h.Deps.Watches.Register(ctx, integration); err != nil {
		// The integration exists and can be synced on demand; the renewal
		// job retries registration, so this is reported, not fatal.
		h.Deps.Logger.Warn("watch registration failed",
			zap.String("integration_id", integration.ID),
			zap.Error(err))
	}

	_ = h.Deps.Telemetry.Send(ctx, tlmt.NewEvent("integration.connected", map[string]any{
		"provider": string(name),
	}))

	http.Redirect(w, r, "/integrations?integration=success", http.StatusTemporaryRedirect)
}

// HandleStatus reports connection state for one user's provider integration:
// GET /integrations/{provider}/status?user_id=...
func (h *IntegrationHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	name, err := parseProvider(mux.Vars(r)["provider"])
	if err != nil {
		renderJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		renderJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}

	integration, err := h.Deps.Integrations.GetByUser(r.Context(), userID, name)
	if err != nil {
		if err == models.ErrNotFound {
			renderJSON(w, http.StatusOK, map[string]any{"connected": false})
			return
		}

		renderJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})

		return
	}

	ans := map[string]any{
		"connected":        true,
		"status":           integration.Status,
		"provider_user_id": integration.ProviderUserID,
		"token_expiration": integration.TokenExpiration,
	}
	if integration.LastRefreshedAt != nil {
		ans["last_refreshed_at"] = integration.LastRefreshedAt
	}
	if integration.WatchExpiration != nil {
		ans["watch_expiration"] = integration.WatchExpiration
	}

	renderJSON(w, http.StatusOK, ans)
}

// HandleDisconnect removes the integration and, by cascade, its events:
// DELETE /integrations/{provider}?user_id=...
func (h *IntegrationHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	name, err := parseProvider(mux.Vars(r)["provider"])
	if err != nil {
		renderJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		renderJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}

	if err := h.Deps.Integrations.Delete(r.Context(), userID, name); err != nil {
		if err == models.ErrNotFound {
			renderJSON(w, http.StatusNotFound, map[string]string{"error": "not connected"})
			return
		}

		renderJSON(w, http.StatusInternalServerError, map[string]string{"error": "delete failed"})

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleEvents lists recently ingested events for one integration:
// GET /integrations/{provider}/events?user_id=...&limit=...
func (h *IntegrationHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	name, err := parseProvider(mux.Vars(r)["provider"])
	if err != nil {
		renderJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		renderJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}

	integration, err := h.Deps.Integrations.GetByUser(r.Context(), userID, name)
	if err != nil {
		if err == models.ErrNotFound {
			renderJSON(w, http.StatusNotFound, map[string]string{"error": "not connected"})
			return
		}

		renderJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})

		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 500 {
			limit = v
		}
	}

	events, err := h.Deps.Events.ListByIntegration(r.Context(), integration.ID, limit)
	if err != nil {
		renderJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}

	renderJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (h *IntegrationHandler) redirectError(w http.ResponseWriter, r *http.Request, reason string) {
	http.Redirect(w, r, "/integrations?error="+reason, http.StatusTemporaryRedirect)
}

func (h *IntegrationHandler) clearCookies(w http.ResponseWriter, r *http.Request) {
	isSecure := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"

	for _, name := range []string{stateCookie, userCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			Secure:   isSecure,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   -1,
		})
	}
}
