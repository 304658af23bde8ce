// Package web wires the HTTP server: routing, request logging, panic
// recovery and the health endpoint.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/inlethq/inlet/web/handlers"
)

// HealthChecker reports readiness of a downstream dependency.
type HealthChecker func(ctx context.Context) error

type Server struct {
	srv    *http.Server
	logger *zap.Logger
	checks map[string]HealthChecker
}

func New(group *handlers.HandlerGroup, addr string, logger *zap.Logger, checks map[string]HealthChecker) *Server {
	ans := Server{
		logger: logger,
		checks: checks,
	}

	router := mux.NewRouter()
	router.Use(ans.recoverMiddleware, ans.logMiddleware)

	router.HandleFunc("/health", ans.handleHealth).Methods(http.MethodGet)

	// OAuth flow. The callback route matches the provider console
	// configuration: GET /integrations/{provider}?code=...
	router.HandleFunc("/integrations/{provider}/connect", group.Integration.HandleConnect).Methods(http.MethodGet)
	router.HandleFunc("/integrations/{provider}/status", group.Integration.HandleStatus).Methods(http.MethodGet)
	router.HandleFunc("/integrations/{provider}/events", group.Integration.HandleEvents).Methods(http.MethodGet)
	router.HandleFunc("/integrations/{provider}", group.Integration.HandleCallback).Methods(http.MethodGet)
	router.HandleFunc("/integrations/{provider}", group.Integration.HandleDisconnect).Methods(http.MethodDelete)

	// Provider push endpoints.
	router.HandleFunc("/api/gmail-sub", group.Webhook.HandleGmail).Methods(http.MethodPost)
	router.HandleFunc("/api/slack-sub", group.Webhook.HandleSlack).Methods(http.MethodPost)

	ans.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	return &ans
}

// Start serves until the context is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = s.srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", zap.String("addr", s.srv.Addr))

	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}

	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	ans := make(map[string]string, len(s.checks))

	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			ans[name] = err.Error()
		} else {
			ans[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ans)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in handler",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec))

				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
