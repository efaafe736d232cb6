// Package api exposes the pipeline's HTTP surface: the correlation-alert
// webhook, health, statistics, and metrics endpoints.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lqviet/entraflow/internal/alerts"
	"github.com/lqviet/entraflow/internal/collector"
	"github.com/lqviet/entraflow/internal/forwarder"
	"github.com/lqviet/entraflow/internal/observability"
)

// maxAlertPayload bounds webhook request bodies.
const maxAlertPayload = 1 << 20 // 1MB

// Config holds HTTP surface settings.
type Config struct {
	// WebhookTokenEnv names the env var holding the shared webhook
	// token. When set, requests without the matching bearer token are
	// rejected; an unset name disables webhook auth.
	WebhookTokenEnv string
	RequestTimeout  time.Duration
}

// Server wires the pipeline components behind a chi router.
type Server struct {
	cfg       Config
	receiver  *alerts.Receiver
	connector *collector.Connector
	forwarder *forwarder.Forwarder
	metrics   *observability.Metrics
	logger    *zap.Logger
	router    chi.Router
}

// New creates the HTTP surface. connector, forwarder, and metrics may be
// nil in partial deployments.
func New(cfg Config, receiver *alerts.Receiver, conn *collector.Connector, fwd *forwarder.Forwarder, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:       cfg,
		receiver:  receiver,
		connector: conn,
		forwarder: fwd,
		metrics:   metrics,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/stats", s.handleStats)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/webhook/alerts", s.handleAlertWebhook)
		r.Get("/alerts/history", s.handleAlertHistory)
	})

	s.router = r
	return s
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.connector != nil && !s.connector.HealthCheck(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "collector unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"alerts": s.receiver.GetStatistics(r.Context()),
	}
	if s.connector != nil {
		stats["collector"] = s.connector.GetStatistics()
	}
	if s.forwarder != nil {
		stats["events_forwarded"] = s.forwarder.EventsForwarded()
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAlertWebhook accepts one correlation alert per request and
// responds with the structured processing result.
func (s *Server) handleAlertWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid token"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxAlertPayload))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "error reading body"})
		return
	}

	result := s.receiver.Receive(r.Context(), payload)

	status := http.StatusOK
	if result.Status == alerts.StatusError {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, result)
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	ids := s.receiver.AlertHistory(
		alerts.Category(r.URL.Query().Get("category")),
		alerts.Severity(r.URL.Query().Get("severity")),
		limit,
	)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alert_ids": ids,
		"count":     len(ids),
	})
}

// authorized validates the shared webhook token. Fails closed when a
// token env var is named but holds no value.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.WebhookTokenEnv == "" {
		return true
	}

	expected := os.Getenv(s.cfg.WebhookTokenEnv)
	if expected == "" {
		return false
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	return strings.TrimPrefix(auth, "Bearer ") == expected
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
