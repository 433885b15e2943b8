package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/btimofeyev/dewey/internal/config"
	"github.com/btimofeyev/dewey/internal/metrics"
	"github.com/btimofeyev/dewey/internal/relay"
	"github.com/btimofeyev/dewey/internal/store"
)

// HTTPServer provides the REST API, monitoring endpoints, and the
// WebSocket streaming endpoint
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	relayMgr *relay.Manager
	metrics  *metrics.Metrics
	db       store.Querier

	upgrader websocket.Upgrader

	startTime time.Time
}

// NewHTTPServer creates the API server with all routes configured
func NewHTTPServer(logger *slog.Logger, cfg *config.Config, relayMgr *relay.Manager,
	m *metrics.Metrics, db store.Querier) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    cfg,
		relayMgr:  relayMgr,
		metrics:   m,
		db:        db,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Server.ReadBufferSize,
			WriteBufferSize: cfg.Server.ReadBufferSize,
			// The mobile client does not send a browser origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:      h.routes(),
		ReadTimeout:  0, // WebSocket sessions are long-lived
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// routes configures the router
func (h *HTTPServer) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.withMetrics("/", h.handleRoot))
	r.Get("/health", h.withMetrics("/health", h.handleHealth))
	r.Get("/stats", h.withMetrics("/stats", h.handleStats))
	r.Get("/config", h.withMetrics("/config", h.handleConfig))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stream", h.handleStream)

		r.Get("/sessions", h.withMetrics("/v1/sessions", h.handleSessions))
		r.Get("/sessions/{id}", h.withMetrics("/v1/sessions/{id}", h.handleSessionDetail))

		r.Post("/profiles", h.withMetrics("/v1/profiles", h.handleCreateProfile))
		r.Route("/profiles/{id}", func(r chi.Router) {
			r.Get("/", h.withMetrics("/v1/profiles/{id}", h.handleGetProfile))
			r.Get("/questions", h.withMetrics("/v1/profiles/{id}/questions", h.handleListQuestions))
			r.Get("/favorites", h.withMetrics("/v1/profiles/{id}/favorites", h.handleListFavorites))
			r.Put("/favorites/{questionID}", h.withMetrics("/v1/profiles/{id}/favorites/{questionID}", h.handleAddFavorite))
			r.Delete("/favorites/{questionID}", h.withMetrics("/v1/profiles/{id}/favorites/{questionID}", h.handleRemoveFavorite))
			r.Get("/dashboard", h.withMetrics("/v1/profiles/{id}/dashboard", h.handleDashboard))
		})

		r.Get("/explore", h.withMetrics("/v1/explore", h.handleExplore))
	})

	return r
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// respondJSON writes a JSON response with the given status
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError writes a JSON error response. The message is user-facing;
// internal details stay in the logs.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	apiDoc := map[string]interface{}{
		"service": "dewey",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                           "API documentation",
			"GET /health":                     "Service health check",
			"GET /stats":                      "Service statistics",
			"GET /config":                     "Sanitized configuration",
			"GET /metrics":                    "Prometheus metrics",
			"GET /v1/stream":                  "WebSocket audio streaming",
			"GET /v1/sessions":                "List active relay sessions",
			"GET /v1/sessions/{id}":           "Relay session detail",
			"POST /v1/profiles":               "Create child profile",
			"GET /v1/profiles/{id}":           "Get child profile",
			"GET /v1/profiles/{id}/questions": "Question history",
			"GET /v1/profiles/{id}/favorites": "Favorite questions",
			"GET /v1/profiles/{id}/dashboard": "Parental usage dashboard",
			"GET /v1/explore":                 "Curated explore feed",
		},
		"timestamp": time.Now().UTC(),
	}

	respondJSON(w, http.StatusOK, apiDoc)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "dewey",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"relay": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.relayMgr.GetActiveSessionCount(),
			},
		},
	}

	respondJSON(w, http.StatusOK, health)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]interface{}{
			"active_count": h.relayMgr.GetActiveSessionCount(),
			"max_count":    h.config.Session.MaxConcurrent,
		},
	}

	respondJSON(w, http.StatusOK, stats)
}

// handleConfig implements the /config endpoint. Secrets are omitted.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	sanitized := map[string]interface{}{
		"server": map[string]interface{}{
			"port":             h.config.Server.Port,
			"address":          h.config.Server.Address,
			"read_buffer_size": h.config.Server.ReadBufferSize,
			"max_frame_size":   h.config.Server.MaxFrameSize,
		},
		"audio": map[string]interface{}{
			"input_sample_rate":  h.config.Audio.InputSampleRate,
			"output_sample_rate": h.config.Audio.OutputSampleRate,
			"max_utterance":      h.config.Audio.MaxUtterance,
			"max_sequence_gap":   h.config.Audio.MaxSequenceGap,
		},
		"live": map[string]interface{}{
			"endpoint":           h.config.Live.Endpoint,
			"model":              h.config.Live.Model,
			"voice":              h.config.Live.Voice,
			"dial_timeout":       h.config.Live.DialTimeout,
			"max_retries":        h.config.Live.MaxRetries,
			"heartbeat_interval": h.config.Live.HeartbeatInterval,
			// API key is intentionally omitted
		},
		"session": map[string]interface{}{
			"max_concurrent":      h.config.Session.MaxConcurrent,
			"idle_timeout":        h.config.Session.IdleTimeout,
			"outbound_queue_size": h.config.Session.OutboundQueueSize,
			"default_daily_quota": h.config.Session.DefaultDailyQuota,
		},
		"media": map[string]interface{}{
			"enabled": h.config.Media.Enabled,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	respondJSON(w, http.StatusOK, sanitized)
}

// handleSessions implements the /v1/sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	infos := h.relayMgr.ListSessions()

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements the /v1/sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	session, exists := h.relayMgr.GetSession(sessionID)
	if !exists {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}

	respondJSON(w, http.StatusOK, session.Info())
}
