package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turk-chat/listener/internal/capture"
	"github.com/turk-chat/listener/internal/config"
	"github.com/turk-chat/listener/internal/metrics"
	"github.com/turk-chat/listener/internal/stream"
	"github.com/turk-chat/listener/internal/transcription"
)

const shutdownTimeout = 5 * time.Second

// clientStatser is implemented by transcribers that keep request statistics
type clientStatser interface {
	GetStats() transcription.ClientStats
}

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server      *http.Server
	logger      *slog.Logger
	config      *config.Config
	listener    *stream.Listener
	transcriber transcription.Transcriber
	udpSource   *capture.UDPSource // nil unless the source is udp
	metrics     *metrics.Metrics

	startTime time.Time
}

// Deps are the components the HTTP server reports on
type Deps struct {
	Config      *config.Config
	Listener    *stream.Listener
	Transcriber transcription.Transcriber
	UDPSource   *capture.UDPSource
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, deps Deps) *HTTPServer {
	h := &HTTPServer{
		logger:      logger,
		config:      deps.Config,
		listener:    deps.Listener,
		transcriber: deps.Transcriber,
		udpSource:   deps.UDPSource,
		metrics:     deps.Metrics,
		startTime:   time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux, deps.Gatherer)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/stats/transcription", h.withMetrics("/stats/transcription", h.handleTranscriptionStats))

	// Prometheus metrics endpoint (not instrumented itself)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), duration)
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

// Handler returns the routed handler, for tests and embedding
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// Run serves until ctx is done and then shuts down gracefully
func (h *HTTPServer) Run(ctx context.Context) error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return h.Stop(shutdownCtx)
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// writeJSON encodes v as the response body
func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write response", slog.String("error", err.Error()))
	}
}

// transcriptionStats returns client stats when the backend keeps them
func (h *HTTPServer) transcriptionStats() (transcription.ClientStats, bool) {
	if s, ok := h.transcriber.(clientStatser); ok {
		return s.GetStats(), true
	}
	return transcription.ClientStats{}, false
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.listener.GetStats()

	status, code := "healthy", http.StatusOK
	if !stats.Running {
		status, code = "stopped", http.StatusServiceUnavailable
	}

	components := map[string]any{
		"listener": map[string]any{
			"running":          stats.Running,
			"frames_processed": stats.FramesProcessed,
			"segmenter_state":  stats.Segmenter.State,
			"queue_depth":      stats.QueueDepth,
		},
		"playback": map[string]any{
			"suppressing": stats.Gate.Active,
			"busy":        stats.Playback.Busy,
		},
	}

	if ts, ok := h.transcriptionStats(); ok {
		components["transcription"] = map[string]any{
			"backend":        ts.Backend,
			"total_requests": ts.TotalRequests,
			"success_rate":   ts.SuccessRate,
		}
	}

	if h.udpSource != nil {
		udpStats := h.udpSource.GetStats()
		components["udp_source"] = map[string]any{
			"active":           udpStats.Active,
			"packets_received": udpStats.PacketsReceived,
			"parse_errors":     udpStats.ParseErrors,
		}
	}

	h.writeJSON(w, code, map[string]any{
		"status":     status,
		"timestamp":  time.Now().UTC(),
		"uptime":     time.Since(h.startTime).String(),
		"service":    map[string]any{"name": "listener"},
		"components": components,
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	redacted := h.config.Redacted()

	h.writeJSON(w, http.StatusOK, map[string]any{
		"config": redacted,
		"derived": map[string]any{
			"frame_duration_ms":    h.config.Audio.GetFrameDuration().Seconds() * 1000,
			"ring_capacity_frames": h.config.RingCapacity(),
			"speech_end_frames":    h.config.SpeechEndCount(),
			"max_utterance_frames": h.config.MaxUtteranceFrames(),
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"listener":  h.listener.GetStats(),
	}

	if ts, ok := h.transcriptionStats(); ok {
		stats["transcription"] = ts
	}

	if h.udpSource != nil {
		stats["udp"] = h.udpSource.GetStats()
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// handleTranscriptionStats implements the /stats/transcription endpoint
func (h *HTTPServer) handleTranscriptionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ts, ok := h.transcriptionStats()
	if !ok {
		http.Error(w, "Transcription backend keeps no statistics", http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, ts)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"service": "Speech segmentation listener",
		"endpoints": map[string]string{
			"GET /":                    "API documentation",
			"GET /health":              "Service health check",
			"GET /config":              "Active configuration, secrets redacted",
			"GET /stats":               "Listener and component statistics",
			"GET /stats/transcription": "Transcription client statistics",
			"GET /metrics":             "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
