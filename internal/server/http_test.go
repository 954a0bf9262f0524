package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/turk-chat/listener/internal/audio"
	"github.com/turk-chat/listener/internal/capture"
	"github.com/turk-chat/listener/internal/config"
	"github.com/turk-chat/listener/internal/metrics"
	"github.com/turk-chat/listener/internal/stream"
	"github.com/turk-chat/listener/internal/transcription"
	"github.com/turk-chat/listener/internal/vad"
)

var testFormat = audio.Format{SampleRate: 16000, Channels: 1, FrameSize: 512}

// idleSource never yields a frame
type idleSource struct{}

func (idleSource) NextFrame(ctx context.Context) (audio.Frame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (idleSource) Format() audio.Format { return testFormat }
func (idleSource) Close() error         { return nil }

func newTestServer(t *testing.T) *HTTPServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	cfg := &config.Config{
		Audio:         config.AudioConfig{SampleRate: 16000, Channels: 1, FrameSize: 512, BitDepth: 16, Source: config.SourcePortAudio},
		Ring:          config.RingConfig{Duration: 10},
		Segmenter:     config.SegmenterConfig{Threshold: 900, TrailingSilence: 1, PreRoll: 4},
		Transcription: config.TranscriptionConfig{Backend: config.BackendHTTP, Endpoint: "http://localhost:8000", APIKey: "super-secret"},
	}

	bounds := cfg.SegmenterBounds()
	ring, err := audio.NewRing(bounds.Capacity, testFormat.FrameLen())
	if err != nil {
		t.Fatalf("NewRing failed: %v", err)
	}
	segmenter, err := audio.NewSegmenter(bounds)
	if err != nil {
		t.Fatalf("NewSegmenter failed: %v", err)
	}
	detector, _ := vad.NewDetector(cfg.Segmenter.Threshold)

	transcriber, err := transcription.NewHTTPClient(transcription.Config{Endpoint: cfg.Transcription.Endpoint})
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}
	emitter, err := stream.NewEmitter(transcriber, stream.EmitterConfig{Format: testFormat, MaxNoSpeechProb: 0.2}, logger, m)
	if err != nil {
		t.Fatalf("NewEmitter failed: %v", err)
	}

	listener, err := stream.NewListener(stream.Components{
		Source:    idleSource{},
		Gate:      capture.NewGate(nil, testFormat),
		Ring:      ring,
		Detector:  detector,
		Segmenter: segmenter,
		Emitter:   emitter,
	}, stream.ListenerConfig{QueueSize: 1, DrainTimeout: 1}, logger, m)
	if err != nil {
		t.Fatalf("NewListener failed: %v", err)
	}

	return NewHTTPServer(config.HTTPConfig{Address: "127.0.0.1", Port: 0, Enabled: true}, logger, Deps{
		Config:      cfg,
		Listener:    listener,
		Transcriber: transcriber,
		Metrics:     m,
		Gatherer:    registry,
	})
}

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEndpoints(t *testing.T) {
	server := newTestServer(t)
	handler := server.Handler()

	tests := []struct {
		name     string
		method   string
		path     string
		status   int
		contains string
	}{
		{"root", http.MethodGet, "/", http.StatusOK, "/stats"},
		{"unknown path", http.MethodGet, "/nope", http.StatusNotFound, ""},
		{"health when stopped", http.MethodGet, "/health", http.StatusServiceUnavailable, `"stopped"`},
		{"stats", http.MethodGet, "/stats", http.StatusOK, `"listener"`},
		{"transcription stats", http.MethodGet, "/stats/transcription", http.StatusOK, `"backend":"http"`},
		{"config", http.MethodGet, "/config", http.StatusOK, `"ring_capacity_frames":312`},
		{"post not allowed", http.MethodPost, "/stats", http.StatusMethodNotAllowed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, handler, tt.method, tt.path)
			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, rec.Code)
			}
			if tt.contains != "" && !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("Expected body to contain %s, got %s", tt.contains, rec.Body.String())
			}
		})
	}
}

func TestConfigRedactsSecrets(t *testing.T) {
	server := newTestServer(t)
	rec := get(t, server.Handler(), http.MethodGet, "/config")

	body := rec.Body.String()
	if strings.Contains(body, "super-secret") {
		t.Error("API key leaked through /config")
	}

	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if _, ok := decoded["derived"]; !ok {
		t.Error("Expected derived frame counts")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t)
	handler := server.Handler()

	// Generate one instrumented request first
	get(t, handler, http.MethodGet, "/stats")

	rec := get(t, handler, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, name := range []string{"listener_http_requests_total", "listener_frames_captured_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected %s in metrics output", name)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	server := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}
}
