package transcription

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	if _, err := NewOpenAIClient(Config{}); err == nil {
		t.Error("Expected error for missing API key")
	}
}

func TestOpenAIClientTranscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("Failed to parse multipart form: %v", err)
		}
		if r.FormValue("response_format") != "verbose_json" {
			t.Errorf("Expected verbose_json, got %q", r.FormValue("response_format"))
		}
		if r.FormValue("model") != "whisper-1" {
			t.Errorf("Expected default model, got %q", r.FormValue("model"))
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"task":"transcribe","language":"english","duration":1.5,"text":"Turn on the light.",
			"segments":[{"id":0,"start":0,"end":1.5,"text":"Turn on the light.","no_speech_prob":0.05}]}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(Config{Endpoint: server.URL + "/v1", APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewOpenAIClient failed: %v", err)
	}

	response, err := client.Transcribe(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}

	if response.Text != "Turn on the light." {
		t.Errorf("Unexpected text %q", response.Text)
	}
	if math.Abs(response.NoSpeechProb-0.05) > 1e-9 {
		t.Errorf("Expected no speech prob 0.05, got %f", response.NoSpeechProb)
	}
	if response.Language != "english" {
		t.Errorf("Expected language english, got %q", response.Language)
	}
	if client.GetStats().SuccessRequests != 1 {
		t.Errorf("Expected one successful request, got %+v", client.GetStats())
	}
}

func TestOpenAIClientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	client, _ := NewOpenAIClient(Config{Endpoint: server.URL + "/v1", APIKey: "sk-bad"})
	if _, err := client.Transcribe(context.Background(), testRequest()); err == nil {
		t.Fatal("Expected error for unauthorized response")
	}
	if client.GetStats().FailedRequests != 1 {
		t.Errorf("Expected one failed request, got %+v", client.GetStats())
	}
}
