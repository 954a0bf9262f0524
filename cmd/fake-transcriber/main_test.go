package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/turk-chat/listener/internal/audio"
	"github.com/turk-chat/listener/internal/transcription"
)

func TestFakeServerRoundTrip(t *testing.T) {
	s := &fakeServer{
		text:         "hello there",
		noSpeechProb: 0.1,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	server := httptest.NewServer(http.HandlerFunc(s.handleTranscribe))
	defer server.Close()

	client, err := transcription.NewHTTPClient(transcription.Config{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}

	format := audio.Format{SampleRate: 16000, Channels: 1, FrameSize: 160}
	wav, err := audio.EncodeWAV(make([]int16, 16000), format)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	response, err := client.Transcribe(context.Background(), &transcription.Request{
		SegmentID:  "seg",
		Audio:      wav,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Duration:   time.Second,
	})
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}

	if response.Text != "hello there" || response.NoSpeechProb != 0.1 {
		t.Errorf("Unexpected response %+v", response)
	}
	if response.Duration != 1 {
		t.Errorf("Expected duration 1s from the WAV header, got %f", response.Duration)
	}
}

func TestFakeServerRejectsInvalidAudio(t *testing.T) {
	s := &fakeServer{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	server := httptest.NewServer(http.HandlerFunc(s.handleTranscribe))
	defer server.Close()

	client, _ := transcription.NewHTTPClient(transcription.Config{Endpoint: server.URL})
	_, err := client.Transcribe(context.Background(), &transcription.Request{SegmentID: "seg", Audio: []byte("not a wav")})
	if err == nil {
		t.Error("Expected error for invalid WAV upload")
	}
}
