// Command fake-transcriber is a local stand-in for a whisper-style
// transcription service. It accepts the listener's multipart uploads, checks
// the WAV payload and answers with a fixed verbose JSON transcript.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/turk-chat/listener/internal/audio"
)

type segment struct {
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

type transcriptionResponse struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []segment `json:"segments"`
}

type fakeServer struct {
	text         string
	noSpeechProb float64
	delay        time.Duration
	logger       *slog.Logger
}

func (s *fakeServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	info, err := audio.GetWAVInfo(data)
	if err != nil {
		s.logger.Warn("Rejected upload", slog.String("filename", header.Filename), slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("invalid WAV: %v", err), http.StatusBadRequest)
		return
	}

	s.logger.Info("Transcription request received",
		slog.String("segment_id", r.FormValue("segment_id")),
		slog.String("filename", header.Filename),
		slog.Int("audio_size", len(data)),
		slog.Uint64("sample_rate", uint64(info.SampleRate)),
		slog.Uint64("channels", uint64(info.Channels)),
		slog.Float64("duration", info.Duration),
		slog.String("language", r.FormValue("language")),
		slog.String("model", r.FormValue("model")),
	)

	// Simulate processing time
	time.Sleep(s.delay)

	response := transcriptionResponse{
		Text:     s.text,
		Language: r.FormValue("language"),
		Duration: info.Duration,
		Segments: []segment{{
			Start:        0,
			End:          info.Duration,
			Text:         s.text,
			NoSpeechProb: s.noSpeechProb,
		}},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Warn("Failed to write response", slog.String("error", err.Error()))
	}
}

func main() {
	addr := flag.String("addr", ":8000", "Listen address")
	path := flag.String("path", "/speech_to_text", "Endpoint path")
	text := flag.String("text", "This is a test transcription.", "Text returned for every request")
	noSpeechProb := flag.Float64("no-speech-prob", 0.01, "No-speech probability reported for every request")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	s := &fakeServer{text: *text, noSpeechProb: *noSpeechProb, delay: *delay, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc(*path, s.handleTranscribe)

	logger.Info("Fake transcription server starting",
		slog.String("address", *addr),
		slog.String("endpoint", *path),
	)

	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
