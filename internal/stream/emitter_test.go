package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/turk-chat/listener/internal/audio"
	"github.com/turk-chat/listener/internal/metrics"
	"github.com/turk-chat/listener/internal/transcription"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTranscriber answers every request with the same response. When block
// is set each call waits for it to be closed or for the context to end.
type fakeTranscriber struct {
	response *transcription.Response
	err      error
	block    chan struct{}

	requests []*transcription.Request
	mu       sync.Mutex
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, request *transcription.Request) (*transcription.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, request)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.err != nil {
		return nil, f.err
	}
	response := *f.response
	return &response, nil
}

func (f *fakeTranscriber) Name() string {
	return "fake"
}

func (f *fakeTranscriber) Requests() []*transcription.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transcription.Request(nil), f.requests...)
}

var testFormat = audio.Format{SampleRate: 8000, Channels: 1, FrameSize: 80}

func newTestEmitter(t *testing.T, transcriber transcription.Transcriber, archiveDir string) (*Emitter, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	emitter, err := NewEmitter(transcriber, EmitterConfig{
		Format:          testFormat,
		ArchiveDir:      archiveDir,
		MaxNoSpeechProb: 0.2,
		Language:        "en",
	}, discardLogger(), m)
	if err != nil {
		t.Fatalf("NewEmitter failed: %v", err)
	}
	return emitter, m
}

func testClip(frames int) *Clip {
	samples := make([]int16, frames*testFormat.FrameLen())
	for i := range samples {
		samples[i] = int16(i % 1000)
	}
	return &Clip{
		Segment:   audio.Segment{Start: 0, Onset: 1, End: uint64(frames), ClosedAt: uint64(frames) + 2},
		Format:    testFormat,
		Samples:   samples,
		StartedAt: time.Unix(1700000000, 0),
	}
}

func TestNewEmitterValidation(t *testing.T) {
	transcriber := &fakeTranscriber{response: &transcription.Response{}}

	tests := []struct {
		name        string
		transcriber transcription.Transcriber
		config      EmitterConfig
	}{
		{"nil transcriber", nil, EmitterConfig{Format: testFormat, MaxNoSpeechProb: 0.2}},
		{"invalid format", transcriber, EmitterConfig{MaxNoSpeechProb: 0.2}},
		{"zero max no speech prob", transcriber, EmitterConfig{Format: testFormat}},
		{"max no speech prob above one", transcriber, EmitterConfig{Format: testFormat, MaxNoSpeechProb: 1.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.NewMetrics(prometheus.NewRegistry())
			if _, err := NewEmitter(tt.transcriber, tt.config, discardLogger(), m); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestEmitterTranscribes(t *testing.T) {
	transcriber := &fakeTranscriber{response: &transcription.Response{
		Text:         "  Turn on the light. ",
		NoSpeechProb: 0.05,
		Language:     "en",
	}}
	emitter, m := newTestEmitter(t, transcriber, "")

	transcript, err := emitter.Emit(context.Background(), testClip(5))
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	if transcript.Text != "Turn on the light." {
		t.Errorf("Expected trimmed text, got %q", transcript.Text)
	}
	if transcript.SegmentID == "" {
		t.Error("Expected a segment ID")
	}
	if transcript.AudioDuration != 50*time.Millisecond {
		t.Errorf("Expected 50ms of audio, got %v", transcript.AudioDuration)
	}

	requests := transcriber.Requests()
	if len(requests) != 1 {
		t.Fatalf("Expected one request, got %d", len(requests))
	}

	samples, format, err := audio.DecodeWAV(requests[0].Audio)
	if err != nil {
		t.Fatalf("Request audio is not valid WAV: %v", err)
	}
	if len(samples) != 5*testFormat.FrameLen() {
		t.Errorf("Expected %d samples, got %d", 5*testFormat.FrameLen(), len(samples))
	}
	if format.SampleRate != testFormat.SampleRate || format.Channels != testFormat.Channels {
		t.Errorf("Unexpected WAV format %+v", format)
	}
	if requests[0].SegmentID != transcript.SegmentID || requests[0].Language != "en" {
		t.Errorf("Unexpected request metadata %+v", requests[0])
	}

	if got := testutil.ToFloat64(m.TranscriptionSuccesses); got != 1 {
		t.Errorf("Expected 1 success recorded, got %f", got)
	}
	if stats := emitter.GetStats(); stats.Transcribed != 1 || stats.LastText != "Turn on the light." {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestEmitterNothingSaid(t *testing.T) {
	tests := []struct {
		name     string
		response transcription.Response
	}{
		{"empty text", transcription.Response{Text: ""}},
		{"whitespace", transcription.Response{Text: "   "}},
		{"single period", transcription.Response{Text: "."}},
		{"ellipsis", transcription.Response{Text: " ... "}},
		{"punctuation only", transcription.Response{Text: "?!"}},
		{"likely silence", transcription.Response{Text: "Thank you.", NoSpeechProb: 0.9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			response := tt.response
			emitter, m := newTestEmitter(t, &fakeTranscriber{response: &response}, "")

			_, err := emitter.Emit(context.Background(), testClip(3))
			if !errors.Is(err, ErrNothingSaid) {
				t.Errorf("Expected ErrNothingSaid, got %v", err)
			}
			if got := testutil.ToFloat64(m.NothingSaid); got != 1 {
				t.Errorf("Expected nothing-said counter 1, got %f", got)
			}
		})
	}
}

func TestEmitterTranscriptionFailure(t *testing.T) {
	cause := errors.New("connection refused")
	emitter, m := newTestEmitter(t, &fakeTranscriber{err: cause}, "")

	_, err := emitter.Emit(context.Background(), testClip(3))
	if !errors.Is(err, ErrTranscriptionFailed) {
		t.Errorf("Expected ErrTranscriptionFailed, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Expected the cause to be wrapped, got %v", err)
	}
	if got := testutil.ToFloat64(m.TranscriptionFailures); got != 1 {
		t.Errorf("Expected 1 failure recorded, got %f", got)
	}
	if stats := emitter.GetStats(); stats.Failed != 1 {
		t.Errorf("Expected 1 failed emission, got %d", stats.Failed)
	}
}

func TestEmitterArchive(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audio_in")
	transcriber := &fakeTranscriber{response: &transcription.Response{Text: "hello"}}
	emitter, _ := newTestEmitter(t, transcriber, dir)

	transcript, err := emitter.Emit(context.Background(), testClip(4))
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	expected := filepath.Join(dir, "1700000000.wav")
	if transcript.ArchivePath != expected {
		t.Errorf("Expected archive path %s, got %s", expected, transcript.ArchivePath)
	}

	data, err := os.ReadFile(expected)
	if err != nil {
		t.Fatalf("Archive file missing: %v", err)
	}
	info, err := audio.GetWAVInfo(data)
	if err != nil {
		t.Fatalf("Archive is not valid WAV: %v", err)
	}
	if info.NumSamples != uint32(4*testFormat.FrameLen()) {
		t.Errorf("Expected %d archived samples, got %d", 4*testFormat.FrameLen(), info.NumSamples)
	}
}

func TestEmitterArchiveFailureIsNotFatal(t *testing.T) {
	// A regular file where the archive directory should be
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	transcriber := &fakeTranscriber{response: &transcription.Response{Text: "hello"}}
	emitter, m := newTestEmitter(t, transcriber, filepath.Join(blocker, "audio_in"))

	transcript, err := emitter.Emit(context.Background(), testClip(2))
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if transcript.ArchivePath != "" {
		t.Errorf("Expected no archive path, got %s", transcript.ArchivePath)
	}
	if got := testutil.ToFloat64(m.ArchiveErrors); got != 1 {
		t.Errorf("Expected 1 archive error, got %f", got)
	}
}

func TestIsEmptyUtterance(t *testing.T) {
	tests := []struct {
		text     string
		expected bool
	}{
		{"", true},
		{".", true},
		{" . . ", true},
		{"-", true},
		{"Hi.", false},
		{"42", false},
		{"Привіт", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := isEmptyUtterance(tt.text); got != tt.expected {
				t.Errorf("isEmptyUtterance(%q) = %v, expected %v", tt.text, got, tt.expected)
			}
		})
	}
}

func TestEmitterArchiveNamedByOnset(t *testing.T) {
	frameDuration := testFormat.FrameDuration()

	tests := []struct {
		name      string
		startedAt time.Time
		start     uint64
		onset     uint64
		want      string
	}{
		{"no pre-roll", time.Unix(1700000000, 0), 5, 5, "1700000000.wav"},
		{"pre-roll inside the second", time.Unix(1700000000, 0), 3, 5, "1700000000.wav"},
		// Pre-roll begins just before the second the speech started in
		{"pre-roll crosses a second", time.Unix(1700000001, 0).Add(-frameDuration / 2), 3, 5, "1700000001.wav"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			transcriber := &fakeTranscriber{response: &transcription.Response{Text: "hello"}}
			emitter, _ := newTestEmitter(t, transcriber, dir)

			clip := testClip(6)
			clip.StartedAt = tt.startedAt
			clip.Segment = audio.Segment{Start: tt.start, Onset: tt.onset, End: tt.start + 6, ClosedAt: tt.start + 8}

			transcript, err := emitter.Emit(context.Background(), clip)
			if err != nil {
				t.Fatalf("Emit failed: %v", err)
			}

			if want := filepath.Join(dir, tt.want); transcript.ArchivePath != want {
				t.Errorf("Expected archive path %s, got %s", want, transcript.ArchivePath)
			}
		})
	}
}
