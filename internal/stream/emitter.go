package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/turk-chat/listener/internal/audio"
	"github.com/turk-chat/listener/internal/metrics"
	"github.com/turk-chat/listener/internal/transcription"
)

var (
	// ErrTranscriptionFailed wraps any error returned by the transcriber
	ErrTranscriptionFailed = errors.New("transcription failed")
	// ErrNothingSaid reports a transcript that is empty, punctuation only,
	// or too likely to be silence
	ErrNothingSaid = errors.New("nothing said")
)

// Clip is the audio of one finished segment, copied out of the ring
type Clip struct {
	Segment   audio.Segment
	Format    audio.Format
	Samples   []int16
	StartedAt time.Time // wall-clock time of the first frame
}

// OnsetAt returns the wall-clock time of the first loud frame, which is
// later than StartedAt by the pre-roll
func (c *Clip) OnsetAt() time.Time {
	preRoll := time.Duration(c.Segment.Onset-c.Segment.Start) * c.Format.FrameDuration()
	return c.StartedAt.Add(preRoll)
}

// Duration returns the playback length of the clip
func (c *Clip) Duration() time.Duration {
	return c.Format.Duration(len(c.Samples))
}

// Transcript is the accepted result of emitting one clip
type Transcript struct {
	SegmentID     string        `json:"segment_id"`
	Text          string        `json:"text"`
	NoSpeechProb  float64       `json:"no_speech_prob"`
	Language      string        `json:"language,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	AudioDuration time.Duration `json:"audio_duration"`
	Latency       time.Duration `json:"latency"`
	ArchivePath   string        `json:"archive_path,omitempty"`
}

// EmitterConfig contains emitter configuration
type EmitterConfig struct {
	Format          audio.Format
	ArchiveDir      string // empty disables archiving
	MaxNoSpeechProb float64
	Language        string
	Prompt          string
}

// Emitter encodes clips, archives them and asks the transcriber what was said
type Emitter struct {
	transcriber transcription.Transcriber
	config      EmitterConfig
	logger      *slog.Logger
	metrics     *metrics.Metrics

	// Statistics
	clipsEmitted  uint64
	transcribed   uint64
	nothingSaid   uint64
	failed        uint64
	archived      uint64
	archiveErrors uint64
	lastText      string

	mu sync.RWMutex
}

// EmitterStats represents emitter statistics
type EmitterStats struct {
	Backend       string `json:"backend"`
	ClipsEmitted  uint64 `json:"clips_emitted"`
	Transcribed   uint64 `json:"transcribed"`
	NothingSaid   uint64 `json:"nothing_said"`
	Failed        uint64 `json:"failed"`
	Archived      uint64 `json:"archived"`
	ArchiveErrors uint64 `json:"archive_errors"`
	LastText      string `json:"last_text,omitempty"`
}

// NewEmitter creates a new emitter
func NewEmitter(transcriber transcription.Transcriber, config EmitterConfig, logger *slog.Logger, m *metrics.Metrics) (*Emitter, error) {
	if transcriber == nil {
		return nil, fmt.Errorf("transcriber cannot be nil")
	}

	if err := config.Format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid emitter format: %w", err)
	}

	if config.MaxNoSpeechProb <= 0 || config.MaxNoSpeechProb > 1 {
		return nil, fmt.Errorf("max no speech probability must be in (0, 1], got %f", config.MaxNoSpeechProb)
	}

	return &Emitter{
		transcriber: transcriber,
		config:      config,
		logger:      logger,
		metrics:     m,
	}, nil
}

// Emit encodes the clip as WAV, archives it when configured and makes one
// transcription attempt. It returns ErrTranscriptionFailed or ErrNothingSaid
// (wrapped) when no usable transcript came back.
func (e *Emitter) Emit(ctx context.Context, clip *Clip) (*Transcript, error) {
	e.mu.Lock()
	e.clipsEmitted++
	e.mu.Unlock()

	wav, err := audio.EncodeWAV(clip.Samples, clip.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to encode clip: %w", err)
	}

	segmentID := uuid.NewString()
	archivePath := e.archive(clip)

	request := &transcription.Request{
		SegmentID:  segmentID,
		Audio:      wav,
		SampleRate: clip.Format.SampleRate,
		Channels:   clip.Format.Channels,
		Duration:   clip.Duration(),
		StartedAt:  clip.StartedAt,
		Language:   e.config.Language,
		Prompt:     e.config.Prompt,
	}

	e.logger.Info("Sending segment for transcription",
		slog.String("segment_id", segmentID),
		slog.String("backend", e.transcriber.Name()),
		slog.Uint64("start", clip.Segment.Start),
		slog.Uint64("end", clip.Segment.End),
		slog.Bool("forced", clip.Segment.Forced),
		slog.Float64("duration", request.Duration.Seconds()),
		slog.Int("audio_data_size", len(wav)),
	)

	e.metrics.RecordTranscriptionRequest()
	startTime := time.Now()
	response, err := e.transcriber.Transcribe(ctx, request)
	latency := time.Since(startTime)

	if err != nil {
		e.metrics.RecordTranscriptionFailure(latency.Seconds())
		e.mu.Lock()
		e.failed++
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: segment %s: %w", ErrTranscriptionFailed, segmentID, err)
	}
	e.metrics.RecordTranscriptionSuccess(latency.Seconds())

	text := strings.TrimSpace(response.Text)
	if isEmptyUtterance(text) || response.NoSpeechProb > e.config.MaxNoSpeechProb {
		e.metrics.RecordNothingSaid()
		e.mu.Lock()
		e.nothingSaid++
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: segment %s: %q (no speech probability %.2f)",
			ErrNothingSaid, segmentID, text, response.NoSpeechProb)
	}

	e.mu.Lock()
	e.transcribed++
	e.lastText = text
	e.mu.Unlock()

	return &Transcript{
		SegmentID:     segmentID,
		Text:          text,
		NoSpeechProb:  response.NoSpeechProb,
		Language:      response.Language,
		StartedAt:     clip.StartedAt,
		AudioDuration: request.Duration,
		Latency:       latency,
		ArchivePath:   archivePath,
	}, nil
}

// archive persists the clip as <unix-onset>.wav and returns its path, or ""
// when archiving is off or failed
func (e *Emitter) archive(clip *Clip) string {
	if e.config.ArchiveDir == "" {
		return ""
	}

	name := strconv.FormatInt(clip.OnsetAt().Unix(), 10) + ".wav"
	path := filepath.Join(e.config.ArchiveDir, name)

	if err := audio.WriteWAVFile(path, clip.Samples, clip.Format); err != nil {
		e.metrics.RecordArchiveError()
		e.mu.Lock()
		e.archiveErrors++
		e.mu.Unlock()

		e.logger.Error("Failed to archive segment",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return ""
	}

	e.mu.Lock()
	e.archived++
	e.mu.Unlock()

	return path
}

// isEmptyUtterance reports whether text holds no letters or digits once
// periods and whitespace are removed
func isEmptyUtterance(text string) bool {
	stripped := strings.TrimSpace(strings.ReplaceAll(text, ".", ""))
	for _, r := range stripped {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// GetStats returns current emitter statistics
func (e *Emitter) GetStats() EmitterStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return EmitterStats{
		Backend:       e.transcriber.Name(),
		ClipsEmitted:  e.clipsEmitted,
		Transcribed:   e.transcribed,
		NothingSaid:   e.nothingSaid,
		Failed:        e.failed,
		Archived:      e.archived,
		ArchiveErrors: e.archiveErrors,
		LastText:      e.lastText,
	}
}
