package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/turk-chat/listener/internal/audio"
)

// WAVSource replays a 16-bit PCM WAV file as a stream of frames
type WAVSource struct {
	path     string
	format   audio.Format
	samples  []int16
	realtime bool

	next    int // index of the next frame
	started time.Time
	closed  bool

	mu sync.Mutex
}

// NewWAVSource loads path and checks that it matches format. With realtime
// set, frames are released at the rate a live device would produce them.
func NewWAVSource(path string, format audio.Format, realtime bool, logger *slog.Logger) (*WAVSource, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture format: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	samples, fileFormat, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	if fileFormat.SampleRate != format.SampleRate || fileFormat.Channels != format.Channels {
		return nil, fmt.Errorf("%s is %d Hz %d channel(s), expected %d Hz %d channel(s)",
			path, fileFormat.SampleRate, fileFormat.Channels, format.SampleRate, format.Channels)
	}

	s := &WAVSource{
		path:     path,
		format:   format,
		samples:  samples,
		realtime: realtime,
	}

	logger.Info("Audio file opened",
		slog.String("path", path),
		slog.Int("frames", s.FrameCount()),
		slog.Duration("duration", format.Duration(len(samples))),
		slog.Bool("realtime", realtime),
	)

	return s, nil
}

// FrameCount returns the number of frames the file yields, counting a
// trailing partial frame
func (s *WAVSource) FrameCount() int {
	frameLen := s.format.FrameLen()
	return (len(s.samples) + frameLen - 1) / frameLen
}

// NextFrame returns the next frame of the file or io.EOF after the last one
func (s *WAVSource) NextFrame(ctx context.Context) (audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, io.EOF
	}

	frameLen := s.format.FrameLen()
	offset := s.next * frameLen
	if offset >= len(s.samples) {
		return nil, io.EOF
	}

	if s.realtime {
		if s.started.IsZero() {
			s.started = time.Now()
		}
		due := s.started.Add(time.Duration(s.next) * s.format.FrameDuration())
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	// The final frame is zero-padded to full length
	frame := make(audio.Frame, frameLen)
	copy(frame, s.samples[offset:min(offset+frameLen, len(s.samples))])
	s.next++

	return frame, nil
}

// Format returns the replay format
func (s *WAVSource) Format() audio.Format {
	return s.format
}

// Close ends the replay
func (s *WAVSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
