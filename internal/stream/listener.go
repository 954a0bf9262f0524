package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turk-chat/listener/internal/audio"
	"github.com/turk-chat/listener/internal/capture"
	"github.com/turk-chat/listener/internal/metrics"
	"github.com/turk-chat/listener/internal/playback"
	"github.com/turk-chat/listener/internal/vad"
)

// TranscriptHandler receives every accepted transcript, for example to
// forward it to a chat engine
type TranscriptHandler interface {
	HandleTranscript(ctx context.Context, transcript *Transcript) error
}

// LogHandler logs transcripts and does nothing else
type LogHandler struct {
	Logger *slog.Logger
}

// HandleTranscript logs the transcript at info level
func (h LogHandler) HandleTranscript(ctx context.Context, transcript *Transcript) error {
	h.Logger.Info("Heard",
		slog.String("segment_id", transcript.SegmentID),
		slog.String("text", transcript.Text),
		slog.Float64("no_speech_prob", transcript.NoSpeechProb),
		slog.Float64("audio_duration", transcript.AudioDuration.Seconds()),
		slog.Float64("latency", transcript.Latency.Seconds()),
	)
	return nil
}

// Components are the collaborators a listener drives. The capture loop is
// their only caller apart from stats readers.
type Components struct {
	Source    capture.Source
	Gate      *capture.Gate
	Ring      *audio.Ring
	Detector  *vad.Detector
	Segmenter *audio.Segmenter
	Emitter   *Emitter
	Tracker   *playback.Tracker // marked busy while a clip is emitted
	Handler   TranscriptHandler
}

// ListenerConfig contains the handoff settings
type ListenerConfig struct {
	QueueSize    int
	DrainTimeout time.Duration
}

// Listener runs the capture loop and the emission worker
type Listener struct {
	components Components
	config     ListenerConfig
	format     audio.Format
	silence    audio.Frame
	queue      chan *Clip
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Statistics
	startTime       atomic.Int64 // unix nanoseconds, 0 before Run
	running         atomic.Bool
	framesProcessed atomic.Uint64
	overflows       atomic.Uint64
	segmentsQueued  atomic.Uint64
	segmentsDropped atomic.Uint64
	handled         atomic.Uint64
	emitErrors      atomic.Uint64
	handlerErrors   atomic.Uint64
}

// ListenerStats represents listener statistics with its components' stats
type ListenerStats struct {
	Running         bool    `json:"running"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	FramesProcessed uint64  `json:"frames_processed"`
	Overflows       uint64  `json:"overflows"`
	SegmentsQueued  uint64  `json:"segments_queued"`
	SegmentsDropped uint64  `json:"segments_dropped"`
	QueueDepth      int     `json:"queue_depth"`
	Handled         uint64  `json:"transcripts_handled"`
	EmitErrors      uint64  `json:"emit_errors"`
	HandlerErrors   uint64  `json:"handler_errors"`

	Ring      audio.RingStats       `json:"ring"`
	Detector  vad.DetectorStats     `json:"detector"`
	Segmenter audio.SegmenterStats  `json:"segmenter"`
	Gate      capture.GateStats     `json:"gate"`
	Emitter   EmitterStats          `json:"emitter"`
	Playback  playback.TrackerStats `json:"playback"`
}

// NewListener checks that the components agree on the frame shape and
// creates a listener
func NewListener(components Components, config ListenerConfig, logger *slog.Logger, m *metrics.Metrics) (*Listener, error) {
	c := components
	if c.Source == nil || c.Gate == nil || c.Ring == nil || c.Detector == nil || c.Segmenter == nil || c.Emitter == nil {
		return nil, fmt.Errorf("listener components cannot be nil")
	}

	if c.Handler == nil {
		c.Handler = LogHandler{Logger: logger}
	}
	if c.Tracker == nil {
		c.Tracker = playback.NewTracker()
	}

	if config.QueueSize < 1 {
		return nil, fmt.Errorf("queue size must be at least 1, got %d", config.QueueSize)
	}
	if config.DrainTimeout <= 0 {
		return nil, fmt.Errorf("drain timeout must be positive, got %v", config.DrainTimeout)
	}

	format := c.Source.Format()
	if format.FrameLen() != c.Ring.FrameLen() {
		return nil, fmt.Errorf("source frame length %d does not match ring frame length %d",
			format.FrameLen(), c.Ring.FrameLen())
	}
	if bounds := c.Segmenter.Config(); bounds.Capacity != c.Ring.Capacity() {
		return nil, fmt.Errorf("%w: segmenter sized for %d frames, ring holds %d",
			audio.ErrInvalidBounds, bounds.Capacity, c.Ring.Capacity())
	}

	return &Listener{
		components: c,
		config:     config,
		format:     format,
		silence:    format.Silence(),
		queue:      make(chan *Clip, config.QueueSize),
		logger:     logger,
		metrics:    m,
	}, nil
}

// Run captures until the context is cancelled, the source ends or the
// device fails, then waits for the worker to drain. Only a device failure
// is returned as an error.
func (l *Listener) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("listener already running")
	}
	defer l.running.Store(false)
	l.startTime.Store(time.Now().UnixNano())

	l.logger.Info("Listener started",
		slog.Int("sample_rate", l.format.SampleRate),
		slog.Int("channels", l.format.Channels),
		slog.Int("frame_size", l.format.FrameSize),
		slog.Int("ring_frames", l.components.Ring.Capacity()),
		slog.Int("queue_size", l.config.QueueSize),
	)

	// A plain group: a capture failure must not cancel the draining worker
	var g errgroup.Group
	g.Go(func() error { return l.capture(ctx) })
	g.Go(func() error { return l.work(ctx) })
	err := g.Wait()

	stats := l.GetStats()
	l.logger.Info("Listener stopped",
		slog.Uint64("frames_processed", stats.FramesProcessed),
		slog.Uint64("segments_queued", stats.SegmentsQueued),
		slog.Uint64("segments_dropped", stats.SegmentsDropped),
		slog.Uint64("transcripts_handled", stats.Handled),
	)

	return err
}

// capture is the only goroutine touching the source, ring, detector and
// segmenter. It closes the queue on exit so the worker can drain.
func (l *Listener) capture(ctx context.Context) error {
	defer close(l.queue)

	for {
		if ctx.Err() != nil {
			l.flush("shutdown")
			return nil
		}

		raw, err := l.components.Source.NextFrame(ctx)
		if err != nil {
			var deviceErr *capture.DeviceError
			switch {
			case errors.Is(err, capture.ErrOverflow):
				l.overflows.Add(1)
				l.metrics.RecordOverflow()
				l.logger.Debug("Input overflow, substituting silence",
					slog.Uint64("index", l.components.Ring.Written()),
				)
				raw = l.silence
			case errors.Is(err, io.EOF):
				l.logger.Info("Audio source ended")
				l.flush("end of stream")
				return nil
			case ctx.Err() != nil:
				l.flush("shutdown")
				return nil
			case errors.As(err, &deviceErr):
				l.flush("device failure")
				return fmt.Errorf("capture stopped: %w", err)
			default:
				l.flush("source failure")
				return fmt.Errorf("capture stopped: %w", err)
			}
		}

		l.step(raw, time.Now())
	}
}

// step pushes one frame through gate, ring, detector and segmenter
func (l *Listener) step(raw audio.Frame, now time.Time) {
	c := l.components

	frame, suppressed := c.Gate.Gate(raw)
	index := c.Ring.Append(frame)
	loud := c.Detector.Classify(frame)
	transition, segment := c.Segmenter.Step(index, loud)

	l.framesProcessed.Add(1)
	l.metrics.RecordFrame(suppressed, loud)

	switch transition {
	case audio.SpeechStarted:
		l.metrics.SetSpeaking(true)
		l.logger.Debug("Speech started", slog.Uint64("onset", index))
	case audio.SpeechEnded:
		l.enqueue(segment, metrics.ReasonEnded, now)
	case audio.SpeechForced:
		l.logger.Warn("Utterance reached maximum length, forcing end",
			slog.Uint64("onset", segment.Onset),
			slog.Int("frames", segment.Len()),
		)
		l.enqueue(segment, metrics.ReasonForced, now)
	}
}

// flush emits an open utterance when capture stops
func (l *Listener) flush(reason string) {
	written := l.components.Ring.Written()
	if written == 0 {
		return
	}

	segment, ok := l.components.Segmenter.Flush(written - 1)
	if !ok {
		return
	}

	l.logger.Info("Flushing open utterance",
		slog.String("reason", reason),
		slog.Uint64("onset", segment.Onset),
		slog.Int("frames", segment.Len()),
	)
	l.enqueue(segment, metrics.ReasonFlushed, time.Now())
}

// enqueue copies the segment out of the ring and hands it to the worker
// without blocking. closedAt is the capture time of segment.ClosedAt.
func (l *Listener) enqueue(segment audio.Segment, reason string, closedAt time.Time) {
	l.metrics.SetSpeaking(false)

	samples, err := l.components.Ring.Extract(segment.Start, segment.End)
	if err != nil {
		l.segmentsDropped.Add(1)
		l.metrics.RecordSegmentDropped(metrics.DropRangeUnavailable)
		l.logger.Error("Failed to extract segment",
			slog.Uint64("start", segment.Start),
			slog.Uint64("end", segment.End),
			slog.String("error", err.Error()),
		)
		return
	}

	frameDuration := l.format.FrameDuration()
	clip := &Clip{
		Segment:   segment,
		Format:    l.format,
		Samples:   samples,
		StartedAt: closedAt.Add(-time.Duration(segment.ClosedAt+1-segment.Start) * frameDuration),
	}
	l.metrics.RecordSegment(reason, clip.Duration().Seconds())

	select {
	case l.queue <- clip:
		l.segmentsQueued.Add(1)
		l.metrics.SetQueueDepth(len(l.queue))
		l.logger.Debug("Segment queued",
			slog.String("reason", reason),
			slog.Uint64("start", segment.Start),
			slog.Uint64("end", segment.End),
			slog.Float64("duration", clip.Duration().Seconds()),
		)
	default:
		l.segmentsDropped.Add(1)
		l.metrics.RecordSegmentDropped(metrics.DropQueueFull)
		l.logger.Warn("Worker busy, dropping segment",
			slog.Uint64("start", segment.Start),
			slog.Uint64("end", segment.End),
			slog.Float64("duration", clip.Duration().Seconds()),
		)
	}
}

// work emits queued clips until the queue is closed. Emission runs on a
// context detached from ctx; once ctx is done the remaining work gets
// DrainTimeout before it is cancelled.
func (l *Listener) work(ctx context.Context) error {
	emitCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		l.logger.Info("Draining pending segments",
			slog.Int("queued", len(l.queue)),
			slog.Duration("timeout", l.config.DrainTimeout),
		)
		timer := time.AfterFunc(l.config.DrainTimeout, cancel)
		context.AfterFunc(emitCtx, func() { timer.Stop() })
	})
	defer stop()

	for clip := range l.queue {
		l.metrics.SetQueueDepth(len(l.queue))
		l.process(emitCtx, clip)
	}

	return nil
}

// process emits one clip and passes the transcript to the handler. The
// tracker stays busy until the handler returns so the gate keeps the reply
// out of the capture.
func (l *Listener) process(ctx context.Context, clip *Clip) {
	release := l.components.Tracker.Begin()
	defer release()

	transcript, err := l.components.Emitter.Emit(ctx, clip)
	if err != nil {
		l.emitErrors.Add(1)
		switch {
		case errors.Is(err, ErrNothingSaid):
			l.logger.Info("Nothing said", slog.String("detail", err.Error()))
		case errors.Is(err, ErrTranscriptionFailed):
			l.logger.Error("Transcription failed", slog.String("error", err.Error()))
		default:
			l.logger.Error("Failed to emit segment", slog.String("error", err.Error()))
		}
		return
	}

	if err := l.components.Handler.HandleTranscript(ctx, transcript); err != nil {
		l.handlerErrors.Add(1)
		l.logger.Error("Transcript handler failed",
			slog.String("segment_id", transcript.SegmentID),
			slog.String("error", err.Error()),
		)
		return
	}
	l.handled.Add(1)
}

// Format returns the frame format of the source
func (l *Listener) Format() audio.Format {
	return l.format
}

// IsRunning reports whether Run is in progress
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}

// GetStats returns current listener statistics
func (l *Listener) GetStats() ListenerStats {
	c := l.components

	uptime := float64(0)
	if started := l.startTime.Load(); started != 0 {
		uptime = time.Since(time.Unix(0, started)).Seconds()
	}

	return ListenerStats{
		Running:         l.running.Load(),
		UptimeSeconds:   uptime,
		FramesProcessed: l.framesProcessed.Load(),
		Overflows:       l.overflows.Load(),
		SegmentsQueued:  l.segmentsQueued.Load(),
		SegmentsDropped: l.segmentsDropped.Load(),
		QueueDepth:      len(l.queue),
		Handled:         l.handled.Load(),
		EmitErrors:      l.emitErrors.Load(),
		HandlerErrors:   l.handlerErrors.Load(),

		Ring:      c.Ring.GetStats(),
		Detector:  c.Detector.GetStats(),
		Segmenter: c.Segmenter.GetStats(),
		Gate:      c.Gate.GetStats(),
		Emitter:   c.Emitter.GetStats(),
		Playback:  c.Tracker.GetStats(),
	}
}
