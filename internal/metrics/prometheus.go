package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Segment end reasons used as label values
const (
	ReasonEnded   = "ended"
	ReasonForced  = "forced"
	ReasonFlushed = "flushed"
)

// Segment drop reasons used as label values
const (
	DropQueueFull        = "queue_full"
	DropRangeUnavailable = "range_unavailable"
)

// Metrics contains all Prometheus metrics for the listener
type Metrics struct {
	// Capture metrics
	FramesCaptured   prometheus.Counter
	FramesSuppressed prometheus.Counter
	FramesLoud       prometheus.Counter
	Overflows        prometheus.Counter
	Speaking         prometheus.Gauge

	// Segmentation metrics
	SegmentsEmitted *prometheus.CounterVec
	SegmentsDropped *prometheus.CounterVec
	SegmentDuration prometheus.Histogram
	QueueDepth      prometheus.Gauge

	// Emission metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	NothingSaid            prometheus.Counter
	ArchiveErrors          prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry() so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_frames_captured_total",
			Help: "Total number of frames appended to the ring",
		}),
		FramesSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_frames_suppressed_total",
			Help: "Total number of frames replaced with silence during playback",
		}),
		FramesLoud: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_frames_loud_total",
			Help: "Total number of frames classified as loud",
		}),
		Overflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_input_overflows_total",
			Help: "Total number of frames lost by the source and replaced with silence",
		}),
		Speaking: factory.NewGauge(prometheus.GaugeOpts{
			Name: "listener_speaking",
			Help: "1 while an utterance is open, 0 otherwise",
		}),

		SegmentsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_segments_emitted_total",
			Help: "Total number of segments closed by the segmenter",
		}, []string{"reason"}),
		SegmentsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_segments_dropped_total",
			Help: "Total number of segments that never reached the worker",
		}, []string{"reason"}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "listener_segment_duration_seconds",
			Help:    "Audio duration of emitted segments",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to 32s
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "listener_queue_depth",
			Help: "Current number of segments waiting for the worker",
		}),

		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "listener_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1.5 minutes
		}),
		NothingSaid: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_nothing_said_total",
			Help: "Total number of segments whose transcript was discarded as silence",
		}),
		ArchiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_archive_errors_total",
			Help: "Total number of segments that could not be archived",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "listener_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordFrame records one frame that went through the capture loop
func (m *Metrics) RecordFrame(suppressed, loud bool) {
	m.FramesCaptured.Inc()
	if suppressed {
		m.FramesSuppressed.Inc()
	}
	if loud {
		m.FramesLoud.Inc()
	}
}

// RecordOverflow increments the overflow counter
func (m *Metrics) RecordOverflow() {
	m.Overflows.Inc()
}

// SetSpeaking sets the speaking gauge
func (m *Metrics) SetSpeaking(speaking bool) {
	if speaking {
		m.Speaking.Set(1)
	} else {
		m.Speaking.Set(0)
	}
}

// RecordSegment records a closed segment
func (m *Metrics) RecordSegment(reason string, durationSeconds float64) {
	m.SegmentsEmitted.WithLabelValues(reason).Inc()
	m.SegmentDuration.Observe(durationSeconds)
}

// RecordSegmentDropped records a segment lost before transcription
func (m *Metrics) RecordSegmentDropped(reason string) {
	m.SegmentsDropped.WithLabelValues(reason).Inc()
}

// SetQueueDepth sets the current queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordNothingSaid increments the discarded transcript counter
func (m *Metrics) RecordNothingSaid() {
	m.NothingSaid.Inc()
}

// RecordArchiveError increments the archive error counter
func (m *Metrics) RecordArchiveError() {
	m.ArchiveErrors.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
