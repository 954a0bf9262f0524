package transcription

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Transcriber converts one WAV clip into text
type Transcriber interface {
	Transcribe(ctx context.Context, request *Request) (*Response, error)
	Name() string
}

// Request represents a transcription request for one segment
type Request struct {
	SegmentID  string        `json:"segment_id"`
	Audio      []byte        `json:"-"` // WAV bytes, sent as a file
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`

	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

// Response represents the service's answer
type Response struct {
	Text         string    `json:"text"`
	NoSpeechProb float64   `json:"no_speech_prob"`
	Language     string    `json:"language,omitempty"`
	Duration     float64   `json:"duration"`
	Segments     []Segment `json:"segments,omitempty"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// Segment represents a segment of transcribed text
type Segment struct {
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

// AverageNoSpeechProb returns the mean no-speech probability of the
// segments. With no segments it is 1 when the text is empty as well, since
// the service heard nothing, and 0 otherwise.
func AverageNoSpeechProb(segments []Segment, text string) float64 {
	if len(segments) == 0 {
		if strings.TrimSpace(text) == "" {
			return 1
		}
		return 0
	}

	var sum float64
	for _, s := range segments {
		sum += s.NoSpeechProb
	}
	return sum / float64(len(segments))
}

// ClientStats represents client statistics
type ClientStats struct {
	Backend         string        `json:"backend"`
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	LastError       string        `json:"last_error,omitempty"`
}

// requestStats tracks request outcomes for a client
type requestStats struct {
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration
	lastError       string

	mu sync.RWMutex
}

// record updates the counters after one request
func (s *requestStats) record(elapsed time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalRequests++
	if err != nil {
		s.failedRequests++
		s.lastError = err.Error()
		return
	}

	s.successRequests++
	// Simple moving average
	if s.avgResponseTime == 0 {
		s.avgResponseTime = elapsed
	} else {
		s.avgResponseTime = (s.avgResponseTime + elapsed) / 2
	}
}

// snapshot returns the counters as ClientStats
func (s *requestStats) snapshot(backend string) ClientStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	successRate := float64(0)
	if s.totalRequests > 0 {
		successRate = float64(s.successRequests) / float64(s.totalRequests) * 100
	}

	return ClientStats{
		Backend:         backend,
		TotalRequests:   s.totalRequests,
		SuccessRequests: s.successRequests,
		FailedRequests:  s.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: s.avgResponseTime,
		LastError:       s.lastError,
	}
}
