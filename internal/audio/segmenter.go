package audio

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidBounds is returned when the segmenter limits cannot guarantee
// that every emitted segment is still extractable from the ring.
var ErrInvalidBounds = errors.New("invalid segmenter bounds")

// State represents the current state of the segmenter
type State int

const (
	StateIdle State = iota
	StateSpeaking
)

// String returns the state name used in stats and logs
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Transition reports what a single step did
type Transition int

const (
	NoTransition Transition = iota
	SpeechStarted
	SpeechEnded
	SpeechForced
)

// String returns the transition name
func (t Transition) String() string {
	switch t {
	case NoTransition:
		return "none"
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	case SpeechForced:
		return "speech_forced"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Segment is a finished utterance expressed in logical frame indices.
// Frames [Start, End) make up the clip.
type Segment struct {
	Start    uint64 `json:"start"`     // onset minus pre-roll, clamped at 0
	Onset    uint64 `json:"onset"`     // first loud frame
	End      uint64 `json:"end"`       // exclusive
	ClosedAt uint64 `json:"closed_at"` // frame on which the end was decided
	Forced   bool   `json:"forced"`    // ended by the length bound or a flush
}

// Len returns the number of frames in the segment
func (s Segment) Len() int {
	return int(s.End - s.Start)
}

// SegmenterConfig contains the frame-count limits of the state machine
type SegmenterConfig struct {
	// SpeechEndCount is the number of consecutive quiet frames that must be
	// exceeded before an utterance ends.
	SpeechEndCount int
	// PreRoll is the number of frames kept before the onset.
	PreRoll int
	// Capacity is the ring capacity in frames; utterances are bounded to
	// Capacity - PreRoll frames so the whole clip stays extractable.
	Capacity int
}

// Validate checks the limits against each other
func (c SegmenterConfig) Validate() error {
	if c.SpeechEndCount < 1 {
		return fmt.Errorf("%w: speech end count must be at least 1, got %d", ErrInvalidBounds, c.SpeechEndCount)
	}
	if c.PreRoll < 0 {
		return fmt.Errorf("%w: pre-roll cannot be negative, got %d", ErrInvalidBounds, c.PreRoll)
	}
	if c.Capacity <= c.PreRoll+c.SpeechEndCount+1 {
		return fmt.Errorf("%w: ring capacity %d must exceed pre-roll %d + speech end count %d + 1",
			ErrInvalidBounds, c.Capacity, c.PreRoll, c.SpeechEndCount)
	}
	return nil
}

// MaxLength returns the longest utterance, counted from the onset, that the
// segmenter lets through before forcing an end
func (c SegmenterConfig) MaxLength() int {
	return c.Capacity - c.PreRoll
}

// Segmenter turns a stream of loud/quiet classifications into segments.
// It is meant to be driven from a single capture loop; the mutex only
// protects stats readers.
type Segmenter struct {
	config SegmenterConfig

	state      State
	onset      uint64 // valid in StateSpeaking
	quietCount int    // valid in StateSpeaking

	// Statistics
	segmentsEmitted uint64
	segmentsForced  uint64
	framesInSpeech  uint64
	lastSegment     *Segment

	mu sync.RWMutex
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	State           string   `json:"state"`
	SegmentsEmitted uint64   `json:"segments_emitted"`
	SegmentsForced  uint64   `json:"segments_forced"`
	FramesInSpeech  uint64   `json:"frames_in_speech"`
	CurrentOnset    *uint64  `json:"current_onset,omitempty"`
	QuietCount      int      `json:"quiet_count"`
	LastSegment     *Segment `json:"last_segment,omitempty"`
	SpeechEndCount  int      `json:"speech_end_count"`
	PreRoll         int      `json:"pre_roll"`
	MaxLength       int      `json:"max_length"`
}

// NewSegmenter creates a segmenter in the idle state
func NewSegmenter(config SegmenterConfig) (*Segmenter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Segmenter{
		config: config,
		state:  StateIdle,
	}, nil
}

// Step feeds the classification of the frame at index. When the step closes
// an utterance the returned segment is valid and the transition is
// SpeechEnded or SpeechForced.
func (s *Segmenter) Step(index uint64, loud bool) (Transition, Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle:
		if !loud {
			return NoTransition, Segment{}
		}
		s.state = StateSpeaking
		s.onset = index
		s.quietCount = 0
		s.framesInSpeech++
		return SpeechStarted, Segment{}

	case StateSpeaking:
		s.framesInSpeech++
		if loud {
			s.quietCount = 0
		} else {
			s.quietCount++
			if s.quietCount > s.config.SpeechEndCount {
				// Trim the hold-off: keep only the first quiet frame.
				end := index - uint64(s.config.SpeechEndCount) + 1
				return SpeechEnded, s.close(index, end, false)
			}
		}
		if s.atBound(index) {
			return SpeechForced, s.close(index, index+1, true)
		}
	}

	return NoTransition, Segment{}
}

// Flush ends an open utterance at index, used when the stream stops.
// It reports false when the segmenter was idle.
func (s *Segmenter) Flush(index uint64) (Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateSpeaking {
		return Segment{}, false
	}
	return s.close(index, index+1, true), true
}

// atBound reports whether the utterance reached the maximum length
func (s *Segmenter) atBound(index uint64) bool {
	return index+1-s.onset >= uint64(s.config.MaxLength())
}

// close emits the current utterance and returns to idle
func (s *Segmenter) close(closedAt, end uint64, forced bool) Segment {
	start := uint64(0)
	if s.onset > uint64(s.config.PreRoll) {
		start = s.onset - uint64(s.config.PreRoll)
	}

	seg := Segment{
		Start:    start,
		Onset:    s.onset,
		End:      end,
		ClosedAt: closedAt,
		Forced:   forced,
	}

	s.segmentsEmitted++
	if forced {
		s.segmentsForced++
	}
	s.lastSegment = &seg

	s.state = StateIdle
	s.onset = 0
	s.quietCount = 0

	return seg
}

// State returns the current state
func (s *Segmenter) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsIdle returns whether no utterance is open
func (s *Segmenter) IsIdle() bool {
	return s.State() == StateIdle
}

// Config returns the limits the segmenter was built with
func (s *Segmenter) Config() SegmenterConfig {
	return s.config
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := SegmenterStats{
		State:           s.state.String(),
		SegmentsEmitted: s.segmentsEmitted,
		SegmentsForced:  s.segmentsForced,
		FramesInSpeech:  s.framesInSpeech,
		QuietCount:      s.quietCount,
		SpeechEndCount:  s.config.SpeechEndCount,
		PreRoll:         s.config.PreRoll,
		MaxLength:       s.config.MaxLength(),
	}
	if s.state == StateSpeaking {
		onset := s.onset
		stats.CurrentOnset = &onset
	}
	if s.lastSegment != nil {
		last := *s.lastSegment
		stats.LastSegment = &last
	}
	return stats
}
