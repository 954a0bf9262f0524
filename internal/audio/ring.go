package audio

import (
	"errors"
	"fmt"
	"sync"
)

// ErrRangeUnavailable is returned when an extraction range is wider than the
// ring or refers to frames that were never written or already overwritten.
var ErrRangeUnavailable = errors.New("range unavailable")

// Ring is a fixed-capacity circular store of the most recent frames.
//
// Frames are addressed by logical index: the n-th appended frame has index n
// (starting at 0) and lives in slot n mod capacity. Storage is one flat sample
// array allocated up front, so memory never grows after construction.
type Ring struct {
	capacity int
	frameLen int
	samples  []int16 // capacity * frameLen
	written  uint64  // logical index of the next frame

	padded    uint64 // frames shorter than frameLen
	truncated uint64 // frames longer than frameLen

	mu sync.RWMutex
}

// RingStats represents ring statistics for monitoring
type RingStats struct {
	Capacity        int    `json:"capacity_frames"`
	FrameLen        int    `json:"frame_len_samples"`
	Written         uint64 `json:"frames_written"`
	Held            int    `json:"frames_held"`
	OldestIndex     uint64 `json:"oldest_index"`
	PaddedFrames    uint64 `json:"padded_frames"`
	TruncatedFrames uint64 `json:"truncated_frames"`
}

// NewRing creates a ring holding capacity frames of frameLen samples each
func NewRing(capacity, frameLen int) (*Ring, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring capacity must be positive, got %d", capacity)
	}
	if frameLen <= 0 {
		return nil, fmt.Errorf("frame length must be positive, got %d", frameLen)
	}

	return &Ring{
		capacity: capacity,
		frameLen: frameLen,
		samples:  make([]int16, capacity*frameLen),
	}, nil
}

// Append stores a frame, overwriting the oldest slot once the ring is full,
// and returns the logical index it was written at. It never blocks on
// anything but the ring's own lock and never fails; a frame of the wrong
// length is zero-padded or truncated to keep every slot the same shape.
func (r *Ring) Append(frame Frame) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	index := r.written
	slot := int(index % uint64(r.capacity))
	dst := r.samples[slot*r.frameLen : (slot+1)*r.frameLen]

	n := copy(dst, frame)
	switch {
	case n < r.frameLen:
		clear(dst[n:])
		r.padded++
	case len(frame) > r.frameLen:
		r.truncated++
	}

	r.written++
	return index
}

// Extract returns the samples of logical frames [start, end) in order.
// A range that wraps past the end of the physical array is stitched from
// its two sub-ranges. The returned slice is a copy.
func (r *Ring) Extract(start, end uint64) ([]int16, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkRange(start, end); err != nil {
		return nil, err
	}

	count := int(end - start)
	out := make([]int16, count*r.frameLen)
	if count == 0 {
		return out, nil
	}

	first := int(start % uint64(r.capacity))
	head := min(count, r.capacity-first)

	n := copy(out, r.samples[first*r.frameLen:(first+head)*r.frameLen])
	if head < count {
		copy(out[n:], r.samples[:(count-head)*r.frameLen])
	}

	return out, nil
}

// checkRange validates [start, end) against the current write cursor
func (r *Ring) checkRange(start, end uint64) error {
	switch {
	case end < start:
		return fmt.Errorf("%w: inverted range [%d, %d)", ErrRangeUnavailable, start, end)
	case end > r.written:
		return fmt.Errorf("%w: [%d, %d) extends past written index %d",
			ErrRangeUnavailable, start, end, r.written)
	case end-start > uint64(r.capacity):
		return fmt.Errorf("%w: [%d, %d) is wider than capacity %d",
			ErrRangeUnavailable, start, end, r.capacity)
	case start < r.oldest():
		return fmt.Errorf("%w: frame %d already overwritten (oldest held %d)",
			ErrRangeUnavailable, start, r.oldest())
	}
	return nil
}

// oldest returns the logical index of the oldest frame still held
func (r *Ring) oldest() uint64 {
	if r.written <= uint64(r.capacity) {
		return 0
	}
	return r.written - uint64(r.capacity)
}

// Written returns the number of frames ever appended, which is also the
// logical index the next frame will receive
func (r *Ring) Written() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.written
}

// Capacity returns the number of frame slots
func (r *Ring) Capacity() int {
	return r.capacity
}

// FrameLen returns the number of samples in each slot
func (r *Ring) FrameLen() int {
	return r.frameLen
}

// Len returns the number of frames currently held
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int(min(r.written, uint64(r.capacity)))
}

// GetStats returns current ring statistics
func (r *Ring) GetStats() RingStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RingStats{
		Capacity:        r.capacity,
		FrameLen:        r.frameLen,
		Written:         r.written,
		Held:            int(min(r.written, uint64(r.capacity))),
		OldestIndex:     r.oldest(),
		PaddedFrames:    r.padded,
		TruncatedFrames: r.truncated,
	}
}
