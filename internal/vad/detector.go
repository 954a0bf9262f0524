package vad

import (
	"fmt"
	"sync"
	"time"
)

// MaxThreshold is one past the largest mean absolute value a 16-bit frame can have
const MaxThreshold = 32768

// Energy returns the mean absolute sample value of a frame, or 0 when empty
func Energy(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}

	var sum int64
	for _, s := range frame {
		v := int64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return float64(sum) / float64(len(frame))
}

// Detector classifies frames against an energy threshold
type Detector struct {
	threshold float64

	// Statistics
	totalFrames   uint64
	loudFrames    uint64
	lastEnergy    float64
	peakEnergy    float64
	lastProcessed time.Time

	mu sync.RWMutex
}

// DetectorStats represents detector statistics
type DetectorStats struct {
	Threshold      float64   `json:"threshold"`
	TotalFrames    uint64    `json:"total_frames"`
	LoudFrames     uint64    `json:"loud_frames"`
	LoudPercentage float64   `json:"loud_percentage"`
	LastEnergy     float64   `json:"last_energy"`
	PeakEnergy     float64   `json:"peak_energy"`
	LastProcessed  time.Time `json:"last_processed"`
}

// NewDetector creates a new detector with the given threshold
func NewDetector(threshold float64) (*Detector, error) {
	if err := validateThreshold(threshold); err != nil {
		return nil, err
	}

	return &Detector{threshold: threshold}, nil
}

func validateThreshold(threshold float64) error {
	if threshold <= 0 || threshold >= MaxThreshold {
		return fmt.Errorf("threshold must be in (0, %d), got %f", MaxThreshold, threshold)
	}
	return nil
}

// Classify reports whether the frame is loud. The result depends only on the
// frame's samples and the threshold; the counters it updates are not read back.
func (d *Detector) Classify(frame []int16) bool {
	energy := Energy(frame)

	d.mu.Lock()
	defer d.mu.Unlock()

	loud := energy > d.threshold

	d.totalFrames++
	if loud {
		d.loudFrames++
	}
	d.lastEnergy = energy
	if energy > d.peakEnergy {
		d.peakEnergy = energy
	}
	d.lastProcessed = time.Now()

	return loud
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() DetectorStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	loudPercentage := float64(0)
	if d.totalFrames > 0 {
		loudPercentage = float64(d.loudFrames) / float64(d.totalFrames) * 100
	}

	return DetectorStats{
		Threshold:      d.threshold,
		TotalFrames:    d.totalFrames,
		LoudFrames:     d.loudFrames,
		LoudPercentage: loudPercentage,
		LastEnergy:     d.lastEnergy,
		PeakEnergy:     d.peakEnergy,
		LastProcessed:  d.lastProcessed,
	}
}

// UpdateThreshold updates the loudness threshold
func (d *Detector) UpdateThreshold(threshold float64) error {
	if err := validateThreshold(threshold); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.threshold = threshold
	return nil
}

// GetThreshold returns the current loudness threshold
func (d *Detector) GetThreshold() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.threshold
}

// Reset clears the statistics
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.totalFrames = 0
	d.loudFrames = 0
	d.lastEnergy = 0
	d.peakEnergy = 0
	d.lastProcessed = time.Time{}
}
