package capture

import (
	"sync/atomic"

	"github.com/turk-chat/listener/internal/audio"
	"github.com/turk-chat/listener/internal/playback"
)

// Gate replaces captured frames with silence while the playback status is
// active. It emits exactly one frame per input frame so frame indices keep
// tracking wall-clock time.
type Gate struct {
	status  playback.Status
	silence audio.Frame

	passed     atomic.Uint64
	suppressed atomic.Uint64
	wasActive  atomic.Bool
}

// GateStats represents gate statistics
type GateStats struct {
	PassedFrames     uint64 `json:"passed_frames"`
	SuppressedFrames uint64 `json:"suppressed_frames"`
	Active           bool   `json:"active"`
}

// NewGate creates a gate for frames of the given format
func NewGate(status playback.Status, format audio.Format) *Gate {
	if status == nil {
		status = playback.Never{}
	}
	return &Gate{
		status:  status,
		silence: format.Silence(),
	}
}

// Gate returns the frame to process and whether it was suppressed. The
// silence frame is shared between calls and must not be modified.
func (g *Gate) Gate(raw audio.Frame) (audio.Frame, bool) {
	if g.status.Active() {
		g.suppressed.Add(1)
		g.wasActive.Store(true)
		return g.silence, true
	}

	g.passed.Add(1)
	g.wasActive.Store(false)
	return raw, false
}

// GetStats returns current gate statistics
func (g *Gate) GetStats() GateStats {
	return GateStats{
		PassedFrames:     g.passed.Load(),
		SuppressedFrames: g.suppressed.Load(),
		Active:           g.wasActive.Load(),
	}
}
