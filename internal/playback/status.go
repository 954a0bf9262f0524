package playback

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Status reports whether a reply is active
type Status interface {
	Active() bool
}

// Tracker is a busy counter. Each Begin must be paired with a call to the
// returned release function; the tracker is active while any are held.
type Tracker struct {
	busy  atomic.Int64
	total atomic.Uint64
}

// NewTracker creates an idle tracker
func NewTracker() *Tracker {
	return &Tracker{}
}

// Begin marks the start of reply work and returns its release function.
// Calling release more than once has no further effect.
func (t *Tracker) Begin() (release func()) {
	t.busy.Add(1)
	t.total.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() { t.busy.Add(-1) })
	}
}

// Active reports whether any reply work is in progress
func (t *Tracker) Active() bool {
	return t.busy.Load() > 0
}

// TrackerStats represents tracker statistics
type TrackerStats struct {
	Busy  int64  `json:"busy"`
	Total uint64 `json:"total"`
}

// GetStats returns current tracker statistics
func (t *Tracker) GetStats() TrackerStats {
	return TrackerStats{
		Busy:  t.busy.Load(),
		Total: t.total.Load(),
	}
}

// PendingReplies is active while a reply file waits in a directory, for
// example a synthesised answer that has not been played and removed yet
type PendingReplies struct {
	dir      string
	pattern  string
	interval time.Duration
	logger   *slog.Logger

	active    bool
	lastCheck time.Time
	mu        sync.Mutex
}

// NewPendingReplies creates a status that globs dir for pattern. Results are
// cached for interval so a per-frame caller does not hit the filesystem on
// every frame; zero disables caching.
func NewPendingReplies(dir, pattern string, interval time.Duration, logger *slog.Logger) *PendingReplies {
	return &PendingReplies{
		dir:      dir,
		pattern:  pattern,
		interval: interval,
		logger:   logger,
	}
}

// Active reports whether a matching reply file exists
func (p *PendingReplies) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.interval > 0 && !p.lastCheck.IsZero() && now.Sub(p.lastCheck) < p.interval {
		return p.active
	}
	p.lastCheck = now

	matches, err := filepath.Glob(filepath.Join(p.dir, p.pattern))
	if err != nil {
		// Only a malformed pattern fails; config validation rejects those
		p.logger.Error("Failed to glob reply directory",
			slog.String("dir", p.dir),
			slog.String("pattern", p.pattern),
			slog.String("error", err.Error()),
		)
		p.active = false
		return false
	}

	p.active = false
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			p.active = true
			break
		}
	}
	return p.active
}

// Any is active when at least one of its members is
type Any []Status

// Active reports whether any member is active
func (a Any) Active() bool {
	for _, s := range a {
		if s != nil && s.Active() {
			return true
		}
	}
	return false
}

// Never is a status that is never active
type Never struct{}

// Active always returns false
func (Never) Active() bool { return false }
