// Package playback reports whether the assistant is currently producing or
// playing a reply. Capture reads this once per frame to avoid hearing itself.
package playback
