// Package stream runs the listening pipeline.
//
// The Listener owns one capture goroutine that pulls frames from a source,
// gates them against playback, stores them in the ring and steps the
// segmenter. Finished segments are copied out of the ring and handed to a
// single worker over a small queue; the worker emits each clip through the
// Emitter and passes accepted transcripts to a TranscriptHandler.
package stream
