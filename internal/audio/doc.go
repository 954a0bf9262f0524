// Package audio holds the frame model and the two stateful pieces of
// segmentation: a fixed-capacity ring of recent frames addressed by logical
// index, and the idle/speaking state machine that turns loud and quiet
// classifications into segments. It also encodes and decodes 16-bit PCM WAV.
package audio
