// Package protocol implements the network microphone packet format.
// Every packet carries an 8-byte header followed by a hello, audio or bye
// payload. Multi-byte header and hello fields are big-endian; PCM samples are
// little-endian signed 16-bit.
package protocol
