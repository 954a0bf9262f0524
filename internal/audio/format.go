package audio

import (
	"fmt"
	"time"
)

// Frame is one fixed-size chunk of interleaved signed 16-bit PCM samples.
// Frames are treated as immutable once captured.
type Frame []int16

// Format describes the constant shape of every frame in the process
type Format struct {
	SampleRate int // Hz
	Channels   int
	FrameSize  int // samples per channel per frame
}

// BitDepth is fixed; every collaborator speaks 16-bit PCM.
const BitDepth = 16

// Validate checks that the format can describe real frames
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8, got %d", f.Channels)
	}
	if f.FrameSize <= 0 {
		return fmt.Errorf("frame size must be positive, got %d", f.FrameSize)
	}
	return nil
}

// FrameLen returns the number of interleaved samples in one frame
func (f Format) FrameLen() int {
	return f.FrameSize * f.Channels
}

// FrameBytes returns the size of one frame in bytes
func (f Format) FrameBytes() int {
	return f.FrameLen() * BitDepth / 8
}

// FrameDuration returns the wall-clock time covered by one frame
func (f Format) FrameDuration() time.Duration {
	return time.Duration(f.FrameSize) * time.Second / time.Duration(f.SampleRate)
}

// FramesFor converts a duration to a whole number of frames, rounding down.
// This matches int(seconds * rate / frame_size).
func (f Format) FramesFor(d time.Duration) int {
	return int(d.Seconds() * float64(f.SampleRate) / float64(f.FrameSize))
}

// Duration returns the playback length of n interleaved samples
func (f Format) Duration(samples int) time.Duration {
	perChannel := samples / f.Channels
	return time.Duration(perChannel) * time.Second / time.Duration(f.SampleRate)
}

// Silence returns a new zeroed frame of the correct shape
func (f Format) Silence() Frame {
	return make(Frame, f.FrameLen())
}

// FrameFromBytes decodes little-endian PCM-16 bytes into a frame
func FrameFromBytes(data []byte) (Frame, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("audio data length must be even (got %d bytes)", len(data))
	}
	frame := make(Frame, len(data)/2)
	for i := range frame {
		frame[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return frame, nil
}

// Bytes encodes the frame as little-endian PCM-16
func (fr Frame) Bytes() []byte {
	out := make([]byte, len(fr)*2)
	for i, s := range fr {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}
