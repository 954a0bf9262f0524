// Package portaudio captures frames from a local input device.
// It links libportaudio through cgo; package capture stays pure Go.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/turk-chat/listener/internal/audio"
	"github.com/turk-chat/listener/internal/capture"
)

var _ capture.Source = (*Source)(nil)

// Source reads frames from an input device with a blocking stream
type Source struct {
	format audio.Format
	device *pa.DeviceInfo
	stream *pa.Stream
	buffer []int16
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewSource opens and starts an input stream. The device is the
// first input whose name contains deviceName, ignoring case, or the default
// input when deviceName is empty or nothing matches.
func NewSource(format audio.Format, deviceName string, logger *slog.Logger) (*Source, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture format: %w", err)
	}

	if err := pa.Initialize(); err != nil {
		return nil, &capture.DeviceError{Device: deviceName, Op: "initialize", Err: err}
	}

	device, err := selectInputDevice(deviceName, logger)
	if err != nil {
		pa.Terminate()
		return nil, &capture.DeviceError{Device: deviceName, Op: "select", Err: err}
	}

	if device.MaxInputChannels < format.Channels {
		pa.Terminate()
		return nil, &capture.DeviceError{
			Device: device.Name,
			Op:     "open",
			Err:    fmt.Errorf("device supports %d input channels, need %d", device.MaxInputChannels, format.Channels),
		}
	}

	s := &Source{
		format: format,
		device: device,
		buffer: make([]int16, format.FrameLen()),
		logger: logger,
	}

	params := pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   device,
			Channels: format.Channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: format.FrameSize,
	}

	stream, err := pa.OpenStream(params, s.buffer)
	if err != nil {
		pa.Terminate()
		return nil, &capture.DeviceError{Device: device.Name, Op: "open", Err: err}
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		pa.Terminate()
		return nil, &capture.DeviceError{Device: device.Name, Op: "start", Err: err}
	}
	s.stream = stream

	logger.Info("Audio input opened",
		slog.String("device", device.Name),
		slog.Int("sample_rate", format.SampleRate),
		slog.Int("channels", format.Channels),
		slog.Int("frame_size", format.FrameSize),
	)

	return s, nil
}

// selectInputDevice picks the input device to capture from
func selectInputDevice(name string, logger *slog.Logger) (*pa.DeviceInfo, error) {
	if name != "" {
		devices, err := pa.Devices()
		if err != nil {
			return nil, fmt.Errorf("failed to list devices: %w", err)
		}

		needle := strings.ToLower(name)
		for _, d := range devices {
			if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), needle) {
				return d, nil
			}
		}

		logger.Warn("No input device matches, using default",
			slog.String("input_device", name),
		)
	}

	device, err := pa.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("no default input device: %w", err)
	}
	return device, nil
}

// NextFrame blocks until the device delivers one frame
func (s *Source) NextFrame(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.stream.Read(); err != nil {
		if errors.Is(err, pa.InputOverflowed) {
			return nil, capture.ErrOverflow
		}
		return nil, &capture.DeviceError{Device: s.device.Name, Op: "read", Err: err}
	}

	frame := make(audio.Frame, len(s.buffer))
	copy(frame, s.buffer)
	return frame, nil
}

// Format returns the capture format
func (s *Source) Format() audio.Format {
	return s.format
}

// DeviceName returns the name of the opened input device
func (s *Source) DeviceName() string {
	return s.device.Name
}

// Close stops the stream and releases PortAudio
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if err := s.stream.Stop(); err != nil {
			s.logger.Warn("Error stopping audio stream", slog.String("error", err.Error()))
		}
		if err := s.stream.Close(); err != nil {
			s.closeErr = fmt.Errorf("failed to close audio stream: %w", err)
		}
		if err := pa.Terminate(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("failed to terminate portaudio: %w", err)
		}
	})
	return s.closeErr
}
