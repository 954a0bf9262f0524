// Command netmic streams a microphone or a WAV file to a listener running
// with the udp source. It sends a hello, one audio packet per frame and a
// bye when the input ends or the process is interrupted. The hello is
// repeated about once a second so a listener that missed it, or started
// late, still picks up the stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/turk-chat/listener/internal/audio"
	"github.com/turk-chat/listener/internal/capture"
	"github.com/turk-chat/listener/internal/capture/portaudio"
	"github.com/turk-chat/listener/internal/protocol"
)

// sender writes protocol packets for one session
type sender struct {
	conn       io.Writer
	sourceID   uint32
	channels   uint8
	name       string
	format     audio.Format
	helloEvery uint32 // frames between repeated hellos, 0 disables
	sequence   uint32
}

func newSender(conn io.Writer, sourceID uint32, name string, format audio.Format) *sender {
	return &sender{
		conn:       conn,
		sourceID:   sourceID,
		channels:   uint8(format.Channels),
		name:       name,
		format:     format,
		helloEvery: uint32(max(format.FramesFor(time.Second), 1)),
	}
}

func (s *sender) hello() error {
	packet := protocol.BuildHelloPacket(s.sourceID, s.channels, s.name, uint32(s.format.SampleRate), uint16(s.format.FrameSize))
	_, err := s.conn.Write(packet)
	return err
}

func (s *sender) frame(frame audio.Frame) error {
	if s.helloEvery > 0 && s.sequence > 0 && s.sequence%s.helloEvery == 0 {
		if err := s.hello(); err != nil {
			return fmt.Errorf("failed to repeat hello: %w", err)
		}
	}

	packet, err := protocol.BuildAudioPacket(s.sourceID, s.channels, s.sequence, frame.Bytes())
	if err != nil {
		return err
	}
	s.sequence++
	_, err = s.conn.Write(packet)
	return err
}

func (s *sender) bye() error {
	_, err := s.conn.Write(protocol.BuildByePacket(s.sourceID, s.channels))
	return err
}

// stream copies frames from source to the sender until the source ends or
// ctx is done. Lost input frames are sent as silence to keep timing.
func stream(ctx context.Context, source capture.Source, s *sender, logger *slog.Logger) error {
	silence := source.Format().Silence()

	for ctx.Err() == nil {
		frame, err := source.NextFrame(ctx)
		switch {
		case err == nil:
		case errors.Is(err, capture.ErrOverflow):
			logger.Debug("Input overflow, sending silence")
			frame = silence
		case errors.Is(err, io.EOF), ctx.Err() != nil:
			return nil
		default:
			return err
		}

		if err := s.frame(frame); err != nil {
			return fmt.Errorf("failed to send frame %d: %w", s.sequence, err)
		}
	}
	return nil
}

func main() {
	addr := flag.String("addr", "127.0.0.1:4444", "Listener UDP address")
	file := flag.String("file", "", "WAV file to stream instead of a device")
	device := flag.String("device", "", "Input device name substring")
	name := flag.String("name", "netmic", "Device name announced in the hello packet")
	rate := flag.Int("rate", 48000, "Sample rate in Hz")
	channels := flag.Int("channels", 2, "Channel count")
	frameSize := flag.Int("frame-size", 2048, "Samples per channel per frame")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	format := audio.Format{SampleRate: *rate, Channels: *channels, FrameSize: *frameSize}

	if err := run(format, *addr, *file, *device, *name, logger); err != nil {
		logger.Error("Streaming failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(format audio.Format, addr, file, device, name string, logger *slog.Logger) error {
	if err := format.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var source capture.Source
	var err error
	if file != "" {
		source, err = capture.NewWAVSource(file, format, true, logger)
	} else {
		source, err = portaudio.NewSource(format, device, logger)
	}
	if err != nil {
		return err
	}
	defer source.Close()

	conn, err := net.Dial("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	defer conn.Close()

	s := newSender(conn, uuid.New().ID(), name, format)

	if err := s.hello(); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	logger.Info("Streaming started",
		slog.String("address", addr),
		slog.Uint64("source_id", uint64(s.sourceID)),
		slog.Int("sample_rate", format.SampleRate),
		slog.Int("channels", format.Channels),
	)

	streamErr := stream(ctx, source, s, logger)

	if err := s.bye(); err != nil {
		logger.Warn("Failed to send bye", slog.String("error", err.Error()))
	}

	logger.Info("Streaming stopped", slog.Uint64("frames_sent", uint64(s.sequence)))
	return streamErr
}
