package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/turk-chat/listener/internal/audio"
	"github.com/turk-chat/listener/internal/capture"
	"github.com/turk-chat/listener/internal/protocol"
)

// packetRecorder keeps every written packet
type packetRecorder struct {
	packets [][]byte
}

func (r *packetRecorder) Write(p []byte) (int, error) {
	r.packets = append(r.packets, append([]byte(nil), p...))
	return len(p), nil
}

type stepSource struct {
	format audio.Format
	errs   []error // nil entries yield a frame
}

func (s *stepSource) NextFrame(ctx context.Context) (audio.Frame, error) {
	if len(s.errs) == 0 {
		return nil, io.EOF
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	if err != nil {
		return nil, err
	}
	frame := s.format.Silence()
	frame[0] = 7
	return frame, nil
}

func (s *stepSource) Format() audio.Format { return s.format }
func (s *stepSource) Close() error         { return nil }

func TestStreamSendsSequencedFrames(t *testing.T) {
	format := audio.Format{SampleRate: 16000, Channels: 1, FrameSize: 160}
	source := &stepSource{format: format, errs: []error{nil, capture.ErrOverflow, nil}}
	recorder := &packetRecorder{}
	s := &sender{conn: recorder, sourceID: 42, channels: 1}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := stream(context.Background(), source, s, logger); err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	if len(recorder.packets) != 3 {
		t.Fatalf("Expected 3 packets, got %d", len(recorder.packets))
	}

	for i, data := range recorder.packets {
		packet, err := protocol.ParsePacket(data)
		if err != nil {
			t.Fatalf("Packet %d does not parse: %v", i, err)
		}
		if packet.Header.PacketType != protocol.PacketTypeAudio || packet.Header.SourceID != 42 {
			t.Errorf("Packet %d: unexpected header %+v", i, packet.Header)
		}
		if packet.Audio.Sequence != uint32(i) {
			t.Errorf("Packet %d: expected sequence %d, got %d", i, i, packet.Audio.Sequence)
		}
	}

	// The overflowed frame goes out as silence
	overflow, _ := protocol.ParsePacket(recorder.packets[1])
	if overflow.Audio.AudioData[0] != 0 {
		t.Error("Expected silence for the overflowed frame")
	}
}

func TestStreamStopsOnSourceError(t *testing.T) {
	format := audio.Format{SampleRate: 16000, Channels: 1, FrameSize: 160}
	failure := &capture.DeviceError{Device: "mic", Op: "read", Err: errors.New("gone")}
	source := &stepSource{format: format, errs: []error{nil, failure}}
	s := &sender{conn: &packetRecorder{}, sourceID: 1, channels: 1}

	err := stream(context.Background(), source, s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if !errors.Is(err, failure) {
		t.Errorf("Expected device error, got %v", err)
	}
}

func TestHelloAndBye(t *testing.T) {
	recorder := &packetRecorder{}
	format := audio.Format{SampleRate: 48000, Channels: 2, FrameSize: 2048}
	s := newSender(recorder, 9, "kitchen", format)

	if err := s.hello(); err != nil {
		t.Fatal(err)
	}
	if err := s.bye(); err != nil {
		t.Fatal(err)
	}

	hello, err := protocol.ParsePacket(recorder.packets[0])
	if err != nil {
		t.Fatalf("Hello does not parse: %v", err)
	}
	if hello.Hello.GetDeviceName() != "kitchen" || hello.Hello.SampleRate != 48000 || hello.Hello.FrameSize != 2048 {
		t.Errorf("Unexpected hello %+v", hello.Hello)
	}

	bye, err := protocol.ParsePacket(recorder.packets[1])
	if err != nil {
		t.Fatalf("Bye does not parse: %v", err)
	}
	if bye.Header.PacketType != protocol.PacketTypeBye {
		t.Errorf("Expected bye packet, got type %d", bye.Header.PacketType)
	}
}

func TestStreamRepeatsHello(t *testing.T) {
	// 4 frames per second
	format := audio.Format{SampleRate: 640, Channels: 1, FrameSize: 160}
	source := &stepSource{format: format, errs: make([]error, 9)}
	recorder := &packetRecorder{}
	s := newSender(recorder, 11, "mic", format)

	if s.helloEvery != 4 {
		t.Fatalf("Expected a hello every 4 frames, got %d", s.helloEvery)
	}

	if err := stream(context.Background(), source, s, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	var kinds []uint8
	var sequences []uint32
	for i, data := range recorder.packets {
		packet, err := protocol.ParsePacket(data)
		if err != nil {
			t.Fatalf("Packet %d does not parse: %v", i, err)
		}
		kinds = append(kinds, packet.Header.PacketType)
		if packet.Audio != nil {
			sequences = append(sequences, packet.Audio.Sequence)
		}
	}

	// Hellos go out before frames 4 and 8
	hellos := 0
	for i, kind := range kinds {
		if kind != protocol.PacketTypeHello {
			continue
		}
		hellos++
		if i == len(kinds)-1 || kinds[i+1] != protocol.PacketTypeAudio {
			t.Errorf("Expected an audio packet after hello at %d", i)
		}
	}
	if hellos != 2 {
		t.Errorf("Expected 2 repeated hellos, got %d", hellos)
	}

	if len(sequences) != 9 {
		t.Fatalf("Expected 9 audio packets, got %d", len(sequences))
	}
	for i, seq := range sequences {
		if seq != uint32(i) {
			t.Errorf("Audio packet %d: expected sequence %d, got %d", i, i, seq)
		}
	}
}
