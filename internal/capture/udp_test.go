package capture

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/turk-chat/listener/internal/audio"
	"github.com/turk-chat/listener/internal/config"
	"github.com/turk-chat/listener/internal/protocol"
)

var udpTestFormat = audio.Format{SampleRate: 8000, Channels: 1, FrameSize: 4}

func newTestUDPSource(t *testing.T) (*UDPSource, *net.UDPConn) {
	t.Helper()

	cfg := &config.UDPConfig{
		BindAddress: "127.0.0.1",
		Port:        0,
		BufferSize:  4096,
		MaxGap:      4,
		Jitter:      0.2,
	}

	source, err := NewUDPSource(cfg, udpTestFormat, discardLogger())
	if err != nil {
		t.Fatalf("NewUDPSource failed: %v", err)
	}
	t.Cleanup(func() { source.Close() })

	conn, err := net.DialUDP("udp", nil, source.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return source, conn
}

func sendAudio(t *testing.T, conn *net.UDPConn, sourceID, seq uint32, value int16) {
	t.Helper()

	frame := audio.Frame{value, value, value, value}
	packet, err := protocol.BuildAudioPacket(sourceID, 1, seq, frame.Bytes())
	if err != nil {
		t.Fatalf("BuildAudioPacket failed: %v", err)
	}
	if _, err := conn.Write(packet); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func nextFrame(t *testing.T, source *UDPSource) audio.Frame {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	frame, err := source.NextFrame(ctx)
	if err != nil {
		t.Fatalf("NextFrame failed: %v", err)
	}
	return frame
}

// waitForPackets blocks until the source has processed n packets
func waitForPackets(t *testing.T, source *UDPSource, n uint64) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for source.GetStats().PacketsReceived < n {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %d packets, got %d", n, source.GetStats().PacketsReceived)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUDPSourceReorders(t *testing.T) {
	source, conn := newTestUDPSource(t)

	conn.Write(protocol.BuildHelloPacket(42, 1, "test mic", 8000, 4))
	sendAudio(t, conn, 42, 10, 1)
	sendAudio(t, conn, 42, 12, 3)
	sendAudio(t, conn, 42, 11, 2)
	sendAudio(t, conn, 42, 13, 4)
	waitForPackets(t, source, 5)

	for want := int16(1); want <= 4; want++ {
		frame := nextFrame(t, source)
		if frame[0] != want {
			t.Errorf("Expected frame %d, got %d", want, frame[0])
		}
	}

	stats := source.GetStats()
	if !stats.Active || stats.SourceID != 42 || stats.DeviceName != "test mic" {
		t.Errorf("Unexpected session stats %+v", stats)
	}
}

func TestUDPSourceRejectsUnknownAndMismatched(t *testing.T) {
	source, conn := newTestUDPSource(t)

	// Audio before hello
	sendAudio(t, conn, 1, 0, 1)
	// Wrong frame size
	conn.Write(protocol.BuildHelloPacket(1, 1, "bad", 8000, 160))
	// Garbage
	conn.Write([]byte{0xFF, 0x00})
	waitForPackets(t, source, 3)

	stats := source.GetStats()
	if stats.Rejected != 2 {
		t.Errorf("Expected 2 rejected packets, got %d", stats.Rejected)
	}
	if stats.ParseErrors != 1 {
		t.Errorf("Expected 1 parse error, got %d", stats.ParseErrors)
	}
	if stats.Active {
		t.Error("Expected no active session")
	}
}

func TestUDPSourceMissingFrameOverflows(t *testing.T) {
	source, conn := newTestUDPSource(t)

	conn.Write(protocol.BuildHelloPacket(7, 1, "mic", 8000, 4))
	sendAudio(t, conn, 7, 0, 1)
	sendAudio(t, conn, 7, 2, 3)
	waitForPackets(t, source, 3)

	if frame := nextFrame(t, source); frame[0] != 1 {
		t.Fatalf("Expected first frame, got %d", frame[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := source.NextFrame(ctx); !errors.Is(err, ErrOverflow) {
		t.Fatalf("Expected ErrOverflow for missing frame, got %v", err)
	}

	if frame := nextFrame(t, source); frame[0] != 3 {
		t.Errorf("Expected frame after the gap, got %d", frame[0])
	}

	// The missing packet arriving now is too late
	sendAudio(t, conn, 7, 1, 2)
	waitForPackets(t, source, 4)

	stats := source.GetStats()
	if stats.LostPackets != 1 || stats.LatePackets != 1 {
		t.Errorf("Expected 1 lost and 1 late packet, got %+v", stats)
	}
}

func TestUDPSourceLargeGapSkips(t *testing.T) {
	source, conn := newTestUDPSource(t)

	conn.Write(protocol.BuildHelloPacket(3, 1, "mic", 8000, 4))
	sendAudio(t, conn, 3, 100, 1)
	sendAudio(t, conn, 3, 110, 2) // gap larger than max_gap
	waitForPackets(t, source, 3)

	if frame := nextFrame(t, source); frame[0] != 1 {
		t.Fatalf("Expected first frame, got %d", frame[0])
	}
	if frame := nextFrame(t, source); frame[0] != 2 {
		t.Fatalf("Expected frame after skip, got %d", frame[0])
	}

	if lost := source.GetStats().LostPackets; lost != 9 {
		t.Errorf("Expected 9 lost packets, got %d", lost)
	}
}

func TestUDPSourceByeEndsStream(t *testing.T) {
	source, conn := newTestUDPSource(t)

	conn.Write(protocol.BuildHelloPacket(5, 1, "mic", 8000, 4))
	sendAudio(t, conn, 5, 0, 9)
	conn.Write(protocol.BuildByePacket(5, 1))
	waitForPackets(t, source, 3)

	if frame := nextFrame(t, source); frame[0] != 9 {
		t.Fatalf("Expected queued frame before EOF, got %d", frame[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := source.NextFrame(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF after bye, got %v", err)
	}
}

func TestUDPSourceWaitsForSession(t *testing.T) {
	source, _ := newTestUDPSource(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := source.NextFrame(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected to wait until the deadline, got %v", err)
	}
}

func TestUDPSourceAudioBeforeHello(t *testing.T) {
	source, conn := newTestUDPSource(t)

	// The sender started first; its opening hello was never seen
	sendAudio(t, conn, 8, 0, 1)
	sendAudio(t, conn, 8, 1, 2)
	waitForPackets(t, source, 2)

	if stats := source.GetStats(); stats.Active || stats.Rejected != 2 {
		t.Fatalf("Expected audio without a session to be rejected, got %+v", stats)
	}

	// The repeated hello opens the session mid-stream
	conn.Write(protocol.BuildHelloPacket(8, 1, "late mic", 8000, 4))
	sendAudio(t, conn, 8, 2, 3)
	sendAudio(t, conn, 8, 3, 4)
	waitForPackets(t, source, 5)

	for want := int16(3); want <= 4; want++ {
		if frame := nextFrame(t, source); frame[0] != want {
			t.Errorf("Expected frame %d, got %d", want, frame[0])
		}
	}

	if stats := source.GetStats(); !stats.Active || stats.Sessions != 1 {
		t.Errorf("Expected one active session, got %+v", stats)
	}
}

func TestUDPSourceRepeatedHelloKeepsOrder(t *testing.T) {
	source, conn := newTestUDPSource(t)

	conn.Write(protocol.BuildHelloPacket(6, 1, "mic", 8000, 4))
	sendAudio(t, conn, 6, 0, 1)
	sendAudio(t, conn, 6, 2, 3) // held until 1 arrives
	conn.Write(protocol.BuildHelloPacket(6, 1, "mic", 8000, 4))
	sendAudio(t, conn, 6, 1, 2)
	waitForPackets(t, source, 5)

	for want := int16(1); want <= 3; want++ {
		if frame := nextFrame(t, source); frame[0] != want {
			t.Errorf("Expected frame %d, got %d", want, frame[0])
		}
	}

	stats := source.GetStats()
	if stats.Sessions != 1 || stats.LatePackets != 0 || stats.Rejected != 0 {
		t.Errorf("Expected the repeated hello to leave the session alone, got %+v", stats)
	}
}

func TestUDPSourceIdleSessionTakeover(t *testing.T) {
	source, conn := newTestUDPSource(t)

	source.mu.Lock()
	source.idleTimeout = 50 * time.Millisecond
	source.mu.Unlock()

	conn.Write(protocol.BuildHelloPacket(1, 1, "old", 8000, 4))
	sendAudio(t, conn, 1, 0, 1)
	// Another sender while the first is still streaming
	conn.Write(protocol.BuildHelloPacket(2, 1, "new", 8000, 4))
	waitForPackets(t, source, 3)

	if stats := source.GetStats(); stats.SourceID != 1 || stats.Rejected != 1 {
		t.Fatalf("Expected the busy session to be kept, got %+v", stats)
	}

	time.Sleep(100 * time.Millisecond)
	conn.Write(protocol.BuildHelloPacket(2, 1, "new", 8000, 4))
	sendAudio(t, conn, 2, 500, 7)
	waitForPackets(t, source, 5)

	if frame := nextFrame(t, source); frame[0] != 1 {
		t.Fatalf("Expected the old session's queued frame, got %d", frame[0])
	}
	if frame := nextFrame(t, source); frame[0] != 7 {
		t.Fatalf("Expected the new session's frame, got %d", frame[0])
	}

	if stats := source.GetStats(); stats.SourceID != 2 || stats.Sessions != 2 || stats.DeviceName != "new" {
		t.Errorf("Expected the idle session to be taken over, got %+v", stats)
	}
}
