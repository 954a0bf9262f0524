package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/turk-chat/listener/internal/audio"
	"github.com/turk-chat/listener/internal/config"
	"github.com/turk-chat/listener/internal/protocol"
)

const (
	// maxReadyFrames bounds in-order frames waiting for NextFrame
	maxReadyFrames = 256

	// sessionIdleTimeout is how long an active session may stay silent
	// before a hello from another source takes it over
	sessionIdleTimeout = 3 * time.Second
)

// UDPSource receives frames from a network microphone.
//
// A sender opens a session with a hello packet, streams audio packets
// carrying one frame each, and ends with a bye. Senders repeat the hello
// while streaming; for the active source it only refreshes the session. One
// session is served at a time, and a silent session is given up to the next
// sender that says hello. Packets are reordered by sequence number; a frame that does not show
// up within one frame duration plus jitter is reported as ErrOverflow so
// frame indices keep pace with wall-clock time.
type UDPSource struct {
	conn   *net.UDPConn
	config *config.UDPConfig
	format audio.Format
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Session state
	active      bool
	ended       bool
	closed      bool
	sourceID    uint32
	deviceName  string
	lastPacket  time.Time
	idleTimeout time.Duration
	started     bool   // first audio packet seen
	expectedSeq uint32 // next sequence to deliver
	pending     map[uint32]audio.Frame
	ready       []audio.Frame
	notify      chan struct{}

	// Statistics
	packetsReceived uint64
	parseErrors     uint64
	rejected        uint64
	latePackets     uint64
	lostPackets     uint64
	droppedFrames   uint64
	sessions        uint64

	mu sync.Mutex
}

// UDPStats represents network microphone statistics
type UDPStats struct {
	Address         string `json:"address"`
	Active          bool   `json:"active"`
	SourceID        uint32 `json:"source_id"`
	DeviceName      string `json:"device_name"`
	Sessions        uint64 `json:"sessions"`
	PacketsReceived uint64 `json:"packets_received"`
	ParseErrors     uint64 `json:"parse_errors"`
	Rejected        uint64 `json:"rejected_packets"`
	LatePackets     uint64 `json:"late_packets"`
	LostPackets     uint64 `json:"lost_packets"`
	DroppedFrames   uint64 `json:"dropped_frames"`
	PendingPackets  int    `json:"pending_packets"`
	ReadyFrames     int    `json:"ready_frames"`
}

// NewUDPSource binds the configured address and starts receiving
func NewUDPSource(cfg *config.UDPConfig, format audio.Format, logger *slog.Logger) (*UDPSource, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture format: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}

	if err := conn.SetReadBuffer(cfg.BufferSize); err != nil {
		logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", cfg.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &UDPSource{
		conn:        conn,
		config:      cfg,
		format:      format,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[uint32]audio.Frame),
		notify:      make(chan struct{}, 1),
		idleTimeout: sessionIdleTimeout,
	}

	s.wg.Add(1)
	go s.receiveLoop()

	logger.Info("Network microphone listening",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", cfg.BufferSize),
	)

	return s, nil
}

// LocalAddr returns the bound address
func (s *UDPSource) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// receiveLoop is the main packet receiving loop
func (s *UDPSource) receiveLoop() {
	defer s.wg.Done()

	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		// Wake periodically to observe cancellation
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		s.handlePacket(buffer[:n], remoteAddr)
	}
}

// handlePacket parses one datagram and updates the session
func (s *UDPSource) handlePacket(data []byte, remoteAddr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.packetsReceived++

	packet, err := protocol.ParsePacket(data)
	if err != nil {
		s.parseErrors++
		s.logger.Debug("Failed to parse packet",
			slog.String("remote_addr", remoteAddr.String()),
			slog.Int("packet_size", len(data)),
			slog.String("error", err.Error()),
		)
		return
	}

	header := packet.Header
	switch header.PacketType {
	case protocol.PacketTypeHello:
		s.handleHello(header, packet.Hello, remoteAddr)
	case protocol.PacketTypeAudio:
		s.handleAudio(header, packet.Audio)
	case protocol.PacketTypeBye:
		if s.active && header.SourceID == s.sourceID {
			s.ended = true
			s.logger.Info("Network microphone session ended",
				slog.Uint64("source_id", uint64(header.SourceID)),
				slog.String("device", s.deviceName),
			)
			s.signal()
		}
	}
}

// handleHello opens a session, refreshes the active one, or takes over a
// session that has gone silent
func (s *UDPSource) handleHello(header *protocol.Header, hello *protocol.HelloPayload, remoteAddr *net.UDPAddr) {
	if s.ended {
		s.rejected++
		return
	}

	now := time.Now()
	sameSource := s.active && header.SourceID == s.sourceID

	if s.active && !sameSource && now.Sub(s.lastPacket) < s.idleTimeout {
		s.rejected++
		s.logger.Warn("Rejecting hello while another session is active",
			slog.Uint64("source_id", uint64(header.SourceID)),
			slog.Uint64("active_source_id", uint64(s.sourceID)),
		)
		return
	}

	if int(header.Channels) != s.format.Channels ||
		int(hello.SampleRate) != s.format.SampleRate ||
		int(hello.FrameSize) != s.format.FrameSize {
		s.rejected++
		s.logger.Warn("Rejecting hello with mismatched format",
			slog.String("remote_addr", remoteAddr.String()),
			slog.String("device", hello.GetDeviceName()),
			slog.Int("sample_rate", int(hello.SampleRate)),
			slog.Int("channels", int(header.Channels)),
			slog.Int("frame_size", int(hello.FrameSize)),
		)
		return
	}

	s.lastPacket = now
	if sameSource {
		// Keepalive: sequence tracking and reordering carry on
		s.deviceName = hello.GetDeviceName()
		return
	}

	if s.active {
		s.logger.Warn("Taking over idle network microphone session",
			slog.Uint64("source_id", uint64(header.SourceID)),
			slog.Uint64("idle_source_id", uint64(s.sourceID)),
		)
	}

	s.sessions++
	s.active = true
	s.sourceID = header.SourceID
	s.deviceName = hello.GetDeviceName()
	s.started = false
	clear(s.pending)

	s.logger.Info("Network microphone session started",
		slog.String("remote_addr", remoteAddr.String()),
		slog.Uint64("source_id", uint64(header.SourceID)),
		slog.String("device", s.deviceName),
	)
}

// handleAudio reorders audio packets by sequence number
func (s *UDPSource) handleAudio(header *protocol.Header, payload *protocol.AudioPayload) {
	if !s.active || s.ended || header.SourceID != s.sourceID || int(header.Channels) != s.format.Channels {
		s.rejected++
		return
	}

	frame, err := audio.FrameFromBytes(payload.AudioData)
	if err != nil || len(frame) != s.format.FrameLen() {
		s.rejected++
		return
	}
	s.lastPacket = time.Now()

	sequence := payload.Sequence
	if !s.started {
		s.started = true
		s.expectedSeq = sequence
	}

	// Signed distance so the comparison survives sequence wraparound
	ahead := int32(sequence - s.expectedSeq)

	switch {
	case ahead == 0:
		s.deliver(frame)
		s.drainPending()

	case ahead > 0:
		s.pending[sequence] = frame
		if ahead > int32(s.config.MaxGap) {
			s.skipTo(sequence)
		}

	default:
		// Already delivered, skipped or duplicated
		s.latePackets++
		return
	}

	s.signal()
}

// deliver queues the next in-order frame
func (s *UDPSource) deliver(frame audio.Frame) {
	if len(s.ready) >= maxReadyFrames {
		s.ready = s.ready[1:]
		s.droppedFrames++
	}
	s.ready = append(s.ready, frame)
	s.expectedSeq++
}

// drainPending delivers buffered packets that are now in order
func (s *UDPSource) drainPending() {
	for {
		frame, ok := s.pending[s.expectedSeq]
		if !ok {
			return
		}
		delete(s.pending, s.expectedSeq)
		s.deliver(frame)
	}
}

// skipTo gives up on every sequence before target and delivers from there
func (s *UDPSource) skipTo(target uint32) {
	for int32(target-s.expectedSeq) > 0 {
		if _, ok := s.pending[s.expectedSeq]; !ok {
			s.lostPackets++
			s.expectedSeq++
		}
		s.drainPending()
	}
}

// signal wakes a waiting NextFrame
func (s *UDPSource) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// NextFrame returns the next in-order frame. Before a session starts it
// waits indefinitely; once audio is flowing a missing frame yields
// ErrOverflow after one frame duration plus jitter. After a bye, and once
// queued frames are consumed, it returns io.EOF.
func (s *UDPSource) NextFrame(ctx context.Context) (audio.Frame, error) {
	for {
		s.mu.Lock()
		if len(s.ready) > 0 {
			frame := s.ready[0]
			s.ready = s.ready[1:]
			s.mu.Unlock()
			return frame, nil
		}
		if s.ended || s.closed {
			s.mu.Unlock()
			return nil, io.EOF
		}
		streaming := s.active && s.started
		s.mu.Unlock()

		if !streaming {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-s.notify:
			}
			continue
		}

		timer := time.NewTimer(s.format.FrameDuration() + s.config.GetJitter())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-s.notify:
			timer.Stop()
			continue
		case <-timer.C:
			s.mu.Lock()
			if len(s.ready) == 0 && s.started && !s.ended {
				s.lostPackets++
				s.expectedSeq++
				s.drainPending()
				s.mu.Unlock()
				return nil, ErrOverflow
			}
			s.mu.Unlock()
		}
	}
}

// Format returns the frame format the source accepts
func (s *UDPSource) Format() audio.Format {
	return s.format
}

// GetStats returns current network microphone statistics
func (s *UDPSource) GetStats() UDPStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return UDPStats{
		Address:         s.conn.LocalAddr().String(),
		Active:          s.active && !s.ended,
		SourceID:        s.sourceID,
		DeviceName:      s.deviceName,
		Sessions:        s.sessions,
		PacketsReceived: s.packetsReceived,
		ParseErrors:     s.parseErrors,
		Rejected:        s.rejected,
		LatePackets:     s.latePackets,
		LostPackets:     s.lostPackets,
		DroppedFrames:   s.droppedFrames,
		PendingPackets:  len(s.pending),
		ReadyFrames:     len(s.ready),
	}
}

// Close stops receiving and releases the socket
func (s *UDPSource) Close() error {
	s.cancel()

	err := s.conn.Close()
	s.wg.Wait()

	s.mu.Lock()
	s.closed = true
	s.signal()
	s.mu.Unlock()

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close UDP socket: %w", err)
	}
	return nil
}
