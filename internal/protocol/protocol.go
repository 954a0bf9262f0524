package protocol

import (
	"encoding/binary"
	"fmt"
)

// Packet layout constants
const (
	// Packet types
	PacketTypeHello = 0x01
	PacketTypeAudio = 0x02
	PacketTypeBye   = 0x03

	// Packet structure sizes
	HeaderSize             = 8  // 1 + 2 + 4 + 1 bytes
	HelloPayloadSize       = 40 // 32 + 4 + 2 + 2 bytes
	AudioPayloadHeaderSize = 4  // Sequence number (4 bytes)

	// Field sizes in the hello payload
	DeviceNameSize = 32

	// MaxChannels is the largest interleaved channel count a sender may declare
	MaxChannels = 8

	// MaxPacketSize is the largest packet the 16-bit length field can describe
	MaxPacketSize = 0xFFFF
)

// Header represents the 8-byte packet header
// Layout: [PacketType:1][PacketLen:2][SourceID:4][Channels:1]
type Header struct {
	PacketType uint8  // 0x01=Hello, 0x02=Audio, 0x03=Bye
	PacketLen  uint16 // Total packet size (header + payload)
	SourceID   uint32 // Identifies one microphone session
	Channels   uint8  // Interleaved channels in audio payloads
}

// HelloPayload announces a microphone and the frame shape it will send
// Layout: [DeviceName:32][SampleRate:4][FrameSize:2][Reserved:2]
type HelloPayload struct {
	DeviceName [DeviceNameSize]byte // Null-terminated string (32 bytes)
	SampleRate uint32               // Hz
	FrameSize  uint16               // Samples per channel per audio packet
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][AudioData:N]
type AudioPayload struct {
	Sequence  uint32 // Packet sequence number
	AudioData []byte // PCM audio data (variable length)
}

// ParsedPacket represents a fully parsed packet
type ParsedPacket struct {
	Header *Header
	Hello  *HelloPayload // Only set for hello packets
	Audio  *AudioPayload // Only set for audio packets
}

// ParseHeader parses the 8-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		SourceID:   binary.BigEndian.Uint32(data[3:7]),
		Channels:   data[7],
	}

	return header, nil
}

// ParseHelloPayload parses the 40-byte hello payload
func ParseHelloPayload(data []byte) (*HelloPayload, error) {
	if len(data) < HelloPayloadSize {
		return nil, fmt.Errorf("hello payload too short: expected %d bytes, got %d",
			HelloPayloadSize, len(data))
	}

	payload := &HelloPayload{}
	copy(payload.DeviceName[:], data[0:DeviceNameSize])
	payload.SampleRate = binary.BigEndian.Uint32(data[DeviceNameSize : DeviceNameSize+4])
	payload.FrameSize = binary.BigEndian.Uint16(data[DeviceNameSize+4 : DeviceNameSize+6])

	return payload, nil
}

// ParseAudioPayload parses the audio packet payload (4-byte sequence + audio data)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}

	if len(data) > AudioPayloadHeaderSize {
		payload.AudioData = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.AudioData, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParsePacket parses a complete packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeHello:
		payload, err := ParseHelloPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse hello payload: %w", err)
		}
		packet.Hello = payload

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		if len(payload.AudioData)%(2*int(header.Channels)) != 0 {
			return nil, fmt.Errorf("audio data length %d is not a whole number of %d-channel samples",
				len(payload.AudioData), header.Channels)
		}
		packet.Audio = payload

	case PacketTypeBye:
		// no payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.Channels == 0 || header.Channels > MaxChannels {
		return fmt.Errorf("invalid channel count: %d (must be 1-%d)", header.Channels, MaxChannels)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeHello:
		if payloadSize != HelloPayloadSize {
			return fmt.Errorf("hello packet payload size mismatch: expected %d, got %d",
				HelloPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
	case PacketTypeBye:
		if payloadSize != 0 {
			return fmt.Errorf("bye packet must have no payload, got %d bytes", payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeHello || ptype == PacketTypeAudio || ptype == PacketTypeBye
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	nullPos := len(buf)
	for i, b := range buf {
		if b == 0 {
			nullPos = i
			break
		}
	}
	return string(buf[:nullPos])
}

// GetDeviceName extracts the device name as a string
func (h *HelloPayload) GetDeviceName() string {
	return ExtractString(h.DeviceName[:])
}

// putHeader writes the header for a packet of the given total length
func putHeader(buf []byte, ptype uint8, sourceID uint32, channels uint8) {
	buf[0] = ptype
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(buf)))
	binary.BigEndian.PutUint32(buf[3:7], sourceID)
	buf[7] = channels
}

// BuildHelloPacket encodes a hello packet. Device names longer than the
// field are truncated.
func BuildHelloPacket(sourceID uint32, channels uint8, deviceName string, sampleRate uint32, frameSize uint16) []byte {
	buf := make([]byte, HeaderSize+HelloPayloadSize)
	putHeader(buf, PacketTypeHello, sourceID, channels)

	payload := buf[HeaderSize:]
	copy(payload[:DeviceNameSize-1], deviceName)
	binary.BigEndian.PutUint32(payload[DeviceNameSize:DeviceNameSize+4], sampleRate)
	binary.BigEndian.PutUint16(payload[DeviceNameSize+4:DeviceNameSize+6], frameSize)

	return buf
}

// BuildAudioPacket encodes an audio packet carrying little-endian PCM bytes
func BuildAudioPacket(sourceID uint32, channels uint8, sequence uint32, pcm []byte) ([]byte, error) {
	size := HeaderSize + AudioPayloadHeaderSize + len(pcm)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("audio packet too large: %d bytes (maximum %d)", size, MaxPacketSize)
	}

	buf := make([]byte, size)
	putHeader(buf, PacketTypeAudio, sourceID, channels)
	binary.BigEndian.PutUint32(buf[HeaderSize:HeaderSize+4], sequence)
	copy(buf[HeaderSize+AudioPayloadHeaderSize:], pcm)

	return buf, nil
}

// BuildByePacket encodes a bye packet that ends a session
func BuildByePacket(sourceID uint32, channels uint8) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, PacketTypeBye, sourceID, channels)
	return buf
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeHello:
		packetType = "Hello"
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeBye:
		packetType = "Bye"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, SourceID:%d, Channels:%d}",
		packetType, h.PacketLen, h.SourceID, h.Channels)
}

// String returns a human-readable representation of the hello payload
func (h *HelloPayload) String() string {
	return fmt.Sprintf("HelloPayload{DeviceName:%q, SampleRate:%d, FrameSize:%d}",
		h.GetDeviceName(), h.SampleRate, h.FrameSize)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, AudioDataLen:%d}", a.Sequence, len(a.AudioData))
}
