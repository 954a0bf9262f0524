package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// wavHeaderSize is the size of the canonical 44-byte PCM header EncodeWAV writes
const wavHeaderSize = 44

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVInfo holds basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// EncodeWAV encodes interleaved PCM-16 samples into a self-describing WAV buffer
func EncodeWAV(samples []int16, format Format) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if format.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", format.SampleRate)
	}

	if format.Channels < 1 {
		return nil, fmt.Errorf("channel count must be positive, got %d", format.Channels)
	}

	if len(samples)%format.Channels != 0 {
		return nil, fmt.Errorf("sample count %d is not a multiple of %d channels", len(samples), format.Channels)
	}

	numChannels := uint16(format.Channels)
	bitsPerSample := uint16(BitDepth)
	dataSize := uint32(len(samples) * 2)

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.SampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*2))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// Format tags found in the fmt chunk
const (
	wavFormatPCM        = 0x0001
	wavFormatExtensible = 0xFFFE
)

// wavPCMSubformat is the leading GUID bytes of KSDATAFORMAT_SUBTYPE_PCM
var wavPCMSubformat = []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00}

// wavFile is the sample layout and data chunk found by walking a RIFF buffer
type wavFile struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	BitsPerSample uint16
	DataSize      uint32 // declared size of the data chunk
	Data          []byte // data chunk bytes actually present
}

// parseWAV walks the RIFF chunks for "fmt " and "data", skipping anything
// else (LIST, fact, bext, ...). An extensible fmt chunk is reported as PCM
// when its subformat is PCM.
func parseWAV(data []byte) (*wavFile, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("WAV data too short: need at least 12 bytes, got %d", len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var wav wavFile
	haveFmt := false
	offset := 12

	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+int(size) > len(data) {
				return nil, fmt.Errorf("invalid WAV file: fmt chunk of %d bytes", size)
			}
			chunk := data[body : body+int(size)]
			wav.AudioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			wav.NumChannels = binary.LittleEndian.Uint16(chunk[2:4])
			wav.SampleRate = binary.LittleEndian.Uint32(chunk[4:8])
			wav.BitsPerSample = binary.LittleEndian.Uint16(chunk[14:16])

			if wav.AudioFormat == wavFormatExtensible {
				if size < 40 {
					return nil, fmt.Errorf("invalid WAV file: extensible fmt chunk of %d bytes", size)
				}
				if bytes.Equal(chunk[24:24+len(wavPCMSubformat)], wavPCMSubformat) {
					wav.AudioFormat = wavFormatPCM
				}
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			wav.DataSize = size
			end := body + int(size)
			if end > len(data) || end < body {
				end = len(data)
			}
			wav.Data = data[body:end]
			return &wav, nil
		}

		// Chunks are padded to an even size
		next := body + int(size) + int(size&1)
		if next <= offset {
			break
		}
		offset = next
	}

	if !haveFmt {
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	return nil, fmt.Errorf("invalid WAV file: missing data chunk")
}

// DecodeWAV decodes a 16-bit PCM WAV buffer back to interleaved samples and
// the format it was recorded with. FrameSize is left zero.
func DecodeWAV(data []byte) ([]int16, Format, error) {
	wav, err := parseWAV(data)
	if err != nil {
		return nil, Format{}, err
	}

	if wav.AudioFormat != wavFormatPCM {
		return nil, Format{}, fmt.Errorf("unsupported audio format: %#x (only PCM is supported)", wav.AudioFormat)
	}

	if wav.BitsPerSample != BitDepth {
		return nil, Format{}, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", wav.BitsPerSample)
	}

	if wav.NumChannels == 0 {
		return nil, Format{}, fmt.Errorf("invalid channel count: 0")
	}

	numSamples := int(wav.DataSize) / 2
	if numSamples <= 0 {
		return nil, Format{}, fmt.Errorf("no audio data found")
	}

	if available := len(wav.Data) / 2; numSamples > available {
		return nil, Format{}, fmt.Errorf("WAV data truncated: header declares %d samples, %d present", numSamples, available)
	}

	samples := make([]int16, numSamples)
	if err := binary.Read(bytes.NewReader(wav.Data), binary.LittleEndian, samples); err != nil {
		return nil, Format{}, fmt.Errorf("failed to read audio samples: %w", err)
	}

	format := Format{
		SampleRate: int(wav.SampleRate),
		Channels:   int(wav.NumChannels),
	}

	return samples, format, nil
}

// ValidateWAV checks the RIFF structure without decoding the audio data
func ValidateWAV(data []byte) error {
	_, err := parseWAV(data)
	return err
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	wav, err := parseWAV(data)
	if err != nil {
		return nil, err
	}

	if wav.SampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}

	if wav.BitsPerSample < 8 || wav.NumChannels == 0 {
		return nil, fmt.Errorf("invalid sample layout: %d bits, %d channels", wav.BitsPerSample, wav.NumChannels)
	}

	numSamples := wav.DataSize / (uint32(wav.BitsPerSample) / 8)
	duration := float64(numSamples/uint32(wav.NumChannels)) / float64(wav.SampleRate)

	return &WAVInfo{
		SampleRate:    wav.SampleRate,
		Channels:      wav.NumChannels,
		BitsPerSample: wav.BitsPerSample,
		Duration:      duration,
		DataSize:      wav.DataSize,
		NumSamples:    numSamples,
	}, nil
}

// WriteWAVFile encodes samples and writes them to path, creating the parent
// directory if needed. The file is written to a temporary name first and
// renamed so readers never see a partial file.
func WriteWAVFile(path string, samples []int16, format Format) error {
	data, err := EncodeWAV(samples, format)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}

	return nil
}
