package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/turk-chat/listener/internal/audio"
	"github.com/turk-chat/listener/internal/protocol"
)

// Audio sources
const (
	SourcePortAudio = "portaudio"
	SourceWAV       = "wav"
	SourceUDP       = "udp"
)

// Transcription backends
const (
	BackendHTTP   = "http"
	BackendOpenAI = "openai"
)

// Environment variables consulted when transcription.api_key is empty
const (
	EnvTranscriptionAPIKey = "TRANSCRIPTION_API_KEY"
	EnvOpenAIAPIKey        = "OPENAI_API_KEY"
)

// Config represents the complete listener configuration
type Config struct {
	Audio         AudioConfig         `yaml:"audio"`
	Ring          RingConfig          `yaml:"ring"`
	Segmenter     SegmenterConfig     `yaml:"segmenter"`
	Worker        WorkerConfig        `yaml:"worker"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Playback      PlaybackConfig      `yaml:"playback"`
	Archive       ArchiveConfig       `yaml:"archive"`
	UDP           UDPConfig           `yaml:"udp"`
	HTTP          HTTPConfig          `yaml:"http"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// AudioConfig contains the capture format and the frame source selection
type AudioConfig struct {
	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`
	FrameSize   int    `yaml:"frame_size"` // samples per channel per frame
	BitDepth    int    `yaml:"bit_depth"`
	Source      string `yaml:"source"`       // portaudio, wav or udp
	InputDevice string `yaml:"input_device"` // case-insensitive name substring
	InputFile   string `yaml:"input_file"`   // wav source only
	Realtime    bool   `yaml:"realtime"`     // pace wav replay at the frame rate
}

// RingConfig sizes the circular frame store
type RingConfig struct {
	Duration float64 `yaml:"duration"` // seconds
}

// SegmenterConfig contains the loudness and timing parameters of segmentation
type SegmenterConfig struct {
	Threshold       float64 `yaml:"threshold"`        // mean absolute sample value
	TrailingSilence float64 `yaml:"trailing_silence"` // seconds
	PreRoll         int     `yaml:"pre_roll"`         // frames
}

// WorkerConfig contains the segment handoff settings
type WorkerConfig struct {
	QueueSize    int     `yaml:"queue_size"`
	DrainTimeout float64 `yaml:"drain_timeout"` // seconds
}

// TranscriptionConfig contains transcription backend configuration
type TranscriptionConfig struct {
	Backend         string  `yaml:"backend"` // http or openai
	Endpoint        string  `yaml:"endpoint"`
	APIKey          string  `yaml:"api_key"`
	Model           string  `yaml:"model"`
	Language        string  `yaml:"language"`
	Prompt          string  `yaml:"prompt"`
	Timeout         int     `yaml:"timeout"` // seconds
	MaxNoSpeechProb float64 `yaml:"max_no_speech_prob"`
}

// PlaybackConfig describes where pending replies show up
type PlaybackConfig struct {
	ReplyDir     string  `yaml:"reply_dir"`
	ReplyPattern string  `yaml:"reply_pattern"`
	PollInterval float64 `yaml:"poll_interval"` // seconds
}

// ArchiveConfig controls persistence of captured segments
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// UDPConfig contains the network microphone listener configuration
type UDPConfig struct {
	Port        int     `yaml:"port"`
	BindAddress string  `yaml:"bind_address"`
	BufferSize  int     `yaml:"buffer_size"`
	MaxGap      int     `yaml:"max_gap"` // packets
	Jitter      float64 `yaml:"jitter"`  // seconds
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.Transcription.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Ring.Validate(); err != nil {
		return fmt.Errorf("ring config: %w", err)
	}

	if err := c.Segmenter.Validate(); err != nil {
		return fmt.Errorf("segmenter config: %w", err)
	}

	// The ring must be able to hold any segment the segmenter can emit
	if err := c.SegmenterBounds().Validate(); err != nil {
		return fmt.Errorf("segmenter config: %w", err)
	}

	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}

	if err := c.Archive.Validate(); err != nil {
		return fmt.Errorf("archive config: %w", err)
	}

	if c.Audio.Source == SourceUDP {
		if err := c.UDP.Validate(); err != nil {
			return fmt.Errorf("udp config: %w", err)
		}

		// A shorter read buffer truncates every audio datagram
		packetSize := protocol.HeaderSize + protocol.AudioPayloadHeaderSize + c.Format().FrameBytes()
		if packetSize > protocol.MaxPacketSize {
			return fmt.Errorf("udp config: a %d byte audio packet exceeds the %d byte packet limit", packetSize, protocol.MaxPacketSize)
		}
		if c.UDP.BufferSize < packetSize {
			return fmt.Errorf("udp config: buffer_size %d is smaller than one audio packet (%d bytes)", c.UDP.BufferSize, packetSize)
		}
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", a.SampleRate)
	}

	if a.Channels < 1 || a.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8, got %d", a.Channels)
	}

	if a.FrameSize < 64 || a.FrameSize > 16384 {
		return fmt.Errorf("frame_size must be between 64 and 16384 samples, got %d", a.FrameSize)
	}

	if a.BitDepth != audio.BitDepth {
		return fmt.Errorf("bit_depth must be %d, got %d", audio.BitDepth, a.BitDepth)
	}

	switch a.Source {
	case SourcePortAudio, SourceUDP:
	case SourceWAV:
		if a.InputFile == "" {
			return fmt.Errorf("input_file cannot be empty when source is '%s'", SourceWAV)
		}
	default:
		return fmt.Errorf("source must be one of [portaudio, wav, udp], got '%s'", a.Source)
	}

	return nil
}

// Validate validates ring configuration
func (r *RingConfig) Validate() error {
	if r.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %f", r.Duration)
	}
	return nil
}

// Validate validates segmenter configuration
func (s *SegmenterConfig) Validate() error {
	if s.Threshold <= 0 || s.Threshold >= 32768 {
		return fmt.Errorf("threshold must be between 0 and 32768 (exclusive), got %f", s.Threshold)
	}

	if s.TrailingSilence <= 0 {
		return fmt.Errorf("trailing_silence must be positive, got %f", s.TrailingSilence)
	}

	if s.PreRoll < 0 {
		return fmt.Errorf("pre_roll cannot be negative, got %d", s.PreRoll)
	}

	return nil
}

// Validate validates worker configuration
func (w *WorkerConfig) Validate() error {
	if w.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", w.QueueSize)
	}

	if w.DrainTimeout <= 0 {
		return fmt.Errorf("drain_timeout must be positive, got %f", w.DrainTimeout)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Backend {
	case BackendHTTP:
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http backend")
		}
	case BackendOpenAI:
		if t.APIKey == "" {
			return fmt.Errorf("api_key cannot be empty for the openai backend (set %s)", EnvOpenAIAPIKey)
		}
		if t.Model == "" {
			return fmt.Errorf("model cannot be empty for the openai backend")
		}
	default:
		return fmt.Errorf("backend must be 'http' or 'openai', got '%s'", t.Backend)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxNoSpeechProb <= 0 || t.MaxNoSpeechProb > 1 {
		return fmt.Errorf("max_no_speech_prob must be in (0, 1], got %f", t.MaxNoSpeechProb)
	}

	return nil
}

// applyEnv fills the API key from the environment when the file leaves it empty
func (t *TranscriptionConfig) applyEnv() {
	if t.APIKey != "" {
		return
	}

	names := []string{EnvTranscriptionAPIKey}
	if t.Backend == BackendOpenAI {
		names = []string{EnvOpenAIAPIKey, EnvTranscriptionAPIKey}
	}

	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			t.APIKey = v
			return
		}
	}
}

// Validate validates playback configuration
func (p *PlaybackConfig) Validate() error {
	if p.ReplyDir == "" {
		return nil
	}

	if p.ReplyPattern == "" {
		return fmt.Errorf("reply_pattern cannot be empty when reply_dir is set")
	}

	if _, err := filepath.Match(p.ReplyPattern, ""); err != nil {
		return fmt.Errorf("invalid reply_pattern '%s': %w", p.ReplyPattern, err)
	}

	if p.PollInterval < 0 {
		return fmt.Errorf("poll_interval cannot be negative, got %f", p.PollInterval)
	}

	return nil
}

// Validate validates archive configuration
func (a *ArchiveConfig) Validate() error {
	if a.Enabled && a.Dir == "" {
		return fmt.Errorf("dir cannot be empty when archive is enabled")
	}
	return nil
}

// Validate validates UDP listener configuration
func (u *UDPConfig) Validate() error {
	if u.Port < 1 || u.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", u.Port)
	}

	if u.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if u.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", u.BufferSize)
	}

	if u.MaxGap < 1 {
		return fmt.Errorf("max_gap must be at least 1 packet, got %d", u.MaxGap)
	}

	if u.Jitter < 0 {
		return fmt.Errorf("jitter cannot be negative, got %f", u.Jitter)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is treated as a file path
	return nil
}

// Format returns the frame format shared by every component
func (c *Config) Format() audio.Format {
	return audio.Format{
		SampleRate: c.Audio.SampleRate,
		Channels:   c.Audio.Channels,
		FrameSize:  c.Audio.FrameSize,
	}
}

// RingCapacity returns the ring size in frames for the configured duration
func (c *Config) RingCapacity() int {
	return c.Format().FramesFor(c.Ring.GetDuration())
}

// SpeechEndCount returns the number of quiet frames that end an utterance
func (c *Config) SpeechEndCount() int {
	return c.Format().FramesFor(c.Segmenter.GetTrailingSilence())
}

// MaxUtteranceFrames returns the longest utterance, from onset, before a
// forced emission
func (c *Config) MaxUtteranceFrames() int {
	return c.SegmenterBounds().MaxLength()
}

// SegmenterBounds returns the frame-count limits for the segmenter
func (c *Config) SegmenterBounds() audio.SegmenterConfig {
	return audio.SegmenterConfig{
		SpeechEndCount: c.SpeechEndCount(),
		PreRoll:        c.Segmenter.PreRoll,
		Capacity:       c.RingCapacity(),
	}
}

// GetFrameDuration returns the wall-clock length of one frame
func (a *AudioConfig) GetFrameDuration() time.Duration {
	return time.Duration(a.FrameSize) * time.Second / time.Duration(a.SampleRate)
}

// GetDuration returns the ring duration as a time.Duration
func (r *RingConfig) GetDuration() time.Duration {
	return time.Duration(r.Duration * float64(time.Second))
}

// GetTrailingSilence returns the trailing silence as a time.Duration
func (s *SegmenterConfig) GetTrailingSilence() time.Duration {
	return time.Duration(s.TrailingSilence * float64(time.Second))
}

// GetDrainTimeout returns the worker drain timeout as a time.Duration
func (w *WorkerConfig) GetDrainTimeout() time.Duration {
	return time.Duration(w.DrainTimeout * float64(time.Second))
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetPollInterval returns the reply poll interval as a time.Duration
func (p *PlaybackConfig) GetPollInterval() time.Duration {
	return time.Duration(p.PollInterval * float64(time.Second))
}

// GetJitter returns the extra wait allowed for a late packet
func (u *UDPConfig) GetJitter() time.Duration {
	return time.Duration(u.Jitter * float64(time.Second))
}

// Redacted returns a copy of the configuration that is safe to expose
func (c *Config) Redacted() Config {
	out := *c
	if out.Transcription.APIKey != "" {
		out.Transcription.APIKey = "***"
	}
	return out
}
