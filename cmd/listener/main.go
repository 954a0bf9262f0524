package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/turk-chat/listener/internal/audio"
	"github.com/turk-chat/listener/internal/capture"
	"github.com/turk-chat/listener/internal/capture/portaudio"
	"github.com/turk-chat/listener/internal/config"
	"github.com/turk-chat/listener/internal/metrics"
	"github.com/turk-chat/listener/internal/playback"
	"github.com/turk-chat/listener/internal/server"
	"github.com/turk-chat/listener/internal/stream"
	"github.com/turk-chat/listener/internal/transcription"
	"github.com/turk-chat/listener/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "listener"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envPath := flag.String("env", ".env", "Optional dotenv file with API keys")
	flag.Parse()

	// A missing .env is normal; the environment may already carry the keys
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", *envPath, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("source", cfg.Audio.Source),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("channels", cfg.Audio.Channels),
		slog.Int("frame_size", cfg.Audio.FrameSize),
		slog.Duration("frame_duration", cfg.Audio.GetFrameDuration()),
		slog.Int("ring_frames", cfg.RingCapacity()),
		slog.Int("speech_end_frames", cfg.SpeechEndCount()),
		slog.Int("max_utterance_frames", cfg.MaxUtteranceFrames()),
		slog.Float64("threshold", cfg.Segmenter.Threshold),
		slog.String("transcription_backend", cfg.Transcription.Backend),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

// run wires the pipeline and supervises it until a signal arrives, the
// source ends or the device fails
func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)

	format := cfg.Format()

	source, udpSource, err := openSource(cfg, format, logger)
	if err != nil {
		return err
	}
	defer source.Close()

	transcriber, err := newTranscriber(cfg.Transcription)
	if err != nil {
		return fmt.Errorf("failed to create transcriber: %w", err)
	}
	logger.Info("Transcriber initialized", slog.String("backend", transcriber.Name()))

	tracker := playback.NewTracker()
	status := playback.Any{tracker}
	if cfg.Playback.ReplyDir != "" {
		status = append(status, playback.NewPendingReplies(
			cfg.Playback.ReplyDir, cfg.Playback.ReplyPattern, cfg.Playback.GetPollInterval(), logger))
	}

	bounds := cfg.SegmenterBounds()
	ring, err := audio.NewRing(bounds.Capacity, format.FrameLen())
	if err != nil {
		return fmt.Errorf("failed to create ring: %w", err)
	}
	segmenter, err := audio.NewSegmenter(bounds)
	if err != nil {
		return fmt.Errorf("failed to create segmenter: %w", err)
	}
	detector, err := vad.NewDetector(cfg.Segmenter.Threshold)
	if err != nil {
		return fmt.Errorf("failed to create detector: %w", err)
	}

	archiveDir := ""
	if cfg.Archive.Enabled {
		archiveDir = cfg.Archive.Dir
	}
	emitter, err := stream.NewEmitter(transcriber, stream.EmitterConfig{
		Format:          format,
		ArchiveDir:      archiveDir,
		MaxNoSpeechProb: cfg.Transcription.MaxNoSpeechProb,
		Language:        cfg.Transcription.Language,
		Prompt:          cfg.Transcription.Prompt,
	}, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create emitter: %w", err)
	}

	listener, err := stream.NewListener(stream.Components{
		Source:    source,
		Gate:      capture.NewGate(status, format),
		Ring:      ring,
		Detector:  detector,
		Segmenter: segmenter,
		Emitter:   emitter,
		Tracker:   tracker,
		Handler:   stream.LogHandler{Logger: logger},
	}, stream.ListenerConfig{
		QueueSize:    cfg.Worker.QueueSize,
		DrainTimeout: cfg.Worker.GetDrainTimeout(),
	}, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The source ending on its own stops the HTTP server too
		defer stop()
		return listener.Run(gctx)
	})

	if cfg.HTTP.Enabled {
		httpServer := server.NewHTTPServer(cfg.HTTP, logger, server.Deps{
			Config:      cfg,
			Listener:    listener,
			Transcriber: transcriber,
			UDPSource:   udpSource,
			Metrics:     appMetrics,
			Gatherer:    registry,
		})
		g.Go(func() error {
			return httpServer.Run(gctx)
		})
	}

	logger.Info("Service started successfully, listening...")

	err = g.Wait()

	var deviceErr *capture.DeviceError
	if errors.As(err, &deviceErr) {
		logger.Error("Audio device failed",
			slog.String("device", deviceErr.Device),
			slog.String("op", deviceErr.Op),
		)
	}

	return err
}

// openSource opens the configured frame source. The UDP source is also
// returned on its own so the HTTP server can report on it.
func openSource(cfg *config.Config, format audio.Format, logger *slog.Logger) (capture.Source, *capture.UDPSource, error) {
	switch cfg.Audio.Source {
	case config.SourcePortAudio:
		source, err := portaudio.NewSource(format, cfg.Audio.InputDevice, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open input device: %w", err)
		}
		return source, nil, nil

	case config.SourceWAV:
		source, err := capture.NewWAVSource(cfg.Audio.InputFile, format, cfg.Audio.Realtime, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open input file: %w", err)
		}
		return source, nil, nil

	case config.SourceUDP:
		source, err := capture.NewUDPSource(&cfg.UDP, format, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start network microphone listener: %w", err)
		}
		return source, source, nil

	default:
		return nil, nil, fmt.Errorf("unknown audio source %q", cfg.Audio.Source)
	}
}

// newTranscriber builds the configured transcription backend
func newTranscriber(cfg config.TranscriptionConfig) (transcription.Transcriber, error) {
	clientConfig := transcription.Config{
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey,
		Model:    cfg.Model,
		Timeout:  cfg.GetTimeoutDuration(),
	}

	switch cfg.Backend {
	case config.BackendOpenAI:
		return transcription.NewOpenAIClient(clientConfig)
	default:
		return transcription.NewHTTPClient(clientConfig)
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
