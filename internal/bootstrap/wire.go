package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"postmic/internal/audio"
	"postmic/internal/config"
	"postmic/internal/logging"
	"postmic/internal/metrics"
	"postmic/internal/ports"
	"postmic/internal/transport"
	"postmic/internal/usecase"
	"postmic/internal/vocabulary"
)

// Options adjusts the runtime graph for non-desktop front ends.
type Options struct {
	// WAVPath replays a 16-bit mono WAV file instead of opening the microphone.
	WAVPath string
	// Realtime paces WAV playback like a live microphone.
	Realtime bool
	// SkipLogging leaves the package logger untouched.
	SkipLogging bool
}

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.SessionController
	Config     config.Config
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	// MetricsServer is nil unless a metrics address is configured.
	MetricsServer *metrics.Server
	Vocabulary    *vocabulary.Engine
}

// Build wires all backend dependencies for the desktop runtime.
func Build(eventSink ports.EventSink, clipboard ports.Clipboard) (Services, error) {
	return BuildWith(eventSink, clipboard, Options{})
}

// BuildWith wires all backend dependencies using opts.
func BuildWith(eventSink ports.EventSink, clipboard ports.Clipboard, opts Options) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	if !opts.SkipLogging {
		if _, err := logging.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
			return Services{}, fmt.Errorf("failed to initialize logging: %w", err)
		}
	}

	engine, err := vocabulary.Load(cfg.Vocabulary.Path, cfg.Vocabulary.IterationLimit)
	if err != nil {
		return Services{}, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	var capture ports.AudioCapture = audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand)
	source := "ffmpeg"
	if strings.TrimSpace(opts.WAVPath) != "" {
		capture = audio.NewWAVCapture(opts.WAVPath, opts.Realtime)
		source = "wav"
	}

	provider := transport.NewProvider(transport.Config{
		URL:              cfg.Service.URL,
		Retries:          cfg.Service.ConnectRetries,
		RetryBackoff:     cfg.Service.RetryBackoff,
		HandshakeTimeout: cfg.Service.HandshakeTimeout,
	}, m)

	controller := usecase.NewSessionController(
		capture,
		provider,
		engine,
		clipboard,
		eventSink,
		usecase.Config{
			Audio: ports.AudioConfig{
				SampleRate:  cfg.Audio.SampleRate,
				Channels:    cfg.Audio.Channels,
				FrameSize:   audio.FrameSize(cfg.Audio.FrameSize),
				InputFormat: cfg.Audio.InputFormat,
				InputDevice: cfg.Audio.InputDevice,
			},
			Streaming: ports.StreamingConfig{
				SampleRate:   cfg.Audio.SampleRate,
				Channels:     cfg.Audio.Channels,
				ChunkSeconds: cfg.Session.ChunkDuration.Seconds(),
				Email:        cfg.Service.Email,
			},
			ChunkSize:        cfg.ChunkSamples(),
			SilenceThreshold: float32(cfg.Audio.SilenceThreshold),
			StreamingGrace:   cfg.Session.StreamingGrace,
			Metrics:          m,
		},
	)

	services := Services{
		Controller: controller,
		Config:     cfg,
		Registry:   registry,
		Metrics:    m,
		Vocabulary: engine,
	}
	if addr := strings.TrimSpace(cfg.Metrics.Addr); addr != "" {
		services.MetricsServer = metrics.NewServer(addr, registry)
		if err := services.MetricsServer.Start(); err != nil {
			return Services{}, fmt.Errorf("failed to start metrics listener: %w", err)
		}
	}

	logging.Infow("postmic ready",
		"service.url", cfg.Service.URL,
		"audio.source", source,
		"audio.sample_rate", cfg.Audio.SampleRate,
		"chunk.samples", cfg.ChunkSamples(),
		"vocabulary.rules", engine.Len(),
		"config.file", cfg.File,
	)
	return services, nil
}

// Shutdown releases background listeners.
func (s Services) Shutdown(ctx context.Context) error {
	if s.MetricsServer == nil {
		return nil
	}
	return s.MetricsServer.Shutdown(ctx)
}
