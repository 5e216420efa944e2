package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config stores runtime configuration for postmic.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Audio      AudioConfig      `yaml:"audio"`
	Vocabulary VocabularyConfig `yaml:"vocabulary"`
	Session    SessionConfig    `yaml:"session"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`

	// File is the YAML file that was merged, if any.
	File string `yaml:"-"`
}

type ServiceConfig struct {
	URL              string        `yaml:"url"`
	Email            string        `yaml:"email"`
	ConnectRetries   int           `yaml:"connect_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type AudioConfig struct {
	RecorderCommand  string  `yaml:"ffmpeg_command"`
	InputFormat      string  `yaml:"input_format"`
	InputDevice      string  `yaml:"input_device"`
	SampleRate       int     `yaml:"sample_rate"`
	Channels         int     `yaml:"-"`
	FrameSize        int     `yaml:"frame_size"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
}

type VocabularyConfig struct {
	Path           string `yaml:"path"`
	IterationLimit int    `yaml:"iteration_limit"`
}

type SessionConfig struct {
	ChunkDuration  time.Duration `yaml:"chunk_duration"`
	StreamingGrace time.Duration `yaml:"streaming_grace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Service: ServiceConfig{
			URL:              "ws://localhost:8765/ws/audio",
			ConnectRetries:   3,
			RetryBackoff:     time.Second,
			HandshakeTimeout: 5 * time.Second,
		},
		Audio: AudioConfig{
			RecorderCommand:  "ffmpeg",
			InputFormat:      "pulse",
			InputDevice:      "default",
			SampleRate:       16000,
			Channels:         1,
			FrameSize:        2048,
			SilenceThreshold: 0.0005,
		},
		Vocabulary: VocabularyConfig{IterationLimit: 30},
		Session: SessionConfig{
			ChunkDuration:  2 * time.Second,
			StreamingGrace: time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load resolves configuration from defaults, an optional YAML file, an
// optional .env file in the working directory and environment variables,
// later sources winning.
func Load() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Defaults()
	cfg.Vocabulary.Path = filepath.Join(home, ".config", "postmic", "vocabulary.yaml")

	path := envOrDefault("POSTMIC_CONFIG_FILE", filepath.Join(home, ".config", "postmic", "config.yaml"))
	if err := mergeFile(&cfg, path); err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)
	normalize(&cfg)
	cfg.Vocabulary.Path = expandHome(cfg.Vocabulary.Path, home)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.File = path
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Service.URL = envOrDefault("POSTMIC_WS_URL", cfg.Service.URL)
	cfg.Service.Email = envOrDefault("POSTMIC_EMAIL", cfg.Service.Email)
	cfg.Service.ConnectRetries = envOrDefaultInt("POSTMIC_CONNECT_RETRIES", cfg.Service.ConnectRetries)
	cfg.Service.RetryBackoff = envOrDefaultMillis("POSTMIC_RETRY_BACKOFF_MS", cfg.Service.RetryBackoff)
	cfg.Service.HandshakeTimeout = envOrDefaultMillis("POSTMIC_HANDSHAKE_TIMEOUT_MS", cfg.Service.HandshakeTimeout)

	cfg.Audio.RecorderCommand = envOrDefault("POSTMIC_FFMPEG_COMMAND", cfg.Audio.RecorderCommand)
	cfg.Audio.InputFormat = envOrDefault("POSTMIC_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = firstNonEmpty(
		os.Getenv("POSTMIC_AUDIO_INPUT_DEVICE"),
		os.Getenv("PULSE_SOURCE"),
		cfg.Audio.InputDevice,
	)
	cfg.Audio.SampleRate = envOrDefaultInt("POSTMIC_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.FrameSize = envOrDefaultInt("POSTMIC_FRAME_SIZE", cfg.Audio.FrameSize)
	cfg.Audio.SilenceThreshold = envOrDefaultFloat("POSTMIC_SILENCE_THRESHOLD", cfg.Audio.SilenceThreshold)

	cfg.Vocabulary.Path = envOrDefault("POSTMIC_VOCABULARY_FILE", cfg.Vocabulary.Path)
	cfg.Vocabulary.IterationLimit = envOrDefaultInt("POSTMIC_VOCABULARY_ITERATION_LIMIT", cfg.Vocabulary.IterationLimit)

	cfg.Session.ChunkDuration = envOrDefaultMillis("POSTMIC_CHUNK_MS", cfg.Session.ChunkDuration)
	cfg.Session.StreamingGrace = envOrDefaultMillis("POSTMIC_STREAMING_GRACE_MS", cfg.Session.StreamingGrace)

	cfg.Logging.Level = envOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = envOrDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Metrics.Addr = envOrDefault("POSTMIC_METRICS_ADDR", cfg.Metrics.Addr)
}

// normalize replaces out-of-range values with defaults.
func normalize(cfg *Config) {
	defaults := Defaults()
	if cfg.Service.ConnectRetries < 0 {
		cfg.Service.ConnectRetries = defaults.Service.ConnectRetries
	}
	if cfg.Service.RetryBackoff <= 0 {
		cfg.Service.RetryBackoff = defaults.Service.RetryBackoff
	}
	if cfg.Service.HandshakeTimeout <= 0 {
		cfg.Service.HandshakeTimeout = defaults.Service.HandshakeTimeout
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = defaults.Audio.SampleRate
	}
	cfg.Audio.Channels = 1
	if cfg.Audio.FrameSize <= 0 {
		cfg.Audio.FrameSize = defaults.Audio.FrameSize
	}
	if cfg.Audio.SilenceThreshold < 0 || cfg.Audio.SilenceThreshold >= 1 {
		cfg.Audio.SilenceThreshold = defaults.Audio.SilenceThreshold
	}
	if cfg.Vocabulary.IterationLimit <= 0 {
		cfg.Vocabulary.IterationLimit = defaults.Vocabulary.IterationLimit
	}
	if cfg.Session.ChunkDuration <= 0 {
		cfg.Session.ChunkDuration = defaults.Session.ChunkDuration
	}
	if cfg.Session.StreamingGrace < 0 {
		cfg.Session.StreamingGrace = defaults.Session.StreamingGrace
	}
}

// Validate reports settings that cannot be repaired with a default.
func (c Config) Validate() error {
	parsed, err := url.Parse(c.Service.URL)
	if err != nil {
		return fmt.Errorf("service url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("service url must use ws or wss, got %q", c.Service.URL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("service url has no host: %q", c.Service.URL)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// ChunkSamples is the number of samples in one full chunk.
func (c Config) ChunkSamples() int {
	return int(c.Session.ChunkDuration * time.Duration(c.Audio.SampleRate) / time.Second)
}

func expandHome(path string, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultMillis(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}
