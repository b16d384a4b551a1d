package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the lip-sync service. Values come
// from defaults, then the optional YAML file named by APP_CONFIG_FILE, then
// environment variables.
type Config struct {
	BindAddr                 string        `yaml:"bind_addr"`
	ShutdownTimeout          time.Duration `yaml:"shutdown_timeout"`
	SessionInactivityTimeout time.Duration `yaml:"session_inactivity_timeout"`
	FrameLatencySLO          time.Duration `yaml:"frame_latency_slo"`
	MetricsNamespace         string        `yaml:"metrics_namespace"`
	Environment              string        `yaml:"environment"`

	AllowAnyOrigin bool `yaml:"allow_any_origin"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ModelBackend       string `yaml:"model_backend"`
	ModelWorkerCommand string `yaml:"model_worker_command"`
	ModelServerURL     string `yaml:"model_server_url"`

	FFmpegPath   string `yaml:"ffmpeg_path"`
	AudioTempDir string `yaml:"audio_temp_dir"`

	Avatar   AvatarConfig   `yaml:"avatar"`
	Pipeline PipelineConfig `yaml:"pipeline"`

	DatabaseURL string `yaml:"database_url"`

	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`

	TracesExporter string `yaml:"traces_exporter"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

type AvatarConfig struct {
	Root         string `yaml:"root"`
	Default      string `yaml:"default"`
	FrameSize    int    `yaml:"frame_size"`
	MaxFrames    int    `yaml:"max_frames"`
	CacheSize    int    `yaml:"cache_size"`
	Watch        bool   `yaml:"watch"`
	DetectFrames int    `yaml:"detect_frames"`
	EncodeFrames int    `yaml:"encode_frames"`
	Concurrency  int    `yaml:"concurrency"`
}

type PipelineConfig struct {
	JPEGQuality       int           `yaml:"jpeg_quality"`
	BufferSize        int           `yaml:"buffer_size"`
	LookupTolerance   float64       `yaml:"lookup_tolerance"`
	VolumeWindow      int           `yaml:"volume_window"`
	VolumeGain        float64       `yaml:"volume_gain"`
	SpeakingThreshold float64       `yaml:"speaking_threshold"`
	BreakerFailures   int           `yaml:"breaker_failures"`
	BreakerReset      time.Duration `yaml:"breaker_reset"`
	BreakerMaxReset   time.Duration `yaml:"breaker_max_reset"`
}

func defaults() Config {
	return Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		FrameLatencySLO:          80 * time.Millisecond,
		MetricsNamespace:         "lipstream",
		Environment:              "dev",
		LogLevel:                 "info",
		LogFormat:                "json",
		ModelBackend:             "auto",
		FFmpegPath:               "ffmpeg",
		Avatar: AvatarConfig{
			Root:         "avatars",
			FrameSize:    256,
			MaxFrames:    150,
			CacheSize:    8,
			Watch:        true,
			DetectFrames: 10,
			EncodeFrames: 50,
			Concurrency:  4,
		},
		Pipeline: PipelineConfig{
			JPEGQuality:       85,
			BufferSize:        30,
			LookupTolerance:   0.05,
			VolumeWindow:      3,
			VolumeGain:        5.0,
			SpeakingThreshold: 0.05,
			BreakerFailures:   5,
			BreakerReset:      2 * time.Second,
			BreakerMaxReset:   30 * time.Second,
		},
		NATSSubjectPrefix: "lipstream",
	}
}

// Load reads the optional config file and environment variables and applies
// safe defaults.
func Load() (Config, error) {
	cfg := defaults()
	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.Environment = envOrDefault("APP_ENV", cfg.Environment)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.ModelBackend = strings.ToLower(envOrDefault("MODEL_BACKEND", cfg.ModelBackend))
	cfg.ModelWorkerCommand = envOrDefault("MODEL_WORKER_COMMAND", cfg.ModelWorkerCommand)
	cfg.ModelServerURL = envOrDefault("MODEL_SERVER_URL", cfg.ModelServerURL)
	cfg.FFmpegPath = envOrDefault("FFMPEG_PATH", cfg.FFmpegPath)
	cfg.AudioTempDir = envOrDefault("AUDIO_TEMP_DIR", cfg.AudioTempDir)
	cfg.Avatar.Root = envOrDefault("AVATAR_ROOT", cfg.Avatar.Root)
	cfg.Avatar.Default = envOrDefault("AVATAR_DEFAULT", cfg.Avatar.Default)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.NATSURL = envOrDefault("NATS_URL", cfg.NATSURL)
	cfg.NATSSubjectPrefix = envOrDefault("NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)
	cfg.TracesExporter = strings.ToLower(envOrDefault("OTEL_TRACES_EXPORTER", cfg.TracesExporter))
	cfg.OTLPEndpoint = envOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"APP_FRAME_LATENCY_SLO", &cfg.FrameLatencySLO},
		{"PIPELINE_BREAKER_RESET", &cfg.Pipeline.BreakerReset},
		{"PIPELINE_BREAKER_MAX_RESET", &cfg.Pipeline.BreakerMaxReset},
	}
	for _, d := range durations {
		v, err := durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"AVATAR_FRAME_SIZE", &cfg.Avatar.FrameSize},
		{"AVATAR_MAX_FRAMES", &cfg.Avatar.MaxFrames},
		{"AVATAR_CACHE_SIZE", &cfg.Avatar.CacheSize},
		{"AVATAR_PREPARE_CONCURRENCY", &cfg.Avatar.Concurrency},
		{"PIPELINE_JPEG_QUALITY", &cfg.Pipeline.JPEGQuality},
		{"PIPELINE_BUFFER_SIZE", &cfg.Pipeline.BufferSize},
		{"PIPELINE_VOLUME_WINDOW", &cfg.Pipeline.VolumeWindow},
		{"PIPELINE_BREAKER_FAILURES", &cfg.Pipeline.BreakerFailures},
	}
	for _, n := range ints {
		v, err := intFromEnv(n.key, *n.dst)
		if err != nil {
			return Config{}, err
		}
		*n.dst = v
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"PIPELINE_LOOKUP_TOLERANCE", &cfg.Pipeline.LookupTolerance},
		{"PIPELINE_VOLUME_GAIN", &cfg.Pipeline.VolumeGain},
		{"PIPELINE_SPEAKING_THRESHOLD", &cfg.Pipeline.SpeakingThreshold},
	}
	for _, f := range floats {
		v, err := floatFromEnv(f.key, *f.dst)
		if err != nil {
			return Config{}, err
		}
		*f.dst = v
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"AVATAR_WATCH", &cfg.Avatar.Watch},
		{"OTEL_EXPORTER_OTLP_INSECURE", &cfg.OTLPInsecure},
	}
	for _, b := range bools {
		v, err := boolFromEnv(b.key, *b.dst)
		if err != nil {
			return Config{}, err
		}
		*b.dst = v
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	switch c.ModelBackend {
	case "auto", "none", "mock", "worker", "http":
	default:
		return fmt.Errorf("MODEL_BACKEND must be one of auto, none, mock, worker, http")
	}
	if c.ModelBackend == "worker" && strings.TrimSpace(c.ModelWorkerCommand) == "" {
		return fmt.Errorf("MODEL_WORKER_COMMAND is required for the worker backend")
	}
	if c.ModelBackend == "http" && c.ModelServerURL == "" {
		return fmt.Errorf("MODEL_SERVER_URL is required for the http backend")
	}
	if c.Pipeline.JPEGQuality < 80 || c.Pipeline.JPEGQuality > 90 {
		return fmt.Errorf("PIPELINE_JPEG_QUALITY must be within 80..90")
	}
	if c.Pipeline.BufferSize <= 0 {
		return fmt.Errorf("PIPELINE_BUFFER_SIZE must be positive")
	}
	if c.Pipeline.LookupTolerance < 0 {
		return fmt.Errorf("PIPELINE_LOOKUP_TOLERANCE must be >= 0")
	}
	if c.Pipeline.VolumeWindow <= 0 {
		return fmt.Errorf("PIPELINE_VOLUME_WINDOW must be positive")
	}
	if c.Avatar.FrameSize <= 0 || c.Avatar.MaxFrames <= 0 || c.Avatar.CacheSize <= 0 {
		return fmt.Errorf("AVATAR_FRAME_SIZE, AVATAR_MAX_FRAMES and AVATAR_CACHE_SIZE must be positive")
	}
	return nil
}

// ResolvedModelBackend turns "auto" into a concrete backend: worker when a
// command is configured, http when a server URL is, else none.
func (c Config) ResolvedModelBackend() string {
	if c.ModelBackend != "auto" {
		return c.ModelBackend
	}
	switch {
	case strings.TrimSpace(c.ModelWorkerCommand) != "":
		return "worker"
	case c.ModelServerURL != "":
		return "http"
	default:
		return "none"
	}
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("APP_CONFIG_FILE read error: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("APP_CONFIG_FILE parse error: %w", err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
