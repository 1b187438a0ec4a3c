package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration.
// Supports environment variables with sensible defaults.
//
// Environment Variables:
// Server Configuration:
// - HTTP_ADDR: Listen address for the HTTP API (default: :8080)
// - LOG_LEVEL: debug|info|warn|error (default: info)
//
// Storage Configuration:
// - DATA_DIR: Base directory for chunks, audio and outputs (default: /data)
// - DB_PATH: SQLite database path (default: <DATA_DIR>/transcriber.db)
//
// Upload Configuration:
// - UPLOAD_MAX_BYTES: Hard ceiling on declared upload size (default: 2GiB)
// - UPLOAD_CHUNK_BYTES: Fixed chunk size per session (default: 5MiB)
// - UPLOAD_SESSION_TTL: Sessions older than this are reclaimed (default: 24h)
// - UPLOAD_RECLAIM_CRON: Cron expression for the reclaimer (default: @hourly)
// - UPLOAD_ALLOWED_TYPES: Comma-separated mime allow-list
//
// Pipeline Configuration:
// - WORKER_COUNT: Background worker pool size (default: 2)
// - SEGMENT_SECONDS: Fixed segment length when splitting (default: 240)
// - SINGLE_CALL_MAX_SECONDS: Duration below which no split happens (default: 480)
// - MAX_AUDIO_SECONDS: Validation ceiling on audio duration (default: 14400)
// - JOB_TIMEOUT_BASE / JOB_TIMEOUT_PER_MB / JOB_TIMEOUT_MAX: Job deadline budget
//
// Provider Configuration:
// - PROVIDER_URL: Transcription service endpoint (required)
// - PROVIDER_API_KEY: Bearer token, if the service needs one
// - PROVIDER_MODEL: Model name forwarded to the service
// - PROVIDER_TIMEOUT: Per-call timeout (default: 120s)
// - LANGUAGE_PROBE_SECONDS: Leading slice used for language detection (default: 30)
//
// Retry Configuration:
// - RETRY_MAX_ATTEMPTS, RETRY_BASE_DELAY, RETRY_MAX_DELAY, RETRY_JITTER,
//   SEGMENT_PAUSE: Backoff tuning for provider calls
//
// Diarization Configuration:
// - DIARIZE_URL: Speaker diarization endpoint (empty disables the stage)
// - DIARIZE_TIMEOUT: Per-call timeout (default: 300s)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Upload    UploadConfig    `json:"upload"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Provider  ProviderConfig  `json:"provider"`
	Retry     RetryConfig     `json:"retry"`
	Diarize   DiarizeConfig   `json:"diarize"`
	Outputs   []string        `json:"outputs"`
	FFmpegCmd string          `json:"ffmpeg_cmd"`
	ProbeCmd  string          `json:"probe_cmd"`
}

type ServerConfig struct {
	Addr     string `json:"addr"`
	LogLevel string `json:"log_level"`
}

type StorageConfig struct {
	DataDir string `json:"data_dir"`
	DBPath  string `json:"db_path"`
}

type UploadConfig struct {
	MaxBytes     int64         `json:"max_bytes"`
	ChunkBytes   int64         `json:"chunk_bytes"`
	SessionTTL   time.Duration `json:"session_ttl"`
	ReclaimCron  string        `json:"reclaim_cron"`
	AllowedTypes []string      `json:"allowed_types"`
}

type PipelineConfig struct {
	WorkerCount          int           `json:"worker_count"`
	SegmentSeconds       float64       `json:"segment_seconds"`
	SingleCallMaxSeconds float64       `json:"single_call_max_seconds"`
	MaxAudioSeconds      float64       `json:"max_audio_seconds"`
	TranscodeRetries     int           `json:"transcode_retries"`
	TranscodeRetryDelay  time.Duration `json:"transcode_retry_delay"`
	JobTimeoutBase       time.Duration `json:"job_timeout_base"`
	JobTimeoutPerMB      time.Duration `json:"job_timeout_per_mb"`
	JobTimeoutMax        time.Duration `json:"job_timeout_max"`
}

type ProviderConfig struct {
	URL                  string        `json:"url"`
	APIKey               string        `json:"api_key"`
	Model                string        `json:"model"`
	Timeout              time.Duration `json:"timeout"`
	LanguageProbeSeconds float64       `json:"language_probe_seconds"`
}

// RetryConfig tunes the provider-call backoff policy. These are operational
// knobs, not semantic requirements.
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts"`
	BaseDelay    time.Duration `json:"base_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Jitter       float64       `json:"jitter"`
	SegmentPause time.Duration `json:"segment_pause"`
}

type DiarizeConfig struct {
	URL     string        `json:"url"`
	Timeout time.Duration `json:"timeout"`
}

var defaultAllowedTypes = []string{
	"audio/mpeg",
	"audio/mp4",
	"audio/wav",
	"audio/x-wav",
	"audio/flac",
	"audio/ogg",
	"audio/webm",
	"video/mp4",
	"video/webm",
}

// Option is a function type for configuring Config
type Option func(*Config)

// New loads .env (if present) and builds the configuration from the
// environment.
func New(opts ...Option) (*Config, error) {
	_ = godotenv.Load()
	return NewFromEnv(opts...)
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	dataDir := getEnvString("DATA_DIR", "/data")

	config := &Config{
		Server: ServerConfig{
			Addr:     getEnvString("HTTP_ADDR", ":8080"),
			LogLevel: getEnvString("LOG_LEVEL", "info"),
		},
		Storage: StorageConfig{
			DataDir: dataDir,
			DBPath:  getEnvString("DB_PATH", dataDir+"/transcriber.db"),
		},
		Upload: UploadConfig{
			MaxBytes:     getEnvInt64("UPLOAD_MAX_BYTES", 2<<30),
			ChunkBytes:   getEnvInt64("UPLOAD_CHUNK_BYTES", 5<<20),
			SessionTTL:   getEnvDuration("UPLOAD_SESSION_TTL", 24*time.Hour),
			ReclaimCron:  getEnvString("UPLOAD_RECLAIM_CRON", "@hourly"),
			AllowedTypes: getEnvStrings("UPLOAD_ALLOWED_TYPES", defaultAllowedTypes),
		},
		Pipeline: PipelineConfig{
			WorkerCount:          getEnvInt("WORKER_COUNT", 2),
			SegmentSeconds:       getEnvFloat("SEGMENT_SECONDS", 240),
			SingleCallMaxSeconds: getEnvFloat("SINGLE_CALL_MAX_SECONDS", 480),
			MaxAudioSeconds:      getEnvFloat("MAX_AUDIO_SECONDS", 14400),
			TranscodeRetries:     getEnvInt("TRANSCODE_RETRIES", 3),
			TranscodeRetryDelay:  getEnvDuration("TRANSCODE_RETRY_DELAY", 2*time.Second),
			JobTimeoutBase:       getEnvDuration("JOB_TIMEOUT_BASE", 10*time.Minute),
			JobTimeoutPerMB:      getEnvDuration("JOB_TIMEOUT_PER_MB", 2*time.Second),
			JobTimeoutMax:        getEnvDuration("JOB_TIMEOUT_MAX", 4*time.Hour),
		},
		Provider: ProviderConfig{
			URL:                  getEnvString("PROVIDER_URL", ""),
			APIKey:               getEnvString("PROVIDER_API_KEY", ""),
			Model:                getEnvString("PROVIDER_MODEL", "base"),
			Timeout:              getEnvDuration("PROVIDER_TIMEOUT", 120*time.Second),
			LanguageProbeSeconds: getEnvFloat("LANGUAGE_PROBE_SECONDS", 30),
		},
		Retry: RetryConfig{
			MaxAttempts:  getEnvInt("RETRY_MAX_ATTEMPTS", 6),
			BaseDelay:    getEnvDuration("RETRY_BASE_DELAY", 2*time.Second),
			MaxDelay:     getEnvDuration("RETRY_MAX_DELAY", 60*time.Second),
			Jitter:       getEnvFloat("RETRY_JITTER", 0.15),
			SegmentPause: getEnvDuration("SEGMENT_PAUSE", 500*time.Millisecond),
		},
		Diarize: DiarizeConfig{
			URL:     getEnvString("DIARIZE_URL", ""),
			Timeout: getEnvDuration("DIARIZE_TIMEOUT", 300*time.Second),
		},
		Outputs:   getEnvStrings("OUTPUT_FORMATS", []string{"txt", "json", "srt", "vtt"}),
		FFmpegCmd: getEnvString("FFMPEG_CMD", "ffmpeg"),
		ProbeCmd:  getEnvString("FFPROBE_CMD", "ffprobe"),
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	// Validate required configuration
	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.Provider.URL == "" {
		return fmt.Errorf("PROVIDER_URL is required")
	}
	if c.Upload.ChunkBytes <= 0 {
		return fmt.Errorf("UPLOAD_CHUNK_BYTES must be positive")
	}
	if c.Upload.MaxBytes < c.Upload.ChunkBytes {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be at least one chunk")
	}
	if c.Pipeline.SegmentSeconds <= 0 {
		return fmt.Errorf("SEGMENT_SECONDS must be positive")
	}
	if c.Pipeline.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("RETRY_JITTER must be within [0, 1]")
	}
	if _, err := cron.ParseStandard(c.Upload.ReclaimCron); err != nil {
		return fmt.Errorf("invalid UPLOAD_RECLAIM_CRON: %w", err)
	}
	for _, format := range c.Outputs {
		switch format {
		case "txt", "json", "srt", "vtt":
		default:
			return fmt.Errorf("unsupported output format %q", format)
		}
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvStrings(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	ret := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			ret = append(ret, trimmed)
		}
	}
	if len(ret) == 0 {
		return defaultValue
	}
	return ret
}
