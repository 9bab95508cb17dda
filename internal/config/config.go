package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the transcription gateway
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Soniox streaming STT configuration
	SonioxAPIKey  string   `envconfig:"SONIOX_API_KEY" required:"true"`
	SonioxURL     string   `envconfig:"SONIOX_URL" default:"wss://stt-rt.soniox.com/transcribe-websocket"`
	SonioxModel   string   `envconfig:"SONIOX_MODEL" default:"stt-rt-preview"`
	LanguageHints []string `envconfig:"LANGUAGE_HINTS" default:"en"`

	// Audio capture configuration
	SampleRate      int    `envconfig:"SAMPLE_RATE" default:"16000"`      // Hz
	Channels        int    `envconfig:"CHANNELS" default:"1"`             // Mono by default
	BlockDurationMS int    `envconfig:"BLOCK_DURATION_MS" default:"20"`   // One chunk per block
	AudioFormat     string `envconfig:"AUDIO_FORMAT" default:"pcm_s16le"` // Raw linear PCM only
	CaptureCommand  string `envconfig:"CAPTURE_COMMAND" default:"arecord"`
	CaptureArgs     string `envconfig:"CAPTURE_ARGS" default:""` // Extra args, space separated

	// Queue bounds. Overflow drops the newest chunk rather than blocking
	// the producer; drops are counted and logged.
	CaptureQueueSize int `envconfig:"CAPTURE_QUEUE_SIZE" default:"256"` // Chunks buffered between device and session
	SendQueueSize    int `envconfig:"SEND_QUEUE_SIZE" default:"512"`    // Chunks buffered between session and network

	// Consumer configuration
	PartFlushIntervalMS int `envconfig:"PART_FLUSH_INTERVAL_MS" default:"50"` // Broadcast drain interval in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Validate required fields
	if cfg.SonioxAPIKey == "" {
		return nil, fmt.Errorf("SONIOX_API_KEY is required")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("SAMPLE_RATE must be positive, got %d", cfg.SampleRate)
	}
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("CHANNELS must be positive, got %d", cfg.Channels)
	}
	if cfg.BlockDurationMS <= 0 {
		return nil, fmt.Errorf("BLOCK_DURATION_MS must be positive, got %d", cfg.BlockDurationMS)
	}

	return &cfg, nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
