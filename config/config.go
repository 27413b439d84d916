package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageBackend selects the storage adapter images are loaded from.
type StorageBackend string

const (
	StorageLocal StorageBackend = "local"
	StorageS3    StorageBackend = "s3"
)

// Config is the top-level configuration struct.  All fields have safe defaults
// so callers can start with Default() and override only what they need.
type Config struct {
	// Decode pool controls.
	WorkerCount   int           `yaml:"worker_count"` // default: runtime.NumCPU()
	QueueSize     int           `yaml:"queue_size"`   // max queued tasks before backpressure; default: 256
	DecodeTimeout time.Duration `yaml:"decode_timeout"`

	// Streaming.
	ChunkSize          int   `yaml:"chunk_size"`            // loader read size in bytes; default 32 KiB
	MaxImageBytes      int64 `yaml:"max_image_bytes"`       // 0 = no limit
	DecodeBytesAtATime int   `yaml:"decode_bytes_at_a_time"` // yield to the pool after this many bytes; 0 = never
	MaxLexerBuffer     int   `yaml:"max_lexer_buffer"`      // cap on a single buffered lexer read

	// Decompression-bomb limits checked before any pixel buffer is allocated.
	Limits LimitsConfig `yaml:"limits"`

	// Feature flags.
	WebPEnabled bool `yaml:"webp_enabled"`

	// Storage.
	Storage StorageBackend `yaml:"storage"`
	Local   LocalConfig    `yaml:"local"`
	S3      S3Config       `yaml:"s3"`

	// Logging / metrics.
	LogLevel string `yaml:"log_level"` // "debug", "info", "warn", "error"
}

// LimitsConfig bounds the dimensions an image header may declare.
type LimitsConfig struct {
	MaxWidth  int   `yaml:"max_width"`
	MaxHeight int   `yaml:"max_height"`
	MaxPixels int64 `yaml:"max_pixels"`
}

// LocalConfig configures the local filesystem storage adapter.
type LocalConfig struct {
	RootDir     string `yaml:"root_dir"`
	Permissions uint32 `yaml:"permissions"` // default 0644
}

// S3Config configures the S3 storage adapter.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"` // optional custom endpoint (MinIO, etc.)
	UsePathStyle bool   `yaml:"use_path_style"`
}

// Default returns a Config populated with sensible production defaults.
func Default() Config {
	return Config{
		WorkerCount:        0, // resolved at runtime to NumCPU
		QueueSize:          256,
		DecodeTimeout:      30 * time.Second,
		ChunkSize:          32 * 1024,
		DecodeBytesAtATime: 16 * 1024,
		MaxLexerBuffer:     64 << 20,
		Limits: LimitsConfig{
			MaxWidth:  65535,
			MaxHeight: 65535,
			MaxPixels: 256 << 20, // 16Ki x 16Ki
		},
		WebPEnabled: true,
		Storage:     StorageLocal,
		LogLevel:    "info",
	}
}

// Load reads a YAML file and overlays it on Default().
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if c.ChunkSize <= 0 {
		return errors.New("config: ChunkSize must be positive")
	}
	if c.QueueSize < 0 {
		return errors.New("config: QueueSize must not be negative")
	}
	if c.DecodeBytesAtATime < 0 {
		return errors.New("config: DecodeBytesAtATime must not be negative")
	}
	if c.MaxLexerBuffer <= 0 {
		return errors.New("config: MaxLexerBuffer must be positive")
	}
	if c.Limits.MaxWidth <= 0 || c.Limits.MaxHeight <= 0 || c.Limits.MaxPixels <= 0 {
		return errors.New("config: Limits must all be positive")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown LogLevel %q", c.LogLevel)
	}
	switch c.Storage {
	case "", StorageLocal, StorageS3:
	default:
		return fmt.Errorf("config: unknown Storage backend %q", c.Storage)
	}
	return nil
}
