// Package config provides configuration for the courier client and tools.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for a courier client.
type Config struct {
	// WriteKey identifies the source to the collector
	WriteKey string `json:"write_key" yaml:"write_key"`

	// DataPlaneURL is the collector base URL; batches go to <url>/v1/batch
	DataPlaneURL string `json:"data_plane_url" yaml:"data_plane_url"`

	// DataDir is the base directory for all local state
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Namespace prefixes batch files and persisted keys
	Namespace string `json:"namespace" yaml:"namespace"`

	// Gzip compresses request bodies
	Gzip bool `json:"gzip" yaml:"gzip"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Flush policy configuration
	Flush FlushConfig `json:"flush" yaml:"flush"`

	// Backoff configuration
	Backoff BackoffConfig `json:"backoff" yaml:"backoff"`

	// Upload configuration
	Upload UploadConfig `json:"upload" yaml:"upload"`

	// Sampling configuration
	Sampling SamplingConfig `json:"sampling" yaml:"sampling"`

	// Archive configuration
	Archive ArchiveConfig `json:"archive" yaml:"archive"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// StorageConfig holds local persistence configuration.
type StorageConfig struct {
	// KVPath is the SQLite key/value database
	KVPath string `json:"kv_path" yaml:"kv_path"`

	// BatchDir holds batch files
	BatchDir string `json:"batch_dir" yaml:"batch_dir"`

	// MaxBatchSize bounds a batch file in bytes (default 500 KiB)
	MaxBatchSize int64 `json:"max_batch_size" yaml:"max_batch_size"`

	// MaxEventSize bounds one serialized event in bytes (default 32 KiB)
	MaxEventSize int `json:"max_event_size" yaml:"max_event_size"`
}

// FlushConfig selects the flush policies.
type FlushConfig struct {
	// OnStartup flushes on the first event after start
	OnStartup bool `json:"on_startup" yaml:"on_startup"`

	// Count flushes every Count events (1-100, default 30); 0 disables
	Count int `json:"count" yaml:"count"`

	// Interval flushes periodically (default 10s); 0 disables
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// BackoffConfig holds retry pacing.
type BackoffConfig struct {
	// Interval is the base delay (minimum 100ms, default 3s)
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Base is the exponent base (1 < base <= 5, default 2)
	Base float64 `json:"base" yaml:"base"`

	// MaxAttempts is the retries before a cool-off (default 5)
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// CoolOff is the pause after MaxAttempts retries (default 30m)
	CoolOff time.Duration `json:"cool_off" yaml:"cool_off"`
}

// UploadConfig holds delivery options.
type UploadConfig struct {
	// Timeout bounds one HTTP request
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// DiscardInvalidBatches deletes batches rejected with 400 or 413
	DiscardInvalidBatches bool `json:"discard_invalid_batches" yaml:"discard_invalid_batches"`
}

// SamplingConfig keeps a deterministic share of identities.
type SamplingConfig struct {
	// Rate is the kept share in [0, 1]; 1 keeps everything
	Rate float64 `json:"rate" yaml:"rate"`
}

// ArchiveConfig mirrors delivered batches to object storage.
type ArchiveConfig struct {
	// Enabled turns the mirror on
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is prepended to every object key
	Prefix string `json:"prefix" yaml:"prefix"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle addresses buckets by path
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// MetricsConfig toggles OpenTelemetry instruments.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataPlaneURL: "http://localhost:8080",
		DataDir:      "./data/courier",
		Namespace:    "events",
		Storage: StorageConfig{
			MaxBatchSize: 500 * 1024,
			MaxEventSize: 32 * 1024,
		},
		Flush: FlushConfig{
			OnStartup: true,
			Count:     30,
			Interval:  10 * time.Second,
		},
		Backoff: BackoffConfig{
			Interval:    3 * time.Second,
			Base:        2,
			MaxAttempts: 5,
			CoolOff:     30 * time.Minute,
		},
		Upload: UploadConfig{
			Timeout: 30 * time.Second,
		},
		Sampling: SamplingConfig{
			Rate: 1,
		},
		Archive: ArchiveConfig{
			Type:   "local",
			Prefix: "courier",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/courier"
	}
	if c.Namespace == "" {
		c.Namespace = "events"
	}
	if c.Storage.KVPath == "" {
		c.Storage.KVPath = filepath.Join(c.DataDir, "state.db")
	}
	if c.Storage.BatchDir == "" {
		c.Storage.BatchDir = filepath.Join(c.DataDir, "batches")
	}
	if c.Archive.Type == "local" && c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.WriteKey == "" {
		return fmt.Errorf("write_key is required")
	}

	u, err := url.Parse(c.DataPlaneURL)
	if err != nil {
		return fmt.Errorf("invalid data_plane_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("data_plane_url must use http or https, got %q", c.DataPlaneURL)
	}
	if u.Host == "" {
		return fmt.Errorf("data_plane_url has no host: %q", c.DataPlaneURL)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.MaxBatchSize < 1024 {
		return fmt.Errorf("storage.max_batch_size must be at least 1024, got %d", c.Storage.MaxBatchSize)
	}
	if c.Storage.MaxEventSize < 1 || int64(c.Storage.MaxEventSize) > c.Storage.MaxBatchSize {
		return fmt.Errorf("storage.max_event_size must be between 1 and max_batch_size, got %d", c.Storage.MaxEventSize)
	}

	if c.Flush.Count < 0 || c.Flush.Count > 100 {
		return fmt.Errorf("flush.count must be between 0 and 100, got %d", c.Flush.Count)
	}
	if c.Flush.Interval < 0 {
		return fmt.Errorf("flush.interval must not be negative")
	}

	if c.Backoff.MaxAttempts < 1 {
		return fmt.Errorf("backoff.max_attempts must be at least 1, got %d", c.Backoff.MaxAttempts)
	}

	if c.Sampling.Rate < 0 || c.Sampling.Rate > 1 {
		return fmt.Errorf("sampling.rate must be between 0 and 1, got %g", c.Sampling.Rate)
	}

	if c.Archive.Enabled {
		if c.Archive.Type != "local" && c.Archive.Type != "s3" {
			return fmt.Errorf("invalid archive type: %s (must be local or s3)", c.Archive.Type)
		}
		if c.Archive.Type == "s3" && c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when archive type is s3")
		}
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the COURIER_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("COURIER_WRITE_KEY"); v != "" {
		cfg.WriteKey = v
	}
	if v := os.Getenv("COURIER_DATA_PLANE_URL"); v != "" {
		cfg.DataPlaneURL = v
	}
	if v := os.Getenv("COURIER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("COURIER_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("COURIER_GZIP"); v != "" {
		cfg.Gzip = parseBool(v)
	}

	// Storage configuration
	if v := os.Getenv("COURIER_STORAGE_KV_PATH"); v != "" {
		cfg.Storage.KVPath = v
	}
	if v := os.Getenv("COURIER_STORAGE_BATCH_DIR"); v != "" {
		cfg.Storage.BatchDir = v
	}
	if v := os.Getenv("COURIER_STORAGE_MAX_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Storage.MaxBatchSize)
	}
	if v := os.Getenv("COURIER_STORAGE_MAX_EVENT_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Storage.MaxEventSize)
	}

	// Flush configuration
	if v := os.Getenv("COURIER_FLUSH_ON_STARTUP"); v != "" {
		cfg.Flush.OnStartup = parseBool(v)
	}
	if v := os.Getenv("COURIER_FLUSH_COUNT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Flush.Count)
	}
	if v := os.Getenv("COURIER_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Flush.Interval = d
		}
	}

	// Backoff configuration
	if v := os.Getenv("COURIER_BACKOFF_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backoff.Interval = d
		}
	}
	if v := os.Getenv("COURIER_BACKOFF_BASE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Backoff.Base = f
		}
	}
	if v := os.Getenv("COURIER_BACKOFF_MAX_ATTEMPTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Backoff.MaxAttempts)
	}
	if v := os.Getenv("COURIER_BACKOFF_COOL_OFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backoff.CoolOff = d
		}
	}

	// Upload configuration
	if v := os.Getenv("COURIER_UPLOAD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upload.Timeout = d
		}
	}
	if v := os.Getenv("COURIER_UPLOAD_DISCARD_INVALID_BATCHES"); v != "" {
		cfg.Upload.DiscardInvalidBatches = parseBool(v)
	}

	// Sampling configuration
	if v := os.Getenv("COURIER_SAMPLING_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sampling.Rate = f
		}
	}

	// Archive configuration
	if v := os.Getenv("COURIER_ARCHIVE_ENABLED"); v != "" {
		cfg.Archive.Enabled = parseBool(v)
	}
	if v := os.Getenv("COURIER_ARCHIVE_TYPE"); v != "" {
		cfg.Archive.Type = v
	}
	if v := os.Getenv("COURIER_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("COURIER_ARCHIVE_PREFIX"); v != "" {
		cfg.Archive.Prefix = v
	}
	if v := os.Getenv("COURIER_S3_BUCKET"); v != "" {
		cfg.Archive.S3.Bucket = v
	}
	if v := os.Getenv("COURIER_S3_REGION"); v != "" {
		cfg.Archive.S3.Region = v
	}
	if v := os.Getenv("COURIER_S3_ENDPOINT"); v != "" {
		cfg.Archive.S3.Endpoint = v
	}
	if v := os.Getenv("COURIER_S3_USE_PATH_STYLE"); v != "" {
		cfg.Archive.S3.UsePathStyle = parseBool(v)
	}

	// Metrics configuration
	if v := os.Getenv("COURIER_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Storage.BatchDir,
		filepath.Dir(c.Storage.KVPath),
	}
	if c.Archive.Enabled && c.Archive.Type == "local" {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
