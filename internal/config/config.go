// Package config provides configuration management for the Storyloom Agent.
// Configuration is loaded from an optional YAML file, with environment
// variable overrides and sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Default values
	DefaultPort     = 8790
	DefaultLogLevel = "info"
	DefaultDataDir  = ".storyloom"

	// Environment variable names
	EnvPort       = "STORYLOOM_PORT"
	EnvLogLevel   = "STORYLOOM_LOG_LEVEL"
	EnvDataDir    = "STORYLOOM_DATA_DIR"
	EnvConfigFile = "STORYLOOM_CONFIG"
	EnvHeadless   = "STORYLOOM_HEADLESS"
	EnvWorkerURL  = "STORYLOOM_WORKER_URL"
	EnvWorkerKey  = "STORYLOOM_WORKER_KEY"

	// Database filename
	DBFilename = "storyloom.db"

	// Persistence defaults
	DefaultBlobQuotaBytes = 4 * 1024 * 1024 // per-blob write quota

	// Batch policy defaults. These are policy parameters, not fixed laws;
	// every one of them can be overridden in the config file.
	DefaultBatchMaxRetries        = 2
	DefaultBatchRetryBaseDelayMS  = 2000
	DefaultBatchBackoffMultiplier = 2
	DefaultBatchFailureCooldownMS = 30000
	DefaultBatchInterSceneDelayMS = 5000
	DefaultQueueFreshnessHours    = 24

	// Generation worker defaults
	DefaultWorkerTimeout = 10 * time.Minute
)

// BatchPolicy holds the retry/backoff/delay parameters for the batch runner.
type BatchPolicy struct {
	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
	FailureCooldown   time.Duration `yaml:"failure_cooldown"`
	InterSceneDelay   time.Duration `yaml:"inter_scene_delay"`
	QueueFreshness    time.Duration `yaml:"queue_freshness"`
}

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	Headless() bool
	BlobQuotaBytes() int64
	Batch() BatchPolicy
	WorkerURL() string
	WorkerKey() string
	WorkerTimeout() time.Duration
}

// fileConfig mirrors the YAML config file layout.
type fileConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`
	Headless bool   `yaml:"headless"`
	Worker   struct {
		URL        string `yaml:"url"`
		APIKey     string `yaml:"api_key"`
		TimeoutSec int    `yaml:"timeout_sec"`
	} `yaml:"worker"`
	Storage struct {
		BlobQuotaBytes int64 `yaml:"blob_quota_bytes"`
	} `yaml:"storage"`
	Batch struct {
		MaxRetries        *int `yaml:"max_retries"`
		RetryBaseDelayMS  *int `yaml:"retry_base_delay_ms"`
		BackoffMultiplier *int `yaml:"backoff_multiplier"`
		FailureCooldownMS *int `yaml:"failure_cooldown_ms"`
		InterSceneDelayMS *int `yaml:"inter_scene_delay_ms"`
		QueueFreshnessHrs *int `yaml:"queue_freshness_hours"`
	} `yaml:"batch"`
}

// EnvConfig reads configuration from an optional YAML file plus
// environment variable overrides.
type EnvConfig struct {
	port           int
	logLevel       string
	dataDir        string
	headless       bool
	blobQuotaBytes int64
	batch          BatchPolicy
	workerURL      string
	workerKey      string
	workerTimeout  time.Duration
}

// New creates a new EnvConfig with defaults, YAML file values and
// environment variable overrides, in that order of precedence.
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:           DefaultPort,
		logLevel:       DefaultLogLevel,
		dataDir:        defaultDataDir(),
		blobQuotaBytes: DefaultBlobQuotaBytes,
		batch: BatchPolicy{
			MaxRetries:        DefaultBatchMaxRetries,
			RetryBaseDelay:    DefaultBatchRetryBaseDelayMS * time.Millisecond,
			BackoffMultiplier: DefaultBatchBackoffMultiplier,
			FailureCooldown:   DefaultBatchFailureCooldownMS * time.Millisecond,
			InterSceneDelay:   DefaultBatchInterSceneDelayMS * time.Millisecond,
			QueueFreshness:    DefaultQueueFreshnessHours * time.Hour,
		},
		workerTimeout: DefaultWorkerTimeout,
	}

	if path := configFilePath(); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	// Environment overrides
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		cfg.port = port
	}
	if l := os.Getenv(EnvLogLevel); l != "" {
		cfg.logLevel = l
	}
	if d := os.Getenv(EnvDataDir); d != "" {
		cfg.dataDir = d
	}
	if h := os.Getenv(EnvHeadless); h == "1" || h == "true" {
		cfg.headless = true
	}
	if u := os.Getenv(EnvWorkerURL); u != "" {
		cfg.workerURL = u
	}
	if k := os.Getenv(EnvWorkerKey); k != "" {
		cfg.workerKey = k
	}

	return cfg, nil
}

func configFilePath() string {
	if p := os.Getenv(EnvConfigFile); p != "" {
		return p
	}
	candidate := filepath.Join(defaultDataDir(), "config.yaml")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

func (c *EnvConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if fc.Port != 0 {
		c.port = fc.Port
	}
	if fc.LogLevel != "" {
		c.logLevel = fc.LogLevel
	}
	if fc.DataDir != "" {
		c.dataDir = fc.DataDir
	}
	if fc.Headless {
		c.headless = true
	}
	if fc.Worker.URL != "" {
		c.workerURL = fc.Worker.URL
	}
	if fc.Worker.APIKey != "" {
		c.workerKey = fc.Worker.APIKey
	}
	if fc.Worker.TimeoutSec > 0 {
		c.workerTimeout = time.Duration(fc.Worker.TimeoutSec) * time.Second
	}
	if fc.Storage.BlobQuotaBytes > 0 {
		c.blobQuotaBytes = fc.Storage.BlobQuotaBytes
	}
	if v := fc.Batch.MaxRetries; v != nil && *v >= 0 {
		c.batch.MaxRetries = *v
	}
	if v := fc.Batch.RetryBaseDelayMS; v != nil && *v >= 0 {
		c.batch.RetryBaseDelay = time.Duration(*v) * time.Millisecond
	}
	if v := fc.Batch.BackoffMultiplier; v != nil && *v > 0 {
		c.batch.BackoffMultiplier = *v
	}
	if v := fc.Batch.FailureCooldownMS; v != nil && *v >= 0 {
		c.batch.FailureCooldown = time.Duration(*v) * time.Millisecond
	}
	if v := fc.Batch.InterSceneDelayMS; v != nil && *v >= 0 {
		c.batch.InterSceneDelay = time.Duration(*v) * time.Millisecond
	}
	if v := fc.Batch.QueueFreshnessHrs; v != nil && *v > 0 {
		c.batch.QueueFreshness = time.Duration(*v) * time.Hour
	}

	return nil
}

// Port returns the HTTP API port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level string
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

func (c *EnvConfig) Headless() bool {
	return c.headless
}

// BlobQuotaBytes returns the per-blob persistence write quota
func (c *EnvConfig) BlobQuotaBytes() int64 {
	return c.blobQuotaBytes
}

// Batch returns the batch runner policy parameters
func (c *EnvConfig) Batch() BatchPolicy {
	return c.batch
}

func (c *EnvConfig) WorkerURL() string {
	return c.workerURL
}

func (c *EnvConfig) WorkerKey() string {
	return c.workerKey
}

func (c *EnvConfig) WorkerTimeout() time.Duration {
	return c.workerTimeout
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
