package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the base directory
const FileName = ".winforge.yaml"

// Config holds all configuration for the image customization engine.
// It is immutable after creation via LoadConfig().
type Config struct {
	// Parallelism is the default number of images processed concurrently
	Parallelism int `yaml:"parallelism"`

	// WorkDir is where per-transaction mount points are created
	WorkDir string `yaml:"work_dir"`

	// StateDir holds the state database and the checkpoint object pool
	StateDir string `yaml:"state_dir"`

	// LockWait is how long a transaction waits for another one holding the same image
	LockWait string `yaml:"lock_wait"`

	// MountTimeout bounds a single mount call
	MountTimeout string `yaml:"mount_timeout"`

	// UnmountTimeout bounds a single unmount call (commit or discard)
	UnmountTimeout string `yaml:"unmount_timeout"`

	// MinFreeSpace is the free space required on the work volume before mounting
	MinFreeSpace datasize.ByteSize `yaml:"min_free_space"`

	// Retry controls the bounded retry of transient mount failures
	Retry RetryConfig `yaml:"retry"`

	// Checkpoint controls checkpoint frequency and retention
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Tools overrides the external tool binaries used by the mount drivers
	Tools ToolsConfig `yaml:"tools"`

	// LogLevel controls log verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// Metrics configures the optional OTLP metric export
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig points the metric exporter at a collector.
type MetricsConfig struct {
	// OTLPEndpoint is host:port of an OTLP/gRPC collector; empty disables export
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS to the collector
	Insecure bool `yaml:"insecure"`
}

// RetryConfig controls retries of transient mount errors.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialBackoff string  `yaml:"initial_backoff"`
	MaxBackoff     string  `yaml:"max_backoff"`
	Multiplier     float64 `yaml:"multiplier"`
}

// CheckpointConfig controls checkpoint creation and cleanup.
type CheckpointConfig struct {
	// Every creates an incremental checkpoint after this many actions
	Every int `yaml:"every"`

	// FullEvery stores a full record instead of a diff every N checkpoints (0 = root only)
	FullEvery int `yaml:"full_every"`

	// Retention is how long checkpoints of finished transactions are kept
	Retention string `yaml:"retention"`

	// HashWorkers bounds concurrent file hashing (0 = number of CPUs)
	HashWorkers int `yaml:"hash_workers"`
}

// ToolsConfig names the external binaries each driver shells out to.
type ToolsConfig struct {
	DISM       string `yaml:"dism"`
	PowerShell string `yaml:"powershell"`
	SevenZip   string `yaml:"seven_zip"`
	Oscdimg    string `yaml:"oscdimg"`
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// LockWaitDuration returns the lock wait as a Duration.
func (c *Config) LockWaitDuration() time.Duration { return mustDuration(c.LockWait) }

// MountTimeoutDuration returns the mount timeout as a Duration.
func (c *Config) MountTimeoutDuration() time.Duration { return mustDuration(c.MountTimeout) }

// UnmountTimeoutDuration returns the unmount timeout as a Duration.
func (c *Config) UnmountTimeoutDuration() time.Duration { return mustDuration(c.UnmountTimeout) }

// RetentionDuration returns the checkpoint retention window.
func (c *Config) RetentionDuration() time.Duration { return mustDuration(c.Checkpoint.Retention) }

// Backoff returns the parsed retry backoff bounds.
func (r RetryConfig) Backoff() (initial, max time.Duration) {
	return mustDuration(r.InitialBackoff), mustDuration(r.MaxBackoff)
}

// DatabasePath is the sqlite file holding transactions and checkpoint manifests
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir, "state.db")
}

// RecoverPIDPath is the pid file held while crash recovery runs
func (c *Config) RecoverPIDPath() string {
	return filepath.Join(c.StateDir, "recover.pid")
}

// ObjectsDir is the root of the content addressed checkpoint store
func (c *Config) ObjectsDir() string {
	return filepath.Join(c.StateDir, "checkpoints")
}

// LoadConfig loads configuration from baseDir.
// It applies defaults, then the optional .winforge.yaml, then environment
// overrides (including a .env file if present), then validates.
func LoadConfig(baseDir string) (*Config, error) {
	return LoadFile(filepath.Join(baseDir, FileName), baseDir)
}

// LoadFile loads configuration from an explicit file path.
// A missing file is not an error; relative directories resolve against baseDir.
func LoadFile(path, baseDir string) (*Config, error) {
	cfg := DefaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load(filepath.Join(baseDir, ".env"))
	applyEnvOverrides(cfg)

	if !filepath.IsAbs(cfg.WorkDir) {
		cfg.WorkDir = filepath.Join(baseDir, cfg.WorkDir)
	}
	if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(baseDir, cfg.StateDir)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
