package config

import "github.com/c2h5oh/datasize"

const (
	DefaultParallelism     = 2
	DefaultWorkDir         = ".winforge/mount"
	DefaultStateDir        = ".winforge/state"
	DefaultLockWait        = "30m"
	DefaultMountTimeout    = "20m"
	DefaultUnmountTimeout  = "30m"
	DefaultRetryAttempts   = 3
	DefaultInitialBackoff  = "2s"
	DefaultMaxBackoff      = "30s"
	DefaultRetryMultiplier = 2.0
	DefaultCheckpointEvery = 1
	DefaultFullEvery       = 0
	DefaultRetention       = "168h"
	DefaultLogLevel        = "info"
	DefaultDISMCommand     = "dism.exe"
	DefaultPowerShell      = "powershell.exe"
	DefaultSevenZip        = "7z"
	DefaultOscdimg         = "oscdimg.exe"
)

// DefaultMinFreeSpace covers a mounted install.wim index plus scratch space
const DefaultMinFreeSpace = 8 * datasize.GB

// DefaultToolsConfig returns the tool names resolved from PATH.
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		DISM:       DefaultDISMCommand,
		PowerShell: DefaultPowerShell,
		SevenZip:   DefaultSevenZip,
		Oscdimg:    DefaultOscdimg,
	}
}

// DefaultConfig returns a Config with all default values applied.
func DefaultConfig() *Config {
	return &Config{
		Parallelism:    DefaultParallelism,
		WorkDir:        DefaultWorkDir,
		StateDir:       DefaultStateDir,
		LockWait:       DefaultLockWait,
		MountTimeout:   DefaultMountTimeout,
		UnmountTimeout: DefaultUnmountTimeout,
		MinFreeSpace:   DefaultMinFreeSpace,
		Retry: RetryConfig{
			MaxAttempts:    DefaultRetryAttempts,
			InitialBackoff: DefaultInitialBackoff,
			MaxBackoff:     DefaultMaxBackoff,
			Multiplier:     DefaultRetryMultiplier,
		},
		Checkpoint: CheckpointConfig{
			Every:     DefaultCheckpointEvery,
			FullEvery: DefaultFullEvery,
			Retention: DefaultRetention,
		},
		Tools:    DefaultToolsConfig(),
		LogLevel: DefaultLogLevel,
	}
}
