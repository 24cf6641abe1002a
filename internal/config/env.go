package config

import (
	"os"
	"strconv"

	"github.com/c2h5oh/datasize"
)

// envOverrides maps environment variables to config field setters.
var envOverrides = []struct {
	envVar string
	apply  func(*Config, string)
}{
	{
		envVar: "WINFORGE_PARALLELISM",
		apply: func(c *Config, v string) {
			if n, err := strconv.Atoi(v); err == nil {
				c.Parallelism = n
			}
		},
	},
	{
		envVar: "WINFORGE_WORK_DIR",
		apply: func(c *Config, v string) {
			c.WorkDir = v
		},
	},
	{
		envVar: "WINFORGE_STATE_DIR",
		apply: func(c *Config, v string) {
			c.StateDir = v
		},
	},
	{
		envVar: "WINFORGE_LOCK_WAIT",
		apply: func(c *Config, v string) {
			c.LockWait = v
		},
	},
	{
		envVar: "WINFORGE_MIN_FREE_SPACE",
		apply: func(c *Config, v string) {
			var size datasize.ByteSize
			if err := size.UnmarshalText([]byte(v)); err == nil {
				c.MinFreeSpace = size
			}
		},
	},
	{
		envVar: "WINFORGE_DISM",
		apply: func(c *Config, v string) {
			c.Tools.DISM = v
		},
	},
	{
		envVar: "WINFORGE_OTLP_ENDPOINT",
		apply: func(c *Config, v string) {
			c.Metrics.OTLPEndpoint = v
		},
	},
	{
		envVar: "WINFORGE_LOG_LEVEL",
		apply: func(c *Config, v string) {
			c.LogLevel = v
		},
	},
}

// applyEnvOverrides modifies config in place with environment variable values.
func applyEnvOverrides(cfg *Config) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(cfg, val)
		}
	}
}
