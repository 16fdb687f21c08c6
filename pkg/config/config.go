// Package config loads the optional settings file that seeds cmd/mergequeue
// flag defaults: recovery policy, stale threshold, poll interval, the gate
// and VCS binary names, and the default resource-lock TTL. It is consumed
// only by the CLI layer, never imported by the core packages (pkg/queue,
// pkg/worker, pkg/reslock, ...), which always take their settings as
// explicit Config/Options fields.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/mergequeue/pkg/mqerr"
)

// Config is the on-disk settings file shape.
type Config struct {
	DataDir        string        `yaml:"dataDir"`
	RecoveryPolicy string        `yaml:"recoveryPolicy"`
	StaleThreshold time.Duration `yaml:"staleThreshold"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	LockTTL        time.Duration `yaml:"lockTTL"`
	GateBinary     string        `yaml:"gateBinary"`
	VCSBinary      string        `yaml:"vcsBinary"`
	LogLevel       string        `yaml:"logLevel"`
	LogJSON        bool          `yaml:"logJSON"`
}

// Default returns the settings cmd/mergequeue falls back to when no file is
// present and no environment override is set.
func Default() Config {
	return Config{
		DataDir:        "./mergequeue-data",
		RecoveryPolicy: "warn",
		StaleThreshold: 5 * time.Minute,
		PollInterval:   5 * time.Second,
		LockTTL:        10 * time.Minute,
		GateBinary:     "moon",
		VCSBinary:      "jj",
		LogLevel:       "info",
		LogJSON:        false,
	}
}

// Load reads path (if non-empty and it exists) over Default, then applies
// MERGEQUEUE_-prefixed environment variable overrides, mirroring the way
// cobra layers flags over defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Config{}, mqerr.NotFoundf("config file not found: %s", path)
			}
			return Config{}, mqerr.IoErrorf(err, "failed to read config file %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, mqerr.ParseErrorf(err, "failed to parse config file %s", path)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MERGEQUEUE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MERGEQUEUE_RECOVERY_POLICY"); v != "" {
		cfg.RecoveryPolicy = v
	}
	if v := os.Getenv("MERGEQUEUE_GATE_BINARY"); v != "" {
		cfg.GateBinary = v
	}
	if v := os.Getenv("MERGEQUEUE_VCS_BINARY"); v != "" {
		cfg.VCSBinary = v
	}
	if v := os.Getenv("MERGEQUEUE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MERGEQUEUE_STALE_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StaleThreshold = d
		}
	}
	if v := os.Getenv("MERGEQUEUE_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv("MERGEQUEUE_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LockTTL = d
		}
	}
}

// Validate reports whether the loaded config's recovery policy is one
// pkg/recovery recognizes.
func (c Config) Validate() error {
	switch c.RecoveryPolicy {
	case "strict", "warn", "silent":
		return nil
	default:
		return fmt.Errorf("invalid recovery policy %q: must be strict, warn, or silent", c.RecoveryPolicy)
	}
}
