// Package config holds the process-wide settings this sidecar needs that
// have no natural home on an individual RPC request: binary paths, cache
// sizing, and log verbosity. Grounded on the teacher's
// internal/config/config.go (yaml.v3, DefaultConfig + tolerant-of-missing
// Load), trimmed to the fields this sidecar actually has a use for.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the sidecar's process-wide, YAML-loadable settings.
type Config struct {
	// FFmpegPath is the path to the transcoder binary. Overridden at
	// startup by the FFMPEG_PATH environment variable if set (spec.md §6).
	FFmpegPath string `yaml:"ffmpeg_path"`

	// FFprobePath is the path to the probing binary.
	FFprobePath string `yaml:"ffprobe_path"`

	// TempDir is the directory Temp Store allocates files under. Empty
	// means the OS default temp directory.
	TempDir string `yaml:"temp_dir"`

	// CacheCapacity overrides PREVIEW_CACHE_MAX_ENTRIES. 0 means "use the
	// cache package's built-in default".
	CacheCapacity int `yaml:"cache_capacity"`

	// StartupSweepMaxAgeHours is the age threshold for the one-shot
	// startup temp sweep (spec.md §4.1: "exactly once on startup with a
	// 24h threshold").
	StartupSweepMaxAgeHours int `yaml:"startup_sweep_max_age_hours"`

	// LogLevel controls log verbosity: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// EstimateCacheVersion overrides the estimate fingerprint's version
	// token (internal/options.EstimateKeyVersion). Bumping it in config
	// invalidates every cached SizeEstimate on next startup without a
	// code change or binary redeploy.
	EstimateCacheVersion string `yaml:"estimate_cache_version"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		FFmpegPath:              "ffmpeg",
		FFprobePath:             "ffprobe",
		TempDir:                 "",
		CacheCapacity:           0,
		StartupSweepMaxAgeHours: 24,
		LogLevel:                "info",
		EstimateCacheVersion:    "v1",
	}
}

// Load reads cfg from a YAML file at path, falling back to (and writing
// out) the defaults if the file does not exist. A present file's empty
// fields are backfilled with defaults rather than left zero.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if saveErr := cfg.Save(path); saveErr != nil {
				fmt.Fprintf(os.Stderr, "warning: could not create config file: %v\n", saveErr)
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.StartupSweepMaxAgeHours <= 0 {
		cfg.StartupSweepMaxAgeHours = 24
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.EstimateCacheVersion == "" {
		cfg.EstimateCacheVersion = "v1"
	}

	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
