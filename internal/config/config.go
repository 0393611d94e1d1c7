// Package config loads the optional shuttle configuration file.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional shuttle configuration file. Every field is
// a pointer so a flag layer can tell "absent" from "set to a zero value".
type Config struct {
	Defaults  DefaultsConfig  `toml:"defaults"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Server    ServerConfig    `toml:"server"`
}

// DefaultsConfig holds persistent transfer flag defaults.
type DefaultsConfig struct {
	FileWorkers    *int    `toml:"file_workers"`
	ChunkWorkers   *int    `toml:"chunk_workers"`
	ChunkSize      *string `toml:"chunk_size"`
	ChunkThreshold *string `toml:"chunk_threshold"`
	BWLimit        *string `toml:"bwlimit"`
	Checksum       *bool   `toml:"checksum"`
	Verify         *bool   `toml:"verify"`
	Retries        *int    `toml:"retries"`
}

// TelemetryConfig tunes the progress emitter and its snapshot store.
type TelemetryConfig struct {
	PushIntervalMs   *int    `toml:"push_interval_ms"`
	RetentionSeconds *int    `toml:"retention_seconds"`
	StorePath        *string `toml:"store_path"`
}

// ServerConfig holds serve-mode settings.
type ServerConfig struct {
	Listen *string `toml:"listen"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "shuttle", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
