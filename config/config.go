// Package config holds the engine-wide tunables loaded from a YAML file:
// page size, buffer pool frame count, lock wait timeout, and the data
// directory layout.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	PageSize   int `yaml:"page_size" default:"4096"`
	PoolFrames int `yaml:"pool_frames" default:"256"`

	LockTimeout   time.Duration `yaml:"lock_timeout"`
	LogBufferSize int           `yaml:"log_buffer_size" default:"1048576"`

	// JoinBlockSize bounds the outer-side materialization in the
	// nested-loop join's block buffer (spec §4.8).
	JoinBlockSize int `yaml:"join_block_size" default:"1024"`
}

// Default returns the configuration the engine uses when none is supplied.
func Default() *Config {
	return &Config{
		DataDir:       "./data",
		PageSize:      4096,
		PoolFrames:    256,
		LockTimeout:   5 * time.Second,
		LogBufferSize: 1 << 20,
		JoinBlockSize: 1024,
	}
}

// Load reads and parses a YAML configuration file, filling unset fields
// from Default.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = Default().PageSize
	}
	if cfg.PoolFrames <= 0 {
		cfg.PoolFrames = Default().PoolFrames
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = Default().LockTimeout
	}
	if cfg.LogBufferSize <= 0 {
		cfg.LogBufferSize = Default().LogBufferSize
	}
	if cfg.JoinBlockSize <= 0 {
		cfg.JoinBlockSize = Default().JoinBlockSize
	}
	return cfg, nil
}
