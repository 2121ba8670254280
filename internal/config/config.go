// Package config loads and validates the YAML configuration shared by
// the tracker, the disk-error policy and the split-writer helper.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Engine is the top-level on-disk configuration for a tracked table.
type Engine struct {
	Keyspace      string      `yaml:"keyspace" validate:"required"`
	Table         string      `yaml:"table" validate:"required"`
	DataDirectory string      `yaml:"data_directory" validate:"required"`
	DiskPolicy    DiskPolicy  `yaml:"disk_policy" validate:"required"`
	SplitWriter   SplitWriter `yaml:"split_writer"`
}

// DiskPolicy configures the Disk-Error Policy (spec §4.6).
type DiskPolicy struct {
	Mode string `yaml:"mode" validate:"required,oneof=ignore best_effort stop stop_paranoid die"`
}

// SplitWriter configures the Split-Writer Helper (spec §4.7).
type SplitWriter struct {
	MinSSTableBytes int64 `yaml:"min_sstable_bytes" validate:"omitempty,min=1"`
}

// DefaultSplitWriterFloorBytes is the spec's default 50MB floor.
const DefaultSplitWriterFloorBytes int64 = 50 * 1024 * 1024

// Load reads and validates an Engine config from path.
func Load(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Engine
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.SplitWriter.MinSSTableBytes == 0 {
		cfg.SplitWriter.MinSSTableBytes = DefaultSplitWriterFloorBytes
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}
