// Package daemonconfig loads the vfsd daemon's on-disk YAML configuration:
// read the file, unmarshal with gopkg.in/yaml.v2, then backfill
// zero-valued fields with defaults.
package daemonconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the vfsd daemon's on-disk configuration.
type Config struct {
	// BaseDir is the on-disk root the VFS is opened against.
	BaseDir string `yaml:"baseDir"`
	// MaxOpenPaths bounds live PathManager actors.
	MaxOpenPaths int `yaml:"maxOpenPaths"`
	// QuiescenceTimeoutSeconds overrides the default per-path idle
	// timeout before projection flushing.
	QuiescenceTimeoutSeconds int `yaml:"quiescenceTimeoutSeconds"`
	// EnableDirIndex turns on the badger-backed directory index.
	EnableDirIndex bool `yaml:"enableDirIndex"`
	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
}

// Load reads and unmarshals the YAML config at path, filling in defaults
// for any zero-valued field.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.BaseDir == "" {
		cfg.BaseDir = "./data"
	}
	if cfg.MaxOpenPaths == 0 {
		cfg.MaxOpenPaths = 256
	}
	if cfg.QuiescenceTimeoutSeconds == 0 {
		cfg.QuiescenceTimeoutSeconds = 30
	}

	return cfg, nil
}
