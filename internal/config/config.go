// Package config loads the optional espprobe config file. Values in it
// become flag defaults; flags given on the command line still win.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/bigbag/espprobe/internal/loader"
	"github.com/bigbag/espprobe/internal/protocol"
)

// FileName is the config file looked up in the user config directory.
const FileName = "espprobe.yaml"

// Config holds the settings a config file may provide.
type Config struct {
	Port      string `yaml:"port"`
	BaudRate  int    `yaml:"baud_rate"`
	Trace     bool   `yaml:"trace"`
	StubDir   string `yaml:"stub_dir"`
	ResetMode string `yaml:"reset_mode"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		BaudRate:  protocol.DefaultBaudRate,
		ResetMode: string(loader.ResetClassic),
	}
}

// DefaultPath returns the config file path in the user config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "espprobe", FileName)
}

// Load reads path over the defaults. A missing file at the default path is
// not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that flags would otherwise reject later.
func (c *Config) Validate() error {
	if c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", c.BaudRate)
	}
	if _, err := loader.ParseResetMode(c.ResetMode); err != nil {
		return err
	}
	return nil
}
