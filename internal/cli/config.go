package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// configDirName is the configuration directory in the user's home.
const configDirName = ".comfygo"

const defaultConfigFile = "config.yaml"

// ServerConfig names one managed server in the config file.
type ServerConfig struct {
	ID  string `yaml:"id,omitempty"`
	URL string `yaml:"url"`
}

// Config is the comfyctl configuration file (~/.comfygo/config.yaml).
// Flags override everything in it.
type Config struct {
	Servers     []ServerConfig `yaml:"servers,omitempty"`
	OutputDir   string         `yaml:"output_dir,omitempty"`
	MaxAttempts int            `yaml:"max_attempts,omitempty"`
	// Timeout is the per-node execution timeout as a Go duration string,
	// e.g. "300s" or "5m".
	Timeout string `yaml:"timeout,omitempty"`
}

// ParsedTimeout returns the configured timeout, or zero when unset.
func (c *Config) ParsedTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q in config: %w", c.Timeout, err)
	}
	return d, nil
}

// defaultConfigPath returns ~/.comfygo/config.yaml without creating it.
func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, configDirName, defaultConfigFile), nil
}

// loadConfig reads the YAML config at path. With an empty path the default
// location is used and a missing file yields an empty config; an explicit
// path must exist.
func loadConfig(fs afero.Fs, path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		var err error
		path, err = defaultConfigPath()
		if err != nil {
			return nil, err
		}
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	for i, srv := range cfg.Servers {
		if srv.URL == "" {
			return nil, fmt.Errorf("config %s: server %d has no url", path, i)
		}
	}
	return &cfg, nil
}
