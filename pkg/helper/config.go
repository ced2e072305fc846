package helper

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds helper settings read from a TOML file. Every field has
// a working default; a missing file is not an error.
type Config struct {
	// RcloneBinary overrides the rclone executable name.
	RcloneBinary string `toml:"rclone_binary"`
	// RcloneArgs are appended to every rclone invocation.
	RcloneArgs []string `toml:"rclone_args"`
	// Concurrency bounds parallel object transfers in one batch.
	Concurrency int `toml:"concurrency"`
	// MaxAttempts bounds backend retries of transient failures.
	MaxAttempts int `toml:"max_attempts"`
	// SSHUser and SSHKey configure the ssh:// backend.
	SSHUser string `toml:"ssh_user"`
	SSHKey  string `toml:"ssh_key"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		RcloneBinary: "rclone",
		Concurrency:  4,
		MaxAttempts:  3,
	}
}

// ConfigPath returns the config file location: the
// GIT_REMOTE_BLOB_CONFIG environment variable when set, otherwise
// ~/.config/git-remote-blob/config.toml.
func ConfigPath() string {
	if p := os.Getenv("GIT_REMOTE_BLOB_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "git-remote-blob", "config.toml")
}

// LoadConfig reads the TOML file at path, filling unset fields with
// defaults. A missing or empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if cfg.RcloneBinary == "" {
		cfg.RcloneBinary = "rclone"
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	return cfg, nil
}
