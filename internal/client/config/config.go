// Package config holds the client settings and their validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/schmelczer/reconcile/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".reconcile", "config.json")
	DefaultVaultDir   = filepath.Join(home, "Vault")
	DefaultLogPath    = filepath.Join(home, ".reconcile", "logs", "reconcile.log")
)

const (
	MinSyncConcurrency = 1
	MaxSyncConcurrency = 16
	MinMaxFileSizeMB   = 1
	MaxMaxFileSizeMB   = 64

	DefaultSyncConcurrency = 1
	DefaultMaxFileSizeMB   = 16
	DefaultPullIntervalSec = 30
)

var ErrInvalidURL = errors.New("invalid url")

// Config is the full persisted client configuration.
type Config struct {
	VaultDir        string   `json:"vault_dir" mapstructure:"vault_dir"`
	VaultName       string   `json:"vault_name" mapstructure:"vault_name"`
	RemoteURL       string   `json:"remote_url" mapstructure:"remote_url"`
	Token           string   `json:"token,omitempty" mapstructure:"token"`
	SyncConcurrency int      `json:"sync_concurrency" mapstructure:"sync_concurrency"`
	SyncEnabled     bool     `json:"sync_enabled" mapstructure:"sync_enabled"`
	MaxFileSizeMB   int      `json:"max_file_size_mb" mapstructure:"max_file_size_mb"`
	PullIntervalSec int      `json:"pull_interval_sec" mapstructure:"pull_interval_sec"`
	IgnorePatterns  []string `json:"ignore_patterns,omitempty" mapstructure:"ignore_patterns"`
	Path            string   `json:"-" mapstructure:"config_path"`
}

// Save writes the configuration back to its file.
func (c *Config) Save() error {
	if err := utils.EnsureParent(c.Path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.Path, data, 0o600)
}

// Validate normalises paths and clamps numeric settings into their
// documented ranges.
func (c *Config) Validate() error {
	if c.Path == "" {
		c.Path = DefaultConfigPath
	}

	var err error
	c.VaultDir, err = utils.ResolvePath(c.VaultDir)
	if err != nil {
		return fmt.Errorf("vault dir: %w", err)
	}

	if c.VaultName == "" {
		c.VaultName = filepath.Base(c.VaultDir)
	}

	if err := validateURL(c.RemoteURL); err != nil {
		return fmt.Errorf("remote url: %w", err)
	}

	c.SyncConcurrency = clamp(c.SyncConcurrency, MinSyncConcurrency, MaxSyncConcurrency)
	c.MaxFileSizeMB = clamp(c.MaxFileSizeMB, MinMaxFileSizeMB, MaxMaxFileSizeMB)
	if c.PullIntervalSec <= 0 {
		c.PullIntervalSec = DefaultPullIntervalSec
	}

	return nil
}

// MaxFileSizeBytes returns the size limit in bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("vault_dir", c.VaultDir),
		slog.String("vault_name", c.VaultName),
		slog.String("remote_url", c.RemoteURL),
		slog.Int("sync_concurrency", c.SyncConcurrency),
		slog.Bool("sync_enabled", c.SyncEnabled),
		slog.Int("max_file_size_mb", c.MaxFileSizeMB),
	)
}

func validateURL(raw string) error {
	if raw == "" {
		return ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidURL
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
