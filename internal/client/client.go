// Package client assembles the configured pieces into a runnable
// vault sync client.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/schmelczer/reconcile/internal/client/config"
	"github.com/schmelczer/reconcile/internal/client/sync"
	"github.com/schmelczer/reconcile/internal/sdk"
	"github.com/schmelczer/reconcile/internal/utils"
)

// Client runs one vault's sync engine for the lifetime of the daemon.
type Client struct {
	config  *config.Config
	sdk     *sdk.Client
	manager *sync.Manager
	lock    *flock.Flock
}

func New(cfg *config.Config) (*Client, error) {
	transport, err := sdk.New(&sdk.Config{
		BaseURL:   cfg.RemoteURL,
		Token:     cfg.Token,
		VaultName: cfg.VaultName,
	})
	if err != nil {
		return nil, err
	}

	manager, err := sync.NewManager(sync.Options{
		VaultDir:       cfg.VaultDir,
		Concurrency:    cfg.SyncConcurrency,
		MaxFileSize:    cfg.MaxFileSizeBytes(),
		PullInterval:   time.Duration(cfg.PullIntervalSec) * time.Second,
		IgnorePatterns: cfg.IgnorePatterns,
		SyncEnabled:    cfg.SyncEnabled,
		WatcherEnabled: true,
	}, transport)
	if err != nil {
		return nil, err
	}

	return &Client{
		config:  cfg,
		sdk:     transport,
		manager: manager,
	}, nil
}

// Start acquires the single-instance lock, checks the server and runs
// the engine until the context is cancelled.
func (c *Client) Start(ctx context.Context) error {
	lockPath := filepath.Join(c.config.VaultDir, ".reconcile", "daemon.lock")
	if err := utils.EnsureParent(lockPath); err != nil {
		return err
	}
	c.lock = flock.New(lockPath)
	locked, err := c.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon is already syncing %s", c.config.VaultDir)
	}
	defer c.lock.Unlock()

	if ping, err := c.sdk.Vault.Ping(ctx); err != nil {
		slog.Warn("server unreachable at startup, continuing offline", "error", err)
	} else {
		slog.Info("server", "version", ping.ServerVersion, "authenticated", ping.IsAuthenticated)
	}

	if err := c.manager.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	c.manager.Stop()
	c.sdk.Close()
	return nil
}

// Sync returns the running sync manager.
func (c *Client) Sync() *sync.Manager {
	return c.manager
}

// Settings returns the active configuration.
func (c *Client) Settings() *config.Config {
	return c.config
}

// SetSetting updates one mutable setting and persists the config.
// The running engine is not reconfigured; changes take effect on the
// next start. vault_dir, vault_name, remote_url and token cannot be
// changed here.
func (c *Client) SetSetting(key string, value any) error {
	switch key {
	case "sync_enabled":
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("setting %s expects a bool", key)
		}
		c.config.SyncEnabled = v
	case "sync_concurrency":
		v, ok := value.(int)
		if !ok {
			return fmt.Errorf("setting %s expects an int", key)
		}
		c.config.SyncConcurrency = v
	case "max_file_size_mb":
		v, ok := value.(int)
		if !ok {
			return fmt.Errorf("setting %s expects an int", key)
		}
		c.config.MaxFileSizeMB = v
	case "pull_interval_sec":
		v, ok := value.(int)
		if !ok {
			return fmt.Errorf("setting %s expects an int", key)
		}
		c.config.PullIntervalSec = v
	case "ignore_patterns":
		v, ok := value.([]string)
		if !ok {
			return fmt.Errorf("setting %s expects a string list", key)
		}
		c.config.IgnorePatterns = v
	default:
		return fmt.Errorf("unknown or immutable setting %q", key)
	}

	if err := c.config.Validate(); err != nil {
		return err
	}
	return c.config.Save()
}
