package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		VaultDir:        t.TempDir(),
		RemoteURL:       "https://vault.example.com",
		SyncConcurrency: 4,
		MaxFileSizeMB:   8,
		Path:            filepath.Join(t.TempDir(), "config.json"),
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := validConfig(t)
	cfg.VaultName = ""
	cfg.PullIntervalSec = 0

	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Base(cfg.VaultDir), cfg.VaultName)
	assert.Equal(t, DefaultPullIntervalSec, cfg.PullIntervalSec)
}

func TestValidateClampsRanges(t *testing.T) {
	cfg := validConfig(t)
	cfg.SyncConcurrency = 99
	cfg.MaxFileSizeMB = 0

	require.NoError(t, cfg.Validate())
	assert.Equal(t, MaxSyncConcurrency, cfg.SyncConcurrency)
	assert.Equal(t, MinMaxFileSizeMB, cfg.MaxFileSizeMB)
}

func TestValidateRejectsBadURL(t *testing.T) {
	for _, url := range []string{"", "not a url", "ftp://vault", "https://"} {
		cfg := validConfig(t)
		cfg.RemoteURL = url
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidURL, url)
	}
}

func TestMaxFileSizeBytes(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(8*1024*1024), cfg.MaxFileSizeBytes())
}

func TestSaveWritesFile(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.Save())
	assert.FileExists(t, cfg.Path)
}
