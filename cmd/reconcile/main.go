package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/schmelczer/reconcile/internal/client"
	"github.com/schmelczer/reconcile/internal/client/config"
	"github.com/schmelczer/reconcile/internal/utils"
	"github.com/schmelczer/reconcile/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "reconcile",
	Short:   "Keep a local vault of files in sync with a remote store",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig()
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true

		c, err := client.New(cfg)
		if err != nil {
			return err
		}

		defer slog.Info("bye")
		return c.Start(cmd.Context())
	},
}

func buildConfig() (*config.Config, error) {
	cfg := &config.Config{
		Path:            viper.ConfigFileUsed(),
		VaultDir:        viper.GetString("vault_dir"),
		VaultName:       viper.GetString("vault_name"),
		RemoteURL:       viper.GetString("remote_url"),
		Token:           viper.GetString("token"),
		SyncConcurrency: viper.GetInt("sync_concurrency"),
		SyncEnabled:     viper.GetBool("sync_enabled"),
		MaxFileSizeMB:   viper.GetInt("max_file_size_mb"),
		PullIntervalSec: viper.GetInt("pull_interval_sec"),
		IgnorePatterns:  viper.GetStringSlice("ignore_patterns"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfig(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")
	viper.SetConfigFile(configPath)
	viper.SetConfigType("json")
	viper.SetEnvPrefix("RECONCILE")
	viper.AutomaticEnv()

	viper.SetDefault("vault_dir", config.DefaultVaultDir)
	viper.SetDefault("sync_enabled", true)
	viper.SetDefault("sync_concurrency", config.DefaultSyncConcurrency)
	viper.SetDefault("max_file_size_mb", config.DefaultMaxFileSizeMB)
	viper.SetDefault("pull_interval_sec", config.DefaultPullIntervalSec)

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			// first run without a config file is fine; flags and env
			// carry the required values
			return nil
		}
		return err
	}
	return nil
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	writers := []io.Writer{os.Stderr}
	logPath := config.DefaultLogPath
	if err := utils.EnsureParent(logPath); err == nil {
		if f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			writers = append(writers, f)
		}
	}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = tint.NewHandler(io.MultiWriter(writers...), &tint.Options{Level: level})
	} else {
		handler = slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the recent sync history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd.Root()); err != nil {
			return err
		}
		cfg, err := buildConfig()
		if err != nil {
			return err
		}

		path := filepath.Join(cfg.VaultDir, ".reconcile", "history.jsonl")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("no history yet")
				return nil
			}
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd.Root()); err != nil {
			return err
		}
		cfg, err := buildConfig()
		if err != nil {
			return err
		}
		fmt.Printf("vault_dir:         %s\n", cfg.VaultDir)
		fmt.Printf("vault_name:        %s\n", cfg.VaultName)
		fmt.Printf("remote_url:        %s\n", cfg.RemoteURL)
		fmt.Printf("sync_enabled:      %t\n", cfg.SyncEnabled)
		fmt.Printf("sync_concurrency:  %d\n", cfg.SyncConcurrency)
		fmt.Printf("max_file_size_mb:  %d\n", cfg.MaxFileSizeMB)
		fmt.Printf("pull_interval_sec: %d\n", cfg.PullIntervalSec)
		return nil
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("vault_dir", "d", config.DefaultVaultDir, "vault directory to keep in sync")
	rootCmd.Flags().StringP("remote_url", "s", "", "remote vault server")
	rootCmd.Flags().StringP("token", "t", "", "auth token")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")

	rootCmd.AddCommand(historyCmd, configCmd)
}

func main() {
	verbose := false
	for _, arg := range os.Args[1:] {
		if arg == "-v" || arg == "--verbose" {
			verbose = true
		}
	}
	setupLogging(verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("exit", "error", err)
		os.Exit(1)
	}
}
