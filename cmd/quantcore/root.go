package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"quantcore/internal/app"
	"quantcore/internal/config"
	"quantcore/internal/logger"
	"quantcore/internal/pkg/lock"
)

const (
	configEnv         = "QUANTCORE_CONFIG"
	defaultConfigPath = "configs/config.yaml"
)

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "quantcore",
		Short:         "Regime-aware perpetual futures trader",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $"+configEnv+" or "+defaultConfigPath+")")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading loop and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and print the effective settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return check(cmd, resolveConfigPath(configPath))
		},
	}
	root.AddCommand(runCmd, checkCmd)
	return root
}

func resolveConfigPath(flag string) string {
	if p := strings.TrimSpace(flag); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(configEnv)); p != "" {
		return p
	}
	return defaultConfigPath
}

func run(parent context.Context, path string) error {
	if parent == nil {
		parent = context.Background()
	}
	mgr, err := config.NewManager(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Current()

	closer, err := logger.OpenRotating(cfg.App.LogPath, logger.RotateOptions{
		MaxSizeMB:  cfg.App.LogMaxSizeMB,
		MaxBackups: cfg.App.LogMaxBackups,
		MaxAgeDays: cfg.App.LogMaxAgeDays,
		Compress:   true,
	})
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ config loaded from %s (env=%s, symbols=%v)", mgr.Path(), cfg.App.Env, cfg.Trading.Symbols)

	fl, err := lock.Acquire(cfg.App.LockPath)
	if err != nil {
		return err
	}
	defer fl.Release()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(ctx, mgr)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()
	return a.Run(ctx)
}

func check(cmd *cobra.Command, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	doc, err := cfg.Redacted().Settings()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
