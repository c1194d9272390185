// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command hookbridge runs the hook bridge over HTTP or MCP stdio, or scores a
// single request against the personas.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/traylinx/hookbridge/internal/buildinfo"
	"github.com/traylinx/hookbridge/internal/config"
	"github.com/traylinx/hookbridge/internal/logging"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	configPath string
	verbose    bool
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "hookbridge",
		Short: "Hook bridge with persona activation and collaboration",
		Long: `hookbridge routes tool-use lifecycle hooks through budgeted, circuit-broken
handlers and scores requests against eleven personas that can collaborate on a task.`,
		Version:       buildinfo.Summary(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default $"+config.EnvConfigPath+" or ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd(), newMCPCmd(), newAnalyzeCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

// loadEnv loads .env from the working directory when present.
func loadEnv() {
	wd, err := os.Getwd()
	if err != nil {
		return
	}
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
		log.WithError(errLoad).Warn("failed to load .env file")
	}
}

// resolveConfigPath returns the configuration path and whether the caller
// named it explicitly.
func resolveConfigPath() (string, bool) {
	if configPath != "" {
		return configPath, true
	}
	if v, ok := os.LookupEnv(config.EnvConfigPath); ok && v != "" {
		return v, true
	}
	return "config.yaml", false
}

// loadConfig loads the configuration and sets up logging from it. A missing
// default config.yaml yields the defaults.
func loadConfig() (*config.Config, string, error) {
	loadEnv()
	path, explicit := resolveConfigPath()
	cfg, err := config.LoadConfigOptional(path, !explicit)
	if err != nil {
		return nil, "", err
	}
	cfg.ApplyEnv()

	if err := logging.ConfigureLogOutput(cfg.Logging.ToFile, cfg.Logging.Dir, cfg.Logging.MaxSizeMB); err != nil {
		return nil, "", fmt.Errorf("configure log output: %w", err)
	}
	logging.SetDebug(cfg.Logging.Debug || verbose)
	return cfg, path, nil
}
