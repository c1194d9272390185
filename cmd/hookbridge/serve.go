// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/traylinx/hookbridge/internal/api"
	"github.com/traylinx/hookbridge/internal/bridge"
	"github.com/traylinx/hookbridge/internal/buildinfo"
)

func newServeCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the hook bridge over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Logging.Debug && !verbose {
				gin.SetMode(gin.ReleaseMode)
			}
			log.Infof("hookbridge %s", buildinfo.Summary())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := bridge.New(ctx, bridge.Options{Config: cfg, ConfigFile: path, Watch: watch})
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Close(); err != nil {
					log.Warnf("failed to close service: %v", err)
				}
			}()
			return api.NewServer(svc, cfg.Server).Run(ctx)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", true, "Reload the configuration file when it changes")
	return cmd
}

