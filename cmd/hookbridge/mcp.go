// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/traylinx/hookbridge/internal/bridge"
	"github.com/traylinx/hookbridge/internal/buildinfo"
	"github.com/traylinx/hookbridge/internal/mcpserver"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the hook bridge tools over MCP stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			if !cfg.Logging.ToFile {
				log.SetOutput(os.Stderr)
			}

			svc, err := bridge.New(cmd.Context(), bridge.Options{Config: cfg})
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Close(); err != nil {
					log.Warnf("failed to close service: %v", err)
				}
			}()
			return mcpserver.New(svc, buildinfo.Version).ServeStdio()
		},
	}
}
