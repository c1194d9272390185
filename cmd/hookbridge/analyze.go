// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/traylinx/hookbridge/internal/bridge"
	"github.com/traylinx/hookbridge/internal/logging"
	"github.com/traylinx/hookbridge/internal/persona"
)

type analyzeOptions struct {
	command   string
	flags     []string
	framework string
	language  string
	files     []string
	userID    string
	activate  bool
}

func newAnalyzeCmd() *cobra.Command {
	var opts analyzeOptions
	cmd := &cobra.Command{
		Use:   "analyze <request text>",
		Short: "Score a request against the personas and print the analysis",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := logging.WithCorrelationID(cmd.Context(), uuid.NewString())
			svc, err := bridge.New(ctx, bridge.Options{Config: cfg})
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Close(); err != nil {
					log.Warnf("failed to close service: %v", err)
				}
			}()

			req := persona.Request{
				UserID:    opts.userID,
				Command:   opts.command,
				Content:   strings.Join(args, " "),
				Flags:     opts.flags,
				Framework: opts.framework,
				Language:  opts.language,
				Files:     opts.files,
			}
			var out any
			if opts.activate {
				a, d, err := svc.Activate(ctx, req)
				if err != nil {
					return err
				}
				out = map[string]any{"analysis": a, "decision": d}
			} else {
				a, err := svc.Analyze(ctx, req)
				if err != nil {
					return err
				}
				out = a
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&opts.command, "command", "", "Slash command of the request, e.g. /analyze")
	cmd.Flags().StringSliceVar(&opts.flags, "flag", nil, "Request flag such as --persona-security (repeatable)")
	cmd.Flags().StringVar(&opts.framework, "framework", "", "Project framework")
	cmd.Flags().StringVar(&opts.language, "language", "", "Project language")
	cmd.Flags().StringSliceVar(&opts.files, "file", nil, "File touched by the request (repeatable)")
	cmd.Flags().StringVar(&opts.userID, "user", "", "User whose persona history is considered")
	cmd.Flags().BoolVar(&opts.activate, "activate", false, "Apply the activation decision")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
