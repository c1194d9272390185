// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFormatter_Format(t *testing.T) {
	f := &LogFormatter{}
	entry := &log.Entry{
		Time:    time.Date(2026, 3, 2, 10, 14, 4, 0, time.UTC),
		Level:   log.WarnLevel,
		Message: "hook exceeded budget\n",
		Data: log.Fields{
			CorrelationField: "a1b2c3d4",
			"hook":           "preToolUse",
			"elapsed_ms":     80,
		},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)

	line := string(out)
	assert.True(t, strings.HasPrefix(line, "[2026-03-02 10:14:04] [a1b2c3d4] [warn ] hook exceeded budget |"))
	assert.Contains(t, line, " elapsed_ms=80, hook=preToolUse\n")
	assert.NotContains(t, line, CorrelationField)
}

func TestLogFormatter_NoCorrelation(t *testing.T) {
	f := &LogFormatter{}
	out, err := f.Format(&log.Entry{Level: log.InfoLevel, Message: "ready", Data: log.Fields{}})
	require.NoError(t, err)
	assert.Contains(t, string(out), "[--------] [info ] ready\n")
	assert.NotContains(t, string(out), "|")
}

func TestCorrelationContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", CorrelationID(ctx))
	assert.Equal(t, ctx, WithCorrelationID(ctx, ""))

	ctx = WithCorrelationID(ctx, "corr-1")
	assert.Equal(t, "corr-1", CorrelationID(ctx))
	assert.Equal(t, "corr-1", FromContext(ctx).Data[CorrelationField])
}

func TestConfigureLogOutput_File(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ConfigureLogOutput(true, dir, 1))
	defer func() { _ = ConfigureLogOutput(false, "", 0) }()

	log.Info("written to file")

	data, err := os.ReadFile(filepath.Join(dir, "hookbridge.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}
