// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/traylinx/hookbridge/internal/config"
)

func TestResolveConfigPath(t *testing.T) {
	configPath = ""
	t.Setenv(config.EnvConfigPath, "")
	path, explicit := resolveConfigPath()
	assert.Equal(t, "config.yaml", path)
	assert.False(t, explicit)

	t.Setenv(config.EnvConfigPath, "/etc/hookbridge.yaml")
	path, explicit = resolveConfigPath()
	assert.Equal(t, "/etc/hookbridge.yaml", path)
	assert.True(t, explicit)

	configPath = "custom.yaml"
	t.Cleanup(func() { configPath = "" })
	path, explicit = resolveConfigPath()
	assert.Equal(t, "custom.yaml", path)
	assert.True(t, explicit)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "absent.yaml")
	t.Cleanup(func() { configPath = "" })

	_, _, err := loadConfig()
	assert.Error(t, err)
}

func TestAnalyzeCommand(t *testing.T) {
	configPath = ""
	t.Setenv(config.EnvConfigPath, "")
	t.Chdir(t.TempDir())

	cmd := newAnalyzeCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"architecture", "scalability", "system", "design"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "architect", gjson.Get(out.String(), "scores.0.persona").String())

	out.Reset()
	cmd = newAnalyzeCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--activate", "--flag=--persona-security", "review login"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "security", gjson.Get(out.String(), "decision.persona").String())
	assert.True(t, gjson.Get(out.String(), "decision.explicit").Bool())
}
