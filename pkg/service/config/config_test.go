// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "local", cfg.SandboxBackend)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.True(t, cfg.EnableMetrics)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("EXTRA_PROMOTION_DESTINATIONS", "staging,testing")
	t.Setenv("ENABLE_METRICS", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, []string{"staging", "testing"}, cfg.ExtraPromotionDestinations)
	assert.False(t, cfg.EnableMetrics)
}

func TestLoad_InvalidDurationErrors(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "not-a-duration")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadSandboxBackends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backends.yaml")
	content := "- addr: tcp://build1:1234\n  arch: x86_64\n- addr: tcp://build2:1234\n  arch: aarch64\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	entries, err := LoadSandboxBackends(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "tcp://build1:1234", entries[0].Addr)
	assert.Equal(t, "aarch64", entries[1].Arch)
}
