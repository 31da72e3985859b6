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

package buildkit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPool(t *testing.T) {
	tests := []struct {
		name     string
		backends []Backend
		wantErr  bool
	}{
		{name: "empty backends", backends: []Backend{}, wantErr: true},
		{name: "missing addr", backends: []Backend{{Arch: "x86_64"}}, wantErr: true},
		{name: "missing arch", backends: []Backend{{Addr: "tcp://localhost:1234"}}, wantErr: true},
		{
			name:     "valid single backend",
			backends: []Backend{{Addr: "tcp://localhost:1234", Arch: "x86_64"}},
			wantErr:  false,
		},
		{
			name: "valid multiple backends",
			backends: []Backend{
				{Addr: "tcp://amd64-1:1234", Arch: "x86_64"},
				{Addr: "tcp://arm64-1:1234", Arch: "aarch64"},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, err := NewPool(tt.backends)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, pool)
		})
	}
}

func TestPoolSelect(t *testing.T) {
	pool, err := NewPool([]Backend{
		{Addr: "tcp://amd64-1:1234", Arch: "x86_64"},
		{Addr: "tcp://arm64-1:1234", Arch: "aarch64"},
	})
	require.NoError(t, err)

	backend, err := pool.Select("aarch64")
	require.NoError(t, err)
	require.Equal(t, "tcp://arm64-1:1234", backend.Addr)

	_, err = pool.Select("riscv64")
	require.Error(t, err)
}

func TestPoolSelectAndAcquireExcludesInUseBackend(t *testing.T) {
	pool, err := NewPool([]Backend{
		{Addr: "tcp://amd64-1:1234", Arch: "x86_64"},
		{Addr: "tcp://amd64-2:1234", Arch: "x86_64"},
	})
	require.NoError(t, err)

	first, err := pool.SelectAndAcquire("x86_64")
	require.NoError(t, err)

	second, err := pool.SelectAndAcquire("x86_64")
	require.NoError(t, err)
	require.NotEqual(t, first.Addr, second.Addr, "a backend already in use must not be handed out again")

	_, err = pool.SelectAndAcquire("x86_64")
	require.ErrorIs(t, err, ErrNoAvailableBackend, "both backends are in use")

	pool.Release(first.Addr)

	third, err := pool.SelectAndAcquire("x86_64")
	require.NoError(t, err)
	require.Equal(t, first.Addr, third.Addr, "releasing a backend makes it selectable again")
}

func TestPoolReleaseUnknownAddrIsNoop(t *testing.T) {
	pool, err := NewPool([]Backend{{Addr: "tcp://amd64-1:1234", Arch: "x86_64"}})
	require.NoError(t, err)
	pool.Release("tcp://never-acquired:1234")
}

func TestPoolFromConfig(t *testing.T) {
	configContent := `
backends:
  - addr: tcp://amd64-1:1234
    arch: x86_64
    labels:
      tier: standard
  - addr: tcp://arm64-1:1234
    arch: aarch64
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "backends.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	pool, err := NewPoolFromConfig(configPath)
	require.NoError(t, err)
	require.Len(t, pool.List(), 2)

	archs := pool.Architectures()
	require.Len(t, archs, 2)
}

func TestPoolFromSingleAddr(t *testing.T) {
	pool, err := NewPoolFromSingleAddr("tcp://localhost:1234", "")
	require.NoError(t, err)

	backends := pool.List()
	require.Len(t, backends, 1)
	require.Equal(t, "tcp://localhost:1234", backends[0].Addr)
	require.Equal(t, "x86_64", backends[0].Arch) // default arch
}

func TestPoolListByArch(t *testing.T) {
	pool, err := NewPool([]Backend{
		{Addr: "tcp://amd64-1:1234", Arch: "x86_64"},
		{Addr: "tcp://amd64-2:1234", Arch: "x86_64"},
		{Addr: "tcp://arm64-1:1234", Arch: "aarch64"},
	})
	require.NoError(t, err)

	require.Len(t, pool.ListByArch("x86_64"), 2)
	require.Len(t, pool.ListByArch("aarch64"), 1)
	require.Len(t, pool.ListByArch("riscv64"), 0)
}

func TestPoolAdd(t *testing.T) {
	pool, err := NewPool([]Backend{{Addr: "tcp://amd64-1:1234", Arch: "x86_64"}})
	require.NoError(t, err)

	require.NoError(t, pool.Add(Backend{Addr: "tcp://arm64-1:1234", Arch: "aarch64"}))
	require.Len(t, pool.List(), 2)

	backend, err := pool.Select("aarch64")
	require.NoError(t, err)
	require.Equal(t, "tcp://arm64-1:1234", backend.Addr)
}

func TestPoolAddValidation(t *testing.T) {
	pool, err := NewPool([]Backend{{Addr: "tcp://amd64-1:1234", Arch: "x86_64"}})
	require.NoError(t, err)

	err = pool.Add(Backend{Arch: "x86_64"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "addr is required")

	err = pool.Add(Backend{Addr: "tcp://new:1234"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "arch is required")

	err = pool.Add(Backend{Addr: "tcp://amd64-1:1234", Arch: "x86_64"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "already exists")
}

func TestPoolRemove(t *testing.T) {
	pool, err := NewPool([]Backend{
		{Addr: "tcp://amd64-1:1234", Arch: "x86_64"},
		{Addr: "tcp://amd64-2:1234", Arch: "x86_64"},
	})
	require.NoError(t, err)

	require.NoError(t, pool.Remove("tcp://amd64-2:1234"))
	require.Len(t, pool.List(), 1)

	for _, b := range pool.List() {
		require.NotEqual(t, "tcp://amd64-2:1234", b.Addr)
	}
}

func TestPoolRemoveValidation(t *testing.T) {
	pool, err := NewPool([]Backend{{Addr: "tcp://amd64-1:1234", Arch: "x86_64"}})
	require.NoError(t, err)

	err = pool.Remove("tcp://amd64-1:1234")
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot remove the last backend")

	require.NoError(t, pool.Add(Backend{Addr: "tcp://amd64-2:1234", Arch: "x86_64"}))

	err = pool.Remove("tcp://nonexistent:1234")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")

	require.NoError(t, pool.Remove("tcp://amd64-1:1234"))
}

func TestPoolStatus(t *testing.T) {
	pool, err := NewPool([]Backend{
		{Addr: "tcp://backend-1:1234", Arch: "x86_64"},
		{Addr: "tcp://backend-2:1234", Arch: "x86_64"},
	})
	require.NoError(t, err)

	status := pool.Status()
	require.Len(t, status, 2)
	require.False(t, status[0].InUse)
	require.False(t, status[1].InUse)

	backend, err := pool.SelectAndAcquire("x86_64")
	require.NoError(t, err)

	status = pool.Status()
	inUse := 0
	for _, s := range status {
		if s.InUse {
			inUse++
			require.Equal(t, backend.Addr, s.Addr)
		}
	}
	require.Equal(t, 1, inUse)

	pool.Release(backend.Addr)
	for _, s := range pool.Status() {
		require.False(t, s.InUse)
	}
}
