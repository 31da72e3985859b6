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

// Package buildkit tracks the BuildKit daemon addresses antbs can hand a
// sandbox to. The engine never runs more than one sandbox at a time (the
// build loop in pkg/service/txn builds one package, waits for its result,
// then moves to the next), so unlike a multi-tenant build farm this pool
// doesn't need per-backend job counters or a circuit breaker: it only
// needs to pick a backend for a package's architecture and refuse to hand
// out a backend that's already running a sandbox.
package buildkit

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Errors returned by pool operations.
var (
	ErrNoAvailableBackend = errors.New("no available backend for the requested architecture")
	ErrBackendNotFound    = errors.New("backend not found")
)

// Backend is one BuildKit daemon the pool can dispatch a sandbox to.
type Backend struct {
	// Addr is the BuildKit daemon address (e.g., "tcp://buildkit:1234").
	Addr string `json:"addr" yaml:"addr"`

	// Arch is the architecture this backend builds for (e.g., "x86_64",
	// "aarch64").
	Arch string `json:"arch" yaml:"arch"`

	// Labels are arbitrary key-value pairs carried through to Status for
	// operator-facing display; they don't affect selection.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// BackendStatus reports a backend's current availability for observability.
type BackendStatus struct {
	Backend
	InUse bool `json:"inUse"`
}

// PoolConfig is the configuration for a BuildKit pool.
type PoolConfig struct {
	Backends []Backend `json:"backends" yaml:"backends"`
}

// Pool holds the set of known BuildKit backends and which one, if any, is
// presently running a build.
type Pool struct {
	mu       sync.Mutex
	backends []Backend
	inUse    map[string]bool // keyed by Addr
}

// NewPool creates a pool from the given backends.
func NewPool(backends []Backend) (*Pool, error) {
	return NewPoolWithConfig(PoolConfig{Backends: backends})
}

// NewPoolWithConfig creates a pool from a configuration.
func NewPoolWithConfig(config PoolConfig) (*Pool, error) {
	if len(config.Backends) == 0 {
		return nil, errors.New("at least one backend is required")
	}
	for i, b := range config.Backends {
		if b.Addr == "" {
			return nil, fmt.Errorf("backend %d: addr is required", i)
		}
		if b.Arch == "" {
			return nil, fmt.Errorf("backend %d (%s): arch is required", i, b.Addr)
		}
	}

	return &Pool{
		backends: append([]Backend(nil), config.Backends...),
		inUse:    make(map[string]bool),
	}, nil
}

// NewPoolFromConfig creates a pool from a YAML config file holding a
// PoolConfig: the backend list sits under a top-level "backends" key
// (config.LoadSandboxBackends reads a bare top-level list instead).
func NewPoolFromConfig(configPath string) (*Pool, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config PoolConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return NewPoolWithConfig(config)
}

// NewPoolFromSingleAddr creates a pool with a single backend, the shape a
// single-developer-box deployment needs. Arch defaults to "x86_64".
func NewPoolFromSingleAddr(addr, arch string) (*Pool, error) {
	if arch == "" {
		arch = "x86_64"
	}
	return NewPool([]Backend{{Addr: addr, Arch: arch}})
}

// Select returns the first backend serving arch without acquiring it.
func (p *Pool) Select(arch string) (*Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.backends {
		if p.backends[i].Arch == arch {
			b := p.backends[i]
			return &b, nil
		}
	}
	return nil, ErrNoAvailableBackend
}

// SelectAndAcquire picks a backend for arch that isn't already running a
// sandbox and marks it in use. Callers must Release the same address once
// the sandbox finishes.
func (p *Pool) SelectAndAcquire(arch string) (*Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.backends {
		b := &p.backends[i]
		if b.Arch != arch || p.inUse[b.Addr] {
			continue
		}
		p.inUse[b.Addr] = true
		result := *b
		return &result, nil
	}
	return nil, ErrNoAvailableBackend
}

// Release marks addr free again. Safe to call on an address that wasn't
// acquired.
func (p *Pool) Release(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, addr)
}

// List returns every backend in the pool.
func (p *Pool) List() []Backend {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]Backend, len(p.backends))
	copy(result, p.backends)
	return result
}

// ListByArch returns the backends serving the given architecture.
func (p *Pool) ListByArch(arch string) []Backend {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []Backend
	for _, b := range p.backends {
		if b.Arch == arch {
			result = append(result, b)
		}
	}
	return result
}

// Architectures returns the distinct architectures the pool can build for.
func (p *Pool) Architectures() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool)
	var archs []string
	for _, b := range p.backends {
		if !seen[b.Arch] {
			seen[b.Arch] = true
			archs = append(archs, b.Arch)
		}
	}
	return archs
}

// Status reports every backend's current availability.
func (p *Pool) Status() []BackendStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]BackendStatus, 0, len(p.backends))
	for _, b := range p.backends {
		result = append(result, BackendStatus{
			Backend: b,
			InUse:   p.inUse[b.Addr],
		})
	}
	return result
}

// Add registers a new backend. Returns an error if it's invalid or its
// address is already known.
func (p *Pool) Add(backend Backend) error {
	if backend.Addr == "" {
		return errors.New("addr is required")
	}
	if backend.Arch == "" {
		return errors.New("arch is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.backends {
		if b.Addr == backend.Addr {
			return fmt.Errorf("backend with addr %s already exists", backend.Addr)
		}
	}

	p.backends = append(p.backends, backend)
	return nil
}

// Remove drops a backend by address. Refuses to remove the last backend:
// a pool with zero backends can never select one again.
func (p *Pool) Remove(addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.backends) == 1 {
		return errors.New("cannot remove the last backend")
	}

	for i, b := range p.backends {
		if b.Addr == addr {
			p.backends = append(p.backends[:i], p.backends[i+1:]...)
			delete(p.inUse, addr)
			return nil
		}
	}
	return fmt.Errorf("backend with addr %s not found", addr)
}
