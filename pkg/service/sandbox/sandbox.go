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

// Package sandbox executes a package build (or repo-update, or ISO-master)
// script inside an isolated environment. Two backends implement Executor:
// a local os/exec runner for daemon-less development and tests, and a
// BuildKit-backed runner for production use.
package sandbox

import (
	"context"
	"io"
)

// Bind is a host-directory-to-container-path bind mount.
type Bind struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Spec describes the sandbox to create: the command to run, its
// environment, and its filesystem bindings. Name namespaces the sandbox
// (the engine names it after the package), so pre-cleaning by name between
// build attempts is well-defined.
type Spec struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string
	Binds   []Bind
	Workdir string
}

// Handle identifies a created sandbox to later Start/Wait/Inspect/Remove
// calls.
type Handle string

// Status summarizes a sandbox's terminal state.
type Status struct {
	Running  bool
	ExitCode int
	Done     bool
}

// Executor creates, runs, and inspects sandboxes. Implementations
// translate backend-specific success/failure signaling (a raw process exit
// code for the local backend, a solve error for the BuildKit backend) into
// this uniform Status.
type Executor interface {
	// Create prepares (but does not start) a sandbox from spec. A
	// non-fatal warning is returned as warn even on success; callers log
	// it and continue per §4.E.4 step 6.
	Create(ctx context.Context, spec Spec) (handle Handle, warn error, err error)

	// Start begins executing the sandbox's command. Output from the
	// command is written to log as it's produced.
	Start(ctx context.Context, handle Handle, log io.Writer) error

	// Wait blocks until the sandbox exits or ctx is done.
	Wait(ctx context.Context, handle Handle) (Status, error)

	// Inspect returns the sandbox's current status without blocking.
	Inspect(ctx context.Context, handle Handle) (Status, error)

	// Remove cleans up any resources (containers, temp dirs) for handle.
	Remove(ctx context.Context, handle Handle) error

	// RemoveByName pre-cleans any sandbox previously created under name,
	// used before starting a new attempt for the same package.
	RemoveByName(ctx context.Context, name string) error
}
