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

// Package signer invokes the external package-signing tool in a sandbox
// once a build finishes, the same way repoupdater invokes the repo-DB
// tool: a subprocess with exit-code discipline, bind-mounted to the
// build's result directory.
package signer

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/antbs-project/antbs/pkg/service/sandbox"
)

// Timeout bounds a single signing invocation.
const Timeout = 5 * time.Minute

// Sandbox signs completed package output by running an external signer
// binary against the bind-mounted result directory. It satisfies
// txn.Signer.
type Sandbox struct {
	Executor sandbox.Executor

	// Command is the signer's argv, e.g. []string{"/bin/antbs-sign-pkgs.sh"}.
	Command []string
}

// Sign implements txn.Signer: create, start and wait on a sandbox running
// Command against resultDir, bound at /build/result. A non-zero exit or a
// sandbox-create failure is reported as a signing failure, which the
// engine treats as a build failure per the error-handling design's
// signer-failed policy.
func (s *Sandbox) Sign(ctx context.Context, resultDir string) error {
	log := clog.FromContext(ctx).With("component", "signer")

	spec := sandbox.Spec{
		Name:    "sign-" + sandboxSuffix(resultDir),
		Command: s.Command,
		Binds: []sandbox.Bind{
			{HostPath: resultDir, ContainerPath: "/build/result"},
		},
	}

	handle, warn, err := s.Executor.Create(ctx, spec)
	if warn != nil {
		log.Warnf("signer sandbox create warning: %v", warn)
	}
	if err != nil {
		return fmt.Errorf("creating signer sandbox: %w", err)
	}
	defer func() {
		if err := s.Executor.Remove(context.Background(), handle); err != nil {
			log.Warnf("removing signer sandbox: %v", err)
		}
	}()

	if err := s.Executor.Start(ctx, handle, nil); err != nil {
		return fmt.Errorf("starting signer sandbox: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()
	st, err := s.Executor.Wait(waitCtx, handle)
	if err != nil {
		return fmt.Errorf("waiting on signer sandbox: %w", err)
	}
	if st.ExitCode != 0 {
		return fmt.Errorf("signer exited %d", st.ExitCode)
	}
	return nil
}

// sandboxSuffix derives a stable, namespace-safe suffix from a result
// directory path so repeated signs of the same build reuse one name.
func sandboxSuffix(resultDir string) string {
	h := uint32(2166136261)
	for i := 0; i < len(resultDir); i++ {
		h ^= uint32(resultDir[i])
		h *= 16777619
	}
	return fmt.Sprintf("%08x", h)
}
