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

package signer

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antbs-project/antbs/pkg/service/sandbox"
)

// fakeExecutor is an in-memory sandbox.Executor whose exit code is
// pre-programmed, for deterministic signer tests.
type fakeExecutor struct {
	exitCode   int
	created    []sandbox.Spec
	removed    []sandbox.Handle
	createErr  error
	createWarn error
	startErr   error
	waitErr    error
}

func (f *fakeExecutor) Create(_ context.Context, spec sandbox.Spec) (sandbox.Handle, error, error) {
	f.created = append(f.created, spec)
	return sandbox.Handle(spec.Name), f.createWarn, f.createErr
}

func (f *fakeExecutor) Start(_ context.Context, _ sandbox.Handle, _ io.Writer) error {
	return f.startErr
}

func (f *fakeExecutor) Wait(_ context.Context, _ sandbox.Handle) (sandbox.Status, error) {
	if f.waitErr != nil {
		return sandbox.Status{}, f.waitErr
	}
	return sandbox.Status{Done: true, ExitCode: f.exitCode}, nil
}

func (f *fakeExecutor) Inspect(_ context.Context, _ sandbox.Handle) (sandbox.Status, error) {
	return sandbox.Status{Done: true, ExitCode: f.exitCode}, nil
}

func (f *fakeExecutor) Remove(_ context.Context, handle sandbox.Handle) error {
	f.removed = append(f.removed, handle)
	return nil
}

func (f *fakeExecutor) RemoveByName(_ context.Context, _ string) error { return nil }

func TestSandbox_SignSuccess(t *testing.T) {
	exec := &fakeExecutor{exitCode: 0}
	s := &Sandbox{Executor: exec, Command: []string{"/bin/antbs-sign-pkgs.sh"}}

	require.NoError(t, s.Sign(context.Background(), "/tmp/result/foo"))

	require.Len(t, exec.created, 1)
	assert.Equal(t, []string{"/bin/antbs-sign-pkgs.sh"}, exec.created[0].Command)
	require.Len(t, exec.created[0].Binds, 1)
	assert.Equal(t, "/tmp/result/foo", exec.created[0].Binds[0].HostPath)
	assert.Equal(t, "/build/result", exec.created[0].Binds[0].ContainerPath)
	assert.Len(t, exec.removed, 1)
}

func TestSandbox_SignNonZeroExitIsFailure(t *testing.T) {
	exec := &fakeExecutor{exitCode: 1}
	s := &Sandbox{Executor: exec, Command: []string{"/bin/antbs-sign-pkgs.sh"}}

	err := s.Sign(context.Background(), "/tmp/result/foo")
	assert.Error(t, err)
}

func TestSandbox_SignSameDirReusesSandboxName(t *testing.T) {
	exec := &fakeExecutor{exitCode: 0}
	s := &Sandbox{Executor: exec, Command: []string{"/bin/antbs-sign-pkgs.sh"}}

	require.NoError(t, s.Sign(context.Background(), "/tmp/result/foo"))
	require.NoError(t, s.Sign(context.Background(), "/tmp/result/foo"))

	require.Len(t, exec.created, 2)
	assert.Equal(t, exec.created[0].Name, exec.created[1].Name)
}
