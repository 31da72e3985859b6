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

package repoupdater

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antbs-project/antbs/pkg/service/domain"
	"github.com/antbs-project/antbs/pkg/service/kv"
	"github.com/antbs-project/antbs/pkg/service/queue"
	"github.com/antbs-project/antbs/pkg/service/repo"
	"github.com/antbs-project/antbs/pkg/service/sandbox"
)

type fakeExecutor struct {
	exitCode int
	err      error
	started  bool
}

func (f *fakeExecutor) Create(_ context.Context, spec sandbox.Spec) (sandbox.Handle, error, error) {
	return sandbox.Handle(spec.Name), nil, nil
}

func (f *fakeExecutor) Start(_ context.Context, _ sandbox.Handle, logw io.Writer) error {
	f.started = true
	if logw != nil {
		_, _ = logw.Write([]byte("updating repo\n"))
	}
	return nil
}

func (f *fakeExecutor) Wait(_ context.Context, _ sandbox.Handle) (sandbox.Status, error) {
	if f.err != nil {
		return sandbox.Status{}, f.err
	}
	return sandbox.Status{Done: true, ExitCode: f.exitCode}, nil
}

func (f *fakeExecutor) Inspect(_ context.Context, _ sandbox.Handle) (sandbox.Status, error) {
	return sandbox.Status{Done: true, ExitCode: f.exitCode}, nil
}

func (f *fakeExecutor) Remove(_ context.Context, _ sandbox.Handle) error { return nil }

func (f *fakeExecutor) RemoveByName(_ context.Context, _ string) error { return nil }

func TestUpdater_Update_RestoresPriorStatusOnSuccess(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	status := domain.GetServerStatus(store)
	require.NoError(t, status.SetCurrentStatus(ctx, "Building foo"))

	exec := &fakeExecutor{exitCode: 0}
	u := &Updater{
		Store:      store,
		Executor:   exec,
		Reconciler: repo.NewReconciler("x86_64"),
		BasePath:   t.TempDir(),
	}

	err := u.Update(ctx, Request{RepoName: domain.RepoStaging, Bnum: 1, Pkgname: "foo", PkgVer: "1.0-1"})
	require.NoError(t, err)
	assert.True(t, exec.started)

	cur, err := status.CurrentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Building foo", cur)
}

func TestUpdater_Update_FailsOnNonZeroExit(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()

	exec := &fakeExecutor{exitCode: 1}
	u := &Updater{
		Store:      store,
		Executor:   exec,
		Reconciler: repo.NewReconciler("x86_64"),
		BasePath:   t.TempDir(),
	}

	err := u.Update(ctx, Request{RepoName: domain.RepoMain, Bnum: 2, Pkgname: "bar"})
	assert.Error(t, err)
}

func TestUpdater_Update_GoesIdleWithNoPriorStatus(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()

	exec := &fakeExecutor{exitCode: 0}
	u := &Updater{
		Store:      store,
		Executor:   exec,
		Reconciler: repo.NewReconciler("x86_64"),
		BasePath:   t.TempDir(),
	}

	require.NoError(t, u.Update(ctx, Request{RepoName: domain.RepoStaging, Bnum: 3, Pkgname: "baz"}))

	status := domain.GetServerStatus(store)
	idle, err := status.Idle(ctx)
	require.NoError(t, err)
	assert.True(t, idle)
}

func TestRequester_RequestUpdateEnqueuesJobWithBuildVersion(t *testing.T) {
	store := kv.NewMemory()
	qstore := queue.NewKVStore(store)
	ctx := context.Background()

	build := domain.GetBuild(store, 7)
	require.NoError(t, build.SetVersionStr(ctx, "2.0-3"))

	r := &Requester{Store: store, Queue: qstore, RepoName: domain.RepoMain, ReviewDriven: true}
	require.NoError(t, r.RequestUpdate(ctx, 7, "foo"))

	job, ok, err := qstore.Dequeue(ctx, queue.UpdateRepo, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, RunCallable, job.CallableID)

	var req Request
	require.NoError(t, json.Unmarshal(job.Args, &req))
	assert.Equal(t, domain.RepoMain, req.RepoName)
	assert.Equal(t, "foo", req.Pkgname)
	assert.Equal(t, "2.0-3", req.PkgVer)
	assert.True(t, req.ReviewDriven)
}
