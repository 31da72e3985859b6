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

package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antbs-project/antbs/pkg/service/kv"
)

func TestBuild_CompletedFailedMutuallyExclusive(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	b, err := NewBuild(ctx, store)
	require.NoError(t, err)

	require.NoError(t, b.MarkCompleted(ctx))
	assert.Error(t, b.MarkFailed(ctx))

	completed, err := b.Completed(ctx)
	require.NoError(t, err)
	failed, err := b.Failed(ctx)
	require.NoError(t, err)
	assert.True(t, completed)
	assert.False(t, failed)
}

func TestPackage_SplitPackageInvariant(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	p := GetPackage(store, "foo")
	require.NoError(t, p.SetIsSplitPackage(ctx, true))

	assert.Error(t, p.Validate(ctx))

	require.NoError(t, p.SetSplitPackages(ctx, []string{"foo-doc"}))
	assert.NoError(t, p.Validate(ctx))
}

func TestPackage_BuildsStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	p := GetPackage(store, "foo")
	for i := 0; i < 3; i++ {
		b, err := NewBuild(ctx, store)
		require.NoError(t, err)
		require.NoError(t, p.AppendBuild(ctx, b.Bnum))
	}

	builds, err := p.Builds(ctx)
	require.NoError(t, err)
	require.Len(t, builds, 3)
	for i := 1; i < len(builds); i++ {
		assert.Greater(t, builds[i], builds[i-1])
	}
}

func TestPackage_PreviousBuildReturnsPriorBuild(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	p := GetPackage(store, "foo")
	b1, err := NewBuild(ctx, store)
	require.NoError(t, err)
	require.NoError(t, p.AppendBuild(ctx, b1.Bnum))
	require.NoError(t, b1.SetReviewStatus(ctx, ReviewPending))

	b2, err := NewBuild(ctx, store)
	require.NoError(t, err)
	require.NoError(t, p.AppendBuild(ctx, b2.Bnum))

	prev, ok, err := p.PreviousBuild(ctx, b2.Bnum)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b1.Bnum, prev)
}

func TestTransaction_RunningFinishedMutuallyExclusive(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	txn, err := NewTransaction(ctx, store)
	require.NoError(t, err)

	require.NoError(t, txn.Start(ctx))
	running, err := txn.IsRunning(ctx)
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, txn.Finish(ctx))
	running, err = txn.IsRunning(ctx)
	require.NoError(t, err)
	finished, err := txn.IsFinished(ctx)
	require.NoError(t, err)
	assert.False(t, running)
	assert.True(t, finished)
}

func TestServerStatus_HookQueueDrainPreservesOrder(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	s := GetServerStatus(store)

	require.NoError(t, s.PushHookQueue(ctx, "pkg-a"))
	require.NoError(t, s.PushHookQueue(ctx, "pkg-b"))

	names, err := s.DrainHookQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg-a", "pkg-b"}, names)

	names, err = s.HookQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestServerStatus_IdleTransitionPublishesOnce(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	s := GetServerStatus(store)

	sub, err := store.Subscribe(ctx, StatusChannel)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.SetIdle(ctx, true))
	require.NoError(t, s.SetIdle(ctx, true)) // no-op, must not republish

	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Idle.", msg.Payload)
}

func TestRepo_ReconciliationInvariant(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	r := GetRepo(store, RepoMain)

	fs := []string{"a|1.0-1", "b|2.0-1"}
	alpm := []string{"b|2.0-1", "c|3.0-1"}
	require.NoError(t, r.ReplaceSets(ctx, fs, alpm, []string{"b"}, []string{"a", "c"}))

	packages, err := r.Packages(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b"}, packages)

	unaccounted, err := r.UnaccountedFor(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, unaccounted)
}
