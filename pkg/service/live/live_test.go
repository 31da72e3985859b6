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

package live

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antbs-project/antbs/pkg/service/domain"
	"github.com/antbs-project/antbs/pkg/service/kv"
)

func TestStreamBuildOutput_ReplaysLastLineThenForwardsNew(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.SetString(ctx, domain.BuildLastLineKey(42), "previous line"))

	out := make(chan Event, 8)
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		_ = StreamBuildOutput(streamCtx, store, 42, out)
	}()

	first := <-out
	assert.Equal(t, "previous line", first.Line)

	// Give the subscriber a moment to register before publishing.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.Publish(ctx, domain.BuildOutputChannel(42), "new line"))

	second := <-out
	assert.Equal(t, "new line", second.Line)
}

func TestStreamBuildOutput_NoLastLineSkipsReplay(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()

	out := make(chan Event, 8)
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		_ = StreamBuildOutput(streamCtx, store, 99, out)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.Publish(ctx, domain.BuildOutputChannel(99), "only line"))

	ev := <-out
	assert.Equal(t, "only line", ev.Line)
	assert.False(t, ev.Heartbeat)
}

func TestStreamStatus_ForwardsTransitions(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()

	out := make(chan Event, 8)
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		_ = StreamStatus(streamCtx, store, out)
	}()

	time.Sleep(20 * time.Millisecond)
	status := domain.GetServerStatus(store)
	require.NoError(t, status.SetIdle(ctx, true))

	ev := <-out
	assert.Equal(t, "Idle.", ev.Line)
}
