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

package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ScalarRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SetString(ctx, "k", "v"))
	v, err := m.GetString(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, m.SetBool(ctx, "flag", true))
	b, err := m.GetBool(ctx, "flag")
	require.NoError(t, err)
	assert.True(t, b)
}

func TestMemory_Incr(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	n, err := m.Incr(ctx, "bnum:next")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = m.Incr(ctx, "bnum:next")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemory_ListIsInsertionOrdered(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.ListPush(ctx, "q", "a", "b", "c"))
	vals, err := m.ListRange(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, vals)

	v, ok, err := m.ListPopFront(ctx, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", v)

	vals, err = m.ListRange(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, vals)
}

func TestMemory_SetOps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SetAdd(ctx, "s", "x", "y"))
	ok, err := m.SetIsMember(ctx, "s", "x")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.SetRem(ctx, "s", "x"))
	ok, err = m.SetIsMember(ctx, "s", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_Expire(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SetString(ctx, "ttl-key", "v"))
	require.NoError(t, m.Expire(ctx, "ttl-key", 10*time.Millisecond))

	time.Sleep(30 * time.Millisecond)
	ok, err := m.Exists(ctx, "ttl-key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_PubSub(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	sub, err := m.Subscribe(ctx, "live:build_output:1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.Publish(ctx, "live:build_output:1", "hello"))

	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Payload)
}
