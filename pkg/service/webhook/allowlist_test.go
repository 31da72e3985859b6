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

package webhook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antbs-project/antbs/pkg/service/kv"
)

func TestGitHubAllowList_ContainsMatchesCachedBlock(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.SetString(ctx, githubIPBlocksKey, `{"hooks":["192.30.252.0/22"]}`))

	a := &GitHubAllowList{Store: store}
	ok, err := a.Contains(ctx, "192.30.252.1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGitHubAllowList_ContainsRejectsOutOfRangeIP(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.SetString(ctx, githubIPBlocksKey, `{"hooks":["192.30.252.0/22"]}`))

	a := &GitHubAllowList{Store: store}
	ok, err := a.Contains(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGitHubAllowList_ContainsRejectsUnparseableIP(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.SetString(ctx, githubIPBlocksKey, `{"hooks":["192.30.252.0/22"]}`))

	a := &GitHubAllowList{Store: store}
	ok, err := a.Contains(ctx, "not-an-ip")
	require.NoError(t, err)
	assert.False(t, ok)
}
