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

package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antbs-project/antbs/pkg/service/kv"
)

type fakeChecker struct {
	host    string
	changes []UpstreamChange
	calls   int
}

func (f *fakeChecker) Host() string { return f.host }

func (f *fakeChecker) Check(_ context.Context) ([]UpstreamChange, error) {
	f.calls++
	return f.changes, nil
}

type fakeHandler struct {
	handled []UpstreamChange
}

func (f *fakeHandler) HandleUpstreamChange(_ context.Context, change UpstreamChange) error {
	f.handled = append(f.handled, change)
	return nil
}

func TestMonitor_MaybeCheck_RunsWhenStale(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	checker := &fakeChecker{host: "github.com", changes: []UpstreamChange{{Pkgname: "foo", Ref: "main"}}}
	handler := &fakeHandler{}
	m := &Monitor{Store: store, Checkers: []SourceChecker{checker}, Handler: handler}

	require.NoError(t, m.MaybeCheck(ctx))

	assert.Equal(t, 1, checker.calls)
	require.Len(t, handler.handled, 1)
	assert.Equal(t, "foo", handler.handled[0].Pkgname)
}

func TestMonitor_MaybeCheck_SkipsWhenRecentlyChecked(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	checker := &fakeChecker{host: "github.com"}
	m := &Monitor{Store: store, Checkers: []SourceChecker{checker}}

	require.NoError(t, m.MaybeCheck(ctx))
	require.NoError(t, m.MaybeCheck(ctx))

	assert.Equal(t, 1, checker.calls, "second call within the TTL window should be a no-op")
}
