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
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antbs-project/antbs/pkg/service/domain"
	"github.com/antbs-project/antbs/pkg/service/kv"
	"github.com/antbs-project/antbs/pkg/service/queue"
)

type fakeAllowList struct {
	allowed map[string]bool
}

func (f *fakeAllowList) Contains(_ context.Context, ip string) (bool, error) {
	return f.allowed[ip], nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, kv.Store, queue.Store) {
	t.Helper()
	store := kv.NewMemory()
	qstore := queue.NewKVStore(store)
	return &Dispatcher{
		Store:       store,
		Queue:       qstore,
		ManualToken: "s3cret",
		GitHubIPs:   &fakeAllowList{allowed: map[string]bool{"1.2.3.4": true}},
	}, store, qstore
}

func TestDispatcher_Classify_ManualTrigger(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	in := ClassifyInput{
		Query:  url.Values{"phab": {"1"}},
		Header: http.Header{"X-Antbs-Token": {"s3cret"}},
	}
	kind, err := d.Classify(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, KindManual, kind)
}

func TestDispatcher_Classify_ManualTriggerRejectsWrongToken(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	in := ClassifyInput{
		Query:  url.Values{"phab": {"1"}},
		Header: http.Header{"X-Antbs-Token": {"wrong"}},
	}
	kind, err := d.Classify(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, kind)
}

func TestDispatcher_Classify_InstallerStartAndEnd(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	start, err := d.Classify(context.Background(), ClassifyInput{Query: url.Values{"cnchi": {"1"}}, Header: http.Header{}})
	require.NoError(t, err)
	assert.Equal(t, KindInstallerStart, start)

	end, err := d.Classify(context.Background(), ClassifyInput{Query: url.Values{"cnchi": {"1"}, "end": {"1"}}, Header: http.Header{}})
	require.NoError(t, err)
	assert.Equal(t, KindInstallerEnd, end)
}

func TestDispatcher_Classify_GitlabPushAndPing(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	push, err := d.Classify(context.Background(), ClassifyInput{Query: url.Values{}, Header: http.Header{"X-Gitlab-Event": {"Push Hook"}}})
	require.NoError(t, err)
	assert.Equal(t, KindPush, push)

	other, err := d.Classify(context.Background(), ClassifyInput{Query: url.Values{}, Header: http.Header{"X-Gitlab-Event": {"Tag Push Hook"}}})
	require.NoError(t, err)
	assert.Equal(t, KindPing, other)
}

func TestDispatcher_Classify_GithubPushVerifiesIPAllowList(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	allowed, err := d.Classify(context.Background(), ClassifyInput{
		Query:      url.Values{},
		Header:     http.Header{"X-Github-Event": {"push"}},
		RemoteAddr: "1.2.3.4:5555",
	})
	require.NoError(t, err)
	assert.Equal(t, KindPush, allowed)

	denied, err := d.Classify(context.Background(), ClassifyInput{
		Query:      url.Values{},
		Header:     http.Header{"X-Github-Event": {"push"}},
		RemoteAddr: "9.9.9.9:5555",
	})
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, denied)
}

func TestDispatcher_HandlePush_ExtractsDedupesAndSkipsISO(t *testing.T) {
	d, store, qstore := newTestDispatcher(t)
	ctx := context.Background()

	ev := PushEvent{
		Commits: []Commit{
			{AddedOrModified: []string{"foo/PKGBUILD", "foo/PKGBUILD.sig"}},
			{AddedOrModified: []string{"bar/PKGBUILD", "antergos-iso/PKGBUILD", "unrelated/README.md"}},
		},
	}
	require.NoError(t, d.HandlePush(ctx, ev))

	status := domain.GetServerStatus(store)
	queued, err := status.HookQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"foo", "bar"}, queued)

	job, ok, err := qstore.Dequeue(ctx, queue.Transactions, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TransactionBuilderCallable, job.CallableID)
}

func TestDispatcher_HandlePush_RateLimitsNumixIconTheme(t *testing.T) {
	d, _, qstore := newTestDispatcher(t)
	ctx := context.Background()

	ev := PushEvent{Source: "numix-icon-theme", Commits: []Commit{{AddedOrModified: []string{"numix-icon-theme/PKGBUILD"}}}}
	require.NoError(t, d.HandlePush(ctx, ev))
	require.NoError(t, d.HandlePush(ctx, ev))

	_, ok, err := qstore.Dequeue(ctx, queue.Transactions, 0)
	require.NoError(t, err)
	require.True(t, ok, "first push should have enqueued a transaction-builder job")

	_, ok, err = qstore.Dequeue(ctx, queue.Transactions, 0)
	require.NoError(t, err)
	assert.False(t, ok, "second push within the rate-limit window should be dropped")
}

func TestDispatcher_InstallerTelemetry(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	id, err := d.HandleInstallStart(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	require.NoError(t, d.HandleInstallEnd(ctx, id, "success"))
}
