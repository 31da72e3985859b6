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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antbs-project/antbs/pkg/service/domain"
	"github.com/antbs-project/antbs/pkg/service/kv"
	"github.com/antbs-project/antbs/pkg/service/queue"
	"github.com/antbs-project/antbs/pkg/service/repoupdater"
	"github.com/antbs-project/antbs/pkg/service/review"
	"github.com/antbs-project/antbs/pkg/service/webhook"
)

// allowAdmin authenticates every request as an admin when allow is true,
// and rejects every request when it is false, for tests that exercise the
// admin-gated endpoints without a real identity provider.
type allowAdmin struct{ allow bool }

func (a allowAdmin) Authenticate(_ *http.Request) (Identity, bool) {
	if !a.allow {
		return Identity{}, false
	}
	return Identity{Name: "tester", Admin: true}, true
}

func newTestServer(t *testing.T, auth Authenticator) (*Server, kv.Store, queue.Store) {
	t.Helper()
	store := kv.NewMemory()
	qstore := queue.NewKVStore(store)
	wh := &webhook.Dispatcher{Store: store, Queue: qstore, ManualToken: "secret-token"}
	rv := &review.Reviewer{Store: store}
	return NewServer(store, qstore, wh, rv, nil, auth), store, qstore
}

func TestHandleHook_ManualTriggerEnqueuesTransaction(t *testing.T) {
	server, store, qstore := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/hook?phab=1&pkg=foo", nil)
	req.Header.Set("X-Antbs-Token", "secret-token")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	job, ok, err := qstore.Dequeue(context.Background(), queue.Transactions, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run_transaction", job.CallableID)
	_ = store
}

func TestHandleHook_ManualTriggerWrongTokenRejected(t *testing.T) {
	server, _, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/hook?phab=1&pkg=foo", nil)
	req.Header.Set("X-Antbs-Token", "wrong")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleHook_PingRespondsOK(t *testing.T) {
	server, _, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/hook", nil)
	req.Header.Set("X-Gitlab-Event", "System Hook")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "pong", resp["msg"])
}

func TestHandleHook_MethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/hook", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleAjax_RequiresAdmin(t *testing.T) {
	server, _, _ := newTestServer(t, allowAdmin{allow: false})

	req := httptest.NewRequest(http.MethodPost, "/api/ajax", bytes.NewBufferString(`{"pkg":"foo","result":"rebuild"}`))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleAjax_NoAuthenticatorConfiguredIsForbidden(t *testing.T) {
	server, _, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/ajax", bytes.NewBufferString(`{"pkg":"foo","result":"rebuild"}`))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleAjax_RebuildEnqueuesTransaction(t *testing.T) {
	server, _, qstore := newTestServer(t, allowAdmin{allow: true})

	req := httptest.NewRequest(http.MethodPost, "/api/ajax", bytes.NewBufferString(`{"pkg":"foo","result":"rebuild"}`))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	job, ok, err := qstore.Dequeue(context.Background(), queue.Transactions, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run_transaction", job.CallableID)
}

func TestHandleAjax_RemoveEnqueuesRepoUpdate(t *testing.T) {
	server, _, qstore := newTestServer(t, allowAdmin{allow: true})

	req := httptest.NewRequest(http.MethodPost, "/api/ajax", bytes.NewBufferString(`{"pkg":"foo","result":"remove"}`))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	job, ok, err := qstore.Dequeue(context.Background(), queue.UpdateRepo, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, repoupdater.RunCallable, job.CallableID)
}

func TestHandleAjax_ResetBuildQueueDrainsPendingJobs(t *testing.T) {
	server, _, qstore := newTestServer(t, allowAdmin{allow: true})

	job, err := queue.NewJob(queue.Transactions, "run_transaction", nil, 0)
	require.NoError(t, err)
	require.NoError(t, qstore.Enqueue(context.Background(), job))

	req := httptest.NewRequest(http.MethodPost, "/api/ajax?reset_build_queue=1", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	_, ok, err := qstore.Dequeue(context.Background(), queue.Transactions, 0)
	require.NoError(t, err)
	assert.False(t, ok, "queue should have been drained")
}

func TestHandleAjax_RerunTransactionReplaysEventPackages(t *testing.T) {
	server, store, qstore := newTestServer(t, allowAdmin{allow: true})

	ev, err := domain.EmitTimelineEvent(context.Background(), store, domain.TimelineGithubHook, "push", []string{"foo", "bar"})
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{"event_id": ev.EventID})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/ajax?rerun_transaction="+strconv.FormatInt(ev.EventID, 10), bytes.NewReader(body))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	job, ok, err := qstore.Dequeue(context.Background(), queue.Transactions, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run_transaction", job.CallableID)
}

func TestHandlePkgReview_RequiresAdmin(t *testing.T) {
	server, _, _ := newTestServer(t, allowAdmin{allow: false})

	req := httptest.NewRequest(http.MethodPost, "/pkg_review", bytes.NewBufferString(`{"bnum":1,"result":"passed"}`))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandlePkgReview_InvalidResultRejected(t *testing.T) {
	server, _, _ := newTestServer(t, allowAdmin{allow: true})

	req := httptest.NewRequest(http.MethodPost, "/pkg_review", bytes.NewBufferString(`{"bnum":1,"result":"maybe"}`))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}
