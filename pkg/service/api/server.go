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

// Package api provides the HTTP surface for antbs-server: webhook
// ingestion, SSE build-output/status streams, and the admin-gated ajax
// and review endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/antbs-project/antbs/pkg/service/domain"
	"github.com/antbs-project/antbs/pkg/service/kv"
	"github.com/antbs-project/antbs/pkg/service/live"
	"github.com/antbs-project/antbs/pkg/service/monitor"
	"github.com/antbs-project/antbs/pkg/service/queue"
	"github.com/antbs-project/antbs/pkg/service/repoupdater"
	"github.com/antbs-project/antbs/pkg/service/review"
	"github.com/antbs-project/antbs/pkg/service/txn"
	"github.com/antbs-project/antbs/pkg/service/webhook"
)

// MaxBodySize bounds every decoded request body.
const MaxBodySize = 10 << 20

// Identity is the authenticated caller of an admin-gated request.
type Identity struct {
	Name  string
	Admin bool
}

// Authenticator resolves the caller's Identity from an inbound request.
// Admin-gated endpoints 403 when ok is false or Identity.Admin is false.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, bool)
}

// Server is the HTTP API server for antbs-server.
type Server struct {
	Store    kv.Store
	Queue    queue.Store
	Webhook  *webhook.Dispatcher
	Reviewer *review.Reviewer
	Monitor  *monitor.Monitor
	Auth     Authenticator

	mux *http.ServeMux
}

// NewServer wires up the route table.
func NewServer(store kv.Store, qstore queue.Store, wh *webhook.Dispatcher, rv *review.Reviewer, mon *monitor.Monitor, auth Authenticator) *Server {
	s := &Server{Store: store, Queue: qstore, Webhook: wh, Reviewer: rv, Monitor: mon, Auth: auth, mux: http.NewServeMux()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/hook", s.handleHook)
	s.mux.HandleFunc("/api/get_log", s.handleGetLog)
	s.mux.HandleFunc("/api/get_log/", s.handleGetLog)
	s.mux.HandleFunc("/api/get_status", s.handleGetStatus)
	s.mux.HandleFunc("/api/ajax", s.requireAdmin(s.handleAjax))
	s.mux.HandleFunc("/pkg_review", s.requireAdmin(s.handlePkgReview))
	s.mux.HandleFunc("/pkg_review/", s.requireAdmin(s.handlePkgReview))
}

// ServeHTTP implements http.Handler. Every request first gives the
// monitor a chance to run its upstream-change sweep, cheap once its TTL
// flag is fresh, before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Monitor != nil {
		if err := s.Monitor.MaybeCheck(r.Context()); err != nil {
			clog.FromContext(r.Context()).Warnf("api: monitor sweep: %v", err)
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Auth == nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		id, ok := s.Auth.Authenticate(r)
		if !ok || !id.Admin {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHook implements POST /api/hook: classify the inbound request and
// dispatch to the matching handler.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	log := clog.FromContext(ctx)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form: "+err.Error(), http.StatusBadRequest)
		return
	}
	in := webhook.ClassifyInput{Query: r.URL.Query(), Header: r.Header, RemoteAddr: r.RemoteAddr}

	kind, err := s.Webhook.Classify(ctx, in)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	switch kind {
	case webhook.KindManual:
		pkgname := r.URL.Query().Get("pkg")
		if pkgname == "" {
			http.Error(w, "pkg is required for a manual trigger", http.StatusBadRequest)
			return
		}
		if _, err := txn.Enqueue(ctx, s.Store, s.Queue, []string{pkgname}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"msg": "build triggered for " + pkgname})

	case webhook.KindInstallerStart:
		id, err := s.Webhook.HandleInstallStart(ctx, clientIPFromRequest(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"msg": "installer telemetry started", "install_id": id})

	case webhook.KindInstallerEnd:
		idStr := r.URL.Query().Get("install_id")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			http.Error(w, "install_id is required", http.StatusBadRequest)
			return
		}
		result := r.URL.Query().Get("result")
		if result == "" {
			result = r.Header.Get("X-Cnchi-Result")
		}
		if err := s.Webhook.HandleInstallEnd(ctx, id, result); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"msg": "installer telemetry recorded"})

	case webhook.KindPush:
		var ev webhook.PushEvent
		r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, "invalid push payload: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.Webhook.HandlePush(ctx, ev); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"msg": "push accepted"})

	case webhook.KindPing:
		writeJSON(w, http.StatusOK, map[string]string{"msg": "pong"})

	default:
		log.Infof("api: rejecting unclassified webhook request from %s", r.RemoteAddr)
		http.Error(w, "unrecognized webhook request", http.StatusForbidden)
	}
}

func clientIPFromRequest(r *http.Request) string {
	idx := strings.LastIndex(r.RemoteAddr, ":")
	if idx < 0 {
		return r.RemoteAddr
	}
	return r.RemoteAddr[:idx]
}

// handleGetLog implements GET /api/get_log[/<bnum>]: an SSE stream of
// event name "build_output", replaying the last known line before
// forwarding new ones, with keepalive comments on silence.
func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	bnumStr := strings.TrimPrefix(r.URL.Path, "/api/get_log")
	bnumStr = strings.TrimPrefix(bnumStr, "/")
	bnum, err := strconv.ParseInt(bnumStr, 10, 64)
	if err != nil {
		http.Error(w, "a numeric bnum path segment is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	setSSEHeaders(w)

	events := make(chan live.Event)
	ctx := r.Context()
	errCh := make(chan error, 1)
	go func() { errCh <- live.StreamBuildOutput(ctx, s.Store, bnum, events) }()

	pumpSSE(ctx, w, flusher, events, "build_output")
	<-errCh
}

// handleGetStatus implements GET /api/get_status: an SSE stream of event
// name "status", values "Idle." or the current human status string.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	setSSEHeaders(w)

	events := make(chan live.Event)
	ctx := r.Context()
	errCh := make(chan error, 1)
	go func() { errCh <- live.StreamStatus(ctx, s.Store, events) }()

	pumpSSE(ctx, w, flusher, events, "status")
	<-errCh
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// pumpSSE writes each live.Event as either a keepalive comment
// (Heartbeat) or a named SSE event, flushing after every write, until ctx
// is done or events closes.
func pumpSSE(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan live.Event, eventName string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Heartbeat {
				_, _ = w.Write([]byte(": keepalive\n\n"))
			} else {
				_, _ = w.Write([]byte("event: " + eventName + "\ndata: " + ev.Line + "\n\n"))
			}
			flusher.Flush()
		}
	}
}

// ajaxRequest is the JSON body of an admin "rebuild"/"remove" request.
type ajaxRequest struct {
	Pkg    string `json:"pkg"`
	Dev    string `json:"dev"`
	Result string `json:"result"` // "rebuild" or "remove"
}

// handleAjax implements POST /api/ajax: rebuild/remove a package, or one
// of the query-param admin actions (do_iso_release, reset_build_queue,
// rerun_transaction).
func (s *Server) handleAjax(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	q := r.URL.Query()

	if q.Has("reset_build_queue") {
		if err := s.Queue.Reset(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"msg": "build queue reset"})
		return
	}

	if q.Has("rerun_transaction") {
		eventID, err := strconv.ParseInt(q.Get("rerun_transaction"), 10, 64)
		if err != nil {
			http.Error(w, "rerun_transaction must be a numeric event id", http.StatusBadRequest)
			return
		}
		ev, err := domain.GetTimelineEvent(ctx, s.Store, eventID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if len(ev.Packages) == 0 {
			http.Error(w, "event has no associated packages to rerun", http.StatusBadRequest)
			return
		}
		tnum, err := txn.Enqueue(ctx, s.Store, s.Queue, ev.Packages)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"msg": "transaction re-queued", "tnum": tnum})
		return
	}

	if q.Has("do_iso_release") {
		tnum, err := txn.Enqueue(ctx, s.Store, s.Queue, []string{"antergos-x86_64", "antergos-i686"})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"msg": "iso release queued", "tnum": tnum})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
	var req ajaxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Pkg == "" {
		http.Error(w, "pkg is required", http.StatusBadRequest)
		return
	}

	switch req.Result {
	case "rebuild":
		tnum, err := txn.Enqueue(ctx, s.Store, s.Queue, []string{req.Pkg})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"msg": req.Pkg + " queued for rebuild", "tnum": tnum})

	case "remove":
		job, err := queue.NewJob(queue.UpdateRepo, repoupdater.RunCallable, repoupdater.Request{
			RepoName:     domain.RepoMain,
			Pkgname:      req.Pkg,
			PkgsToRemove: []string{req.Pkg},
		}, repoupdater.Timeout)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := s.Queue.Enqueue(ctx, job); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"msg": req.Pkg + " queued for removal"})

	default:
		http.Error(w, `result must be "rebuild" or "remove"`, http.StatusBadRequest)
	}
}

// handlePkgReview implements POST /pkg_review[/<page>]: apply a
// reviewer's verdict for a completed build.
func (s *Server) handlePkgReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)

	var req review.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	switch req.Result {
	case review.ResultPassed, review.ResultFailed, review.ResultSkip:
	default:
		http.Error(w, `result must be "passed", "failed", or "skip"`, http.StatusBadRequest)
		return
	}

	if err := s.Reviewer.Submit(r.Context(), req); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"msg": "review recorded"})
}
