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

// Package repoupdater runs the repo-DB update step that follows a
// successful package build (or a human review decision): it invokes the
// external repo-DB tool in a sandbox, then re-runs reconciliation so the
// Repo entity's package sets reflect what's actually on disk.
package repoupdater

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/antbs-project/antbs/pkg/service/domain"
	"github.com/antbs-project/antbs/pkg/service/kv"
	"github.com/antbs-project/antbs/pkg/service/queue"
	"github.com/antbs-project/antbs/pkg/service/repo"
	"github.com/antbs-project/antbs/pkg/service/sandbox"
	"github.com/antbs-project/antbs/pkg/service/tracing"
)

// RunCallable is the queue.Job callable id for update_repo jobs. The
// queue has exactly one handler (Updater.Update), so this value is
// descriptive rather than a dispatch key.
const RunCallable = "update_repo"

// Timeout is the per-update sandbox deadline from the concurrency and
// resource model (2h40m).
const Timeout = 9600 * time.Second

// Request is the update_repo job payload.
type Request struct {
	RepoName     string   `json:"repo_name"`
	Bnum         int64    `json:"bnum"`
	Pkgname      string   `json:"pkgname"`
	PkgVer       string   `json:"pkg_ver"`
	ReviewResult string   `json:"review_result"`
	PkgsToAdd    []string `json:"pkgs_to_add"`
	PkgsToRemove []string `json:"pkgs_to_remove"`
	ReviewDriven bool     `json:"review_driven"`
}

// Updater performs one repo update. It is registered as the handler for
// the `update_repo` queue.
type Updater struct {
	Store      kv.Store
	Executor   sandbox.Executor
	Reconciler *repo.Reconciler

	// BasePath is the root the reconciler scans, `<BasePath>/<arch>/...`.
	BasePath string
}

// Update implements §4.F: save/restore human status around the sandboxed
// repo-DB tool invocation, then re-reconcile on success.
func (u *Updater) Update(ctx context.Context, req Request) error {
	ctx, span := tracing.StartSpan(ctx, "repoupdater.Update",
		trace.WithAttributes(
			attribute.String("repo", req.RepoName),
			attribute.String("pkgname", req.Pkgname),
			attribute.Int64("bnum", req.Bnum),
		),
	)
	defer span.End()

	log := clog.FromContext(ctx).With("repo", req.RepoName, "pkg", req.Pkgname)
	status := domain.GetServerStatus(u.Store)
	repoEntity := domain.GetRepo(u.Store, req.RepoName)

	priorStatus, err := status.CurrentStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading current status: %w", err)
	}
	if err := status.SetCurrentStatus(ctx, fmt.Sprintf("Updating %s database.", req.RepoName)); err != nil {
		return fmt.Errorf("setting update status: %w", err)
	}

	resultDir, err := repoEntity.Path(ctx)
	if err != nil {
		return fmt.Errorf("reading repo path: %w", err)
	}
	if resultDir == "" {
		resultDir = u.BasePath
	}
	if err := os.RemoveAll(resultDir); err != nil && !os.IsNotExist(err) {
		log.Warnf("removing stale result dir: %v", err)
	}
	if err := os.MkdirAll(resultDir, 0o755); err != nil {
		return fmt.Errorf("recreating result dir: %w", err)
	}

	repoDir := domain.RepoStaging
	if req.RepoName == domain.RepoMain {
		repoDir = domain.RepoMain
	}

	reviewResult := req.ReviewResult
	if reviewResult == "" {
		reviewResult = "false"
	}

	spec := sandbox.Spec{
		Name:    fmt.Sprintf("update-repo-%s-%d", req.RepoName, req.Bnum),
		Command: []string{"/bin/antbs-update-repo.sh"},
		Env: map[string]string{
			"_PKGNAME":     req.Pkgname,
			"_PKGVER":      req.PkgVer,
			"_RESULT":      reviewResult,
			"_UPDREPO":     "True",
			"_REPO":        req.RepoName,
			"_REPO_DIR":    repoDir,
			"_PKGS_ADD":    strings.Join(req.PkgsToAdd, " "),
			"_PKGS_REMOVE": strings.Join(req.PkgsToRemove, " "),
		},
		Binds: []sandbox.Bind{
			{HostPath: resultDir, ContainerPath: "/build/result"},
		},
	}

	handle, warn, err := u.Executor.Create(ctx, spec)
	if warn != nil {
		log.Warnf("repo update sandbox create warning: %v", warn)
	}
	if err != nil {
		u.restoreStatus(ctx, status, priorStatus)
		return fmt.Errorf("creating repo update sandbox: %w", err)
	}

	var logw io.Writer
	if !req.ReviewDriven {
		logw = &publishWriter{ctx: ctx, store: u.Store, bnum: req.Bnum}
	}
	if err := u.Executor.Start(ctx, handle, logw); err != nil {
		u.restoreStatus(ctx, status, priorStatus)
		return fmt.Errorf("starting repo update sandbox: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, Timeout)
	st, err := u.Executor.Wait(waitCtx, handle)
	cancel()
	if err != nil {
		u.restoreStatus(ctx, status, priorStatus)
		return fmt.Errorf("waiting on repo update sandbox: %w", err)
	}
	if st.ExitCode != 0 {
		u.restoreStatus(ctx, status, priorStatus)
		return fmt.Errorf("repo update for %s exited %d", req.RepoName, st.ExitCode)
	}

	if u.Reconciler != nil {
		if err := u.Reconciler.Reconcile(ctx, repoEntity, u.BasePath); err != nil {
			log.Errorf("reconciling %s after update: %v", req.RepoName, err)
		}
	}

	u.restoreStatus(ctx, status, priorStatus)
	return nil
}

// restoreStatus implements step 7: restore the prior human status, or, when
// there was none, go idle per the same check the transaction engine's
// teardown uses.
func (u *Updater) restoreStatus(ctx context.Context, status *domain.ServerStatus, prior string) {
	log := clog.FromContext(ctx)
	if prior != "" {
		if err := status.SetCurrentStatus(ctx, prior); err != nil {
			log.Errorf("restoring prior status: %v", err)
		}
		return
	}
	if err := status.MaybeGoIdle(ctx); err != nil {
		log.Errorf("checking idle after repo update: %v", err)
	}
}

type publishWriter struct {
	ctx   context.Context
	store kv.Store
	bnum  int64
}

func (w *publishWriter) Write(p []byte) (int, error) {
	line := string(p)
	if err := w.store.Publish(w.ctx, domain.BuildOutputChannel(w.bnum), line); err != nil {
		return 0, err
	}
	if err := w.store.SetString(w.ctx, domain.BuildLastLineKey(w.bnum), line); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Requester implements both txn.RepoUpdateRequester and
// review.RepoUpdateRequester by enqueueing an update_repo job against a
// fixed target repo. Two instances are wired in practice: one pointed at
// RepoName=domain.RepoStaging (handed to the transaction engine, per step
// 10's "normal incremental update" against staging) and one pointed at
// RepoName=domain.RepoMain with ReviewDriven=true (handed to the
// reviewer, since a promotion is the human-reviewed path).
type Requester struct {
	Store    kv.Store
	Queue    queue.Store
	RepoName string

	// ReviewDriven marks jobs built by this requester as originating from
	// a human review decision rather than a fresh build, matching
	// Request.ReviewDriven's effect on whether build output is streamed.
	ReviewDriven bool
}

// RequestUpdate builds and enqueues the update_repo job for pkgname's
// build bnum.
func (r *Requester) RequestUpdate(ctx context.Context, bnum int64, pkgname string) error {
	build := domain.GetBuild(r.Store, bnum)
	pkgver, err := build.VersionStr(ctx)
	if err != nil {
		return fmt.Errorf("reading version for build %d: %w", bnum, err)
	}

	req := Request{
		RepoName:     r.RepoName,
		Bnum:         bnum,
		Pkgname:      pkgname,
		PkgVer:       pkgver,
		ReviewDriven: r.ReviewDriven,
	}
	job, err := queue.NewJob(queue.UpdateRepo, RunCallable, req, Timeout)
	if err != nil {
		return fmt.Errorf("building update_repo job for %s: %w", pkgname, err)
	}
	return r.Queue.Enqueue(ctx, job)
}
