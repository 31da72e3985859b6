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

// Package txn implements the transaction engine: the component that turns
// a fixed set of package names into a dependency-ordered build queue and
// drives it through the sandbox one package at a time.
package txn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/antbs-project/antbs/pkg/service/domain"
	"github.com/antbs-project/antbs/pkg/service/kv"
	"github.com/antbs-project/antbs/pkg/service/queue"
	"github.com/antbs-project/antbs/pkg/service/recipe"
	"github.com/antbs-project/antbs/pkg/service/sandbox"
	"github.com/antbs-project/antbs/pkg/service/tracing"
)

// Timeouts from the concurrency and resource model: a package build gets
// up to 23.5 hours, a repo update up to 2h40m. A transaction itself has no
// overall deadline — it runs until its queue is empty.
const (
	PackageBuildTimeout = 84600 * time.Second
	RepoUpdateTimeout   = 9600 * time.Second

	isoRetries = 2
)

// Signer signs a completed package build's output before repo hand-off.
// The signing tool itself is external to this process.
type Signer interface {
	Sign(ctx context.Context, resultDir string) error
}

// RepoUpdateRequester hands a finished build off to the repo updater,
// queuing `update_repo` work against the staging repo rather than
// running the update inline.
type RepoUpdateRequester interface {
	RequestUpdate(ctx context.Context, bnum int64, pkgname string) error
}

// Engine runs transactions to completion. One Engine instance is shared
// across the single `transactions` queue worker; transactions are never
// run concurrently with each other, and the packages within one are built
// strictly one after another by the build loop below (a single sandbox at
// a time reflects the real machine's build-host capacity).
type Engine struct {
	Store       kv.Store
	Executor    sandbox.Executor
	Signer      Signer
	RepoUpdates RepoUpdateRequester
	Handlers    []SpecialCaseHandler

	// BaseDir is the root under which each transaction gets its own
	// working directory, `<BaseDir>/<tnum>_<rand>/`.
	BaseDir string
	// RecipeRepoURL/RecipeRepoRef locate the central recipe repository.
	RecipeRepoURL string
	RecipeRepoRef string

	// OpenRecipes overrides how the recipe repository is obtained for this
	// transaction; tests substitute a local checkout here instead of
	// cloning over the network. Nil means clone RecipeRepoURL/Ref.
	OpenRecipes func(ctx context.Context) (*recipe.Repository, error)
}

func (e *Engine) openRecipes(ctx context.Context) (*recipe.Repository, error) {
	if e.OpenRecipes != nil {
		return e.OpenRecipes(ctx)
	}
	return recipe.Clone(ctx, e.RecipeRepoURL, e.RecipeRepoRef)
}

// Run drives one transaction from setup through teardown. The queue
// worker calls this once per `transactions` job; Run itself never
// retries — a failed setup aborts the transaction and Run returns nil so
// the job is acked rather than redelivered (redelivering a transaction
// would re-run packages that already built).
func (e *Engine) Run(ctx context.Context, tnum int64) error {
	ctx, span := tracing.StartSpan(ctx, "txn.Run",
		trace.WithAttributes(attribute.Int64("tnum", tnum)),
	)
	defer span.End()

	log := clog.FromContext(ctx).With("tnum", tnum)
	t := domain.GetTransaction(e.Store, tnum)
	status := domain.GetServerStatus(e.Store)

	if err := e.setup(ctx, t, status); err != nil {
		log.Errorf("transaction %d: setup failed: %v", tnum, err)
		return e.teardown(ctx, t, status)
	}

	for {
		pkgname, ok, err := t.PopQueue(ctx)
		if err != nil {
			log.Errorf("transaction %d: popping queue: %v", tnum, err)
			break
		}
		if !ok {
			break
		}
		if err := t.SetBuilding(ctx, pkgname); err != nil {
			log.Errorf("transaction %d: recording building=%s: %v", tnum, pkgname, err)
		}

		if isISOName(pkgname) {
			e.buildISO(ctx, t, pkgname)
		} else {
			e.buildPackage(ctx, t, pkgname)
		}

		if err := t.SetBuilding(ctx, ""); err != nil {
			log.Errorf("transaction %d: clearing building: %v", tnum, err)
		}
	}

	return e.teardown(ctx, t, status)
}

// setup implements §4.E.1: acquire the running markers, create the
// transaction's working directory tree, clone the recipe repository, and
// plan the build order. A clone failure is fatal to the whole
// transaction — there is nothing to build without recipes.
func (e *Engine) setup(ctx context.Context, t *domain.Transaction, status *domain.ServerStatus) error {
	ctx, span := tracing.StartSpan(ctx, "txn.setup")
	defer span.End()

	if err := t.Start(ctx); err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	if err := status.AddTransactionRunning(ctx, t.Tnum); err != nil {
		return fmt.Errorf("recording transaction running: %w", err)
	}
	if err := status.SetIdle(ctx, false); err != nil {
		return fmt.Errorf("clearing idle: %w", err)
	}
	if err := t.SetStartStr(ctx, time.Now().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("recording start time: %w", err)
	}

	work := filepath.Join(e.BaseDir, fmt.Sprintf("%d_%s", t.Tnum, randSuffix()))
	for _, sub := range []string{"antergos-packages", "result", "upd_result"} {
		if err := os.MkdirAll(filepath.Join(work, sub), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", sub, err)
		}
	}
	if err := t.SetPath(ctx, work); err != nil {
		return fmt.Errorf("recording working directory: %w", err)
	}
	if err := t.SetResultDir(ctx, filepath.Join(work, "result")); err != nil {
		return fmt.Errorf("recording result directory: %w", err)
	}

	recipes, err := e.openRecipes(ctx)
	if err != nil {
		return fmt.Errorf("cloning recipe repository: %w", err)
	}
	defer recipes.Close()

	return e.plan(ctx, t, recipes)
}

// plan implements §4.E.2: for every package in the transaction's fixed
// set, locate its recipe, parse its current version, intersect its
// declared dependencies against the transaction's own package set, run
// the special-case handlers, then topologically sort what's left into
// the build queue. Packages whose recipe can't be found or parsed are
// dropped with a log line, not a fatal error. Dependencies on packages
// outside the set are ignored. A cycle, or a dependency on a package of
// the set that was dropped, aborts the whole transaction, since there is
// no well-defined build order left to follow.
func (e *Engine) plan(ctx context.Context, t *domain.Transaction, recipes *recipe.Repository) error {
	ctx, span := tracing.StartSpan(ctx, "txn.plan")
	defer span.End()

	log := clog.FromContext(ctx)

	names, err := t.Packages(ctx)
	if err != nil {
		return fmt.Errorf("reading transaction package set: %w", err)
	}
	inSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		inSet[n] = struct{}{}
	}

	var planned []string
	deps := make(map[string][]string)

	for _, pkgname := range names {
		dir, ok := recipes.Locate(pkgname)
		if !ok {
			log.Warnf("transaction %d: no recipe directory for %s, skipping", t.Tnum, pkgname)
			continue
		}

		fields, err := recipes.ReadFields(pkgname)
		if err != nil {
			log.Warnf("transaction %d: unreadable PKGBUILD for %s, skipping: %v", t.Tnum, pkgname, err)
			continue
		}
		version := fields.Version()
		if version == "" {
			log.Warnf("transaction %d: unparseable version for %s, skipping", t.Tnum, pkgname)
			continue
		}

		pkg := domain.GetPackage(e.Store, pkgname)
		if err := pkg.SetDescription(ctx, fields.PkgDesc); err != nil {
			return fmt.Errorf("recording description for %s: %w", pkgname, err)
		}
		if err := pkg.SetPkgbuildPath(ctx, filepath.Join(dir, "PKGBUILD")); err != nil {
			return fmt.Errorf("recording pkgbuild path for %s: %w", pkgname, err)
		}

		var inTxnDeps []string
		for _, d := range append(append([]string{}, fields.Depends...), fields.MakeDepends...) {
			if _, ok := inSet[d]; ok {
				inTxnDeps = append(inTxnDeps, d)
			}
		}
		deps[pkgname] = inTxnDeps

		if err := applyHandlers(ctx, e.Handlers, pkgname, dir); err != nil {
			return fmt.Errorf("applying special-case handler for %s: %w", pkgname, err)
		}

		planned = append(planned, pkgname)
	}

	plannedSet := make(map[string]struct{}, len(planned))
	for _, n := range planned {
		plannedSet[n] = struct{}{}
	}
	for _, n := range planned {
		for _, d := range deps[n] {
			if _, ok := plannedSet[d]; !ok {
				return fmt.Errorf("ordering build queue: %s depends on %s, which was dropped from the plan", n, d)
			}
		}
	}

	order, err := TopoSort(planned, deps)
	if err != nil {
		return fmt.Errorf("ordering build queue: %w", err)
	}
	return t.SetQueue(ctx, order)
}

// buildPackage implements §4.E.4: build pkgname in a sandbox, sign and
// hand off its result to the repo updater on success, emit a build-fail
// event on failure.
func (e *Engine) buildPackage(ctx context.Context, t *domain.Transaction, pkgname string) {
	ctx, span := tracing.StartSpan(ctx, "txn.buildPackage",
		trace.WithAttributes(attribute.String("pkgname", pkgname), attribute.Int64("tnum", t.Tnum)),
	)
	defer span.End()

	log := clog.FromContext(ctx).With("pkg", pkgname, "tnum", t.Tnum)

	build, err := domain.NewBuild(ctx, e.Store)
	if err != nil {
		log.Errorf("allocating build id for %s: %v", pkgname, err)
		return
	}
	bnum := build.Bnum

	if err := build.SetPkgname(ctx, pkgname); err != nil {
		log.Errorf("build %d: recording pkgname: %v", bnum, err)
	}
	if err := build.SetTnum(ctx, t.Tnum); err != nil {
		log.Errorf("build %d: recording tnum: %v", bnum, err)
	}
	if err := build.SetStartStr(ctx, time.Now().Format(time.RFC3339)); err != nil {
		log.Errorf("build %d: recording start time: %v", bnum, err)
	}
	pkg := domain.GetPackage(e.Store, pkgname)
	if err := pkg.AppendBuild(ctx, bnum); err != nil {
		log.Errorf("build %d: appending to package history: %v", bnum, err)
	}
	if err := t.AddBuild(ctx, bnum); err != nil {
		log.Errorf("build %d: recording in transaction: %v", bnum, err)
	}

	status := domain.GetServerStatus(e.Store)
	if err := status.PushNowBuilding(ctx, bnum); err != nil {
		log.Errorf("build %d: recording now_building: %v", bnum, err)
	}
	if err := status.SetCurrentStatus(ctx, fmt.Sprintf("Building %s", pkgname)); err != nil {
		log.Errorf("build %d: recording current status: %v", bnum, err)
	}
	defer func() {
		if err := status.RemoveNowBuilding(ctx, bnum); err != nil {
			log.Errorf("build %d: clearing now_building: %v", bnum, err)
		}
	}()

	resultDir, err := t.ResultDir(ctx)
	if err != nil {
		log.Errorf("build %d: reading result dir: %v", bnum, err)
		return
	}
	buildDir := filepath.Join(resultDir, pkgname)
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		log.Errorf("build %d: creating build dir: %v", bnum, err)
		e.failBuild(ctx, t, build, pkgname, log)
		return
	}

	pkgbuildPath, err := pkg.PkgbuildPath(ctx)
	if err != nil {
		log.Errorf("build %d: reading pkgbuild path: %v", bnum, err)
	}
	recipeDir := filepath.Dir(pkgbuildPath)

	if err := e.Executor.RemoveByName(ctx, pkgname); err != nil {
		log.Warnf("build %d: pre-cleaning prior sandbox: %v", bnum, err)
	}

	autosum, _ := pkg.Autosum(ctx)
	spec := sandbox.Spec{
		Name:    pkgname,
		Command: []string{"/bin/antbs-build.sh"},
		Env: map[string]string{
			"_AUTOSUMS": strconv.FormatBool(autosum),
			"_ALEXPKG":  pkgname,
		},
		Binds: []sandbox.Bind{
			{HostPath: recipeDir, ContainerPath: "/build/pkg", ReadOnly: false},
			{HostPath: buildDir, ContainerPath: "/build/result", ReadOnly: false},
		},
		Workdir: "/build/pkg",
	}

	handle, warn, err := e.Executor.Create(ctx, spec)
	if warn != nil {
		log.Warnf("build %d: sandbox create warning: %v", bnum, warn)
	}
	if err != nil {
		log.Errorf("build %d: creating sandbox: %v", bnum, err)
		e.failBuild(ctx, t, build, pkgname, log)
		return
	}
	if err := build.SetContainer(ctx, string(handle)); err != nil {
		log.Errorf("build %d: recording container handle: %v", bnum, err)
	}

	logw := &publishWriter{ctx: ctx, store: e.Store, bnum: bnum}
	if err := e.Executor.Start(ctx, handle, logw); err != nil {
		log.Errorf("build %d: starting sandbox: %v", bnum, err)
		e.failBuild(ctx, t, build, pkgname, log)
		return
	}

	buildCtx, cancel := context.WithTimeout(ctx, PackageBuildTimeout)
	st, err := e.Executor.Wait(buildCtx, handle)
	cancel()
	if err != nil {
		log.Errorf("build %d: waiting on sandbox: %v", bnum, err)
		e.failBuild(ctx, t, build, pkgname, log)
		return
	}

	if err := build.SetEndStr(ctx, time.Now().Format(time.RFC3339)); err != nil {
		log.Errorf("build %d: recording end time: %v", bnum, err)
	}

	if st.ExitCode == 0 {
		if e.passBuild(ctx, t, build, pkg, pkgname, buildDir, log) {
			e.applyPreviousBuildSkipRule(ctx, pkg, pkgname, bnum, log)
		}
	} else {
		e.failBuild(ctx, t, build, pkgname, log)
	}
}

// applyPreviousBuildSkipRule implements step 13: once this build has
// passed, find the package's immediately preceding build and, if it's
// still sitting in review_status=pending (nobody reviewed it before this
// newer build superseded it), mark it skip so it stops showing up in the
// review queue for a package version nobody will ever promote now.
func (e *Engine) applyPreviousBuildSkipRule(ctx context.Context, pkg *domain.Package, pkgname string, bnum int64, log *clog.Logger) {
	prev, ok, err := pkg.PreviousBuild(ctx, bnum)
	if err != nil {
		log.Warnf("build %d: reading previous build for %s: %v", bnum, pkgname, err)
		return
	}
	if !ok || prev == bnum {
		return
	}
	prevBuild := domain.GetBuild(e.Store, prev)
	reviewStatus, err := prevBuild.ReviewStatus(ctx)
	if err != nil {
		log.Warnf("build %d: reading previous build %d review status: %v", bnum, prev, err)
		return
	}
	if reviewStatus != domain.ReviewPending {
		return
	}
	if err := prevBuild.SetReviewStatus(ctx, domain.ReviewSkip); err != nil {
		log.Errorf("build %d: skipping previous build %d: %v", bnum, prev, err)
	}
}

// passBuild returns whether the build ultimately succeeded: a failed sign
// falls through to failBuild and reports false so the caller skips the
// previous-build skip rule for a build that didn't actually pass.
func (e *Engine) passBuild(ctx context.Context, t *domain.Transaction, build *domain.Build, pkg *domain.Package, pkgname, buildDir string, log *clog.Logger) bool {
	if e.Signer != nil {
		if err := e.Signer.Sign(ctx, buildDir); err != nil {
			log.Errorf("build %d: signing %s: %v", build.Bnum, pkgname, err)
			e.failBuild(ctx, t, build, pkgname, log)
			return false
		}
	}
	if err := build.SetReviewStatus(ctx, domain.ReviewPending); err != nil {
		log.Errorf("build %d: setting review status: %v", build.Bnum, err)
	}
	if err := build.MarkCompleted(ctx); err != nil {
		log.Errorf("build %d: marking completed: %v", build.Bnum, err)
	}
	if err := t.AddCompleted(ctx, build.Bnum); err != nil {
		log.Errorf("build %d: recording transaction completed: %v", build.Bnum, err)
	}
	status := domain.GetServerStatus(e.Store)
	if err := status.AddCompleted(ctx, build.Bnum); err != nil {
		log.Errorf("build %d: recording server completed: %v", build.Bnum, err)
	}
	e.updateSuccessRate(ctx, pkg, log)

	if _, err := domain.EmitTimelineEvent(ctx, e.Store, domain.TimelineBuildPass, fmt.Sprintf("%s built successfully", pkgname), []string{pkgname}); err != nil {
		log.Errorf("build %d: emitting build-pass event: %v", build.Bnum, err)
	}

	if e.RepoUpdates != nil {
		if err := e.RepoUpdates.RequestUpdate(ctx, build.Bnum, pkgname); err != nil {
			log.Errorf("build %d: requesting repo update: %v", build.Bnum, err)
		}
	}
	return true
}

func (e *Engine) failBuild(ctx context.Context, t *domain.Transaction, build *domain.Build, pkgname string, log *clog.Logger) {
	if err := build.MarkFailed(ctx); err != nil {
		log.Errorf("build %d: marking failed: %v", build.Bnum, err)
	}
	if err := t.AddFailed(ctx, build.Bnum); err != nil {
		log.Errorf("build %d: recording transaction failed: %v", build.Bnum, err)
	}
	status := domain.GetServerStatus(e.Store)
	if err := status.AddFailed(ctx, build.Bnum); err != nil {
		log.Errorf("build %d: recording server failed: %v", build.Bnum, err)
	}
	pkg := domain.GetPackage(e.Store, pkgname)
	e.updateSuccessRate(ctx, pkg, log)

	if _, err := domain.EmitTimelineEvent(ctx, e.Store, domain.TimelineBuildFail, fmt.Sprintf("%s failed to build", pkgname), []string{pkgname}); err != nil {
		log.Errorf("build %d: emitting build-fail event: %v", build.Bnum, err)
	}
}

// updateSuccessRate recomputes a package's success/failure rates as
// integer percentages over its full build history.
func (e *Engine) updateSuccessRate(ctx context.Context, pkg *domain.Package, log *clog.Logger) {
	builds, err := pkg.Builds(ctx)
	if err != nil {
		log.Warnf("updating success rate for %s: %v", pkg.Name, err)
		return
	}
	total := len(builds)
	if total == 0 {
		return
	}
	completed := 0
	for _, bnum := range builds {
		b := domain.GetBuild(e.Store, bnum)
		ok, err := b.Completed(ctx)
		if err != nil {
			continue
		}
		if ok {
			completed++
		}
	}
	successPct := int64(completed * 100 / total)
	if err := pkg.SetSuccessRate(ctx, successPct); err != nil {
		log.Warnf("setting success rate for %s: %v", pkg.Name, err)
	}
	if err := pkg.SetFailureRate(ctx, 100-successPct); err != nil {
		log.Warnf("setting failure rate for %s: %v", pkg.Name, err)
	}
}

// buildISO implements §4.E.5: structurally identical to buildPackage, but
// success is judged by comparing the produced file count against a
// snapshot baseline rather than a signed package artifact, there is no
// signing step, and a failed attempt is restarted up to isoRetries times
// before being recorded as a final failure.
func (e *Engine) buildISO(ctx context.Context, t *domain.Transaction, pkgname string) {
	ctx, span := tracing.StartSpan(ctx, "txn.buildISO",
		trace.WithAttributes(attribute.String("pkgname", pkgname), attribute.Int64("tnum", t.Tnum)),
	)
	defer span.End()

	log := clog.FromContext(ctx).With("pkg", pkgname, "tnum", t.Tnum)

	for attempt := 0; attempt <= isoRetries; attempt++ {
		build, err := domain.NewBuild(ctx, e.Store)
		if err != nil {
			log.Errorf("allocating ISO build id: %v", err)
			return
		}
		if err := build.SetPkgname(ctx, pkgname); err != nil {
			log.Errorf("build %d: recording pkgname: %v", build.Bnum, err)
		}
		if err := build.SetTnum(ctx, t.Tnum); err != nil {
			log.Errorf("build %d: recording tnum: %v", build.Bnum, err)
		}
		if err := build.SetStartStr(ctx, time.Now().Format(time.RFC3339)); err != nil {
			log.Errorf("build %d: recording start time: %v", build.Bnum, err)
		}
		if err := t.AddBuild(ctx, build.Bnum); err != nil {
			log.Errorf("build %d: recording in transaction: %v", build.Bnum, err)
		}

		resultDir, err := t.ResultDir(ctx)
		if err != nil {
			log.Errorf("build %d: reading result dir: %v", build.Bnum, err)
			e.failBuild(ctx, t, build, pkgname, log)
			continue
		}
		baselineCount := countFiles(resultDir)

		spec := sandbox.Spec{
			Name:    pkgname,
			Command: []string{"/bin/antbs-iso-build.sh"},
			Env:     map[string]string{"_ALEXPKG": pkgname},
			Binds: []sandbox.Bind{
				{HostPath: resultDir, ContainerPath: "/build/result", ReadOnly: false},
			},
		}
		handle, warn, err := e.Executor.Create(ctx, spec)
		if warn != nil {
			log.Warnf("build %d: sandbox create warning: %v", build.Bnum, warn)
		}
		if err != nil {
			log.Errorf("build %d: creating ISO sandbox: %v", build.Bnum, err)
			e.failBuild(ctx, t, build, pkgname, log)
			continue
		}
		if err := build.SetContainer(ctx, string(handle)); err != nil {
			log.Errorf("build %d: recording container handle: %v", build.Bnum, err)
		}

		logw := &publishWriter{ctx: ctx, store: e.Store, bnum: build.Bnum}
		if err := e.Executor.Start(ctx, handle, logw); err != nil {
			log.Errorf("build %d: starting ISO sandbox: %v", build.Bnum, err)
			e.failBuild(ctx, t, build, pkgname, log)
			continue
		}

		buildCtx, cancel := context.WithTimeout(ctx, PackageBuildTimeout)
		_, err = e.Executor.Wait(buildCtx, handle)
		cancel()
		if err := build.SetEndStr(ctx, time.Now().Format(time.RFC3339)); err != nil {
			log.Errorf("build %d: recording end time: %v", build.Bnum, err)
		}
		if err != nil {
			log.Errorf("build %d: waiting on ISO sandbox: %v", build.Bnum, err)
			e.failBuild(ctx, t, build, pkgname, log)
			continue
		}

		if countFiles(resultDir) > baselineCount {
			if err := build.MarkCompleted(ctx); err != nil {
				log.Errorf("build %d: marking ISO completed: %v", build.Bnum, err)
			}
			if err := t.AddCompleted(ctx, build.Bnum); err != nil {
				log.Errorf("build %d: recording transaction completed: %v", build.Bnum, err)
			}
			return
		}
		e.failBuild(ctx, t, build, pkgname, log)
	}
	log.Errorf("ISO build for %s exhausted its %d retries", pkgname, isoRetries)
}

// teardown implements §4.E.6.
func (e *Engine) teardown(ctx context.Context, t *domain.Transaction, status *domain.ServerStatus) error {
	ctx, span := tracing.StartSpan(ctx, "txn.teardown")
	defer span.End()

	log := clog.FromContext(ctx)
	if err := t.SetEndStr(ctx, time.Now().Format(time.RFC3339)); err != nil {
		log.Errorf("transaction %d: recording end time: %v", t.Tnum, err)
	}
	if err := t.Finish(ctx); err != nil {
		log.Errorf("transaction %d: finishing: %v", t.Tnum, err)
	}
	if err := status.RemoveTransactionRunning(ctx, t.Tnum); err != nil {
		log.Errorf("transaction %d: clearing running marker: %v", t.Tnum, err)
	}
	return status.MaybeGoIdle(ctx)
}

// isISOName reports whether pkgname names an architecture-specific ISO
// master rather than an ordinary package.
func isISOName(pkgname string) bool {
	return strings.Contains(pkgname, "-x86_64") || strings.Contains(pkgname, "-i686")
}

func countFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}

func randSuffix() string {
	return strconv.FormatInt(time.Now().UnixNano()%1_000_000, 36)
}

// publishWriter streams a build's sandbox output to the live-output
// channel as it's produced, and keeps the last line around for late SSE
// joiners, matching the multiplexer's two storage needs.
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

// RunCallable is the transactions queue's callable id for a job that runs
// one already-created Transaction; its Args are a TransactionArgs.
const RunCallable = "run_transaction"

// TransactionArgs is the queue.Job argument payload for RunCallable.
type TransactionArgs struct {
	Tnum int64 `json:"tnum"`
}

// Enqueue creates a new Transaction holding packages and pushes a
// RunCallable job onto the transactions queue to drive it, the shared
// path every caller that wants a transaction built (the hook-queue drain,
// a manual rebuild, an ajax "rebuild" action) funnels through.
func Enqueue(ctx context.Context, store kv.Store, queueStore queue.Store, packages []string) (int64, error) {
	t, err := domain.NewTransaction(ctx, store)
	if err != nil {
		return 0, fmt.Errorf("allocating transaction: %w", err)
	}
	if err := t.SetPackages(ctx, packages); err != nil {
		return 0, fmt.Errorf("setting transaction %d packages: %w", t.Tnum, err)
	}

	job, err := queue.NewJob(queue.Transactions, RunCallable, TransactionArgs{Tnum: t.Tnum}, 0)
	if err != nil {
		return 0, fmt.Errorf("building transaction job for %d: %w", t.Tnum, err)
	}
	if err := queueStore.Enqueue(ctx, job); err != nil {
		return 0, fmt.Errorf("enqueuing transaction job for %d: %w", t.Tnum, err)
	}
	return t.Tnum, nil
}
