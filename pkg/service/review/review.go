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

// Package review implements the human review step on a completed build:
// §4's reviewer submits "passed", "failed", or "skip" for a bnum, and this
// package moves the matching staging artifacts accordingly. "passed"
// copies matching files from the per-arch staging directories to the
// matching main directories and removes them from staging; "failed" and
// "skip" both just remove them from staging, sharing one code path (Open
// Question #2: "failed" behaves like "skip" on the artifact side).
package review

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"

	"github.com/antbs-project/antbs/pkg/service/domain"
	"github.com/antbs-project/antbs/pkg/service/kv"
	"github.com/antbs-project/antbs/pkg/service/repo"
)

// Result is a reviewer's submitted verdict for a build.
type Result string

const (
	ResultPassed Result = "passed"
	ResultFailed Result = "failed"
	ResultSkip   Result = "skip"
)

// Request is a pkg_review submission.
type Request struct {
	Bnum   int64
	Dev    string
	Result Result
}

// RepoUpdateRequester enqueues a repo update job once a promotion changes
// a repo's contents; a failed or skipped review requests none.
type RepoUpdateRequester interface {
	RequestUpdate(ctx context.Context, bnum int64, pkgname string) error
}

// Paths resolves the four flat per-arch directories §6 names:
// STAGING_64, STAGING_32, MAIN_64, MAIN_32, plus any configured extra
// promotion destinations (Open Question #1 — no default /tmp copy).
type Paths struct {
	Staging64 string
	Staging32 string
	Main64    string
	Main32    string

	// ExtraPromotionDestinations receive the same copy a "passed" result
	// sends to Main64/Main32, configured per Open Question #1, default
	// empty.
	ExtraPromotionDestinations []string
}

// Reviewer applies reviewer verdicts to staged build artifacts.
type Reviewer struct {
	Store       kv.Store
	Paths       Paths
	RepoUpdates RepoUpdateRequester
}

// Submit implements S4/S5: look up the build's package/version, find
// matching files in staging, promote or discard them, record the
// verdict, and (on promotion) request a repo update against main.
func (rv *Reviewer) Submit(ctx context.Context, req Request) error {
	log := clog.FromContext(ctx)

	build := domain.GetBuild(rv.Store, req.Bnum)
	pkgname, err := build.Pkgname(ctx)
	if err != nil {
		return fmt.Errorf("reading pkgname for build %d: %w", req.Bnum, err)
	}
	if pkgname == "" {
		return fmt.Errorf("build %d has no recorded pkgname", req.Bnum)
	}

	promote := req.Result == ResultPassed

	matched64, err := rv.apply(rv.Paths.Staging64, rv.Paths.Main64, pkgname, promote)
	if err != nil {
		return fmt.Errorf("reviewing %s (x86_64): %w", pkgname, err)
	}
	matched32, err := rv.apply(rv.Paths.Staging32, rv.Paths.Main32, pkgname, promote)
	if err != nil {
		return fmt.Errorf("reviewing %s (i686): %w", pkgname, err)
	}

	if err := build.SetReviewStatus(ctx, domain.ReviewStatus(req.Result)); err != nil {
		return fmt.Errorf("recording review status for build %d: %w", req.Bnum, err)
	}

	if !promote {
		log.Infof("review: %s dropped from staging (%s), matched %d files", pkgname, req.Result, matched64+matched32)
		return nil
	}

	for _, dest := range rv.Paths.ExtraPromotionDestinations {
		if _, err := rv.apply(rv.Paths.Staging64, dest, pkgname, true); err != nil {
			log.Warnf("review: copying %s to extra destination %s: %v", pkgname, dest, err)
		}
	}

	log.Infof("review: %s promoted to main, %d files", pkgname, matched64+matched32)
	if rv.RepoUpdates != nil {
		if err := rv.RepoUpdates.RequestUpdate(ctx, req.Bnum, pkgname); err != nil {
			return fmt.Errorf("requesting repo update after promoting %s: %w", pkgname, err)
		}
	}
	return nil
}

// apply copies (if promote) or just removes every file in stagingDir whose
// parsed package name matches pkgname, returning the match count.
func (rv *Reviewer) apply(stagingDir, mainDir, pkgname string, promote bool) (int, error) {
	if stagingDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	matched := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		parsed, ok := repo.ParsePackageFilename(e.Name())
		if !ok || parsed.Name != pkgname {
			continue
		}
		matched++

		src := filepath.Join(stagingDir, e.Name())
		if promote && mainDir != "" {
			if err := os.MkdirAll(mainDir, 0o755); err != nil {
				return matched, err
			}
			if err := copyFile(src, filepath.Join(mainDir, e.Name())); err != nil {
				return matched, err
			}
		}
		if err := os.Remove(src); err != nil {
			return matched, err
		}
	}
	return matched, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
