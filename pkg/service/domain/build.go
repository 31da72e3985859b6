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

package domain

import (
	"context"
	"fmt"

	"github.com/antbs-project/antbs/pkg/service/kv"
)

// ReviewStatus is the human-review outcome for a completed build.
type ReviewStatus string

const (
	ReviewUnset   ReviewStatus = "unset"
	ReviewPending ReviewStatus = "pending"
	ReviewPassed  ReviewStatus = "passed"
	ReviewFailed  ReviewStatus = "failed"
	ReviewSkip    ReviewStatus = "skip"
)

// Build is a store-backed view of a single package build attempt.
type Build struct {
	store kv.Store
	Bnum  int64
}

// NewBuild allocates a fresh build-id and returns its view. Callers must
// still set Pkgname/Tnum/StartStr before using it.
func NewBuild(ctx context.Context, store kv.Store) (*Build, error) {
	bnum, err := store.Incr(ctx, CounterBnum)
	if err != nil {
		return nil, err
	}
	return &Build{store: store, Bnum: bnum}, nil
}

// GetBuild returns a view of an existing build.
func GetBuild(store kv.Store, bnum int64) *Build {
	return &Build{store: store, Bnum: bnum}
}

func (b *Build) field(f string) string { return buildKey(b.Bnum, f) }

func (b *Build) Pkgname(ctx context.Context) (string, error) {
	return b.store.GetString(ctx, b.field("pkgname"))
}

func (b *Build) SetPkgname(ctx context.Context, v string) error {
	return b.store.SetString(ctx, b.field("pkgname"), v)
}

func (b *Build) VersionStr(ctx context.Context) (string, error) {
	return b.store.GetString(ctx, b.field("version_str"))
}

func (b *Build) SetVersionStr(ctx context.Context, v string) error {
	return b.store.SetString(ctx, b.field("version_str"), v)
}

func (b *Build) Tnum(ctx context.Context) (int64, error) {
	return b.store.GetInt(ctx, b.field("tnum"))
}

func (b *Build) SetTnum(ctx context.Context, v int64) error {
	return b.store.SetInt(ctx, b.field("tnum"), v)
}

func (b *Build) StartStr(ctx context.Context) (string, error) {
	return b.store.GetString(ctx, b.field("start_str"))
}

func (b *Build) SetStartStr(ctx context.Context, v string) error {
	return b.store.SetString(ctx, b.field("start_str"), v)
}

func (b *Build) EndStr(ctx context.Context) (string, error) {
	return b.store.GetString(ctx, b.field("end_str"))
}

func (b *Build) SetEndStr(ctx context.Context, v string) error {
	return b.store.SetString(ctx, b.field("end_str"), v)
}

func (b *Build) Container(ctx context.Context) (string, error) {
	return b.store.GetString(ctx, b.field("container"))
}

func (b *Build) SetContainer(ctx context.Context, handle string) error {
	return b.store.SetString(ctx, b.field("container"), handle)
}

func (b *Build) Completed(ctx context.Context) (bool, error) {
	return b.store.GetBool(ctx, b.field("completed"))
}

func (b *Build) Failed(ctx context.Context) (bool, error) {
	return b.store.GetBool(ctx, b.field("failed"))
}

// MarkCompleted sets completed=true, failed=false. It is an error to call
// this after MarkFailed has already been called for the same build — the
// completed XOR failed invariant is enforced here, at the single point
// both transitions pass through.
func (b *Build) MarkCompleted(ctx context.Context) error {
	failed, err := b.Failed(ctx)
	if err != nil {
		return err
	}
	if failed {
		return fmt.Errorf("build %d: already marked failed, cannot mark completed", b.Bnum)
	}
	return b.store.SetBool(ctx, b.field("completed"), true)
}

func (b *Build) MarkFailed(ctx context.Context) error {
	completed, err := b.Completed(ctx)
	if err != nil {
		return err
	}
	if completed {
		return fmt.Errorf("build %d: already marked completed, cannot mark failed", b.Bnum)
	}
	return b.store.SetBool(ctx, b.field("failed"), true)
}

func (b *Build) ReviewStatus(ctx context.Context) (ReviewStatus, error) {
	s, err := b.store.GetString(ctx, b.field("review_status"))
	if err != nil {
		return ReviewUnset, err
	}
	if s == "" {
		return ReviewUnset, nil
	}
	return ReviewStatus(s), nil
}

func (b *Build) SetReviewStatus(ctx context.Context, s ReviewStatus) error {
	return b.store.SetString(ctx, b.field("review_status"), string(s))
}
