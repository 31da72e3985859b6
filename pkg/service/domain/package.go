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

// Package is a store-backed view of one buildable package. Name is the
// unique identifier; there is no separate integer id.
type Package struct {
	store kv.Store
	Name  string
}

// GetPackage returns a view of the package named name. Construction never
// touches the store and is idempotent: for a never-seen name, all declared
// fields simply read back their type zero-value until first written.
func GetPackage(store kv.Store, name string) *Package {
	return &Package{store: store, Name: name}
}

func (p *Package) field(f string) string { return pkgKey(p.Name, f) }

func (p *Package) Description(ctx context.Context) (string, error) {
	return p.store.GetString(ctx, p.field("description"))
}

func (p *Package) SetDescription(ctx context.Context, v string) error {
	return p.store.SetString(ctx, p.field("description"), v)
}

func (p *Package) PkgbuildPath(ctx context.Context) (string, error) {
	return p.store.GetString(ctx, p.field("pkgbuild_path"))
}

func (p *Package) SetPkgbuildPath(ctx context.Context, v string) error {
	return p.store.SetString(ctx, p.field("pkgbuild_path"), v)
}

func (p *Package) Groups(ctx context.Context) ([]string, error) {
	return p.store.SetMembers(ctx, p.field("groups"))
}

func (p *Package) Depends(ctx context.Context) ([]string, error) {
	return p.store.SetMembers(ctx, p.field("depends"))
}

func (p *Package) SetDepends(ctx context.Context, deps []string) error {
	if len(deps) == 0 {
		return nil
	}
	return p.store.SetAdd(ctx, p.field("depends"), deps...)
}

func (p *Package) AllowedIn(ctx context.Context) ([]string, error) {
	return p.store.SetMembers(ctx, p.field("allowed_in"))
}

func (p *Package) IsSplitPackage(ctx context.Context) (bool, error) {
	return p.store.GetBool(ctx, p.field("is_split_package"))
}

func (p *Package) SetIsSplitPackage(ctx context.Context, v bool) error {
	return p.store.SetBool(ctx, p.field("is_split_package"), v)
}

func (p *Package) SplitPackages(ctx context.Context) ([]string, error) {
	return p.store.SetMembers(ctx, p.field("split_packages"))
}

func (p *Package) SetSplitPackages(ctx context.Context, pkgs []string) error {
	if len(pkgs) == 0 {
		return nil
	}
	return p.store.SetAdd(ctx, p.field("split_packages"), pkgs...)
}

// Validate enforces the package invariant: a split package must declare at
// least one split-package name.
func (p *Package) Validate(ctx context.Context) error {
	split, err := p.IsSplitPackage(ctx)
	if err != nil {
		return err
	}
	if !split {
		return nil
	}
	names, err := p.SplitPackages(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("package %s: is_split_package but split_packages is empty", p.Name)
	}
	return nil
}

func (p *Package) Autosum(ctx context.Context) (bool, error) {
	return p.store.GetBool(ctx, p.field("autosum"))
}

func (p *Package) SetAutosum(ctx context.Context, v bool) error {
	return p.store.SetBool(ctx, p.field("autosum"), v)
}

func (p *Package) IsISO(ctx context.Context) (bool, error) {
	return p.store.GetBool(ctx, p.field("is_iso"))
}

func (p *Package) SetIsISO(ctx context.Context, v bool) error {
	return p.store.SetBool(ctx, p.field("is_iso"), v)
}

// Builds returns the build-ids associated with this package, oldest-first.
func (p *Package) Builds(ctx context.Context) ([]int64, error) {
	raw, err := p.store.ListRange(ctx, p.field("builds"))
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(raw))
	for _, s := range raw {
		var n int64
		if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
			out = append(out, n)
		}
	}
	return out, nil
}

// AppendBuild records a new build-id. Build-ids are allocated by a single
// global counter, so the list is strictly increasing by construction.
func (p *Package) AppendBuild(ctx context.Context, bnum int64) error {
	return p.store.ListPush(ctx, p.field("builds"), fmt.Sprintf("%d", bnum))
}

// PreviousBuild returns the build-id immediately before bnum in this
// package's build history, or (0, false) if bnum is the first (or not
// found).
func (p *Package) PreviousBuild(ctx context.Context, bnum int64) (int64, bool, error) {
	builds, err := p.Builds(ctx)
	if err != nil {
		return 0, false, err
	}
	for i, b := range builds {
		if b == bnum && i > 0 {
			return builds[i-1], true, nil
		}
	}
	return 0, false, nil
}

func (p *Package) SuccessRate(ctx context.Context) (int64, error) {
	return p.store.GetInt(ctx, p.field("success_rate"))
}

func (p *Package) SetSuccessRate(ctx context.Context, v int64) error {
	return p.store.SetInt(ctx, p.field("success_rate"), v)
}

func (p *Package) FailureRate(ctx context.Context) (int64, error) {
	return p.store.GetInt(ctx, p.field("failure_rate"))
}

func (p *Package) SetFailureRate(ctx context.Context, v int64) error {
	return p.store.SetInt(ctx, p.field("failure_rate"), v)
}
