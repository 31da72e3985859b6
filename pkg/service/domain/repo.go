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

	"github.com/antbs-project/antbs/pkg/service/kv"
)

// Repo names. There are exactly two repos in the system.
const (
	RepoMain    = "main"
	RepoStaging = "staging"
)

// Repo is a store-backed view of one published repository. Only the repo
// updater component may mutate a Repo's index; other components may read
// freely.
type Repo struct {
	store kv.Store
	Name  string
}

// GetRepo returns a view of the repo named name. Each call allocates a new
// view; nothing is cached. Identity is not meaningful, only Name equality
// is: views with the same Name read and write the same stored fields.
func GetRepo(store kv.Store, name string) *Repo {
	return &Repo{store: store, Name: name}
}

func (r *Repo) field(f string) string { return repoKey(r.Name, f) }

func (r *Repo) Path(ctx context.Context) (string, error) {
	return r.store.GetString(ctx, r.field("path"))
}

func (r *Repo) SetPath(ctx context.Context, v string) error {
	return r.store.SetString(ctx, r.field("path"), v)
}

// Packages is the intersection set: names present on disk and in the
// package-manager DB.
func (r *Repo) Packages(ctx context.Context) ([]string, error) {
	return r.store.SetMembers(ctx, r.field("packages"))
}

// PkgsFS is the filesystem scan result, encoded "name|version-release".
func (r *Repo) PkgsFS(ctx context.Context) ([]string, error) {
	return r.store.SetMembers(ctx, r.field("pkgs_fs"))
}

// PkgsALPM is the package-manager DB scan result, same encoding.
func (r *Repo) PkgsALPM(ctx context.Context) ([]string, error) {
	return r.store.SetMembers(ctx, r.field("pkgs_alpm"))
}

// UnaccountedFor is the symmetric-difference set: present on exactly one
// side of the filesystem/DB pair.
func (r *Repo) UnaccountedFor(ctx context.Context) ([]string, error) {
	return r.store.SetMembers(ctx, r.field("unaccounted_for"))
}

func (r *Repo) PkgCountFS(ctx context.Context) (int64, error) {
	return r.store.GetInt(ctx, r.field("pkg_count_fs"))
}

func (r *Repo) PkgCountALPM(ctx context.Context) (int64, error) {
	return r.store.GetInt(ctx, r.field("pkg_count_alpm"))
}

func (r *Repo) Locked(ctx context.Context) (bool, error) {
	return r.store.GetBool(ctx, r.field("locked"))
}

func (r *Repo) SetLocked(ctx context.Context, v bool) error {
	return r.store.SetBool(ctx, r.field("locked"), v)
}

// ReplaceSets overwrites pkgs_fs, pkgs_alpm, packages and unaccounted_for
// atomically from the reconciler's point of view (sequential replace; the
// repo updater is the sole writer so no external race is possible). It
// also updates the two count fields.
func (r *Repo) ReplaceSets(ctx context.Context, pkgsFS, pkgsALPM, packages, unaccounted []string) error {
	for _, pair := range []struct {
		field string
		vals  []string
	}{
		{"pkgs_fs", pkgsFS},
		{"pkgs_alpm", pkgsALPM},
		{"packages", packages},
		{"unaccounted_for", unaccounted},
	} {
		key := r.field(pair.field)
		existing, err := r.store.SetMembers(ctx, key)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			if err := r.store.SetRem(ctx, key, existing...); err != nil {
				return err
			}
		}
		if len(pair.vals) > 0 {
			if err := r.store.SetAdd(ctx, key, pair.vals...); err != nil {
				return err
			}
		}
	}
	if err := r.store.SetInt(ctx, r.field("pkg_count_fs"), int64(len(pkgsFS))); err != nil {
		return err
	}
	return r.store.SetInt(ctx, r.field("pkg_count_alpm"), int64(len(pkgsALPM)))
}
