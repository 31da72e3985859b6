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

// Package recipe resolves PKGBUILD recipes out of the central recipe
// repository: one clone, one directory per package, each containing a
// PKGBUILD plus whatever else the package needs to build.
package recipe

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/chainguard-dev/clog"

	antbsgit "github.com/antbs-project/antbs/pkg/service/git"
)

// Repository is a cloned recipe repository: a directory with one
// subdirectory per package name, each holding a PKGBUILD.
type Repository struct {
	dir     string
	cleanup func()
}

// Clone clones url (at ref, if non-empty) and returns a Repository. Callers
// must call Close when done to remove the temp clone.
func Clone(ctx context.Context, url, ref string) (*Repository, error) {
	src := &antbsgit.Source{Repository: url, Ref: ref}
	dir, cleanup, err := src.Clone(ctx)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, err
	}
	return &Repository{dir: dir, cleanup: cleanup}, nil
}

// Open wraps an already-checked-out directory as a Repository, with no
// cleanup on Close. Used by tests and by any caller that manages the
// recipe checkout's lifecycle itself.
func Open(dir string) *Repository {
	return &Repository{dir: dir}
}

// Close removes the underlying clone.
func (r *Repository) Close() {
	if r.cleanup != nil {
		r.cleanup()
	}
}

// ListPackages returns every package name that contains a PKGBUILD file,
// scanning both the top level of the clone and its cinnamon subdirectory.
func (r *Repository) ListPackages(ctx context.Context) ([]string, error) {
	log := clog.FromContext(ctx)
	seen := make(map[string]bool)
	var out []string
	for _, sub := range recipeSubdirs {
		entries, err := os.ReadDir(filepath.Join(r.dir, sub))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || seen[e.Name()] {
				continue
			}
			pkgbuild := filepath.Join(r.dir, sub, e.Name(), "PKGBUILD")
			if _, err := os.Stat(pkgbuild); err != nil {
				continue
			}
			seen[e.Name()] = true
			out = append(out, e.Name())
		}
	}
	log.Debugf("recipe: found %d packages in %s", len(out), r.dir)
	return out, nil
}

// recipeSubdirs lists the candidate locations for a package's recipe
// directory, tried in order. cinnamon packages live in their own
// subdirectory of the recipe repository; everything else is top-level.
var recipeSubdirs = []string{"cinnamon", ""}

// Locate finds pkgname's recipe directory, trying "cinnamon/<pkg>" before
// "<pkg>". The first candidate containing a PKGBUILD wins; ok is false if
// neither does, which is not fatal for the transaction as a whole — only
// for this one package.
func (r *Repository) Locate(pkgname string) (dir string, ok bool) {
	for _, sub := range recipeSubdirs {
		candidate := filepath.Join(r.dir, sub, pkgname)
		if _, err := os.Stat(filepath.Join(candidate, "PKGBUILD")); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// PKGBUILDPath returns the path to pkgname's PKGBUILD within the clone,
// trying the same candidate locations as Locate.
func (r *Repository) PKGBUILDPath(pkgname string) string {
	if dir, ok := r.Locate(pkgname); ok {
		return filepath.Join(dir, "PKGBUILD")
	}
	return filepath.Join(r.dir, pkgname, "PKGBUILD")
}

// pkgbuildFieldRe matches simple scalar/array field assignments like
// `pkgdesc="..."` or `depends=(a b c)`. It deliberately does not attempt to
// be a full shell parser — PKGBUILDs are shell scripts, and the handful of
// fields this orchestrator cares about (pkgdesc, depends, groups,
// makedepends) are near-universally written as simple literal assignments.
var pkgbuildFieldRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)

// Fields holds the subset of PKGBUILD metadata the orchestrator inspects.
type Fields struct {
	PkgVer      string
	PkgRel      string
	PkgDesc     string
	Depends     []string
	MakeDepends []string
	Groups      []string
}

// Version returns the combined "pkgver-pkgrel" string, or empty if either
// half is missing, matching "parse the current version; unparseable or
// empty means drop this package from the transaction."
func (f Fields) Version() string {
	if f.PkgVer == "" || f.PkgRel == "" {
		return ""
	}
	return f.PkgVer + "-" + f.PkgRel
}

// ReadFields parses pkgname's PKGBUILD for pkgdesc/depends/makedepends/groups.
// Unparseable or missing fields are left zero-valued rather than erroring:
// a PKGBUILD that can't be fully understood should still let the rest of
// the system proceed with partial metadata.
func (r *Repository) ReadFields(pkgname string) (Fields, error) {
	f, err := os.Open(r.PKGBUILDPath(pkgname))
	if err != nil {
		return Fields{}, fmt.Errorf("opening PKGBUILD for %s: %w", pkgname, err)
	}
	defer f.Close()

	var fields Fields
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		m := pkgbuildFieldRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key, val := m[1], m[2]
		switch key {
		case "pkgver":
			fields.PkgVer = unquote(val)
		case "pkgrel":
			fields.PkgRel = unquote(val)
		case "pkgdesc":
			fields.PkgDesc = unquote(val)
		case "depends":
			fields.Depends = splitArray(val)
		case "makedepends":
			fields.MakeDepends = splitArray(val)
		case "groups":
			fields.Groups = splitArray(val)
		}
	}
	if err := sc.Err(); err != nil {
		return fields, fmt.Errorf("reading PKGBUILD for %s: %w", pkgname, err)
	}
	return fields, nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// splitArray parses a bash array literal like `(a b 'c d' e)` into its
// whitespace-separated, quote-stripped elements.
func splitArray(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, unquote(f))
	}
	return out
}
