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
package repo

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/antbs-project/antbs/pkg/service/domain"
)

// Reconciler recomputes a Repo's packages/unaccounted_for sets from the
// current filesystem and package-manager-DB state. It is invoked on Repo
// construction and after every repo update; both scans are idempotent and
// non-fatal on malformed input.
//
// Reading the DB tarball with archive/tar and compress/gzip is a deliberate
// standard-library choice: none of this codebase's vendored compression
// libraries (klauspost/compress, klauspost/pgzip) are wired into this spec
// (see DESIGN.md), and the stdlib readers are a complete, correct fit for
// a one-shot gzip+tar read with no performance-critical hot path.
type Reconciler struct {
	Arch string // e.g. "x86_64"
}

// NewReconciler returns a Reconciler for the given architecture directory.
func NewReconciler(arch string) *Reconciler {
	if arch == "" {
		arch = "x86_64"
	}
	return &Reconciler{Arch: arch}
}

// ScanFilesystem lists `<basePath>/<arch>/*.pkg.*` (excluding ".sig" files)
// and returns the NVR-encoded set.
func (r *Reconciler) ScanFilesystem(ctx context.Context, basePath string) ([]string, error) {
	log := clog.FromContext(ctx)
	dir := filepath.Join(basePath, r.Arch)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.Contains(name, ".pkg.") || strings.HasSuffix(name, ".sig") {
			continue
		}
		parsed, ok := ParsePackageFilename(name)
		if !ok {
			log.Warnf("repo: skipping unparseable package filename %q", name)
			continue
		}
		out = append(out, EncodeNVR(parsed.Name, parsed.Version, parsed.Release))
	}
	return out, nil
}

// ScanALPM opens `<basePath>/<arch>/<repoName>.db.tar.gz` and returns the
// NVR-encoded set of its top-level entries.
func (r *Reconciler) ScanALPM(ctx context.Context, basePath, repoName string) ([]string, error) {
	log := clog.FromContext(ctx)
	dbPath := filepath.Join(basePath, r.Arch, repoName+".db.tar.gz")

	f, err := os.Open(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		log.Warnf("repo: unreadable db tarball %q: %v", dbPath, err)
		return nil, nil
	}
	defer gz.Close()

	seen := make(map[string]struct{})
	var out []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warnf("repo: truncated db tarball %q: %v", dbPath, err)
			break
		}
		parsed, ok := ParseALPMEntry(hdr.Name)
		if !ok {
			continue
		}
		nvr := EncodeNVR(parsed.Name, parsed.Version, parsed.Release)
		if _, dup := seen[nvr]; dup {
			continue
		}
		seen[nvr] = struct{}{}
		out = append(out, nvr)
	}
	return out, nil
}

// Reconcile runs both scans and updates the Repo's stored sets: packages =
// intersection (by package name) of the two NVR sets, unaccounted_for =
// symmetric difference (by package name).
func (r *Reconciler) Reconcile(ctx context.Context, repoEntity *domain.Repo, basePath string) error {
	pkgsFS, err := r.ScanFilesystem(ctx, basePath)
	if err != nil {
		return err
	}
	pkgsALPM, err := r.ScanALPM(ctx, basePath, repoEntity.Name)
	if err != nil {
		return err
	}

	fsNames := make(map[string]struct{}, len(pkgsFS))
	for _, nvr := range pkgsFS {
		fsNames[NameOf(nvr)] = struct{}{}
	}
	alpmNames := make(map[string]struct{}, len(pkgsALPM))
	for _, nvr := range pkgsALPM {
		alpmNames[NameOf(nvr)] = struct{}{}
	}

	var packages, unaccounted []string
	for n := range fsNames {
		if _, ok := alpmNames[n]; ok {
			packages = append(packages, n)
		} else {
			unaccounted = append(unaccounted, n)
		}
	}
	for n := range alpmNames {
		if _, ok := fsNames[n]; !ok {
			unaccounted = append(unaccounted, n)
		}
	}

	return repoEntity.ReplaceSets(ctx, pkgsFS, pkgsALPM, packages, unaccounted)
}
