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

// Package repo implements the repository state reconciler: it keeps a
// Repo's package-manager-DB view and filesystem view in agreement,
// computing the intersection ("packages") and symmetric difference
// ("unaccounted_for") between the two.
package repo

import "strings"

// rsplitN splits s on sep from the right, at most n times, returning up to
// n+1 parts in left-to-right order. Unlike strings.SplitN there is no
// equivalent from-the-right primitive in the standard library, so this
// mirrors Python's str.rsplit(sep, n) exactly, which the reconciliation
// rules are defined in terms of.
func rsplitN(s, sep string, n int) []string {
	if n <= 0 {
		return []string{s}
	}
	parts := make([]string, 0, n+1)
	rest := s
	for i := 0; i < n; i++ {
		idx := strings.LastIndex(rest, sep)
		if idx < 0 {
			break
		}
		parts = append([]string{rest[idx+len(sep):]}, parts...)
		rest = rest[:idx]
	}
	parts = append([]string{rest}, parts...)
	return parts
}

// PackageFilename holds the parsed parts of a `<name>-<version>-<release>-<arch>.pkg.<suffix>` filename.
type PackageFilename struct {
	Name    string
	Version string
	Release string
	Suffix  string
}

// ParsePackageFilename right-splits a package filename on "-" three times.
// It returns ok=false for filenames that don't have at least four "-"
// separated components; callers log and skip these, per §4.C.
func ParsePackageFilename(filename string) (PackageFilename, bool) {
	parts := rsplitN(filename, "-", 3)
	if len(parts) != 4 || parts[0] == "" {
		return PackageFilename{}, false
	}
	return PackageFilename{
		Name:    parts[0],
		Version: parts[1],
		Release: parts[2],
		Suffix:  parts[3],
	}, true
}

// String re-emits the filename in its original form, making parse then
// re-emit the identity on well-formed inputs.
func (p PackageFilename) String() string {
	return p.Name + "-" + p.Version + "-" + p.Release + "-" + p.Suffix
}

// ALPMEntry holds the parsed parts of a repo-DB tarball top-level entry
// name `<name>-<version>-<release>`.
type ALPMEntry struct {
	Name    string
	Version string
	Release string
}

// ParseALPMEntry right-splits a DB entry's first path segment on "-" twice.
func ParseALPMEntry(entry string) (ALPMEntry, bool) {
	first := entry
	if idx := strings.IndexByte(entry, '/'); idx >= 0 {
		first = entry[:idx]
	}
	parts := rsplitN(first, "-", 2)
	if len(parts) != 3 || parts[0] == "" {
		return ALPMEntry{}, false
	}
	return ALPMEntry{Name: parts[0], Version: parts[1], Release: parts[2]}, true
}

// EncodeNVR produces the "name|version-release" encoding shared by both
// scans, so set membership comparisons between the filesystem and ALPM
// views are well-defined.
func EncodeNVR(name, version, release string) string {
	return name + "|" + version + "-" + release
}

// NameOf extracts the package name from an NVR-encoded string.
func NameOf(nvr string) string {
	if idx := strings.IndexByte(nvr, '|'); idx >= 0 {
		return nvr[:idx]
	}
	return nvr
}
