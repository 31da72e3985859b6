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

package recipe

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePKGBUILD(t *testing.T, dir, pkgname, content string) {
	t.Helper()
	pkgDir := filepath.Join(dir, pkgname)
	require.NoError(t, os.MkdirAll(pkgDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "PKGBUILD"), []byte(content), 0o644))
}

func TestRepository_ListPackages(t *testing.T) {
	dir := t.TempDir()
	writePKGBUILD(t, dir, "foo", "pkgname=foo\n")
	writePKGBUILD(t, dir, "bar", "pkgname=bar\n")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "not-a-package"), 0o755))

	r := &Repository{dir: dir}
	pkgs, err := r.ListPackages(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"foo", "bar"}, pkgs)
}

func TestRepository_ReadFields(t *testing.T) {
	dir := t.TempDir()
	writePKGBUILD(t, dir, "foo", `pkgname=foo
pkgver=1.2.3
pkgdesc="An example package"
depends=(glibc 'openssl>=3.0' zlib)
makedepends=(cmake)
groups=(base-devel)
`)

	r := &Repository{dir: dir}
	fields, err := r.ReadFields("foo")
	require.NoError(t, err)
	assert.Equal(t, "An example package", fields.PkgDesc)
	assert.ElementsMatch(t, []string{"glibc", "openssl>=3.0", "zlib"}, fields.Depends)
	assert.ElementsMatch(t, []string{"cmake"}, fields.MakeDepends)
	assert.ElementsMatch(t, []string{"base-devel"}, fields.Groups)
}
