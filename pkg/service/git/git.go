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

// Package git clones a git source and locates package recipe files within
// it. It is the one place this module talks to a git remote: the recipe
// repository that holds every package's build recipe.
package git

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"context"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/antbs-project/antbs/pkg/service/types"
)

// defaultPattern is the config-file glob used when a Source doesn't name
// one explicitly.
const defaultPattern = "*.yaml"

// Source describes a git repository to clone plus where within it, and
// which files, to treat as package configs.
type Source struct {
	Repository string
	Ref        string
	Pattern    string
	Path       string
}

// NewSourceFromGitSource adapts a types.GitSource into a Source. Returns
// nil for a nil input, matching the caller-side "no git source configured"
// case.
func NewSourceFromGitSource(gs *types.GitSource) *Source {
	if gs == nil {
		return nil
	}
	return &Source{
		Repository: gs.Repository,
		Ref:        gs.Ref,
		Pattern:    gs.Pattern,
		Path:       gs.Path,
	}
}

// ValidateSource checks that a GitSource is well-formed enough to clone.
func ValidateSource(gs *types.GitSource) error {
	if gs == nil {
		return fmt.Errorf("git source is nil")
	}
	if gs.Repository == "" {
		return fmt.Errorf("git source: repository is required")
	}
	return nil
}

// Clone shallow-clones the source's repository into a temp directory and
// returns that directory, a cleanup func to remove it, and any error.
// cleanup is non-nil whenever a temp directory was created, even on a
// later failure, so callers can always safely call it.
func (s *Source) Clone(ctx context.Context) (dir string, cleanup func(), err error) {
	tmpDir, err := os.MkdirTemp("", "antbs-recipe-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating temp dir: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(tmpDir) }

	opts := &git.CloneOptions{
		URL:      s.Repository,
		Depth:    1,
		Progress: nil,
	}
	if s.Ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(s.Ref)
		opts.SingleBranch = true
	}

	if _, err := git.PlainCloneContext(ctx, tmpDir, false, opts); err != nil {
		return tmpDir, cleanup, fmt.Errorf("cloning repository %s: %w", s.Repository, err)
	}
	return tmpDir, cleanup, nil
}

// FindConfigs walks baseDir/s.Path looking for files matching s.Pattern
// (defaultPattern if unset). A missing path is treated as "no configs
// found," not an error, since Source.Path is caller-supplied and often
// absent in minimal sources.
func (s *Source) FindConfigs(ctx context.Context, baseDir string) ([]string, error) {
	pattern := s.Pattern
	if pattern == "" {
		pattern = defaultPattern
	}
	root := baseDir
	if s.Path != "" {
		root = filepath.Join(baseDir, s.Path)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", root, err)
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		matched, err := filepath.Match(pattern, e.Name())
		if err != nil {
			return nil, fmt.Errorf("matching pattern %q: %w", pattern, err)
		}
		if matched {
			out = append(out, filepath.Join(root, e.Name()))
		}
	}
	return out, nil
}

// CloneTimeout bounds how long a recipe-repository clone may take before
// the caller should give up.
const CloneTimeout = 2 * time.Minute
