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

package txn

import (
	"context"
	"strings"
)

// SpecialCaseHandler mutates a package's recipe directory before the build
// sort runs. There are exactly two known cases in this system, so this is
// a short registry of (match, run) pairs rather than a generic plugin
// system — adding a third case means adding one more entry, not touching
// the planning loop.
type SpecialCaseHandler struct {
	// Match reports whether this handler applies to pkgname.
	Match func(pkgname string) bool
	// Run performs the handler's side effect against the package's recipe
	// directory (recipeDir).
	Run func(ctx context.Context, pkgname, recipeDir string) error
}

// DefaultHandlers is the built-in special-case registry.
func DefaultHandlers(translate TranslationPuller, stageSquareZip SquareZipStager) []SpecialCaseHandler {
	return []SpecialCaseHandler{
		{
			// cnchi ships translations pulled from an external service and
			// must have its embedded VCS metadata stripped before its
			// source tree is tarred in place.
			Match: func(pkgname string) bool { return strings.Contains(pkgname, "cnchi") },
			Run: func(ctx context.Context, pkgname, recipeDir string) error {
				if translate == nil {
					return nil
				}
				return translate.PullAndPackage(ctx, pkgname, recipeDir)
			},
		},
		{
			Match: func(pkgname string) bool { return pkgname == "numix-icon-theme-square" },
			Run: func(ctx context.Context, pkgname, recipeDir string) error {
				if stageSquareZip == nil {
					return nil
				}
				return stageSquareZip.StageZip(ctx, recipeDir)
			},
		},
	}
}

// TranslationPuller pulls translations for a package, strips embedded VCS
// metadata, and tars the resulting source tree in place within recipeDir.
// It's an external collaborator (the translation-pull tool named in the
// out-of-scope list); the engine only needs to know when to call it.
type TranslationPuller interface {
	PullAndPackage(ctx context.Context, pkgname, recipeDir string) error
}

// SquareZipStager moves the pre-staged numix-icon-theme-square zip into
// recipeDir.
type SquareZipStager interface {
	StageZip(ctx context.Context, recipeDir string) error
}

// applyHandlers runs every matching handler against pkgname in turn.
func applyHandlers(ctx context.Context, handlers []SpecialCaseHandler, pkgname, recipeDir string) error {
	for _, h := range handlers {
		if h.Match == nil || !h.Match(pkgname) {
			continue
		}
		if h.Run == nil {
			continue
		}
		if err := h.Run(ctx, pkgname, recipeDir); err != nil {
			return err
		}
	}
	return nil
}
