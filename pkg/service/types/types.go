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

// Package types holds the wire shape pkg/service/git clones against: a
// git source a caller configures once for the whole module, the central
// package-recipe repository.
package types

// GitSource specifies a git repository to clone for package recipes.
type GitSource struct {
	// Repository is the git repository URL.
	Repository string `json:"repository"`

	// Ref is the branch, tag, or commit to checkout (default: HEAD).
	Ref string `json:"ref,omitempty"`

	// Pattern is the glob pattern for recipe files (default: "*.yaml").
	Pattern string `json:"pattern,omitempty"`

	// Path is the subdirectory within the repo to search.
	Path string `json:"path,omitempty"`
}
