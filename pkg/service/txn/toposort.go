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

import "fmt"

// entry is one pending node during topological sort: a name plus the set
// of in-transaction dependencies still unresolved.
type entry struct {
	name string
	deps map[string]struct{}
}

// TopoSortError reports a cycle among the input packages. Dependencies on
// packages not present in the input are ignored by TopoSort, so they never
// cause one.
type TopoSortError struct {
	Remaining []string
}

func (e *TopoSortError) Error() string {
	return fmt.Sprintf("topological sort stalled with %d package(s) remaining (cycle or missing dependency): %v", len(e.Remaining), e.Remaining)
}

// TopoSort orders names so that every dependency precedes its dependents.
// deps maps a package name to the set of other names (from names) it
// depends on; names not present as a key are treated as having no
// dependencies.
//
// This is a hand-rolled pass-based algorithm, not Kahn's algorithm: each
// pass emits every entry whose dependency set is currently empty, in the
// order those entries appear in the pending list, then removes the
// just-emitted names from every remaining entry's dependency set. Packages
// with no in-transaction dependencies keep their original relative order;
// Kahn's algorithm with an alphabetically-sorted ready queue would not
// preserve that, which is why it isn't reused here.
func TopoSort(names []string, deps map[string][]string) ([]string, error) {
	pending := make([]entry, 0, len(names))
	known := make(map[string]struct{}, len(names))
	for _, n := range names {
		known[n] = struct{}{}
	}
	for _, n := range names {
		d := make(map[string]struct{})
		for _, dep := range deps[n] {
			if _, ok := known[dep]; ok && dep != n {
				d[dep] = struct{}{}
			}
		}
		pending = append(pending, entry{name: n, deps: d})
	}

	out := make([]string, 0, len(names))
	for len(pending) > 0 {
		var emittedThisPass []string
		var remaining []entry

		for _, e := range pending {
			if len(e.deps) == 0 {
				emittedThisPass = append(emittedThisPass, e.name)
			} else {
				remaining = append(remaining, e)
			}
		}

		if len(emittedThisPass) == 0 {
			names := make([]string, 0, len(pending))
			for _, e := range pending {
				names = append(names, e.name)
			}
			return nil, &TopoSortError{Remaining: names}
		}

		out = append(out, emittedThisPass...)

		emitted := make(map[string]struct{}, len(emittedThisPass))
		for _, n := range emittedThisPass {
			emitted[n] = struct{}{}
		}
		for i := range remaining {
			for n := range emitted {
				delete(remaining[i].deps, n)
			}
		}
		pending = remaining
	}

	return out, nil
}
