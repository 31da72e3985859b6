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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopoSort_IndependentNodesKeepInsertionOrder(t *testing.T) {
	out, err := TopoSort([]string{"x", "y", "z"}, map[string][]string{"z": {"x"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, out)
}

func TestTopoSort_ChainedDependency(t *testing.T) {
	out, err := TopoSort([]string{"a", "b", "c"}, map[string][]string{
		"b": {"a"},
		"c": {"b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, out)
}

func TestTopoSort_CycleFails(t *testing.T) {
	_, err := TopoSort([]string{"a", "b"}, map[string][]string{
		"a": {"b"},
		"b": {"a"},
	})
	require.Error(t, err)
	var tse *TopoSortError
	require.ErrorAs(t, err, &tse)
	assert.ElementsMatch(t, []string{"a", "b"}, tse.Remaining)
}

func TestTopoSort_IgnoresDependencyOutsideSet(t *testing.T) {
	out, err := TopoSort([]string{"a"}, map[string][]string{"a": {"not-in-transaction"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, out)
}

func TestTopoSort_StableWithinPass(t *testing.T) {
	// b and c both depend only on a; after a is emitted, they should emit
	// in their original relative order.
	out, err := TopoSort([]string{"c", "a", "b"}, map[string][]string{
		"b": {"a"},
		"c": {"a"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, out)
}
