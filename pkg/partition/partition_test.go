package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/blockade/pkg/types"
)

func containsSet(t *testing.T, got types.PartitionSet, want []string) {
	t.Helper()
	for _, g := range got {
		if assert.ObjectsAreEqualValues(sorted(g), sorted(want)) {
			return
		}
	}
	t.Errorf("expected a set %v among %v", want, got)
}

func sorted(in []string) []string {
	out := append([]string{}, in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// TestExpandLiteral is the literal expansion scenario: c1..c5 are normal,
// c6 is holy and thus excluded from the eligible name set entirely; the
// input groups {c1,c3} and {c4} leave c2 and c5 as an implicit leftover
// set.
func TestExpandLiteral(t *testing.T) {
	names := []string{"c1", "c2", "c3", "c4", "c5"}
	isHoly := func(n string) bool { return n == "c6" }
	isNeutral := func(string) bool { return false }

	result, err := Expand(names, isHoly, isNeutral, types.PartitionSet{
		{"c1", "c3"},
		{"c4"},
	})
	require.NoError(t, err)
	require.Len(t, result, 3)
	containsSet(t, result, []string{"c1", "c3"})
	containsSet(t, result, []string{"c4"})
	containsSet(t, result, []string{"c2", "c5"})
}

func TestExpandRejectsHolyInInputSet(t *testing.T) {
	names := []string{"c1", "c2"}
	isHoly := func(n string) bool { return n == "c2" }
	isNeutral := func(string) bool { return false }

	_, err := Expand(names, isHoly, isNeutral, types.PartitionSet{{"c1", "c2"}})
	require.Error(t, err)
}

func TestExpandNeutralGetsOwnSet(t *testing.T) {
	names := []string{"c1", "c2", "c3"}
	isHoly := func(string) bool { return false }
	isNeutral := func(n string) bool { return n == "c3" }

	result, err := Expand(names, isHoly, isNeutral, types.PartitionSet{{"c1"}, {"c2"}})
	require.NoError(t, err)
	containsSet(t, result, []string{"c3"})
}

func TestExpandNoInputCoversEverythingAsLeftover(t *testing.T) {
	names := []string{"c1", "c2"}
	result, err := Expand(names, func(string) bool { return false }, func(string) bool { return false }, nil)
	require.NoError(t, err)
	require.Len(t, result, 1)
	containsSet(t, result, []string{"c1", "c2"})
}

// TestChainGroupsLiteral is the literal chain-groups scenario for topology
// "abc": two declared partitions produce two disjoint groups.
func TestChainGroupsLiteral(t *testing.T) {
	groups := ChainGroups(types.PartitionSet{
		{"c1", "c2"},
		{"c3"},
	})
	require.Len(t, groups, 2)
	containsSet(t, groups, []string{"c1", "c2"})
	containsSet(t, groups, []string{"c3"})
}

// TestChainGroupsResolvesOverlap exercises the documented conflict rule:
// when a container appears in two input sets, the earlier membership is
// stripped and the container is reassigned to a fresh singleton group.
func TestChainGroupsResolvesOverlap(t *testing.T) {
	groups := ChainGroups(types.PartitionSet{
		{"c1", "c2"},
		{"c2", "c3"},
	})
	// c2 first lands in group {c1,c2}; the second input set pulls it back
	// out into its own singleton, then adds c3 to a group of its own.
	require.Len(t, groups, 3)
	containsSet(t, groups, []string{"c1"})
	containsSet(t, groups, []string{"c2"})
	containsSet(t, groups, []string{"c3"})
}

func TestChainGroupsDisjointAndCovering(t *testing.T) {
	input := types.PartitionSet{
		{"a", "b", "c"},
		{"d"},
		{"e", "f"},
	}
	groups := ChainGroups(input)

	seen := make(map[string]int)
	for _, g := range groups {
		for _, n := range g {
			seen[n]++
		}
	}
	for _, n := range []string{"a", "b", "c", "d", "e", "f"} {
		assert.Equal(t, 1, seen[n], "container %s must appear in exactly one group", n)
	}
}

func TestChainGroupsEmptyInput(t *testing.T) {
	assert.Empty(t, ChainGroups(nil))
}
