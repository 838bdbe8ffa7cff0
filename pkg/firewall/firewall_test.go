package firewall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestChainNameTruncation is the literal chain-name scenario: a topology
// identifier longer than MaxChainPrefixLength is truncated before the
// partition suffix is appended, and the truncated form is what
// ParsePartitionIndex must accept.
func TestChainNameTruncation(t *testing.T) {
	id := "abc123awhopbopaloobopalopbamboom"
	require.Greater(t, len(ChainPrefix+id), MaxChainPrefixLength)

	got := ChainName(id, 1)
	assert.Equal(t, "blockade-abc123awhopbopal-p1", got)
}

func TestParsePartitionIndexRoundTrip(t *testing.T) {
	id := "mytopology"
	for _, n := range []int{1, 2, 7} {
		chain := ChainName(id, n)
		parsed, err := ParsePartitionIndex(id, chain)
		require.NoError(t, err)
		assert.Equal(t, n, parsed)
	}
}

func TestParsePartitionIndexRejectsUnrelatedChain(t *testing.T) {
	_, err := ParsePartitionIndex("abc123", "abc123")
	assert.Error(t, err)
}

func TestParsePartitionIndexRejectsNonNumericSuffix(t *testing.T) {
	chain := ChainPrefixFor("topo") + "-pX"
	_, err := ParsePartitionIndex("topo", chain)
	assert.Error(t, err)
}

func TestParsePartitionIndexRejectsForeignTopology(t *testing.T) {
	chain := ChainName("topo-a", 1)
	_, err := ParsePartitionIndex("topo-b", chain)
	assert.Error(t, err)
}

func TestChainPrefixForUntruncated(t *testing.T) {
	assert.Equal(t, "blockade-short", ChainPrefixFor("short"))
}

func TestChainPrefixForTruncatesAtMax(t *testing.T) {
	id := "abc123awhopbopaloobopalopbamboom"
	got := ChainPrefixFor(id)
	assert.LessOrEqual(t, len(got), MaxChainPrefixLength)
	assert.Equal(t, "blockade-abc123awhopbopal", got)
}
