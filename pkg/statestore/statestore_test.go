package statestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/blockade/pkg/types"
)

// TestInitializeThenLoadRoundTrips is the round-trip invariant: initialize
// a topology's state, then load it back, and the result must be
// deep-equal to what was written.
func TestInitializeThenLoadRoundTrips(t *testing.T) {
	store := New(t.TempDir())
	containers := map[string]ContainerRecord{
		"c1": {ID: "cid-1"},
		"c2": {ID: "cid-2"},
	}

	initialized, err := store.Initialize("topo", containers)
	require.NoError(t, err)

	loaded, err := store.Load("topo")
	require.NoError(t, err)
	assert.Equal(t, initialized, loaded)
	assert.Equal(t, containers, loaded.Containers)
	assert.Equal(t, StateVersion, loaded.Version)
	assert.Equal(t, "topo", loaded.BlockadeID)
}

func TestInitializeTwiceFails(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.Initialize("topo", nil)
	require.NoError(t, err)

	_, err = store.Initialize("topo", nil)
	require.Error(t, err)
	stateErr, ok := err.(*types.StateError)
	require.True(t, ok)
	assert.Equal(t, types.AlreadyInitialized, stateErr.Kind)
}

func TestLoadMissingYieldsNotInitialized(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.Load("nope")
	require.Error(t, err)
	stateErr, ok := err.(*types.StateError)
	require.True(t, ok)
	assert.Equal(t, types.NotInitialized, stateErr.Kind)
}

func TestUpdateOverwritesState(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.Initialize("topo", map[string]ContainerRecord{"c1": {ID: "old"}})
	require.NoError(t, err)

	_, err = store.Update("topo", map[string]ContainerRecord{"c1": {ID: "new"}})
	require.NoError(t, err)

	loaded, err := store.Load("topo")
	require.NoError(t, err)
	assert.Equal(t, "new", loaded.Containers["c1"].ID)
}

func TestExistsReflectsInitialization(t *testing.T) {
	store := New(t.TempDir())
	assert.False(t, store.Exists("topo"))
	_, err := store.Initialize("topo", nil)
	require.NoError(t, err)
	assert.True(t, store.Exists("topo"))
}

func TestDestroyRemovesState(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.Initialize("topo", nil)
	require.NoError(t, err)

	require.NoError(t, store.Destroy("topo"))
	assert.False(t, store.Exists("topo"))

	_, err = store.Load("topo")
	require.Error(t, err)
}

func TestListReturnsOnlyInitializedTopologies(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.Initialize("topo-a", nil)
	require.NoError(t, err)
	_, err = store.Initialize("topo-b", nil)
	require.NoError(t, err)

	ids, err := store.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"topo-a", "topo-b"}, ids)
}

func TestListEmptyWhenDataDirAbsent(t *testing.T) {
	store := New(t.TempDir() + "/does-not-exist")
	ids, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}
