package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/blockade/pkg/types"
)

func cc(name string, links ...string) *types.ContainerConfig {
	var m map[string]string
	if len(links) > 0 {
		m = make(map[string]string, len(links))
		for _, l := range links {
			m[l] = l
		}
	}
	return &types.ContainerConfig{Name: name, Links: m}
}

// TestDependencySortLevels is the literal dependency-sort scenario: c1 has
// no links, c2 and c3 both link only c1, c4 links c1 and c3, c5 links c2
// and c3. Every name must come after everything it links.
func TestDependencySortLevels(t *testing.T) {
	containers := map[string]*types.ContainerConfig{
		"c1": cc("c1"),
		"c2": cc("c2", "c1"),
		"c3": cc("c3", "c1"),
		"c4": cc("c4", "c1", "c3"),
		"c5": cc("c5", "c2", "c3"),
	}

	order, err := DependencySort(containers)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2", "c3", "c4", "c5"}, order)

	position := make(map[string]int, len(order))
	for i, n := range order {
		position[n] = i
	}
	for name, c := range containers {
		for link := range c.Links {
			assert.Less(t, position[link], position[name],
				"%s must be sorted before %s, which links it", link, name)
		}
	}
}

func TestDependencySortRejectsCycle(t *testing.T) {
	containers := map[string]*types.ContainerConfig{
		"a": cc("a", "b"),
		"b": cc("b", "a"),
	}
	_, err := DependencySort(containers)
	require.Error(t, err)
	assert.IsType(t, &types.ConfigError{}, err)
}

func TestDependencySortRejectsDanglingLink(t *testing.T) {
	containers := map[string]*types.ContainerConfig{
		"a": cc("a", "ghost"),
	}
	_, err := DependencySort(containers)
	require.Error(t, err)
	assert.IsType(t, &types.ConfigError{}, err)
}

func TestDependencySortNoLinks(t *testing.T) {
	containers := map[string]*types.ContainerConfig{
		"a": cc("a"),
		"b": cc("b"),
	}
	order, err := DependencySort(containers)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, order)
	assert.Len(t, order, 2)
}

func TestParseAppliesNetworkDefaults(t *testing.T) {
	topo, err := Parse([]byte(`
containers:
  c1:
    image: busybox
`))
	require.NoError(t, err)
	assert.Equal(t, types.DefaultNetworkConfig(), topo.Network)
	assert.Equal(t, []string{"c1"}, topo.SortedContainers)
}

func TestParseExpandsCount(t *testing.T) {
	topo, err := Parse([]byte(`
containers:
  web:
    image: nginx
    count: 3
`))
	require.NoError(t, err)
	assert.Len(t, topo.Containers, 3)
	for _, name := range []string{"web_1", "web_2", "web_3"} {
		assert.Contains(t, topo.Containers, name)
	}
}

func TestParseRejectsNeutralAndHoly(t *testing.T) {
	_, err := Parse([]byte(`
containers:
  c1:
    image: busybox
    neutral: true
    holy: true
`))
	require.Error(t, err)
	assert.IsType(t, &types.ConfigError{}, err)
}

func TestParseCyclicLinksRejected(t *testing.T) {
	_, err := Parse([]byte(`
containers:
  a:
    image: busybox
    links: [b]
  b:
    image: busybox
    links: [a]
`))
	require.Error(t, err)
	assert.IsType(t, &types.ConfigError{}, err)
}

func TestParseNetworkOverrides(t *testing.T) {
	topo, err := Parse([]byte(`
containers:
  c1:
    image: busybox
network:
  driver: udn
  flaky: 50%
`))
	require.NoError(t, err)
	assert.Equal(t, types.DriverUDN, topo.Network.Driver)
	assert.Equal(t, "50%", topo.Network.Flaky)
	assert.Equal(t, types.DefaultNetworkConfig().Slow, topo.Network.Slow)
}
