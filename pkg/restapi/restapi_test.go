package restapi

import (
	"net/http"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/blockade/pkg/types"
)

func TestClassifyMapsErrorKindsToStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"name", &types.NameError{Name: "!!"}, http.StatusBadRequest},
		{"config", types.NewConfigError("bad"), http.StatusBadRequest},
		{"usage", types.NewUsageError("bad"), http.StatusBadRequest},
		{"invalid transition", &types.InvalidTransitionError{}, http.StatusBadRequest},
		{"not initialized", types.NewStateError(types.NotInitialized, "x"), http.StatusNotFound},
		{"already initialized", types.NewStateError(types.AlreadyInitialized, "x"), http.StatusBadRequest},
		{"container not found", &types.RuntimeContainerNotFound{Name: "c1"}, http.StatusNotFound},
		{"container conflict", &types.ContainerConflict{Name: "c1"}, http.StatusBadRequest},
		{"permissions", types.NewPermissionsError("denied"), http.StatusInternalServerError},
		{"host exec", &types.HostExecError{ExitCode: 1}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, msg := classify(tc.err)
			assert.Equal(t, tc.want, status)
			assert.NotEmpty(t, msg)
		})
	}
}

func TestSignalFor(t *testing.T) {
	assert.Equal(t, syscall.SIGKILL, signalFor(""))
	assert.Equal(t, syscall.SIGKILL, signalFor("SIGKILL"))
	assert.Equal(t, syscall.SIGTERM, signalFor("SIGTERM"))
	assert.Equal(t, syscall.SIGSTOP, signalFor("SIGSTOP"))
	assert.Equal(t, syscall.SIGCONT, signalFor("SIGCONT"))
	assert.Equal(t, syscall.SIGKILL, signalFor("not-a-real-signal"))
}

func TestToBoundsAppliesOnlyPositiveOverrides(t *testing.T) {
	defaults := types.DefaultChaosBounds()
	bounds := toBounds(chaosBody{MinStartDelay: 1, MaxStartDelay: 0})
	assert.Equal(t, 1, bounds.MinStartDelayMs)
	assert.Equal(t, defaults.MaxStartDelayMs, bounds.MaxStartDelayMs)
}

func TestToBoundsOverridesEvents(t *testing.T) {
	bounds := toBounds(chaosBody{Events: []string{"SLOW", "STOP"}})
	require.Len(t, bounds.Events, 2)
	assert.Equal(t, types.ChaosSlow, bounds.Events[0])
	assert.Equal(t, types.ChaosStop, bounds.Events[1])
}

func TestToBoundsEmptyKeepsDefaults(t *testing.T) {
	bounds := toBounds(chaosBody{})
	assert.Equal(t, types.DefaultChaosBounds(), bounds)
}

func TestSortedNamesOrdersByLinks(t *testing.T) {
	containers := map[string]*types.ContainerConfig{
		"c1": {Name: "c1"},
		"c2": {Name: "c2", Links: map[string]string{"c1": "c1"}},
	}
	order, err := sortedNames(containers)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, order)
}

func TestSortedNamesRejectsUnknownLink(t *testing.T) {
	containers := map[string]*types.ContainerConfig{
		"c1": {Name: "c1", Links: map[string]string{"ghost": "ghost"}},
	}
	_, err := sortedNames(containers)
	assert.Error(t, err)
}

func TestToTopologyBuildsSortedTopology(t *testing.T) {
	body := createBody{
		Containers: map[string]containerBody{
			"c1": {Image: "busybox"},
			"c2": {Image: "busybox", Links: map[string]string{"c1": "c1"}, PublishPorts: map[string]int{"8080": 80}},
		},
		Network: networkBody{Driver: "udn"},
	}
	topo, err := toTopology(body)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, topo.SortedContainers)
	assert.Equal(t, types.DriverUDN, topo.Network.Driver)
	assert.Equal(t, 80, topo.Containers["c2"].PublishPorts[8080])
}

func TestToTopologyRejectsInvalidPublishPortKey(t *testing.T) {
	body := createBody{
		Containers: map[string]containerBody{
			"c1": {Image: "busybox", PublishPorts: map[string]int{"not-a-port": 80}},
		},
	}
	_, err := toTopology(body)
	require.Error(t, err)
	assert.IsType(t, &types.ConfigError{}, err)
}
