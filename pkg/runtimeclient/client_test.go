package runtimeclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNetworkAddressingIsDeterministic is the round-trip invariant udn
// networking depends on: the same network name always yields the same
// subnet, and the same (name, n) pair always yields the same address.
func TestNetworkAddressingIsDeterministic(t *testing.T) {
	gw1 := NetworkGatewayCIDR("topo_net")
	gw2 := NetworkGatewayCIDR("topo_net")
	assert.Equal(t, gw1, gw2)

	addr1 := NetworkAddress("topo_net", 5)
	addr2 := NetworkAddress("topo_net", 5)
	assert.Equal(t, addr1, addr2)
	assert.Equal(t, addr1+"/24", NetworkAddressCIDR("topo_net", 5))
}

// TestNetworkAddressingGatewayIsDotOne checks that the gateway is always
// .1 of the network's /24, whatever the network name.
func TestNetworkAddressingGatewayIsDotOne(t *testing.T) {
	assert.Contains(t, NetworkGatewayCIDR("a_net"), ".0.1/24")
	assert.Contains(t, NetworkGatewayCIDR("b_net"), ".0.1/24")
}

// TestVethNamesFitInterfaceNameLimit guards the Linux IFNAMSIZ
// constraint (15 usable characters): both generated names must fit.
func TestVethNamesFitInterfaceNameLimit(t *testing.T) {
	host, peer := vethNames("some-long-container-id")
	assert.LessOrEqual(t, len(host), 15)
	assert.LessOrEqual(t, len(peer), 15)
	assert.NotEqual(t, host, peer)
}

func TestVethNamesAreDeterministicPerContainer(t *testing.T) {
	h1, p1 := vethNames("c1")
	h2, p2 := vethNames("c1")
	assert.Equal(t, h1, h2)
	assert.Equal(t, p1, p2)

	h3, _ := vethNames("c2")
	assert.NotEqual(t, h1, h3)
}
