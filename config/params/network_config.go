package params

import "time"

// NetworkConfig defines the spec based network parameters.
type NetworkConfig struct {
	GossipMaxSize               uint64        // GossipMaxSize is the maximum allowed size of uncompressed gossip messages.
	MaxChunkSize                uint64        // MaxChunkSize is the maximum allowed size of uncompressed req/resp chunked responses.
	AttestationSubnetCount      uint64        // AttestationSubnetCount is the number of attestation subnets used in the gossipsub protocol.
	TtfbTimeout                 time.Duration // TtfbTimeout is the maximum time to wait for first byte of request response (time-to-first-byte).
	RespTimeout                 time.Duration // RespTimeout is the maximum time for complete response transfer.
	MaximumGossipClockDisparity time.Duration // MaximumGossipClockDisparity is the maximum milliseconds of clock disparity assumed between honest nodes.

	// DiscoveryV5 config.
	ETH2Key      string // ETH2Key is the ENR key of the eth2 object in an enr.
	AttSubnetKey string // AttSubnetKey is the ENR key of the subnet bitfield in the enr.

	MinimumPeersInSubnetSearch uint64 // MinimumPeersInSubnetSearch is the batch size of records read per iteration of a subnet search.

	BootstrapNodes []string // BootstrapNodes are the addresses of the bootnodes.
}

var defaultNetworkConfig = &NetworkConfig{
	GossipMaxSize:               1 << 20, // 1 MiB
	MaxChunkSize:                1 << 20, // 1 MiB
	AttestationSubnetCount:      64,
	TtfbTimeout:                 5 * time.Second,
	RespTimeout:                 10 * time.Second,
	MaximumGossipClockDisparity: 500 * time.Millisecond,
	ETH2Key:                     "eth2",
	AttSubnetKey:                "attnets",
	MinimumPeersInSubnetSearch:  20,
	BootstrapNodes:              []string{},
}

// BeaconNetworkConfig returns the current network config for
// the beacon chain.
func BeaconNetworkConfig() *NetworkConfig {
	return defaultNetworkConfig
}

// OverrideBeaconNetworkConfig replaces the process-wide network config.
// Intended for network-specific startup code and tests.
func OverrideBeaconNetworkConfig(cfg *NetworkConfig) {
	defaultNetworkConfig = cfg
}
