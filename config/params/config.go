// Package params defines the protocol and network configuration of the
// beacon node. Values are served from package-level defaults so that every
// component observes the same configuration without threading it through
// constructors.
package params

import (
	types "github.com/meridianlabs/meridian/consensus-types/primitives"
)

// BeaconChainConfig contains the protocol constants the networking core
// depends on.
type BeaconChainConfig struct {
	// Time parameters.
	SecondsPerSlot uint64 // SecondsPerSlot is the duration of a slot in seconds.
	SlotsPerEpoch  uint64 // SlotsPerEpoch is the number of slots in an epoch.

	// Constants (non-configurable).
	FarFutureEpoch         types.Epoch // FarFutureEpoch represents a epoch extremely far away in the future.
	ValidatorRegistryLimit uint64      // ValidatorRegistryLimit defines the upper bound of validators that can participate.

	// Fork schedule.
	NextForkVersion []byte      // NextForkVersion is the scheduled fork version for the next protocol upgrade.
	NextForkEpoch   types.Epoch // NextForkEpoch is the epoch at which the next fork activates.
}

var beaconConfig = mainnetBeaconConfig

var mainnetBeaconConfig = &BeaconChainConfig{
	SecondsPerSlot:         12,
	SlotsPerEpoch:          32,
	FarFutureEpoch:         1<<64 - 1,
	ValidatorRegistryLimit: 1099511627776,
	NextForkVersion:        []byte{0, 0, 0, 0},
	NextForkEpoch:          1<<64 - 1,
}

// BeaconConfig retrieves the beacon chain config.
func BeaconConfig() *BeaconChainConfig {
	return beaconConfig
}

// OverrideBeaconConfig replaces the process-wide beacon chain config.
func OverrideBeaconConfig(c *BeaconChainConfig) {
	beaconConfig = c
}
