// Package primitives defines the fundamental scalar types of the consensus
// protocol. They are deliberately thin wrappers over uint64 so that callers
// cannot accidentally mix up slots, epochs and validator indices.
package primitives

import (
	"math"
)

// Slot represents a single time increment of the beacon chain.
type Slot uint64

// Epoch represents a fixed-length span of slots.
type Epoch uint64

// ValidatorIndex is the position of a validator in the registry.
type ValidatorIndex uint64

// CommitteeIndex is the index of an attestation committee within a slot.
type CommitteeIndex uint64

// SubnetID identifies a long-lived attestation subnet.
type SubnetID uint64

// Add returns e + x.
func (e Epoch) Add(x uint64) Epoch {
	return e + Epoch(x)
}

// AddSaturating returns e + x, capping at the maximum value instead of
// wrapping around.
func (e Epoch) AddSaturating(x uint64) Epoch {
	sum := e + Epoch(x)
	if sum < e {
		return math.MaxUint64
	}
	return sum
}

// SubSaturating returns e - x, flooring at zero instead of wrapping.
func (e Epoch) SubSaturating(x uint64) Epoch {
	if uint64(e) < x {
		return 0
	}
	return e - Epoch(x)
}
