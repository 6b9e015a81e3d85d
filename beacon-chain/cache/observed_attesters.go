// Package cache holds the in-memory observation sets the beacon node uses to
// de-duplicate gossip it has already seen.
package cache

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meridianlabs/meridian/config/params"
	primitives "github.com/meridianlabs/meridian/consensus-types/primitives"
)

var (
	// ErrEpochTooLow is returned when the requested epoch has already been
	// pruned from the cache.
	ErrEpochTooLow = errors.New("epoch is below the lowest permissible epoch")
	// ErrInvalidBitfieldIndex signals an internal indexing error.
	ErrInvalidBitfieldIndex = errors.New("invalid bitfield index")
	// ErrMaxObservationsReached is a DoS bound for slot-keyed observation
	// sets. The epoch-keyed attester cache never returns it; it is defined
	// here so every observation container shares one error set.
	ErrMaxObservationsReached = errors.New("reached maximum number of observations per slot")
	// ErrValidatorIndexTooHigh is returned for indices beyond the registry
	// limit.
	ErrValidatorIndexTooHigh = errors.New("validator index is larger than the registry limit")
)

var (
	observedAttesterHit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observed_attesters_cache_hit",
		Help: "The number of observed attester lookups that found a prior observation.",
	})
	observedAttesterMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observed_attesters_cache_miss",
		Help: "The number of observed attester lookups that found no prior observation.",
	})
)

const (
	// maxCachedEpochs is the current epoch and the previous epoch. This is
	// sufficient whilst the maximum gossip clock disparity is half a slot or
	// less.
	maxCachedEpochs = 2

	// defaultBitfieldCapacity is the bitfield size assumed when no earlier
	// epoch is available to estimate from.
	defaultBitfieldCapacity = 128
)

// epochBitfield records which validator indices were seen attesting in one
// epoch.
type epochBitfield struct {
	epoch    primitives.Epoch
	bitfield *bitlist
}

func newEpochBitfield(epoch primitives.Epoch, initialCapacity uint64) *epochBitfield {
	if limit := params.BeaconConfig().ValidatorRegistryLimit; initialCapacity > limit {
		initialCapacity = limit
	}
	return &epochBitfield{
		epoch:    epoch,
		bitfield: newBitlist(initialCapacity),
	}
}

// observe marks the validator as seen and reports whether it already was.
func (e *epochBitfield) observe(validatorIndex primitives.ValidatorIndex) (bool, error) {
	if uint64(validatorIndex) > params.BeaconConfig().ValidatorRegistryLimit {
		return false, ErrValidatorIndexTooHigh
	}
	idx := uint64(validatorIndex)
	if idx < e.bitfield.Len() {
		if e.bitfield.BitAt(idx) {
			return true, nil
		}
		e.bitfield.SetBitAt(idx, true)
		return false, nil
	}
	e.bitfield.Resize(idx + 1)
	e.bitfield.SetBitAt(idx, true)
	return false, nil
}

// hasObserved reports whether the validator was seen. Indices beyond the
// bitfield's length were never observed.
func (e *epochBitfield) hasObserved(validatorIndex primitives.ValidatorIndex) (bool, error) {
	if uint64(validatorIndex) > params.BeaconConfig().ValidatorRegistryLimit {
		return false, ErrValidatorIndexTooHigh
	}
	return e.bitfield.BitAt(uint64(validatorIndex)), nil
}

func (e *epochBitfield) len() uint64 {
	return e.bitfield.Len()
}

// ObservedAttesters is a sliding two-epoch window of attesting validator
// indices. Observations older than the window are rejected rather than
// silently re-admitted, so a pruned-then-replayed attestation cannot pass as
// new.
type ObservedAttesters struct {
	lowestLock             sync.RWMutex
	lowestPermissibleEpoch primitives.Epoch

	bitfieldsLock sync.RWMutex
	bitfields     []*epochBitfield
}

// NewObservedAttesters creates an empty cache whose window starts at epoch
// zero.
func NewObservedAttesters() *ObservedAttesters {
	return &ObservedAttesters{}
}

// Observe marks the validator as having attested in the epoch. It returns
// true when the validator was already observed there.
func (o *ObservedAttesters) Observe(epoch primitives.Epoch, validatorIndex primitives.ValidatorIndex) (bool, error) {
	index, err := o.bitfieldIndex(epoch)
	if err != nil {
		return false, err
	}
	o.bitfieldsLock.Lock()
	defer o.bitfieldsLock.Unlock()
	if index >= len(o.bitfields) {
		return false, errors.Wrapf(ErrInvalidBitfieldIndex, "index %d", index)
	}
	return o.bitfields[index].observe(validatorIndex)
}

// HasObserved reports whether the validator was observed attesting in the
// epoch.
func (o *ObservedAttesters) HasObserved(epoch primitives.Epoch, validatorIndex primitives.ValidatorIndex) (bool, error) {
	index, err := o.bitfieldIndex(epoch)
	if err != nil {
		return false, err
	}
	o.bitfieldsLock.RLock()
	defer o.bitfieldsLock.RUnlock()
	if index >= len(o.bitfields) {
		return false, errors.Wrapf(ErrInvalidBitfieldIndex, "index %d", index)
	}
	observed, err := o.bitfields[index].hasObserved(validatorIndex)
	if err != nil {
		return false, err
	}
	if observed {
		observedAttesterHit.Inc()
	} else {
		observedAttesterMiss.Inc()
	}
	return observed, nil
}

// LowestPermissibleEpoch returns the start of the current window.
func (o *ObservedAttesters) LowestPermissibleEpoch() primitives.Epoch {
	o.lowestLock.RLock()
	defer o.lowestLock.RUnlock()
	return o.lowestPermissibleEpoch
}

// Prune drops observations that fell out of the window ending at
// currentEpoch.
func (o *ObservedAttesters) Prune(currentEpoch primitives.Epoch) {
	lowestPermissibleEpoch := currentEpoch.SubSaturating(maxCachedEpochs - 1)

	o.bitfieldsLock.Lock()
	kept := o.bitfields[:0]
	for _, bf := range o.bitfields {
		if bf.epoch >= lowestPermissibleEpoch {
			kept = append(kept, bf)
		}
	}
	o.bitfields = kept
	o.bitfieldsLock.Unlock()

	o.lowestLock.Lock()
	o.lowestPermissibleEpoch = lowestPermissibleEpoch
	o.lowestLock.Unlock()
}

// bitfieldIndex returns the position of the epoch's bitfield, creating it if
// needed. An epoch ahead of the window slides the window forward first; an
// epoch behind it is rejected.
func (o *ObservedAttesters) bitfieldIndex(epoch primitives.Epoch) (int, error) {
	lowest := o.LowestPermissibleEpoch()
	if epoch < lowest {
		return 0, errors.Wrapf(ErrEpochTooLow, "epoch %d, lowest permissible epoch %d", epoch, lowest)
	}

	// Saturating arithmetic keeps the window sliding even at the far-future
	// epoch, where a plain add would wrap.
	if lowest.AddSaturating(maxCachedEpochs) < epoch.AddSaturating(1) {
		o.Prune(epoch)
	}

	o.bitfieldsLock.Lock()
	defer o.bitfieldsLock.Unlock()

	for i, bf := range o.bitfields {
		if bf.epoch == epoch {
			return i, nil
		}
	}

	// To avoid re-allocations, size the new bitfield from the mean length of
	// the bitfields of earlier epochs. Recent epochs are still filling up and
	// would skew the estimate low.
	count := uint64(0)
	sum := uint64(0)
	for _, bf := range o.bitfields {
		if bf.epoch < epoch {
			count++
			sum += bf.len()
		}
	}
	initialCapacity := uint64(defaultBitfieldCapacity)
	if count > 0 {
		initialCapacity = sum / count
	}

	if len(o.bitfields) < maxCachedEpochs {
		o.bitfields = append(o.bitfields, newEpochBitfield(epoch, initialCapacity))
		return len(o.bitfields) - 1, nil
	}

	// At capacity: reuse the slot of the oldest epoch.
	minIndex := 0
	for i, bf := range o.bitfields {
		if bf.epoch < o.bitfields[minIndex].epoch {
			minIndex = i
		}
	}
	o.bitfields[minIndex] = newEpochBitfield(epoch, initialCapacity)
	return minIndex, nil
}
