package types

import (
	ssz "github.com/ferranbt/fastssz"

	types "github.com/meridianlabs/meridian/consensus-types/primitives"
)

// Checkpoint is an epoch boundary reference.
type Checkpoint struct {
	Epoch types.Epoch
	Root  [32]byte
}

// MarshalSSZ ssz-marshals the Checkpoint object.
func (c *Checkpoint) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(c)
}

// MarshalSSZTo ssz-marshals the Checkpoint object into the target buffer.
func (c *Checkpoint) MarshalSSZTo(buf []byte) ([]byte, error) {
	dst := buf
	dst = ssz.MarshalUint64(dst, uint64(c.Epoch))
	dst = append(dst, c.Root[:]...)
	return dst, nil
}

// SizeSSZ returns the ssz-encoded size of the Checkpoint object.
func (c *Checkpoint) SizeSSZ() int {
	return 40
}

// UnmarshalSSZ ssz-unmarshals the Checkpoint object.
func (c *Checkpoint) UnmarshalSSZ(buf []byte) error {
	if len(buf) != c.SizeSSZ() {
		return ssz.ErrSize
	}
	c.Epoch = types.Epoch(ssz.UnmarshallUint64(buf[0:8]))
	copy(c.Root[:], buf[8:40])
	return nil
}

// Attestation is a single validator vote for a beacon block.
type Attestation struct {
	Slot            types.Slot
	CommitteeIndex  types.CommitteeIndex
	BeaconBlockRoot [32]byte
	Source          Checkpoint
	Target          Checkpoint
}

// MarshalSSZ ssz-marshals the Attestation object.
func (a *Attestation) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(a)
}

// MarshalSSZTo ssz-marshals the Attestation object into the target buffer.
func (a *Attestation) MarshalSSZTo(buf []byte) ([]byte, error) {
	var err error
	dst := buf
	dst = ssz.MarshalUint64(dst, uint64(a.Slot))
	dst = ssz.MarshalUint64(dst, uint64(a.CommitteeIndex))
	dst = append(dst, a.BeaconBlockRoot[:]...)
	if dst, err = a.Source.MarshalSSZTo(dst); err != nil {
		return nil, err
	}
	if dst, err = a.Target.MarshalSSZTo(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// SizeSSZ returns the ssz-encoded size of the Attestation object.
func (a *Attestation) SizeSSZ() int {
	return 128
}

// UnmarshalSSZ ssz-unmarshals the Attestation object.
func (a *Attestation) UnmarshalSSZ(buf []byte) error {
	if len(buf) != a.SizeSSZ() {
		return ssz.ErrSize
	}
	a.Slot = types.Slot(ssz.UnmarshallUint64(buf[0:8]))
	a.CommitteeIndex = types.CommitteeIndex(ssz.UnmarshallUint64(buf[8:16]))
	copy(a.BeaconBlockRoot[:], buf[16:48])
	if err := a.Source.UnmarshalSSZ(buf[48:88]); err != nil {
		return err
	}
	return a.Target.UnmarshalSSZ(buf[88:128])
}

// AggregateAndProof is an aggregated attestation published by the elected
// aggregator of a committee.
type AggregateAndProof struct {
	AggregatorIndex types.ValidatorIndex
	Aggregate       Attestation
}

// MarshalSSZ ssz-marshals the AggregateAndProof object.
func (a *AggregateAndProof) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(a)
}

// MarshalSSZTo ssz-marshals the AggregateAndProof object into the target buffer.
func (a *AggregateAndProof) MarshalSSZTo(buf []byte) ([]byte, error) {
	var err error
	dst := buf
	dst = ssz.MarshalUint64(dst, uint64(a.AggregatorIndex))
	if dst, err = a.Aggregate.MarshalSSZTo(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// SizeSSZ returns the ssz-encoded size of the AggregateAndProof object.
func (a *AggregateAndProof) SizeSSZ() int {
	return 136
}

// UnmarshalSSZ ssz-unmarshals the AggregateAndProof object.
func (a *AggregateAndProof) UnmarshalSSZ(buf []byte) error {
	if len(buf) != a.SizeSSZ() {
		return ssz.ErrSize
	}
	a.AggregatorIndex = types.ValidatorIndex(ssz.UnmarshallUint64(buf[0:8]))
	return a.Aggregate.UnmarshalSSZ(buf[8:136])
}

// BeaconBlock is the header form of a proposed block, which is all the
// networking core needs to route block gossip.
type BeaconBlock struct {
	Slot          types.Slot
	ProposerIndex types.ValidatorIndex
	ParentRoot    [32]byte
	StateRoot     [32]byte
	BodyRoot      [32]byte
}

// MarshalSSZ ssz-marshals the BeaconBlock object.
func (b *BeaconBlock) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(b)
}

// MarshalSSZTo ssz-marshals the BeaconBlock object into the target buffer.
func (b *BeaconBlock) MarshalSSZTo(buf []byte) ([]byte, error) {
	dst := buf
	dst = ssz.MarshalUint64(dst, uint64(b.Slot))
	dst = ssz.MarshalUint64(dst, uint64(b.ProposerIndex))
	dst = append(dst, b.ParentRoot[:]...)
	dst = append(dst, b.StateRoot[:]...)
	dst = append(dst, b.BodyRoot[:]...)
	return dst, nil
}

// SizeSSZ returns the ssz-encoded size of the BeaconBlock object.
func (b *BeaconBlock) SizeSSZ() int {
	return 112
}

// UnmarshalSSZ ssz-unmarshals the BeaconBlock object.
func (b *BeaconBlock) UnmarshalSSZ(buf []byte) error {
	if len(buf) != b.SizeSSZ() {
		return ssz.ErrSize
	}
	b.Slot = types.Slot(ssz.UnmarshallUint64(buf[0:8]))
	b.ProposerIndex = types.ValidatorIndex(ssz.UnmarshallUint64(buf[8:16]))
	copy(b.ParentRoot[:], buf[16:48])
	copy(b.StateRoot[:], buf[48:80])
	copy(b.BodyRoot[:], buf[80:112])
	return nil
}

// VoluntaryExit is a validator's request to leave the active set.
type VoluntaryExit struct {
	Epoch          types.Epoch
	ValidatorIndex types.ValidatorIndex
}

// MarshalSSZ ssz-marshals the VoluntaryExit object.
func (v *VoluntaryExit) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(v)
}

// MarshalSSZTo ssz-marshals the VoluntaryExit object into the target buffer.
func (v *VoluntaryExit) MarshalSSZTo(buf []byte) ([]byte, error) {
	dst := buf
	dst = ssz.MarshalUint64(dst, uint64(v.Epoch))
	dst = ssz.MarshalUint64(dst, uint64(v.ValidatorIndex))
	return dst, nil
}

// SizeSSZ returns the ssz-encoded size of the VoluntaryExit object.
func (v *VoluntaryExit) SizeSSZ() int {
	return 16
}

// UnmarshalSSZ ssz-unmarshals the VoluntaryExit object.
func (v *VoluntaryExit) UnmarshalSSZ(buf []byte) error {
	if len(buf) != v.SizeSSZ() {
		return ssz.ErrSize
	}
	v.Epoch = types.Epoch(ssz.UnmarshallUint64(buf[0:8]))
	v.ValidatorIndex = types.ValidatorIndex(ssz.UnmarshallUint64(buf[8:16]))
	return nil
}
