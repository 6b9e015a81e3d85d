// Package types defines the wire messages exchanged by the networking core.
// The structs are fixed-size and carry hand-rolled ssz marshalling satisfying
// the fastssz contracts used by the network encoder.
package types

import (
	ssz "github.com/ferranbt/fastssz"
	"github.com/prysmaticlabs/go-bitfield"

	types "github.com/meridianlabs/meridian/consensus-types/primitives"
	"github.com/meridianlabs/meridian/encoding/bytesutil"
)

// Ping is both the ping request and the pong response. The sequence number
// mirrors the sender's metadata sequence so peers can detect stale metadata.
type Ping struct {
	SeqNumber uint64
}

// MarshalSSZ ssz-marshals the Ping object.
func (p *Ping) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(p)
}

// MarshalSSZTo ssz-marshals the Ping object into the target buffer.
func (p *Ping) MarshalSSZTo(buf []byte) ([]byte, error) {
	dst := buf
	dst = ssz.MarshalUint64(dst, p.SeqNumber)
	return dst, nil
}

// SizeSSZ returns the ssz-encoded size of the Ping object.
func (p *Ping) SizeSSZ() int {
	return 8
}

// UnmarshalSSZ ssz-unmarshals the Ping object.
func (p *Ping) UnmarshalSSZ(buf []byte) error {
	if len(buf) != p.SizeSSZ() {
		return ssz.ErrSize
	}
	p.SeqNumber = ssz.UnmarshallUint64(buf[0:8])
	return nil
}

// MetaData describes the node's long-lived subnet subscriptions. The
// sequence number increases monotonically on every bitfield change.
type MetaData struct {
	SeqNumber uint64
	Attnets   bitfield.Bitvector64
}

// Copy returns a deep copy of the metadata.
func (m *MetaData) Copy() *MetaData {
	if m == nil {
		return nil
	}
	return &MetaData{
		SeqNumber: m.SeqNumber,
		Attnets:   bitfield.Bitvector64(bytesutil.SafeCopyBytes(m.Attnets)),
	}
}

// MarshalSSZ ssz-marshals the MetaData object.
func (m *MetaData) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(m)
}

// MarshalSSZTo ssz-marshals the MetaData object into the target buffer.
func (m *MetaData) MarshalSSZTo(buf []byte) ([]byte, error) {
	dst := buf
	dst = ssz.MarshalUint64(dst, m.SeqNumber)
	if len(m.Attnets) != 8 {
		return nil, ssz.ErrBytesLength
	}
	dst = append(dst, m.Attnets...)
	return dst, nil
}

// SizeSSZ returns the ssz-encoded size of the MetaData object.
func (m *MetaData) SizeSSZ() int {
	return 16
}

// UnmarshalSSZ ssz-unmarshals the MetaData object.
func (m *MetaData) UnmarshalSSZ(buf []byte) error {
	if len(buf) != m.SizeSSZ() {
		return ssz.ErrSize
	}
	m.SeqNumber = ssz.UnmarshallUint64(buf[0:8])
	m.Attnets = bitfield.Bitvector64(append([]byte{}, buf[8:16]...))
	return nil
}

// Status is the chain-state handshake exchanged when peers connect.
type Status struct {
	ForkDigest     [4]byte
	FinalizedRoot  [32]byte
	FinalizedEpoch types.Epoch
	HeadRoot       [32]byte
	HeadSlot       types.Slot
}

// MarshalSSZ ssz-marshals the Status object.
func (s *Status) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(s)
}

// MarshalSSZTo ssz-marshals the Status object into the target buffer.
func (s *Status) MarshalSSZTo(buf []byte) ([]byte, error) {
	dst := buf
	dst = append(dst, s.ForkDigest[:]...)
	dst = append(dst, s.FinalizedRoot[:]...)
	dst = ssz.MarshalUint64(dst, uint64(s.FinalizedEpoch))
	dst = append(dst, s.HeadRoot[:]...)
	dst = ssz.MarshalUint64(dst, uint64(s.HeadSlot))
	return dst, nil
}

// SizeSSZ returns the ssz-encoded size of the Status object.
func (s *Status) SizeSSZ() int {
	return 84
}

// UnmarshalSSZ ssz-unmarshals the Status object.
func (s *Status) UnmarshalSSZ(buf []byte) error {
	if len(buf) != s.SizeSSZ() {
		return ssz.ErrSize
	}
	copy(s.ForkDigest[:], buf[0:4])
	copy(s.FinalizedRoot[:], buf[4:36])
	s.FinalizedEpoch = types.Epoch(ssz.UnmarshallUint64(buf[36:44]))
	copy(s.HeadRoot[:], buf[44:76])
	s.HeadSlot = types.Slot(ssz.UnmarshallUint64(buf[76:84]))
	return nil
}

// Goodbye carries the reason code a peer supplies when disconnecting.
type Goodbye struct {
	Reason uint64
}

// MarshalSSZ ssz-marshals the Goodbye object.
func (g *Goodbye) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(g)
}

// MarshalSSZTo ssz-marshals the Goodbye object into the target buffer.
func (g *Goodbye) MarshalSSZTo(buf []byte) ([]byte, error) {
	dst := buf
	dst = ssz.MarshalUint64(dst, g.Reason)
	return dst, nil
}

// SizeSSZ returns the ssz-encoded size of the Goodbye object.
func (g *Goodbye) SizeSSZ() int {
	return 8
}

// UnmarshalSSZ ssz-unmarshals the Goodbye object.
func (g *Goodbye) UnmarshalSSZ(buf []byte) error {
	if len(buf) != g.SizeSSZ() {
		return ssz.ErrSize
	}
	g.Reason = ssz.UnmarshallUint64(buf[0:8])
	return nil
}

// ENRForkID is the ssz value stored under the eth2 ENR key. Peers only dial
// each other when their fork digests match.
type ENRForkID struct {
	CurrentForkDigest [4]byte
	NextForkVersion   [4]byte
	NextForkEpoch     types.Epoch
}

// Copy returns a deep copy of the fork id.
func (f *ENRForkID) Copy() *ENRForkID {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

// MarshalSSZ ssz-marshals the ENRForkID object.
func (f *ENRForkID) MarshalSSZ() ([]byte, error) {
	return ssz.MarshalSSZ(f)
}

// MarshalSSZTo ssz-marshals the ENRForkID object into the target buffer.
func (f *ENRForkID) MarshalSSZTo(buf []byte) ([]byte, error) {
	dst := buf
	dst = append(dst, f.CurrentForkDigest[:]...)
	dst = append(dst, f.NextForkVersion[:]...)
	dst = ssz.MarshalUint64(dst, uint64(f.NextForkEpoch))
	return dst, nil
}

// SizeSSZ returns the ssz-encoded size of the ENRForkID object.
func (f *ENRForkID) SizeSSZ() int {
	return 16
}

// UnmarshalSSZ ssz-unmarshals the ENRForkID object.
func (f *ENRForkID) UnmarshalSSZ(buf []byte) error {
	if len(buf) != f.SizeSSZ() {
		return ssz.ErrSize
	}
	copy(f.CurrentForkDigest[:], buf[0:4])
	copy(f.NextForkVersion[:], buf[4:8])
	f.NextForkEpoch = types.Epoch(ssz.UnmarshallUint64(buf[8:16]))
	return nil
}
