package peers

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prysmaticlabs/go-bitfield"

	"github.com/meridianlabs/meridian/beacon-chain/p2p/types"
	primitives "github.com/meridianlabs/meridian/consensus-types/primitives"
	"github.com/meridianlabs/meridian/testing/assert"
	"github.com/meridianlabs/meridian/testing/require"
)

func TestStatus_MaxBadResponses(t *testing.T) {
	maxBadResponses := 2
	p := NewStatus(maxBadResponses)
	assert.Equal(t, maxBadResponses, p.MaxBadResponses())
}

func TestStatus_AddAndRetrieve(t *testing.T) {
	p := NewStatus(DefaultMaxBadResponses)
	pid := peer.ID("peer-a")
	addr, err := ma.NewMultiaddr("/ip4/172.16.5.4/tcp/9000")
	require.NoError(t, err)

	p.Add(pid, addr, network.DirInbound)

	gotAddr, err := p.Address(pid)
	require.NoError(t, err)
	assert.Equal(t, true, addr.Equal(gotAddr))
	dir, err := p.Direction(pid)
	require.NoError(t, err)
	assert.Equal(t, network.DirInbound, dir)
}

func TestStatus_AddUpdatesExisting(t *testing.T) {
	p := NewStatus(DefaultMaxBadResponses)
	pid := peer.ID("peer-a")
	addr, err := ma.NewMultiaddr("/ip4/172.16.5.4/tcp/9000")
	require.NoError(t, err)

	p.Add(pid, addr, network.DirOutbound)
	// Nil address and unknown direction leave the existing values alone.
	p.Add(pid, nil, network.DirUnknown)

	gotAddr, err := p.Address(pid)
	require.NoError(t, err)
	assert.Equal(t, true, addr.Equal(gotAddr))
	dir, err := p.Direction(pid)
	require.NoError(t, err)
	assert.Equal(t, network.DirOutbound, dir)
}

func TestStatus_UnknownPeer(t *testing.T) {
	p := NewStatus(DefaultMaxBadResponses)
	pid := peer.ID("nobody")

	_, err := p.Address(pid)
	require.ErrorIs(t, ErrPeerUnknown, err)
	_, err = p.Direction(pid)
	require.ErrorIs(t, ErrPeerUnknown, err)
	_, err = p.ConnectionState(pid)
	require.ErrorIs(t, ErrPeerUnknown, err)
	_, err = p.BadResponses(pid)
	require.ErrorIs(t, ErrPeerUnknown, err)
	assert.Equal(t, false, p.IsBad(pid))
	if p.Metadata(pid) != nil {
		t.Error("expected nil metadata for unknown peer")
	}
	if p.ChainState(pid) != nil {
		t.Error("expected nil chain state for unknown peer")
	}
}

func TestStatus_ConnectionState(t *testing.T) {
	p := NewStatus(DefaultMaxBadResponses)
	pid := peer.ID("peer-a")

	p.SetConnectionState(pid, PeerConnecting)
	state, err := p.ConnectionState(pid)
	require.NoError(t, err)
	assert.Equal(t, PeerConnecting, state)

	p.SetConnectionState(pid, PeerConnected)
	state, err = p.ConnectionState(pid)
	require.NoError(t, err)
	assert.Equal(t, PeerConnected, state)
}

func TestStatus_MetadataSequenceGating(t *testing.T) {
	p := NewStatus(DefaultMaxBadResponses)
	pid := peer.ID("peer-a")

	seeded := &types.MetaData{SeqNumber: 0, Attnets: bitfield.NewBitvector64()}
	seeded.Attnets.SetBitAt(3, true)
	p.SetMetadata(pid, seeded)

	got := p.Metadata(pid)
	require.NotNil(t, got)
	assert.Equal(t, uint64(0), got.SeqNumber)
	assert.Equal(t, true, got.Attnets.BitAt(3))

	// A real exchange with the same or higher sequence number supersedes
	// the placeholder.
	exchanged := &types.MetaData{SeqNumber: 0, Attnets: bitfield.NewBitvector64()}
	p.SetMetadata(pid, exchanged)
	got = p.Metadata(pid)
	assert.Equal(t, false, got.Attnets.BitAt(3))

	// Older records never overwrite newer ones.
	p.SetMetadata(pid, &types.MetaData{SeqNumber: 8, Attnets: bitfield.NewBitvector64()})
	p.SetMetadata(pid, &types.MetaData{SeqNumber: 2, Attnets: bitfield.NewBitvector64()})
	assert.Equal(t, uint64(8), p.Metadata(pid).SeqNumber)
}

func TestStatus_MetadataIsCopied(t *testing.T) {
	p := NewStatus(DefaultMaxBadResponses)
	pid := peer.ID("peer-a")

	md := &types.MetaData{SeqNumber: 1, Attnets: bitfield.NewBitvector64()}
	p.SetMetadata(pid, md)
	md.Attnets.SetBitAt(0, true)

	got := p.Metadata(pid)
	assert.Equal(t, false, got.Attnets.BitAt(0), "store must not alias caller's bitfield")
	got.SeqNumber = 99
	assert.Equal(t, uint64(1), p.Metadata(pid).SeqNumber)
}

func TestStatus_ChainState(t *testing.T) {
	p := NewStatus(DefaultMaxBadResponses)
	pid := peer.ID("peer-a")

	_, err := p.ChainStateLastUpdated(pid)
	require.ErrorIs(t, ErrPeerUnknown, err)

	chainState := &types.Status{HeadSlot: primitives.Slot(128)}
	p.SetChainState(pid, chainState)

	got := p.ChainState(pid)
	require.NotNil(t, got)
	assert.Equal(t, primitives.Slot(128), got.HeadSlot)
	lastUpdated, err := p.ChainStateLastUpdated(pid)
	require.NoError(t, err)
	assert.Equal(t, false, lastUpdated.IsZero())
}

func TestStatus_BadResponses(t *testing.T) {
	p := NewStatus(2)
	pid := peer.ID("peer-a")

	p.IncrementBadResponses(pid)
	count, err := p.BadResponses(pid)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, false, p.IsBad(pid))

	p.IncrementBadResponses(pid)
	assert.Equal(t, true, p.IsBad(pid))
}

func TestStatus_ConnectedAndActive(t *testing.T) {
	p := NewStatus(DefaultMaxBadResponses)

	connected := []peer.ID{"a", "b"}
	for _, pid := range connected {
		p.SetConnectionState(pid, PeerConnected)
	}
	p.SetConnectionState("c", PeerConnecting)
	p.SetConnectionState("d", PeerDisconnected)

	assert.Equal(t, 2, len(p.Connected()))
	assert.Equal(t, 3, len(p.Active()))
	assert.Equal(t, 4, len(p.All()))
}
