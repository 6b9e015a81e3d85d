package peers

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"github.com/prysmaticlabs/go-bitfield"

	"github.com/meridianlabs/meridian/beacon-chain/p2p/types"
	"github.com/meridianlabs/meridian/testing/assert"
	"github.com/meridianlabs/meridian/testing/require"
)

func drainDirectives(m *Manager) []Directive {
	var out []Directive
	for {
		select {
		case d := <-m.Directives():
			out = append(out, d)
		default:
			return out
		}
	}
}

func TestManager_ConnectedSchedulesStatus(t *testing.T) {
	m := NewManager(NewStatus(DefaultMaxBadResponses))
	pid := peer.ID("peer-a")

	m.Connected(pid, network.DirOutbound)

	directives := drainDirectives(m)
	require.Equal(t, 1, len(directives))
	assert.Equal(t, RequestStatus, directives[0].Kind)
	assert.Equal(t, pid, directives[0].Peer)

	state, err := m.Peers().ConnectionState(pid)
	require.NoError(t, err)
	assert.Equal(t, PeerConnected, state)

	m.Disconnected(pid)
	state, err = m.Peers().ConnectionState(pid)
	require.NoError(t, err)
	assert.Equal(t, PeerDisconnected, state)
}

func TestManager_PingSeenRequestsMetaDataWhenStale(t *testing.T) {
	m := NewManager(NewStatus(DefaultMaxBadResponses))
	pid := peer.ID("peer-a")

	// No metadata held at all: any ping triggers an exchange.
	m.PingSeen(pid, 0)
	directives := drainDirectives(m)
	require.Equal(t, 1, len(directives))
	assert.Equal(t, RequestMetaData, directives[0].Kind)

	m.Peers().SetMetadata(pid, &types.MetaData{SeqNumber: 5, Attnets: bitfield.NewBitvector64()})

	// Held metadata is current: no exchange needed.
	m.PingSeen(pid, 5)
	assert.Equal(t, 0, len(drainDirectives(m)))

	// Remote advanced past what we hold.
	m.PongSeen(pid, 6)
	directives = drainDirectives(m)
	require.Equal(t, 1, len(directives))
	assert.Equal(t, RequestMetaData, directives[0].Kind)
}

func TestManager_MetaDataSeenIgnoresStale(t *testing.T) {
	m := NewManager(NewStatus(DefaultMaxBadResponses))
	pid := peer.ID("peer-a")

	fresh := &types.MetaData{SeqNumber: 9, Attnets: bitfield.NewBitvector64()}
	fresh.Attnets.SetBitAt(1, true)
	m.MetaDataSeen(pid, fresh)

	stale := &types.MetaData{SeqNumber: 3, Attnets: bitfield.NewBitvector64()}
	m.MetaDataSeen(pid, stale)

	got := m.Peers().Metadata(pid)
	require.NotNil(t, got)
	assert.Equal(t, uint64(9), got.SeqNumber)
	assert.Equal(t, true, got.Attnets.BitAt(1))
}

func TestManager_RPCErrorDisconnectsBadPeer(t *testing.T) {
	m := NewManager(NewStatus(DefaultMaxBadResponses))
	pid := peer.ID("peer-a")

	for i := 0; i < DefaultMaxBadResponses-1; i++ {
		m.RPCError(pid, "/eth2/beacon_chain/req/status/1", errors.New("bad chunk"))
	}
	assert.Equal(t, 0, len(drainDirectives(m)))

	m.RPCError(pid, "/eth2/beacon_chain/req/status/1", errors.New("bad chunk"))
	directives := drainDirectives(m)
	require.Equal(t, 1, len(directives))
	assert.Equal(t, Disconnect, directives[0].Kind)
	assert.Equal(t, pid, directives[0].Peer)
	assert.Equal(t, true, m.Peers().IsBad(pid))
}

func TestManager_IdentifiedStoresFirstAddress(t *testing.T) {
	m := NewManager(NewStatus(DefaultMaxBadResponses))
	pid := peer.ID("peer-a")

	first, err := ma.NewMultiaddr("/ip4/10.0.0.1/tcp/9000")
	require.NoError(t, err)
	second, err := ma.NewMultiaddr("/ip4/10.0.0.2/tcp/9000")
	require.NoError(t, err)

	m.Identified(pid, "agent/v1", "proto/v1", []ma.Multiaddr{first, second})

	got, err := m.Peers().Address(pid)
	require.NoError(t, err)
	assert.Equal(t, true, first.Equal(got))
}

func TestManager_IdentifiedKeepsDirection(t *testing.T) {
	m := NewManager(NewStatus(DefaultMaxBadResponses))
	pid := peer.ID("peer-a")

	m.Connected(pid, network.DirInbound)
	addr, err := ma.NewMultiaddr("/ip4/10.0.0.1/tcp/9000")
	require.NoError(t, err)
	m.Identified(pid, "agent/v1", "proto/v1", []ma.Multiaddr{addr})

	// Identify exchanges carry no direction; the connection's stands.
	dir, err := m.Peers().Direction(pid)
	require.NoError(t, err)
	assert.Equal(t, network.DirInbound, dir)
}

func TestManager_HeartbeatPingsConnectedPeers(t *testing.T) {
	m := NewManager(NewStatus(DefaultMaxBadResponses))
	connected := peer.ID("peer-a")
	disconnected := peer.ID("peer-b")

	m.Connected(connected, network.DirOutbound)
	m.Connected(disconnected, network.DirOutbound)
	m.Disconnected(disconnected)
	drainDirectives(m)

	m.heartbeat()
	directives := drainDirectives(m)
	require.Equal(t, 1, len(directives))
	assert.Equal(t, SendPing, directives[0].Kind)
	assert.Equal(t, connected, directives[0].Peer)

	// A second heartbeat within the interval does not ping again.
	m.heartbeat()
	assert.Equal(t, 0, len(drainDirectives(m)))
}
