package p2p

import (
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/meridianlabs/meridian/beacon-chain/p2p/types"
	primitives "github.com/meridianlabs/meridian/consensus-types/primitives"
)

// GossipEvent is an event emitted by the gossip engine.
type GossipEvent interface {
	isGossipEvent()
}

// GossipMessageReceived is a message delivered by the gossip mesh.
type GossipMessageReceived struct {
	// DeliveryID is the content-addressed id of the delivery, used for
	// de-duplication and later propagation decisions.
	DeliveryID string
	// Source is the peer that forwarded the message to us, not necessarily
	// the peer that published it.
	Source peer.ID
	Topic  string
	Data   []byte
}

// GossipPeerSubscribed signals that a peer joined a topic we participate in.
type GossipPeerSubscribed struct {
	Peer  peer.ID
	Topic string
}

// GossipPeerUnsubscribed signals that a peer left a topic we participate in.
type GossipPeerUnsubscribed struct {
	Peer  peer.ID
	Topic string
}

func (*GossipMessageReceived) isGossipEvent()  {}
func (*GossipPeerSubscribed) isGossipEvent()   {}
func (*GossipPeerUnsubscribed) isGossipEvent() {}

// GossipEngine is the publish/subscribe broadcast capability consumed by the
// behaviour. Subscribe and Unsubscribe report whether the engine's internal
// state actually changed, so redundant calls are observable no-ops.
type GossipEngine interface {
	Subscribe(topic string) bool
	Unsubscribe(topic string) bool
	Publish(topic string, data []byte) error
	ListPeers(topic string) []peer.ID
	Events() <-chan GossipEvent
}

// RPCMessage pairs an RPC event with the remote peer it concerns.
type RPCMessage struct {
	Peer  peer.ID
	Event *RPCEvent
}

// RPCEngine is the typed request/response capability consumed by the
// behaviour. Send never blocks on network I/O; delivery failures surface as
// error events on the Events channel.
type RPCEngine interface {
	Send(pid peer.ID, ev *RPCEvent) error
	Events() <-chan RPCMessage
}

// IdentifyEvent carries a peer's software and address metadata, exchanged on
// connection.
type IdentifyEvent struct {
	Peer            peer.ID
	ProtocolVersion string
	AgentVersion    string
	ListenAddrs     []ma.Multiaddr
	ObservedAddr    ma.Multiaddr
	Protocols       []string
}

// IdentifyEngine exposes identify exchanges as an event stream.
type IdentifyEngine interface {
	Events() <-chan IdentifyEvent
}

// DiscoveryEvent is an internal discovery-engine event. Discovery surfaces
// peer records through direct queries, so these carry no payload and the
// behaviour sinks them.
type DiscoveryEvent struct{}

// Discovery is the peer-discovery capability consumed by the behaviour.
type Discovery interface {
	// LocalNode returns the mutable local discovery record.
	LocalNode() *enode.LocalNode
	// UpdateForkEntry rewrites the eth2 entry of the local record.
	UpdateForkEntry(forkID *types.ENRForkID) error
	// UpdateSubnetBitfield flips one bit of the local record's subnet
	// bitfield.
	UpdateSubnetBitfield(subnet primitives.SubnetID, present bool) error
	// RecordOf returns the discovery record of a connected peer, or nil when
	// none is known.
	RecordOf(pid peer.ID) *enode.Node
	// AddNode injects a record into the routing table.
	AddNode(node *enode.Node) error
	// Nodes lists the currently known records.
	Nodes() []*enode.Node
	// PeersRequest starts a background search for peers subscribed to a
	// long-lived subnet.
	PeersRequest(subnet primitives.SubnetID)
	// BanPeer and UnbanPeer toggle a peer's eligibility in searches.
	BanPeer(pid peer.ID)
	UnbanPeer(pid peer.ID)
	// Events exposes discovery-internal events; consumers sink them.
	Events() <-chan DiscoveryEvent
}
