package p2p

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	gcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	fastssz "github.com/ferranbt/fastssz"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"github.com/prysmaticlabs/go-bitfield"
	"github.com/sirupsen/logrus"
	logTest "github.com/sirupsen/logrus/hooks/test"

	"github.com/meridianlabs/meridian/beacon-chain/p2p/encoder"
	"github.com/meridianlabs/meridian/beacon-chain/p2p/peers"
	"github.com/meridianlabs/meridian/beacon-chain/p2p/types"
	"github.com/meridianlabs/meridian/config/params"
	primitives "github.com/meridianlabs/meridian/consensus-types/primitives"
	"github.com/meridianlabs/meridian/testing/assert"
	"github.com/meridianlabs/meridian/testing/require"
)

type mockGossipEngine struct {
	events     chan GossipEvent
	subscribed map[string]bool
	published  map[string][][]byte
	peers      map[string][]peer.ID
}

func newMockGossipEngine() *mockGossipEngine {
	return &mockGossipEngine{
		events:     make(chan GossipEvent, 64),
		subscribed: make(map[string]bool),
		published:  make(map[string][][]byte),
		peers:      make(map[string][]peer.ID),
	}
}

func (m *mockGossipEngine) Subscribe(topic string) bool {
	if m.subscribed[topic] {
		return false
	}
	m.subscribed[topic] = true
	return true
}

func (m *mockGossipEngine) Unsubscribe(topic string) bool {
	if !m.subscribed[topic] {
		return false
	}
	delete(m.subscribed, topic)
	return true
}

func (m *mockGossipEngine) Publish(topic string, data []byte) error {
	m.published[topic] = append(m.published[topic], data)
	return nil
}

func (m *mockGossipEngine) ListPeers(topic string) []peer.ID {
	return m.peers[topic]
}

func (m *mockGossipEngine) Events() <-chan GossipEvent {
	return m.events
}

type sentRPC struct {
	pid peer.ID
	ev  *RPCEvent
}

type mockRPCEngine struct {
	events chan RPCMessage
	sent   []sentRPC
}

func newMockRPCEngine() *mockRPCEngine {
	return &mockRPCEngine{events: make(chan RPCMessage, 64)}
}

func (m *mockRPCEngine) Send(pid peer.ID, ev *RPCEvent) error {
	m.sent = append(m.sent, sentRPC{pid: pid, ev: ev})
	return nil
}

func (m *mockRPCEngine) Events() <-chan RPCMessage {
	return m.events
}

type mockIdentifyEngine struct {
	events chan IdentifyEvent
}

func (m *mockIdentifyEngine) Events() <-chan IdentifyEvent {
	return m.events
}

type mockDiscovery struct {
	localNode *enode.LocalNode
	records   map[peer.ID]*enode.Node
	requests  []primitives.SubnetID
	banned    map[peer.ID]bool
	added     []*enode.Node
	events    chan DiscoveryEvent
}

func newMockDiscovery(t *testing.T, forkID *types.ENRForkID) *mockDiscovery {
	db, err := enode.OpenDB("")
	require.NoError(t, err)
	t.Cleanup(db.Close)
	key, err := gcrypto.GenerateKey()
	require.NoError(t, err)
	localNode := enode.NewLocalNode(db, key)
	initializeAttSubnets(localNode)
	require.NoError(t, addForkEntry(localNode, forkID))
	return &mockDiscovery{
		localNode: localNode,
		records:   make(map[peer.ID]*enode.Node),
		banned:    make(map[peer.ID]bool),
		events:    make(chan DiscoveryEvent, 4),
	}
}

func (m *mockDiscovery) LocalNode() *enode.LocalNode {
	return m.localNode
}

func (m *mockDiscovery) UpdateForkEntry(forkID *types.ENRForkID) error {
	return addForkEntry(m.localNode, forkID)
}

func (m *mockDiscovery) UpdateSubnetBitfield(subnet primitives.SubnetID, present bool) error {
	bitV, err := attSubnetBitfield(m.localNode.Node().Record())
	if err != nil {
		return err
	}
	bitV.SetBitAt(uint64(subnet), present)
	m.localNode.Set(enr.WithEntry(params.BeaconNetworkConfig().AttSubnetKey, bitV.Bytes()))
	return nil
}

func (m *mockDiscovery) RecordOf(pid peer.ID) *enode.Node {
	return m.records[pid]
}

func (m *mockDiscovery) AddNode(node *enode.Node) error {
	m.added = append(m.added, node)
	return nil
}

func (m *mockDiscovery) Nodes() []*enode.Node {
	return m.added
}

func (m *mockDiscovery) PeersRequest(subnet primitives.SubnetID) {
	m.requests = append(m.requests, subnet)
}

func (m *mockDiscovery) BanPeer(pid peer.ID)   { m.banned[pid] = true }
func (m *mockDiscovery) UnbanPeer(pid peer.ID) { m.banned[pid] = false }

func (m *mockDiscovery) Events() <-chan DiscoveryEvent {
	return m.events
}

type behaviourTest struct {
	behaviour *Behaviour
	gossip    *mockGossipEngine
	rpc       *mockRPCEngine
	identify  *mockIdentifyEngine
	discovery *mockDiscovery
	globals   *NetworkGlobals
	pm        *peers.Manager
}

var testForkID = &types.ENRForkID{
	CurrentForkDigest: [4]byte{0xde, 0xad, 0xbe, 0xef},
	NextForkVersion:   [4]byte{0x00, 0x00, 0x00, 0x01},
	NextForkEpoch:     primitives.Epoch(5),
}

func setupBehaviour(t *testing.T) *behaviourTest {
	gossip := newMockGossipEngine()
	rpc := newMockRPCEngine()
	identify := &mockIdentifyEngine{events: make(chan IdentifyEvent, 16)}
	discovery := newMockDiscovery(t, testForkID)
	globals := NewNetworkGlobals()
	pm := peers.NewManager(globals.Peers)
	behaviour, err := NewBehaviour(&Engines{
		Gossip:    gossip,
		RPC:       rpc,
		Identify:  identify,
		Discovery: discovery,
	}, globals, pm)
	require.NoError(t, err)
	return &behaviourTest{
		behaviour: behaviour,
		gossip:    gossip,
		rpc:       rpc,
		identify:  identify,
		discovery: discovery,
		globals:   globals,
		pm:        pm,
	}
}

// drain polls until the behaviour has no more events, returning them all.
// Directives queued while draining engine events only execute on the next
// Poll, so two empty polls in a row are required before giving up.
func (bt *behaviourTest) drain(t *testing.T) []*BehaviourEvent {
	t.Helper()
	var events []*BehaviourEvent
	misses := 0
	for misses < 2 {
		ev, ok := bt.behaviour.Poll(context.Background())
		if !ok {
			misses++
			continue
		}
		misses = 0
		events = append(events, ev)
	}
	return events
}

func encodeGossip(t *testing.T, msg fastssz.Marshaler) []byte {
	buf := new(bytes.Buffer)
	enc := &encoder.SszNetworkEncoder{}
	_, err := enc.EncodeGossip(buf, msg)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestBehaviour_SubscribeKind(t *testing.T) {
	bt := setupBehaviour(t)

	assert.Equal(t, true, bt.behaviour.SubscribeKind(GossipBlockMessage))
	assert.Equal(t, false, bt.behaviour.SubscribeKind(GossipBlockMessage), "redundant subscribe is a no-op")

	wantTopic := fmt.Sprintf("/eth2/%x/%s/%s", testForkID.CurrentForkDigest, GossipBlockMessage, GossipEncodingSSZSnappy)
	assert.Equal(t, true, bt.gossip.subscribed[wantTopic])
	assert.Equal(t, 1, len(bt.globals.Subscriptions()))

	assert.Equal(t, true, bt.behaviour.UnsubscribeKind(GossipBlockMessage))
	assert.Equal(t, false, bt.behaviour.UnsubscribeKind(GossipBlockMessage))
	assert.Equal(t, 0, len(bt.globals.Subscriptions()))
}

func TestBehaviour_GossipMessageSurfacedOnce(t *testing.T) {
	bt := setupBehaviour(t)
	bt.behaviour.SubscribeToSubnet(3)

	att := &types.Attestation{Slot: 7, CommitteeIndex: 3}
	topic := bt.behaviour.topicForKind(AttestationSubnetKind(3)).String()
	data := encodeGossip(t, att)
	src := peer.ID("peer-a")

	bt.gossip.events <- &GossipMessageReceived{DeliveryID: "id-1", Source: src, Topic: topic, Data: data}
	bt.gossip.events <- &GossipMessageReceived{DeliveryID: "id-1", Source: peer.ID("peer-b"), Topic: topic, Data: data}

	events := bt.drain(t)
	require.Equal(t, 1, len(events), "duplicate delivery must be dropped")
	require.Equal(t, EvtPubsubMessage, events[0].Kind)
	require.NotNil(t, events[0].Message)
	assert.Equal(t, "id-1", events[0].Message.DeliveryID)
	assert.Equal(t, src, events[0].Message.Source)

	decoded, ok := events[0].Message.Message.(*types.Attestation)
	require.Equal(t, true, ok)
	assert.Equal(t, primitives.Slot(7), decoded.Slot)

	// A fresh delivery id for the same payload passes again.
	bt.gossip.events <- &GossipMessageReceived{DeliveryID: "id-2", Source: src, Topic: topic, Data: data}
	events = bt.drain(t)
	require.Equal(t, 1, len(events))
}

func TestBehaviour_DuplicateGossipLogsDecodedMessage(t *testing.T) {
	logrus.SetLevel(logrus.DebugLevel)
	hook := logTest.NewGlobal()
	bt := setupBehaviour(t)
	bt.behaviour.SubscribeToSubnet(3)

	att := &types.Attestation{Slot: 7, CommitteeIndex: 3}
	topic := bt.behaviour.topicForKind(AttestationSubnetKind(3)).String()
	data := encodeGossip(t, att)

	bt.gossip.events <- &GossipMessageReceived{DeliveryID: "dup", Source: "peer-a", Topic: topic, Data: data}
	bt.gossip.events <- &GossipMessageReceived{DeliveryID: "dup", Source: "peer-b", Topic: topic, Data: data}

	events := bt.drain(t)
	require.Equal(t, 1, len(events))
	require.LogsContain(t, hook, "Dropping duplicate gossip message")
	require.LogsContain(t, hook, "types.Attestation")
}

func TestBehaviour_GossipUndecodableDropped(t *testing.T) {
	bt := setupBehaviour(t)
	topic := bt.behaviour.topicForKind(GossipBlockMessage).String()

	bt.gossip.events <- &GossipMessageReceived{DeliveryID: "bad", Source: "p", Topic: topic, Data: []byte{0xff}}
	assert.Equal(t, 0, len(bt.drain(t)))
}

func TestBehaviour_PeerSubscribedSurfaced(t *testing.T) {
	bt := setupBehaviour(t)
	topic := bt.behaviour.topicForKind(GossipBlockMessage)

	bt.gossip.events <- &GossipPeerSubscribed{Peer: "peer-a", Topic: topic.String()}
	events := bt.drain(t)
	require.Equal(t, 1, len(events))
	assert.Equal(t, EvtPeerSubscribed, events[0].Kind)
	assert.Equal(t, peer.ID("peer-a"), events[0].Peer)
	assert.Equal(t, topic, events[0].Topic)
}

func TestBehaviour_Publish(t *testing.T) {
	bt := setupBehaviour(t)

	bt.behaviour.Publish(
		&types.Attestation{Slot: 1, CommitteeIndex: 68},
		&types.BeaconBlock{Slot: 2},
	)

	// Committee index 68 maps onto subnet 4.
	attTopic := bt.behaviour.topicForKind(AttestationSubnetKind(4)).String()
	blockTopic := bt.behaviour.topicForKind(GossipBlockMessage).String()
	require.Equal(t, 1, len(bt.gossip.published[attTopic]))
	require.Equal(t, 1, len(bt.gossip.published[blockTopic]))

	// Round-trip the published attestation bytes.
	enc := &encoder.SszNetworkEncoder{}
	got := &types.Attestation{}
	require.NoError(t, enc.DecodeGossip(bt.gossip.published[attTopic][0], got))
	assert.Equal(t, primitives.Slot(1), got.Slot)
}

type unroutableMessage struct{}

func (*unroutableMessage) MarshalSSZ() ([]byte, error) { return nil, errors.New("no") }

func (*unroutableMessage) MarshalSSZTo(_ []byte) ([]byte, error) { return nil, errors.New("no") }

func (*unroutableMessage) SizeSSZ() int { return 0 }

func TestBehaviour_PublishSkipsUnroutableMessage(t *testing.T) {
	bt := setupBehaviour(t)

	bt.behaviour.Publish(
		&unroutableMessage{},
		&types.VoluntaryExit{Epoch: 3, ValidatorIndex: 9},
	)

	exitTopic := bt.behaviour.topicForKind(GossipExitMessage).String()
	require.Equal(t, 1, len(bt.gossip.published[exitTopic]), "remaining messages still publish")
	assert.Equal(t, 1, len(bt.gossip.published))
}

func TestBehaviour_PingRequestAnsweredInternally(t *testing.T) {
	bt := setupBehaviour(t)
	pid := peer.ID("peer-a")

	bt.rpc.events <- RPCMessage{Peer: pid, Event: &RPCEvent{
		ID:      42,
		Kind:    RPCRequestKind,
		Method:  MethodPing,
		Payload: &types.Ping{SeqNumber: 9},
	}}

	events := bt.drain(t)
	assert.Equal(t, 0, len(events), "ping exchanges never reach the application")

	// A pong carrying our sequence number goes back on the same exchange,
	// and the unknown remote sequence number triggers a metadata request.
	require.Equal(t, 2, len(bt.rpc.sent))
	pong := bt.rpc.sent[0]
	assert.Equal(t, pid, pong.pid)
	assert.Equal(t, RPCResponseKind, pong.ev.Kind)
	assert.Equal(t, MethodPing, pong.ev.Method)
	assert.Equal(t, RequestID(42), pong.ev.ID)
	mdReq := bt.rpc.sent[1]
	assert.Equal(t, RPCRequestKind, mdReq.ev.Kind)
	assert.Equal(t, MethodMetaData, mdReq.ev.Method)
}

func TestBehaviour_MetaDataResponseRecorded(t *testing.T) {
	bt := setupBehaviour(t)
	pid := peer.ID("peer-a")
	md := &types.MetaData{SeqNumber: 3, Attnets: bitfield.NewBitvector64()}
	md.Attnets.SetBitAt(5, true)

	bt.rpc.events <- RPCMessage{Peer: pid, Event: &RPCEvent{
		Kind:    RPCResponseKind,
		Method:  MethodMetaData,
		Payload: md,
	}}

	assert.Equal(t, 0, len(bt.drain(t)))
	stored := bt.globals.Peers.Metadata(pid)
	require.NotNil(t, stored)
	assert.Equal(t, uint64(3), stored.SeqNumber)
	assert.Equal(t, true, stored.Attnets.BitAt(5))
}

func TestBehaviour_StatusSurfacedAndRecorded(t *testing.T) {
	bt := setupBehaviour(t)
	pid := peer.ID("peer-a")
	status := &types.Status{ForkDigest: testForkID.CurrentForkDigest, HeadSlot: 1024}

	bt.rpc.events <- RPCMessage{Peer: pid, Event: &RPCEvent{
		ID:      7,
		Kind:    RPCRequestKind,
		Method:  MethodStatus,
		Payload: status,
	}}

	events := bt.drain(t)
	require.Equal(t, 1, len(events))
	assert.Equal(t, EvtRPC, events[0].Kind)
	assert.Equal(t, pid, events[0].Peer)
	assert.Equal(t, MethodStatus, events[0].RPC.Method)

	stored := bt.globals.Peers.ChainState(pid)
	require.NotNil(t, stored)
	assert.Equal(t, primitives.Slot(1024), stored.HeadSlot)
}

func TestBehaviour_RPCErrorPenalizesPeer(t *testing.T) {
	bt := setupBehaviour(t)
	pid := peer.ID("peer-a")

	bt.rpc.events <- RPCMessage{Peer: pid, Event: NewErrorEvent(0, MethodStatus, errors.New("bad chunk"))}

	events := bt.drain(t)
	require.Equal(t, 1, len(events))
	assert.Equal(t, EvtRPC, events[0].Kind)
	assert.Equal(t, RPCErrorKind, events[0].RPC.Kind)

	count, err := bt.globals.Peers.BadResponses(pid)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBehaviour_BadPeerDisconnectedWithGoodbye(t *testing.T) {
	bt := setupBehaviour(t)
	pid := peer.ID("peer-a")

	for i := 0; i < peers.DefaultMaxBadResponses; i++ {
		bt.rpc.events <- RPCMessage{Peer: pid, Event: NewErrorEvent(0, MethodPing, errors.New("boom"))}
		bt.drain(t)
	}

	var goodbyes int
	for _, sent := range bt.rpc.sent {
		if sent.ev.Method == MethodGoodbye && sent.pid == pid {
			goodbyes++
		}
	}
	require.Equal(t, 1, len(bt.rpc.sent))
	assert.Equal(t, 1, goodbyes)
}

func TestBehaviour_ConnectSchedulesStatusRequest(t *testing.T) {
	bt := setupBehaviour(t)
	pid := peer.ID("peer-a")

	bt.behaviour.NotifyPeerConnect(pid, network.DirOutbound)

	events := bt.drain(t)
	require.Equal(t, 1, len(events))
	assert.Equal(t, EvtStatusPeerRequest, events[0].Kind)
	assert.Equal(t, pid, events[0].Peer)

	state, err := bt.globals.Peers.ConnectionState(pid)
	require.NoError(t, err)
	assert.Equal(t, peers.PeerConnected, state)

	bt.behaviour.NotifyPeerDisconnect(pid)
	state, err = bt.globals.Peers.ConnectionState(pid)
	require.NoError(t, err)
	assert.Equal(t, peers.PeerDisconnected, state)
}

func TestBehaviour_ConnectSeedsMetadataFromRecord(t *testing.T) {
	bt := setupBehaviour(t)

	// Build a remote record advertising subnet 9.
	remote := newMockDiscovery(t, testForkID)
	require.NoError(t, remote.UpdateSubnetBitfield(9, true))
	node := remote.localNode.Node()
	pid, err := peerIDFromNode(node)
	require.NoError(t, err)
	bt.discovery.records[pid] = node

	bt.behaviour.NotifyPeerConnect(pid, network.DirInbound)

	md := bt.globals.Peers.Metadata(pid)
	require.NotNil(t, md)
	assert.Equal(t, uint64(0), md.SeqNumber)
	assert.Equal(t, true, md.Attnets.BitAt(9))
	assert.Equal(t, false, md.Attnets.BitAt(8))
}

func TestBehaviour_UpdateENRSubnet(t *testing.T) {
	bt := setupBehaviour(t)

	before := bt.behaviour.MetaData()
	bt.behaviour.UpdateENRSubnet(13, true)
	after := bt.behaviour.MetaData()

	assert.Equal(t, before.SeqNumber+1, after.SeqNumber, "sequence number advances")
	assert.Equal(t, true, after.Attnets.BitAt(13))

	// The local discovery record advertises the subnet too.
	bitV, err := attSubnetBitfield(bt.discovery.localNode.Node().Record())
	require.NoError(t, err)
	assert.Equal(t, true, bitV.BitAt(13))

	bt.behaviour.UpdateENRSubnet(13, false)
	final := bt.behaviour.MetaData()
	assert.Equal(t, before.SeqNumber+2, final.SeqNumber)
	assert.Equal(t, false, final.Attnets.BitAt(13))
}

func TestBehaviour_UpdateForkVersionResubscribes(t *testing.T) {
	bt := setupBehaviour(t)
	bt.behaviour.SubscribeKind(GossipBlockMessage)
	bt.behaviour.SubscribeToSubnet(1)
	bt.behaviour.SubscribeToSubnet(3)
	require.Equal(t, 3, len(bt.gossip.subscribed))

	newForkID := &types.ENRForkID{
		CurrentForkDigest: [4]byte{0x01, 0x02, 0x03, 0x04},
		NextForkVersion:   [4]byte{0x00, 0x00, 0x00, 0x02},
		NextForkEpoch:     primitives.Epoch(10),
	}
	bt.behaviour.UpdateForkVersion(newForkID)

	// Same kinds, all under the new digest, nothing left on the old one.
	require.Equal(t, 3, len(bt.gossip.subscribed))
	for topic := range bt.gossip.subscribed {
		parsed, err := ParseGossipTopic(topic)
		require.NoError(t, err)
		assert.Equal(t, newForkID.CurrentForkDigest, parsed.ForkDigest)
	}
	for _, topic := range bt.globals.Subscriptions() {
		assert.Equal(t, newForkID.CurrentForkDigest, topic.ForkDigest)
	}
	assert.Equal(t, 3, len(bt.globals.Subscriptions()))

	// The local record carries the new fork id.
	stored, err := forkEntry(bt.discovery.localNode.Node().Record())
	require.NoError(t, err)
	assert.Equal(t, newForkID.CurrentForkDigest, stored.CurrentForkDigest)

	// New subscriptions use the new digest.
	bt.behaviour.SubscribeToSubnet(5)
	parsed := bt.behaviour.topicForKind(AttestationSubnetKind(5))
	assert.Equal(t, newForkID.CurrentForkDigest, parsed.ForkDigest)
}

func TestBehaviour_IdentifyFeedsPeerStore(t *testing.T) {
	bt := setupBehaviour(t)
	pid := peer.ID("peer-a")

	addrs := make([]ma.Multiaddr, 0, 12)
	for i := 0; i < 12; i++ {
		addr, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/10.0.0.%d/tcp/9000", i+1))
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	bt.identify.events <- IdentifyEvent{
		Peer:         pid,
		AgentVersion: "meridian/v0.1.0",
		ListenAddrs:  addrs,
	}

	assert.Equal(t, 0, len(bt.drain(t)), "identify events never reach the application")
	stored, err := bt.globals.Peers.Address(pid)
	require.NoError(t, err)
	assert.Equal(t, true, addrs[0].Equal(stored))
}

func TestBehaviour_PollOrderAndOneEventAtATime(t *testing.T) {
	bt := setupBehaviour(t)
	topic := bt.behaviour.topicForKind(GossipBlockMessage)

	bt.gossip.events <- &GossipPeerSubscribed{Peer: "peer-a", Topic: topic.String()}
	bt.gossip.events <- &GossipPeerSubscribed{Peer: "peer-b", Topic: topic.String()}

	ev, ok := bt.behaviour.Poll(context.Background())
	require.Equal(t, true, ok)
	assert.Equal(t, peer.ID("peer-a"), ev.Peer)

	ev, ok = bt.behaviour.Poll(context.Background())
	require.Equal(t, true, ok)
	assert.Equal(t, peer.ID("peer-b"), ev.Peer)

	_, ok = bt.behaviour.Poll(context.Background())
	assert.Equal(t, false, ok)
}

func TestBehaviour_DiscoveryPassThroughs(t *testing.T) {
	bt := setupBehaviour(t)

	bt.behaviour.PeersRequest(17)
	require.Equal(t, 1, len(bt.discovery.requests))
	assert.Equal(t, primitives.SubnetID(17), bt.discovery.requests[0])

	pid := peer.ID("peer-a")
	bt.behaviour.PeerBanned(pid)
	assert.Equal(t, true, bt.discovery.banned[pid])
	bt.behaviour.PeerUnbanned(pid)
	assert.Equal(t, false, bt.discovery.banned[pid])

	remote := newMockDiscovery(t, testForkID)
	require.NoError(t, bt.behaviour.AddENR(remote.localNode.Node()))
	assert.Equal(t, 1, len(bt.discovery.added))
}
