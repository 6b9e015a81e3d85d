package p2p

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/p2p/enode"
	fastssz "github.com/ferranbt/fastssz"
	lru "github.com/hashicorp/golang-lru"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/meridianlabs/meridian/beacon-chain/p2p/encoder"
	"github.com/meridianlabs/meridian/beacon-chain/p2p/peers"
	"github.com/meridianlabs/meridian/beacon-chain/p2p/types"
	primitives "github.com/meridianlabs/meridian/consensus-types/primitives"
)

const (
	// seenGossipCacheSize bounds the delivery-id cache used to drop gossip
	// duplicates before they reach the application.
	seenGossipCacheSize = 100000

	// maxIdentifyAddresses caps the listen addresses taken from an identify
	// exchange. Peers advertising more are either misconfigured or malicious.
	maxIdentifyAddresses = 10

	// goodbyeReasonBanned is sent when the peer manager asks for a
	// disconnect after repeated protocol errors.
	goodbyeReasonBanned = 3
)

// BehaviourEventKind tags the variant of a BehaviourEvent.
type BehaviourEventKind int

const (
	// EvtRPC is an RPC request, response or error for the application.
	EvtRPC BehaviourEventKind = iota
	// EvtPubsubMessage is a decoded, de-duplicated gossip message.
	EvtPubsubMessage
	// EvtPeerSubscribed signals a remote peer joining a gossip topic.
	EvtPeerSubscribed
	// EvtStatusPeerRequest asks the application to run a status handshake
	// with the peer.
	EvtStatusPeerRequest
)

// PubsubMessage is a gossip message after decoding, as delivered to the
// application.
type PubsubMessage struct {
	// DeliveryID is the content-addressed id of the delivery.
	DeliveryID string
	// Source is the peer that forwarded the message to us.
	Source peer.ID
	Topic  GossipTopic
	// Message is the decoded payload, one of the types registered for the
	// topic kind.
	Message interface{}
}

// BehaviourEvent is a single event surfaced to the application by Poll. Kind
// selects which of the remaining fields are meaningful.
type BehaviourEvent struct {
	Kind BehaviourEventKind
	// Peer is set for EvtRPC, EvtPeerSubscribed and EvtStatusPeerRequest.
	Peer peer.ID
	// RPC is set for EvtRPC.
	RPC *RPCEvent
	// Message is set for EvtPubsubMessage.
	Message *PubsubMessage
	// Topic is set for EvtPeerSubscribed.
	Topic GossipTopic
}

// Engines bundles the four network capabilities the behaviour coordinates.
type Engines struct {
	Gossip    GossipEngine
	RPC       RPCEngine
	Identify  IdentifyEngine
	Discovery Discovery
}

// Behaviour coordinates the gossip, RPC, identify and discovery engines into
// a single event stream and keeps the node's advertised state (ENR entries,
// metadata, subscriptions) consistent across them.
//
// Poll and the notification methods may run on different goroutines; the
// event queue is only ever touched from Poll, while shared state (metadata,
// fork id) is lock-guarded.
type Behaviour struct {
	gossip    GossipEngine
	rpc       RPCEngine
	identify  IdentifyEngine
	discovery Discovery

	pm      *peers.Manager
	globals *NetworkGlobals
	enc     encoder.NetworkEncoding

	gossipEvents    <-chan GossipEvent
	rpcEvents       <-chan RPCMessage
	identifyEvents  <-chan IdentifyEvent
	discoveryEvents <-chan DiscoveryEvent

	// events is the FIFO of pending application events. Poll-goroutine only.
	events []*BehaviourEvent

	seenGossip *lru.Cache

	metaLock sync.RWMutex
	metaData *types.MetaData

	forkLock  sync.RWMutex
	enrForkID *types.ENRForkID
}

// NewBehaviour builds a behaviour around already-constructed engines. The
// discovery engine's local record must carry fork and subnet entries.
func NewBehaviour(engines *Engines, globals *NetworkGlobals, pm *peers.Manager) (*Behaviour, error) {
	record := engines.Discovery.LocalNode().Node().Record()
	forkID, err := forkEntry(record)
	if err != nil {
		return nil, errors.Wrap(err, "local record carries no fork entry")
	}
	bitV, err := attSubnetBitfield(record)
	if err != nil {
		return nil, errors.Wrap(err, "local record carries no subnet bitfield")
	}
	seenCache, err := lru.New(seenGossipCacheSize)
	if err != nil {
		return nil, err
	}
	return &Behaviour{
		gossip:          engines.Gossip,
		rpc:             engines.RPC,
		identify:        engines.Identify,
		discovery:       engines.Discovery,
		pm:              pm,
		globals:         globals,
		enc:             &encoder.SszNetworkEncoder{},
		gossipEvents:    engines.Gossip.Events(),
		rpcEvents:       engines.RPC.Events(),
		identifyEvents:  engines.Identify.Events(),
		discoveryEvents: engines.Discovery.Events(),
		seenGossip:      seenCache,
		metaData:        &types.MetaData{SeqNumber: 0, Attnets: bitV},
		enrForkID:       forkID,
	}, nil
}

// MetaData returns a copy of the node's current metadata.
func (b *Behaviour) MetaData() *types.MetaData {
	b.metaLock.RLock()
	defer b.metaLock.RUnlock()
	return b.metaData.Copy()
}

// ENRForkID returns a copy of the fork id currently advertised in the local
// record.
func (b *Behaviour) ENRForkID() *types.ENRForkID {
	b.forkLock.RLock()
	defer b.forkLock.RUnlock()
	return b.enrForkID.Copy()
}

func (b *Behaviour) currentForkDigest() [4]byte {
	b.forkLock.RLock()
	defer b.forkLock.RUnlock()
	return b.enrForkID.CurrentForkDigest
}

func (b *Behaviour) currentSeqNumber() uint64 {
	b.metaLock.RLock()
	defer b.metaLock.RUnlock()
	return b.metaData.SeqNumber
}

// SubscribeKind joins the gossip topic of the kind under the current fork
// digest. It reports whether the subscription is new.
func (b *Behaviour) SubscribeKind(kind GossipKind) bool {
	return b.subscribe(b.topicForKind(kind))
}

// UnsubscribeKind leaves the gossip topic of the kind under the current fork
// digest. It reports whether a subscription was actually removed.
func (b *Behaviour) UnsubscribeKind(kind GossipKind) bool {
	return b.unsubscribe(b.topicForKind(kind))
}

// SubscribeToSubnet joins the attestation topic of the given subnet.
func (b *Behaviour) SubscribeToSubnet(subnet primitives.SubnetID) bool {
	return b.subscribe(b.topicForKind(AttestationSubnetKind(subnet)))
}

// UnsubscribeFromSubnet leaves the attestation topic of the given subnet.
func (b *Behaviour) UnsubscribeFromSubnet(subnet primitives.SubnetID) bool {
	return b.unsubscribe(b.topicForKind(AttestationSubnetKind(subnet)))
}

func (b *Behaviour) topicForKind(kind GossipKind) GossipTopic {
	return GossipTopic{
		Kind:       kind,
		Encoding:   DefaultGossipEncoding(),
		ForkDigest: b.currentForkDigest(),
	}
}

func (b *Behaviour) subscribe(topic GossipTopic) bool {
	b.globals.AddSubscription(topic)
	return b.gossip.Subscribe(topic.String())
}

func (b *Behaviour) unsubscribe(topic GossipTopic) bool {
	b.globals.RemoveSubscription(topic)
	return b.gossip.Unsubscribe(topic.String())
}

// Publish encodes and broadcasts each message on the topic derived from its
// type under the current fork digest. A message that cannot be mapped or
// encoded is logged and skipped; the remaining messages are still sent.
func (b *Behaviour) Publish(msgs ...fastssz.Marshaler) {
	for _, msg := range msgs {
		kind, err := topicKindForMessage(msg)
		if err != nil {
			log.WithError(err).Error("Could not determine gossip topic for message")
			continue
		}
		topic := b.topicForKind(kind)
		buf := new(bytes.Buffer)
		if _, err := b.enc.EncodeGossip(buf, msg); err != nil {
			log.WithError(err).WithField("topic", topic.String()).Error("Could not encode gossip message")
			continue
		}
		if err := b.gossip.Publish(topic.String(), buf.Bytes()); err != nil {
			log.WithError(err).WithField("topic", topic.String()).Error("Could not publish gossip message")
		}
	}
}

// SendRPC hands an outbound RPC event to the RPC engine.
func (b *Behaviour) SendRPC(pid peer.ID, ev *RPCEvent) error {
	return b.rpc.Send(pid, ev)
}

// UpdateENRSubnet flips a subnet bit in the local discovery record and bumps
// the metadata sequence number. The sequence number advances even when the
// record write fails, so peers re-fetch metadata and observe whatever state
// the record settled in.
func (b *Behaviour) UpdateENRSubnet(subnet primitives.SubnetID, subscribed bool) {
	if err := b.discovery.UpdateSubnetBitfield(subnet, subscribed); err != nil {
		log.WithError(err).WithField("subnet", subnet).Error("Could not update subnet bitfield in local record")
	}
	b.metaLock.Lock()
	defer b.metaLock.Unlock()
	b.metaData.SeqNumber++
	bitV, err := attSubnetBitfield(b.discovery.LocalNode().Node().Record())
	if err != nil {
		log.WithError(err).Error("Could not read subnet bitfield back from local record")
		return
	}
	b.metaData.Attnets = bitV
}

// UpdateForkVersion moves every active subscription onto the new fork
// digest: the local record is rewritten, all topics are left, their digests
// rewritten, and the topics rejoined. Publishes racing a fork update may go
// out under either digest.
func (b *Behaviour) UpdateForkVersion(forkID *types.ENRForkID) {
	if err := b.discovery.UpdateForkEntry(forkID); err != nil {
		log.WithError(err).Error("Could not update fork entry in local record")
	}
	subscribed := b.globals.Subscriptions()
	for _, topic := range subscribed {
		b.unsubscribe(topic)
	}
	b.forkLock.Lock()
	b.enrForkID = forkID.Copy()
	b.forkLock.Unlock()
	for _, topic := range subscribed {
		topic.ForkDigest = forkID.CurrentForkDigest
		b.subscribe(topic)
	}
}

// NotifyPeerConnect registers a new peer connection. When the peer's
// discovery record is known, the subnet bitfield it advertises is seeded
// into the status store as sequence-zero metadata so subnet queries work
// before the first metadata exchange.
func (b *Behaviour) NotifyPeerConnect(pid peer.ID, direction network.Direction) {
	b.pm.Connected(pid, direction)
	node := b.discovery.RecordOf(pid)
	if node == nil {
		return
	}
	bitV, err := attSubnetBitfield(node.Record())
	if err != nil {
		log.WithError(err).WithField("peer", pid.String()).Debug("Peer record carries no usable subnet bitfield")
		return
	}
	b.globals.Peers.SetMetadata(pid, &types.MetaData{SeqNumber: 0, Attnets: bitV})
}

// NotifyPeerDisconnect registers the termination of a peer connection.
func (b *Behaviour) NotifyPeerDisconnect(pid peer.ID) {
	b.pm.Disconnected(pid)
}

// PeersRequest starts a background discovery search for peers on the subnet.
func (b *Behaviour) PeersRequest(subnet primitives.SubnetID) {
	b.discovery.PeersRequest(subnet)
}

// AddENR injects a discovery record into the routing table.
func (b *Behaviour) AddENR(node *enode.Node) error {
	return b.discovery.AddNode(node)
}

// PeerBanned excludes a peer from discovery searches.
func (b *Behaviour) PeerBanned(pid peer.ID) {
	b.discovery.BanPeer(pid)
}

// PeerUnbanned restores a peer's eligibility in discovery searches.
func (b *Behaviour) PeerUnbanned(pid peer.ID) {
	b.discovery.UnbanPeer(pid)
}

// Poll advances the behaviour and returns the next application event, if
// any. Pending peer-manager directives are executed to exhaustion first,
// then engine events are drained without blocking and translated; finally at
// most one queued event is popped.
func (b *Behaviour) Poll(ctx context.Context) (*BehaviourEvent, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	b.drainDirectives()
	b.drainEngines()
	if len(b.events) == 0 {
		return nil, false
	}
	ev := b.events[0]
	b.events = b.events[1:]
	return ev, true
}

func (b *Behaviour) enqueue(ev *BehaviourEvent) {
	b.events = append(b.events, ev)
	behaviourEventsTotal.WithLabelValues(ev.Kind.String()).Inc()
}

func (b *Behaviour) drainDirectives() {
	for {
		select {
		case d := <-b.pm.Directives():
			b.handleDirective(d)
		default:
			return
		}
	}
}

func (b *Behaviour) handleDirective(d peers.Directive) {
	switch d.Kind {
	case peers.RequestStatus:
		b.enqueue(&BehaviourEvent{Kind: EvtStatusPeerRequest, Peer: d.Peer})
	case peers.SendPing:
		if err := b.rpc.Send(d.Peer, NewPingRequest(b.currentSeqNumber())); err != nil {
			log.WithError(err).WithField("peer", d.Peer.String()).Debug("Could not send ping")
		}
	case peers.RequestMetaData:
		if err := b.rpc.Send(d.Peer, NewMetaDataRequest()); err != nil {
			log.WithError(err).WithField("peer", d.Peer.String()).Debug("Could not request metadata")
		}
	case peers.Disconnect:
		if err := b.rpc.Send(d.Peer, NewGoodbyeRequest(goodbyeReasonBanned)); err != nil {
			log.WithError(err).WithField("peer", d.Peer.String()).Debug("Could not send goodbye")
		}
	}
}

func (b *Behaviour) drainEngines() {
	for {
		select {
		case ev := <-b.gossipEvents:
			b.handleGossipEvent(ev)
		case msg := <-b.rpcEvents:
			b.handleRPCMessage(msg)
		case ev := <-b.identifyEvents:
			b.handleIdentifyEvent(ev)
		case <-b.discoveryEvents:
			// Discovery surfaces peers through direct queries only.
		default:
			return
		}
	}
}

func (b *Behaviour) handleGossipEvent(ev GossipEvent) {
	switch e := ev.(type) {
	case *GossipMessageReceived:
		b.handleGossipMessage(e)
	case *GossipPeerSubscribed:
		topic, err := ParseGossipTopic(e.Topic)
		if err != nil {
			log.WithError(err).Debug("Peer subscribed to unparseable topic")
			return
		}
		b.enqueue(&BehaviourEvent{Kind: EvtPeerSubscribed, Peer: e.Peer, Topic: topic})
	case *GossipPeerUnsubscribed:
		// Not surfaced; consumers watch subscriptions only.
	}
}

func (b *Behaviour) handleGossipMessage(e *GossipMessageReceived) {
	if seen, _ := b.seenGossip.ContainsOrAdd(e.DeliveryID, true); seen {
		duplicateGossipTotal.Inc()
		fields := logrus.Fields{
			"topic":  e.Topic,
			"source": e.Source.String(),
		}
		// Decode the repeat sighting so the log names the message, not just
		// the topic it arrived on.
		if topic, err := ParseGossipTopic(e.Topic); err == nil {
			if msg, err := gossipMessageForKind(topic.Kind); err == nil {
				if err := b.enc.DecodeGossip(e.Data, msg); err == nil {
					fields["message"] = fmt.Sprintf("%T%+v", msg, msg)
				}
			}
		}
		log.WithFields(fields).Debug("Dropping duplicate gossip message")
		return
	}
	topic, err := ParseGossipTopic(e.Topic)
	if err != nil {
		log.WithError(err).WithField("topic", e.Topic).Debug("Gossip message on unparseable topic")
		return
	}
	msg, err := gossipMessageForKind(topic.Kind)
	if err != nil {
		log.WithError(err).WithField("topic", e.Topic).Debug("Gossip message on unknown topic kind")
		return
	}
	if err := b.enc.DecodeGossip(e.Data, msg); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"topic":  e.Topic,
			"source": e.Source.String(),
		}).Debug("Could not decode gossip message")
		return
	}
	b.enqueue(&BehaviourEvent{
		Kind: EvtPubsubMessage,
		Message: &PubsubMessage{
			DeliveryID: e.DeliveryID,
			Source:     e.Source,
			Topic:      topic,
			Message:    msg,
		},
	})
}

func (b *Behaviour) handleRPCMessage(msg RPCMessage) {
	ev := msg.Event
	if ev.Kind == RPCErrorKind {
		protocol := ""
		var detail error
		if ev.Error != nil {
			protocol = ev.Error.Protocol
			detail = errors.New(ev.Error.Message)
		}
		b.pm.RPCError(msg.Peer, protocol, detail)
		b.enqueue(&BehaviourEvent{Kind: EvtRPC, Peer: msg.Peer, RPC: ev})
		return
	}
	switch ev.Method {
	case MethodPing:
		b.handlePingExchange(msg.Peer, ev)
	case MethodMetaData:
		b.handleMetaDataExchange(msg.Peer, ev)
	case MethodStatus:
		if status, err := ev.statusPayload(); err == nil {
			b.pm.StatusSeen(msg.Peer, status)
		}
		b.enqueue(&BehaviourEvent{Kind: EvtRPC, Peer: msg.Peer, RPC: ev})
	default:
		b.enqueue(&BehaviourEvent{Kind: EvtRPC, Peer: msg.Peer, RPC: ev})
	}
}

// handlePingExchange services pings without application involvement:
// inbound requests are answered with our sequence number, and both
// directions feed the peer manager's staleness tracking.
func (b *Behaviour) handlePingExchange(pid peer.ID, ev *RPCEvent) {
	ping, err := ev.pingPayload()
	if err != nil {
		log.WithError(err).WithField("peer", pid.String()).Debug("Malformed ping exchange")
		return
	}
	switch ev.Kind {
	case RPCRequestKind:
		b.pm.PingSeen(pid, ping.SeqNumber)
		if err := b.rpc.Send(pid, NewPongResponse(ev.ID, b.currentSeqNumber())); err != nil {
			log.WithError(err).WithField("peer", pid.String()).Debug("Could not send pong")
		}
	case RPCResponseKind:
		b.pm.PongSeen(pid, ping.SeqNumber)
	}
}

// handleMetaDataExchange services metadata requests and records responses.
func (b *Behaviour) handleMetaDataExchange(pid peer.ID, ev *RPCEvent) {
	switch ev.Kind {
	case RPCRequestKind:
		if err := b.rpc.Send(pid, NewMetaDataResponse(ev.ID, b.MetaData())); err != nil {
			log.WithError(err).WithField("peer", pid.String()).Debug("Could not send metadata response")
		}
	case RPCResponseKind:
		md, err := ev.metaDataPayload()
		if err != nil {
			log.WithError(err).WithField("peer", pid.String()).Debug("Malformed metadata response")
			return
		}
		b.pm.MetaDataSeen(pid, md)
	}
}

func (b *Behaviour) handleIdentifyEvent(ev IdentifyEvent) {
	if len(ev.ListenAddrs) > maxIdentifyAddresses {
		log.WithFields(logrus.Fields{
			"peer":      ev.Peer.String(),
			"addresses": len(ev.ListenAddrs),
		}).Debug("Peer advertised excessive listen addresses, truncating")
		ev.ListenAddrs = ev.ListenAddrs[:maxIdentifyAddresses]
	}
	b.pm.Identified(ev.Peer, ev.AgentVersion, ev.ProtocolVersion, ev.ListenAddrs)
}

// String renders the event kind for logs and metrics labels.
func (k BehaviourEventKind) String() string {
	switch k {
	case EvtRPC:
		return "rpc"
	case EvtPubsubMessage:
		return "pubsub_message"
	case EvtPeerSubscribed:
		return "peer_subscribed"
	case EvtStatusPeerRequest:
		return "status_peer_request"
	}
	return "unknown"
}
