package p2p

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsub_pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/pkg/errors"

	"github.com/meridianlabs/meridian/config/params"
	"github.com/meridianlabs/meridian/crypto/hash"
)

const (
	// gossipQueueSize bounds the per-engine event channel and the pubsub
	// internal queues.
	gossipQueueSize = 256
	pubsubQueueSize = 600
)

// topicHandle tracks a joined topic. sub and handler are nil for topics
// joined only to publish.
type topicHandle struct {
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	handler *pubsub.TopicEventHandler
	cancel  context.CancelFunc
}

// gossipsubEngine adapts go-libp2p-pubsub's gossipsub router to the
// GossipEngine contract. Each subscribed topic runs two goroutines, one
// pumping messages and one pumping peer join/leave events, both feeding the
// shared event channel with non-blocking sends.
type gossipsubEngine struct {
	ctx    context.Context
	ps     *pubsub.PubSub
	host   host.Host
	lock   sync.Mutex
	topics map[string]*topicHandle
	events chan GossipEvent
}

// newGossipsubEngine wires a gossipsub router onto the host.
func newGossipsubEngine(ctx context.Context, h host.Host) (*gossipsubEngine, error) {
	setPubSubParameters()
	psOpts := []pubsub.Option{
		pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign),
		pubsub.WithNoAuthor(),
		pubsub.WithMessageIdFn(msgIDFunction),
		pubsub.WithPeerOutboundQueueSize(pubsubQueueSize),
		pubsub.WithValidateQueueSize(pubsubQueueSize),
		pubsub.WithMaxMessageSize(int(params.BeaconNetworkConfig().GossipMaxSize)),
		pubsub.WithPeerScore(peerScoringParams()),
	}
	ps, err := pubsub.NewGossipSub(ctx, h, psOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "could not start gossipsub")
	}
	return &gossipsubEngine{
		ctx:    ctx,
		ps:     ps,
		host:   h,
		topics: make(map[string]*topicHandle),
		events: make(chan GossipEvent, gossipQueueSize),
	}, nil
}

// Events implements GossipEngine.
func (g *gossipsubEngine) Events() <-chan GossipEvent {
	return g.events
}

// Subscribe joins the topic and starts delivering its messages and peer
// events. It reports whether a new subscription was created.
func (g *gossipsubEngine) Subscribe(topic string) bool {
	g.lock.Lock()
	defer g.lock.Unlock()

	handle, err := g.joinLocked(topic)
	if err != nil {
		log.WithError(err).WithField("topic", topic).Error("Could not join gossip topic")
		return false
	}
	if handle.sub != nil {
		return false
	}
	if scoring := topicScoreParams(topic); scoring != nil {
		if err := handle.topic.SetScoreParams(scoring); err != nil {
			log.WithError(err).WithField("topic", topic).Error("Could not set topic score params")
		}
	}
	sub, err := handle.topic.Subscribe()
	if err != nil {
		log.WithError(err).WithField("topic", topic).Error("Could not subscribe to gossip topic")
		return false
	}
	evHandler, err := handle.topic.EventHandler()
	if err != nil {
		sub.Cancel()
		log.WithError(err).WithField("topic", topic).Error("Could not open topic event handler")
		return false
	}
	subCtx, cancel := context.WithCancel(g.ctx)
	handle.sub = sub
	handle.handler = evHandler
	handle.cancel = cancel
	go g.messageLoop(subCtx, topic, sub)
	go g.peerEventLoop(subCtx, topic, evHandler)
	return true
}

// Unsubscribe leaves the topic. It reports whether a subscription was
// actually removed.
func (g *gossipsubEngine) Unsubscribe(topic string) bool {
	g.lock.Lock()
	defer g.lock.Unlock()

	handle, ok := g.topics[topic]
	if !ok || handle.sub == nil {
		return false
	}
	handle.cancel()
	handle.sub.Cancel()
	handle.handler.Cancel()
	if err := handle.topic.Close(); err != nil {
		// Close fails while the cancelled readers wind down; the topic
		// handle stays usable for publishing either way.
		log.WithError(err).WithField("topic", topic).Debug("Could not close gossip topic")
		handle.sub = nil
		handle.handler = nil
		handle.cancel = nil
		return true
	}
	delete(g.topics, topic)
	return true
}

// Publish broadcasts data on the topic, joining it if needed.
func (g *gossipsubEngine) Publish(topic string, data []byte) error {
	g.lock.Lock()
	handle, err := g.joinLocked(topic)
	g.lock.Unlock()
	if err != nil {
		return err
	}
	return handle.topic.Publish(g.ctx, data)
}

// ListPeers returns the peers the router knows to be subscribed to the topic.
func (g *gossipsubEngine) ListPeers(topic string) []peer.ID {
	return g.ps.ListPeers(topic)
}

func (g *gossipsubEngine) joinLocked(topic string) (*topicHandle, error) {
	if handle, ok := g.topics[topic]; ok {
		return handle, nil
	}
	t, err := g.ps.Join(topic)
	if err != nil {
		return nil, err
	}
	handle := &topicHandle{topic: t}
	g.topics[topic] = handle
	return handle, nil
}

func (g *gossipsubEngine) messageLoop(ctx context.Context, topic string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == g.host.ID() {
			continue
		}
		g.push(&GossipMessageReceived{
			DeliveryID: msgIDFunction(msg.Message),
			Source:     msg.ReceivedFrom,
			Topic:      topic,
			Data:       msg.Data,
		})
	}
}

func (g *gossipsubEngine) peerEventLoop(ctx context.Context, topic string, handler *pubsub.TopicEventHandler) {
	for {
		ev, err := handler.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		switch ev.Type {
		case pubsub.PeerJoin:
			g.push(&GossipPeerSubscribed{Peer: ev.Peer, Topic: topic})
		case pubsub.PeerLeave:
			g.push(&GossipPeerUnsubscribed{Peer: ev.Peer, Topic: topic})
		}
	}
}

func (g *gossipsubEngine) push(ev GossipEvent) {
	select {
	case g.events <- ev:
	default:
		log.Debug("Gossip event queue full, dropping event")
	}
}

// Content addressable ID function.
//
// The message ID is base64(hash(message.data)) where base64 is the URL-safe
// alphabet with padding omitted.
func msgIDFunction(pmsg *pubsub_pb.Message) string {
	h := hash.Hash(pmsg.Data)
	return base64.RawURLEncoding.EncodeToString(h[:])
}

func setPubSubParameters() {
	pubsub.GossipSubDlo = 5
	pubsub.GossipSubHeartbeatInterval = 700 * time.Millisecond
	pubsub.GossipSubHistoryLength = 6
	pubsub.GossipSubHistoryGossip = 3
}

func oneSlotDuration() time.Duration {
	return time.Duration(params.BeaconConfig().SecondsPerSlot) * time.Second
}

func oneEpochDuration() time.Duration {
	return time.Duration(params.BeaconConfig().SlotsPerEpoch) * oneSlotDuration()
}

func peerScoringParams() (*pubsub.PeerScoreParams, *pubsub.PeerScoreThresholds) {
	thresholds := &pubsub.PeerScoreThresholds{
		GossipThreshold:             -4000,
		PublishThreshold:            -8000,
		GraylistThreshold:           -16000,
		AcceptPXThreshold:           100,
		OpportunisticGraftThreshold: 5,
	}
	scoreParams := &pubsub.PeerScoreParams{
		Topics:        make(map[string]*pubsub.TopicScoreParams),
		TopicScoreCap: 32.72,
		AppSpecificScore: func(p peer.ID) float64 {
			return 0
		},
		AppSpecificWeight:           1,
		IPColocationFactorWeight:    -35.11,
		IPColocationFactorThreshold: 10,
		IPColocationFactorWhitelist: nil,
		BehaviourPenaltyWeight:      -15.92,
		BehaviourPenaltyThreshold:   6,
		BehaviourPenaltyDecay:       0.9857,
		DecayInterval:               1 * oneSlotDuration(),
		DecayToZero:                 0.1,
		RetainScore:                 100 * oneEpochDuration(),
	}
	return scoreParams, thresholds
}

func topicScoreParams(topic string) *pubsub.TopicScoreParams {
	switch {
	case strings.Contains(topic, string(GossipBlockMessage)):
		return defaultBlockTopicParams()
	case strings.Contains(topic, string(GossipAggregateAndProofMessage)):
		return defaultAggregateTopicParams()
	default:
		return nil
	}
}

func defaultBlockTopicParams() *pubsub.TopicScoreParams {
	return &pubsub.TopicScoreParams{
		TopicWeight:                     0.5,
		TimeInMeshWeight:                0.0324,
		TimeInMeshQuantum:               1 * oneSlotDuration(),
		TimeInMeshCap:                   300,
		FirstMessageDeliveriesWeight:    1,
		FirstMessageDeliveriesDecay:     0.9928,
		FirstMessageDeliveriesCap:       23,
		MeshMessageDeliveriesWeight:     -0.717,
		MeshMessageDeliveriesDecay:      0.9928,
		MeshMessageDeliveriesCap:        139,
		MeshMessageDeliveriesThreshold:  14,
		MeshMessageDeliveriesWindow:     2 * time.Second,
		MeshMessageDeliveriesActivation: 4 * oneEpochDuration(),
		MeshFailurePenaltyWeight:        -0.717,
		MeshFailurePenaltyDecay:         0.9928,
		InvalidMessageDeliveriesWeight:  -140.4475,
		InvalidMessageDeliveriesDecay:   0.9971,
	}
}

func defaultAggregateTopicParams() *pubsub.TopicScoreParams {
	return &pubsub.TopicScoreParams{
		TopicWeight:                     0.5,
		TimeInMeshWeight:                0.0324,
		TimeInMeshQuantum:               1 * oneSlotDuration(),
		TimeInMeshCap:                   300,
		FirstMessageDeliveriesWeight:    0.128,
		FirstMessageDeliveriesDecay:     0.866,
		FirstMessageDeliveriesCap:       179,
		MeshMessageDeliveriesWeight:     -0.064,
		MeshMessageDeliveriesDecay:      0.866,
		MeshMessageDeliveriesCap:        1075,
		MeshMessageDeliveriesThreshold:  47,
		MeshMessageDeliveriesWindow:     2 * time.Second,
		MeshMessageDeliveriesActivation: 32 * oneSlotDuration(),
		MeshFailurePenaltyWeight:        -0.064,
		MeshFailurePenaltyDecay:         0.866,
		InvalidMessageDeliveriesWeight:  -140.4475,
		InvalidMessageDeliveriesDecay:   0.9971,
	}
}
