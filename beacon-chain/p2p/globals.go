package p2p

import (
	"sync"

	"github.com/meridianlabs/meridian/beacon-chain/p2p/peers"
)

// NetworkGlobals is the collection of network variables accessible outside
// the network behaviour: the current gossip subscriptions and the per-peer
// status table. It is shared by reference with metrics and external query
// handlers, so every field is guarded by a reader/writer lock. The behaviour
// is the primary writer; lock hold times are O(1) collection operations and
// never span network activity.
type NetworkGlobals struct {
	subsLock      sync.RWMutex
	subscriptions map[GossipTopic]struct{}

	// Peers is internally locked and safe for direct use.
	Peers *peers.Status
}

// NewNetworkGlobals creates an empty globals structure.
func NewNetworkGlobals() *NetworkGlobals {
	return &NetworkGlobals{
		subscriptions: make(map[GossipTopic]struct{}),
		Peers:         peers.NewStatus(peers.DefaultMaxBadResponses),
	}
}

// AddSubscription records a gossip topic as subscribed.
func (g *NetworkGlobals) AddSubscription(topic GossipTopic) {
	g.subsLock.Lock()
	defer g.subsLock.Unlock()
	g.subscriptions[topic] = struct{}{}
}

// RemoveSubscription removes a gossip topic from the subscribed set.
func (g *NetworkGlobals) RemoveSubscription(topic GossipTopic) {
	g.subsLock.Lock()
	defer g.subsLock.Unlock()
	delete(g.subscriptions, topic)
}

// Subscriptions returns a snapshot of the subscribed topics.
func (g *NetworkGlobals) Subscriptions() []GossipTopic {
	g.subsLock.RLock()
	defer g.subsLock.RUnlock()
	topics := make([]GossipTopic, 0, len(g.subscriptions))
	for topic := range g.subscriptions {
		topics = append(topics, topic)
	}
	return topics
}

// IsSubscribed reports whether the topic is in the subscribed set.
func (g *NetworkGlobals) IsSubscribed(topic GossipTopic) bool {
	g.subsLock.RLock()
	defer g.subsLock.RUnlock()
	_, ok := g.subscriptions[topic]
	return ok
}
