package peers

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/meridianlabs/meridian/beacon-chain/p2p/types"
)

var log = logrus.WithField("prefix", "peers")

// DirectiveKind enumerates the actions the manager can ask the network
// behaviour to carry out for a peer.
type DirectiveKind int

const (
	// RequestStatus asks for a status handshake with the peer.
	RequestStatus DirectiveKind = iota
	// SendPing asks for a liveness ping to the peer.
	SendPing
	// RequestMetaData asks for a metadata exchange with the peer.
	RequestMetaData
	// Disconnect asks for the peer to be dropped.
	Disconnect
)

// Directive is a single "do X for peer Y" instruction emitted by the manager.
type Directive struct {
	Kind DirectiveKind
	Peer peer.ID
}

const (
	// directiveQueueSize bounds the directive channel. Overflow is dropped,
	// never blocked on: a dropped ping or status request is retried on the
	// next heartbeat.
	directiveQueueSize = 256

	// DefaultMaxBadResponses before a peer is disconnected.
	DefaultMaxBadResponses = 5

	heartbeatInterval = 30 * time.Second
)

// Manager tracks per-peer reputation and liveness and emits directives for
// the network behaviour to execute. It never performs network I/O itself.
type Manager struct {
	store      *Status
	directives chan Directive
	pinged     map[peer.ID]time.Time
}

// NewManager creates a peer manager around the given status store.
func NewManager(store *Status) *Manager {
	return &Manager{
		store:      store,
		directives: make(chan Directive, directiveQueueSize),
		pinged:     make(map[peer.ID]time.Time),
	}
}

// Peers returns the underlying status store.
func (m *Manager) Peers() *Status {
	return m.store
}

// Directives returns the channel of pending directives. The channel is
// buffered and only ever written to with a non-blocking send.
func (m *Manager) Directives() <-chan Directive {
	return m.directives
}

// Start launches the heartbeat that schedules periodic pings for connected
// peers. It returns immediately; the heartbeat stops when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.heartbeat()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Connected registers a new peer connection and schedules the initial
// status handshake.
func (m *Manager) Connected(pid peer.ID, direction network.Direction) {
	m.store.Add(pid, nil, direction)
	m.store.SetConnectionState(pid, PeerConnected)
	m.push(Directive{Kind: RequestStatus, Peer: pid})
}

// Disconnected registers the termination of a peer connection.
func (m *Manager) Disconnected(pid peer.ID) {
	m.store.SetConnectionState(pid, PeerDisconnected)
}

// PingSeen records an inbound ping. A sequence number ahead of the metadata
// we hold for the peer means our copy is stale, so a metadata exchange is
// scheduled.
func (m *Manager) PingSeen(pid peer.ID, seq uint64) {
	m.requestMetaDataIfStale(pid, seq)
}

// PongSeen records a pong response to one of our pings.
func (m *Manager) PongSeen(pid peer.ID, seq uint64) {
	m.requestMetaDataIfStale(pid, seq)
}

// MetaDataSeen records a metadata response from the peer. Stale sequence
// numbers are ignored by the store.
func (m *Manager) MetaDataSeen(pid peer.ID, md *types.MetaData) {
	m.store.SetMetadata(pid, md)
}

// StatusSeen marks the peer as having completed a status handshake.
func (m *Manager) StatusSeen(pid peer.ID, chainState *types.Status) {
	m.store.SetChainState(pid, chainState)
}

// Identified records the peer's identify info. Only the first listen
// address is retained.
func (m *Manager) Identified(pid peer.ID, agentVersion, protocolVersion string, listenAddrs []ma.Multiaddr) {
	var addr ma.Multiaddr
	if len(listenAddrs) > 0 {
		addr = listenAddrs[0]
	}
	m.store.Add(pid, addr, network.DirUnknown)
	log.WithFields(logrus.Fields{
		"peer":            pid.String(),
		"agentVersion":    agentVersion,
		"protocolVersion": protocolVersion,
		"listenAddresses": len(listenAddrs),
	}).Debug("Peer identified")
}

// RPCError penalizes a peer for a protocol-level error. Peers accumulating
// too many bad responses are scheduled for disconnection.
func (m *Manager) RPCError(pid peer.ID, protocol string, err error) {
	m.store.IncrementBadResponses(pid)
	log.WithFields(logrus.Fields{
		"peer":     pid.String(),
		"protocol": protocol,
	}).WithError(err).Debug("Peer RPC error")
	if m.store.IsBad(pid) {
		m.push(Directive{Kind: Disconnect, Peer: pid})
	}
}

// heartbeat schedules a ping for every connected peer that has not been
// pinged within the heartbeat interval.
func (m *Manager) heartbeat() {
	now := time.Now()
	for _, pid := range m.store.Connected() {
		if last, ok := m.pinged[pid]; ok && now.Sub(last) < heartbeatInterval {
			continue
		}
		m.pinged[pid] = now
		m.push(Directive{Kind: SendPing, Peer: pid})
	}
}

func (m *Manager) requestMetaDataIfStale(pid peer.ID, seq uint64) {
	md := m.store.Metadata(pid)
	if md == nil || md.SeqNumber < seq {
		m.push(Directive{Kind: RequestMetaData, Peer: pid})
	}
}

func (m *Manager) push(d Directive) {
	select {
	case m.directives <- d:
	default:
		log.WithField("peer", d.Peer.String()).Debug("Directive queue full, dropping directive")
	}
}
