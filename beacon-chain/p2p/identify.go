package p2p

import (
	"context"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/pkg/errors"
)

const identifyQueueSize = 64

// identifyEngine surfaces completed identify exchanges from the host's event
// bus, enriched with the agent and protocol strings stored in the peerstore.
type identifyEngine struct {
	host   host.Host
	sub    event.Subscription
	events chan IdentifyEvent
}

func newIdentifyEngine(ctx context.Context, h host.Host) (*identifyEngine, error) {
	sub, err := h.EventBus().Subscribe(new(event.EvtPeerIdentificationCompleted))
	if err != nil {
		return nil, errors.Wrap(err, "could not subscribe to identify events")
	}
	i := &identifyEngine{
		host:   h,
		sub:    sub,
		events: make(chan IdentifyEvent, identifyQueueSize),
	}
	go i.loop(ctx)
	return i, nil
}

// Events implements IdentifyEngine.
func (i *identifyEngine) Events() <-chan IdentifyEvent {
	return i.events
}

func (i *identifyEngine) loop(ctx context.Context) {
	defer func() {
		if err := i.sub.Close(); err != nil {
			log.WithError(err).Debug("Could not close identify subscription")
		}
	}()
	for {
		select {
		case ev, ok := <-i.sub.Out():
			if !ok {
				return
			}
			completed, ok := ev.(event.EvtPeerIdentificationCompleted)
			if !ok {
				continue
			}
			i.pushIdentified(completed.Peer)
		case <-ctx.Done():
			return
		}
	}
}

func (i *identifyEngine) pushIdentified(pid peer.ID) {
	ev := IdentifyEvent{
		Peer:        pid,
		ListenAddrs: i.host.Peerstore().Addrs(pid),
	}
	if agent, err := i.host.Peerstore().Get(pid, "AgentVersion"); err == nil {
		if s, ok := agent.(string); ok {
			ev.AgentVersion = s
		}
	}
	if proto, err := i.host.Peerstore().Get(pid, "ProtocolVersion"); err == nil {
		if s, ok := proto.(string); ok {
			ev.ProtocolVersion = s
		}
	}
	if protocols, err := i.host.Peerstore().GetProtocols(pid); err == nil {
		ev.Protocols = protocol.ConvertToStrings(protocols)
	}
	select {
	case i.events <- ev:
	default:
		log.WithField("peer", pid.String()).Debug("Identify event queue full, dropping event")
	}
}
