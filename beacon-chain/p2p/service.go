package p2p

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net"

	gcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"

	"github.com/meridianlabs/meridian/beacon-chain/p2p/peers"
	"github.com/meridianlabs/meridian/beacon-chain/p2p/types"
	ecdsautil "github.com/meridianlabs/meridian/crypto/ecdsa"
)

// Service hosts the libp2p node and the engines behind the behaviour. The
// application drives it by calling Poll on the behaviour and the operation
// methods the behaviour exposes.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config

	host      host.Host
	globals   *NetworkGlobals
	pm        *peers.Manager
	discovery *discoveryEngine
	behaviour *Behaviour
}

// NewService builds the host, engines and behaviour. forkID seeds the local
// record; the behaviour's UpdateForkVersion moves it later.
func NewService(ctx context.Context, cfg *Config, forkID *types.ENRForkID) (*Service, error) {
	ctx, cancel := context.WithCancel(ctx)

	privKey, err := gcrypto.GenerateKey()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "could not generate p2p private key")
	}
	ipAddr := net.ParseIP(cfg.LocalIP)
	if ipAddr == nil {
		ipAddr = net.IPv4zero
	}
	opts, err := buildOptions(cfg, ipAddr, privKey)
	if err != nil {
		cancel()
		return nil, err
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "could not create libp2p host")
	}

	globals := NewNetworkGlobals()
	pm := peers.NewManager(globals.Peers)

	discovery, err := newDiscoveryEngine(ctx, h, privKey, cfg, forkID)
	if err != nil {
		cancel()
		return nil, err
	}
	gossip, err := newGossipsubEngine(ctx, h)
	if err != nil {
		cancel()
		return nil, err
	}
	identify, err := newIdentifyEngine(ctx, h)
	if err != nil {
		cancel()
		return nil, err
	}
	engines := &Engines{
		Gossip:    gossip,
		RPC:       newRPCEngine(ctx, h),
		Identify:  identify,
		Discovery: discovery,
	}
	behaviour, err := NewBehaviour(engines, globals, pm)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Service{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		host:      h,
		globals:   globals,
		pm:        pm,
		discovery: discovery,
		behaviour: behaviour,
	}
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			s.behaviour.NotifyPeerConnect(conn.RemotePeer(), conn.Stat().Direction)
			connectedPeersCount.Set(float64(len(s.globals.Peers.Connected())))
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			s.behaviour.NotifyPeerDisconnect(conn.RemotePeer())
			connectedPeersCount.Set(float64(len(s.globals.Peers.Connected())))
		},
	})
	return s, nil
}

// Start launches the peer-manager heartbeat and dials static peers.
func (s *Service) Start() {
	s.pm.Start(s.ctx)
	if len(s.cfg.StaticPeers) > 0 {
		addrs, err := manyMultiAddrsFromString(s.cfg.StaticPeers)
		if err != nil {
			log.WithError(err).Error("Could not parse static peer addresses")
			return
		}
		for _, addr := range addrs {
			info, err := peer.AddrInfoFromP2pAddr(addr)
			if err != nil {
				log.WithError(err).Errorf("Could not make peer info from %s", addr.String())
				continue
			}
			go func(info peer.AddrInfo) {
				if err := s.host.Connect(s.ctx, info); err != nil {
					log.WithError(err).Errorf("Could not connect with static peer %s", info.String())
				}
			}(*info)
		}
	}
}

// Stop shuts the node down.
func (s *Service) Stop() error {
	s.cancel()
	s.discovery.Close()
	return s.host.Close()
}

// Behaviour returns the network behaviour for the application to drive.
func (s *Service) Behaviour() *Behaviour {
	return s.behaviour
}

// Host returns the libp2p host.
func (s *Service) Host() host.Host {
	return s.host
}

// Globals returns the shared network variables.
func (s *Service) Globals() *NetworkGlobals {
	return s.globals
}

// PeerID returns the local libp2p identity.
func (s *Service) PeerID() peer.ID {
	return s.host.ID()
}

// buildOptions for the libp2p host.
func buildOptions(cfg *Config, ip net.IP, privKey *ecdsa.PrivateKey) ([]libp2p.Option, error) {
	listen, err := multiAddrFromString(fmt.Sprintf("/ip4/%s/tcp/%d", ip, cfg.TCPPort))
	if err != nil {
		return nil, errors.Wrap(err, "could not build listen multiaddr")
	}
	ifaceKey, err := ecdsautil.ConvertToInterfacePrivkey(privKey)
	if err != nil {
		return nil, err
	}
	id, err := peer.IDFromPrivateKey(ifaceKey)
	if err != nil {
		return nil, err
	}
	log.WithField("peer id", id.Pretty()).Info("Private key generated. Announcing peer id")
	options := []libp2p.Option{
		libp2p.Identity(ifaceKey),
		libp2p.ListenAddrs(listen),
	}
	return options, nil
}
