package p2p

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/p2p/discover"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/meridianlabs/meridian/beacon-chain/p2p/types"
	"github.com/meridianlabs/meridian/config/params"
	primitives "github.com/meridianlabs/meridian/consensus-types/primitives"
)

// subnetSearchTimeout bounds a single background subnet search.
const subnetSearchTimeout = 30 * time.Second

// discoveryEngine runs a discv5 listener and serves the Discovery contract:
// it owns the local ENR, answers record lookups for connected peers and runs
// background searches for peers advertising specific attestation subnets.
// With NoDiscovery the listener is never started and the engine serves the
// local record and injected nodes only.
type discoveryEngine struct {
	ctx       context.Context
	cfg       *Config
	host      host.Host
	localNode *enode.LocalNode
	listener  *discover.UDPv5

	lock    sync.RWMutex
	banned  map[peer.ID]struct{}
	added   map[enode.ID]*enode.Node
	records map[peer.ID]*enode.Node

	events chan DiscoveryEvent
}

// newDiscoveryEngine starts a discv5 listener whose local record is seeded
// with the fork id and an empty subnet bitfield.
func newDiscoveryEngine(ctx context.Context, h host.Host, privKey *ecdsa.PrivateKey, cfg *Config, forkID *types.ENRForkID) (*discoveryEngine, error) {
	ipAddr := net.ParseIP(cfg.LocalIP)
	if ipAddr == nil {
		ipAddr = net.IPv4zero
	}
	localNode, err := createLocalNode(privKey, ipAddr, int(cfg.UDPPort), int(cfg.TCPPort))
	if err != nil {
		return nil, err
	}
	if cfg.HostAddress != "" {
		hostIP := net.ParseIP(cfg.HostAddress)
		if hostIP.To4() == nil {
			log.Errorf("Invalid host address given: %s", cfg.HostAddress)
		} else {
			localNode.SetFallbackIP(hostIP)
		}
	}
	initializeAttSubnets(localNode)
	if err := addForkEntry(localNode, forkID); err != nil {
		return nil, err
	}
	d := &discoveryEngine{
		ctx:       ctx,
		cfg:       cfg,
		host:      h,
		localNode: localNode,
		banned:    make(map[peer.ID]struct{}),
		added:     make(map[enode.ID]*enode.Node),
		records:   make(map[peer.ID]*enode.Node),
		events:    make(chan DiscoveryEvent, 1),
	}
	if cfg.NoDiscovery {
		return d, nil
	}
	listener, err := createListener(localNode, ipAddr, privKey, cfg)
	if err != nil {
		return nil, err
	}
	d.listener = listener
	log.WithField("nodeID", listener.Self().ID()).Info("Started discovery v5")
	return d, nil
}

func createLocalNode(privKey *ecdsa.PrivateKey, ipAddr net.IP, udpPort, tcpPort int) (*enode.LocalNode, error) {
	db, err := enode.OpenDB("")
	if err != nil {
		return nil, errors.Wrap(err, "could not open node's peer database")
	}
	localNode := enode.NewLocalNode(db, privKey)
	localNode.Set(enr.IP(ipAddr))
	localNode.Set(enr.UDP(udpPort))
	localNode.Set(enr.TCP(tcpPort))
	localNode.SetFallbackIP(ipAddr)
	localNode.SetFallbackUDP(udpPort)
	return localNode, nil
}

func createListener(localNode *enode.LocalNode, ipAddr net.IP, privKey *ecdsa.PrivateKey, cfg *Config) (*discover.UDPv5, error) {
	udpAddr := &net.UDPAddr{
		IP:   ipAddr,
		Port: int(cfg.UDPPort),
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "could not listen for discovery")
	}
	dv5Cfg := discover.Config{
		PrivateKey: privKey,
	}
	bootstrapAddrs := cfg.BootstrapNodeAddr
	if len(bootstrapAddrs) == 0 {
		bootstrapAddrs = params.BeaconNetworkConfig().BootstrapNodes
	}
	for _, addr := range bootstrapAddrs {
		if addr == "" {
			continue
		}
		bootNode, err := enode.Parse(enode.ValidSchemes, addr)
		if err != nil {
			log.WithError(err).Errorf("Invalid bootstrap address of %s provided", addr)
			continue
		}
		dv5Cfg.Bootnodes = append(dv5Cfg.Bootnodes, bootNode)
	}
	listener, err := discover.ListenV5(conn, localNode, dv5Cfg)
	if err != nil {
		return nil, errors.Wrap(err, "could not start discv5 listener")
	}
	return listener, nil
}

// Close shuts the listener down.
func (d *discoveryEngine) Close() {
	if d.listener != nil {
		d.listener.Close()
	}
}

// LocalNode implements Discovery.
func (d *discoveryEngine) LocalNode() *enode.LocalNode {
	return d.localNode
}

// UpdateForkEntry implements Discovery.
func (d *discoveryEngine) UpdateForkEntry(forkID *types.ENRForkID) error {
	return addForkEntry(d.localNode, forkID)
}

// UpdateSubnetBitfield implements Discovery.
func (d *discoveryEngine) UpdateSubnetBitfield(subnet primitives.SubnetID, present bool) error {
	if uint64(subnet) >= params.BeaconNetworkConfig().AttestationSubnetCount {
		return errors.Errorf("subnet %d out of range", subnet)
	}
	bitV, err := attSubnetBitfield(d.localNode.Node().Record())
	if err != nil {
		return errors.Wrap(err, "could not read subnet bitfield")
	}
	bitV.SetBitAt(uint64(subnet), present)
	d.localNode.Set(enr.WithEntry(params.BeaconNetworkConfig().AttSubnetKey, bitV.Bytes()))
	return nil
}

// RecordOf implements Discovery. Records are resolved by scanning the
// routing table; matches are cached so repeated lookups for connected peers
// stay cheap.
func (d *discoveryEngine) RecordOf(pid peer.ID) *enode.Node {
	d.lock.RLock()
	if node, ok := d.records[pid]; ok {
		d.lock.RUnlock()
		return node
	}
	d.lock.RUnlock()

	for _, node := range d.Nodes() {
		nodePid, err := peerIDFromNode(node)
		if err != nil {
			continue
		}
		d.lock.Lock()
		d.records[nodePid] = node
		d.lock.Unlock()
		if nodePid == pid {
			return node
		}
	}
	return nil
}

// AddNode implements Discovery. The record is retained locally and the node
// is pinged so the table can pick it up.
func (d *discoveryEngine) AddNode(node *enode.Node) error {
	if node == nil {
		return errors.New("nil node")
	}
	if node.IP() == nil {
		return errors.New("node has no ip address")
	}
	d.lock.Lock()
	d.added[node.ID()] = node
	d.lock.Unlock()
	if d.listener != nil {
		go func() {
			if err := d.listener.Ping(node); err != nil {
				log.WithError(err).WithField("nodeID", node.ID()).Debug("Could not ping added node")
			}
		}()
	}
	return nil
}

// Nodes implements Discovery.
func (d *discoveryEngine) Nodes() []*enode.Node {
	var nodes []*enode.Node
	if d.listener != nil {
		nodes = d.listener.AllNodes()
	}
	seen := make(map[enode.ID]struct{}, len(nodes))
	for _, node := range nodes {
		seen[node.ID()] = struct{}{}
	}
	d.lock.RLock()
	defer d.lock.RUnlock()
	for id, node := range d.added {
		if _, ok := seen[id]; !ok {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// PeersRequest implements Discovery. The search runs in the background and
// ends when enough peers were dialed or the timeout expires.
func (d *discoveryEngine) PeersRequest(subnet primitives.SubnetID) {
	if d.listener == nil {
		log.WithField("subnet", subnet).Debug("Discovery disabled, skipping subnet peer search")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(d.ctx, subnetSearchTimeout)
		defer cancel()
		if err := d.findPeersWithSubnet(ctx, subnet); err != nil {
			log.WithError(err).WithField("subnet", subnet).Debug("Subnet peer search ended")
		}
		select {
		case d.events <- DiscoveryEvent{}:
		default:
		}
	}()
}

// BanPeer implements Discovery.
func (d *discoveryEngine) BanPeer(pid peer.ID) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.banned[pid] = struct{}{}
}

// UnbanPeer implements Discovery.
func (d *discoveryEngine) UnbanPeer(pid peer.ID) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.banned, pid)
}

// Events implements Discovery.
func (d *discoveryEngine) Events() <-chan DiscoveryEvent {
	return d.events
}

func (d *discoveryEngine) isBanned(pid peer.ID) bool {
	d.lock.RLock()
	defer d.lock.RUnlock()
	_, ok := d.banned[pid]
	return ok
}

// findPeersWithSubnet performs a network search for peers subscribed to a
// particular subnet and dials them until enough are connected or ctx ends.
func (d *discoveryEngine) findPeersWithSubnet(ctx context.Context, subnet primitives.SubnetID) error {
	ctx, span := trace.StartSpan(ctx, "p2p.findPeersWithSubnet")
	defer span.End()
	span.AddAttributes(trace.Int64Attribute("subnet", int64(subnet)))

	iterator := d.listener.RandomNodes()
	iterator = enode.Filter(iterator, d.filterPeerForSubnet(subnet))
	defer iterator.Close()
	go func() {
		<-ctx.Done()
		iterator.Close()
	}()

	threshold := params.BeaconNetworkConfig().MinimumPeersInSubnetSearch
	wg := new(sync.WaitGroup)
	found := uint64(0)
	for found < threshold {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.cfg.MaxPeers > 0 && uint(len(d.host.Network().Peers())) >= d.cfg.MaxPeers {
			return nil
		}
		if !iterator.Next() {
			return nil
		}
		node := iterator.Node()
		d.cacheRecord(node)
		info, _, err := convertToAddrInfo(node)
		if err != nil {
			continue
		}
		found++
		wg.Add(1)
		go func(info peer.AddrInfo) {
			defer wg.Done()
			if err := d.host.Connect(ctx, info); err != nil {
				log.WithError(err).Tracef("Could not connect with peer %s", info.String())
				return
			}
			discoveredSubnetPeersTotal.Inc()
		}(*info)
	}
	wg.Wait()
	return nil
}

// filterPeerForSubnet narrows the generic peer filter to records advertising
// the given subnet.
func (d *discoveryEngine) filterPeerForSubnet(subnet primitives.SubnetID) func(node *enode.Node) bool {
	return func(node *enode.Node) bool {
		if !d.filterPeer(node) {
			return false
		}
		bitV, err := attSubnetBitfield(node.Record())
		if err != nil {
			return false
		}
		return bitV.BitAt(uint64(subnet))
	}
}

// filterPeer rejects records we should never dial: records without an
// address, our own record, banned peers and peers on a different fork.
func (d *discoveryEngine) filterPeer(node *enode.Node) bool {
	if node == nil || node.IP() == nil {
		return false
	}
	if node.ID() == d.localNode.Node().ID() {
		return false
	}
	peerFork, err := forkEntry(node.Record())
	if err != nil {
		return false
	}
	localFork, err := forkEntry(d.localNode.Node().Record())
	if err != nil {
		return false
	}
	if !bytes.Equal(peerFork.CurrentForkDigest[:], localFork.CurrentForkDigest[:]) {
		return false
	}
	pid, err := peerIDFromNode(node)
	if err != nil {
		return false
	}
	return !d.isBanned(pid)
}

func (d *discoveryEngine) cacheRecord(node *enode.Node) {
	pid, err := peerIDFromNode(node)
	if err != nil {
		return
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.records[pid] = node
}
