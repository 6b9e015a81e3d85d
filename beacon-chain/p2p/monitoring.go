package p2p

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	behaviourEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2p_behaviour_events_total",
		Help: "The number of events surfaced to the application, by kind.",
	}, []string{"kind"})
	duplicateGossipTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "p2p_duplicate_gossip_total",
		Help: "The number of gossip messages dropped as duplicates.",
	})
	connectedPeersCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "p2p_peer_count",
		Help: "The number of currently connected peers.",
	})
	discoveredSubnetPeersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "p2p_discovered_subnet_peers_total",
		Help: "The number of peers found through subnet discovery searches.",
	})
)
