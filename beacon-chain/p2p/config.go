package p2p

// Config for the p2p service. These parameters are set from application level
// flags to initialize the p2p service.
type Config struct {
	NoDiscovery       bool
	BootstrapNodeAddr []string
	StaticPeers       []string
	LocalIP           string
	HostAddress       string
	TCPPort           uint
	UDPPort           uint
	MaxPeers          uint
}
