package p2p

import (
	"encoding/hex"
	"fmt"
	"strings"

	fastssz "github.com/ferranbt/fastssz"
	"github.com/pkg/errors"

	"github.com/meridianlabs/meridian/beacon-chain/p2p/types"
	"github.com/meridianlabs/meridian/config/params"
	primitives "github.com/meridianlabs/meridian/consensus-types/primitives"
	"github.com/meridianlabs/meridian/encoding/bytesutil"
)

// GossipEncoding is the encoding component of a gossip topic name.
type GossipEncoding string

// GossipEncodingSSZSnappy is the only encoding currently deployed.
const GossipEncodingSSZSnappy GossipEncoding = "ssz_snappy"

// DefaultGossipEncoding used when building topics from message kinds.
func DefaultGossipEncoding() GossipEncoding {
	return GossipEncodingSSZSnappy
}

// GossipKind is the message-kind component of a gossip topic name.
type GossipKind string

const (
	// GossipBlockMessage is the name for the block message kind.
	GossipBlockMessage GossipKind = "beacon_block"
	// GossipAggregateAndProofMessage is the name for the attestation aggregate and proof message kind.
	GossipAggregateAndProofMessage GossipKind = "beacon_aggregate_and_proof"
	// GossipExitMessage is the name for the voluntary exit message kind.
	GossipExitMessage GossipKind = "voluntary_exit"
	// GossipAttestationMessagePrefix prefixes the per-subnet attestation kinds.
	GossipAttestationMessagePrefix = "beacon_attestation"
)

// AttestationSubnetKind returns the message kind of an attestation subnet.
func AttestationSubnetKind(subnet primitives.SubnetID) GossipKind {
	return GossipKind(fmt.Sprintf("%s_%d", GossipAttestationMessagePrefix, subnet))
}

// GossipTopic fully identifies a gossip broadcast channel. Equality and
// hashing cover all three fields, so topics for different fork digests are
// distinct even when the kind matches.
type GossipTopic struct {
	Kind       GossipKind
	Encoding   GossipEncoding
	ForkDigest [4]byte
}

// String renders the topic in its wire form:
// /eth2/<fork-digest-hex>/<kind>/<encoding>.
func (t GossipTopic) String() string {
	return fmt.Sprintf("/eth2/%x/%s/%s", t.ForkDigest, t.Kind, t.Encoding)
}

// ParseGossipTopic recovers the topic triple from its wire form.
func ParseGossipTopic(s string) (GossipTopic, error) {
	parts := strings.Split(s, "/")
	// Leading slash yields an empty first element.
	if len(parts) != 5 || parts[0] != "" || parts[1] != "eth2" {
		return GossipTopic{}, errors.Errorf("invalid gossip topic: %s", s)
	}
	digest, err := hex.DecodeString(parts[2])
	if err != nil || len(digest) != 4 {
		return GossipTopic{}, errors.Errorf("invalid fork digest in topic: %s", s)
	}
	return GossipTopic{
		Kind:       GossipKind(parts[3]),
		Encoding:   GossipEncoding(parts[4]),
		ForkDigest: bytesutil.ToBytes4(digest),
	}, nil
}

// gossipMessageForKind allocates the decoding destination for a message
// received on a topic of the given kind.
func gossipMessageForKind(kind GossipKind) (fastssz.Unmarshaler, error) {
	switch {
	case kind == GossipBlockMessage:
		return &types.BeaconBlock{}, nil
	case kind == GossipAggregateAndProofMessage:
		return &types.AggregateAndProof{}, nil
	case kind == GossipExitMessage:
		return &types.VoluntaryExit{}, nil
	case strings.HasPrefix(string(kind), GossipAttestationMessagePrefix):
		return &types.Attestation{}, nil
	default:
		return nil, errors.Errorf("no message type registered for gossip kind: %s", kind)
	}
}

// topicKindForMessage maps an outbound message to the kind of topic it is
// published on under the current fork.
func topicKindForMessage(msg fastssz.Marshaler) (GossipKind, error) {
	switch m := msg.(type) {
	case *types.BeaconBlock:
		return GossipBlockMessage, nil
	case *types.AggregateAndProof:
		return GossipAggregateAndProofMessage, nil
	case *types.VoluntaryExit:
		return GossipExitMessage, nil
	case *types.Attestation:
		subnet := uint64(m.CommitteeIndex) % params.BeaconNetworkConfig().AttestationSubnetCount
		return AttestationSubnetKind(primitives.SubnetID(subnet)), nil
	default:
		return "", errors.Errorf("no gossip topic registered for message of type %T", msg)
	}
}
