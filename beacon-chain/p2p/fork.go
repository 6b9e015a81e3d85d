package p2p

import (
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/pkg/errors"
	"github.com/prysmaticlabs/go-bitfield"

	"github.com/meridianlabs/meridian/beacon-chain/p2p/types"
	"github.com/meridianlabs/meridian/config/params"
)

// addForkEntry adds a fork entry as an ENR record under the eth2 key for the
// local node. Peers should only connect if their fork digest matches.
func addForkEntry(node *enode.LocalNode, forkID *types.ENRForkID) error {
	enc, err := forkID.MarshalSSZ()
	if err != nil {
		return errors.Wrap(err, "could not marshal fork id")
	}
	forkEntry := enr.WithEntry(params.BeaconNetworkConfig().ETH2Key, enc)
	node.Set(forkEntry)
	return nil
}

// forkEntry retrieves an ENRForkID from an ENR record by key lookup under the
// eth2 key.
func forkEntry(record *enr.Record) (*types.ENRForkID, error) {
	sszEncodedForkEntry := make([]byte, 16)
	entry := enr.WithEntry(params.BeaconNetworkConfig().ETH2Key, &sszEncodedForkEntry)
	if err := record.Load(entry); err != nil {
		return nil, err
	}
	forkID := &types.ENRForkID{}
	if err := forkID.UnmarshalSSZ(sszEncodedForkEntry); err != nil {
		return nil, err
	}
	return forkID, nil
}

// initializeAttSubnets creates an empty attestation subnet bitfield entry in
// the local node's record.
func initializeAttSubnets(node *enode.LocalNode) *enode.LocalNode {
	bitV := bitfield.NewBitvector64()
	entry := enr.WithEntry(params.BeaconNetworkConfig().AttSubnetKey, bitV.Bytes())
	node.Set(entry)
	return node
}

// attSubnetBitfield parses the attestation subnet ENR entry in a record and
// extracts its value as a bitvector.
func attSubnetBitfield(record *enr.Record) (bitfield.Bitvector64, error) {
	bitV := bitfield.NewBitvector64()
	entry := enr.WithEntry(params.BeaconNetworkConfig().AttSubnetKey, &bitV)
	if err := record.Load(entry); err != nil {
		return nil, err
	}
	if len(bitV) != 8 {
		return nil, errors.Errorf("invalid attnets bitfield length: %d", len(bitV))
	}
	return bitV, nil
}

// subnetsFromRecord determines the committee indices of the attestation
// subnets the record's node is subscribed to.
func subnetsFromRecord(record *enr.Record) ([]uint64, error) {
	bitV, err := attSubnetBitfield(record)
	if err != nil {
		return nil, err
	}
	var committeeIdxs []uint64
	for i := uint64(0); i < params.BeaconNetworkConfig().AttestationSubnetCount; i++ {
		if bitV.BitAt(i) {
			committeeIdxs = append(committeeIdxs, i)
		}
	}
	return committeeIdxs, nil
}
