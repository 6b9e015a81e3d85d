// Package ecdsa converts between the go-ethereum and libp2p representations
// of secp256k1 keys.
package ecdsa

import (
	"crypto/ecdsa"
	"math/big"

	gcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/pkg/errors"
)

// ConvertFromInterfacePrivKey converts a libp2p private key into the
// go-ethereum ecdsa representation used by discovery.
func ConvertFromInterfacePrivKey(privkey crypto.PrivKey) (*ecdsa.PrivateKey, error) {
	secpKey, ok := privkey.(*crypto.Secp256k1PrivateKey)
	if !ok {
		return nil, errors.New("could not cast to Secp256k1PrivateKey")
	}
	rawKey, err := secpKey.Raw()
	if err != nil {
		return nil, err
	}
	privKey := new(ecdsa.PrivateKey)
	k := new(big.Int).SetBytes(rawKey)
	privKey.D = k
	privKey.Curve = gcrypto.S256()
	privKey.X, privKey.Y = gcrypto.S256().ScalarBaseMult(rawKey)
	return privKey, nil
}

// ConvertToInterfacePrivkey converts a go-ethereum ecdsa private key into the
// libp2p representation.
func ConvertToInterfacePrivkey(privkey *ecdsa.PrivateKey) (crypto.PrivKey, error) {
	privBytes := privkey.D.Bytes()
	// In the event the number of bytes outputted by the big-int are less than 32,
	// we append bytes to the start of the sequence for the missing most significant bytes.
	if len(privBytes) < 32 {
		privBytes = append(make([]byte, 32-len(privBytes)), privBytes...)
	}
	return crypto.UnmarshalSecp256k1PrivateKey(privBytes)
}

// ConvertToInterfacePubkey converts a go-ethereum ecdsa public key into the
// libp2p representation.
func ConvertToInterfacePubkey(pubkey *ecdsa.PublicKey) (crypto.PubKey, error) {
	if pubkey == nil || pubkey.X == nil || pubkey.Y == nil {
		return nil, errors.New("nil public key")
	}
	return crypto.UnmarshalSecp256k1PublicKey(gcrypto.CompressPubkey(pubkey))
}
