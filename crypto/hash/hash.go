// Package hash provides the digest used for content addressing gossip
// messages.
package hash

import (
	"golang.org/x/crypto/blake2b"
)

// Hash returns the first 32 bytes of the blake2b-512 digest of data.
func Hash(data []byte) [32]byte {
	var hash [32]byte
	h := blake2b.Sum512(data)
	copy(hash[:], h[:32])
	return hash
}
