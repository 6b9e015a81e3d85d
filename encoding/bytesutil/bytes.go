// Package bytesutil contains the byte slice helpers shared between the
// networking and serialization layers.
package bytesutil

// ToBytes4 is a convenience method for converting a byte slice to a fixed
// size array. The input is truncated or zero padded to 4 bytes.
func ToBytes4(x []byte) [4]byte {
	var y [4]byte
	copy(y[:], x)
	return y
}

// SafeCopyBytes copies the provided byte slice into a newly allocated one.
func SafeCopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
