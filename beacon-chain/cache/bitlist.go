package cache

const wordBits = 64

// bitlist is a growable bit vector with an explicit length. Bits past the
// length read as false; Resize grows the vector with false bits and never
// shrinks it.
type bitlist struct {
	words  []uint64
	length uint64
}

// newBitlist allocates an empty bitlist with capacity for the given number
// of bits.
func newBitlist(capacity uint64) *bitlist {
	return &bitlist{
		words: make([]uint64, 0, (capacity+wordBits-1)/wordBits),
	}
}

// Len returns the current length in bits.
func (b *bitlist) Len() uint64 {
	return b.length
}

// BitAt returns the bit at idx. Indices at or past the length are false.
func (b *bitlist) BitAt(idx uint64) bool {
	if idx >= b.length {
		return false
	}
	return b.words[idx/wordBits]&(1<<(idx%wordBits)) != 0
}

// SetBitAt writes the bit at idx, growing the vector when idx is past the
// current length.
func (b *bitlist) SetBitAt(idx uint64, val bool) {
	if idx >= b.length {
		b.Resize(idx + 1)
	}
	if val {
		b.words[idx/wordBits] |= 1 << (idx % wordBits)
	} else {
		b.words[idx/wordBits] &^= 1 << (idx % wordBits)
	}
}

// Resize grows the vector to the given length in bits, filling with false.
// Lengths smaller than the current one are ignored.
func (b *bitlist) Resize(length uint64) {
	if length <= b.length {
		return
	}
	needed := int((length + wordBits - 1) / wordBits)
	for len(b.words) < needed {
		b.words = append(b.words, 0)
	}
	b.length = length
}
