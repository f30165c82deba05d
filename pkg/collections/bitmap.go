package collections

import "math/bits"

const wordBits = 64

// FastBitmap is a dense bit set over a fixed range of positions, backed by
// 64-bit words. Best-price and neighbor queries scan whole words and resolve
// the bit inside a word with a single CLZ/CTZ instruction, so a book with
// thousands of price levels costs at most len/64 word compares per lookup.
type FastBitmap struct {
	words []uint64
	size  int
}

// NewFastBitmap creates a bitmap covering positions [0, size).
func NewFastBitmap(size int) *FastBitmap {
	return &FastBitmap{
		words: make([]uint64, (size+wordBits-1)/wordBits),
		size:  size,
	}
}

// Set writes bit i. Callers must keep i within [0, Len()); bits above the
// logical length are never written, so readers need no trailing-bit masking.
func (b *FastBitmap) Set(i int, value bool) {
	word, bit := i/wordBits, uint(i%wordBits)
	if value {
		b.words[word] |= 1 << bit
	} else {
		b.words[word] &^= 1 << bit
	}
}

// Get reads bit i.
func (b *FastBitmap) Get(i int) bool {
	return b.words[i/wordBits]&(1<<uint(i%wordBits)) != 0
}

// FindFirstOne returns the smallest set position, or -1 if the bitmap is
// empty. Used for best-ask lookup (lowest price wins).
func (b *FastBitmap) FindFirstOne() int {
	for w, word := range b.words {
		if word != 0 {
			return w*wordBits + bits.TrailingZeros64(word)
		}
	}
	return -1
}

// FindLastOne returns the largest set position, or -1 if the bitmap is
// empty. Used for best-bid lookup (highest price wins).
func (b *FastBitmap) FindLastOne() int {
	for w := len(b.words) - 1; w >= 0; w-- {
		if word := b.words[w]; word != 0 {
			return w*wordBits + (wordBits - 1 - bits.LeadingZeros64(word))
		}
	}
	return -1
}

// FindNextOne returns the smallest set position strictly greater than start,
// or -1 if none exists.
func (b *FastBitmap) FindNextOne(start int) int {
	next := start + 1
	if next >= b.size {
		return -1
	}
	w, bit := next/wordBits, uint(next%wordBits)
	if masked := b.words[w] & ^((1 << bit) - 1); masked != 0 {
		return w*wordBits + bits.TrailingZeros64(masked)
	}
	for w++; w < len(b.words); w++ {
		if word := b.words[w]; word != 0 {
			return w*wordBits + bits.TrailingZeros64(word)
		}
	}
	return -1
}

// FindPrevOne returns the largest set position strictly less than start,
// or -1 if none exists.
func (b *FastBitmap) FindPrevOne(start int) int {
	if start <= 0 {
		return -1
	}
	prev := start - 1
	w, bit := prev/wordBits, uint(prev%wordBits)
	var mask uint64
	if bit == wordBits-1 {
		mask = ^uint64(0)
	} else {
		mask = (1 << (bit + 1)) - 1
	}
	if masked := b.words[w] & mask; masked != 0 {
		return w*wordBits + (wordBits - 1 - bits.LeadingZeros64(masked))
	}
	for w--; w >= 0; w-- {
		if word := b.words[w]; word != 0 {
			return w*wordBits + (wordBits - 1 - bits.LeadingZeros64(word))
		}
	}
	return -1
}

// Len returns the number of addressable bits.
func (b *FastBitmap) Len() int {
	return b.size
}

// IsEmpty reports whether no bit is set.
func (b *FastBitmap) IsEmpty() bool {
	for _, word := range b.words {
		if word != 0 {
			return false
		}
	}
	return true
}

// CountOnes returns the number of set bits.
func (b *FastBitmap) CountOnes() int {
	n := 0
	for _, word := range b.words {
		n += bits.OnesCount64(word)
	}
	return n
}

// Clear unsets every bit.
func (b *FastBitmap) Clear() {
	for i := range b.words {
		b.words[i] = 0
	}
}
