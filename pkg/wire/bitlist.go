package wire

import (
	"fmt"
	"math/bits"
)

// BitList is a variable-length bit list. The encoding places bit i in byte i/8 at position i%8
// and marks the length with a single delimiter bit after the last element.
type BitList struct {
	bits []byte
	n    int
}

// NewBitList returns a bit list of n cleared bits
func NewBitList(n int) *BitList {
	return &BitList{bits: make([]byte, (n+7)/8), n: n}
}

// Len returns the number of bits
func (b *BitList) Len() int {
	return b.n
}

// Set sets bit i to v
func (b *BitList) Set(i int, v bool) {
	if i < 0 || i >= b.n {
		panic(fmt.Sprintf("bit index %d out of range [0,%d)", i, b.n))
	}
	if v {
		b.bits[i/8] |= 1 << (i % 8)
	} else {
		b.bits[i/8] &^= 1 << (i % 8)
	}
}

// Get returns bit i
func (b *BitList) Get(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.bits[i/8]&(1<<(i%8)) != 0
}

// Count returns the number of set bits
func (b *BitList) Count() int {
	c := 0
	for _, v := range b.bits {
		c += bits.OnesCount8(v)
	}
	return c
}

// Indices returns the positions of the set bits in ascending order
func (b *BitList) Indices() []int {
	var out []int
	for i := 0; i < b.n; i++ {
		if b.Get(i) {
			out = append(out, i)
		}
	}
	return out
}

// Bytes returns the encoding with the delimiter bit
func (b *BitList) Bytes() []byte {
	out := make([]byte, b.n/8+1)
	copy(out, b.bits)
	out[b.n/8] |= 1 << (b.n % 8)
	return out
}

// ParseBitList decodes a delimited bit list holding at most maxLen bits
func ParseBitList(data []byte, maxLen int) (*BitList, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty bit list")
	}
	last := data[len(data)-1]
	if last == 0 {
		return nil, fmt.Errorf("bit list missing delimiter")
	}

	n := (len(data)-1)*8 + bits.Len8(last) - 1
	if n > maxLen {
		return nil, fmt.Errorf("bit list length %d exceeds %d", n, maxLen)
	}

	b := NewBitList(n)
	copy(b.bits, data)
	if n%8 != 0 {
		// the delimiter shares the final byte with data bits
		b.bits[n/8] &^= 1 << (n % 8)
	}
	return b, nil
}
