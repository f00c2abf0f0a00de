package peer_wire

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	ErrIndexOutOfRange = errors.New("bitfield: index out of range")
	ErrShortBuffer     = errors.New("bitfield: buffer shorter than bit count")
)

//BitField is a zero based bitset of fixed size. Bit 0 is the most significant
//bit of the first byte, which is the order the bitfield message uses.
//Bits past Len() are always zero.
type BitField struct {
	bits []byte
	n    int
}

//BfLen returns the number of bytes needed to hold n bits.
func BfLen(n int) int {
	return (n + 7) / 8
}

func NewBitField(n int) BitField {
	return BitField{
		bits: make([]byte, BfLen(n)),
		n:    n,
	}
}

//BitFieldFromBytes copies the first BfLen(n) bytes of b. Pad bits a remote
//peer may have set are cleared.
func BitFieldFromBytes(b []byte, n int) (BitField, error) {
	if len(b) < BfLen(n) {
		return BitField{}, fmt.Errorf("%w: have %d bytes, need %d", ErrShortBuffer, len(b), BfLen(n))
	}
	bf := NewBitField(n)
	copy(bf.bits, b)
	if rem := n % 8; rem != 0 {
		bf.bits[len(bf.bits)-1] &= byte(0xff << (8 - rem))
	}
	return bf, nil
}

func (bf BitField) Len() int {
	return bf.n
}

//Bytes returns the wire representation. The caller must not modify it.
func (bf BitField) Bytes() []byte {
	return bf.bits
}

func (bf BitField) HasPiece(i int) bool {
	if i < 0 || i >= bf.n {
		return false
	}
	return bf.bits[i/8]&mask(i) != 0
}

func (bf BitField) SetPiece(i int) error {
	if i < 0 || i >= bf.n {
		return fmt.Errorf("%w: %d >= %d", ErrIndexOutOfRange, i, bf.n)
	}
	bf.bits[i/8] |= mask(i)
	return nil
}

//Clear unsets every bit.
func (bf BitField) Clear() {
	for i := range bf.bits {
		bf.bits[i] = 0
	}
}

func mask(i int) byte {
	return byte(1 << (7 - uint(i)%8))
}

//FirstUnset returns the lowest index whose bit is zero.
func (bf BitField) FirstUnset() (int, bool) {
	for i, b := range bf.bits {
		if b == 0xff {
			continue
		}
		idx := i*8 + bits.LeadingZeros8(^b)
		if idx < bf.n {
			return idx, true
		}
		return 0, false
	}
	return 0, false
}

//FirstMismatch returns the lowest index that is unset in bf and set in other,
//i.e. a piece other has and we lack.
func (bf BitField) FirstMismatch(other BitField) (int, bool) {
	n := bf.n
	if other.n < n {
		n = other.n
	}
	for i := 0; i < BfLen(n); i++ {
		diff := ^bf.bits[i] & other.bits[i]
		if diff == 0 {
			continue
		}
		idx := i*8 + bits.LeadingZeros8(diff)
		if idx < n {
			return idx, true
		}
	}
	return 0, false
}

func (bf BitField) AllSet() bool {
	_, ok := bf.FirstUnset()
	return !ok
}

func (bf BitField) BitsSet() (sum int) {
	for _, b := range bf.bits {
		sum += bits.OnesCount8(b)
	}
	return
}

func (bf BitField) Copy() BitField {
	cp := BitField{
		bits: make([]byte, len(bf.bits)),
		n:    bf.n,
	}
	copy(cp.bits, bf.bits)
	return cp
}
