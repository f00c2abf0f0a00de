package peer_wire

import (
	"encoding/binary"
	"fmt"
)

//reader reads big endian fields from a frame, checking bounds on every access.
type reader struct {
	b   []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.b) - r.off
}

func (r *reader) need(n int) error {
	if n < 0 || r.remaining() < n {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedMessage, n, r.off, r.remaining())
	}
	return nil
}

func (r *reader) uint8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

//bytes returns a copy of the next n bytes.
func (r *reader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := make([]byte, n)
	copy(v, r.b[r.off:r.off+n])
	r.off += n
	return v, nil
}

//array fills dst with the next len(dst) bytes.
func (r *reader) array(dst []byte) error {
	if err := r.need(len(dst)); err != nil {
		return err
	}
	r.off += copy(dst, r.b[r.off:])
	return nil
}

func appendUint32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}
