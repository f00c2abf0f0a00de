package peer_wire

import (
	"errors"
	"fmt"
)

const Proto = "BitTorrent protocol"

var ErrInfoHashMismatch = errors.New("handshake: info_hash doesn't match")

//HandShake is the first message exchanged on a connection. It isn't length
//prefixed: the first byte (pstrlen) tells how many bytes follow.
type HandShake struct {
	Pstr     string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

//HandshakeLen is the total size of a handshake whose first byte is pstrlen.
func HandshakeLen(pstrlen byte) int {
	return 49 + int(pstrlen)
}

func (h *HandShake) pstr() string {
	if h.Pstr == "" {
		return Proto
	}
	return h.Pstr
}

func (h *HandShake) Encode() []byte {
	pstr := h.pstr()
	if len(pstr) > 255 {
		panic("handshake: pstr longer than 255 bytes")
	}
	b := make([]byte, 0, HandshakeLen(byte(len(pstr))))
	b = append(b, byte(len(pstr)))
	b = append(b, pstr...)
	b = append(b, h.Reserved[:]...)
	b = append(b, h.InfoHash[:]...)
	b = append(b, h.PeerID[:]...)
	return b
}

//DecodeHandshake decodes a complete handshake frame, pstrlen byte included.
func DecodeHandshake(frame []byte) (*HandShake, error) {
	r := &reader{b: frame}
	pstrlen, err := r.uint8()
	if err != nil {
		return nil, err
	}
	if len(frame) != HandshakeLen(pstrlen) {
		return nil, fmt.Errorf("%w: handshake is %d bytes, want %d", ErrMalformedMessage, len(frame), HandshakeLen(pstrlen))
	}
	pstr, err := r.bytes(int(pstrlen))
	if err != nil {
		return nil, err
	}
	h := &HandShake{Pstr: string(pstr)}
	if err = r.array(h.Reserved[:]); err != nil {
		return nil, err
	}
	if err = r.array(h.InfoHash[:]); err != nil {
		return nil, err
	}
	if err = r.array(h.PeerID[:]); err != nil {
		return nil, err
	}
	return h, nil
}

//Check verifies h was sent for infoHash.
func (h *HandShake) Check(infoHash [20]byte) error {
	if h.InfoHash != infoHash {
		return fmt.Errorf("%w: got %x", ErrInfoHashMismatch, h.InfoHash)
	}
	return nil
}
