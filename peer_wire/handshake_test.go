package peer_wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteHs(t *testing.T) {
	b := (&HandShake{
		Reserved: [8]byte{2: 1},
		InfoHash: [20]byte{5: 23},
		PeerID:   [20]byte{10: 10},
	}).Encode()
	require.Len(t, b, 68)
	assert.EqualValues(t, append([]byte{19}, Proto...), b[:20])
	res := [8]byte{2: 1}
	ihash := [20]byte{5: 23}
	peerID := [20]byte{10: 10}
	assert.EqualValues(t, append(res[:], append(ihash[:], peerID[:]...)...), b[20:])
}

func TestReadHs(t *testing.T) {
	b := append([]byte{19}, Proto...)
	payload := [48]byte{4: 4, 8: 8, 28: 28}
	b = append(b, payload[:]...)
	hs, err := DecodeHandshake(b)
	require.NoError(t, err)
	assert.EqualValues(t, &HandShake{
		Pstr:     Proto,
		Reserved: [8]byte{4: 4},
		InfoHash: [20]byte{0: 8},
		PeerID:   [20]byte{0: 28},
	}, hs)
}

func TestHandshakeRoundTripOtherPstr(t *testing.T) {
	h := &HandShake{
		Pstr:     "x",
		InfoHash: [20]byte{19: 0xff},
		PeerID:   [20]byte{0: 'a'},
	}
	b := h.Encode()
	assert.Equal(t, HandshakeLen(1), len(b))
	got, err := DecodeHandshake(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecodeHandshakeLengthMismatch(t *testing.T) {
	b := (&HandShake{}).Encode()
	_, err := DecodeHandshake(b[:len(b)-1])
	assert.ErrorIs(t, err, ErrMalformedMessage)
	_, err = DecodeHandshake(nil)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestHandshakeCheck(t *testing.T) {
	h := &HandShake{InfoHash: [20]byte{1}}
	assert.NoError(t, h.Check([20]byte{1}))
	assert.ErrorIs(t, h.Check([20]byte{2}), ErrInfoHashMismatch)
}
