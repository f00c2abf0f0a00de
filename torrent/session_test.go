package torrent

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lkslts64/pollbt/peer_wire"
)

//fakeTransport is an in memory transport. in holds what the peer sent us,
//out what we wrote.
type fakeTransport struct {
	in  bytes.Buffer
	out bytes.Buffer
	//peer closed its end once in is drained
	eof bool
	//writes would block
	blocked bool
	closed  bool
}

func (ft *fakeTransport) Read(b []byte) (int, error) {
	if ft.in.Len() == 0 {
		if ft.eof {
			return 0, io.EOF
		}
		return 0, errWouldBlock
	}
	return ft.in.Read(b)
}

func (ft *fakeTransport) Write(b []byte) (int, error) {
	if ft.blocked {
		return 0, errWouldBlock
	}
	return ft.out.Write(b)
}

func (ft *fakeTransport) Close() error {
	ft.closed = true
	return nil
}

func allSet(n int) peer_wire.BitField {
	bf := peer_wire.NewBitField(n)
	for i := 0; i < n; i++ {
		bf.SetPiece(i)
	}
	return bf
}

//newActiveSession returns a session that already exchanged handshakes with a
//peer that has the pieces of bf.
func newActiveSession(t testing.TB, tr *Torrent, bf peer_wire.BitField) (*session, *fakeTransport) {
	ft := &fakeTransport{}
	s := newSession(tr, ft, "127.0.0.1:6881", false)
	s.state = sessionActive
	s.sentHandshake = true
	s.receivedHandshake = true
	s.peerBf = &bf
	tr.addSession(s)
	return s, ft
}

func peerHandshake(infoHash [20]byte) []byte {
	return (&peer_wire.HandShake{
		InfoHash: infoHash,
		PeerID:   [20]byte{'-', 'P', 'E', 'E', 'R', '0', '1', '-'},
	}).Encode()
}

func sendMsgs(ft *fakeTransport, msgs ...*peer_wire.Msg) {
	for _, m := range msgs {
		ft.in.Write(m.Encode())
	}
}

func decodeFrames(t testing.TB, b []byte) (msgs []*peer_wire.Msg) {
	for len(b) > 0 {
		l, err := peer_wire.FrameLen(b)
		require.NoError(t, err)
		require.LessOrEqual(t, l, len(b))
		msg, err := peer_wire.DecodeMsg(b[:l])
		require.NoError(t, err)
		msgs = append(msgs, msg)
		b = b[l:]
	}
	return
}

//splitHandshake returns the handshake we sent and the messages that follow it.
func splitHandshake(t testing.TB, b []byte) (*peer_wire.HandShake, []*peer_wire.Msg) {
	require.NotEmpty(t, b)
	l := peer_wire.HandshakeLen(b[0])
	require.GreaterOrEqual(t, len(b), l)
	hs, err := peer_wire.DecodeHandshake(b[:l])
	require.NoError(t, err)
	return hs, decodeFrames(t, b[l:])
}

func kinds(msgs []*peer_wire.Msg) (ks []peer_wire.MessageID) {
	for _, m := range msgs {
		ks = append(ks, m.Kind)
	}
	return
}

func countKind(msgs []*peer_wire.Msg, k peer_wire.MessageID) (n int) {
	for _, m := range msgs {
		if m.Kind == k {
			n++
		}
	}
	return
}

func TestSessionInfoHashMismatch(t *testing.T) {
	tr := newTestTorrent(t, testData(testDataLen), 5, false)
	ft := &fakeTransport{}
	s := newSession(tr, ft, "127.0.0.1:6881", true)
	tr.addSession(s)
	require.NoError(t, s.onWritable())
	ft.in.Write(peerHandshake([20]byte{1, 2, 3}))
	sendMsgs(ft, &peer_wire.Msg{Kind: peer_wire.Bitfield, Bitfield: allSet(3).Bytes()},
		&peer_wire.Msg{Kind: peer_wire.Unchoke})
	err := s.onReadable()
	require.ErrorIs(t, err, peer_wire.ErrInfoHashMismatch)
	s.close(err)
	assert.True(t, s.closed())
	assert.True(t, ft.closed)
	assert.False(t, s.wantWrite())
	hs, msgs := splitHandshake(t, ft.out.Bytes())
	assert.Equal(t, tr.infoHash, hs.InfoHash)
	assert.Equal(t, testPeerID, hs.PeerID)
	assert.Zero(t, countKind(msgs, peer_wire.Request))
	assert.Empty(t, tr.conns)
}

func TestSessionHandshakeAcrossReads(t *testing.T) {
	tr := newTestTorrent(t, testData(testDataLen), 5, false)
	ft := &fakeTransport{}
	s := newSession(tr, ft, "127.0.0.1:6881", false)
	assert.Equal(t, sessionHandshaking, s.state)
	assert.True(t, s.wantWrite())
	hs := peerHandshake(tr.infoHash)
	ft.in.Write(hs[:1])
	require.NoError(t, s.onReadable())
	ft.in.Write(hs[1:30])
	require.NoError(t, s.onReadable())
	assert.False(t, s.receivedHandshake)
	ft.in.Write(hs[30:])
	require.NoError(t, s.onReadable())
	assert.True(t, s.receivedHandshake)
	assert.Equal(t, sessionActive, s.state)
	assert.Equal(t, "-PEER01-", string(s.peerID[:8]))
	//we had nothing to announce, only the handshake is queued
	require.NoError(t, s.onWritable())
	_, msgs := splitHandshake(t, ft.out.Bytes())
	assert.Empty(t, msgs)
	assert.False(t, s.wantWrite())
}

func TestSessionRejectsSelf(t *testing.T) {
	tr := newTestTorrent(t, testData(testDataLen), 5, false)
	ft := &fakeTransport{}
	s := newSession(tr, ft, "127.0.0.1:6881", false)
	ft.in.Write((&peer_wire.HandShake{InfoHash: tr.infoHash, PeerID: testPeerID}).Encode())
	assert.ErrorIs(t, s.onReadable(), errSelfConnection)
}

func TestSessionSendsBitfieldAfterHandshake(t *testing.T) {
	tr := newTestTorrent(t, testData(testDataLen), 5, true)
	ft := &fakeTransport{}
	s := newSession(tr, ft, "127.0.0.1:6881", false)
	ft.in.Write(peerHandshake(tr.infoHash))
	require.NoError(t, s.onReadable())
	require.NoError(t, s.onWritable())
	_, msgs := splitHandshake(t, ft.out.Bytes())
	require.Len(t, msgs, 1)
	assert.Equal(t, peer_wire.Bitfield, msgs[0].Kind)
	assert.Equal(t, []byte{0xe0}, msgs[0].Bitfield)
}

func TestSessionDownloadWindow(t *testing.T) {
	data := testData(testDataLen)
	tr := newTestTorrent(t, data, 2, false)
	ft := &fakeTransport{}
	s := newSession(tr, ft, "127.0.0.1:6881", true)
	tr.addSession(s)
	require.NoError(t, s.onWritable())
	ft.in.Write(peerHandshake(tr.infoHash))
	sendMsgs(ft, &peer_wire.Msg{Kind: peer_wire.Bitfield, Bitfield: allSet(3).Bytes()},
		&peer_wire.Msg{Kind: peer_wire.Unchoke})
	require.NoError(t, s.onReadable())
	require.NoError(t, s.onWritable())
	_, msgs := splitHandshake(t, ft.out.Bytes())
	assert.Equal(t, []peer_wire.MessageID{peer_wire.Interested, peer_wire.Request, peer_wire.Request}, kinds(msgs))
	assert.Equal(t, Block{0, 0, BlockSize}, reqMsgToBlock(msgs[1]))
	assert.Equal(t, Block{0, BlockSize, BlockSize}, reqMsgToBlock(msgs[2]))
	assert.Equal(t, 2, s.outstanding)

	//answering one request frees a slot in the window
	ft.out.Reset()
	sendMsgs(ft, &peer_wire.Msg{Kind: peer_wire.Piece, Index: 0, Begin: 0, Block: data[:BlockSize]})
	require.NoError(t, s.onReadable())
	require.NoError(t, s.onWritable())
	msgs = decodeFrames(t, ft.out.Bytes())
	require.Len(t, msgs, 1)
	assert.Equal(t, Block{1, 0, BlockSize}, reqMsgToBlock(msgs[0]))
	assert.Equal(t, 2, s.outstanding)
	assert.EqualValues(t, BlockSize, s.stats.downloadUsefulBytes)

	//completing piece 0 announces it
	ft.out.Reset()
	sendMsgs(ft, &peer_wire.Msg{Kind: peer_wire.Piece, Index: 0, Begin: BlockSize, Block: data[BlockSize:testPieceLen]})
	require.NoError(t, s.onReadable())
	require.NoError(t, s.onWritable())
	msgs = decodeFrames(t, ft.out.Bytes())
	assert.Equal(t, []peer_wire.MessageID{peer_wire.Have, peer_wire.Request}, kinds(msgs))
	assert.True(t, tr.store.HavePiece(0))
}

func TestSessionChokeReleasesRequests(t *testing.T) {
	tr := newTestTorrent(t, testData(testDataLen), 3, false)
	s, ft := newActiveSession(t, tr, allSet(3))
	s.cs.amInterested = true
	sendMsgs(ft, &peer_wire.Msg{Kind: peer_wire.Unchoke})
	require.NoError(t, s.onReadable())
	require.Equal(t, 3, s.outstanding)
	require.Equal(t, 3, tr.sched.numInFlight())
	sendMsgs(ft, &peer_wire.Msg{Kind: peer_wire.Choke})
	require.NoError(t, s.onReadable())
	assert.Equal(t, 0, s.outstanding)
	assert.Equal(t, 0, tr.sched.numInFlight())
	assert.True(t, s.requested.IsEmpty())
}

func TestSessionServesRequests(t *testing.T) {
	data := testData(testDataLen)
	tr := newTestTorrent(t, data, 5, true)
	s, ft := newActiveSession(t, tr, peer_wire.NewBitField(3))
	req := &peer_wire.Msg{Kind: peer_wire.Request, Index: 2, Begin: 0, Length: 1000}
	//choked peers are ignored
	sendMsgs(ft, req)
	require.NoError(t, s.onReadable())
	assert.Empty(t, s.out)
	sendMsgs(ft, &peer_wire.Msg{Kind: peer_wire.Interested}, req)
	require.NoError(t, s.onReadable())
	require.NoError(t, s.onWritable())
	msgs := decodeFrames(t, ft.out.Bytes())
	require.Equal(t, []peer_wire.MessageID{peer_wire.Unchoke, peer_wire.Piece}, kinds(msgs))
	assert.EqualValues(t, 2, msgs[1].Index)
	assert.Equal(t, data[2*testPieceLen:2*testPieceLen+1000], msgs[1].Block)
	assert.Equal(t, 0, s.uploads)
	assert.EqualValues(t, 1000, s.stats.uploadUsefulBytes)
	assert.EqualValues(t, 1000, tr.Stats().Uploaded)
	assert.Equal(t, "down 0 B (0 blocks), up 1.0 kB (1 blocks)", s.stats.String())

	//requests after the peer lost interest are ignored
	ft.out.Reset()
	sendMsgs(ft, &peer_wire.Msg{Kind: peer_wire.NotInterested}, req)
	require.NoError(t, s.onReadable())
	assert.False(t, s.cs.canUpload())
	assert.Empty(t, s.out)
	assert.Zero(t, s.uploads)
}

func TestSessionCancelDropsQueuedUpload(t *testing.T) {
	tr := newTestTorrent(t, testData(testDataLen), 5, true)
	s, ft := newActiveSession(t, tr, peer_wire.NewBitField(3))
	s.cs.amChoking = false
	s.cs.peerInterested = true
	ft.blocked = true
	req := &peer_wire.Msg{Kind: peer_wire.Request, Index: 1, Begin: BlockSize, Length: BlockSize}
	sendMsgs(ft, req)
	require.NoError(t, s.onReadable())
	require.Equal(t, 1, s.uploads)
	cancel := *req
	cancel.Kind = peer_wire.Cancel
	sendMsgs(ft, &cancel)
	require.NoError(t, s.onReadable())
	assert.Equal(t, 0, s.uploads)
	assert.Empty(t, s.out)
	//too late to cancel
	sendMsgs(ft, &cancel)
	require.NoError(t, s.onReadable())
	assert.Equal(t, 1, tr.Stats().LatecomerCancels)
}

func TestSessionViolations(t *testing.T) {
	tr := newTestTorrent(t, testData(testDataLen), 5, false)
	s, ft := newActiveSession(t, tr, peer_wire.NewBitField(3))
	for i := 1; i < maxViolations; i++ {
		sendMsgs(ft, &peer_wire.Msg{Kind: peer_wire.Have, Index: 3})
		require.NoError(t, s.onReadable())
		assert.Equal(t, i, s.violations)
	}
	sendMsgs(ft, &peer_wire.Msg{Kind: peer_wire.Have, Index: 1 << 30})
	err := s.onReadable()
	assert.ErrorIs(t, err, errTooManyViolations)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestSessionBadPieceIsViolation(t *testing.T) {
	tr := newTestTorrent(t, testData(testDataLen), 5, false)
	s, ft := newActiveSession(t, tr, allSet(3))
	//misaligned offset
	sendMsgs(ft, &peer_wire.Msg{Kind: peer_wire.Piece, Index: 0, Begin: 1, Block: make([]byte, 10)})
	require.NoError(t, s.onReadable())
	assert.Equal(t, 1, s.violations)
	assert.Equal(t, 1, s.stats.unexpectedBlocks)
}

func TestSessionBitfieldRules(t *testing.T) {
	tr := newTestTorrent(t, testData(testDataLen), 5, false)
	s := newSession(tr, &fakeTransport{}, "127.0.0.1:6881", false)
	s.state = sessionActive
	s.receivedHandshake = true
	ft := s.tr.(*fakeTransport)
	//wrong length
	sendMsgs(ft, &peer_wire.Msg{Kind: peer_wire.Bitfield, Bitfield: []byte{0xff, 0xff}})
	assert.ErrorIs(t, s.onReadable(), peer_wire.ErrMalformedMessage)

	s = newSession(tr, &fakeTransport{}, "127.0.0.1:6881", false)
	s.state = sessionActive
	s.receivedHandshake = true
	ft = s.tr.(*fakeTransport)
	sendMsgs(ft, &peer_wire.Msg{Kind: peer_wire.Have, Index: 1},
		&peer_wire.Msg{Kind: peer_wire.Bitfield, Bitfield: []byte{0xff}})
	assert.ErrorIs(t, s.onReadable(), errBitfieldOrder)
	assert.True(t, s.peerHas(1))
	assert.False(t, s.peerHas(0))
}

func TestSessionHaveTriggersInterest(t *testing.T) {
	tr := newTestTorrent(t, testData(testDataLen), 5, false)
	s, ft := newActiveSession(t, tr, peer_wire.NewBitField(3))
	sendMsgs(ft, &peer_wire.Msg{Kind: peer_wire.KeepAlive}, &peer_wire.Msg{Kind: peer_wire.Have, Index: 2})
	require.NoError(t, s.onReadable())
	assert.True(t, s.cs.amInterested)
	require.NoError(t, s.onWritable())
	assert.Equal(t, []peer_wire.MessageID{peer_wire.Interested}, kinds(decodeFrames(t, ft.out.Bytes())))
}

func TestSessionPeerClosed(t *testing.T) {
	tr := newTestTorrent(t, testData(testDataLen), 5, false)
	s, ft := newActiveSession(t, tr, peer_wire.NewBitField(3))
	ft.eof = true
	assert.ErrorIs(t, s.onReadable(), io.EOF)
}

func TestSessionTimers(t *testing.T) {
	tr := newTestTorrent(t, testData(testDataLen), 5, false)
	now := time.Now()
	tr.now = func() time.Time { return now }
	s, ft := newActiveSession(t, tr, peer_wire.NewBitField(3))
	require.NoError(t, s.tick(now.Add(keepAliveSendFreq-time.Second)))
	assert.Empty(t, s.out)
	require.NoError(t, s.tick(now.Add(keepAliveSendFreq)))
	require.NoError(t, s.onWritable())
	assert.Equal(t, []byte{0, 0, 0, 0}, ft.out.Bytes())
	assert.ErrorIs(t, s.tick(now.Add(idleTimeout+time.Second)), errIdle)
}
