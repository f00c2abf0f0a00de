package torrent

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/bitmap"
	"github.com/lkslts64/pollbt/peer_wire"
)

const (
	keepAliveInterval time.Duration = 2 * time.Minute
	keepAliveSendFreq               = keepAliveInterval - 10*time.Second
	//lets be forbearing
	idleTimeout = keepAliveInterval + time.Minute
	//time we give a peer to connect and send its handshake
	handshakeTimeout = 10 * time.Second
	//violations of the protocol we tolerate before dropping a peer
	maxViolations = 3
	//uploads queued per peer, same as libtorrent's default reqq
	maxQueuedUploads = 250
	//largest block a peer may request from us
	maxRequestBlockSz = 1 << 17
)

var (
	//errWouldBlock is returned by a transport that has no data to give or
	//can't take more without blocking.
	errWouldBlock        = errors.New("operation would block")
	errTooManyViolations = errors.New("too many protocol violations")
	errSelfConnection    = errors.New("connected to ourselves")
	errBitfieldOrder     = errors.New("bitfield must be the first message")
	errIdle              = errors.New("peer idle for too long")
	errHandshakeTimeout  = errors.New("handshake timed out")
)

//transport is a non-blocking byte stream. Read and Write return errWouldBlock
//instead of blocking and Read returns io.EOF once the peer closed.
type transport interface {
	io.Reader
	io.Writer
	io.Closer
}

type sessionStatus int

const (
	sessionConnecting sessionStatus = iota
	sessionHandshaking
	sessionActive
	sessionClosed
)

var sessionStatusNames = [...]string{"connecting", "handshaking", "active", "closed"}

func (st sessionStatus) String() string {
	return sessionStatusNames[st]
}

//pendingRead accumulates a frame whose length we know across readiness
//events.
type pendingRead struct {
	expected int
	buf      []byte
}

func (p *pendingRead) expect(n int) {
	if cap(p.buf) < n {
		buf := make([]byte, len(p.buf), n)
		copy(buf, p.buf)
		p.buf = buf
	}
	p.expected = n
}

func (p *pendingRead) reset() {
	p.expected = 0
	p.buf = p.buf[:0]
}

//fill reads until the frame is complete. It returns how many bytes it read.
func (p *pendingRead) fill(r io.Reader) (read int, err error) {
	for len(p.buf) < p.expected {
		var n int
		n, err = r.Read(p.buf[len(p.buf):p.expected])
		p.buf = p.buf[:len(p.buf)+n]
		read += n
		if err != nil {
			return
		}
		if n == 0 {
			return read, errWouldBlock
		}
	}
	return
}

type outFrame struct {
	b []byte
	//set for piece messages answering a request of the peer
	upload bool
	req    Block
}

//session is the state of one peer connection. It's driven by the
//multiplexer through onReadable/onWritable and never blocks.
type session struct {
	t        *Torrent
	logger   log.Logger
	tr       transport
	addr     string
	outbound bool
	state    sessionStatus
	cs       connState

	sentHandshake     bool
	receivedHandshake bool
	peerID            [20]byte
	//nil until the peer sends a Bitfield or a Have
	peerBf *peer_wire.BitField

	pending pendingRead
	out     []outFrame
	//bytes of out[0] already written
	written int
	uploads int

	//requests we have in flight to this peer
	outstanding int
	requested   bitmap.Bitmap

	violations   int
	msgsReceived int
	created      time.Time
	lastRead     time.Time
	lastWrite    time.Time
	stats        connStats
	closeErr     error
}

func newSession(t *Torrent, tr transport, addr string, outbound bool) *session {
	now := t.now()
	s := &session{
		t:         t,
		logger:    t.logger.WithNames("peer", addr),
		tr:        tr,
		addr:      addr,
		outbound:  outbound,
		state:     sessionHandshaking,
		cs:        newConnState(),
		created:   now,
		lastRead:  now,
		lastWrite: now,
	}
	if outbound {
		s.state = sessionConnecting
	}
	return s
}

func (s *session) String() string {
	return s.addr
}

func (s *session) closed() bool {
	return s.state == sessionClosed
}

//wantWrite tells the multiplexer to wait for writability.
func (s *session) wantWrite() bool {
	switch s.state {
	case sessionClosed:
		return false
	case sessionConnecting:
		return true
	}
	return !s.sentHandshake || len(s.out) > 0
}

func (s *session) peerHas(i int) bool {
	return s.peerBf != nil && s.peerBf.HasPiece(i)
}

func (s *session) onWritable() error {
	if s.state == sessionConnecting {
		s.state = sessionHandshaking
		s.logger.Levelf(log.Debug, "connected")
	}
	s.sendHandshake()
	return s.flush()
}

func (s *session) sendHandshake() {
	if s.sentHandshake || s.state == sessionConnecting {
		return
	}
	hs := &peer_wire.HandShake{
		InfoHash: s.t.infoHash,
		PeerID:   s.t.peerID,
	}
	s.out = append(s.out, outFrame{b: hs.Encode()})
	s.sentHandshake = true
}

//post queues msg. The handshake always goes first.
func (s *session) post(msg *peer_wire.Msg) {
	s.sendHandshake()
	s.out = append(s.out, outFrame{b: msg.Encode()})
}

func (s *session) postUpload(req Block, data []byte) {
	s.sendHandshake()
	msg := &peer_wire.Msg{
		Kind:  peer_wire.Piece,
		Index: req.Piece,
		Begin: req.Begin,
		Block: data,
	}
	s.out = append(s.out, outFrame{b: msg.Encode(), upload: true, req: req})
	s.uploads++
}

//flush writes queued frames until the transport would block.
func (s *session) flush() error {
	for len(s.out) > 0 {
		f := s.out[0]
		n, err := s.tr.Write(f.b[s.written:])
		s.written += n
		if n > 0 {
			s.lastWrite = s.t.now()
		}
		if s.written == len(f.b) {
			s.out[0] = outFrame{}
			s.out = s.out[1:]
			s.written = 0
			if f.upload {
				s.uploads--
				s.stats.onBlockUpload(int(f.req.Length))
				s.t.blockUploaded(int(f.req.Length))
			}
		}
		if errors.Is(err, errWouldBlock) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

//onReadable reads and handles frames until the transport would block.
func (s *session) onReadable() error {
	for s.state != sessionClosed {
		if s.pending.expected == 0 {
			if s.receivedHandshake {
				s.pending.expect(peer_wire.HeaderLen)
			} else {
				//pstrlen tells how long the handshake is
				s.pending.expect(1)
			}
		}
		n, err := s.pending.fill(s.tr)
		if n > 0 {
			s.lastRead = s.t.now()
		}
		if errors.Is(err, errWouldBlock) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err = s.onFrame(); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) onFrame() error {
	buf := s.pending.buf
	if !s.receivedHandshake {
		if len(buf) == 1 {
			s.pending.expect(peer_wire.HandshakeLen(buf[0]))
			return nil
		}
		hs, err := peer_wire.DecodeHandshake(buf)
		s.pending.reset()
		if err != nil {
			return err
		}
		return s.onHandshake(hs)
	}
	if s.pending.expected == peer_wire.HeaderLen {
		l, err := peer_wire.FrameLen(buf)
		if err != nil {
			return err
		}
		if l == peer_wire.HeaderLen {
			//keep-alive
			s.pending.reset()
			return nil
		}
		s.pending.expect(l)
		return nil
	}
	msg, err := peer_wire.DecodeMsg(buf)
	s.pending.reset()
	if err != nil {
		return err
	}
	return s.onMsg(msg)
}

func (s *session) onHandshake(hs *peer_wire.HandShake) error {
	if hs.Pstr != peer_wire.Proto {
		return fmt.Errorf("%w: unknown protocol %q", peer_wire.ErrMalformedMessage, hs.Pstr)
	}
	if err := hs.Check(s.t.infoHash); err != nil {
		return err
	}
	if hs.PeerID == s.t.peerID {
		return errSelfConnection
	}
	s.receivedHandshake = true
	s.peerID = hs.PeerID
	s.state = sessionActive
	s.logger.Levelf(log.Debug, "handshake done, peer id %q", hs.PeerID[:])
	if s.t.store.HaveAny() {
		bf := s.t.store.Bitfield()
		s.post(&peer_wire.Msg{
			Kind:     peer_wire.Bitfield,
			Bitfield: bf.Bytes(),
		})
	} else {
		s.sendHandshake()
	}
	return nil
}

func (s *session) onMsg(msg *peer_wire.Msg) (err error) {
	s.msgsReceived++
	switch msg.Kind {
	case peer_wire.Choke:
		s.cs.peerChoking = true
		if n := s.t.sched.release(s); n > 0 {
			s.logger.Levelf(log.Debug, "choked with %d requests in flight", n)
		}
	case peer_wire.Unchoke:
		s.cs.peerChoking = false
	case peer_wire.Interested:
		s.cs.peerInterested = true
		s.unchoke()
	case peer_wire.NotInterested:
		s.cs.peerInterested = false
	case peer_wire.Have:
		err = s.onHave(msg.Index)
	case peer_wire.Bitfield:
		err = s.onBitfield(msg.Bitfield)
	case peer_wire.Request:
		err = s.onRequest(reqMsgToBlock(msg))
	case peer_wire.Piece:
		err = s.onPiece(msg)
	case peer_wire.Cancel:
		s.onCancel(reqMsgToBlock(msg))
	default:
		err = fmt.Errorf("%w: unexpected %v", peer_wire.ErrMalformedMessage, msg.Kind)
	}
	if err != nil {
		return
	}
	s.fillRequests()
	return nil
}

//violation counts an out of bounds access of the peer and fails once the
//peer made too many.
func (s *session) violation(err error) error {
	s.violations++
	s.logger.Levelf(log.Warning, "protocol violation %d/%d: %v", s.violations, maxViolations, err)
	if s.violations >= maxViolations {
		return fmt.Errorf("%w: %w", errTooManyViolations, err)
	}
	return nil
}

func (s *session) onHave(index uint32) error {
	n := s.t.store.NumPieces()
	if int64(index) >= int64(n) {
		return s.violation(fmt.Errorf("%w: have %d of %d pieces", ErrOutOfBounds, index, n))
	}
	if s.peerBf == nil {
		bf := peer_wire.NewBitField(n)
		s.peerBf = &bf
	}
	s.peerBf.SetPiece(int(index))
	s.reviewInterest()
	return nil
}

func (s *session) onBitfield(b []byte) error {
	if s.peerBf != nil || s.msgsReceived > 1 {
		return errBitfieldOrder
	}
	n := s.t.store.NumPieces()
	if len(b) != peer_wire.BfLen(n) {
		return fmt.Errorf("%w: bitfield of %d bytes for %d pieces", peer_wire.ErrMalformedMessage, len(b), n)
	}
	bf, err := peer_wire.BitFieldFromBytes(b, n)
	if err != nil {
		return err
	}
	s.peerBf = &bf
	s.reviewInterest()
	return nil
}

//reviewInterest tells the peer if we want something it has.
func (s *session) reviewInterest() {
	want := s.peerBf != nil && s.t.store.Wants(*s.peerBf)
	switch {
	case want && !s.cs.amInterested:
		s.cs.amInterested = true
		s.post(&peer_wire.Msg{Kind: peer_wire.Interested})
	case !want && s.cs.amInterested:
		s.cs.amInterested = false
		s.post(&peer_wire.Msg{Kind: peer_wire.NotInterested})
	}
}

func (s *session) unchoke() {
	if s.cs.amChoking {
		s.cs.amChoking = false
		s.post(&peer_wire.Msg{Kind: peer_wire.Unchoke})
	}
}

func (s *session) onRequest(b Block) error {
	if !s.cs.canUpload() {
		//maybe we have choked the peer but it hasn't been informed yet
		s.logger.Levelf(log.Debug, "ignoring request %v, choked or not interested", b)
		return nil
	}
	if b.Length > maxRequestBlockSz {
		return s.violation(fmt.Errorf("%w: request length %d", ErrOutOfBounds, b.Length))
	}
	if s.uploads >= maxQueuedUploads {
		s.logger.Levelf(log.Debug, "dropping request %v, too many queued", b)
		return nil
	}
	data, err := s.t.store.ReadBlock(b.Piece, b.Begin, b.Length)
	if errors.Is(err, ErrOutOfBounds) {
		return s.violation(err)
	}
	if err != nil {
		s.logger.Levelf(log.Error, "serving %v: %v", b, err)
		return nil
	}
	s.postUpload(b, data)
	return nil
}

//onCancel drops a queued upload that hasn't started being written.
func (s *session) onCancel(b Block) {
	for i, f := range s.out {
		if !f.upload || f.req != b || (i == 0 && s.written > 0) {
			continue
		}
		s.out = append(s.out[:i], s.out[i+1:]...)
		s.uploads--
		return
	}
	s.t.stats.latecomerCancels.Inc()
}

func (s *session) onPiece(msg *peer_wire.Msg) error {
	b := Block{
		Piece:  msg.Index,
		Begin:  msg.Begin,
		Length: uint32(len(msg.Block)),
	}
	requested := s.t.sched.valid(b) && s.requested.Get(int(s.t.sched.blockID(b)))
	if !requested {
		s.stats.unexpectedBlocks++
	}
	res, err := s.t.sched.onPiece(s, b, msg.Block)
	if errors.Is(err, ErrOutOfBounds) {
		return s.violation(err)
	}
	if err != nil {
		//the piece was reset, it will be requested again
		s.logger.Levelf(log.Error, "storing %v: %v", b, err)
		return nil
	}
	switch res {
	case BlockIgnored:
		return nil
	case PieceComplete:
		s.stats.onBlockDownload(len(msg.Block))
		s.t.blockDownloaded(len(msg.Block))
		s.t.pieceCompleted(int(b.Piece))
	case HashMismatch:
		s.stats.onBlockDownload(len(msg.Block))
		s.t.blockDownloaded(len(msg.Block))
		s.t.pieceFailed(int(b.Piece))
	default:
		s.stats.onBlockDownload(len(msg.Block))
		s.t.blockDownloaded(len(msg.Block))
	}
	return nil
}

func (s *session) fillRequests() {
	if s.state != sessionActive {
		return
	}
	for _, b := range s.t.sched.fill(s) {
		s.post(b.reqMsg())
	}
}

//tick enforces the session's timers. A non nil error means the session
//should be closed.
func (s *session) tick(now time.Time) error {
	switch s.state {
	case sessionConnecting, sessionHandshaking:
		if now.Sub(s.created) > handshakeTimeout {
			return fmt.Errorf("%w while %v", errHandshakeTimeout, s.state)
		}
	case sessionActive:
		if now.Sub(s.lastRead) > idleTimeout {
			return errIdle
		}
		if len(s.out) == 0 && now.Sub(s.lastWrite) >= keepAliveSendFreq {
			s.post(&peer_wire.Msg{Kind: peer_wire.KeepAlive})
		}
	}
	return nil
}

//close releases the session's requests and transport. It's idempotent.
func (s *session) close(err error) {
	if s.state == sessionClosed {
		return
	}
	s.state = sessionClosed
	s.closeErr = err
	if cerr := s.tr.Close(); cerr != nil {
		s.logger.Levelf(log.Debug, "closing transport: %v", cerr)
	}
	s.out = nil
	s.pending = pendingRead{}
	s.t.sessionClosed(s)
	if err != nil && !errors.Is(err, io.EOF) {
		s.logger.Levelf(log.Debug, "closed %sbound connection: %v", s.direction(), err)
	}
	s.logger.Levelf(log.Debug, "%s", &s.stats)
}

func (s *session) direction() string {
	if s.outbound {
		return "out"
	}
	return "in"
}
