package torrent

import (
	"github.com/RoaringBitmap/roaring"
)

//scheduler hands out block requests to sessions. Every block requested is
//remembered both globally and in the session it was requested from, so that
//a choke or a disconnect makes the blocks requestable again.
type scheduler struct {
	store  *PieceStore
	window int
	//blocks of a full length piece
	blocksPerPiece uint32
	inFlight       *roaring.Bitmap
}

func newScheduler(store *PieceStore, window int) *scheduler {
	if window <= 0 {
		window = 1
	}
	return &scheduler{
		store:          store,
		window:         window,
		blocksPerPiece: uint32(numBlocks(store.pieceLen)),
		inFlight:       roaring.New(),
	}
}

func (sc *scheduler) blockID(b Block) uint32 {
	return b.Piece*sc.blocksPerPiece + b.Begin/BlockSize
}

//valid reports if b could be a block of ours, so that it has an id.
func (sc *scheduler) valid(b Block) bool {
	return int64(b.Piece) < int64(sc.store.NumPieces()) && b.Begin%BlockSize == 0 &&
		int64(b.Begin) < int64(sc.store.PieceLen(int(b.Piece)))
}

//fill returns the requests s should send now. It stops when the session's
//window is full or there is nothing the peer can give us.
func (sc *scheduler) fill(s *session) (reqs []Block) {
	for s.outstanding < sc.window && s.cs.canDownload() {
		blocks := sc.store.RequestCandidates(1, func(b Block) bool {
			return s.peerHas(int(b.Piece)) && !sc.inFlight.Contains(sc.blockID(b))
		})
		if len(blocks) == 0 {
			break
		}
		b := blocks[0]
		id := sc.blockID(b)
		sc.inFlight.Add(id)
		s.requested.Set(int(id), true)
		s.outstanding++
		reqs = append(reqs, b)
	}
	return
}

//onPiece accounts for a block received from s and hands it to the store.
func (sc *scheduler) onPiece(s *session, b Block, payload []byte) (IngestResult, error) {
	if sc.valid(b) {
		id := sc.blockID(b)
		if s.requested.Get(int(id)) {
			s.requested.Set(int(id), false)
			sc.inFlight.Remove(id)
			s.outstanding--
		}
	}
	return sc.store.IngestBlock(b.Piece, b.Begin, payload)
}

//release forgets every request in flight from s.
func (sc *scheduler) release(s *session) int {
	n := 0
	s.requested.IterTyped(func(id int) bool {
		sc.inFlight.Remove(uint32(id))
		n++
		return true
	})
	s.requested.Clear()
	s.outstanding = 0
	return n
}

func (sc *scheduler) numInFlight() int {
	return int(sc.inFlight.GetCardinality())
}
