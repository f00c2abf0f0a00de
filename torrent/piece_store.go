package torrent

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/anacrolix/log"
	"github.com/lkslts64/pollbt/peer_wire"
	"github.com/lkslts64/pollbt/torrent/storage"
)

var (
	ErrOutOfBounds        = errors.New("block out of bounds")
	ErrInvalidPieceHashes = errors.New("invalid piece hashes")
)

//IngestResult tells what happened to a block handed to the store.
type IngestResult int

const (
	//stored but the piece still misses blocks
	BlockStored IngestResult = iota
	//the piece was verified and written to storage
	PieceComplete
	//the piece failed its hash check and was reset
	HashMismatch
	//the piece was already verified or the block was already stored
	BlockIgnored
)

var ingestResultNames = [...]string{"block stored", "piece complete", "hash mismatch", "block ignored"}

func (r IngestResult) String() string {
	return ingestResultNames[r]
}

//PieceStore splits the torrent in pieces and blocks, assembles pieces in
//memory and writes them to storage once verified.
type PieceStore struct {
	logger   log.Logger
	pieceLen int
	totalLen int64
	pieces   []*piece
	have     peer_wire.BitField
	storage  storage.Storage
	//bytes of verified pieces
	verified int64
}

//NewPieceStore creates a store for a torrent of totalLen bytes. hashes is the
//concatenation of the pieces' SHA-1 hashes.
func NewPieceStore(pieceLen int, hashes []byte, totalLen int64, s storage.Storage, logger log.Logger) (*PieceStore, error) {
	if pieceLen <= 0 {
		return nil, fmt.Errorf("%w: piece length %d", ErrInvalidPieceHashes, pieceLen)
	}
	if len(hashes)%sha1.Size != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of %d", ErrInvalidPieceHashes, len(hashes), sha1.Size)
	}
	numPieces := int((totalLen + int64(pieceLen) - 1) / int64(pieceLen))
	if len(hashes)/sha1.Size != numPieces {
		return nil, fmt.Errorf("%w: %d hashes for %d pieces", ErrInvalidPieceHashes, len(hashes)/sha1.Size, numPieces)
	}
	ps := &PieceStore{
		logger:   logger,
		pieceLen: pieceLen,
		totalLen: totalLen,
		pieces:   make([]*piece, numPieces),
		have:     peer_wire.NewBitField(numPieces),
		storage:  s,
	}
	for i := range ps.pieces {
		var h [20]byte
		copy(h[:], hashes[i*sha1.Size:])
		ps.pieces[i] = newPiece(i, ps.PieceLen(i), h)
	}
	return ps, nil
}

func (ps *PieceStore) NumPieces() int {
	return len(ps.pieces)
}

//PieceLen returns the length of piece i. Only the last piece may be shorter.
func (ps *PieceStore) PieceLen(i int) int {
	if i == ps.NumPieces()-1 {
		if rem := int(ps.totalLen % int64(ps.pieceLen)); rem != 0 {
			return rem
		}
	}
	return ps.pieceLen
}

func (ps *PieceStore) TotalLen() int64 {
	return ps.totalLen
}

func (ps *PieceStore) Complete() bool {
	return ps.have.AllSet()
}

//Bitfield returns a copy of the verified pieces.
func (ps *PieceStore) Bitfield() peer_wire.BitField {
	return ps.have.Copy()
}

func (ps *PieceStore) HavePiece(i int) bool {
	return ps.have.HasPiece(i)
}

func (ps *PieceStore) HaveAny() bool {
	return ps.have.BitsSet() > 0
}

//BytesLeft returns how many bytes of verified data we miss.
func (ps *PieceStore) BytesLeft() int64 {
	return ps.totalLen - ps.verified
}

//Wants reports if other has a piece we don't.
func (ps *PieceStore) Wants(other peer_wire.BitField) bool {
	_, ok := ps.have.FirstMismatch(other)
	return ok
}

//RequestCandidates returns up to maxN blocks of the lowest indexed incomplete
//piece that has a missing block accepted by filter (nil accepts all). Blocks
//are in ascending offset order and are never taken from two pieces.
func (ps *PieceStore) RequestCandidates(maxN int, filter func(Block) bool) []Block {
	if maxN <= 0 {
		return nil
	}
	for _, p := range ps.pieces {
		if ps.have.HasPiece(p.index) {
			continue
		}
		var blocks []Block
		for i := 0; i < p.numBlocks() && len(blocks) < maxN; i++ {
			if p.blocks.HasPiece(i) {
				continue
			}
			b := p.block(i)
			if filter == nil || filter(b) {
				blocks = append(blocks, b)
			}
		}
		if len(blocks) > 0 {
			return blocks
		}
	}
	return nil
}

func (ps *PieceStore) piece(index uint32) (*piece, error) {
	if int64(index) >= int64(len(ps.pieces)) {
		return nil, fmt.Errorf("%w: piece index %d, have %d pieces", ErrOutOfBounds, index, len(ps.pieces))
	}
	return ps.pieces[index], nil
}

//IngestBlock stores payload at begin of piece index. Completing a piece
//triggers its hash check and, if it passes, the write to storage.
func (ps *PieceStore) IngestBlock(index, begin uint32, payload []byte) (IngestResult, error) {
	p, err := ps.piece(index)
	if err != nil {
		return BlockIgnored, err
	}
	bi, err := p.blockIndex(int(begin), len(payload))
	if err != nil {
		return BlockIgnored, err
	}
	if ps.have.HasPiece(p.index) || p.blocks.HasPiece(bi) {
		return BlockIgnored, nil
	}
	if p.data == nil {
		p.data = make([]byte, p.length)
	}
	copy(p.data[begin:], payload)
	p.blocks.SetPiece(bi)
	if !p.blocks.AllSet() {
		return BlockStored, nil
	}
	if sha1.Sum(p.data) != p.hash {
		ps.logger.Levelf(log.Debug, "piece %d failed hash check", p.index)
		p.reset()
		return HashMismatch, nil
	}
	if _, err = ps.storage.WriteAt(p.data, int64(p.index)*int64(ps.pieceLen)); err != nil {
		p.reset()
		return BlockIgnored, fmt.Errorf("write piece %d: %w", p.index, err)
	}
	ps.markComplete(p)
	return PieceComplete, nil
}

func (ps *PieceStore) markComplete(p *piece) {
	p.data = nil
	ps.have.SetPiece(p.index)
	ps.verified += int64(p.length)
}

//ReadBlock reads a block of a verified piece from storage.
func (ps *PieceStore) ReadBlock(index, begin, length uint32) ([]byte, error) {
	p, err := ps.piece(index)
	if err != nil {
		return nil, err
	}
	if !ps.have.HasPiece(p.index) {
		return nil, fmt.Errorf("%w: piece %d not verified", ErrOutOfBounds, index)
	}
	if length == 0 || int64(begin)+int64(length) > int64(p.length) {
		return nil, fmt.Errorf("%w: piece %d range [%d, %d) exceeds length %d", ErrOutOfBounds, index, begin, int64(begin)+int64(length), p.length)
	}
	b := make([]byte, length)
	if _, err = ps.storage.ReadAt(b, int64(p.index)*int64(ps.pieceLen)+int64(begin)); err != nil {
		return nil, fmt.Errorf("read piece %d: %w", index, err)
	}
	return b, nil
}

//VerifyExisting hashes the data storage already holds and marks the pieces
//that match as complete. It returns how many pieces were found.
func (ps *PieceStore) VerifyExisting() (int, error) {
	found := 0
	for _, p := range ps.pieces {
		if ps.have.HasPiece(p.index) {
			continue
		}
		h, err := storage.HashSection(ps.storage, int64(p.index)*int64(ps.pieceLen), int64(p.length))
		if err != nil {
			return found, fmt.Errorf("verify piece %d: %w", p.index, err)
		}
		if h == p.hash {
			p.reset()
			ps.markComplete(p)
			found++
		}
	}
	return found, nil
}

//Flush makes the pieces written so far durable.
func (ps *PieceStore) Flush() error {
	return ps.storage.Flush()
}
