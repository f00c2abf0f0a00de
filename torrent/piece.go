package torrent

import (
	"fmt"

	"github.com/lkslts64/pollbt/peer_wire"
)

//BlockSize is the length of every block except the last one of a piece.
const BlockSize = 1 << 14

//Block describes a range of a piece. It is exchanged between the scheduler,
//the store and the wire.
type Block struct {
	Piece  uint32
	Begin  uint32
	Length uint32
}

func (b Block) String() string {
	return fmt.Sprintf("%d/%d/%d", b.Piece, b.Begin, b.Length)
}

func (b Block) reqMsg() *peer_wire.Msg {
	return &peer_wire.Msg{
		Kind:   peer_wire.Request,
		Index:  b.Piece,
		Begin:  b.Begin,
		Length: b.Length,
	}
}

func reqMsgToBlock(msg *peer_wire.Msg) Block {
	return Block{
		Piece:  msg.Index,
		Begin:  msg.Begin,
		Length: msg.Length,
	}
}

//piece tracks the blocks we have of a single piece. data is allocated when
//the first block arrives and dropped once the piece is in storage.
type piece struct {
	index  int
	length int
	hash   [20]byte
	blocks peer_wire.BitField
	data   []byte
}

func newPiece(index, length int, hash [20]byte) *piece {
	return &piece{
		index:  index,
		length: length,
		hash:   hash,
		blocks: peer_wire.NewBitField(numBlocks(length)),
	}
}

func numBlocks(pieceLen int) int {
	return (pieceLen + BlockSize - 1) / BlockSize
}

func (p *piece) numBlocks() int {
	return p.blocks.Len()
}

//length of block i
func (p *piece) blockLen(i int) int {
	if i == p.numBlocks()-1 {
		return p.length - i*BlockSize
	}
	return BlockSize
}

func (p *piece) block(i int) Block {
	return Block{
		Piece:  uint32(p.index),
		Begin:  uint32(i * BlockSize),
		Length: uint32(p.blockLen(i)),
	}
}

//reset forgets every block we have stored.
func (p *piece) reset() {
	p.blocks.Clear()
	p.data = nil
}

//blockIndex maps a block descriptor of this piece to its index. The descriptor
//must be aligned and have the exact length of the block.
func (p *piece) blockIndex(begin, length int) (int, error) {
	if begin < 0 || length <= 0 || begin+length > p.length {
		return 0, fmt.Errorf("%w: piece %d range [%d, %d) exceeds length %d", ErrOutOfBounds, p.index, begin, begin+length, p.length)
	}
	if begin%BlockSize != 0 {
		return 0, fmt.Errorf("%w: piece %d offset %d not aligned to block size", ErrOutOfBounds, p.index, begin)
	}
	i := begin / BlockSize
	if want := p.blockLen(i); length != want {
		return 0, fmt.Errorf("%w: piece %d block %d length %d, want %d", ErrOutOfBounds, p.index, i, length, want)
	}
	return i, nil
}
