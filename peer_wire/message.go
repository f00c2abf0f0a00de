package peer_wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrMalformedMessage = errors.New("malformed message")

type MessageID int8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	//KeepAlive has no ID on the wire but we define one
	KeepAlive MessageID = -1
)

var msgNames = map[MessageID]string{
	Choke:         "choke",
	Unchoke:       "unchoke",
	Interested:    "interested",
	NotInterested: "not_interested",
	Have:          "have",
	Bitfield:      "bitfield",
	Request:       "request",
	Piece:         "piece",
	Cancel:        "cancel",
	KeepAlive:     "keep_alive",
}

func (id MessageID) String() string {
	if s, ok := msgNames[id]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int8(id))
}

const (
	//length prefix
	HeaderLen = 4
	//largest frame (header included) we accept from a peer. It fits a bitfield
	//for about eight million pieces and any sane block.
	MaxFrameLen = 1 << 20
)

//Msg is a decoded peer wire message. Only the fields relevant to Kind are used.
type Msg struct {
	Kind     MessageID
	Index    uint32
	Begin    uint32
	Length   uint32
	Bitfield []byte
	Block    []byte
}

//payload width that follows the id byte, -1 for variable length messages
func fixedPayloadLen(id MessageID) int {
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		return 0
	case Have:
		return 4
	case Request, Cancel:
		return 12
	default:
		return -1
	}
}

//Encode returns the length-prefixed wire form of m.
func (m *Msg) Encode() []byte {
	if m.Kind == KeepAlive {
		return make([]byte, HeaderLen)
	}
	var payloadLen int
	switch m.Kind {
	case Bitfield:
		payloadLen = len(m.Bitfield)
	case Piece:
		payloadLen = 8 + len(m.Block)
	default:
		payloadLen = fixedPayloadLen(m.Kind)
		if payloadLen < 0 {
			panic(fmt.Sprintf("encode: unknown kind of msg %v", m.Kind))
		}
	}
	b := make([]byte, 0, HeaderLen+1+payloadLen)
	b = appendUint32(b, uint32(1+payloadLen))
	b = append(b, byte(m.Kind))
	switch m.Kind {
	case Have:
		b = appendUint32(b, m.Index)
	case Bitfield:
		b = append(b, m.Bitfield...)
	case Request, Cancel:
		b = appendUint32(b, m.Index)
		b = appendUint32(b, m.Begin)
		b = appendUint32(b, m.Length)
	case Piece:
		b = appendUint32(b, m.Index)
		b = appendUint32(b, m.Begin)
		b = append(b, m.Block...)
	}
	return b
}

//FrameLen returns the total frame length (header included) announced by the
//4-byte header.
func FrameLen(header []byte) (int, error) {
	if len(header) < HeaderLen {
		return 0, fmt.Errorf("%w: short length header", ErrMalformedMessage)
	}
	l := binary.BigEndian.Uint32(header)
	if l > MaxFrameLen-HeaderLen {
		return 0, fmt.Errorf("%w: frame length %d too large", ErrMalformedMessage, l)
	}
	return int(l) + HeaderLen, nil
}

//DecodeMsg decodes a complete frame, length header included.
func DecodeMsg(frame []byte) (*Msg, error) {
	r := &reader{b: frame}
	l, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if int64(l) != int64(r.remaining()) {
		return nil, fmt.Errorf("%w: declared length %d, have %d bytes", ErrMalformedMessage, l, r.remaining())
	}
	if l == 0 {
		return &Msg{Kind: KeepAlive}, nil
	}
	id, _ := r.uint8()
	msg := &Msg{Kind: MessageID(id)}
	if id > byte(Cancel) {
		return nil, fmt.Errorf("%w: unknown id %d", ErrMalformedMessage, id)
	}
	if want := fixedPayloadLen(msg.Kind); want >= 0 && r.remaining() != want {
		return nil, fmt.Errorf("%w: %v payload is %d bytes, want %d", ErrMalformedMessage, msg.Kind, r.remaining(), want)
	}
	switch msg.Kind {
	case Have:
		msg.Index, _ = r.uint32()
	case Bitfield:
		msg.Bitfield, _ = r.bytes(r.remaining())
	case Request, Cancel:
		msg.Index, _ = r.uint32()
		msg.Begin, _ = r.uint32()
		msg.Length, _ = r.uint32()
	case Piece:
		if msg.Index, err = r.uint32(); err != nil {
			return nil, err
		}
		if msg.Begin, err = r.uint32(); err != nil {
			return nil, err
		}
		msg.Block, _ = r.bytes(r.remaining())
	}
	return msg, nil
}

//Request returns the block descriptor a piece message answers.
func (m *Msg) Request() Msg {
	return Msg{
		Kind:   Request,
		Index:  m.Index,
		Begin:  m.Begin,
		Length: uint32(len(m.Block)),
	}
}

func (m *Msg) String() string {
	switch m.Kind {
	case Have:
		return fmt.Sprintf("%v %d", m.Kind, m.Index)
	case Bitfield:
		return fmt.Sprintf("%v (%d bytes)", m.Kind, len(m.Bitfield))
	case Request, Cancel:
		return fmt.Sprintf("%v %d/%d/%d", m.Kind, m.Index, m.Begin, m.Length)
	case Piece:
		return fmt.Sprintf("%v %d/%d (%d bytes)", m.Kind, m.Index, m.Begin, len(m.Block))
	default:
		return m.Kind.String()
	}
}
