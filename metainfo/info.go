package metainfo

import (
	"fmt"
	"path/filepath"
)

const hashLen = 20

//InfoDict describes the contents of a torrent.
type InfoDict struct {
	Name     string `bencode:"name"`
	PieceLen int64  `bencode:"piece length"`
	Pieces   []byte `bencode:"pieces"`
	Length   int64  `bencode:"length,omitempty"`
	Files    []File `bencode:"files,omitempty"`
	Private  int    `bencode:"private,omitempty"`
	//SHA-1 of the raw info dictionary, set by MetaInfo.Info
	Hash [20]byte `bencode:"-"`
}

//File is one entry of a multi file torrent.
type File struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

func (f File) DisplayPath() string {
	return filepath.Join(f.Path...)
}

func (info *InfoDict) check() error {
	if info.PieceLen <= 0 {
		return ErrBadPieceLen
	}
	if len(info.Pieces)%hashLen != 0 {
		return ErrBadPieces
	}
	total := info.TotalLength()
	if want := (total + info.PieceLen - 1) / info.PieceLen; int64(info.NumPieces()) != want {
		return fmt.Errorf("%w: %d hashes for %d bytes", ErrPieceCount, info.NumPieces(), total)
	}
	return nil
}

func (info *InfoDict) TotalLength() (total int64) {
	if len(info.Files) == 0 {
		return info.Length
	}
	for _, f := range info.Files {
		total += f.Length
	}
	return
}

func (info *InfoDict) NumPieces() int {
	return len(info.Pieces) / hashLen
}

func (info *InfoDict) PieceHash(i int) (h [20]byte) {
	copy(h[:], info.Pieces[i*hashLen:(i+1)*hashLen])
	return
}

//Layout tells how the torrent contents map to files.
type Layout interface {
	isLayout()
}

type SingleFile struct {
	Name   string
	Length int64
}

type MultiFile struct {
	Name  string
	Files []File
}

func (SingleFile) isLayout() {}
func (MultiFile) isLayout()  {}

func (info *InfoDict) Layout() Layout {
	if len(info.Files) == 0 {
		return SingleFile{Name: info.Name, Length: info.Length}
	}
	return MultiFile{Name: info.Name, Files: info.Files}
}
