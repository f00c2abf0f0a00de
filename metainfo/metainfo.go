package metainfo

import (
	"bufio"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/anacrolix/torrent/bencode"
)

var (
	ErrNoInfo        = errors.New("metainfo: missing info dictionary")
	ErrBadPieces     = errors.New("metainfo: pieces length is not a multiple of 20")
	ErrBadPieceLen   = errors.New("metainfo: piece length must be positive")
	ErrPieceCount    = errors.New("metainfo: piece count doesn't match total length")
	ErrEmptyContents = errors.New("metainfo: empty contents")
)

//MetaInfo is the top level dictionary of a .torrent file. The info dictionary
//is kept raw so that the info hash is computed on the exact bytes we got.
type MetaInfo struct {
	Announce     string        `bencode:"announce,omitempty"`
	AnnounceList [][]string    `bencode:"announce-list,omitempty"`
	Comment      string        `bencode:"comment,omitempty"`
	CreatedBy    string        `bencode:"created by,omitempty"`
	CreationDate int64         `bencode:"creation date,omitempty"`
	InfoBytes    bencode.Bytes `bencode:"info"`
}

func Load(r io.Reader) (*MetaInfo, error) {
	var mi MetaInfo
	if err := bencode.NewDecoder(r).Decode(&mi); err != nil {
		return nil, fmt.Errorf("load metainfo: %w", err)
	}
	if len(mi.InfoBytes) == 0 {
		return nil, ErrNoInfo
	}
	return &mi, nil
}

func LoadFile(fileName string) (*MetaInfo, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("load metainfo: %w", err)
	}
	defer f.Close()
	return Load(bufio.NewReader(f))
}

//Info decodes the info dictionary and checks that it describes a consistent
//set of pieces.
func (mi *MetaInfo) Info() (*InfoDict, error) {
	if len(mi.InfoBytes) == 0 {
		return nil, ErrNoInfo
	}
	var info InfoDict
	if err := bencode.Unmarshal(mi.InfoBytes, &info); err != nil {
		return nil, fmt.Errorf("decode info: %w", err)
	}
	if err := info.check(); err != nil {
		return nil, err
	}
	info.Hash = sha1.Sum(mi.InfoBytes)
	return &info, nil
}

//Trackers returns every announce url, tiers flattened in order. The plain
//announce key is used only when there is no announce-list.
func (mi *MetaInfo) Trackers() []string {
	var urls []string
	for _, tier := range mi.AnnounceList {
		urls = append(urls, tier...)
	}
	if len(urls) == 0 && mi.Announce != "" {
		urls = append(urls, mi.Announce)
	}
	return urls
}

func (mi *MetaInfo) Write(w io.Writer) error {
	if err := bencode.NewEncoder(w).Encode(mi); err != nil {
		return fmt.Errorf("write metainfo: %w", err)
	}
	return nil
}

func (mi *MetaInfo) WriteFile(fileName string) error {
	f, err := os.Create(fileName)
	if err != nil {
		return fmt.Errorf("write metainfo: %w", err)
	}
	if err = mi.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

const createdBy = "pollbt"

//Build reads all of r and returns a single file MetaInfo describing it.
func Build(name string, r io.Reader, pieceLen int64, announce string) (*MetaInfo, error) {
	if pieceLen <= 0 {
		return nil, ErrBadPieceLen
	}
	info := InfoDict{
		Name:     name,
		PieceLen: pieceLen,
	}
	buf := make([]byte, pieceLen)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			h := sha1.Sum(buf[:n])
			info.Pieces = append(info.Pieces, h[:]...)
			info.Length += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("build metainfo: %w", err)
		}
	}
	if info.Length == 0 {
		return nil, ErrEmptyContents
	}
	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("build metainfo: %w", err)
	}
	return &MetaInfo{
		Announce:     announce,
		CreatedBy:    createdBy,
		CreationDate: time.Now().Unix(),
		InfoBytes:    infoBytes,
	}, nil
}
