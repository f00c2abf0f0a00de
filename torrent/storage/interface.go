package storage

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
)

var (
	ErrOutOfRange  = errors.New("storage: access out of range")
	ErrUnknownKind = errors.New("storage: unknown kind")
)

//Storage holds the contents of a single file torrent. Offsets are absolute
//within the torrent.
type Storage interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	//Flush makes written data durable.
	Flush() error
	Close() error
}

//Open creates (or reuses) the file at path and sizes it to length bytes.
type Open func(path string, length int64) (Storage, error)

const (
	KindFile = "file"
	KindMMap = "mmap"
)

//OpenerFor returns the Open func for kind. An empty kind means KindFile.
func OpenerFor(kind string) (Open, error) {
	switch kind {
	case KindFile, "":
		return func(path string, length int64) (Storage, error) {
			return OpenFile(path, length)
		}, nil
	case KindMMap:
		return func(path string, length int64) (Storage, error) {
			return OpenMMap(path, length)
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func checkRange(size int64, n int, off int64) error {
	if off < 0 || off+int64(n) > size {
		return fmt.Errorf("%w: [%d, %d) of %d bytes", ErrOutOfRange, off, off+int64(n), size)
	}
	return nil
}

//HashSection returns the SHA-1 of length bytes of s starting at off.
func HashSection(s Storage, off, length int64) (h [20]byte, err error) {
	hasher := sha1.New()
	n, err := io.Copy(hasher, io.NewSectionReader(s, off, length))
	if err != nil {
		return
	}
	if n != length {
		err = io.ErrUnexpectedEOF
		return
	}
	copy(h[:], hasher.Sum(nil))
	return
}
