package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

//FileStorage keeps the torrent in a plain file accessed with pread/pwrite.
type FileStorage struct {
	f      *os.File
	length int64
}

func createSized(path string, length int64) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	fi, err := f.Stat()
	if err == nil && fi.Size() != length {
		err = f.Truncate(length)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return f, nil
}

func OpenFile(path string, length int64) (*FileStorage, error) {
	f, err := createSized(path, length)
	if err != nil {
		return nil, err
	}
	return &FileStorage{f: f, length: length}, nil
}

func (s *FileStorage) Size() int64 {
	return s.length
}

//ReadAt returns io.ErrUnexpectedEOF if the file was shortened behind our back.
func (s *FileStorage) ReadAt(b []byte, off int64) (n int, err error) {
	if err = checkRange(s.length, len(b), off); err != nil {
		return
	}
	n, err = s.f.ReadAt(b, off)
	if err == io.EOF {
		if n == len(b) {
			err = nil
		} else {
			err = io.ErrUnexpectedEOF
		}
	}
	return
}

func (s *FileStorage) WriteAt(b []byte, off int64) (n int, err error) {
	if err = checkRange(s.length, len(b), off); err != nil {
		return
	}
	return s.f.WriteAt(b, off)
}

func (s *FileStorage) Flush() error {
	return s.f.Sync()
}

func (s *FileStorage) Close() error {
	return s.f.Close()
}
