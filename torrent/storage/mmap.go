package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

//MMapStorage maps the whole file read-write. A zero length torrent has no
//mapping at all.
type MMapStorage struct {
	f *os.File
	m mmap.MMap
}

func OpenMMap(path string, length int64) (*MMapStorage, error) {
	f, err := createSized(path, length)
	if err != nil {
		return nil, err
	}
	s := &MMapStorage{f: f}
	if length == 0 {
		return s, nil
	}
	if int64(int(length)) != length {
		f.Close()
		return nil, fmt.Errorf("open mmap storage: length %d doesn't fit in memory", length)
	}
	s.m, err = mmap.MapRegion(f, int(length), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open mmap storage: %w", err)
	}
	return s, nil
}

func (s *MMapStorage) Size() int64 {
	return int64(len(s.m))
}

func (s *MMapStorage) ReadAt(b []byte, off int64) (int, error) {
	if err := checkRange(s.Size(), len(b), off); err != nil {
		return 0, err
	}
	return copy(b, s.m[off:]), nil
}

func (s *MMapStorage) WriteAt(b []byte, off int64) (int, error) {
	if err := checkRange(s.Size(), len(b), off); err != nil {
		return 0, err
	}
	return copy(s.m[off:], b), nil
}

func (s *MMapStorage) Flush() error {
	if s.m == nil {
		return nil
	}
	return s.m.Flush()
}

func (s *MMapStorage) Close() error {
	var errs []error
	if s.m != nil {
		errs = append(errs, s.m.Flush(), s.m.Unmap())
		s.m = nil
	}
	errs = append(errs, s.f.Close())
	return errors.Join(errs...)
}
