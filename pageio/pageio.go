// Package pageio provides durable storage of fixed-size pages for a single
// table file. One PageStore exists per table; the buffer pool reads and
// writes through it and never touches the filesystem directly.
package pageio

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
)

// PageSize is the size of a page in bytes.
const PageSize = 4096

// ErrStorage wraps an unrecoverable I/O failure from the underlying file.
var ErrStorage = errors.New("pageio: storage I/O error")

// PageID addresses a single page within a single table file.
type PageID struct {
	TableID uint64
	PageNo  int
}

func (id PageID) String() string {
	return fmt.Sprintf("%d:%d", id.TableID, id.PageNo)
}

// PageStore manages disk I/O for one table's heap file. It is the "PS"
// component: it knows nothing about locks, transactions, or dirty state.
type PageStore struct {
	file    *os.File
	tableID uint64
}

// Open opens (creating if necessary) the table file at path and derives its
// table id deterministically from the absolute path: the same path always
// yields the same id, both within a run and across runs.
func Open(path string) (*PageStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve path %q: %v", ErrStorage, path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrStorage, path, err)
	}
	return &PageStore{file: f, tableID: TableID(abs)}, nil
}

// TableID derives a deterministic table identifier from an absolute path.
// Equal paths always yield equal ids; collisions between unequal paths are
// astronomically unlikely for the number of tables a process will open.
func TableID(absPath string) uint64 {
	h := fnv.New64a()
	_, _ = io.WriteString(h, absPath)
	return h.Sum64()
}

// TableID returns this store's table identifier.
func (ps *PageStore) TableID() uint64 {
	return ps.tableID
}

// ReadPage reads PageSize bytes at pid.PageNo*PageSize into data. A read
// starting at or past end-of-file zero-fills data instead of erroring, so
// pages past the current end of file materialize lazily.
func (ps *PageStore) ReadPage(pid PageID, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("pageio: buffer must be exactly %d bytes", PageSize)
	}
	offset := int64(pid.PageNo) * PageSize
	stat, err := ps.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat: %v", ErrStorage, err)
	}
	if offset >= stat.Size() {
		clear(data)
		return nil
	}
	if _, err := ps.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek: %v", ErrStorage, err)
	}
	if _, err := io.ReadFull(ps.file, data); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			clear(data)
			return nil
		}
		return fmt.Errorf("%w: read: %v", ErrStorage, err)
	}
	return nil
}

// WritePage writes exactly PageSize bytes at pid.PageNo*PageSize, extending
// the file if necessary. The offset is always computed by multiplication.
func (ps *PageStore) WritePage(pid PageID, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("pageio: buffer must be exactly %d bytes", PageSize)
	}
	offset := int64(pid.PageNo) * PageSize
	if _, err := ps.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek: %v", ErrStorage, err)
	}
	if _, err := ps.file.Write(data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrStorage, err)
	}
	return nil
}

// NumPages returns ceil(file_length / PageSize).
func (ps *PageStore) NumPages() (int, error) {
	stat, err := ps.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat: %v", ErrStorage, err)
	}
	n := stat.Size() / PageSize
	if stat.Size()%PageSize != 0 {
		n++
	}
	return int(n), nil
}

// Sync forces pending writes to durable storage.
func (ps *PageStore) Sync() error {
	if err := ps.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrStorage, err)
	}
	return nil
}

// Close closes the underlying file.
func (ps *PageStore) Close() error {
	return ps.file.Close()
}
