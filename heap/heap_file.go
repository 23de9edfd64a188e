package heap

import (
	"fmt"
	"sync"

	"github.com/relycore/relydb/buffer"
	"github.com/relycore/relydb/lock"
	"github.com/relycore/relydb/pageio"
	"github.com/relycore/relydb/tuple"
	"github.com/relycore/relydb/txid"
)

// inspectionTxID is the reserved transaction used by HeapPage's read-only,
// diagnostic access to a page through the buffer pool. It only ever takes
// SHARED locks, which never conflict with each other, so sharing one id
// across every diagnostic read is harmless.
const inspectionTxID = txid.TxID(0)

// HeapFile is the DbFile implementation for an unordered, slotted-page
// table. Physical tuple placement within a page is entirely up to the
// page's own free-slot search; no ordering is promised across pages.
type HeapFile struct {
	mu    sync.Mutex
	store *pageio.PageStore
	desc  *tuple.TupleDesc
	l     layout
	bp    *buffer.BufferPool

	// numPages is the logical page count: it includes pages allocated by
	// InsertTuple but not yet flushed to disk by a wired buffer pool, so
	// NumPages/iteration see pages a concurrent, uncommitted insert added.
	numPages int
}

// Open opens (creating if necessary) the table file at path as a HeapFile
// storing rows shaped like desc.
func Open(path string, desc *tuple.TupleDesc) (*HeapFile, error) {
	store, err := pageio.Open(path)
	if err != nil {
		return nil, err
	}
	n, err := store.NumPages()
	if err != nil {
		return nil, err
	}
	return &HeapFile{store: store, desc: desc, l: newLayout(desc), numPages: n}, nil
}

// ID returns the file's table id, as derived by pageio from its path.
func (f *HeapFile) ID() uint64 {
	return f.store.TableID()
}

// TupleDesc returns the schema of rows in this file.
func (f *HeapFile) TupleDesc() *tuple.TupleDesc {
	return f.desc
}

// NumPages returns the number of pages logically allocated in this file.
func (f *HeapFile) NumPages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numPages
}

// ReadPage reads one page of this file through pageio, producing a fresh
// buffer.Page. It is the buffer pool's cache-miss path and never consults
// the pool's own cache; it is also the no-buffer-pool fallback used when no
// pool has been wired via SetBufferPool.
func (f *HeapFile) ReadPage(id pageio.PageID) (*buffer.Page, error) {
	p := &buffer.Page{ID: id}
	if err := f.store.ReadPage(id, p.Data[:]); err != nil {
		return nil, err
	}
	p.BeforeImage = p.Data
	return p, nil
}

// WritePage writes p's current contents through pageio.
func (f *HeapFile) WritePage(p *buffer.Page) error {
	return f.store.WritePage(p.ID, p.Data[:])
}

// fetchForMutation returns the page at id ready to be read or written by an
// insert/delete scan. With a buffer pool wired, this goes through the pool
// (so a scan sees pages an earlier, still-uncommitted insert in the same
// pool only dirtied in cache and never flushed) and takes the pool's own
// EXCLUSIVE lock. Without one, it reads straight from disk, matching the
// immediately-durable behavior callers get from using a HeapFile directly.
func (f *HeapFile) fetchForMutation(tid txid.TxID, id pageio.PageID) (*buffer.Page, error) {
	if f.bp != nil {
		return f.bp.GetPage(tid, id, lock.Exclusive)
	}
	return f.ReadPage(id)
}

// persistIfUnmanaged writes p to disk immediately when no buffer pool is
// wired. With a pool wired, the caller (the pool, via markDirty/flush) owns
// when this page actually reaches disk.
func (f *HeapFile) persistIfUnmanaged(p *buffer.Page) error {
	if f.bp != nil {
		return nil
	}
	return f.store.WritePage(p.ID, p.Data[:])
}

// HeapPage decodes page pageNo into a read-only HeapPage view, for tests
// and diagnostics that want slot-level visibility. It reads through the
// wired buffer pool if there is one, so it sees uncommitted-but-cached
// inserts, and straight from disk otherwise.
func (f *HeapFile) HeapPage(pageNo int) (HeapPage, error) {
	id := pageio.PageID{TableID: f.ID(), PageNo: pageNo}
	if f.bp != nil {
		page, err := f.bp.GetPage(inspectionTxID, id, lock.Shared)
		if err != nil {
			return HeapPage{}, err
		}
		data := append([]byte(nil), page.Data[:]...)
		return HeapPage{l: f.l, data: data}, nil
	}
	var data [pageio.PageSize]byte
	if err := f.store.ReadPage(id, data[:]); err != nil {
		return HeapPage{}, err
	}
	return HeapPage{l: f.l, data: append([]byte(nil), data[:]...)}, nil
}

// InsertTuple finds the first page with a free slot (allocating a new page
// past the current end of file if none has room), writes t into that
// slot, and returns the single modified page so the buffer pool can mark
// it dirty.
func (f *HeapFile) InsertTuple(tid txid.TxID, t *tuple.Tuple) ([]*buffer.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for pageNo := 0; pageNo < f.numPages; pageNo++ {
		id := pageio.PageID{TableID: f.ID(), PageNo: pageNo}
		page, err := f.fetchForMutation(tid, id)
		if err != nil {
			return nil, err
		}
		slot, ok := f.l.firstEmptySlot(page.Data[:])
		if !ok {
			continue
		}
		if err := f.l.writeSlot(page.Data[:], slot, t); err != nil {
			return nil, err
		}
		if err := f.persistIfUnmanaged(page); err != nil {
			return nil, err
		}
		return []*buffer.Page{page}, nil
	}

	// No existing page has room: allocate a new one at the end of the file.
	id := pageio.PageID{TableID: f.ID(), PageNo: f.numPages}
	page := &buffer.Page{ID: id}
	slot, ok := f.l.firstEmptySlot(page.Data[:])
	if !ok {
		return nil, fmt.Errorf("%w: new page has zero slots for this tuple size", ErrPageFull)
	}
	if err := f.l.writeSlot(page.Data[:], slot, t); err != nil {
		return nil, err
	}
	f.numPages++
	if err := f.persistIfUnmanaged(page); err != nil {
		return nil, err
	}
	return []*buffer.Page{page}, nil
}

// DeleteTuple removes t from whichever page currently holds it, identified
// by a linear scan and equality comparison (heap files carry no row id
// independent of page content in this design).
func (f *HeapFile) DeleteTuple(tid txid.TxID, t *tuple.Tuple) ([]*buffer.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for pageNo := 0; pageNo < f.numPages; pageNo++ {
		id := pageio.PageID{TableID: f.ID(), PageNo: pageNo}
		page, err := f.fetchForMutation(tid, id)
		if err != nil {
			return nil, err
		}
		for slot := 0; slot < f.l.numSlots; slot++ {
			candidate, used, err := f.l.readSlot(page.Data[:], slot)
			if err != nil {
				return nil, err
			}
			if !used || !candidate.Equals(t) {
				continue
			}
			f.l.clearSlot(page.Data[:], slot)
			if err := f.persistIfUnmanaged(page); err != nil {
				return nil, err
			}
			return []*buffer.Page{page}, nil
		}
	}
	return nil, fmt.Errorf("heap: tuple not found for deletion")
}

// SetBufferPool wires the pool this file's iterators and inserts/deletes
// route page access through. HeapFile and BufferPool are constructed
// independently (the pool's registry needs to resolve this file by table id
// before either can fetch pages), so wiring happens as a second step,
// mirroring how the teacher's own example wiring assembles its components
// after construction.
func (f *HeapFile) SetBufferPool(bp *buffer.BufferPool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bp = bp
}

// Iterator returns a fresh HeapIterator over this file's tuples, scoped to
// tid for lock acquisition through the wired buffer pool.
func (f *HeapFile) Iterator(tid txid.TxID) buffer.DbFileIterator {
	f.mu.Lock()
	bp := f.bp
	f.mu.Unlock()
	return newHeapIterator(f, tid, bp)
}
