// Package buffer implements the bounded NO-STEAL page cache that sits
// between the lock manager, the write-ahead log, and each table's on-disk
// storage. A page is inserted once the lock manager grants access and stays
// resident — even across other eviction pressure — until its dirtying
// transaction commits or aborts.
package buffer

import (
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/relycore/relydb/lock"
	"github.com/relycore/relydb/pageio"
	"github.com/relycore/relydb/tuple"
	"github.com/relycore/relydb/txid"
)

// ErrBufferFull is raised by GetPage/InsertTuple/DeleteTuple when the pool
// is at capacity and every resident page is dirty, so no clean page is
// available for eviction.
var ErrBufferFull = errors.New("buffer: pool full, no clean page to evict")

// ErrIllegalArgument is raised for malformed calls the pool itself can
// detect without consulting the lock manager or storage layer.
var ErrIllegalArgument = errors.New("buffer: illegal argument")

// Page is the unit of caching: one table page plus the bookkeeping the
// pool needs to honor NO-STEAL and logical undo. DirtyBy != nil implies the
// owning transaction holds EXCLUSIVE on ID; the pool never sets DirtyBy
// itself outside that guarantee.
type Page struct {
	ID          pageio.PageID
	Data        [pageio.PageSize]byte
	DirtyBy     *txid.TxID
	BeforeImage [pageio.PageSize]byte
}

// DbFile is the opaque per-table collaborator that knows how to turn pages
// into tuples and back. The pool treats it as a black box: it reads and
// writes whole pages and reports which pages a tuple mutation touched.
type DbFile interface {
	ReadPage(id pageio.PageID) (*Page, error)
	WritePage(p *Page) error
	NumPages() int
	ID() uint64
	TupleDesc() *tuple.TupleDesc
	InsertTuple(tid txid.TxID, t *tuple.Tuple) ([]*Page, error)
	DeleteTuple(tid txid.TxID, t *tuple.Tuple) ([]*Page, error)
	Iterator(tid txid.TxID) DbFileIterator
}

// DbFileIterator is the cursor a DbFile hands out over its own tuples.
type DbFileIterator interface {
	Open() error
	HasNext() (bool, error)
	Next() (*tuple.Tuple, error)
	Rewind() error
	Close() error
}

// Registry resolves a table id to the DbFile that owns it. The pool never
// talks to pageio.PageStore directly: all page I/O is delegated through the
// owning DbFile, matching the external-interface boundary.
type Registry interface {
	Lookup(tableID uint64) (DbFile, bool)
}

// BufferPool is the "BP" component.
type BufferPool struct {
	mu sync.Mutex

	capacity int
	pages    *lru.Cache[pageio.PageID, *Page]

	lm       *lock.Manager
	wal      walogForcer
	registry Registry

	log *zap.Logger
}

// walogForcer is the minimal surface BufferPool needs from the log: append
// an update record and force it durable. Declared locally so buffer does
// not import walog's whole API surface, only the two calls §4.4 specifies.
type walogForcer interface {
	LogUpdate(tid txid.TxID, pid pageio.PageID, before, after []byte) (uint64, error)
	Force() error
}

// New creates a buffer pool bounded at capacity pages, wired to lm for
// locking, wal for write-ahead logging, and registry for page I/O. A nil
// logger disables logging.
func New(capacity int, lm *lock.Manager, wal walogForcer, registry Registry, log *zap.Logger) (*BufferPool, error) {
	if capacity <= 0 {
		return nil, ErrIllegalArgument
	}
	if log == nil {
		log = zap.NewNop()
	}
	cache, err := lru.New[pageio.PageID, *Page](capacity)
	if err != nil {
		return nil, err
	}
	return &BufferPool{
		capacity: capacity,
		pages:    cache,
		lm:       lm,
		wal:      wal,
		registry: registry,
		log:      log,
	}, nil
}

// GetPage acquires mode on pid through the lock manager, then returns the
// cached page, reading it through the owning DbFile on a miss and evicting
// a clean page first if the pool is full. The lock is always acquired
// before the cache is consulted, so a caller observing a cached page always
// holds a legal lock for it. The pool mutex is released around the actual
// disk read so one page's I/O never blocks every other page's cache
// activity; a page that another goroutine finishes reading in first is
// detected on re-lock and returned in place of a redundant read.
func (bp *BufferPool) GetPage(tid txid.TxID, pid pageio.PageID, mode lock.Mode) (*Page, error) {
	var err error
	if mode == lock.Exclusive {
		err = bp.lm.AcquireExclusive(tid, pid)
	} else {
		err = bp.lm.AcquireShared(tid, pid)
	}
	if err != nil {
		return nil, err
	}

	bp.mu.Lock()
	if p, ok := bp.pages.Get(pid); ok {
		bp.mu.Unlock()
		return p, nil
	}
	dbf, ok := bp.registry.Lookup(pid.TableID)
	bp.mu.Unlock()
	if !ok {
		return nil, ErrIllegalArgument
	}

	p, err := dbf.ReadPage(pid)
	if err != nil {
		return nil, err
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()
	if existing, ok := bp.pages.Get(pid); ok {
		return existing, nil
	}
	if err := bp.reserveLocked(); err != nil {
		return nil, err
	}
	bp.pages.Add(pid, p)
	return p, nil
}

// InsertTuple delegates to the owning DbFile, then marks every page it
// touched as dirtied by tid and re-seats it in the pool — including pages
// not previously resident, so newly allocated pages become cached.
func (bp *BufferPool) InsertTuple(tid txid.TxID, tableID uint64, t *tuple.Tuple) error {
	dbf, ok := bp.registry.Lookup(tableID)
	if !ok {
		return ErrIllegalArgument
	}
	modified, err := dbf.InsertTuple(tid, t)
	if err != nil {
		return err
	}
	return bp.markDirty(tid, modified)
}

// DeleteTuple mirrors InsertTuple for tuple removal.
func (bp *BufferPool) DeleteTuple(tid txid.TxID, tableID uint64, t *tuple.Tuple) error {
	dbf, ok := bp.registry.Lookup(tableID)
	if !ok {
		return ErrIllegalArgument
	}
	modified, err := dbf.DeleteTuple(tid, t)
	if err != nil {
		return err
	}
	return bp.markDirty(tid, modified)
}

// markDirty marks every page in pages as dirtied by tid and re-seats it in
// the pool. A DbFile can hand back a page that was never fetched through
// GetPage (a freshly allocated page for an insert that grew the file), so
// this first acquires EXCLUSIVE on every page for tid (re-entrant for pages
// tid already locked) and then goes through the same reserve-before-add
// capacity check GetPage uses: a non-resident page is never added without
// first confirming room, evicting a clean page if necessary. Without this, a
// newly allocated dirty page could push the pool past capacity and leave the
// LRU cache's own eviction to silently drop a dirty, uncommitted page —
// exactly the NO-STEAL violation the pool exists to prevent.
func (bp *BufferPool) markDirty(tid txid.TxID, pages []*Page) error {
	for _, p := range pages {
		if err := bp.lm.AcquireExclusive(tid, p.ID); err != nil {
			return err
		}
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	owner := tid
	for _, p := range pages {
		p.DirtyBy = &owner
		if _, ok := bp.pages.Peek(p.ID); !ok {
			if err := bp.reserveLocked(); err != nil {
				return err
			}
		}
		bp.pages.Add(p.ID, p)
	}
	return nil
}

// reserveLocked ensures the pool has room for one more resident page,
// evicting a clean page if it is already at capacity. Callers must hold
// bp.mu. Returns ErrBufferFull if every resident page is dirty.
func (bp *BufferPool) reserveLocked() error {
	if bp.pages.Len() < bp.capacity {
		return nil
	}
	if !bp.evictLocked() {
		return ErrBufferFull
	}
	return nil
}

// evictLocked scans the pool in LRU order and removes the first clean page
// it finds, reporting whether one was evicted. Callers must hold bp.mu.
// Evicted pages are discarded, never flushed: NO-STEAL guarantees a clean
// page's on-disk copy is already current.
func (bp *BufferPool) evictLocked() bool {
	for _, pid := range bp.pages.Keys() {
		p, ok := bp.pages.Peek(pid)
		if !ok || p.DirtyBy != nil {
			continue
		}
		bp.pages.Remove(pid)
		bp.log.Debug("evicted clean page", zap.String("page", pid.String()))
		return true
	}
	return false
}

// FlushPage writes pid's current contents through its owning DbFile if the
// page is resident and dirty.
func (bp *BufferPool) FlushPage(pid pageio.PageID) error {
	return bp.flushPage(pid)
}

// flushPage logs an UPDATE record, forces the log, and writes pid's current
// contents through its owning DbFile, in that order, per the write-ahead
// ordering guarantee. The pool mutex is held only long enough to snapshot
// the page's state and to look up its owning DbFile — never across the
// synchronous log-force and disk-write calls themselves, so one page's I/O
// never blocks the rest of the pool. Safe to call with the page unchanged
// concurrently: the only transaction allowed to mutate a page's Data is the
// one holding its EXCLUSIVE lock, which a flush never releases until after
// it returns.
func (bp *BufferPool) flushPage(pid pageio.PageID) error {
	bp.mu.Lock()
	p, ok := bp.pages.Peek(pid)
	if !ok || p.DirtyBy == nil {
		bp.mu.Unlock()
		return nil
	}
	owner := *p.DirtyBy
	before := p.BeforeImage
	dbf, ok := bp.registry.Lookup(pid.TableID)
	bp.mu.Unlock()
	if !ok {
		return ErrIllegalArgument
	}

	if _, err := bp.wal.LogUpdate(owner, pid, before[:], p.Data[:]); err != nil {
		return err
	}
	if err := bp.wal.Force(); err != nil {
		return err
	}
	return dbf.WritePage(p)
}

// TransactionComplete applies commit or abort semantics to every page tid
// dirtied, then releases every lock tid holds. On commit, dirty pages are
// flushed, their dirty mark cleared, and their before-image advanced to the
// now-committed contents. On abort, dirty pages are rolled back in place to
// their before-image (logical undo) without touching disk. The commit path
// releases the pool mutex around each page's flush I/O, matching FlushPage;
// abort never performs I/O, so its pass holds the mutex throughout.
func (bp *BufferPool) TransactionComplete(tid txid.TxID, commit bool) error {
	bp.mu.Lock()
	var pids []pageio.PageID
	for _, pid := range bp.pages.Keys() {
		if p, ok := bp.pages.Peek(pid); ok && p.DirtyBy != nil && *p.DirtyBy == tid {
			pids = append(pids, pid)
		}
	}
	if !commit {
		for _, pid := range pids {
			p, ok := bp.pages.Peek(pid)
			if !ok {
				continue
			}
			p.Data = p.BeforeImage
			p.DirtyBy = nil
		}
	}
	bp.mu.Unlock()

	var result *multierror.Error
	if commit {
		for _, pid := range pids {
			if err := bp.flushPage(pid); err != nil {
				result = multierror.Append(result, err)
				continue
			}
			bp.mu.Lock()
			if p, ok := bp.pages.Peek(pid); ok && p.DirtyBy != nil && *p.DirtyBy == tid {
				p.DirtyBy = nil
				p.BeforeImage = p.Data
			}
			bp.mu.Unlock()
		}
	}

	bp.lm.ReleaseAll(tid)
	return result.ErrorOrNil()
}

// DiscardPage drops pid from the pool without flushing it, regardless of
// dirty state. Nothing in this module calls it.
func (bp *BufferPool) DiscardPage(pid pageio.PageID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.pages.Remove(pid)
}

// FlushAllPages flushes every resident dirty page, aggregating any
// failures with go-multierror instead of stopping at the first one.
func (bp *BufferPool) FlushAllPages() error {
	bp.mu.Lock()
	keys := bp.pages.Keys()
	bp.mu.Unlock()

	var result *multierror.Error
	for _, pid := range keys {
		if err := bp.flushPage(pid); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// FlushPages flushes every resident page dirtied by tid.
func (bp *BufferPool) FlushPages(tid txid.TxID) error {
	bp.mu.Lock()
	var pids []pageio.PageID
	for _, pid := range bp.pages.Keys() {
		if p, ok := bp.pages.Peek(pid); ok && p.DirtyBy != nil && *p.DirtyBy == tid {
			pids = append(pids, pid)
		}
	}
	bp.mu.Unlock()

	var result *multierror.Error
	for _, pid := range pids {
		if err := bp.flushPage(pid); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Len reports the number of pages currently resident, for tests and
// diagnostics.
func (bp *BufferPool) Len() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.pages.Len()
}
