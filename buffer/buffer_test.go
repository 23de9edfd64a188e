package buffer

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/relycore/relydb/lock"
	"github.com/relycore/relydb/pageio"
	"github.com/relycore/relydb/tuple"
	"github.com/relycore/relydb/txid"
	"github.com/relycore/relydb/walog"
)

func walogOpenForTest(t *testing.T) (*walog.Log, error) {
	t.Helper()
	l, err := walog.Open(filepath.Join(t.TempDir(), "wal.log"), nil)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { l.Close() })
	return l, nil
}

// fakeFile is a minimal DbFile backed directly by a pageio.PageStore, used
// to exercise the pool's caching, eviction, and dirty-tracking logic
// without pulling in the heap package (which itself depends on buffer).
type fakeFile struct {
	store *pageio.PageStore
}

func newFakeFile(t *testing.T, name string) *fakeFile {
	t.Helper()
	store, err := pageio.Open(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatal(err)
	}
	return &fakeFile{store: store}
}

func (f *fakeFile) ReadPage(id pageio.PageID) (*Page, error) {
	p := &Page{ID: id}
	if err := f.store.ReadPage(id, p.Data[:]); err != nil {
		return nil, err
	}
	p.BeforeImage = p.Data
	return p, nil
}

func (f *fakeFile) WritePage(p *Page) error {
	return f.store.WritePage(p.ID, p.Data[:])
}

func (f *fakeFile) NumPages() int {
	n, _ := f.store.NumPages()
	return n
}

func (f *fakeFile) ID() uint64 { return f.store.TableID() }

func (f *fakeFile) TupleDesc() *tuple.TupleDesc { return nil }

func (f *fakeFile) InsertTuple(txid.TxID, *tuple.Tuple) ([]*Page, error) {
	return nil, nil
}

func (f *fakeFile) DeleteTuple(txid.TxID, *tuple.Tuple) ([]*Page, error) {
	return nil, nil
}

func (f *fakeFile) Iterator(txid.TxID) DbFileIterator { return nil }

// fakeRegistry is a single-file Registry, for tests that only ever touch
// one table.
type fakeRegistry struct {
	file *fakeFile
}

func (r fakeRegistry) Lookup(tableID uint64) (DbFile, bool) {
	if r.file == nil || tableID != r.file.ID() {
		return nil, false
	}
	return r.file, true
}

func newTestPool(t *testing.T, capacity int) (*BufferPool, *fakeFile) {
	t.Helper()
	file := newFakeFile(t, "a.dat")
	wal, err := walogOpenForTest(t)
	if err != nil {
		t.Fatal(err)
	}
	pool, err := New(capacity, lock.New(nil), wal, fakeRegistry{file: file}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return pool, file
}

func TestGetPageCachesOnSecondCall(t *testing.T) {
	pool, file := newTestPool(t, 2)
	pid := pageio.PageID{TableID: file.ID(), PageNo: 0}

	p1, err := pool.GetPage(1, pid, lock.Shared)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := pool.GetPage(1, pid, lock.Shared)
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Error("expected the same cached *Page on a second GetPage for the same id")
	}
}

func TestInsertMarksPageDirty(t *testing.T) {
	pool, file := newTestPool(t, 2)
	pid := pageio.PageID{TableID: file.ID(), PageNo: 0}

	p, err := pool.GetPage(1, pid, lock.Exclusive)
	if err != nil {
		t.Fatal(err)
	}
	copy(p.Data[:], []byte("hello"))

	// markDirty is the step InsertTuple applies to every page the DbFile
	// reports as modified.
	if err := pool.markDirty(1, []*Page{p}); err != nil {
		t.Fatal(err)
	}

	pool.mu.Lock()
	cached, ok := pool.pages.Peek(pid)
	pool.mu.Unlock()
	if !ok || cached.DirtyBy == nil || *cached.DirtyBy != 1 {
		t.Fatal("expected page to remain cached and dirty")
	}
}

func TestEvictionNeverDropsDirtyPage(t *testing.T) {
	pool, file := newTestPool(t, 1)

	pidA := pageio.PageID{TableID: file.ID(), PageNo: 0}
	pidB := pageio.PageID{TableID: file.ID(), PageNo: 1}

	pA, err := pool.GetPage(1, pidA, lock.Exclusive)
	if err != nil {
		t.Fatal(err)
	}
	owner := txid.TxID(1)
	pool.mu.Lock()
	pA.DirtyBy = &owner
	pool.mu.Unlock()

	if _, err := pool.GetPage(2, pidB, lock.Shared); err != ErrBufferFull {
		t.Fatalf("expected ErrBufferFull with the sole page dirty, got %v", err)
	}
}

func TestEvictionDropsCleanPage(t *testing.T) {
	pool, file := newTestPool(t, 1)

	pidA := pageio.PageID{TableID: file.ID(), PageNo: 0}
	pidB := pageio.PageID{TableID: file.ID(), PageNo: 1}

	if _, err := pool.GetPage(1, pidA, lock.Shared); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.GetPage(2, pidB, lock.Shared); err != nil {
		t.Fatalf("expected clean page to be evicted to make room, got %v", err)
	}
	if pool.Len() != 1 {
		t.Errorf("expected pool to hold exactly 1 page after eviction, got %d", pool.Len())
	}
}

func TestTransactionCompleteCommitFlushesAndClearsDirty(t *testing.T) {
	pool, file := newTestPool(t, 2)
	pid := pageio.PageID{TableID: file.ID(), PageNo: 0}

	p, err := pool.GetPage(1, pid, lock.Exclusive)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, pageio.PageSize)
	copy(payload, []byte("committed"))
	p.Data = [pageio.PageSize]byte(payload)
	owner := txid.TxID(1)
	pool.mu.Lock()
	p.DirtyBy = &owner
	pool.mu.Unlock()

	if err := pool.TransactionComplete(1, true); err != nil {
		t.Fatal(err)
	}

	pool.mu.Lock()
	cached, _ := pool.pages.Peek(pid)
	dirty := cached.DirtyBy
	pool.mu.Unlock()
	if dirty != nil {
		t.Error("expected dirty flag cleared after commit")
	}

	onDisk := make([]byte, pageio.PageSize)
	if err := file.store.ReadPage(pid, onDisk); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(onDisk, payload) {
		t.Error("expected committed page contents flushed to storage")
	}
}

func TestTransactionCompleteAbortRestoresBeforeImage(t *testing.T) {
	pool, file := newTestPool(t, 2)
	pid := pageio.PageID{TableID: file.ID(), PageNo: 0}

	p, err := pool.GetPage(1, pid, lock.Exclusive)
	if err != nil {
		t.Fatal(err)
	}
	original := p.Data
	copy(p.Data[:], []byte("scratch work that should vanish"))
	owner := txid.TxID(1)
	pool.mu.Lock()
	p.DirtyBy = &owner
	pool.mu.Unlock()

	if err := pool.TransactionComplete(1, false); err != nil {
		t.Fatal(err)
	}

	pool.mu.Lock()
	cached, _ := pool.pages.Peek(pid)
	pool.mu.Unlock()
	if cached.Data != original {
		t.Error("expected abort to restore the page's before-image")
	}
	if cached.DirtyBy != nil {
		t.Error("expected dirty flag cleared after abort")
	}
}

func TestTransactionCompleteReleasesLocks(t *testing.T) {
	pool, file := newTestPool(t, 2)
	pid := pageio.PageID{TableID: file.ID(), PageNo: 0}

	if _, err := pool.GetPage(1, pid, lock.Exclusive); err != nil {
		t.Fatal(err)
	}
	if err := pool.TransactionComplete(1, true); err != nil {
		t.Fatal(err)
	}
	if pool.lm.HoldsLock(1, pid) {
		t.Error("expected locks released after transaction_complete")
	}
}
