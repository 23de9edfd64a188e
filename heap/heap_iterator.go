package heap

import (
	"github.com/relycore/relydb/buffer"
	"github.com/relycore/relydb/lock"
	"github.com/relycore/relydb/pageio"
	"github.com/relycore/relydb/tuple"
	"github.com/relycore/relydb/txid"
)

// iterState is the HeapIterator's own state machine, independent of
// whichever page/slot cursor it currently holds.
type iterState int

const (
	stateUnopened iterState = iota
	stateOpen
	stateClosed
)

// HeapIterator is the "HI" component: a lazy, restartable cursor over one
// HeapFile's tuples for one transaction. Every page it visits is fetched
// through the buffer pool with a SHARED lock that is held for the
// transaction's remaining lifetime, per strict two-phase locking — the
// iterator itself never releases a lock early.
type HeapIterator struct {
	file *HeapFile
	tid  txid.TxID
	bp   *buffer.BufferPool

	state   iterState
	pageNo  int
	slot    int
	current *tuple.Tuple
}

func newHeapIterator(f *HeapFile, tid txid.TxID, bp *buffer.BufferPool) *HeapIterator {
	return &HeapIterator{file: f, tid: tid, bp: bp, state: stateUnopened}
}

// Open transitions Unopened/Closed → Open, positioned before the first
// tuple of page 0.
func (it *HeapIterator) Open() error {
	it.state = stateOpen
	it.pageNo = 0
	it.slot = 0
	it.current = nil
	return it.advance()
}

// Rewind is equivalent to Open: restart the scan from page 0, slot 0.
func (it *HeapIterator) Rewind() error {
	return it.Open()
}

// Close transitions to Closed. Until a fresh Open, Next returns
// ErrNoSuchElement and HasNext reports false.
func (it *HeapIterator) Close() error {
	it.state = stateClosed
	it.current = nil
	return nil
}

// HasNext reports whether Next would return a tuple. Outside the Open
// state it simply reports false: unlike Next, it never raises
// ErrNoSuchElement, so callers can probe an unopened or closed iterator
// without a guard.
func (it *HeapIterator) HasNext() (bool, error) {
	if it.state != stateOpen {
		return false, nil
	}
	return it.current != nil, nil
}

// Next returns the current tuple and advances the cursor past it.
func (it *HeapIterator) Next() (*tuple.Tuple, error) {
	if it.state != stateOpen {
		return nil, ErrNoSuchElement
	}
	if it.current == nil {
		return nil, ErrNoSuchElement
	}
	t := it.current
	it.slot++
	if err := it.advance(); err != nil {
		return nil, err
	}
	return t, nil
}

// advance scans forward from (pageNo, slot) for the next occupied slot,
// crossing page boundaries as needed, fetching each page SHARED through
// the buffer pool. It sets it.current to nil once num_pages() is exceeded.
func (it *HeapIterator) advance() error {
	for {
		numPages := it.file.NumPages()
		if it.pageNo >= numPages {
			it.current = nil
			return nil
		}

		id := pageio.PageID{TableID: it.file.ID(), PageNo: it.pageNo}
		page, err := it.bp.GetPage(it.tid, id, lock.Shared)
		if err != nil {
			return err
		}

		for it.slot < it.file.l.numSlots {
			t, used, err := it.file.l.readSlot(page.Data[:], it.slot)
			if err != nil {
				return err
			}
			if used {
				it.current = t
				return nil
			}
			it.slot++
		}

		it.pageNo++
		it.slot = 0
	}
}
