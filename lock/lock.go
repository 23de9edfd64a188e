// Package lock implements per-page shared/exclusive locking with upgrade,
// a waits-for graph, and deadlock detection at acquisition time. It is the
// strict two-phase-locking core: a transaction acquires locks incrementally
// through Acquire{Shared,Exclusive} and releases them all at once, at
// commit or abort, through Release/ReleaseAll.
package lock

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/relycore/relydb/pageio"
	"github.com/relycore/relydb/txid"
)

// ErrDeadlock is returned synchronously from an acquire call when granting
// it would close a cycle in the waits-for graph. The caller must unwind the
// aborting transaction; this error is never recovered locally by the lock
// manager itself.
var ErrDeadlock = errors.New("lock: deadlock detected")

// Mode is the type of lock requested or held.
type Mode int

const (
	// Shared allows any number of concurrent readers.
	Shared Mode = iota
	// Exclusive allows exactly one writer and excludes all readers.
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// request is a pending or granted lock request. Requests are kept in FIFO
// order per page so that grantPending processes waiters in arrival order.
type request struct {
	tid     txid.TxID
	mode    Mode
	granted bool
	cond    *sync.Cond
}

// pageState tracks every request — granted or waiting — for one page.
type pageState struct {
	requests []*request
}

// Manager is the "LM" component: it enforces per-page S/X locking with
// upgrade, blocks each waiting request on its own condition variable,
// and aborts a transaction at acquisition time when granting its wait
// would close a cycle in the waits-for graph.
//
// All operations are serialized by a single mutex. The design deliberately
// does not use a lock-free fast path: contention on this mutex is brief
// (map lookups and slice edits), while the actual wait for a page lock
// happens on the waiting request's condition variable, which releases the
// mutex while blocked.
type Manager struct {
	mu sync.Mutex

	pages map[pageio.PageID]*pageState

	// waitFor[waiter][owner] == true means waiter is blocked on a lock
	// that owner currently holds. Keyed by TxID, not by page, so cycles
	// are detected across the whole lock manager at once.
	waitFor map[txid.TxID]map[txid.TxID]bool

	log *zap.Logger
}

// New creates an empty lock manager. A nil logger disables logging.
func New(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		pages:   make(map[pageio.PageID]*pageState),
		waitFor: make(map[txid.TxID]map[txid.TxID]bool),
		log:     log,
	}
}

// AcquireShared blocks until tid holds SHARED on pid, or returns
// ErrDeadlock if granting the wait would close a waits-for cycle.
func (m *Manager) AcquireShared(tid txid.TxID, pid pageio.PageID) error {
	return m.acquire(tid, pid, Shared)
}

// AcquireExclusive blocks until tid holds EXCLUSIVE on pid, or returns
// ErrDeadlock if granting the wait would close a waits-for cycle. If tid
// is the sole current SHARED owner, this upgrades in place without
// releasing the shared lock first.
func (m *Manager) AcquireExclusive(tid txid.TxID, pid pageio.PageID) error {
	return m.acquire(tid, pid, Exclusive)
}

func (m *Manager) acquire(tid txid.TxID, pid pageio.PageID, mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps := m.pages[pid]
	if ps == nil {
		ps = &pageState{}
		m.pages[pid] = ps
	}

	if m.canGrant(ps, tid, mode) {
		m.grant(ps, tid, mode)
		return nil
	}

	req := &request{tid: tid, mode: mode, cond: sync.NewCond(&m.mu)}
	ps.requests = append(ps.requests, req)
	m.updateWaitFor(ps)

	if m.hasCycle(tid) {
		m.removeRequest(ps, req)
		m.log.Warn("deadlock detected, aborting acquire",
			zap.Uint64("txn", uint64(tid)), zap.String("page", pid.String()), zap.String("mode", mode.String()))
		return ErrDeadlock
	}

	for !req.granted {
		req.cond.Wait()
		if req.granted {
			break
		}
		if m.hasCycle(tid) {
			m.removeRequest(ps, req)
			m.log.Warn("deadlock detected after wakeup, aborting acquire",
				zap.Uint64("txn", uint64(tid)), zap.String("page", pid.String()), zap.String("mode", mode.String()))
			return ErrDeadlock
		}
	}
	return nil
}

// Release releases tid's lock on pid, if any. It is a no-op if tid does
// not hold a lock on pid. Using Release outside commit/abort violates
// strict 2PL and is the caller's responsibility to avoid; the spec calls
// this out explicitly as unsafe to use mid-transaction.
func (m *Manager) Release(tid txid.TxID, pid pageio.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps := m.pages[pid]
	if ps == nil {
		return
	}
	m.removeOwned(ps, tid)
	m.grantPending(ps)
	m.updateWaitFor(ps)
}

// ReleaseAll releases every lock tid holds, across every page, atomically
// with respect to other Manager operations, and drops every waits-for edge
// from or to tid. It is called exactly once per transaction, at commit or
// abort. A request tid is still waiting on is not withdrawn: only granted
// requests are removed from each page.
func (m *Manager) ReleaseAll(tid txid.TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ps := range m.pages {
		m.removeOwned(ps, tid)
		m.grantPending(ps)
		m.updateWaitFor(ps)
	}

	delete(m.waitFor, tid)
	for _, waiters := range m.waitFor {
		delete(waiters, tid)
	}
}

// HoldsLock reports whether tid currently holds a granted lock (of any
// mode) on pid.
func (m *Manager) HoldsLock(tid txid.TxID, pid pageio.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps := m.pages[pid]
	if ps == nil {
		return false
	}
	for _, r := range ps.requests {
		if r.tid == tid && r.granted {
			return true
		}
	}
	return false
}

// canGrant reports whether mode can be granted to tid immediately, per the
// grant table in spec.md §4.2.
func (m *Manager) canGrant(ps *pageState, tid txid.TxID, mode Mode) bool {
	owners := grantedOwners(ps)
	if len(owners) == 0 {
		return true
	}

	// Re-entrance: tid already holds something on this page.
	if held, ok := owners[tid]; ok {
		if held == Exclusive {
			return true // already exclusive: any re-request is a no-op grant
		}
		if mode == Shared {
			return true // shared + shared, always compatible
		}
		// held == Shared, want Exclusive: only an upgrade if tid is the
		// sole current owner.
		return len(owners) == 1
	}

	if mode == Exclusive {
		return false // someone else holds a lock, exclusive can't be granted
	}
	// mode == Shared: compatible only if every current owner also holds Shared.
	for _, om := range owners {
		if om == Exclusive {
			return false
		}
	}
	return true
}

func grantedOwners(ps *pageState) map[txid.TxID]Mode {
	owners := make(map[txid.TxID]Mode)
	for _, r := range ps.requests {
		if r.granted {
			owners[r.tid] = r.mode
		}
	}
	return owners
}

// grant marks tid's pending request for mode as granted and wakes its
// waiter, upgrades tid's existing SHARED grant in place, leaves an existing
// grant that already covers mode unchanged, or appends a new granted
// request if tid has no request on the page (the direct-grant path).
func (m *Manager) grant(ps *pageState, tid txid.TxID, mode Mode) {
	for _, r := range ps.requests {
		if r.tid == tid && !r.granted {
			r.mode = mode
			r.granted = true
			r.cond.Broadcast()
			return
		}
		if r.tid == tid && r.granted {
			if mode == Exclusive && r.mode == Shared {
				r.mode = Exclusive // upgrade in place
			}
			return
		}
	}
	ps.requests = append(ps.requests, &request{tid: tid, mode: mode, granted: true, cond: sync.NewCond(&m.mu)})
}

// grantPending walks waiting requests in FIFO order and grants every one
// that can now be satisfied. Granting an exclusive request stops the scan
// (nothing after it can be compatible); granting shared requests continues,
// since further shared waiters may also now be compatible.
func (m *Manager) grantPending(ps *pageState) {
	for _, r := range ps.requests {
		if r.granted {
			continue
		}
		if !m.canGrant(ps, r.tid, r.mode) {
			return
		}
		r.granted = true
		// An upgrade grants a waiting request while an older granted
		// request for the same tid (the pre-upgrade SHARED grant) is
		// still present; collapse it so exactly one request represents
		// this tid's current hold.
		m.dropOtherGranted(ps, r)
		r.cond.Broadcast()
		if r.mode == Exclusive {
			return
		}
	}
}

// dropOtherGranted removes every granted request for keep.tid other than
// keep itself. It builds a fresh slice rather than compacting in place
// because it runs nested inside grantPending's own range over
// ps.requests, which must not see its backing array rewritten mid-scan.
func (m *Manager) dropOtherGranted(ps *pageState, keep *request) {
	kept := make([]*request, 0, len(ps.requests))
	for _, r := range ps.requests {
		if r != keep && r.tid == keep.tid && r.granted {
			continue
		}
		kept = append(kept, r)
	}
	ps.requests = kept
}

// removeOwned drops every granted request belonging to tid from ps.
func (m *Manager) removeOwned(ps *pageState, tid txid.TxID) {
	kept := ps.requests[:0]
	for _, r := range ps.requests {
		if r.tid == tid && r.granted {
			continue
		}
		kept = append(kept, r)
	}
	ps.requests = kept
}

// removeRequest removes a single (still-waiting) request, used when a
// deadlock is detected and the waiter must withdraw instead of blocking.
func (m *Manager) removeRequest(ps *pageState, req *request) {
	kept := ps.requests[:0]
	for _, r := range ps.requests {
		if r != req {
			kept = append(kept, r)
		}
	}
	ps.requests = kept

	delete(m.waitFor, req.tid)
	m.updateWaitFor(ps)
	m.grantPending(ps)
}

// updateWaitFor recomputes, for every waiter on ps, the set of edges from
// that waiter to ps's currently granted owners. Edges to transactions that
// no longer hold the page are dropped first so released owners stop
// blocking deadlock detection.
func (m *Manager) updateWaitFor(ps *pageState) {
	owners := grantedOwners(ps)
	involved := make(map[txid.TxID]bool, len(ps.requests))
	for _, r := range ps.requests {
		involved[r.tid] = true
	}

	for _, r := range ps.requests {
		if r.granted {
			continue
		}
		edges := m.waitFor[r.tid]
		if edges == nil {
			edges = make(map[txid.TxID]bool)
			m.waitFor[r.tid] = edges
		}
		for other := range involved {
			if _, stillOwner := owners[other]; !stillOwner {
				delete(edges, other)
			}
		}
		for owner := range owners {
			if owner != r.tid {
				edges[owner] = true
			}
		}
	}
}

// hasCycle reports whether the waits-for graph has a cycle reachable from
// tid, via depth-first search with an explicit recursion stack (visited
// alone would false-positive on a DAG with multiple paths to the same
// node; only a node still on the current path closes a cycle).
func (m *Manager) hasCycle(tid txid.TxID) bool {
	visited := make(map[txid.TxID]bool)
	onStack := make(map[txid.TxID]bool)
	return m.dfs(tid, visited, onStack)
}

func (m *Manager) dfs(tid txid.TxID, visited, onStack map[txid.TxID]bool) bool {
	visited[tid] = true
	onStack[tid] = true
	defer func() { onStack[tid] = false }()

	for next := range m.waitFor[tid] {
		if onStack[next] {
			return true
		}
		if !visited[next] && m.dfs(next, visited, onStack) {
			return true
		}
	}
	return false
}
