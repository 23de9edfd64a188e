// Package txn provides the Transaction façade (the "TX" component) that
// sequences a buffer pool and a write-ahead log through begin, commit, and
// abort, plus a Database context that wires one of each core component
// together for callers — an explicit, constructed replacement for the
// package-level singleton the teacher's own example wiring used.
package txn

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/relycore/relydb/buffer"
	"github.com/relycore/relydb/catalog"
	"github.com/relycore/relydb/lock"
	"github.com/relycore/relydb/walog"

	"github.com/relycore/relydb/txid"
)

// ErrNotActive is returned by Commit/Abort on a transaction that was never
// started or has already completed, enforcing at-most-once semantics.
var ErrNotActive = errors.New("txn: transaction is not active")

// Transaction sequences one transaction's lifetime: Start logs BEGIN,
// Commit flushes dirty pages and logs COMMIT before releasing locks,
// Abort logs ABORT and rolls dirty pages back to their before-image
// before releasing locks.
type Transaction struct {
	id  txid.TxID
	bp  *buffer.BufferPool
	wal *walog.Log
	log *zap.Logger

	mu      sync.Mutex
	started bool
}

// New creates a Transaction bound to id, bp, and wal. It does not start
// the transaction; call Start for that.
func New(id txid.TxID, bp *buffer.BufferPool, wal *walog.Log, log *zap.Logger) *Transaction {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transaction{id: id, bp: bp, wal: wal, log: log}
}

// ID returns the transaction's identifier.
func (t *Transaction) ID() txid.TxID {
	return t.id
}

// Start marks the transaction active and appends its BEGIN record.
func (t *Transaction) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.wal.LogBegin(t.id); err != nil {
		return err
	}
	t.started = true
	t.log.Debug("transaction started", zap.Uint64("txn", uint64(t.id)))
	return nil
}

// Commit flushes every page this transaction dirtied, appends COMMIT, and
// releases all of its locks. It is a no-op returning ErrNotActive if the
// transaction was never started or has already completed.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		return ErrNotActive
	}

	if err := t.bp.FlushPages(t.id); err != nil {
		return err
	}
	if _, err := t.wal.LogCommit(t.id); err != nil {
		return err
	}
	if err := t.bp.TransactionComplete(t.id, true); err != nil {
		return err
	}
	t.started = false
	t.log.Debug("transaction committed", zap.Uint64("txn", uint64(t.id)))
	return nil
}

// Abort appends ABORT and rolls back every page this transaction dirtied
// to its before-image, then releases all of its locks. It is a no-op
// returning ErrNotActive if the transaction was never started or has
// already completed.
func (t *Transaction) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		return ErrNotActive
	}

	if _, err := t.wal.LogAbort(t.id); err != nil {
		return err
	}
	if err := t.bp.TransactionComplete(t.id, false); err != nil {
		return err
	}
	t.started = false
	t.log.Debug("transaction aborted", zap.Uint64("txn", uint64(t.id)))
	return nil
}

// Database wires one lock/log/buffer-pool/catalog set together
// for a collection of callers sharing the same storage core. It replaces
// the teacher's package-level singleton with an explicit, constructed
// value: every component it holds is a field, not a global.
type Database struct {
	Locks   *lock.Manager
	Log     *walog.Log
	Pool    *buffer.BufferPool
	Catalog *catalog.Catalog

	ids *txid.Generator
	log *zap.Logger
}

// Config bundles the construction parameters for a Database.
type Config struct {
	BufferPoolCapacity int
	LogPath            string
	Logger             *zap.Logger
}

// Open constructs a Database: a lock manager, a write-ahead log at
// cfg.LogPath, a buffer pool bounded at cfg.BufferPoolCapacity backed by
// the catalog as its page registry, and an empty catalog.
func Open(cfg Config) (*Database, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	lm := lock.New(log)
	wal, err := walog.Open(cfg.LogPath, log)
	if err != nil {
		return nil, err
	}
	cat := catalog.New()
	pool, err := buffer.New(cfg.BufferPoolCapacity, lm, wal, cat, log)
	if err != nil {
		return nil, err
	}

	return &Database{
		Locks:   lm,
		Log:     wal,
		Pool:    pool,
		Catalog: cat,
		ids:     txid.NewGenerator(),
		log:     log,
	}, nil
}

// Begin mints a fresh TxID and returns a started Transaction bound to this
// database's buffer pool and log.
func (db *Database) Begin() (*Transaction, error) {
	t := New(db.ids.Next(), db.Pool, db.Log, db.log)
	if err := t.Start(); err != nil {
		return nil, err
	}
	return t, nil
}

// Close closes the underlying write-ahead log.
func (db *Database) Close() error {
	return db.Log.Close()
}
