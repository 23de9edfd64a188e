// Package txid defines the opaque transaction identifier shared by every
// layer of the storage core (lock manager, WAL, buffer pool, transaction
// façade) without those packages depending on each other.
package txid

import "sync/atomic"

// TxID uniquely identifies one transaction for the lifetime of the process.
// It is totally ordered only by mint time; callers must not rely on it for
// anything beyond equality and hashing.
type TxID uint64

// Generator mints monotonically increasing, never-reused TxIDs.
type Generator struct {
	next atomic.Uint64
}

// NewGenerator returns a Generator whose first Next() call returns 1.
func NewGenerator() *Generator {
	return &Generator{}
}

// Next mints a fresh TxID.
func (g *Generator) Next() TxID {
	return TxID(g.next.Add(1))
}
