// Package catalog provides the minimal table_id → DbFile registry the
// buffer pool needs to resolve pages to their owning file, plus the table
// name/primary-key metadata a query layer would need above this core. It
// is deliberately not persistent or index-backed: table registration is an
// explicit, in-memory, process-lifetime operation, since durable catalog
// storage belongs to the SQL/catalog-loading layer this module does not
// implement.
package catalog

import (
	"fmt"
	"sync"

	"github.com/relycore/relydb/buffer"
)

// TableInfo is the metadata this core keeps about a registered table,
// beyond the DbFile needed to read and write it.
type TableInfo struct {
	Name       string
	PrimaryKey string
	File       buffer.DbFile
}

// Catalog is a concurrency-safe table_id → TableInfo registry. It
// implements buffer.Registry so a BufferPool can resolve pages directly.
type Catalog struct {
	mu     sync.RWMutex
	tables map[uint64]TableInfo
	byName map[string]uint64
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		tables: make(map[uint64]TableInfo),
		byName: make(map[string]uint64),
	}
}

// AddTable registers file under name with the given primary key column.
// Registering the same table id twice overwrites the previous entry.
func (c *Catalog) AddTable(file buffer.DbFile, name, primaryKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := file.ID()
	c.tables[id] = TableInfo{Name: name, PrimaryKey: primaryKey, File: file}
	c.byName[name] = id
}

// Lookup resolves a table id to its DbFile, satisfying buffer.Registry.
func (c *Catalog) Lookup(tableID uint64) (buffer.DbFile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, ok := c.tables[tableID]
	if !ok {
		return nil, false
	}
	return info.File, true
}

// TableID resolves a table name to its id.
func (c *Catalog) TableID(name string) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.byName[name]
	if !ok {
		return 0, fmt.Errorf("catalog: no table named %q", name)
	}
	return id, nil
}

// Info returns the registered metadata for a table id.
func (c *Catalog) Info(tableID uint64) (TableInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, ok := c.tables[tableID]
	return info, ok
}
