package catalog

import (
	"path/filepath"
	"testing"

	"github.com/relycore/relydb/heap"
	"github.com/relycore/relydb/tuple"
)

func openTestFile(t *testing.T, name string) *heap.HeapFile {
	t.Helper()
	desc := tuple.NewTupleDesc([]tuple.FieldType{{Name: "id", Type: tuple.IntType}})
	f, err := heap.Open(filepath.Join(t.TempDir(), name), desc)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestAddTableAndLookup(t *testing.T) {
	cat := New()
	f := openTestFile(t, "people.dat")
	cat.AddTable(f, "people", "id")

	got, ok := cat.Lookup(f.ID())
	if !ok {
		t.Fatal("expected lookup to find the registered table")
	}
	if got.ID() != f.ID() {
		t.Errorf("expected lookup to return the same file, got id %d want %d", got.ID(), f.ID())
	}
}

func TestTableIDByName(t *testing.T) {
	cat := New()
	f := openTestFile(t, "people.dat")
	cat.AddTable(f, "people", "id")

	id, err := cat.TableID("people")
	if err != nil {
		t.Fatal(err)
	}
	if id != f.ID() {
		t.Errorf("expected %d, got %d", f.ID(), id)
	}

	if _, err := cat.TableID("ghosts"); err == nil {
		t.Fatal("expected error looking up an unregistered table name")
	}
}

func TestLookupUnknownTableID(t *testing.T) {
	cat := New()
	if _, ok := cat.Lookup(12345); ok {
		t.Fatal("expected lookup of an unregistered table id to fail")
	}
}

func TestInfoReturnsPrimaryKey(t *testing.T) {
	cat := New()
	f := openTestFile(t, "people.dat")
	cat.AddTable(f, "people", "id")

	info, ok := cat.Info(f.ID())
	if !ok {
		t.Fatal("expected info for registered table")
	}
	if info.Name != "people" || info.PrimaryKey != "id" {
		t.Errorf("unexpected info: %+v", info)
	}
}
