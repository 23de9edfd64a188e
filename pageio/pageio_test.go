package pageio

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestRoundTripWriteRead(t *testing.T) {
	dir := t.TempDir()
	ps, err := Open(filepath.Join(dir, "a.dat"))
	if err != nil {
		t.Fatal(err)
	}
	defer ps.Close()

	hello := make([]byte, PageSize)
	copy(hello, []byte("hello"))
	pid := PageID{TableID: ps.TableID(), PageNo: 0}
	if err := ps.WritePage(pid, hello); err != nil {
		t.Fatal(err)
	}

	world := make([]byte, PageSize)
	copy(world, []byte("world"))
	pid2 := PageID{TableID: ps.TableID(), PageNo: 1}
	if err := ps.WritePage(pid2, world); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, PageSize)
	if err := ps.ReadPage(pid, buf); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(hello, buf) {
		t.Errorf("page0: expected %v, got %v", hello, buf)
	}
	if err := ps.ReadPage(pid2, buf); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(world, buf) {
		t.Errorf("page1: expected %v, got %v", world, buf)
	}
}

func TestReadPastEOFIsZeroFilled(t *testing.T) {
	dir := t.TempDir()
	ps, err := Open(filepath.Join(dir, "b.dat"))
	if err != nil {
		t.Fatal(err)
	}
	defer ps.Close()

	buf := make([]byte, PageSize)
	for i := range buf {
		buf[i] = 0xff
	}
	if err := ps.ReadPage(PageID{TableID: ps.TableID(), PageNo: 5}, buf); err != nil {
		t.Fatal(err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d: expected zero, got %d", i, b)
		}
	}
}

func TestNumPages(t *testing.T) {
	dir := t.TempDir()
	ps, err := Open(filepath.Join(dir, "c.dat"))
	if err != nil {
		t.Fatal(err)
	}
	defer ps.Close()

	n, err := ps.NumPages()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 pages for empty file, got %d", n)
	}

	data := make([]byte, PageSize)
	if err := ps.WritePage(PageID{TableID: ps.TableID(), PageNo: 0}, data); err != nil {
		t.Fatal(err)
	}
	n, err = ps.NumPages()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 page, got %d", n)
	}
}

// Scenario 1 from spec.md §8: deterministic table id, distinct across files,
// stable across reopen.
func TestDeterministicTableID(t *testing.T) {
	dir := t.TempDir()
	aPath := filepath.Join(dir, "a.dat")
	bPath := filepath.Join(dir, "b.dat")

	a, err := Open(aPath)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Open(bPath)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if a.TableID() == b.TableID() {
		t.Fatalf("expected distinct table ids for distinct paths, got %d for both", a.TableID())
	}

	a.Close()
	aAgain, err := Open(aPath)
	if err != nil {
		t.Fatal(err)
	}
	defer aAgain.Close()

	if a.TableID() != aAgain.TableID() {
		t.Fatalf("expected stable table id across reopen, got %d then %d", a.TableID(), aAgain.TableID())
	}
}
