// Package heap implements a DbFile backed by fixed-size, bitmap-header
// pages in the classic SimpleDB-lineage layout: a header of one bit per
// slot, used to distinguish "free" from "occupied" independent of
// position, followed by a flat array of fixed-width tuple slots.
package heap

import (
	"errors"

	"github.com/relycore/relydb/pageio"
	"github.com/relycore/relydb/tuple"
)

// ErrNoSuchElement is raised by the iterator when Next is called outside
// the Open state or with nothing left. HasNext never raises it.
var ErrNoSuchElement = errors.New("heap: no such element")

// ErrPageFull is raised by an insert when even a freshly allocated, empty
// page has no slot for the tuple (the tuple is wider than a page allows).
var ErrPageFull = errors.New("heap: page has no free slot")

// layout describes the fixed slot geometry for one TupleDesc: how many
// slots fit in a page, how large the bitmap header is, and the byte width
// of one slot.
type layout struct {
	desc      *tuple.TupleDesc
	numSlots  int
	headerLen int
	slotSize  int
}

func newLayout(desc *tuple.TupleDesc) layout {
	slotSize := desc.Size()
	numSlots := (8 * pageio.PageSize) / (8*slotSize + 1)
	headerLen := (numSlots + 7) / 8
	return layout{desc: desc, numSlots: numSlots, headerLen: headerLen, slotSize: slotSize}
}

func (l layout) isSlotUsed(header []byte, slot int) bool {
	return header[slot/8]&(1<<uint(slot%8)) != 0
}

func (l layout) setSlotUsed(header []byte, slot int, used bool) {
	if used {
		header[slot/8] |= 1 << uint(slot%8)
	} else {
		header[slot/8] &^= 1 << uint(slot%8)
	}
}

func (l layout) slotOffset(slot int) int {
	return l.headerLen + slot*l.slotSize
}

// numEmptySlots counts unset bits in data's header.
func (l layout) numEmptySlots(data []byte) int {
	header := data[:l.headerLen]
	used := 0
	for s := 0; s < l.numSlots; s++ {
		if l.isSlotUsed(header, s) {
			used++
		}
	}
	return l.numSlots - used
}

// firstEmptySlot returns the lowest-numbered free slot, scanning the
// header bit by bit — the classic SimpleDB free-slot search.
func (l layout) firstEmptySlot(data []byte) (int, bool) {
	header := data[:l.headerLen]
	for s := 0; s < l.numSlots; s++ {
		if !l.isSlotUsed(header, s) {
			return s, true
		}
	}
	return 0, false
}

func (l layout) readSlot(data []byte, slot int) (*tuple.Tuple, bool, error) {
	header := data[:l.headerLen]
	if !l.isSlotUsed(header, slot) {
		return nil, false, nil
	}
	off := l.slotOffset(slot)
	t, err := tuple.Decode(l.desc, data[off:off+l.slotSize])
	if err != nil {
		return nil, true, err
	}
	return t, true, nil
}

func (l layout) writeSlot(data []byte, slot int, t *tuple.Tuple) error {
	enc, err := t.Encode()
	if err != nil {
		return err
	}
	header := data[:l.headerLen]
	l.setSlotUsed(header, slot, true)
	off := l.slotOffset(slot)
	copy(data[off:off+l.slotSize], enc)
	return nil
}

func (l layout) clearSlot(data []byte, slot int) {
	header := data[:l.headerLen]
	l.setSlotUsed(header, slot, false)
	off := l.slotOffset(slot)
	for i := off; i < off+l.slotSize; i++ {
		data[i] = 0
	}
}

// tuples returns every occupied tuple on the page, in slot order.
func (l layout) tuples(data []byte) ([]*tuple.Tuple, error) {
	var out []*tuple.Tuple
	for s := 0; s < l.numSlots; s++ {
		t, used, err := l.readSlot(data, s)
		if err != nil {
			return nil, err
		}
		if used {
			out = append(out, t)
		}
	}
	return out, nil
}

// HeapPage is a read-only view over one page's slot layout, handed out by
// HeapFile for inspection (tests, diagnostics) without exposing the
// package-private layout type.
type HeapPage struct {
	l    layout
	data []byte
}

// NumSlots returns the total slot capacity of a page for this descriptor.
func (p HeapPage) NumSlots() int { return p.l.numSlots }

// NumEmptySlots returns the count of currently-unused slots.
func (p HeapPage) NumEmptySlots() int { return p.l.numEmptySlots(p.data) }

// SlotUsed reports whether the given slot currently holds a tuple.
func (p HeapPage) SlotUsed(slot int) bool { return p.l.isSlotUsed(p.data[:p.l.headerLen], slot) }
