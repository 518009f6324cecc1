// Package swap implements the anon-swap backing store of spec §4.3: a swap
// disk divided into fixed-size slots of 8 sectors each, tracked by a
// bitmap, used to page anonymous memory out and back in.
package swap

import (
	"pebblekern/internal/disk"
	"pebblekern/internal/freemap"
)

// SectorsPerSlot is the number of 512-byte sectors in one swap slot (spec
// §4.3: "slots of 8 sectors each").
const SectorsPerSlot = 8

// SlotSize is the number of bytes one swap slot holds — exactly one page.
const SlotSize = SectorsPerSlot * disk.SectorSize

// NoSlot marks a page that has never been swapped out (spec §3 ANON
// payload: "swap_slot ∈ {NONE} ∪ [0, swap_slots)").
const NoSlot = -1

// Table is the anon-swap bitmap plus the disk it backs.
type Table struct {
	disk   *disk.Disk
	bitmap *freemap.Bitmap
}

// New creates a swap table over d, with one bit per SectorsPerSlot-sector
// slot.
func New(d *disk.Disk) *Table {
	return &Table{disk: d, bitmap: freemap.New(d.Nsec() / SectorsPerSlot)}
}

// Slots reports the total number of swap slots.
func (t *Table) Slots() int {
	return t.bitmap.Len()
}

// InUse reports how many slots are currently occupied.
func (t *Table) InUse() int {
	return t.bitmap.InUse()
}

// Out writes SlotSize bytes from page into a freshly claimed slot and
// returns the slot index (spec §4.3 "Swap-out": scan+flip under
// bitmap_lock, then write the 8 sectors). Returns (NoSlot, false) if the
// swap disk is exhausted.
func (t *Table) Out(page []byte) (int, bool) {
	if len(page) != SlotSize {
		panic("swap: page must be exactly one slot in size")
	}
	slot, ok := t.bitmap.AllocOne()
	if !ok {
		return NoSlot, false
	}
	base := slot * SectorsPerSlot
	for i := 0; i < SectorsPerSlot; i++ {
		if err := t.disk.WriteSector(base+i, page[i*disk.SectorSize:(i+1)*disk.SectorSize]); err != nil {
			panic("swap: write failed: " + err.Error())
		}
	}
	return slot, true
}

// In reads slot's SlotSize bytes into page and frees the slot (spec §4.3
// "Swap-in": read the sectors, then flip the slot back to free).
// Passing an invalid slot index panics (spec §4.3 error conditions).
func (t *Table) In(slot int, page []byte) {
	if slot < 0 || slot >= t.bitmap.Len() {
		panic("swap: invalid slot index")
	}
	if len(page) != SlotSize {
		panic("swap: page must be exactly one slot in size")
	}
	base := slot * SectorsPerSlot
	for i := 0; i < SectorsPerSlot; i++ {
		if err := t.disk.ReadSector(base+i, page[i*disk.SectorSize:(i+1)*disk.SectorSize]); err != nil {
			panic("swap: read failed: " + err.Error())
		}
	}
	t.bitmap.Free(slot)
}

// ReleaseWithoutRead frees slot without reading its contents back, for a
// page destroyed while swapped out (spec §4.1 spt_remove / §4.3 slot
// lifecycle: a slot must be reclaimed even if its page is never faulted
// back in).
func (t *Table) ReleaseWithoutRead(slot int) {
	if slot < 0 || slot >= t.bitmap.Len() {
		panic("swap: invalid slot index")
	}
	t.bitmap.Free(slot)
}
