package memory

import (
	"errors"

	"github.com/edsrzf/mmap-go"
	"github.com/google/btree"
)

var errAddrSpaceOccupied = errors.New("address space occupied")

// RangeSpec describes a range to register.
type RangeSpec struct {
	Name string
	Base uint64
	Size uint64
	// Kind is the kind of every page in the range: KindRAM, KindROM,
	// KindMMIO or KindMMIO2.
	Kind Kind
	// Shadowed makes a ROM range shadow capable (KindROMShadow pages).
	Shadowed bool
	// Image is the ROM content. Shorter images are zero padded.
	Image []byte
}

// Range is a contiguous interval of guest-physical address space.
type Range struct {
	Name string
	Base uint64
	Last uint64
	Size uint64

	kind  Kind
	mem   mmap.MMap
	pages []Page
	rom   []RomPage

	// LiveTrack is owned by the capture session and is nil outside one.
	LiveTrack []LiveTrackEntry
}

func (r *Range) Kind() Kind { return r.kind }

func (r *Range) NumPages() int { return int(r.Size >> PageShift) }

// HasBacking reports whether the range has host memory.
func (r *Range) HasBacking() bool { return r.mem != nil }

// Host returns the host mapping behind a RAM or MMIO2 range, page i at
// offset i*PageSize, or nil. A hypervisor maps it into the guest.
func (r *Range) Host() []byte {
	if r.rom != nil {
		return nil
	}

	return r.mem
}

// Addr returns the guest-physical address of page i.
func (r *Range) Addr(i int) uint64 { return r.Base + uint64(i)<<PageShift }

// Contains reports whether addr falls inside the range.
func (r *Range) Contains(addr uint64) bool { return addr >= r.Base && addr <= r.Last }

// Index returns the page index of addr, which must be inside the range.
func (r *Range) Index(addr uint64) int { return int((addr - r.Base) >> PageShift) }

// Page returns page i. For ROM ranges it is the active body.
func (r *Range) Page(i int) *Page {
	if r.rom != nil {
		if r.rom[i].Virgin.kind == KindROM {
			return &r.rom[i].Virgin
		}

		return r.rom[i].Active()
	}

	return &r.pages[i]
}

// Rom returns the ROM page i, or nil for non-ROM ranges.
func (r *Range) Rom(i int) *RomPage {
	if r.rom == nil {
		return nil
	}

	return &r.rom[i]
}

// Tracked returns the shadow body of a shadowed ROM page and the page
// itself otherwise. It is the page a LiveTrackEntry describes.
func (r *Range) Tracked(i int) *Page {
	if r.rom != nil && r.rom[i].Virgin.kind == KindROMShadow {
		return &r.rom[i].Shadow
	}

	return r.Page(i)
}

func (r *Range) overlaps(o *Range) bool {
	return r.Base <= o.Last && o.Base <= r.Last
}

// rangeIndex keeps ranges ordered by base address.
type rangeIndex struct {
	tree *btree.BTreeG[*Range]
}

func newRangeIndex() *rangeIndex {
	return &rangeIndex{
		tree: btree.NewG(8, func(a, b *Range) bool { return a.Base < b.Base }),
	}
}

func (x *rangeIndex) insert(r *Range) error {
	if prev := x.atOrBefore(r.Last); prev != nil && prev.overlaps(r) {
		return errAddrSpaceOccupied
	}

	x.tree.ReplaceOrInsert(r)

	return nil
}

func (x *rangeIndex) remove(base uint64) (*Range, bool) {
	return x.tree.Delete(&Range{Base: base})
}

// atOrBefore returns the range with the greatest base <= addr.
func (x *rangeIndex) atOrBefore(addr uint64) *Range {
	var found *Range

	x.tree.DescendLessOrEqual(&Range{Base: addr}, func(r *Range) bool {
		found = r

		return false
	})

	return found
}

// atOrAfter returns the range with the smallest base >= addr.
func (x *rangeIndex) atOrAfter(addr uint64) *Range {
	var found *Range

	x.tree.AscendGreaterOrEqual(&Range{Base: addr}, func(r *Range) bool {
		found = r

		return false
	})

	return found
}

func (x *rangeIndex) first() *Range {
	r, _ := x.tree.Min()

	return r
}

func (x *rangeIndex) each(fn func(r *Range) bool) {
	x.tree.Ascend(func(r *Range) bool { return fn(r) })
}

func (x *rangeIndex) len() int { return x.tree.Len() }
