package memory

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

var (
	// ErrEngaged is returned when a second capture tries to engage write
	// monitoring.
	ErrEngaged = errors.New("write monitoring already engaged")
	// ErrNoRange is returned for addresses outside every registered range.
	ErrNoRange = errors.New("no range at address")

	errUnknownKind     = errors.New("unknown page kind")
	errMisaligned      = errors.New("range not page aligned")
	errNoBacking       = errors.New("page has no backing memory")
	errPageMonitored   = errors.New("page is write monitored")
	errNotShadowROM    = errors.New("not a shadowed ROM page")
	errInvalidProt     = errors.New("invalid ROM protection")
	errBadRangeKind    = errors.New("unsupported range kind")
	errNotMMIO         = errors.New("not an MMIO page")
	errCrossesPage     = errors.New("access crosses a page boundary")
	errRangeNotFound   = errors.New("range not found")
	errImageTooLarge   = errors.New("ROM image larger than range")
	errRegistryEngaged = errors.New("registry is engaged by a capture")
)

var zeroPage = make([]byte, PageSize)

// ZeroPage returns a shared read-only page of zeros.
func ZeroPage() []byte { return zeroPage }

// Registry is the ordered list of guest-physical ranges. A single lock
// protects the range list, every page array and the capture tracking
// arrays hanging off the ranges.
type Registry struct {
	mu         sync.Mutex
	index      *rangeIndex
	generation atomic.Uint64
	engaged    atomic.Bool

	onRemove func(r *Range)
}

func NewRegistry() *Registry {
	return &Registry{index: newRangeIndex()}
}

func (g *Registry) Lock()   { g.mu.Lock() }
func (g *Registry) Unlock() { g.mu.Unlock() }

// Yield briefly hands the lock to other users. The caller must hold it and
// must compare Generation before and after.
func (g *Registry) Yield() {
	g.mu.Unlock()
	runtime.Gosched()
	g.mu.Lock()
}

// Generation changes every time the range list does.
func (g *Registry) Generation() uint64 { return g.generation.Load() }

// Engage claims write monitoring for one capture session.
func (g *Registry) Engage() error {
	if !g.engaged.CompareAndSwap(false, true) {
		return ErrEngaged
	}

	return nil
}

func (g *Registry) Disengage() { g.engaged.Store(false) }

func (g *Registry) Engaged() bool { return g.engaged.Load() }

// SetRemoveHook installs fn to run, with the lock held, for every range
// removed from now on. A nil fn uninstalls it.
func (g *Registry) SetRemoveHook(fn func(r *Range)) { g.onRemove = fn }

// AddRange registers a new range. It takes the lock.
func (g *Registry) AddRange(spec RangeSpec) (*Range, error) {
	if spec.Base&PageMask != 0 || spec.Size&PageMask != 0 || spec.Size == 0 {
		return nil, fmt.Errorf("%w: %s base=%#x size=%#x", errMisaligned, spec.Name, spec.Base, spec.Size)
	}

	r, err := newRange(spec)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.index.insert(r); err != nil {
		r.unmap()

		return nil, fmt.Errorf("%s [%#x-%#x]: %w", spec.Name, r.Base, r.Last, err)
	}

	g.generation.Add(1)

	return r, nil
}

// RemoveRange unregisters the range starting at base. It takes the lock.
func (g *Registry) RemoveRange(base uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.index.remove(base)
	if !ok {
		return fmt.Errorf("%w: base %#x", errRangeNotFound, base)
	}

	if g.onRemove != nil {
		g.onRemove(r)
	}

	r.LiveTrack = nil
	r.unmap()
	g.generation.Add(1)

	return nil
}

// Close releases all backing memory.
func (g *Registry) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error

	g.index.each(func(r *Range) bool {
		errs = append(errs, r.unmap())

		return true
	})

	g.index = newRangeIndex()
	g.generation.Add(1)

	return errors.Join(errs...)
}

// AliasMMIO2 marks an MMIO page as an alias of device (MMIO2) memory.
func (g *Registry) AliasMMIO2(addr uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, err := g.PageAt(addr)
	if err != nil {
		return err
	}

	if p.kind != KindMMIO {
		return fmt.Errorf("%w: %#x is %v", errNotMMIO, addr, p.kind)
	}

	p.kind = KindMMIO2AliasMMIO

	return nil
}

// NumRanges returns the number of registered ranges.
func (g *Registry) NumRanges() int { return g.index.len() }

// ForEachRange calls fn for every range in address order until fn returns
// false.
func (g *Registry) ForEachRange(fn func(r *Range) bool) { g.index.each(fn) }

// FirstRange returns the lowest range or nil.
func (g *Registry) FirstRange() *Range { return g.index.first() }

// RangeAfter returns the first range whose base is above base, or nil.
func (g *Registry) RangeAfter(base uint64) *Range {
	if base == ^uint64(0) {
		return nil
	}

	return g.index.atOrAfter(base + 1)
}

// RangeAtOrAfter returns the first range whose base is at or above addr.
func (g *Registry) RangeAtOrAfter(addr uint64) *Range { return g.index.atOrAfter(addr) }

// RangeAt returns the range containing addr.
func (g *Registry) RangeAt(addr uint64) (*Range, error) {
	r := g.index.atOrBefore(addr)
	if r == nil || !r.Contains(addr) {
		return nil, fmt.Errorf("%w %#x", ErrNoRange, addr)
	}

	return r, nil
}

// Lookup returns the range and page index for addr.
func (g *Registry) Lookup(addr uint64) (*Range, int, error) {
	r, err := g.RangeAt(addr)
	if err != nil {
		return nil, 0, err
	}

	return r, r.Index(addr), nil
}

// PageAt returns the page at addr. For ROM it is the active body.
func (g *Registry) PageAt(addr uint64) (*Page, error) {
	r, i, err := g.Lookup(addr)
	if err != nil {
		return nil, err
	}

	return r.Page(i), nil
}

// RomPageOf returns the ROM page at addr.
func (g *Registry) RomPageOf(addr uint64) (*RomPage, error) {
	r, i, err := g.Lookup(addr)
	if err != nil {
		return nil, err
	}

	rp := r.Rom(i)
	if rp == nil {
		return nil, fmt.Errorf("%w: %#x is %v", errNotShadowROM, addr, r.kind)
	}

	return rp, nil
}

// MapReadOnly returns the content of p without changing its state. Zero
// pages read as ZeroPage; pages without backing return nil.
func (g *Registry) MapReadOnly(p *Page) []byte {
	if p.data == nil {
		return nil
	}

	if p.state == StateZero {
		return zeroPage
	}

	return p.data
}

// MakeWritable makes p privately allocated and returns its bytes. A write
// monitored page drops back to allocated and is flagged as written.
func (g *Registry) MakeWritable(p *Page) ([]byte, error) {
	if p.data == nil {
		return nil, fmt.Errorf("%w (%v)", errNoBacking, p.kind)
	}

	switch p.state {
	case StateZero, StateShared:
		p.state = StateAllocated
	case StateWriteMonitored:
		p.state = StateAllocated
		p.written = true
	case StateAllocated:
	}

	return p.data, nil
}

// FreePage returns p to the zero state and releases its content.
func (g *Registry) FreePage(p *Page) error {
	if p.data == nil {
		return fmt.Errorf("%w (%v)", errNoBacking, p.kind)
	}

	if p.state == StateWriteMonitored {
		return errPageMonitored
	}

	if p.state != StateZero {
		release(p.data)
	}

	p.state = StateZero
	p.written = false

	return nil
}

// SharePage marks an allocated page as shared (deduplicated).
func (g *Registry) SharePage(p *Page) error {
	switch p.state {
	case StateAllocated:
		p.state = StateShared

		return nil
	case StateWriteMonitored:
		return errPageMonitored
	case StateZero, StateShared:
	}

	return nil
}

// WriteMonitor arms write monitoring on an allocated page.
func (g *Registry) WriteMonitor(p *Page) {
	if p.state == StateAllocated {
		p.state = StateWriteMonitored
	}
}

// ClearWriteMonitor drops write monitoring without touching content.
func (g *Registry) ClearWriteMonitor(p *Page) {
	if p.state == StateWriteMonitored {
		p.state = StateAllocated
	}
}

// IsWrittenTo reports whether p was written since monitoring was armed.
func (g *Registry) IsWrittenTo(p *Page) bool { return p.written }

func (g *Registry) ClearWrittenTo(p *Page) { p.written = false }

// MergeDirtyLog folds a hardware dirty bitmap (one bit per page, as
// returned by KVM_GET_DIRTY_LOG) into the written flags of r. A dirty
// page makes the same transition as MakeWritable: the hardware wrote it
// in place, so zero and shared pages now hold content of their own.
func (g *Registry) MergeDirtyLog(r *Range, words []uint64) int {
	dirty := bitset.From(words)
	n := 0

	for i, ok := dirty.NextSet(0); ok && int(i) < r.NumPages(); i, ok = dirty.NextSet(i + 1) {
		p := r.Tracked(int(i))
		if p.data == nil {
			continue
		}

		p.state = StateAllocated
		p.written = true
		n++
	}

	return n
}

// SetProtection changes the protection of the shadowed ROM pages in
// [addr, addr+size).
func (g *Registry) SetProtection(addr, size uint64, prot Prot) error {
	if !prot.Valid() {
		return fmt.Errorf("%w: %d", errInvalidProt, prot)
	}

	for off := uint64(0); off < size; off += PageSize {
		r, i, err := g.Lookup(addr + off)
		if err != nil {
			return err
		}

		rp := r.Rom(i)
		if rp == nil || rp.Virgin.kind != KindROMShadow {
			return fmt.Errorf("%w: %#x", errNotShadowROM, addr+off)
		}

		rp.Prot = prot
	}

	return nil
}

func newRange(spec RangeSpec) (*Range, error) {
	r := &Range{
		Name: spec.Name,
		Base: spec.Base,
		Last: spec.Base + spec.Size - 1,
		Size: spec.Size,
		kind: spec.Kind,
	}

	n := r.NumPages()

	switch spec.Kind {
	case KindRAM, KindMMIO2:
		if err := r.mapBacking(int(spec.Size)); err != nil {
			return nil, err
		}

		r.pages = make([]Page, n)
		for i := range r.pages {
			r.pages[i] = Page{kind: spec.Kind, state: StateZero, data: r.slot(i)}
		}
	case KindMMIO:
		r.pages = make([]Page, n)
		for i := range r.pages {
			r.pages[i] = Page{kind: KindMMIO, state: StateZero}
		}
	case KindROM:
		if uint64(len(spec.Image)) > spec.Size {
			return nil, fmt.Errorf("%w: %s", errImageTooLarge, spec.Name)
		}

		kind := KindROM
		size := int(spec.Size)

		if spec.Shadowed {
			kind = KindROMShadow
			size *= 2
		}

		if err := r.mapBacking(size); err != nil {
			return nil, err
		}

		copy(r.mem, spec.Image)

		r.rom = make([]RomPage, n)
		for i := range r.rom {
			rp := &r.rom[i]
			rp.Virgin = Page{kind: kind, state: StateAllocated, data: r.slot(i)}
			rp.Prot = ProtReadROMWriteIgnore

			if spec.Shadowed {
				rp.Shadow = Page{kind: kind, state: StateZero, data: r.slot(n + i)}
			}
		}
	default:
		return nil, fmt.Errorf("%w: %v", errBadRangeKind, spec.Kind)
	}

	return r, nil
}

func (r *Range) mapBacking(size int) error {
	mem, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", r.Name, err)
	}

	r.mem = mem

	return nil
}

func (r *Range) slot(i int) []byte {
	return r.mem[i*PageSize : (i+1)*PageSize : (i+1)*PageSize]
}

func (r *Range) unmap() error {
	if r.mem == nil {
		return nil
	}

	err := r.mem.Unmap()
	r.mem = nil
	r.pages = nil
	r.rom = nil

	return err
}

// release drops the content of a page-aligned slice.
func release(b []byte) {
	// MADV_REMOVE punches a hole in the shared anonymous backing, so the
	// next touch reads zeros.
	if err := unix.Madvise(b, unix.MADV_REMOVE); err != nil {
		clear(b)
	}
}
