package memory

import "fmt"

// GuestWrite performs a guest store of data at addr. The access must not
// cross a page boundary.
func (g *Registry) GuestWrite(addr uint64, data []byte) error {
	off := int(addr & PageMask)
	if off+len(data) > PageSize {
		return fmt.Errorf("%w: %#x+%d", errCrossesPage, addr, len(data))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	r, i, err := g.Lookup(addr)
	if err != nil {
		return err
	}

	var p *Page

	switch r.Page(i).kind {
	case KindRAM, KindMMIO2:
		p = r.Page(i)
	case KindROMShadow:
		rp := r.Rom(i)
		if !rp.Prot.WritesRAM() {
			return nil
		}

		p = &rp.Shadow

		if rp.ActiveSide() == SideVirgin {
			rp.Info.WrittenTo = true
		}
	case KindROM, KindMMIO, KindMMIO2AliasMMIO, KindInvalid:
		// Dropped: ROM is immutable and MMIO belongs to the device.
		return nil
	}

	buf, err := g.MakeWritable(p)
	if err != nil {
		return err
	}

	copy(buf[off:], data)

	return nil
}

// GuestRead performs a guest load from addr into buf.
func (g *Registry) GuestRead(addr uint64, buf []byte) error {
	off := int(addr & PageMask)
	if off+len(buf) > PageSize {
		return fmt.Errorf("%w: %#x+%d", errCrossesPage, addr, len(buf))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	p, err := g.PageAt(addr)
	if err != nil {
		return err
	}

	src := g.MapReadOnly(p)
	if src == nil {
		src = zeroPage
	}

	copy(buf, src[off:])

	return nil
}

// Reset brings memory back to its power-on state: RAM and device memory
// become zero pages, shadow bodies are dropped and every ROM reads its
// virgin body again.
func (g *Registry) Reset() error {
	if g.Engaged() {
		return errRegistryEngaged
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var err error

	g.index.each(func(r *Range) bool {
		for i := 0; i < r.NumPages() && err == nil; i++ {
			if rp := r.Rom(i); rp != nil {
				err = resetRomPage(g, rp)

				continue
			}

			if p := r.Page(i); p.data != nil {
				p.state = StateAllocated
				err = g.FreePage(p)
			}
		}

		return err == nil
	})

	return err
}

func resetRomPage(g *Registry, rp *RomPage) error {
	rp.Info = RomPageInfo{}

	if rp.Virgin.kind != KindROMShadow {
		return nil
	}

	rp.Prot = ProtReadROMWriteIgnore
	rp.Shadow.state = StateAllocated

	return g.FreePage(&rp.Shadow)
}
