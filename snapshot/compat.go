package snapshot

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/bobuhiro11/pgmsnap/memory"
	"github.com/bobuhiro11/pgmsnap/record"
)

// Versions 1 and 2 predate page kinds in the stream. Every range is
// written page by page as a state byte and, for non-zero pages, the page.
// ROM lived in one fixed window below 4 GiB; pages in that window carry a
// protection byte and both bodies, active first.
const (
	legacyROMBase = 0xfff80000
	legacyROMEnd  = 0x100000000

	legacyPageZero = 0
	legacyPageRaw  = 1
)

type unitCodec struct {
	version uint32
	load    func(l *loader, r io.Reader) error
	save    func(m *Manager, w io.Writer) error
}

// unitCodecs lists the readable versions, newest first.
var unitCodecs = []unitCodec{
	{version: UnitVersion, load: loadCurrent, save: (*Manager).saveFull},
	{version: 2, load: loadLegacyV2, save: saveLegacyV2},
	{version: 1, load: loadLegacyV1, save: saveLegacyV1},
}

func lookupVersion(version uint32) (unitCodec, error) {
	for _, c := range unitCodecs {
		if c.version == version {
			return c, nil
		}
	}

	return unitCodec{}, fmt.Errorf("%w: %s v%d", ErrUnsupportedVersion, UnitName, version)
}

// Versions returns the unit versions this build reads, newest first.
func Versions() []uint32 {
	vs := make([]uint32, len(unitCodecs))
	for i, c := range unitCodecs {
		vs[i] = c.version
	}

	return vs
}

func inLegacyROM(addr uint64) bool { return addr >= legacyROMBase && addr < legacyROMEnd }

// LegacyRange is a range header of a version 1 or 2 unit.
type LegacyRange struct {
	Base     uint64
	Last     uint64
	Size     uint64
	Desc     string
	HaveBits bool
}

func (lr LegacyRange) String() string {
	return fmt.Sprintf("%q [%#x-%#x] bits=%t", lr.Desc, lr.Base, lr.Last, lr.HaveBits)
}

// parseLegacy walks a legacy unit. onRange sees every range header and
// returns whether the pages of that range are wanted; onRecord sees them
// as page records.
func parseLegacy(r io.Reader, withDesc bool, onRange func(LegacyRange) (bool, error), onRecord func(record.Record) error) error {
	rd := &wireReader{r: r}
	page := make([]byte, memory.PageSize)

	n := rd.u32()

	for k := uint32(0); k < n && rd.err == nil; k++ {
		lr := LegacyRange{Base: rd.u64(), Last: rd.u64(), Size: rd.u64()}
		if withDesc {
			lr.Desc = rd.str(int(rd.u8()))
		}

		lr.HaveBits = rd.u8() != 0

		if rd.err != nil {
			break
		}

		if lr.Base&memory.PageMask != 0 || lr.Size&memory.PageMask != 0 || lr.Size == 0 || lr.Last != lr.Base+lr.Size-1 {
			return fmt.Errorf("%w: legacy range %v", record.ErrFormat, lr)
		}

		want, err := onRange(lr)
		if err != nil {
			return err
		}

		if !lr.HaveBits {
			continue
		}

		emit := func(rec record.Record) error {
			if rd.err != nil || !want {
				return rd.err
			}

			return onRecord(rec)
		}

		for addr := lr.Base; addr <= lr.Last && rd.err == nil; addr += memory.PageSize {
			if !inLegacyROM(addr) {
				data, err := legacyEntry(rd, page)
				if err != nil {
					return err
				}

				rec := record.Record{Tag: record.TagZero, Addr: addr, Explicit: true}
				if data != nil {
					rec.Tag, rec.Data = record.TagRaw, data
				}

				if err := emit(rec); err != nil {
					return err
				}

				continue
			}

			prot := memory.Prot(rd.u8())
			if rd.err == nil && !prot.Valid() {
				return fmt.Errorf("%w: legacy ROM page %#x with protection %d", record.ErrFormat, addr, prot)
			}

			active := memory.SideVirgin
			if !prot.IsROM() {
				active = memory.SideShadow
			}

			for _, side := range []memory.Side{active, active.Other()} {
				data, err := legacyEntry(rd, page)
				if err != nil {
					return err
				}

				if err := emit(legacyRomRecord(addr, prot, side, data)); err != nil {
					return err
				}
			}
		}
	}

	if rd.err != nil {
		return fmt.Errorf("legacy unit: %w", rd.err)
	}

	return nil
}

// legacyEntry reads one page entry into page. It returns nil for zero
// pages.
func legacyEntry(rd *wireReader, page []byte) ([]byte, error) {
	switch st := rd.u8(); {
	case rd.err != nil:
		return nil, nil
	case st == legacyPageZero:
		return nil, nil
	case st == legacyPageRaw:
		rd.bytes(page)

		return page, nil
	default:
		return nil, fmt.Errorf("%w: legacy page state %d", record.ErrFormat, st)
	}
}

func legacyRomRecord(addr uint64, prot memory.Prot, side memory.Side, data []byte) record.Record {
	rec := record.Record{Addr: addr, Explicit: true, Prot: prot, Data: data}

	switch {
	case side == memory.SideVirgin:
		rec.Tag = record.TagROMVirgin
		if data == nil {
			rec.Data = memory.ZeroPage()
		}
	case data == nil:
		rec.Tag = record.TagROMShadowZero
	default:
		rec.Tag = record.TagROMShadow
	}

	return rec
}

func loadLegacyV1(l *loader, r io.Reader) error { return loadLegacy(l, r, false) }

func loadLegacyV2(l *loader, r io.Reader) error { return loadLegacy(l, r, true) }

// loadLegacy matches every saved range against the live one at the same
// base and trusts the live page kinds.
func loadLegacy(l *loader, r io.Reader, withDesc bool) error {
	seen := map[uint64]bool{}

	onRange := func(lr LegacyRange) (bool, error) {
		seen[lr.Base] = true

		live, err := l.reg.RangeAt(lr.Base)

		switch {
		case err != nil || live.Base != lr.Base:
			err = fmt.Errorf("%w: saved range %v is missing", ErrConfigMismatch, lr)
		case live.Last != lr.Last || live.Size != lr.Size:
			err = fmt.Errorf("%w: saved range %v, have [%#x-%#x]", ErrConfigMismatch, lr, live.Base, live.Last)
		case withDesc && live.Name != lr.Desc:
			err = fmt.Errorf("%w: saved range %v, have %q", ErrConfigMismatch, lr, live.Name)
		default:
			return true, nil
		}

		return false, l.mismatch(lr.Base, err)
	}

	onRecord := func(rec record.Record) error { return l.apply(rec, true) }

	if err := parseLegacy(r, withDesc, onRange, onRecord); err != nil {
		return err
	}

	var err error

	l.reg.ForEachRange(func(live *memory.Range) bool {
		if !seen[live.Base] {
			err = l.mismatch(live.Base, fmt.Errorf("%w: range %s [%#x-%#x] not in stream", ErrConfigMismatch, live.Name, live.Base, live.Last))
		}

		return err == nil
	})

	return err
}

func saveLegacyV1(m *Manager, w io.Writer) error { return m.saveLegacy(w, false) }

func saveLegacyV2(m *Manager, w io.Writer) error { return m.saveLegacy(w, true) }

func (m *Manager) saveLegacy(w io.Writer, withDesc bool) error {
	m.reg.Lock()
	defer m.reg.Unlock()

	ww := &wireWriter{w: w}
	ww.u32(uint32(m.reg.NumRanges()))

	m.reg.ForEachRange(func(r *memory.Range) bool {
		ww.u64(r.Base)
		ww.u64(r.Last)
		ww.u64(r.Size)

		if withDesc {
			name := r.Name
			if len(name) > maxNameLen {
				name = name[:maxNameLen]
			}

			ww.u8(uint8(len(name)))
			ww.str(name)
		}

		if !r.HasBacking() {
			ww.u8(0)

			return ww.err == nil
		}

		ww.u8(1)

		for i := 0; i < r.NumPages() && ww.err == nil; i++ {
			m.saveLegacyPage(ww, r, i)
		}

		return ww.err == nil
	})

	if err := ww.flush(); err != nil {
		return err
	}

	m.log.Info("memory saved in legacy format", zap.Bool("descriptions", withDesc))

	return nil
}

func (m *Manager) saveLegacyPage(ww *wireWriter, r *memory.Range, i int) {
	if !inLegacyROM(r.Addr(i)) {
		m.writeLegacyEntry(ww, r.Page(i))

		return
	}

	rp := r.Rom(i)
	if rp == nil {
		ww.u8(uint8(memory.ProtReadROMWriteIgnore))
		m.writeLegacyEntry(ww, r.Page(i))
		ww.u8(legacyPageZero)

		return
	}

	ww.u8(uint8(rp.Prot))
	m.writeLegacyEntry(ww, rp.Active())

	if rp.Virgin.Kind() == memory.KindROMShadow {
		m.writeLegacyEntry(ww, rp.Passive())
	} else {
		ww.u8(legacyPageZero)
	}
}

func (m *Manager) writeLegacyEntry(ww *wireWriter, p *memory.Page) {
	data := m.reg.MapReadOnly(p)
	if data == nil || p.State() == memory.StateZero || record.IsZeroPage(data) {
		ww.u8(legacyPageZero)

		return
	}

	ww.u8(legacyPageRaw)
	ww.raw(data)
}
