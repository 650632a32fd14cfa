package snapshot

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/bobuhiro11/pgmsnap/config"
	"github.com/bobuhiro11/pgmsnap/memory"
	"github.com/bobuhiro11/pgmsnap/record"
)

var errBadHeader = errors.New("bad unit header")

// loader replays a unit into the registry. The registry lock is held for
// its whole life.
type loader struct {
	reg *memory.Registry
	cfg config.Config
	log *zap.Logger

	// skip holds the saved ranges a best-effort load dropped. It outlives
	// the loader: later passes of a live stream carry no layout.
	skip *skipSet

	records int
	skipped int
}

type addrRange struct{ first, last uint64 }

type skipSet []addrRange

func (s *skipSet) add(first, last uint64) {
	if last >= first {
		*s = append(*s, addrRange{first, last})
	}
}

func (s *skipSet) contains(addr uint64) bool {
	if s == nil {
		return false
	}

	for _, r := range *s {
		if addr >= r.first && addr <= r.last {
			return true
		}
	}

	return false
}

// mismatch decides the fate of a stream that does not fit the VM at addr.
// A best-effort load skips it when addr is below the low memory threshold;
// everything else is fatal.
func (l *loader) mismatch(addr uint64, err error) error {
	if !l.cfg.BestEffortLoad || addr >= l.cfg.LowMemThreshold {
		return err
	}

	l.skipped++
	l.log.Warn("best-effort load: skipping mismatch", zap.Uint64("addr", addr), zap.Error(err))

	return nil
}

func loadCurrent(l *loader, r io.Reader) error {
	rd := &wireReader{r: r}

	hdr := rd.u8()
	if rd.err != nil {
		return rd.err
	}

	if hdr&^headerLayout != 0 {
		return fmt.Errorf("%w: %w %#x", record.ErrFormat, errBadHeader, hdr)
	}

	if hdr&headerLayout != 0 {
		descs, err := readLayout(r)
		if err != nil {
			return err
		}

		if err := l.verifyLayout(descs); err != nil {
			return err
		}
	}

	dec := record.NewDecoder(r)

	for {
		rec, err := dec.Next()
		if err != nil {
			return err
		}

		if rec.Tag == record.TagEnd {
			return nil
		}

		if err := l.apply(rec, false); err != nil {
			return err
		}
	}
}

// apply writes rec into guest memory. With trust set the record type is
// not checked against the page kind: legacy streams carry no kinds.
func (l *loader) apply(rec record.Record, trust bool) error {
	l.records++

	if l.skip.contains(rec.Addr) {
		l.skipped++

		return nil
	}

	r, i, err := l.reg.Lookup(rec.Addr)
	if err != nil {
		return l.mismatch(rec.Addr, err)
	}

	kind := memory.KindInvalid
	if !trust {
		kind = r.Page(i).Kind()
	}

	if err := record.CheckKind(rec, kind); err != nil {
		return l.mismatch(rec.Addr, err)
	}

	if err := l.write(r, i, rec); err != nil {
		return l.mismatch(rec.Addr, fmt.Errorf("%s at %#x: %w", rec.Tag, rec.Addr, err))
	}

	return nil
}

func (l *loader) write(r *memory.Range, i int, rec record.Record) error {
	rp := r.Rom(i)

	switch rec.Tag {
	case record.TagZero, record.TagRaw:
		return l.fill(r.Page(i), rec)
	case record.TagROMVirgin, record.TagROMShadow, record.TagROMShadowZero:
		side := memory.SideShadow
		if rec.Tag == record.TagROMVirgin {
			side = memory.SideVirgin
		}

		switch {
		case rp == nil:
			// Legacy ROM window over a non-ROM page: only the body the
			// guest reads has somewhere to go.
			if rec.Prot.IsROM() != (side == memory.SideVirgin) {
				return nil
			}

			return l.fill(r.Page(i), rec)
		case rp.Virgin.Kind() == memory.KindROM:
			if side != memory.SideVirgin {
				return nil
			}

			return l.fill(&rp.Virgin, rec)
		}

		if err := l.fill(rp.Body(side), rec); err != nil {
			return err
		}

		return l.reg.SetProtection(rec.Addr, memory.PageSize, rec.Prot)
	case record.TagROMProt:
		if rp == nil || rp.Virgin.Kind() != memory.KindROMShadow {
			return nil
		}

		return l.reg.SetProtection(rec.Addr, memory.PageSize, rec.Prot)
	case record.TagEnd:
	}

	return nil
}

func (l *loader) fill(p *memory.Page, rec record.Record) error {
	if rec.Data == nil {
		return l.reg.FreePage(p)
	}

	buf, err := l.reg.MakeWritable(p)
	if err != nil {
		return err
	}

	copy(buf, rec.Data)

	return nil
}
