package snapshot

import (
	"io"

	"go.uber.org/zap"

	"github.com/bobuhiro11/pgmsnap/logging"
	"github.com/bobuhiro11/pgmsnap/memory"
	"github.com/bobuhiro11/pgmsnap/record"
)

// writeHeader writes the unit header byte, and the layout when hdr asks
// for it.
func (m *Manager) writeHeader(w io.Writer, hdr byte) error {
	ww := &wireWriter{w: w}
	ww.u8(hdr)

	if hdr&headerLayout != 0 {
		m.reg.Lock()
		writeLayout(ww, describeAll(m.reg))
		m.reg.Unlock()
	}

	return ww.flush()
}

// saveFull writes every page once with the registry locked for the whole
// walk. The guest must be paused.
func (m *Manager) saveFull(w io.Writer) error {
	m.reg.Lock()
	defer m.reg.Unlock()

	ww := &wireWriter{w: w}
	ww.u8(headerLayout)
	writeLayout(ww, describeAll(m.reg))

	if err := ww.flush(); err != nil {
		return err
	}

	enc := record.NewEncoder(w)

	var (
		err   error
		guest uint64
	)

	m.reg.ForEachRange(func(r *memory.Range) bool {
		guest += r.Size

		for i := 0; i < r.NumPages() && err == nil; i++ {
			err = m.savePage(enc, r, i)
		}

		return err == nil
	})

	if err != nil {
		return err
	}

	if err := enc.End(); err != nil {
		return err
	}

	m.log.Info("memory saved",
		logging.Size("guest", guest),
		logging.Size("stream", uint64(enc.Bytes())),
		zap.Int("records", enc.Records()))

	return nil
}

func (m *Manager) savePage(enc *record.Encoder, r *memory.Range, i int) error {
	addr := r.Addr(i)
	p := r.Page(i)

	switch p.Kind() {
	case memory.KindRAM, memory.KindMMIO2:
		return enc.RAM(addr, p.State(), m.reg.MapReadOnly(p))
	case memory.KindROM:
		rp := r.Rom(i)

		return enc.ROMVirgin(addr, rp.Prot, m.reg.MapReadOnly(&rp.Virgin))
	case memory.KindROMShadow:
		rp := r.Rom(i)
		active := rp.ActiveSide()

		if err := m.saveBody(enc, addr, rp, active); err != nil {
			return err
		}

		return m.saveBody(enc, addr, rp, active.Other())
	case memory.KindMMIO, memory.KindMMIO2AliasMMIO, memory.KindInvalid:
	}

	return nil
}

func (m *Manager) saveBody(enc *record.Encoder, addr uint64, rp *memory.RomPage, side memory.Side) error {
	p := rp.Body(side)

	if side == memory.SideVirgin {
		return enc.ROMVirgin(addr, rp.Prot, m.reg.MapReadOnly(p))
	}

	return enc.ROMShadow(addr, rp.Prot, p.State(), m.reg.MapReadOnly(p), side == rp.ActiveSide())
}
