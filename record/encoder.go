package record

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bobuhiro11/pgmsnap/memory"
)

// Encoder writes page records. The first record after NewEncoder or Reset
// always carries an explicit address.
type Encoder struct {
	w    io.Writer
	hdr  [10]byte
	last uint64
	have bool

	records int
	bytes   int64
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// Reset forgets the previous address so the next record is self contained.
func (e *Encoder) Reset() { e.have = false }

// Records returns the number of records written, END included.
func (e *Encoder) Records() int { return e.records }

// Bytes returns the number of bytes written.
func (e *Encoder) Bytes() int64 { return e.bytes }

// Zero writes a ZERO record.
func (e *Encoder) Zero(addr uint64) error { return e.put(TagZero, addr, 0, nil) }

// Raw writes a RAW record. data must be one page.
func (e *Encoder) Raw(addr uint64, data []byte) error { return e.put(TagRaw, addr, 0, data) }

// RAM writes a RAM or MMIO2 page, eliding it to ZERO when its state is zero
// or its content is.
func (e *Encoder) RAM(addr uint64, state memory.State, data []byte) error {
	if state == memory.StateZero || data == nil || IsZeroPage(data) {
		return e.Zero(addr)
	}

	return e.Raw(addr, data)
}

// ROMVirgin writes the virgin body of a ROM page. It is never elided.
func (e *Encoder) ROMVirgin(addr uint64, prot memory.Prot, data []byte) error {
	if data == nil {
		data = memory.ZeroPage()
	}

	return e.put(TagROMVirgin, addr, prot, data)
}

// ROMShadow writes the shadow body of a ROM page, as ROM_SHADOW_ZERO when
// its state is zero. The guest maps an active body, so only a passive one
// is also elided by content.
func (e *Encoder) ROMShadow(addr uint64, prot memory.Prot, state memory.State, data []byte, active bool) error {
	if state == memory.StateZero || data == nil || (!active && IsZeroPage(data)) {
		return e.put(TagROMShadowZero, addr, prot, nil)
	}

	return e.put(TagROMShadow, addr, prot, data)
}

// ROMProt records a protection change with no content.
func (e *Encoder) ROMProt(addr uint64, prot memory.Prot) error {
	return e.put(TagROMProt, addr, prot, nil)
}

// End terminates the unit and resets the address chain.
func (e *Encoder) End() error {
	e.hdr[0] = byte(TagEnd)
	if err := e.write(e.hdr[:1]); err != nil {
		return err
	}

	e.records++
	e.have = false

	return nil
}

// Write writes rec verbatim, with its own tag.
func (e *Encoder) Write(rec Record) error {
	if rec.Tag == TagEnd {
		return e.End()
	}

	return e.put(rec.Tag, rec.Addr, rec.Prot, rec.Data)
}

func (e *Encoder) put(tag Tag, addr uint64, prot memory.Prot, data []byte) error {
	if addr&memory.PageMask != 0 {
		return fmt.Errorf("%w: %s at unaligned address %#x", ErrFormat, tag, addr)
	}

	if tag.HasProt() && !prot.Valid() {
		return fmt.Errorf("%w: %s at %#x with protection %d", ErrFormat, tag, addr, prot)
	}

	if tag.HasData() && len(data) != memory.PageSize {
		return fmt.Errorf("%w: %s at %#x with %d bytes", ErrFormat, tag, addr, len(data))
	}

	n := 1
	e.hdr[0] = byte(tag)

	if !e.have || addr != e.last+memory.PageSize {
		e.hdr[0] |= FlagAddr
		binary.LittleEndian.PutUint64(e.hdr[1:9], addr)
		n = 9
	}

	if tag.HasProt() {
		e.hdr[n] = byte(prot)
		n++
	}

	if err := e.write(e.hdr[:n]); err != nil {
		return err
	}

	if tag.HasData() {
		if err := e.write(data); err != nil {
			return err
		}
	}

	e.last = addr
	e.have = true
	e.records++

	return nil
}

func (e *Encoder) write(b []byte) error {
	n, err := e.w.Write(b)
	e.bytes += int64(n)

	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	return nil
}
