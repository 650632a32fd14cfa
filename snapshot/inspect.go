package snapshot

import (
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"

	"github.com/bobuhiro11/pgmsnap/record"
)

// Visitor receives the parts of a unit. Nil fields are skipped.
type Visitor struct {
	Layout func(descs []RangeDesc) error
	Range  func(lr LegacyRange) error
	Record func(rec record.Record) error
}

// Inspect walks one stored unit of the given version without loading it.
// Record.Data is only valid during the callback.
func Inspect(r io.Reader, version uint32, v Visitor) error {
	if _, err := lookupVersion(version); err != nil {
		return err
	}

	onRecord := func(rec record.Record) error {
		if v.Record == nil {
			return nil
		}

		return v.Record(rec)
	}

	if version != UnitVersion {
		onRange := func(lr LegacyRange) (bool, error) {
			if v.Range == nil {
				return true, nil
			}

			return true, v.Range(lr)
		}

		return parseLegacy(r, version >= 2, onRange, onRecord)
	}

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

		if v.Layout != nil {
			if err := v.Layout(descs); err != nil {
				return err
			}
		}
	}

	dec := record.NewDecoder(r)

	for {
		rec, err := dec.Next()
		if err != nil {
			return err
		}

		if err := onRecord(rec); err != nil {
			return err
		}

		if rec.Tag == record.TagEnd {
			return nil
		}
	}
}

// ResetVectorOffset is where a 16-bit CPU starts executing inside the last
// page of the BIOS.
const ResetVectorOffset = 0xff0

// DisassembleROM decodes up to limit real-mode instructions from code,
// which is loaded at pc.
func DisassembleROM(code []byte, pc uint64, limit int) ([]string, error) {
	var lines []string

	for len(code) > 0 && len(lines) < limit {
		inst, err := x86asm.Decode(code, 16)
		if err != nil {
			return lines, fmt.Errorf("decode at %#x: %w", pc, err)
		}

		lines = append(lines, fmt.Sprintf("%#08x  %s", pc, x86asm.IntelSyntax(inst, pc, nil)))

		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}

	return lines, nil
}
