package snapshot

import (
	"fmt"
	"io"

	"github.com/bobuhiro11/pgmsnap/memory"
)

// headerLayout in the unit header byte means a layout preamble follows.
const headerLayout = 1 << 0

const maxNameLen = 255

// Run is a stretch of pages of one kind.
type Run struct {
	Kind  memory.Kind
	Count uint32
}

// RangeDesc describes a range in the layout preamble.
type RangeDesc struct {
	Base uint64
	Size uint64
	Name string
	Runs []Run
}

func (d RangeDesc) String() string {
	return fmt.Sprintf("%s [%#x-%#x] %v", d.Name, d.Base, d.Base+d.Size-1, d.Runs)
}

func (r Run) String() string { return fmt.Sprintf("%dx%v", r.Count, r.Kind) }

func equalRuns(a, b []Run) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// describe returns the layout of r. Aliased MMIO2 pages are recorded as
// plain MMIO; the device maps them again after a load. The caller holds
// the lock.
func describe(r *memory.Range) RangeDesc {
	d := RangeDesc{Base: r.Base, Size: r.Size, Name: r.Name}

	if len(d.Name) > maxNameLen {
		d.Name = d.Name[:maxNameLen]
	}

	for i := 0; i < r.NumPages(); i++ {
		k := r.Page(i).Kind()
		if k == memory.KindMMIO2AliasMMIO {
			k = memory.KindMMIO
		}

		if n := len(d.Runs); n > 0 && d.Runs[n-1].Kind == k {
			d.Runs[n-1].Count++

			continue
		}

		d.Runs = append(d.Runs, Run{Kind: k, Count: 1})
	}

	return d
}

func describeAll(reg *memory.Registry) []RangeDesc {
	var descs []RangeDesc

	reg.ForEachRange(func(r *memory.Range) bool {
		descs = append(descs, describe(r))

		return true
	})

	return descs
}

func writeLayout(ww *wireWriter, descs []RangeDesc) {
	ww.u32(uint32(len(descs)))

	for _, d := range descs {
		ww.u64(d.Base)
		ww.u64(d.Size)
		ww.u8(uint8(len(d.Name)))
		ww.str(d.Name)
		ww.u32(uint32(len(d.Runs)))

		for _, run := range d.Runs {
			ww.u8(uint8(run.Kind))
			ww.u32(run.Count)
		}
	}
}

func readLayout(r io.Reader) ([]RangeDesc, error) {
	rd := &wireReader{r: r}

	n := rd.u32()
	if rd.err != nil {
		return nil, rd.err
	}

	descs := make([]RangeDesc, 0, min(n, 1024))

	for i := uint32(0); i < n && rd.err == nil; i++ {
		d := RangeDesc{Base: rd.u64(), Size: rd.u64()}
		d.Name = rd.str(int(rd.u8()))

		runs := rd.u32()
		for j := uint32(0); j < runs && rd.err == nil; j++ {
			d.Runs = append(d.Runs, Run{Kind: memory.Kind(rd.u8()), Count: rd.u32()})
		}

		descs = append(descs, d)
	}

	if rd.err != nil {
		return nil, fmt.Errorf("layout: %w", rd.err)
	}

	return descs, nil
}

// verifyLayout checks the saved layout against the registry, matching
// ranges by base address.
func (l *loader) verifyLayout(saved []RangeDesc) error {
	seen := make(map[uint64]bool, len(saved))

	for _, d := range saved {
		seen[d.Base] = true

		r, err := l.reg.RangeAt(d.Base)
		if err != nil || r.Base != d.Base {
			if err := l.mismatch(d.Base, fmt.Errorf("%w: saved range %v is missing", ErrConfigMismatch, d)); err != nil {
				return err
			}

			l.skip.add(d.Base, d.Base+d.Size-1)

			continue
		}

		live := describe(r)
		if live.Size != d.Size || live.Name != d.Name || !equalRuns(live.Runs, d.Runs) {
			err := fmt.Errorf("%w: saved range %v, have %v", ErrConfigMismatch, d, live)
			if err := l.mismatch(d.Base, err); err != nil {
				return err
			}

			l.skip.add(d.Base, d.Base+d.Size-1)
			l.skip.add(r.Base, r.Last)
		}
	}

	var err error

	l.reg.ForEachRange(func(r *memory.Range) bool {
		if !seen[r.Base] {
			err = l.mismatch(r.Base, fmt.Errorf("%w: range %s [%#x-%#x] not in stream", ErrConfigMismatch, r.Name, r.Base, r.Last))
			if err == nil {
				l.skip.add(r.Base, r.Last)
			}
		}

		return err == nil
	})

	return err
}
