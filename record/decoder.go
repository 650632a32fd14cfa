package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/pgmsnap/memory"
)

// Decoder reads page records produced by an Encoder.
type Decoder struct {
	r    io.Reader
	hdr  [9]byte
	page []byte
	last uint64
	have bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, page: make([]byte, memory.PageSize)}
}

// Next returns the next record. Record.Data aliases a buffer owned by the
// decoder and is only valid until the following call. After END the
// address chain restarts.
func (d *Decoder) Next() (Record, error) {
	if err := d.read(d.hdr[:1]); err != nil {
		return Record{}, err
	}

	raw := d.hdr[0]
	if Tag(raw) == TagEnd {
		d.have = false

		return Record{Tag: TagEnd}, nil
	}

	rec := Record{Tag: Tag(raw &^ FlagAddr)}
	if rec.Tag > tagLast {
		return Record{}, fmt.Errorf("%w: unknown tag %#x", ErrFormat, raw)
	}

	switch {
	case raw&FlagAddr != 0:
		if err := d.read(d.hdr[1:9]); err != nil {
			return Record{}, err
		}

		rec.Addr = binary.LittleEndian.Uint64(d.hdr[1:9])
		rec.Explicit = true

		if rec.Addr&memory.PageMask != 0 {
			return Record{}, fmt.Errorf("%w: %s at unaligned address %#x", ErrFormat, rec.Tag, rec.Addr)
		}
	case d.have:
		rec.Addr = d.last + memory.PageSize
	default:
		return Record{}, fmt.Errorf("%w: %s without a preceding address", ErrFormat, rec.Tag)
	}

	if rec.Tag.HasProt() {
		if err := d.read(d.hdr[:1]); err != nil {
			return Record{}, err
		}

		rec.Prot = memory.Prot(d.hdr[0])
		if !rec.Prot.Valid() {
			return Record{}, fmt.Errorf("%w: %s at %#x with protection %d", ErrFormat, rec.Tag, rec.Addr, rec.Prot)
		}
	}

	if rec.Tag.HasData() {
		if err := d.read(d.page); err != nil {
			return Record{}, err
		}

		rec.Data = d.page
	}

	d.last = rec.Addr
	d.have = true

	return rec, nil
}

func (d *Decoder) read(b []byte) error {
	_, err := io.ReadFull(d.r, b)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: truncated: %w", ErrFormat, err)
	default:
		return fmt.Errorf("read record: %w", err)
	}
}
