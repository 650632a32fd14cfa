package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/pgmsnap/record"
)

// wireReader reads little-endian integers and keeps the first error.
type wireReader struct {
	r   io.Reader
	buf [8]byte
	err error
}

func (rd *wireReader) fill(n int) []byte {
	if rd.err != nil {
		return rd.buf[:n]
	}

	if _, err := io.ReadFull(rd.r, rd.buf[:n]); err != nil {
		rd.err = wireErr(err)
	}

	return rd.buf[:n]
}

func (rd *wireReader) u8() uint8 { return rd.fill(1)[0] }

func (rd *wireReader) u32() uint32 { return binary.LittleEndian.Uint32(rd.fill(4)) }

func (rd *wireReader) u64() uint64 { return binary.LittleEndian.Uint64(rd.fill(8)) }

// bytes reads exactly len(b) bytes into b.
func (rd *wireReader) bytes(b []byte) {
	if rd.err != nil {
		return
	}

	if _, err := io.ReadFull(rd.r, b); err != nil {
		rd.err = wireErr(err)
	}
}

func (rd *wireReader) str(n int) string {
	b := make([]byte, n)
	rd.bytes(b)

	return string(b)
}

func wireErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated: %w", record.ErrFormat, err)
	}

	return fmt.Errorf("read unit: %w", err)
}

// wireWriter appends little-endian integers and keeps the first error.
type wireWriter struct {
	w   io.Writer
	buf []byte
	err error
}

func (ww *wireWriter) u8(v uint8) { ww.buf = append(ww.buf, v) }

func (ww *wireWriter) u32(v uint32) { ww.buf = binary.LittleEndian.AppendUint32(ww.buf, v) }

func (ww *wireWriter) u64(v uint64) { ww.buf = binary.LittleEndian.AppendUint64(ww.buf, v) }

func (ww *wireWriter) str(s string) { ww.buf = append(ww.buf, s...) }

func (ww *wireWriter) raw(b []byte) {
	ww.flush()

	if ww.err != nil {
		return
	}

	if _, err := ww.w.Write(b); err != nil {
		ww.err = fmt.Errorf("write unit: %w", err)
	}
}

func (ww *wireWriter) flush() error {
	if ww.err == nil && len(ww.buf) > 0 {
		if _, err := ww.w.Write(ww.buf); err != nil {
			ww.err = fmt.Errorf("write unit: %w", err)
		}
	}

	ww.buf = ww.buf[:0]

	return ww.err
}
