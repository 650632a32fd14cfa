package record_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/bobuhiro11/pgmsnap/memory"
	"github.com/bobuhiro11/pgmsnap/record"
)

func page(b byte) []byte { return bytes.Repeat([]byte{b}, memory.PageSize) }

func decodeAll(t *testing.T, b []byte) []record.Record {
	t.Helper()

	dec := record.NewDecoder(bytes.NewReader(b))

	var recs []record.Record

	for {
		rec, err := dec.Next()
		require.NoError(t, err)

		if rec.Data != nil {
			rec.Data = append([]byte(nil), rec.Data...)
		}

		recs = append(recs, rec)

		if rec.Tag == record.TagEnd {
			return recs
		}
	}
}

func TestZeroPageAtExplicitAddress(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	enc := record.NewEncoder(&buf)
	require.NoError(t, enc.RAM(0x1000, memory.StateAllocated, make([]byte, memory.PageSize)))

	want := []byte{0x80, 0x00, 0x10, 0, 0, 0, 0, 0, 0}
	require.Equal(t, want, buf.Bytes())

	rec, err := record.NewDecoder(bytes.NewReader(buf.Bytes())).Next()
	require.NoError(t, err)
	require.Equal(t, record.Record{Tag: record.TagZero, Addr: 0x1000, Explicit: true}, rec)
}

func TestZeroElisionIsStable(t *testing.T) {
	t.Parallel()

	encode := func(state memory.State, data []byte) []byte {
		var buf bytes.Buffer

		enc := record.NewEncoder(&buf)
		require.NoError(t, enc.RAM(0x2000, state, data))
		require.NoError(t, enc.RAM(0x2000, state, data))

		return buf.Bytes()
	}

	fromZero := encode(memory.StateZero, nil)
	fromAllocated := encode(memory.StateAllocated, make([]byte, memory.PageSize))

	require.Equal(t, fromZero, fromAllocated)
	require.Len(t, fromZero, 18)
	require.Equal(t, fromZero[:9], fromZero[9:])
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	enc := record.NewEncoder(&buf)
	require.NoError(t, enc.Raw(0x0, page(1)))
	require.NoError(t, enc.Zero(0x1000))
	require.NoError(t, enc.RAM(0x2000, memory.StateAllocated, page(2)))
	require.NoError(t, enc.ROMVirgin(0xf0000, memory.ProtReadROMWriteIgnore, page(0xaa)))
	require.NoError(t, enc.ROMShadow(0xf0000, memory.ProtReadROMWriteIgnore, memory.StateAllocated, page(0xbb), false))
	require.NoError(t, enc.ROMShadow(0xf1000, memory.ProtReadRAMWriteRAM, memory.StateZero, nil, true))
	require.NoError(t, enc.ROMProt(0xf2000, memory.ProtReadRAMWriteIgnore))
	require.NoError(t, enc.End())

	want := []record.Record{
		{Tag: record.TagRaw, Addr: 0x0, Explicit: true, Data: page(1)},
		{Tag: record.TagZero, Addr: 0x1000},
		{Tag: record.TagRaw, Addr: 0x2000, Data: page(2)},
		{Tag: record.TagROMVirgin, Addr: 0xf0000, Explicit: true, Prot: memory.ProtReadROMWriteIgnore, Data: page(0xaa)},
		{Tag: record.TagROMShadow, Addr: 0xf0000, Explicit: true, Prot: memory.ProtReadROMWriteIgnore, Data: page(0xbb)},
		{Tag: record.TagROMShadowZero, Addr: 0xf1000, Prot: memory.ProtReadRAMWriteRAM},
		{Tag: record.TagROMProt, Addr: 0xf2000, Prot: memory.ProtReadRAMWriteIgnore},
		{Tag: record.TagEnd},
	}

	if diff := cmp.Diff(want, decodeAll(t, buf.Bytes())); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}

	require.Equal(t, len(want), enc.Records())
	require.Equal(t, int64(buf.Len()), enc.Bytes())
}

func TestVirginIsNeverElided(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	enc := record.NewEncoder(&buf)
	require.NoError(t, enc.ROMVirgin(0xc0000, memory.ProtReadROMWriteIgnore, make([]byte, memory.PageSize)))
	require.Equal(t, 1+8+1+memory.PageSize, buf.Len())
}

func TestShadowElision(t *testing.T) {
	t.Parallel()

	zeros := make([]byte, memory.PageSize)

	tests := []struct {
		name   string
		state  memory.State
		active bool
		want   record.Tag
	}{
		{name: "active allocated", state: memory.StateAllocated, active: true, want: record.TagROMShadow},
		{name: "active zero", state: memory.StateZero, active: true, want: record.TagROMShadowZero},
		{name: "passive allocated", state: memory.StateAllocated, want: record.TagROMShadowZero},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer

			enc := record.NewEncoder(&buf)
			require.NoError(t, enc.ROMShadow(0xf0000, memory.ProtReadRAMWriteRAM, tt.state, zeros, tt.active))
			require.NoError(t, enc.End())

			recs := decodeAll(t, buf.Bytes())
			require.Equal(t, tt.want, recs[0].Tag)
		})
	}
}

func TestFirstRecordAfterEndIsExplicit(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	enc := record.NewEncoder(&buf)
	require.NoError(t, enc.Zero(0x0))
	require.NoError(t, enc.End())
	require.NoError(t, enc.Zero(0x1000))

	require.Equal(t, byte(record.FlagAddr), buf.Bytes()[10])
}

func TestDecodeFormatErrors(t *testing.T) {
	t.Parallel()

	addr := func(a uint64) []byte {
		return []byte{byte(a), byte(a >> 8), byte(a >> 16), byte(a >> 24), byte(a >> 32), byte(a >> 40), byte(a >> 48), byte(a >> 56)}
	}

	tests := []struct {
		name string
		in   []byte
	}{
		{name: "unknown tag", in: append([]byte{0x86}, addr(0)...)},
		{name: "unaligned address", in: append([]byte{0x80}, addr(0x1001)...)},
		{name: "no predecessor", in: []byte{0x00}},
		{name: "invalid protection", in: append(append([]byte{0x85}, addr(0xf0000)...), 0)},
		{name: "protection out of range", in: append(append([]byte{0x84}, addr(0xf0000)...), 9)},
		{name: "truncated address", in: []byte{0x80, 0x00, 0x10}},
		{name: "truncated page", in: append(append([]byte{0x81}, addr(0)...), 1, 2, 3)},
		{name: "empty", in: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := record.NewDecoder(bytes.NewReader(tt.in)).Next()
			require.ErrorIs(t, err, record.ErrFormat)
		})
	}
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestDecodePropagatesIOErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	_, err := record.NewDecoder(failingReader{err: boom}).Next()
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, record.ErrFormat)

	_, err = record.NewDecoder(io.MultiReader()).Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestEncodeRejects(t *testing.T) {
	t.Parallel()

	enc := record.NewEncoder(io.Discard)
	require.ErrorIs(t, enc.Zero(0x10), record.ErrFormat)
	require.ErrorIs(t, enc.Raw(0x0, []byte{1}), record.ErrFormat)
	require.ErrorIs(t, enc.ROMProt(0x0, memory.ProtInvalid), record.ErrFormat)
}

func TestCheckKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tag  record.Tag
		kind memory.Kind
		ok   bool
	}{
		{record.TagZero, memory.KindRAM, true},
		{record.TagRaw, memory.KindMMIO2, true},
		{record.TagRaw, memory.KindROM, false},
		{record.TagZero, memory.KindMMIO, false},
		{record.TagROMVirgin, memory.KindROM, true},
		{record.TagROMVirgin, memory.KindROMShadow, true},
		{record.TagROMVirgin, memory.KindRAM, false},
		{record.TagROMShadow, memory.KindROMShadow, true},
		{record.TagROMShadow, memory.KindROM, false},
		{record.TagROMShadowZero, memory.KindRAM, false},
		{record.TagROMProt, memory.KindROMShadow, true},
		{record.TagRaw, memory.KindInvalid, true},
		{record.TagROMShadow, memory.KindInvalid, true},
	}

	for _, tt := range tests {
		err := record.CheckKind(record.Record{Tag: tt.tag}, tt.kind)
		if tt.ok {
			require.NoError(t, err, "%s on %v", tt.tag, tt.kind)
		} else {
			require.ErrorIs(t, err, record.ErrKindMismatch, "%s on %v", tt.tag, tt.kind)
		}
	}
}

func TestIsZeroPage(t *testing.T) {
	t.Parallel()

	p := make([]byte, memory.PageSize)
	require.True(t, record.IsZeroPage(p))

	p[memory.PageSize-1] = 1
	require.False(t, record.IsZeroPage(p))
	require.True(t, record.IsZeroPage([]byte{0, 0, 0}))
}
