package snapshot_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bobuhiro11/pgmsnap/config"
	"github.com/bobuhiro11/pgmsnap/memory"
	"github.com/bobuhiro11/pgmsnap/record"
	"github.com/bobuhiro11/pgmsnap/snapshot"
)

const (
	biosBase = 0xf0000
	vgaBase  = 0xc0000
	mmioBase = 0xe0000000
	vramBase = 0xe1000000
)

// ---- helpers ----

func layout(image byte) []memory.RangeSpec {
	return []memory.RangeSpec{
		{Name: "ram", Base: 0, Size: 32 * memory.PageSize, Kind: memory.KindRAM},
		{Name: "vgarom", Base: vgaBase, Size: memory.PageSize, Kind: memory.KindROM, Image: []byte{0x55, image}},
		{Name: "bios", Base: biosBase, Size: 2 * memory.PageSize, Kind: memory.KindROM, Shadowed: true, Image: bytes.Repeat([]byte{image}, 2*memory.PageSize)},
		{Name: "mmio", Base: mmioBase, Size: 2 * memory.PageSize, Kind: memory.KindMMIO},
		{Name: "vram", Base: vramBase, Size: 2 * memory.PageSize, Kind: memory.KindMMIO2},
	}
}

func newVM(t *testing.T, specs []memory.RangeSpec) *memory.Registry {
	t.Helper()

	reg := memory.NewRegistry()
	t.Cleanup(func() { _ = reg.Close() })

	for _, s := range specs {
		_, err := reg.AddRange(s)
		require.NoError(t, err, s.Name)
	}

	return reg
}

func setProt(t *testing.T, reg *memory.Registry, addr uint64, prot memory.Prot) {
	t.Helper()

	reg.Lock()
	defer reg.Unlock()

	require.NoError(t, reg.SetProtection(addr, memory.PageSize, prot))
}

// newSource builds a VM with every kind of page content.
func newSource(t *testing.T) *memory.Registry {
	t.Helper()

	reg := newVM(t, layout(0xaa))

	for i := uint64(0); i < 10; i++ {
		require.NoError(t, reg.GuestWrite(i*memory.PageSize+i, []byte{byte(i + 1), 0xcc}))
	}

	// Allocated but all zero.
	require.NoError(t, reg.GuestWrite(10*memory.PageSize, []byte{0}))

	require.NoError(t, reg.GuestWrite(11*memory.PageSize, []byte{0x5e}))
	reg.Lock()
	p, err := reg.PageAt(11 * memory.PageSize)
	require.NoError(t, err)
	require.NoError(t, reg.SharePage(p))
	reg.Unlock()

	// bios page 0 reads ROM and writes the passive shadow; page 1 runs
	// from its shadow.
	setProt(t, reg, biosBase, memory.ProtReadROMWriteRAM)
	require.NoError(t, reg.GuestWrite(biosBase+8, []byte{0x44}))
	setProt(t, reg, biosBase+memory.PageSize, memory.ProtReadRAMWriteRAM)
	require.NoError(t, reg.GuestWrite(biosBase+memory.PageSize, []byte{0x33}))

	require.NoError(t, reg.AliasMMIO2(mmioBase+memory.PageSize))
	require.NoError(t, reg.GuestWrite(vramBase+memory.PageSize, []byte{0x42}))

	return reg
}

type pageDump struct {
	Kind   memory.Kind
	Prot   memory.Prot
	Active []byte
	Virgin []byte
	Shadow []byte
}

func content(reg *memory.Registry, p *memory.Page) []byte {
	data := reg.MapReadOnly(p)
	if data == nil || record.IsZeroPage(data) {
		return nil
	}

	return append([]byte(nil), data...)
}

// dump returns the guest visible content of every page. The MMIO2 alias
// is reported as MMIO since it is not carried across.
func dump(reg *memory.Registry) map[uint64]pageDump {
	reg.Lock()
	defer reg.Unlock()

	pages := map[uint64]pageDump{}

	reg.ForEachRange(func(r *memory.Range) bool {
		for i := 0; i < r.NumPages(); i++ {
			p := r.Page(i)
			d := pageDump{Kind: p.Kind()}

			if d.Kind == memory.KindMMIO2AliasMMIO {
				d.Kind = memory.KindMMIO
			}

			if rp := r.Rom(i); rp != nil {
				d.Prot = rp.Prot
				d.Virgin = content(reg, &rp.Virgin)
				d.Shadow = content(reg, &rp.Shadow)
			} else {
				d.Active = content(reg, p)
			}

			pages[r.Addr(i)] = d
		}

		return true
	})

	return pages
}

func newManager(reg *memory.Registry, cfg config.Config, hooks snapshot.Hooks) *snapshot.Manager {
	return snapshot.NewManager(reg, cfg, zap.NewNop(), hooks)
}

func load(t *testing.T, m *snapshot.Manager, version uint32, units ...[]byte) error {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, m.LoadPrep(ctx))

	for pass, u := range units {
		if err := m.LoadExec(ctx, bytes.NewReader(u), version, uint32(pass)); err != nil {
			return err
		}
	}

	return m.LoadDone(ctx)
}

func saveFull(t *testing.T, m *snapshot.Manager) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, m.SaveExec(context.Background(), &buf))
	require.NoError(t, m.SaveDone(context.Background()))

	return buf.Bytes()
}

func records(t *testing.T, unit []byte, version uint32) []record.Record {
	t.Helper()

	var recs []record.Record

	err := snapshot.Inspect(bytes.NewReader(unit), version, snapshot.Visitor{
		Record: func(rec record.Record) error {
			if rec.Data != nil {
				rec.Data = append([]byte(nil), rec.Data...)
			}

			recs = append(recs, rec)

			return nil
		},
	})
	require.NoError(t, err)

	return recs
}

type recordingHooks struct {
	calls []string
}

func (h *recordingHooks) ResetVM() error {
	h.calls = append(h.calls, "reset")

	return nil
}

func (h *recordingHooks) InvalidateMappings() error {
	h.calls = append(h.calls, "invalidate")

	return nil
}

func (h *recordingHooks) ResyncPaging() error {
	h.calls = append(h.calls, "resync")

	return nil
}

func (h *recordingHooks) SyncDirtyLog() error {
	h.calls = append(h.calls, "sync")

	return nil
}

// ---- tests ----

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	src := newSource(t)
	unit := saveFull(t, newManager(src, config.Default(), nil))

	dst := newVM(t, layout(0))
	hooks := &recordingHooks{}
	require.NoError(t, load(t, newManager(dst, config.Default(), hooks), snapshot.UnitVersion, unit))

	if diff := cmp.Diff(dump(src), dump(dst)); diff != "" {
		t.Errorf("memory mismatch (-saved +loaded):\n%s", diff)
	}

	require.Equal(t, []string{"reset", "invalidate", "resync"}, hooks.calls)
}

func TestLoadResetsMemoryFirst(t *testing.T) {
	t.Parallel()

	unit := saveFull(t, newManager(newVM(t, layout(0xaa)), config.Default(), nil))

	dst := newSource(t)
	require.NoError(t, load(t, newManager(dst, config.Default(), nil), snapshot.UnitVersion, unit))

	d := dump(dst)
	require.Nil(t, d[0].Active)
	require.Nil(t, d[biosBase].Shadow)
	require.Equal(t, memory.ProtReadROMWriteIgnore, d[biosBase+memory.PageSize].Prot)
	require.Nil(t, d[vramBase+memory.PageSize].Active)
}

func TestShadowROMRecords(t *testing.T) {
	t.Parallel()

	virgin := bytes.Repeat([]byte{0xaa}, memory.PageSize)
	reg := newVM(t, []memory.RangeSpec{
		{Name: "bios", Base: biosBase, Size: memory.PageSize, Kind: memory.KindROM, Shadowed: true, Image: virgin},
	})

	recs := records(t, saveFull(t, newManager(reg, config.Default(), nil)), snapshot.UnitVersion)

	want := []record.Record{
		{Tag: record.TagROMVirgin, Addr: biosBase, Explicit: true, Prot: memory.ProtReadROMWriteIgnore, Data: virgin},
		{Tag: record.TagROMShadowZero, Addr: biosBase, Explicit: true, Prot: memory.ProtReadROMWriteIgnore},
		{Tag: record.TagEnd},
	}

	if diff := cmp.Diff(want, recs); diff != "" {
		t.Errorf("records (-want +got):\n%s", diff)
	}
}

func TestActiveShadowIsSavedFirst(t *testing.T) {
	t.Parallel()

	reg := newVM(t, []memory.RangeSpec{
		{Name: "bios", Base: biosBase, Size: memory.PageSize, Kind: memory.KindROM, Shadowed: true, Image: []byte{1}},
	})
	setProt(t, reg, biosBase, memory.ProtReadRAMWriteRAM)
	require.NoError(t, reg.GuestWrite(biosBase, []byte{2}))

	recs := records(t, saveFull(t, newManager(reg, config.Default(), nil)), snapshot.UnitVersion)
	require.Len(t, recs, 3)
	require.Equal(t, record.TagROMShadow, recs[0].Tag)
	require.Equal(t, byte(2), recs[0].Data[0])
	require.Equal(t, record.TagROMVirgin, recs[1].Tag)
	require.Equal(t, memory.ProtReadRAMWriteRAM, recs[1].Prot)
}

func TestActiveShadowElidedByState(t *testing.T) {
	t.Parallel()

	reg := newVM(t, []memory.RangeSpec{
		{Name: "bios", Base: biosBase, Size: memory.PageSize, Kind: memory.KindROM, Shadowed: true, Image: []byte{1}},
	})
	setProt(t, reg, biosBase, memory.ProtReadRAMWriteRAM)
	require.NoError(t, reg.GuestWrite(biosBase, []byte{2}))
	require.NoError(t, reg.GuestWrite(biosBase, []byte{0}))

	recs := records(t, saveFull(t, newManager(reg, config.Default(), nil)), snapshot.UnitVersion)
	require.Len(t, recs, 3)
	require.Equal(t, record.TagROMShadow, recs[0].Tag)
	require.Equal(t, make([]byte, memory.PageSize), recs[0].Data)

	// Back to ROM mode the same body is passive and elided by content.
	setProt(t, reg, biosBase, memory.ProtReadROMWriteIgnore)

	recs = records(t, saveFull(t, newManager(reg, config.Default(), nil)), snapshot.UnitVersion)
	require.Len(t, recs, 3)
	require.Equal(t, record.TagROMShadowZero, recs[1].Tag)
}

func TestLayoutDowngradesAlias(t *testing.T) {
	t.Parallel()

	var got []snapshot.RangeDesc

	unit := saveFull(t, newManager(newSource(t), config.Default(), nil))
	err := snapshot.Inspect(bytes.NewReader(unit), snapshot.UnitVersion, snapshot.Visitor{
		Layout: func(descs []snapshot.RangeDesc) error {
			got = descs

			return nil
		},
	})
	require.NoError(t, err)
	require.Len(t, got, 5)

	require.Equal(t, snapshot.RangeDesc{
		Base: mmioBase, Size: 2 * memory.PageSize, Name: "mmio",
		Runs: []snapshot.Run{{Kind: memory.KindMMIO, Count: 2}},
	}, got[3])
}

func TestLiveSaveRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newSource(t)
	hooks := &recordingHooks{}

	cfg := config.Default()
	cfg.YieldInterval = 8
	m := newManager(src, cfg, hooks)

	require.NoError(t, m.Prepare(ctx))
	require.Error(t, m.Prepare(ctx))

	var units [][]byte

	for pass := uint32(0); ; pass++ {
		var buf bytes.Buffer
		require.NoError(t, m.ExecutePass(ctx, &buf, pass))
		units = append(units, buf.Bytes())

		// The guest keeps running between passes.
		require.NoError(t, src.GuestWrite(uint64(pass%4)*memory.PageSize, []byte{byte(0x80 + pass)}))
		require.NoError(t, src.GuestWrite(20*memory.PageSize, []byte{byte(pass)}))

		if pass == 2 {
			setProt(t, src, biosBase, memory.ProtReadRAMWriteIgnore)
			require.NoError(t, src.GuestWrite(vramBase, []byte{7}))
		}

		if m.VoteDone(pass) || pass == 5 {
			break
		}
	}

	var final bytes.Buffer
	require.NoError(t, m.SaveExec(ctx, &final))
	units = append(units, final.Bytes())
	require.NoError(t, m.SaveDone(ctx))
	require.False(t, src.Engaged())
	require.Contains(t, hooks.calls, "sync")

	dst := newVM(t, layout(0))
	require.NoError(t, load(t, newManager(dst, config.Default(), nil), snapshot.UnitVersion, units...))

	if diff := cmp.Diff(dump(src), dump(dst)); diff != "" {
		t.Errorf("memory mismatch (-saved +loaded):\n%s", diff)
	}
}

func TestSaveDoneAbandonsLiveSave(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newSource(t)
	before := dump(src)
	m := newManager(src, config.Default(), nil)

	require.NoError(t, m.Prepare(ctx))

	var buf bytes.Buffer
	require.NoError(t, m.ExecutePass(ctx, &buf, 0))
	require.NoError(t, m.SaveDone(ctx))

	require.False(t, src.Engaged())
	require.Equal(t, before, dump(src))

	// Without a live save, ExecutePass has nothing to run.
	require.Error(t, m.ExecutePass(ctx, &buf, 1))
	require.True(t, m.VoteDone(0))
}

func TestLegacyRoundTrip(t *testing.T) {
	t.Parallel()

	specs := []memory.RangeSpec{
		{Name: "ram", Base: 0, Size: 8 * memory.PageSize, Kind: memory.KindRAM},
		{Name: "mmio", Base: mmioBase, Size: memory.PageSize, Kind: memory.KindMMIO},
		{Name: "bios", Base: 0xffffe000, Size: 2 * memory.PageSize, Kind: memory.KindROM, Shadowed: true, Image: bytes.Repeat([]byte{0xf4}, 2*memory.PageSize)},
	}

	for _, version := range []uint32{1, 2} {
		src := newVM(t, specs)
		require.NoError(t, src.GuestWrite(3*memory.PageSize, []byte{3}))
		setProt(t, src, 0xffffe000, memory.ProtReadRAMWriteRAM)
		require.NoError(t, src.GuestWrite(0xffffe010, []byte{0x11}))
		setProt(t, src, 0xfffff000, memory.ProtReadROMWriteRAM)
		require.NoError(t, src.GuestWrite(0xfffff020, []byte{0x22}))

		var buf bytes.Buffer
		require.NoError(t, newManager(src, config.Default(), nil).SaveExecVersion(context.Background(), &buf, version))

		dst := newVM(t, specs)
		require.NoError(t, load(t, newManager(dst, config.Default(), nil), version, buf.Bytes()), "version %d", version)

		if diff := cmp.Diff(dump(src), dump(dst)); diff != "" {
			t.Errorf("v%d memory mismatch (-saved +loaded):\n%s", version, diff)
		}
	}
}

func TestLegacyTrustsTargetKind(t *testing.T) {
	t.Parallel()

	const base = 0x10000000

	src := newVM(t, []memory.RangeSpec{{Name: "fb", Base: base, Size: 2 * memory.PageSize, Kind: memory.KindRAM}})
	require.NoError(t, src.GuestWrite(base+memory.PageSize, []byte{0xfb}))

	var buf bytes.Buffer
	require.NoError(t, newManager(src, config.Default(), nil).SaveExecVersion(context.Background(), &buf, 1))

	dst := newVM(t, []memory.RangeSpec{{Name: "vram", Base: base, Size: 2 * memory.PageSize, Kind: memory.KindMMIO2}})
	require.NoError(t, load(t, newManager(dst, config.Default(), nil), 1, buf.Bytes()))

	got := make([]byte, 1)
	require.NoError(t, dst.GuestRead(base+memory.PageSize, got))
	require.Equal(t, byte(0xfb), got[0])
}

func TestLegacyRangeDescription(t *testing.T) {
	t.Parallel()

	src := newVM(t, []memory.RangeSpec{{Name: "ram", Base: 0x1000000, Size: memory.PageSize, Kind: memory.KindRAM}})

	var buf bytes.Buffer
	require.NoError(t, newManager(src, config.Default(), nil).SaveExecVersion(context.Background(), &buf, 2))

	dst := newVM(t, []memory.RangeSpec{{Name: "lowram", Base: 0x1000000, Size: memory.PageSize, Kind: memory.KindRAM}})
	err := load(t, newManager(dst, config.Default(), nil), 2, buf.Bytes())
	require.ErrorIs(t, err, snapshot.ErrConfigMismatch)

	// Version 1 has no descriptions to compare.
	buf.Reset()
	require.NoError(t, newManager(src, config.Default(), nil).SaveExecVersion(context.Background(), &buf, 1))
	require.NoError(t, load(t, newManager(dst, config.Default(), nil), 1, buf.Bytes()))
}

func TestBestEffortLoad(t *testing.T) {
	t.Parallel()

	saved := []memory.RangeSpec{
		{Name: "low", Base: 0, Size: 16 * memory.PageSize, Kind: memory.KindRAM},
		{Name: "high", Base: 16 << 20, Size: 4 * memory.PageSize, Kind: memory.KindRAM},
	}

	src := newVM(t, saved)
	require.NoError(t, src.GuestWrite(0, []byte{1}))
	require.NoError(t, src.GuestWrite(15*memory.PageSize, []byte{15}))
	require.NoError(t, src.GuestWrite(16<<20, []byte{16}))

	current := saveFull(t, newManager(src, config.Default(), nil))

	var legacy bytes.Buffer
	require.NoError(t, newManager(src, config.Default(), nil).SaveExecVersion(context.Background(), &legacy, 1))

	bestEffort := config.Default()
	bestEffort.BestEffortLoad = true

	tests := []struct {
		name    string
		target  []memory.RangeSpec
		cfg     config.Config
		wantErr error
	}{
		{
			name:    "low range shrunk",
			target:  []memory.RangeSpec{{Name: "low", Base: 0, Size: 8 * memory.PageSize, Kind: memory.KindRAM}, saved[1]},
			cfg:     config.Default(),
			wantErr: snapshot.ErrConfigMismatch,
		},
		{
			name:   "low range shrunk, best effort",
			target: []memory.RangeSpec{{Name: "low", Base: 0, Size: 8 * memory.PageSize, Kind: memory.KindRAM}, saved[1]},
			cfg:    bestEffort,
		},
		{
			name:    "high range shrunk, best effort",
			target:  []memory.RangeSpec{saved[0], {Name: "high", Base: 16 << 20, Size: 2 * memory.PageSize, Kind: memory.KindRAM}},
			cfg:     bestEffort,
			wantErr: snapshot.ErrConfigMismatch,
		},
		{
			name:    "high range missing, best effort",
			target:  saved[:1],
			cfg:     bestEffort,
			wantErr: snapshot.ErrConfigMismatch,
		},
	}

	for _, tt := range tests {
		for _, unit := range []struct {
			version uint32
			data    []byte
		}{{snapshot.UnitVersion, current}, {1, legacy.Bytes()}} {
			dst := newVM(t, tt.target)
			err := load(t, newManager(dst, tt.cfg, nil), unit.version, unit.data)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr, "%s v%d", tt.name, unit.version)

				continue
			}

			require.NoError(t, err, "%s v%d", tt.name, unit.version)

			got := make([]byte, 1)
			require.NoError(t, dst.GuestRead(16<<20, got))
			require.Equal(t, byte(16), got[0], "%s v%d", tt.name, unit.version)

			// The mismatching low range is dropped as a whole.
			require.NoError(t, dst.GuestRead(0, got))
			require.Equal(t, byte(0), got[0], "%s v%d", tt.name, unit.version)
		}
	}
}

func TestKindMismatch(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	buf.WriteByte(0) // no layout
	enc := record.NewEncoder(&buf)
	require.NoError(t, enc.Raw(biosBase, bytes.Repeat([]byte{1}, memory.PageSize)))
	require.NoError(t, enc.End())

	cfg := config.Default()
	cfg.BestEffortLoad = true
	cfg.LowMemThreshold = biosBase

	dst := newVM(t, layout(0))
	err := load(t, newManager(dst, cfg, nil), snapshot.UnitVersion, buf.Bytes())
	require.ErrorIs(t, err, record.ErrKindMismatch)

	cfg.LowMemThreshold = config.DefaultLowMemThreshold
	require.NoError(t, load(t, newManager(dst, cfg, nil), snapshot.UnitVersion, buf.Bytes()))
}

func TestLoadFormatErrors(t *testing.T) {
	t.Parallel()

	dst := newVM(t, layout(0))
	m := newManager(dst, config.Default(), nil)
	ctx := context.Background()

	require.ErrorIs(t, m.LoadExec(ctx, bytes.NewReader([]byte{0x80}), snapshot.UnitVersion, 0), record.ErrFormat)
	require.ErrorIs(t, m.LoadExec(ctx, bytes.NewReader([]byte{0, 0x07}), snapshot.UnitVersion, 0), record.ErrFormat)
	require.ErrorIs(t, m.LoadExec(ctx, bytes.NewReader([]byte{1, 2}), snapshot.UnitVersion, 0), record.ErrFormat)
	require.ErrorIs(t, m.LoadExec(ctx, bytes.NewReader(nil), 1, 0), record.ErrFormat)
}

func TestUnsupportedVersion(t *testing.T) {
	t.Parallel()

	m := newManager(newVM(t, layout(0)), config.Default(), nil)
	ctx := context.Background()

	for _, v := range []uint32{0, 4} {
		require.ErrorIs(t, m.LoadExec(ctx, bytes.NewReader([]byte{0xff}), v, 0), snapshot.ErrUnsupportedVersion)
		require.ErrorIs(t, m.SaveExecVersion(ctx, &bytes.Buffer{}, v), snapshot.ErrUnsupportedVersion)
		require.ErrorIs(t, snapshot.Inspect(bytes.NewReader(nil), v, snapshot.Visitor{}), snapshot.ErrUnsupportedVersion)
	}

	require.Equal(t, []uint32{3, 2, 1}, snapshot.Versions())
	require.Equal(t, "pgm", m.Name())
	require.Equal(t, uint32(3), m.Version())
}

func TestDisassembleROM(t *testing.T) {
	t.Parallel()

	lines, err := snapshot.DisassembleROM([]byte{0xea, 0x5b, 0xe0, 0x00, 0xf0}, 0xffff0, 4)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.True(t, strings.Contains(lines[0], "jmp"), lines[0])

	lines, err = snapshot.DisassembleROM([]byte{0x90, 0x90, 0xfa}, 0, 2)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Contains(t, lines[1], "nop")
}
