package machine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"github.com/bobuhiro11/pgmsnap/memory"
	"github.com/bobuhiro11/pgmsnap/snapshot"
)

var (
	errUnknownKeys = errors.New("unknown layout keys")
	errNoRanges    = errors.New("layout has no ranges")
	errBadSize     = errors.New("bad range size")
)

// Layout is the guest-physical memory map of a machine, as read from a
// TOML file:
//
//	name = "pc"
//
//	[[range]]
//	name = "ram"
//	base = 0x0
//	size = "64 MiB"
//	kind = "ram"
//
//	[[range]]
//	name = "bios"
//	base = 0xfffe0000
//	size = "128 KiB"
//	kind = "rom"
//	shadowed = true
//	image = "bios.bin"
type Layout struct {
	Name   string        `toml:"name"`
	Ranges []RangeConfig `toml:"range"`

	// dir resolves relative image paths.
	dir string
}

type RangeConfig struct {
	Name     string `toml:"name"`
	Base     uint64 `toml:"base"`
	Size     string `toml:"size"`
	Kind     string `toml:"kind"`
	Shadowed bool   `toml:"shadowed"`
	Image    string `toml:"image"`
}

// ParseLayout decodes a TOML layout.
func ParseLayout(data string) (Layout, error) {
	var l Layout

	md, err := toml.Decode(data, &l)
	if err != nil {
		return Layout{}, fmt.Errorf("layout: %w", err)
	}

	if keys := md.Undecoded(); len(keys) > 0 {
		return Layout{}, fmt.Errorf("%w: %v", errUnknownKeys, keys)
	}

	if len(l.Ranges) == 0 {
		return Layout{}, errNoRanges
	}

	return l, nil
}

// LoadLayout reads a TOML layout file. Image paths are relative to it.
func LoadLayout(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, err
	}

	l, err := ParseLayout(string(data))
	if err != nil {
		return Layout{}, fmt.Errorf("%s: %w", path, err)
	}

	l.dir = filepath.Dir(path)

	return l, nil
}

// DefaultLayout is a PC with ramSize bytes of RAM. ramSize is rounded up
// to 1 MiB.
func DefaultLayout(ramSize uint64) Layout {
	const mib = 1 << 20

	ramSize = max((ramSize+mib-1)/mib*mib, mib)

	l := Layout{
		Name: "pc",
		Ranges: []RangeConfig{
			{Name: "ram-low", Base: 0, Size: sizeString(640 << 10), Kind: "ram"},
			{Name: "vga", Base: 0xa0000, Size: sizeString(128 << 10), Kind: "mmio2"},
			{Name: "vgabios", Base: 0xc0000, Size: sizeString(32 << 10), Kind: "rom"},
			{Name: "isa-bios", Base: 0xe0000, Size: sizeString(128 << 10), Kind: "rom", Shadowed: true},
		},
	}

	if ramSize > mib {
		l.Ranges = append(l.Ranges, RangeConfig{Name: "ram-high", Base: mib, Size: sizeString(ramSize - mib), Kind: "ram"})
	}

	l.Ranges = append(l.Ranges,
		RangeConfig{Name: "lapic", Base: 0xfee00000, Size: sizeString(4 << 10), Kind: "mmio"},
		RangeConfig{Name: "bios", Base: 0xfffe0000, Size: sizeString(128 << 10), Kind: "rom"},
	)

	return l
}

func sizeString(n uint64) string {
	switch {
	case n%(1<<20) == 0:
		return fmt.Sprintf("%d MiB", n>>20)
	case n%(1<<10) == 0:
		return fmt.Sprintf("%d KiB", n>>10)
	}

	return fmt.Sprint(n)
}

// Specs turns the layout into registry ranges. ROM ranges without an image
// get a synthetic one.
func (l Layout) Specs() ([]memory.RangeSpec, error) {
	specs := make([]memory.RangeSpec, 0, len(l.Ranges))

	for _, rc := range l.Ranges {
		size, err := humanize.ParseBytes(strings.TrimSpace(rc.Size))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", errBadSize, rc.Name, err)
		}

		kind, err := memory.ParseKind(rc.Kind)
		if err != nil {
			return nil, fmt.Errorf("range %s: %w", rc.Name, err)
		}

		spec := memory.RangeSpec{
			Name:     rc.Name,
			Base:     rc.Base,
			Size:     size,
			Kind:     kind,
			Shadowed: rc.Shadowed,
		}

		if kind == memory.KindROM {
			spec.Image, err = l.image(rc, size)
			if err != nil {
				return nil, err
			}
		}

		specs = append(specs, spec)
	}

	return specs, nil
}

func (l Layout) image(rc RangeConfig, size uint64) ([]byte, error) {
	if rc.Image == "" {
		return SyntheticROM(size), nil
	}

	path := rc.Image
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.dir, path)
	}

	img, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", rc.Name, err)
	}

	return img, nil
}

// SyntheticROM returns a ROM image of size bytes filled with hlt, whose
// last page holds a far jump at the reset vector offset.
func SyntheticROM(size uint64) []byte {
	img := make([]byte, size)
	for i := range img {
		img[i] = 0xf4
	}

	// jmp far 0xf000:0xe05b
	vec := []byte{0xea, 0x5b, 0xe0, 0x00, 0xf0}

	if off := size - memory.PageSize + snapshot.ResetVectorOffset; size >= memory.PageSize && off+uint64(len(vec)) <= size {
		copy(img[off:], vec)
	}

	return img
}
