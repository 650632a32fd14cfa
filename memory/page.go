package memory

import "fmt"

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// Kind is the type of a guest-physical page.
type Kind uint8

const (
	// KindInvalid never describes a live page. The loader uses it to mean
	// "trust whatever type the target page has".
	KindInvalid Kind = iota
	KindRAM
	KindROM
	KindROMShadow
	KindMMIO
	KindMMIO2
	KindMMIO2AliasMMIO
)

var kindNames = [...]string{
	KindInvalid:        "invalid",
	KindRAM:            "ram",
	KindROM:            "rom",
	KindROMShadow:      "rom-shadow",
	KindMMIO:           "mmio",
	KindMMIO2:          "mmio2",
	KindMMIO2AliasMMIO: "mmio2-alias-mmio",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}

	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s && Kind(k) != KindInvalid {
			return Kind(k), nil
		}
	}

	return KindInvalid, fmt.Errorf("%w: %q", errUnknownKind, s)
}

// IsMMIO reports whether pages of this kind are device owned and never
// write monitored.
func (k Kind) IsMMIO() bool {
	return k == KindMMIO || k == KindMMIO2 || k == KindMMIO2AliasMMIO
}

// IsROM reports whether the page belongs to a ROM range.
func (k Kind) IsROM() bool {
	return k == KindROM || k == KindROMShadow
}

// State is the allocation state of a page.
type State uint8

const (
	StateZero State = iota
	StateShared
	StateAllocated
	StateWriteMonitored
)

func (s State) String() string {
	switch s {
	case StateZero:
		return "zero"
	case StateShared:
		return "shared"
	case StateAllocated:
		return "allocated"
	case StateWriteMonitored:
		return "write-monitored"
	}

	return fmt.Sprintf("State(%d)", uint8(s))
}

// Page is one 4 KiB guest frame.
type Page struct {
	kind    Kind
	state   State
	written bool
	data    []byte
}

func (p *Page) Kind() Kind   { return p.kind }
func (p *Page) State() State { return p.state }

// HasBacking reports whether the page has host memory behind it.
func (p *Page) HasBacking() bool { return p.data != nil }
