package memory

import "fmt"

// Prot is the protection mode of a shadowed ROM page. It selects which of
// the two bodies the guest reads and where its writes go.
type Prot uint8

const (
	ProtInvalid Prot = iota
	ProtReadROMWriteIgnore
	ProtReadROMWriteRAM
	ProtReadRAMWriteIgnore
	ProtReadRAMWriteRAM
	protEnd
)

// Valid reports whether p is a real protection mode.
func (p Prot) Valid() bool { return p > ProtInvalid && p < protEnd }

// IsROM reports whether the virgin body is the active (guest readable) one.
func (p Prot) IsROM() bool {
	return p == ProtReadROMWriteIgnore || p == ProtReadROMWriteRAM
}

// WritesRAM reports whether guest writes reach the shadow body.
func (p Prot) WritesRAM() bool {
	return p == ProtReadROMWriteRAM || p == ProtReadRAMWriteRAM
}

func (p Prot) String() string {
	switch p {
	case ProtInvalid:
		return "invalid"
	case ProtReadROMWriteIgnore:
		return "read-rom/write-ignore"
	case ProtReadROMWriteRAM:
		return "read-rom/write-ram"
	case ProtReadRAMWriteIgnore:
		return "read-ram/write-ignore"
	case ProtReadRAMWriteRAM:
		return "read-ram/write-ram"
	}

	return fmt.Sprintf("Prot(%d)", uint8(p))
}

// Side names one body of a shadowed ROM page.
type Side uint8

const (
	SideVirgin Side = iota
	SideShadow
)

func (s Side) Other() Side { return 1 - s }

func (s Side) String() string {
	if s == SideVirgin {
		return "virgin"
	}

	return "shadow"
}

// RomPageInfo is the capture side info of a ROM page. It lives as long as
// the ROM range does.
type RomPageInfo struct {
	// Prot is the protection last written to a snapshot stream.
	Prot        Prot
	SavedVirgin bool
	Done        bool
	// WrittenTo is set when the guest writes the passive shadow body.
	WrittenTo bool
}

// RomPage holds both bodies of one ROM frame. Non-shadowed ROM only uses
// the virgin body.
type RomPage struct {
	Virgin Page
	Shadow Page
	Prot   Prot
	Info   RomPageInfo
}

// ActiveSide is the body the guest currently reads.
func (rp *RomPage) ActiveSide() Side {
	if rp.Prot.IsROM() {
		return SideVirgin
	}

	return SideShadow
}

func (rp *RomPage) Body(s Side) *Page {
	if s == SideVirgin {
		return &rp.Virgin
	}

	return &rp.Shadow
}

func (rp *RomPage) Active() *Page { return rp.Body(rp.ActiveSide()) }

func (rp *RomPage) Passive() *Page {
	if rp.ActiveSide() == SideVirgin {
		return &rp.Shadow
	}

	return &rp.Virgin
}
