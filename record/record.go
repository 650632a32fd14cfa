// Package record implements the sparse page record stream that carries guest
// memory inside a snapshot unit.
//
// Every record starts with a one-byte tag. When the tag has bit 7 set an
// 8-byte little-endian guest-physical address follows, otherwise the record
// describes the page right after the previous one.
//
//	ZERO             no payload
//	RAW              4096 bytes
//	ROM_VIRGIN       prot byte + 4096 bytes
//	ROM_SHADOW       prot byte + 4096 bytes
//	ROM_SHADOW_ZERO  prot byte
//	ROM_PROT         prot byte
//	END              terminates the unit, never carries an address
package record

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/pgmsnap/memory"
)

var (
	// ErrFormat marks a malformed stream.
	ErrFormat = errors.New("malformed page record stream")
	// ErrKindMismatch is returned when a record does not fit the page it
	// targets.
	ErrKindMismatch = errors.New("record does not match page kind")
)

// Tag is the record type, without the address flag.
type Tag uint8

const (
	TagZero          Tag = 0
	TagRaw           Tag = 1
	TagROMVirgin     Tag = 2
	TagROMShadow     Tag = 3
	TagROMShadowZero Tag = 4
	TagROMProt       Tag = 5
	tagLast              = TagROMProt

	TagEnd Tag = 0xff

	// FlagAddr on the wire means an explicit address follows the tag.
	FlagAddr = 0x80
)

func (t Tag) String() string {
	switch t {
	case TagZero:
		return "ZERO"
	case TagRaw:
		return "RAW"
	case TagROMVirgin:
		return "ROM_VIRGIN"
	case TagROMShadow:
		return "ROM_SHADOW"
	case TagROMShadowZero:
		return "ROM_SHADOW_ZERO"
	case TagROMProt:
		return "ROM_PROT"
	case TagEnd:
		return "END"
	}

	return fmt.Sprintf("Tag(%#x)", uint8(t))
}

// HasProt reports whether records of this type carry a protection byte.
func (t Tag) HasProt() bool { return t >= TagROMVirgin && t <= TagROMProt }

// HasData reports whether records of this type carry a page of bytes.
func (t Tag) HasData() bool {
	return t == TagRaw || t == TagROMVirgin || t == TagROMShadow
}

// Record is one decoded page record.
type Record struct {
	Tag  Tag
	Addr uint64
	// Explicit is set when the address was on the wire.
	Explicit bool
	Prot     memory.Prot
	// Data is the page content for RAW, ROM_VIRGIN and ROM_SHADOW.
	Data []byte
}

func (r Record) String() string {
	if r.Tag == TagEnd {
		return "END"
	}

	if r.Tag.HasProt() {
		return fmt.Sprintf("%#012x %s prot=%v", r.Addr, r.Tag, r.Prot)
	}

	return fmt.Sprintf("%#012x %s", r.Addr, r.Tag)
}

// IsZeroPage reports whether b contains only zero bytes.
func IsZeroPage(b []byte) bool {
	for len(b) >= 8 {
		if b[0]|b[1]|b[2]|b[3]|b[4]|b[5]|b[6]|b[7] != 0 {
			return false
		}

		b = b[8:]
	}

	for _, c := range b {
		if c != 0 {
			return false
		}
	}

	return true
}

// CheckKind verifies that rec may be applied to a page of the given kind.
// KindInvalid is accepted for every record: legacy streams carry no types
// and the target page decides.
func CheckKind(rec Record, kind memory.Kind) error {
	if kind == memory.KindInvalid {
		return nil
	}

	ok := false

	switch rec.Tag {
	case TagZero, TagRaw:
		ok = kind == memory.KindRAM || kind == memory.KindMMIO2
	case TagROMVirgin:
		ok = kind == memory.KindROM || kind == memory.KindROMShadow
	case TagROMShadow, TagROMShadowZero, TagROMProt:
		ok = kind == memory.KindROMShadow
	case TagEnd:
		ok = true
	}

	if !ok {
		return fmt.Errorf("%w: %s at %#x on %v page", ErrKindMismatch, rec.Tag, rec.Addr, kind)
	}

	return nil
}
