package migration

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// UnitInfo names a unit and the version its passes are written in.
type UnitInfo struct {
	Name    string
	Version uint32
}

// Manifest opens a stream. The destination checks it before it touches
// any state.
type Manifest struct {
	// Machine is the name of the layout the source runs.
	Machine string
	// Session identifies the capture that produced the stream.
	Session string
	// Live is set when the units were captured while the guest ran.
	Live  bool
	Units []UnitInfo
}

// Unit returns the entry for name.
func (m *Manifest) Unit(name string) (UnitInfo, bool) {
	for _, u := range m.Units {
		if u.Name == name {
			return u, true
		}
	}

	return UnitInfo{}, false
}

// SendManifest encodes m with gob and sends it as a MsgManifest.
func (s *Sender) SendManifest(m *Manifest) error {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	return s.send(MsgManifest, buf.Bytes())
}

// DecodeManifest decodes a gob-encoded Manifest from payload bytes.
func DecodeManifest(payload []byte) (*Manifest, error) {
	m := &Manifest{}

	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	return m, nil
}

// Snapshot files start with Magic and a container version.
const (
	Magic         = "PGMSNAP\x00"
	FormatVersion = 1
)

var (
	errBadMagic          = errors.New("not a snapshot file")
	errUnsupportedFormat = errors.New("unsupported snapshot file format")
)

// WriteFileHeader writes the snapshot file preamble.
func WriteFileHeader(w io.Writer) error {
	hdr := append([]byte(Magic), 0, 0, 0, FormatVersion)

	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write file header: %w", err)
	}

	return nil
}

// ReadFileHeader checks the snapshot file preamble.
func ReadFileHeader(r io.Reader) error {
	hdr := make([]byte, len(Magic)+4)

	if _, err := io.ReadFull(r, hdr); err != nil {
		return fmt.Errorf("read file header: %w", err)
	}

	if string(hdr[:len(Magic)]) != Magic {
		return errBadMagic
	}

	v := hdr[len(Magic):]
	if v[0] != 0 || v[1] != 0 || v[2] != 0 || v[3] != FormatVersion {
		return fmt.Errorf("%w: % x", errUnsupportedFormat, v)
	}

	return nil
}
